package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/whereami/internal/extract"
	"github.com/dgnsrekt/whereami/internal/location"
)

func parseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <log file>",
		Short: "Print the location events and transitions a log file produces",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := location.NewJoinPolicy(cfg.Location.ExposeJoinLink)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return parseLog(f, policy, cfg.Tail.MaxLineBytes, cmd.OutOrStdout())
		},
	}
}

// parseLog replays r through the extractor and a fresh state, writing one
// line per event and one per resulting transition.
func parseLog(r io.Reader, policy location.JoinPolicy, maxLine int, out io.Writer) error {
	state := location.NewState(policy)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, min(64*1024, maxLine)), maxLine)

	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSuffix(sc.Text(), "\r")
		ev, ok := extract.ParseLine(line, time.Now())
		if !ok {
			continue
		}

		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%6d %-8s %s\n", n, extract.TypeName(ev), data)

		tr, changed := state.Apply(ev)
		if !changed {
			continue
		}
		snap, err := json.Marshal(location.NewSnapshot(tr.Location))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%6s -> #%d %s\n", "", tr.Seq, snap)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("line %d: %w", n+1, err)
	}
	return nil
}
