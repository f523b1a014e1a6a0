package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/dgnsrekt/whereami/internal/broadcast"
	"github.com/dgnsrekt/whereami/internal/location"
)

var errRequestDone = errors.New("request done")

// handleStatus streams location changes as server-sent events. The first
// event is the current location; a comment line is written whenever the
// stream has been idle for a heartbeat interval.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	sub, err := s.deps.Feed.Subscribe()
	if err != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.logger.Debug("status client connected",
		zap.Uint64("subscriber", sub.ID()),
		zap.String("remote_addr", r.RemoteAddr),
	)

	ctx := r.Context()
	for {
		m, err := s.nextOrHeartbeat(ctx, sub)
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				s.logger.Debug("failed to write heartbeat", zap.Error(err))
				return
			}
		case err != nil:
			if errors.Is(err, broadcast.ErrClosed) {
				s.logger.Debug("status stream closed", zap.Uint64("subscriber", sub.ID()))
			}
			return
		default:
			if err := writeEvent(w, m); err != nil {
				s.logger.Debug("failed to write to client", zap.Error(err))
				return
			}
		}
		flusher.Flush()
	}
}

// nextOrHeartbeat waits at most one heartbeat interval for the next message.
// It returns context.DeadlineExceeded only when the heartbeat elapsed while
// the request is still live.
func (s *Server) nextOrHeartbeat(ctx context.Context, sub *broadcast.Subscriber[*location.Location]) (broadcast.Message[*location.Location], error) {
	hctx, cancel := context.WithTimeout(ctx, s.opts.Heartbeat)
	defer cancel()

	m, err := sub.Next(hctx)
	if err != nil && ctx.Err() != nil {
		return m, errRequestDone
	}
	return m, err
}

func writeEvent(w io.Writer, m broadcast.Message[*location.Location]) error {
	data, err := json.Marshal(location.NewSnapshot(m.Value))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: location\nid: %d\ndata: %s\n\n", m.Seq, data)
	return err
}
