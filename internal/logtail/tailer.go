// Package logtail follows a log file that another process keeps appending
// to, surviving truncation, rotation and the file not existing yet.
package logtail

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultMaxLineBytes = 1 << 20

	readChunk = 32 * 1024
)

// Config controls polling and buffering.
type Config struct {
	PollInterval time.Duration
	MaxLineBytes int
	// FromStart reads the first file from offset 0 instead of its end.
	// Files opened after a rotation are always read from the start.
	FromStart bool
}

type state int

const (
	awaitingFile state = iota
	following
)

func (s state) String() string {
	if s == following {
		return "following"
	}
	return "awaiting_file"
}

type position struct {
	path   string
	info   os.FileInfo
	offset int64
}

// Stats are cumulative counters since the tailer was created.
type Stats struct {
	Lines       uint64
	Rotations   uint64
	Truncations uint64
	Oversized   uint64
	Errors      uint64
}

// Tailer turns appended bytes into complete lines. Only newline-terminated
// lines are emitted; a trailing partial line is held until it completes.
type Tailer struct {
	src    Source
	cfg    Config
	logger *zap.Logger

	// mu serializes Poll; Run and tests may both drive it.
	mu         sync.Mutex
	state      state
	pos        position
	partial    []byte
	discarding bool
	opened     bool
	waitLogged bool
	buf        []byte
	decoder    transform.Transformer

	lines       atomic.Uint64
	rotations   atomic.Uint64
	truncations atomic.Uint64
	oversized   atomic.Uint64
	errors      atomic.Uint64
}

// New creates a tailer for src. Zero config values take the defaults.
func New(src Source, cfg Config, logger *zap.Logger) *Tailer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultMaxLineBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tailer{
		src:     src,
		cfg:     cfg,
		logger:  logger.With(zap.String("source", src.String())),
		buf:     make([]byte, readChunk),
		decoder: unicode.UTF8BOM.NewDecoder(),
	}
}

// Stats returns a snapshot of the counters.
func (t *Tailer) Stats() Stats {
	return Stats{
		Lines:       t.lines.Load(),
		Rotations:   t.rotations.Load(),
		Truncations: t.truncations.Load(),
		Oversized:   t.oversized.Load(),
		Errors:      t.errors.Load(),
	}
}

// Run polls until ctx is done, sending every complete line to out. If the
// source needs a background watcher it is started here as well.
func (t *Tailer) Run(ctx context.Context, out chan<- string) error {
	if w, ok := t.src.(interface{ Run(context.Context) error }); ok {
		go func() {
			if err := w.Run(ctx); err != nil {
				t.logger.Warn("source watcher stopped", zap.Error(err))
			}
		}()
	}

	t.logger.Info("tailer starting",
		zap.Duration("poll_interval", t.cfg.PollInterval),
		zap.Bool("from_start", t.cfg.FromStart),
	)

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for _, line := range t.Poll() {
			select {
			case out <- line:
			case <-ctx.Done():
				return nil
			}
		}

		select {
		case <-ctx.Done():
			t.logger.Info("tailer stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll performs one step: resolve the file, detect rotation or truncation
// and return the lines completed since the previous step. Errors are logged
// and counted; the next Poll tries again.
func (t *Tailer) Poll() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	path, err := t.src.Resolve()
	if err != nil {
		t.fail("failed to resolve log file", err)
		return nil
	}
	if path == "" {
		t.await(t.src.String())
		return nil
	}

	if t.state == following && path != t.pos.path {
		t.logger.Info("log file switched",
			zap.String("from", t.pos.path),
			zap.String("to", path),
		)
		t.rotations.Add(1)
		t.reset()
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			t.await(path)
			return nil
		}
		t.fail("failed to open log file", err)
		return nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		t.fail("failed to stat log file", err)
		return nil
	}

	switch {
	case t.state == awaitingFile:
		t.start(f, path, info)
	case !os.SameFile(t.pos.info, info):
		t.logger.Info("log file rotated", zap.String("path", path))
		t.rotations.Add(1)
		t.reset()
		t.start(f, path, info)
	case info.Size() < t.pos.offset:
		t.logger.Info("log file truncated",
			zap.Int64("offset", t.pos.offset),
			zap.Int64("size", info.Size()),
		)
		t.truncations.Add(1)
		t.pos.offset = 0
		t.partial = t.partial[:0]
		t.discarding = false
	}
	t.pos.info = info

	return t.read(f, info.Size())
}

func (t *Tailer) start(f *os.File, path string, info os.FileInfo) {
	t.state = following
	t.waitLogged = false
	t.pos = position{path: path, info: info}

	if !t.opened && !t.cfg.FromStart && info.Size() > 0 {
		t.pos.offset = info.Size()
		// Starting mid-line: skip up to the next newline.
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, info.Size()-1); err == nil && last[0] != '\n' {
			t.discarding = true
		}
	}
	t.opened = true

	t.logger.Info("following log file",
		zap.String("path", path),
		zap.Int64("offset", t.pos.offset),
	)
}

func (t *Tailer) await(path string) {
	// Whatever appears from now on was written after startup.
	t.opened = true
	if t.state == following {
		t.logger.Info("log file gone, waiting", zap.String("path", t.pos.path))
		t.reset()
	}
	if !t.waitLogged {
		t.logger.Info("waiting for log file", zap.String("path", path))
		t.waitLogged = true
	}
}

func (t *Tailer) reset() {
	t.state = awaitingFile
	t.pos = position{}
	t.partial = t.partial[:0]
	t.discarding = false
}

func (t *Tailer) fail(msg string, err error) {
	t.errors.Add(1)
	t.logger.Warn(msg, zap.Error(err))
}

func (t *Tailer) read(f *os.File, size int64) []string {
	if size <= t.pos.offset {
		return nil
	}
	if _, err := f.Seek(t.pos.offset, io.SeekStart); err != nil {
		t.fail("failed to seek log file", err)
		return nil
	}

	var lines []string
	r := io.LimitReader(f, size-t.pos.offset)
	for {
		n, err := r.Read(t.buf)
		if n > 0 {
			t.pos.offset += int64(n)
			lines = t.consume(t.buf[:n], lines)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.fail("failed to read log file", err)
			}
			break
		}
	}

	t.lines.Add(uint64(len(lines)))
	return lines
}

func (t *Tailer) consume(chunk []byte, lines []string) []string {
	limit := t.cfg.MaxLineBytes
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			if t.discarding {
				return lines
			}
			t.partial = append(t.partial, chunk...)
			if len(t.partial) > limit {
				t.dropOversized(len(t.partial))
				t.partial = t.partial[:0]
				t.discarding = true
			}
			return lines
		}

		seg := chunk[:i]
		chunk = chunk[i+1:]

		if t.discarding {
			t.discarding = false
			continue
		}
		if len(t.partial)+len(seg) > limit {
			t.dropOversized(len(t.partial) + len(seg))
			t.partial = t.partial[:0]
			continue
		}

		t.partial = append(t.partial, seg...)
		lines = append(lines, t.decode(t.partial))
		t.partial = t.partial[:0]
	}
	return lines
}

func (t *Tailer) dropOversized(n int) {
	t.oversized.Add(1)
	t.logger.Warn("dropping oversized line",
		zap.Int("bytes", n),
		zap.Int("max_line_bytes", t.cfg.MaxLineBytes),
	)
}

func (t *Tailer) decode(b []byte) string {
	b = bytes.TrimSuffix(b, []byte{'\r'})
	s, _, err := transform.Bytes(t.decoder, b)
	if err != nil {
		return strings.ToValidUTF8(string(b), "\uFFFD")
	}
	return string(s)
}
