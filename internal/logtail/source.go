package logtail

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Source tells the tailer which file to follow. Resolve returns "" when no
// file is available yet.
type Source interface {
	Resolve() (string, error)
	String() string
}

// FileSource always resolves to one fixed path.
type FileSource string

func (s FileSource) Resolve() (string, error) { return string(s), nil }
func (s FileSource) String() string           { return string(s) }

// DefaultRescanInterval is how often a DirSource re-lists its directory even
// without filesystem notifications.
const DefaultRescanInterval = 5 * time.Second

var logNamePattern = regexp.MustCompile(`^output_log_(\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2})\.txt$`)

const logNameLayout = "2006-01-02_15-04-05"

// NewSource returns a DirSource when path is a directory and a FileSource
// otherwise, including when path does not exist yet.
func NewSource(path string, rescan time.Duration, logger *zap.Logger) (Source, error) {
	fi, err := os.Stat(path)
	if err == nil && fi.IsDir() {
		return NewDirSource(path, rescan, logger)
	}
	return FileSource(path), nil
}

// DirSource follows the newest client log inside a directory. A new session
// log appearing is noticed through fsnotify and, as a fallback, by listing
// the directory every rescan interval.
type DirSource struct {
	dir     string
	rescan  time.Duration
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	now     func() time.Time

	mu      sync.Mutex
	current string
	scanned time.Time
	dirty   bool
}

// NewDirSource watches dir for session logs.
func NewDirSource(dir string, rescan time.Duration, logger *zap.Logger) (*DirSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &DirSource{
		dir:    dir,
		rescan: rescan,
		logger: logger,
		now:    time.Now,
		dirty:  true,
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("file notifications unavailable, relying on rescans", zap.Error(err))
		return d, nil
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	d.watcher = w
	return d, nil
}

func (d *DirSource) String() string { return d.dir }

// Resolve returns the newest session log in the directory.
func (d *DirSource) Resolve() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if !d.dirty && d.rescan > 0 && now.Sub(d.scanned) < d.rescan {
		return d.current, nil
	}

	newest, err := Newest(d.dir)
	if err != nil {
		return d.current, err
	}
	d.dirty = false
	d.scanned = now

	if newest != d.current {
		d.logger.Info("selected session log",
			zap.String("dir", d.dir),
			zap.String("previous", filepath.Base(d.current)),
			zap.String("current", filepath.Base(newest)),
		)
		d.current = newest
	}
	return newest, nil
}

// Run consumes filesystem notifications until ctx is done.
func (d *DirSource) Run(ctx context.Context) error {
	if d.watcher == nil {
		<-ctx.Done()
		return nil
	}
	defer d.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-d.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !logNamePattern.MatchString(filepath.Base(ev.Name)) {
				continue
			}
			d.logger.Debug("session log changed",
				zap.String("file", filepath.Base(ev.Name)),
				zap.String("op", ev.Op.String()),
			)
			d.markDirty()

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("file watcher error", zap.Error(err))
			d.markDirty()
		}
	}
}

// Close releases the watcher when Run is never started.
func (d *DirSource) Close() error {
	if d.watcher == nil {
		return nil
	}
	return d.watcher.Close()
}

func (d *DirSource) markDirty() {
	d.mu.Lock()
	d.dirty = true
	d.mu.Unlock()
}

// Newest returns the session log in dir with the latest timestamp in its
// name, or "" when there is none.
func Newest(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var (
		best     string
		bestTime time.Time
	)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := logNamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		ts, err := time.Parse(logNameLayout, m[1])
		if err != nil {
			continue
		}
		if best == "" || ts.After(bestTime) || (ts.Equal(bestTime) && e.Name() > best) {
			best, bestTime = e.Name(), ts
		}
	}
	if best == "" {
		return "", nil
	}
	return filepath.Join(dir, best), nil
}
