package imagecache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgnsrekt/whereami/internal/extract"
)

const (
	imageExt   = ".img"
	sidecarExt = ".json"
	tempSuffix = ".tmp"
)

// store owns the on-disk layout: <dir>/<worldID>.img holds the bytes and
// <dir>/<worldID>.json the entry describing them.
type store struct {
	dir string
}

func newStore(dir string) (*store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &store{dir: dir}, nil
}

func (s *store) imagePath(worldID string) string {
	return filepath.Join(s.dir, worldID+imageExt)
}

func (s *store) sidecarPath(worldID string) string {
	return filepath.Join(s.dir, worldID+sidecarExt)
}

// put writes the image first and the sidecar second, each through a temp
// file and rename, so a sidecar never describes bytes that are not there.
func (s *store) put(e *Entry, data []byte) error {
	path := s.imagePath(e.WorldID)
	if err := writeAtomic(path, data); err != nil {
		return err
	}
	e.Path = path
	return s.putSidecar(*e)
}

func (s *store) putSidecar(e Entry) error {
	b, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding sidecar: %w", err)
	}
	return writeAtomic(s.sidecarPath(e.WorldID), b)
}

func (s *store) remove(worldID string) error {
	var errs []error
	for _, p := range []string{s.sidecarPath(worldID), s.imagePath(worldID)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// load reads every valid sidecar whose image is present. Leftover temp
// files from an interrupted write are removed.
func (s *store) load() (map[string]Entry, []error) {
	entries := make(map[string]Entry)
	var problems []error

	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return entries, []error{fmt.Errorf("listing cache directory: %w", err)}
	}

	for _, d := range dirents {
		name := d.Name()
		if d.IsDir() {
			continue
		}
		if strings.HasSuffix(name, tempSuffix) {
			_ = os.Remove(filepath.Join(s.dir, name))
			continue
		}
		if !strings.HasSuffix(name, sidecarExt) {
			continue
		}

		worldID := strings.TrimSuffix(name, sidecarExt)
		if !extract.ValidWorldID(worldID) {
			continue
		}

		b, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			problems = append(problems, err)
			continue
		}
		var e Entry
		if err := json.Unmarshal(b, &e); err != nil || e.WorldID != worldID {
			problems = append(problems, fmt.Errorf("invalid sidecar %s", name))
			continue
		}
		e.Path = s.imagePath(worldID)
		if _, err := os.Stat(e.Path); err != nil {
			problems = append(problems, fmt.Errorf("sidecar %s without image", name))
			continue
		}
		entries[worldID] = e
	}
	return entries, problems
}

func writeAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*"+tempSuffix)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := f.Name()

	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
