// Package imagecache keeps a durable local copy of world images, fetched at
// most once per world and source URL.
package imagecache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dgnsrekt/whereami/internal/extract"
	"github.com/dgnsrekt/whereami/internal/vrcapi"
)

var (
	// ErrUnknownWorld means the world was never referenced by the log.
	ErrUnknownWorld = errors.New("unknown world")
	// ErrNoImage means the world is known but has no image URL.
	ErrNoImage = errors.New("world has no image")
)

const defaultFetchTimeout = time.Minute

// Fetcher downloads image bytes.
type Fetcher interface {
	FetchImage(ctx context.Context, imageURL, etag string) (*vrcapi.Image, error)
}

// Entry describes one cached image.
type Entry struct {
	WorldID     string    `json:"worldId"`
	SourceURL   string    `json:"sourceUrl"`
	ETag        string    `json:"etag,omitempty"`
	ContentHash string    `json:"contentHash"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	FetchedAt   time.Time `json:"fetchedAt"`
	Path        string    `json:"-"`
}

// Options configures a Cache.
type Options struct {
	Dir string
	// RevalidateAfter > 0 makes entries older than this be revalidated with
	// a conditional request.
	RevalidateAfter time.Duration
	FetchTimeout    time.Duration
}

// Stats are cumulative counters.
type Stats struct {
	Hits     uint64
	Fetches  uint64
	Failures uint64
	Entries  int
}

type reference struct {
	url  string
	seen time.Time
}

// Cache maps world ids to images on disk.
type Cache struct {
	store        *store
	fetcher      Fetcher
	revalidate   time.Duration
	fetchTimeout time.Duration
	logger       *zap.Logger
	now          func() time.Time
	group        singleflight.Group

	mu      sync.RWMutex
	entries map[string]Entry
	known   map[string]reference

	hits     atomic.Uint64
	fetches  atomic.Uint64
	failures atomic.Uint64
}

// New opens the cache directory and loads the sidecars found there.
func New(opts Options, fetcher Fetcher, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}

	st, err := newStore(opts.Dir)
	if err != nil {
		return nil, err
	}

	entries, problems := st.load()
	for _, p := range problems {
		logger.Warn("ignoring cache entry", zap.Error(p))
	}
	logger.Info("image cache loaded",
		zap.String("dir", opts.Dir),
		zap.Int("entries", len(entries)),
	)

	return &Cache{
		store:        st,
		fetcher:      fetcher,
		revalidate:   opts.RevalidateAfter,
		fetchTimeout: opts.FetchTimeout,
		logger:       logger,
		now:          time.Now,
		entries:      entries,
		known:        make(map[string]reference),
	}, nil
}

// Register records that the live pipeline referenced worldID with imageURL.
// An empty imageURL keeps a previously registered one.
func (c *Cache) Register(worldID, imageURL string) {
	if !extract.ValidWorldID(worldID) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ref := c.known[worldID]
	if imageURL != "" {
		ref.url = imageURL
	}
	ref.seen = c.now()
	c.known[worldID] = ref
}

// Known reports whether worldID was registered.
func (c *Cache) Known(worldID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.known[worldID]
	return ok
}

// Get returns the image of a registered world, fetching it if needed.
func (c *Cache) Get(ctx context.Context, worldID string) (Entry, error) {
	c.mu.RLock()
	ref, ok := c.known[worldID]
	entry, cached := c.entries[worldID]
	c.mu.RUnlock()

	if !ok {
		return Entry{}, ErrUnknownWorld
	}
	if ref.url == "" {
		if cached {
			c.hits.Add(1)
			return entry, nil
		}
		return Entry{}, ErrNoImage
	}
	return c.GetOrFetch(ctx, worldID, ref.url)
}

// GetOrFetch returns the entry for worldID if it was fetched from imageURL
// and is still fresh; otherwise it fetches. Concurrent callers for the same
// world share one fetch. A failed fetch leaves any previous entry intact, and
// a failed revalidation serves that entry.
func (c *Cache) GetOrFetch(ctx context.Context, worldID, imageURL string) (Entry, error) {
	if !extract.ValidWorldID(worldID) {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownWorld, worldID)
	}
	if imageURL == "" {
		return Entry{}, ErrNoImage
	}

	if e, ok := c.lookup(worldID); ok && e.SourceURL == imageURL && c.fresh(e) {
		c.hits.Add(1)
		return e, nil
	}

	// Two attempts: a flight already running for a different URL of the
	// same world finishes first, then ours runs.
	for attempt := 0; attempt < 2; attempt++ {
		ch := c.group.DoChan(worldID, func() (any, error) {
			return c.fetch(worldID, imageURL)
		})

		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		}
		if res.Err != nil {
			return Entry{}, res.Err
		}
		e := res.Val.(Entry)
		if e.SourceURL == imageURL {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("image for %s changed while fetching", worldID)
}

// Open opens the bytes of an entry.
func (c *Cache) Open(e Entry) (*os.File, error) {
	return os.Open(c.store.imagePath(e.WorldID))
}

// Prune removes entries that are neither referenced since startup nor
// fetched within maxAge.
func (c *Cache) Prune(maxAge time.Duration) (int, error) {
	cutoff := c.now().Add(-maxAge)

	c.mu.Lock()
	var victims []string
	for id, e := range c.entries {
		if _, live := c.known[id]; live {
			continue
		}
		if e.FetchedAt.Before(cutoff) {
			victims = append(victims, id)
			delete(c.entries, id)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, id := range victims {
		if err := c.store.remove(id); err != nil {
			errs = append(errs, err)
		}
	}
	if len(victims) > 0 {
		c.logger.Info("pruned image cache", zap.Int("removed", len(victims)))
	}
	return len(victims), errors.Join(errs...)
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()
	return Stats{
		Hits:     c.hits.Load(),
		Fetches:  c.fetches.Load(),
		Failures: c.failures.Load(),
		Entries:  n,
	}
}

func (c *Cache) lookup(worldID string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[worldID]
	return e, ok
}

func (c *Cache) fresh(e Entry) bool {
	return c.revalidate <= 0 || c.now().Sub(e.FetchedAt) < c.revalidate
}

// fetch runs inside the single flight. It is detached from the caller's
// context so one cancelled client does not fail the others.
func (c *Cache) fetch(worldID, imageURL string) (Entry, error) {
	prev, had := c.lookup(worldID)
	if had && prev.SourceURL == imageURL && c.fresh(prev) {
		return prev, nil
	}

	etag := ""
	if had && prev.SourceURL == imageURL {
		etag = prev.ETag
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.fetchTimeout)
	defer cancel()

	c.fetches.Add(1)
	img, err := c.fetcher.FetchImage(ctx, imageURL, etag)
	if err != nil {
		c.failures.Add(1)
		c.logger.Warn("image fetch failed",
			zap.String("world", worldID),
			zap.String("url", imageURL),
			zap.Error(err),
		)
		if had && prev.SourceURL == imageURL {
			// Only revalidation failed; the copy on disk is still good.
			return prev, nil
		}
		return Entry{}, fmt.Errorf("fetching image for %s: %w", worldID, err)
	}

	var e Entry
	if img.NotModified && etag != "" {
		e = prev
		e.FetchedAt = c.now()
		if err := c.store.putSidecar(e); err != nil {
			return Entry{}, fmt.Errorf("storing image for %s: %w", worldID, err)
		}
	} else {
		sum := blake3.Sum256(img.Data)
		e = Entry{
			WorldID:     worldID,
			SourceURL:   imageURL,
			ETag:        img.ETag,
			ContentHash: hex.EncodeToString(sum[:]),
			ContentType: img.ContentType,
			Size:        int64(len(img.Data)),
			FetchedAt:   c.now(),
		}
		if err := c.store.put(&e, img.Data); err != nil {
			c.failures.Add(1)
			return Entry{}, fmt.Errorf("storing image for %s: %w", worldID, err)
		}
	}

	c.mu.Lock()
	c.entries[worldID] = e
	c.mu.Unlock()

	c.logger.Debug("image cached",
		zap.String("world", worldID),
		zap.String("hash", e.ContentHash),
		zap.Int64("size", e.Size),
		zap.Bool("revalidated", img.NotModified),
	)
	return e, nil
}
