// Package vrcapi talks to the public world API: world metadata and the
// images it points at.
package vrcapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bluele/gcache"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://vrchat.com/api"

	maxWorldBytes = 1 << 20
	maxImageBytes = 16 << 20
)

// Client interface for testability
type Client interface {
	GetWorld(ctx context.Context, worldID string) (*World, error)
	FetchImage(ctx context.Context, imageURL, etag string) (*Image, error)
}

// World is the subset of the world record the overlay needs.
type World struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	AuthorID          string `json:"authorId"`
	AuthorName        string `json:"authorName"`
	Description       string `json:"description"`
	ImageURL          string `json:"imageUrl"`
	ThumbnailImageURL string `json:"thumbnailImageUrl"`
}

// Image is a fetched image. NotModified is set when the server confirmed
// the caller's ETag; Data is empty in that case.
type Image struct {
	Data        []byte
	ContentType string
	ETag        string
	NotModified bool
}

// Options configures an HTTPClient. Zero values take defaults.
type Options struct {
	BaseURL       string
	UserAgent     string
	AuthCookie    string
	RatePerSec    float64
	Timeout       time.Duration
	RetryInterval time.Duration
	MaxRetries    int
	CacheSize     int
	CacheTTL      time.Duration
}

type HTTPClient struct {
	httpClient    *http.Client
	baseURL       string
	userAgent     string
	authCookie    string
	limiter       *rate.Limiter
	maxRetries    int
	retryInterval time.Duration
	worlds        gcache.Cache
	cacheTTL      time.Duration
	logger        *zap.Logger
}

// notFound is cached for worlds the API does not know.
type notFound struct{}

func NewClient(opts Options, logger *zap.Logger) *HTTPClient {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "whereami"
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 256
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}

	burst := int(opts.RatePerSec * 2)
	if burst < 1 {
		burst = 1
	}

	return &HTTPClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		userAgent:     opts.UserAgent,
		authCookie:    opts.AuthCookie,
		limiter:       rate.NewLimiter(rate.Limit(opts.RatePerSec), burst),
		maxRetries:    opts.MaxRetries,
		retryInterval: opts.RetryInterval,
		worlds:        gcache.New(opts.CacheSize).LRU().Build(),
		cacheTTL:      opts.CacheTTL,
		logger:        logger,
	}
}

// GetWorld returns the metadata of a world. Results, including "not found",
// are cached for the configured TTL.
func (c *HTTPClient) GetWorld(ctx context.Context, worldID string) (*World, error) {
	if v, err := c.worlds.Get(worldID); err == nil {
		switch w := v.(type) {
		case *World:
			cp := *w
			return &cp, nil
		case notFound:
			return nil, ErrNotFound
		}
	}

	u := c.baseURL + "/1/worlds/" + url.PathEscape(worldID)
	hdr := http.Header{"Accept": {"application/json"}}
	if c.authCookie != "" {
		hdr.Set("Cookie", c.authCookie)
	}

	resp, err := c.get(ctx, u, hdr, maxWorldBytes)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.remember(worldID, notFound{})
		}
		return nil, fmt.Errorf("get world %s: %w", worldID, err)
	}

	var w World
	if err := json.Unmarshal(resp.body, &w); err != nil {
		return nil, fmt.Errorf("decoding world %s: %w", worldID, err)
	}
	if w.ID == "" {
		w.ID = worldID
	}
	if !isHTTP(w.ImageURL) {
		w.ImageURL = ""
	}
	if !isHTTP(w.ThumbnailImageURL) {
		w.ThumbnailImageURL = ""
	}

	c.remember(worldID, &w)
	cp := w
	return &cp, nil
}

// FetchImage downloads an image. A non-empty etag makes the request
// conditional.
func (c *HTTPClient) FetchImage(ctx context.Context, imageURL, etag string) (*Image, error) {
	if !isHTTP(imageURL) {
		return nil, fmt.Errorf("fetch image: unsupported url %q", imageURL)
	}

	hdr := http.Header{}
	if etag != "" {
		hdr.Set("If-None-Match", etag)
	}

	resp, err := c.get(ctx, imageURL, hdr, maxImageBytes)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}

	if resp.status == http.StatusNotModified {
		return &Image{ETag: etag, NotModified: true}, nil
	}

	ct := resp.header.Get("Content-Type")
	if ct == "" || ct == "application/octet-stream" {
		ct = http.DetectContentType(resp.body)
	}
	return &Image{
		Data:        resp.body,
		ContentType: ct,
		ETag:        resp.header.Get("ETag"),
	}, nil
}

func (c *HTTPClient) remember(key string, v any) {
	if err := c.worlds.SetWithExpire(key, v, c.cacheTTL); err != nil {
		c.logger.Debug("failed to cache world", zap.String("world", key), zap.Error(err))
	}
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// get performs a GET with rate limiting and exponential backoff. 404 and
// other client errors are not retried.
func (c *HTTPClient) get(ctx context.Context, rawURL string, hdr http.Header, limit int64) (*response, error) {
	operation := func() (*response, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("rate limiter: %w", err))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("creating request: %w", err))
		}
		for k, v := range hdr {
			req.Header[k] = v
		}
		req.Header.Set("User-Agent", c.userAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
		if err != nil {
			return nil, err
		}
		if int64(len(body)) > limit {
			return nil, backoff.Permanent(ErrTooLarge)
		}

		switch {
		case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusNotModified:
			return &response{status: resp.StatusCode, header: resp.Header, body: body}, nil
		case resp.StatusCode == http.StatusNotFound:
			return nil, backoff.Permanent(ErrNotFound)
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, ErrRateLimited
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("server error: %d", resp.StatusCode)
		default:
			return nil, backoff.Permanent(fmt.Errorf("unexpected status %d: %s", resp.StatusCode, snippet(body)))
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	bo.MaxInterval = 30 * time.Second

	notify := func(err error, next time.Duration) {
		c.logger.Debug("retrying request",
			zap.String("url", rawURL),
			zap.Duration("delay", next),
			zap.Error(err),
		)
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(c.maxRetries+1)),
		backoff.WithNotify(notify),
	)
}

func isHTTP(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func snippet(b []byte) string {
	const n = 200
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
