package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dgnsrekt/whereami/internal/broadcast"
	"github.com/dgnsrekt/whereami/internal/extract"
	"github.com/dgnsrekt/whereami/internal/imagecache"
	"github.com/dgnsrekt/whereami/internal/location"
	"github.com/dgnsrekt/whereami/internal/metrics"
	"github.com/dgnsrekt/whereami/internal/vrcapi"
)

type fixedLocation struct {
	mu  sync.Mutex
	loc *location.Location
}

func (f *fixedLocation) Current() *location.Location {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loc.Clone()
}

func (f *fixedLocation) set(loc *location.Location) {
	f.mu.Lock()
	f.loc = loc
	f.mu.Unlock()
}

type stubFetcher struct {
	images map[string]string
}

func (f *stubFetcher) FetchImage(ctx context.Context, url, etag string) (*vrcapi.Image, error) {
	data, ok := f.images[url]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return &vrcapi.Image{Data: []byte(data), ContentType: "image/png"}, nil
}

// brokenWriter fails every body write, like a client that hung up.
type brokenWriter struct {
	header http.Header
}

func (w *brokenWriter) Header() http.Header {
	if w.header == nil {
		w.header = make(http.Header)
	}
	return w.header
}

func (w *brokenWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }
func (w *brokenWriter) WriteHeader(int)           {}

type testEnv struct {
	state   *fixedLocation
	feed    *broadcast.Broadcaster[*location.Location]
	cache   *imagecache.Cache
	metrics *metrics.Metrics
	srv     *httptest.Server
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	fetcher := &stubFetcher{images: map[string]string{
		"https://example/a.png": "png bytes",
	}}
	cache, err := imagecache.New(imagecache.Options{Dir: t.TempDir()}, fetcher, nil)
	require.NoError(t, err)

	env := &testEnv{
		state:   &fixedLocation{},
		feed:    broadcast.New[*location.Location](nil, 8, (*location.Location).Clone, nil),
		cache:   cache,
		metrics: metrics.New(),
	}
	s := NewServer(Deps{
		State:   env.state,
		Feed:    env.feed,
		Images:  cache,
		Metrics: env.metrics,
	}, opts, nil)

	router, err := NewRouter(s, s.logger)
	require.NoError(t, err)
	env.srv = httptest.NewServer(router)
	t.Cleanup(func() {
		env.feed.Close()
		env.srv.Close()
	})
	return env
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func publicLocation() *location.Location {
	return &location.Location{
		WorldID:       "wrld_a",
		InstanceID:    "1",
		Region:        "us",
		Access:        extract.AccessPublic,
		WorldImageURL: "https://example/a.png",
		JoinURL:       location.LaunchURL("wrld_a", "1"),
	}
}

// readEvent reads one SSE block, skipping heartbeat comments unless wanted.
func readEvent(t *testing.T, r *bufio.Reader) map[string]string {
	t.Helper()
	fields := map[string]string{}
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			if len(fields) > 0 {
				return fields
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			fields["comment"] = strings.TrimSpace(line[1:])
			continue
		}
		k, v, _ := strings.Cut(line, ": ")
		fields[k] = v
	}
}

func TestStatus_StreamsCurrentThenTransitions(t *testing.T) {
	env := newTestEnv(t, Options{Heartbeat: time.Minute})
	env.feed.Publish(publicLocation())

	resp, err := http.Get(env.srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	ev := readEvent(t, r)
	assert.Equal(t, "location", ev["event"])
	assert.Equal(t, "1", ev["id"])

	var snap location.Snapshot
	require.NoError(t, json.Unmarshal([]byte(ev["data"]), &snap))
	assert.Equal(t, "wrld_a", snap.WorldID)
	assert.Equal(t, "wrld_a:1", snap.RoomID)
	assert.Equal(t, "/api/world/wrld_a/image", snap.Image)

	env.feed.Publish(nil)
	ev = readEvent(t, r)
	assert.Equal(t, "2", ev["id"])
	assert.Equal(t, "null", ev["data"])
}

func TestStatus_Heartbeat(t *testing.T) {
	env := newTestEnv(t, Options{Heartbeat: 20 * time.Millisecond})

	resp, err := http.Get(env.srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	r := bufio.NewReader(resp.Body)
	ev := readEvent(t, r)
	assert.Equal(t, "null", ev["data"])

	ev = readEvent(t, r)
	assert.Equal(t, "heartbeat", ev["comment"])
}

func TestStatus_EndsWhenFeedCloses(t *testing.T) {
	env := newTestEnv(t, Options{Heartbeat: time.Minute})

	resp, err := http.Get(env.srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	r := bufio.NewReader(resp.Body)
	readEvent(t, r)

	env.feed.Close()
	_, err = io.ReadAll(r)
	assert.NoError(t, err, "stream ends cleanly")
}

func TestWorldInfo(t *testing.T) {
	assert.Equal(t, "N/A", worldInfo(nil))

	loc := publicLocation()
	assert.Equal(t, "https://vrchat.com/home/world/wrld_a", worldInfo(loc))

	loc.WorldName = "The Great Pug"
	assert.Equal(t, `"The Great Pug" by N/A: https://vrchat.com/home/world/wrld_a`, worldInfo(loc))

	loc.AuthorName = "owlboy"
	assert.Equal(t, `"The Great Pug" by owlboy: https://vrchat.com/home/world/wrld_a`, worldInfo(loc))
}

func TestCurrentTextEndpoints(t *testing.T) {
	env := newTestEnv(t, Options{})

	resp, body := env.get(t, "/api/world/current/info.txt")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "N/A", body)

	_, body = env.get(t, "/api/room/current/link.txt")
	assert.Equal(t, "N/A", body)

	env.state.set(publicLocation())
	_, body = env.get(t, "/api/room/current/link.txt")
	assert.Equal(t, "https://vrchat.com/home/launch?instanceId=1&worldId=wrld_a", body)

	withheld := publicLocation()
	withheld.Access = extract.AccessInvite
	withheld.JoinURL = ""
	env.state.set(withheld)
	_, body = env.get(t, "/api/room/current/link.txt")
	assert.Equal(t, "N/A", body)
}

func TestHandlers_LogWriteFailures(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	feed := broadcast.New[*location.Location](nil, 8, (*location.Location).Clone, nil)
	defer feed.Close()
	s := NewServer(Deps{State: &fixedLocation{}, Feed: feed}, Options{}, zap.New(core))

	req := httptest.NewRequest(http.MethodGet, "/api/room/current/link.txt", nil)
	s.handleCurrentRoomLink(&brokenWriter{}, req)
	s.handleHealth(&brokenWriter{}, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	s.writeQR(&brokenWriter{}, location.WorldURL("wrld_a"))

	assert.Equal(t, 1, logs.FilterMessage("failed to write response").Len())
	assert.Equal(t, 1, logs.FilterMessage("failed to encode health response").Len())
	assert.Equal(t, 1, logs.FilterMessage("failed to write qr code").Len())
	for _, e := range logs.All() {
		assert.Equal(t, zapcore.DebugLevel, e.Level)
	}
}

func TestWorldImage(t *testing.T) {
	env := newTestEnv(t, Options{})

	resp, _ := env.get(t, "/api/world/wrld_a/image")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "never referenced")

	resp, _ = env.get(t, "/api/world/not-a-world/image")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	env.cache.Register("wrld_noimg", "")
	resp, _ = env.get(t, "/api/world/wrld_noimg/image")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "no image url")

	env.cache.Register("wrld_a", "https://example/a.png")
	resp, body := env.get(t, "/api/world/wrld_a/image")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("ETag"))
	assert.Equal(t, "png bytes", body)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/world/wrld_a/image", nil)
	require.NoError(t, err)
	req.Header.Set("If-None-Match", resp.Header.Get("ETag"))
	cond, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	cond.Body.Close()
	assert.Equal(t, http.StatusNotModified, cond.StatusCode)

	env.cache.Register("wrld_broken", "https://example/missing.png")
	resp, _ = env.get(t, "/api/world/wrld_broken/image")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode, "fetch failure is not a not-found")
}

func TestWorldQR(t *testing.T) {
	env := newTestEnv(t, Options{})

	resp, _ := env.get(t, "/api/world/wrld_a/qr.svg")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	env.cache.Register("wrld_a", "")
	resp, body := env.get(t, "/api/world/wrld_a/qr.svg")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/svg+xml; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.True(t, strings.HasPrefix(body, "<svg"))

	_, again := env.get(t, "/api/world/wrld_a/qr.svg")
	assert.Equal(t, body, again)
}

func TestRoomQR(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.cache.Register("wrld_a", "")

	resp, _ := env.get(t, "/api/room/wrld_a/qr.svg")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "missing instance")

	resp, _ = env.get(t, "/api/room/wrld_b:1/qr.svg")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "unknown world")

	resp, _ = env.get(t, "/api/room/wrld_a:1/qr.svg")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	withheld := publicLocation()
	withheld.InstanceID = "2~private(usr_x)"
	withheld.Access = extract.AccessInvite
	withheld.JoinURL = ""
	env.state.set(withheld)
	resp, _ = env.get(t, "/api/room/wrld_a:2~private(usr_x)/qr.svg")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "withheld join link")
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.feed.Publish(publicLocation())

	resp, body := env.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var h healthResponse
	require.NoError(t, json.Unmarshal([]byte(body), &h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, uint64(1), h.Seq)
	assert.True(t, h.InWorld)

	resp, body = env.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `whereami_http_requests_total{code="200",route="/healthz"} 1`)
}

func TestStaticContent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "overlay.html"), []byte(strings.Repeat("<p>hi</p>", 100)), 0o644))

	env := newTestEnv(t, Options{ContentDir: dir, Gzip: true})

	resp, body := env.get(t, "/overlay.html")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "<p>hi</p>")

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/overlay.html", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "gzip")
	gz, err := http.DefaultTransport.RoundTrip(req)
	require.NoError(t, err)
	gz.Body.Close()
	assert.Equal(t, "gzip", gz.Header.Get("Content-Encoding"))

	resp, _ = env.get(t, "/missing.html")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	feed := broadcast.New[*location.Location](nil, 8, nil, nil)
	s := NewServer(Deps{State: &fixedLocation{}, Feed: feed}, Options{ShutdownTimeout: time.Second}, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 10*time.Millisecond)

	// An open stream must not hold up shutdown.
	stream, err := http.Get("http://" + ln.Addr().String() + "/api/status")
	require.NoError(t, err)
	defer stream.Body.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
}
