package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := New()
	m.Events.WithLabelValues("entered").Inc()
	m.Transitions.Add(2)
	m.ObserveHTTP("/api/status", 200, 10*time.Millisecond)

	subscribers := 3
	m.GaugeFunc("subscribers", "Active subscribers.", func() float64 { return float64(subscribers) })
	m.CounterFunc("log_lines_total", "Lines read.", func() float64 { return 42 })

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Events.WithLabelValues("entered")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Transitions))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	for _, want := range []string{
		"whereami_events_total{type=\"entered\"} 1",
		"whereami_subscribers 3",
		"whereami_log_lines_total 42",
		"whereami_http_requests_total{code=\"200\",route=\"/api/status\"} 1",
	} {
		assert.True(t, strings.Contains(string(body), want), "missing %q", want)
	}
}
