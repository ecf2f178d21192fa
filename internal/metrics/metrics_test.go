package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCollector struct {
	metrics []Metric
	err     error
}

func (c staticCollector) CollectMetrics(context.Context) ([]Metric, error) { return c.metrics, c.err }

type staticHealth HealthStatus

func (h staticHealth) Health(context.Context) HealthStatus { return HealthStatus(h) }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRegistry_Snapshot(t *testing.T) {
	clk := clock.NewMock()
	r := NewRegistry(clk)
	r.Add("fetch_calls", 2, "provider calls")
	r.Add("fetch_calls", 3, "provider calls")
	r.Set("queue_visible", 7, "visible messages")
	r.Register(staticCollector{metrics: []Metric{{Name: "rows_upserted", Type: MetricTypeCounter, Value: 42}}})
	r.Register(staticCollector{err: errors.New("store closed")})

	clk.Add(90 * time.Second)
	snap := r.Snapshot(context.Background())

	assert.Equal(t, 5.0, snap.Metrics["fetch_calls"].Value)
	assert.Equal(t, MetricTypeCounter, snap.Metrics["fetch_calls"].Type)
	assert.Equal(t, 7.0, snap.Metrics["queue_visible"].Value)
	assert.Equal(t, 42.0, snap.Metrics["rows_upserted"].Value)
	assert.Equal(t, []string{"store closed"}, snap.Errors)
	assert.Equal(t, "1m30s", snap.Uptime)
	assert.Positive(t, snap.System.GoroutineCount)
}

func TestServer_Endpoints(t *testing.T) {
	r := NewRegistry(nil)
	r.Set("coverage_series", 4, "")

	tests := []struct {
		name   string
		health HealthChecker
		path   string
		code   int
		status string
	}{
		{name: "metrics", path: "/metrics", code: http.StatusOK},
		{name: "health without checker", path: "/health", code: http.StatusOK, status: StatusHealthy},
		{name: "degraded stays 200", health: staticHealth{Status: StatusDegraded, DeadLetters: 3}, path: "/health", code: http.StatusOK, status: StatusDegraded},
		{name: "unhealthy is 503", health: staticHealth{Status: StatusUnhealthy, Checks: map[string]string{"store": "closed"}}, path: "/health", code: http.StatusServiceUnavailable, status: StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(config.MetricsConfig{Enabled: true}, r, tt.health, quietLogger())
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			if tt.path == "/metrics" {
				var snap Snapshot
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
				assert.Equal(t, 4.0, snap.Metrics["coverage_series"].Value)
				return
			}
			var hs HealthStatus
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hs))
			assert.Equal(t, tt.status, hs.Status)
		})
	}
}

func TestServer_RunServesUntilCancelled(t *testing.T) {
	srv := NewServer(config.MetricsConfig{Enabled: true, Address: "127.0.0.1:0"}, NewRegistry(nil), nil, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_DisabledReturnsImmediately(t *testing.T) {
	srv := NewServer(config.MetricsConfig{Enabled: false}, NewRegistry(nil), nil, quietLogger())
	assert.NoError(t, srv.Run(context.Background()))
}
