// Package metrics serves pipeline counters and health over HTTP as JSON.
// Components contribute through the Collector and HealthChecker interfaces;
// values are gathered on each request rather than on a timer.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/config"
)

// MetricType represents different types of metrics
type MetricType string

const (
	MetricTypeCounter MetricType = "counter"
	MetricTypeGauge   MetricType = "gauge"
)

// Metric is a single named value.
type Metric struct {
	Name        string            `json:"name"`
	Type        MetricType        `json:"type"`
	Value       float64           `json:"value"`
	Labels      map[string]string `json:"labels,omitempty"`
	Description string            `json:"description,omitempty"`
}

// Collector is implemented by components that report metrics.
type Collector interface {
	CollectMetrics(ctx context.Context) ([]Metric, error)
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus is the body of /health. Degraded still answers 200; only an
// unhealthy status turns into 503.
type HealthStatus struct {
	Status           string            `json:"status"`
	Timestamp        time.Time         `json:"timestamp"`
	Checks           map[string]string `json:"checks,omitempty"`
	DeadLetters      int               `json:"dead_letters"`
	FetchDeadLetters int               `json:"fetch_dead_letters"`
	DisabledUnits    []string          `json:"disabled_units,omitempty"`
}

// HealthChecker is implemented by the component that owns overall health.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// SystemMetrics are process runtime figures.
type SystemMetrics struct {
	GoroutineCount int    `json:"goroutine_count"`
	NumGC          uint32 `json:"num_gc"`
	GCPauseNs      uint64 `json:"gc_pause_ns"`
	HeapAlloc      uint64 `json:"heap_alloc"`
	HeapSys        uint64 `json:"heap_sys"`
	HeapInuse      uint64 `json:"heap_inuse"`
	StackInuse     uint64 `json:"stack_inuse"`
}

// Snapshot is the body of /metrics.
type Snapshot struct {
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Metrics   map[string]Metric `json:"metrics"`
	System    SystemMetrics     `json:"system"`
	Errors    []string          `json:"errors,omitempty"`
}

// Registry holds directly recorded metrics plus the registered collectors.
type Registry struct {
	mu         sync.RWMutex
	metrics    map[string]Metric
	collectors []Collector
	clock      clock.Clock
	startTime  time.Time
}

func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{metrics: make(map[string]Metric), clock: clk, startTime: clk.Now()}
}

func (r *Registry) Register(c Collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectors = append(r.collectors, c)
}

// Add increments a counter.
func (r *Registry) Add(name string, delta float64, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.metrics[name]
	m.Name, m.Type, m.Description = name, MetricTypeCounter, description
	m.Value += delta
	r.metrics[name] = m
}

// Set replaces a gauge.
func (r *Registry) Set(name string, value float64, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics[name] = Metric{Name: name, Type: MetricTypeGauge, Value: value, Description: description}
}

// Snapshot gathers recorded metrics, every collector's metrics and runtime
// figures. A failing collector is reported in Errors and skipped.
func (r *Registry) Snapshot(ctx context.Context) Snapshot {
	r.mu.RLock()
	out := maps.Clone(r.metrics)
	collectors := slices.Clone(r.collectors)
	r.mu.RUnlock()

	snap := Snapshot{
		Timestamp: r.clock.Now().UTC(),
		Uptime:    r.clock.Since(r.startTime).Round(time.Second).String(),
		Metrics:   out,
		System:    systemMetrics(),
	}
	for _, c := range collectors {
		ms, err := c.CollectMetrics(ctx)
		if err != nil {
			snap.Errors = append(snap.Errors, err.Error())
			continue
		}
		for _, m := range ms {
			snap.Metrics[m.Name] = m
		}
	}
	return snap
}

func systemMetrics() SystemMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemMetrics{
		GoroutineCount: runtime.NumGoroutine(),
		NumGC:          m.NumGC,
		GCPauseNs:      m.PauseTotalNs,
		HeapAlloc:      m.HeapAlloc,
		HeapSys:        m.HeapSys,
		HeapInuse:      m.HeapInuse,
		StackInuse:     m.StackInuse,
	}
}

// Server exposes /metrics and /health.
type Server struct {
	cfg      config.MetricsConfig
	registry *Registry
	health   HealthChecker
	logger   *slog.Logger

	mu   sync.Mutex
	addr string
}

func NewServer(cfg config.MetricsConfig, registry *Registry, health HealthChecker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, registry: registry, health: health, logger: logger}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Run serves until ctx is done, then shuts down gracefully. A disabled
// server returns immediately.
func (s *Server) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info("metrics server disabled")
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("metrics HTTP server starting", "addr", s.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("error shutting down metrics server", "error", err)
		return err
	}
	s.logger.Info("metrics HTTP server stopped")
	return nil
}

// Addr is the bound listen address once Run has started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Snapshot(r.Context()), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{Status: StatusHealthy, Timestamp: time.Now().UTC()}
	if s.health != nil {
		status = s.health.Health(r.Context())
	}
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status, s.logger)
}

func writeJSON(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to write metrics response", "error", err)
	}
}
