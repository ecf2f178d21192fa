// Package logger builds the slog logger used across the pipeline and carries
// series identity (symbol, timeframe, provider, message) through contexts so
// that every record emitted with a *Context method is tagged automatically.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/johnayoung/go-ohlcv-consolidator/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

type contextKey string

const (
	symbolKey    contextKey = "symbol"
	timeframeKey contextKey = "timeframe"
	providerKey  contextKey = "provider"
	messageIDKey contextKey = "message_id"
	operationKey contextKey = "operation"
)

var contextKeys = []contextKey{symbolKey, timeframeKey, providerKey, messageIDKey, operationKey}

// Manager owns the root logger and its output sink.
type Manager struct {
	base   *slog.Logger
	writer io.WriteCloser

	mu         sync.Mutex
	components map[string]*slog.Logger
}

// NewManager creates the root logger from configuration. Output "stdout" and
// "stderr" write to the process streams; any other value is a file path that
// is rotated by lumberjack.
func NewManager(cfg config.LoggingConfig) (*Manager, error) {
	writer, err := createWriter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create log writer: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.Level == "debug",
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339Nano))
				}
			case slog.LevelKey:
				if level, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(strings.ToUpper(level.String()))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}

	return &Manager{
		base:       slog.New(NewContextHandler(handler)),
		writer:     writer,
		components: make(map[string]*slog.Logger),
	}, nil
}

func createWriter(cfg config.LoggingConfig) (io.WriteCloser, error) {
	switch cfg.Output {
	case "", "stdout":
		return nopWriteCloser{os.Stdout}, nil
	case "stderr":
		return nopWriteCloser{os.Stderr}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Output), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.Output,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}, nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// ParseLevel converts a configured level name. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger returns the root logger.
func (m *Manager) Logger() *slog.Logger {
	return m.base
}

// Component returns a cached logger tagged with component=name.
func (m *Manager) Component(name string) *slog.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.components[name]; ok {
		return l
	}
	l := m.base.With(slog.String("component", name))
	m.components[name] = l
	return l
}

// Close flushes and closes the output sink.
func (m *Manager) Close() error {
	if m.writer != nil {
		return m.writer.Close()
	}
	return nil
}

// ContextHandler decorates records with the series identity stored in the
// context passed to InfoContext, WarnContext and friends.
type ContextHandler struct {
	slog.Handler
}

// NewContextHandler wraps h.
func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx != nil {
		r.AddAttrs(Attrs(ctx)...)
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// Attrs returns the logging attributes carried by ctx.
func Attrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	for _, k := range contextKeys {
		if v, ok := ctx.Value(k).(string); ok && v != "" {
			attrs = append(attrs, slog.String(string(k), v))
		}
	}
	return attrs
}

func WithSymbol(ctx context.Context, symbol string) context.Context {
	return context.WithValue(ctx, symbolKey, symbol)
}

func WithTimeframe(ctx context.Context, tf string) context.Context {
	return context.WithValue(ctx, timeframeKey, tf)
}

func WithProvider(ctx context.Context, provider string) context.Context {
	return context.WithValue(ctx, providerKey, provider)
}

func WithMessageID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, messageIDKey, id)
}

func WithOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, operationKey, op)
}

// WithSeries tags ctx with a provider's symbol and timeframe in one call.
func WithSeries(ctx context.Context, provider, symbol, tf string) context.Context {
	return WithTimeframe(WithSymbol(WithProvider(ctx, provider), symbol), tf)
}

// Provider returns the provider stored in ctx, if any.
func Provider(ctx context.Context) string {
	v, _ := ctx.Value(providerKey).(string)
	return v
}

// LogOperation logs fn's outcome and duration.
func LogOperation(ctx context.Context, l *slog.Logger, op string, fn func() error) error {
	start := time.Now()
	err := fn()
	if err != nil {
		l.ErrorContext(ctx, "operation failed", "operation", op, "duration", time.Since(start), "error", err)
		return err
	}
	l.DebugContext(ctx, "operation completed", "operation", op, "duration", time.Since(start))
	return nil
}
