// Package queue is the at-least-once ingestion queue between the scheduler
// and the consolidator.
//
// A received message is leased for a visibility timeout. If it is not acked
// before the lease expires it becomes visible again; after 1+MaxRetries
// deliveries it moves to the dead-letter queue instead.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/config"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/models"
)

var (
	// ErrStaleAck is returned when a token no longer identifies the current
	// lease of a message, because it was redelivered, acked or dead-lettered.
	ErrStaleAck = errors.New("stale ack token")
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue closed")
)

// Delivery is one leased message.
type Delivery struct {
	Message models.QueueMessage
	Token   string
}

// DeadLetter is a message that exhausted its deliveries.
type DeadLetter struct {
	Message    models.QueueMessage
	Deliveries int
	Reason     string
	At         time.Time
}

// Stats are queue counters and gauges.
type Stats struct {
	Enqueued     int64
	Delivered    int64
	Redelivered  int64
	Acked        int64
	StaleAcks    int64
	DeadLettered int64
	Visible      int
	InFlight     int
	DeadLetters  int
}

// Queue is the ingestion queue contract shared by every backend.
type Queue interface {
	Enqueue(ctx context.Context, msg models.QueueMessage) (string, error)
	Receive(ctx context.Context, maxBatch int, visibility time.Duration) ([]Delivery, error)
	Ack(ctx context.Context, token string) error
	DeadLetters(ctx context.Context) ([]DeadLetter, error)
	Stats() Stats
	Close() error
}

// Options are shared backend settings.
type Options struct {
	MaxRetries   int
	PollInterval time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
}

func (o *Options) setDefaults() {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// New builds the backend selected by cfg.
func New(cfg config.QueueConfig, clk clock.Clock, logger *slog.Logger) (Queue, error) {
	opts := Options{
		MaxRetries:   cfg.MaxRetries,
		PollInterval: cfg.PollInterval.Duration,
		Clock:        clk,
		Logger:       logger,
	}
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(opts), nil
	case "kafka":
		return NewKafka(cfg.Kafka, opts)
	default:
		return nil, fmt.Errorf("unsupported queue backend: %s", cfg.Backend)
	}
}
