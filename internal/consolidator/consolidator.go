// Package consolidator drains the ingestion queue and persists the provider
// observations it carries before acknowledging anything. The store folds
// every observation of a bucket, across all batches, into one consolidated
// row.
package consolidator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/johnayoung/go-ohlcv-consolidator/internal/config"
	apperrors "github.com/johnayoung/go-ohlcv-consolidator/internal/errors"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/logger"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/models"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/queue"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/storage"
	"github.com/shopspring/decimal"
)

// Store is the write path the consolidator needs.
type Store interface {
	UpsertBatch(ctx context.Context, obs []models.Observation) (storage.Upserted, error)
}

// CoverageRecorder is told which buckets were persisted.
type CoverageRecorder interface {
	Record(symbol string, tf models.Timeframe, openTimes []int64)
}

type Config struct {
	BatchSize         int
	MaxConcurrency    int
	Visibility        time.Duration
	ConflictThreshold decimal.Decimal
}

func ConfigFrom(c config.ConsolidatorConfig, q config.QueueConfig) Config {
	cfg := Config{
		BatchSize:         c.BatchSize,
		MaxConcurrency:    c.MaxConcurrency,
		Visibility:        q.VisibilityTimeout.Duration,
		ConflictThreshold: decimal.NewFromFloat(c.ConflictThreshold),
	}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 5
	}
	if c.Visibility <= 0 {
		c.Visibility = 30 * time.Second
	}
	if c.ConflictThreshold.IsZero() {
		c.ConflictThreshold = decimal.RequireFromString("0.01")
	}
}

// Result describes one processed batch.
type Result struct {
	Deliveries   int
	Observations int
	Rows         int
	Affected     int64
	Conflicts    int
	StaleAcks    int
}

func (r *Result) add(o Result) {
	r.Deliveries += o.Deliveries
	r.Observations += o.Observations
	r.Rows += o.Rows
	r.Affected += o.Affected
	r.Conflicts += o.Conflicts
	r.StaleAcks += o.StaleAcks
}

// Stats are cumulative consolidator counters.
type Stats struct {
	Batches             int64
	Totals              Result
	PersistenceFailures int64
	Pool                WorkerPoolStats
}

type Consolidator struct {
	cfg      Config
	queue    queue.Queue
	store    Store
	coverage CoverageRecorder
	logger   *slog.Logger
	pool     *WorkerPool

	mu       sync.Mutex
	batches  int64
	totals   Result
	failures int64
}

func New(cfg Config, q queue.Queue, store Store, cov CoverageRecorder, log *slog.Logger) *Consolidator {
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Consolidator{
		cfg:      cfg,
		queue:    q,
		store:    store,
		coverage: cov,
		logger:   log,
		pool:     NewWorkerPool(cfg.MaxConcurrency, log),
	}
}

// ProcessBatch receives up to BatchSize deliveries and processes them.
func (c *Consolidator) ProcessBatch(ctx context.Context) (Result, error) {
	ctx = logger.WithOperation(ctx, "consolidate")
	deliveries, err := c.queue.Receive(ctx, c.cfg.BatchSize, c.cfg.Visibility)
	if err != nil {
		return Result{}, fmt.Errorf("receive: %w", err)
	}
	if len(deliveries) == 0 {
		return Result{}, nil
	}
	return c.Process(ctx, deliveries)
}

// Process persists the observations of deliveries, records coverage and
// then acks every token. If the write fails nothing is acked, so the whole
// batch comes back after the visibility timeout.
func (c *Consolidator) Process(ctx context.Context, deliveries []queue.Delivery) (Result, error) {
	res := Result{Deliveries: len(deliveries)}
	msgs := make([]models.QueueMessage, len(deliveries))
	for i, d := range deliveries {
		msgs[i] = d.Message
		res.Observations += len(d.Message.Candles)
	}

	up, err := c.store.UpsertBatch(ctx, dedup(msgs))
	if err != nil {
		c.mu.Lock()
		c.failures++
		c.mu.Unlock()
		return res, apperrors.Persistence("consolidator", "upsert", err)
	}
	res.Rows = len(up.Rows)
	res.Affected = up.Affected

	for _, row := range up.Rows {
		if row.CloseVariance.GreaterThan(c.cfg.ConflictThreshold) {
			res.Conflicts++
			conflict := apperrors.Conflict("consolidator",
				fmt.Errorf("close variance %s exceeds %s", row.CloseVariance.StringFixed(6), c.cfg.ConflictThreshold))
			c.logger.InfoContext(ctx, "consolidation conflict",
				"symbol", row.Symbol, "timeframe", row.Timeframe, "open_time", row.OpenTime,
				"sources", row.SourceList(), "close", row.Close, "variance", row.CloseVariance, "error", conflict)
		}
	}

	if c.coverage != nil {
		series := make(map[models.SeriesKey][]int64)
		for _, r := range up.Rows {
			k := models.SeriesKey{Symbol: r.Symbol, Timeframe: r.Timeframe}
			series[k] = append(series[k], r.OpenTime)
		}
		for k, times := range series {
			c.coverage.Record(k.Symbol, k.Timeframe, times)
		}
	}

	for _, d := range deliveries {
		err := c.queue.Ack(ctx, d.Token)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrStaleAck):
			res.StaleAcks++
			c.logger.WarnContext(logger.WithMessageID(ctx, d.Message.ID), "stale ack after persist",
				"symbol", d.Message.Symbol, "source", d.Message.Source)
		default:
			c.logger.ErrorContext(logger.WithMessageID(ctx, d.Message.ID), "ack failed", "error", err)
		}
	}

	c.mu.Lock()
	c.batches++
	c.totals.add(res)
	c.mu.Unlock()

	c.logger.DebugContext(ctx, "batch consolidated",
		"deliveries", res.Deliveries, "observations", res.Observations, "rows", res.Rows,
		"affected", res.Affected, "conflicts", res.Conflicts)
	return res, nil
}

func (c *Consolidator) batchJob(ctx context.Context) (bool, error) {
	res, err := c.ProcessBatch(ctx)
	return res.Deliveries > 0, err
}

// Run consumes the queue with MaxConcurrency workers until ctx is done.
func (c *Consolidator) Run(ctx context.Context) error {
	return c.pool.Run(ctx, c.batchJob)
}

// Drain consumes until every worker finds the queue empty and returns what
// was processed during the call.
func (c *Consolidator) Drain(ctx context.Context) (Result, error) {
	before := c.Stats().Totals
	err := c.pool.Drain(ctx, c.batchJob)
	after := c.Stats().Totals

	delta := Result{
		Deliveries:   after.Deliveries - before.Deliveries,
		Observations: after.Observations - before.Observations,
		Rows:         after.Rows - before.Rows,
		Affected:     after.Affected - before.Affected,
		Conflicts:    after.Conflicts - before.Conflicts,
		StaleAcks:    after.StaleAcks - before.StaleAcks,
	}
	return delta, err
}

func (c *Consolidator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Batches:             c.batches,
		Totals:              c.totals,
		PersistenceFailures: c.failures,
		Pool:                c.pool.Stats(),
	}
}
