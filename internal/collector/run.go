package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/johnayoung/go-ohlcv-consolidator/internal/backfill"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/consolidator"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/export"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/models"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/scheduler"
	"golang.org/x/sync/errgroup"
)

// Summary reports the outcome of a one-shot run.
type Summary struct {
	Consolidated     consolidator.Result
	Scheduler        scheduler.Stats
	DeadLetters      int
	FetchDeadLetters int
	DisabledUnits    []scheduler.UnitKey
	Duration         time.Duration
}

// Degraded reports whether some work was abandoned.
func (s Summary) Degraded() bool {
	return s.DeadLetters > 0 || s.FetchDeadLetters > 0 || len(s.DisabledUnits) > 0
}

// RunOnce fetches until every unit and backfill task settles, then drains
// the queue through the consolidator.
func (c *Collector) RunOnce(ctx context.Context) (Summary, error) {
	start := c.clock.Now()
	if err := c.scheduler.RunOnce(ctx); err != nil {
		return c.summary(consolidator.Result{}, start), fmt.Errorf("scheduler: %w", err)
	}
	res, err := c.consolidator.Drain(ctx)
	sum := c.summary(res, start)
	if err != nil {
		return sum, err
	}
	c.logger.InfoContext(ctx, "one-shot run complete",
		"rows", res.Rows, "affected", res.Affected, "conflicts", res.Conflicts,
		"dead_letters", sum.DeadLetters, "fetch_dead_letters", sum.FetchDeadLetters,
		"disabled_units", len(sum.DisabledUnits), "duration", sum.Duration)
	return sum, nil
}

func (c *Collector) summary(res consolidator.Result, start time.Time) Summary {
	return Summary{
		Consolidated:     res,
		Scheduler:        c.scheduler.Stats(),
		DeadLetters:      c.queue.Stats().DeadLetters,
		FetchDeadLetters: len(c.scheduler.DeadLetters()),
		DisabledUnits:    c.scheduler.DisabledUnits(),
		Duration:         c.clock.Since(start),
	}
}

// Run drives every long-lived component until ctx is cancelled: provider
// lanes, consolidation workers, the backfill planner, coverage compaction
// and the metrics server.
func (c *Collector) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.scheduler.Run(gctx) })
	g.Go(func() error { return c.consolidator.Run(gctx) })
	if c.cfg.Backfill.Enabled {
		g.Go(func() error { return c.planner.Start(gctx) })
	}
	g.Go(func() error { return c.tracker.Run(gctx, c.cfg.Coverage.CompactionInterval.Duration) })
	g.Go(func() error { return c.server.Run(gctx) })

	c.logger.InfoContext(ctx, "collector running", "backfill", c.cfg.Backfill.Enabled, "metrics", c.cfg.Metrics.Enabled)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	c.logger.Info("collector stopped")
	return err
}

// Backfill runs one planning cycle and then a one-shot fetch and drain.
func (c *Collector) Backfill(ctx context.Context) (backfill.Result, Summary, error) {
	plan, err := c.planner.Plan(ctx)
	if err != nil {
		return plan, Summary{}, fmt.Errorf("plan: %w", err)
	}
	sum, err := c.RunOnce(ctx)
	return plan, sum, err
}

// Gaps reconciles one series with the store and returns its gaps over the
// last days, up to the newest closed bucket.
func (c *Collector) Gaps(ctx context.Context, symbol string, tf models.Timeframe, days int) ([]models.Gap, error) {
	if !tf.IsValid() {
		return nil, fmt.Errorf("invalid timeframe %q", tf)
	}
	if days <= 0 {
		return nil, fmt.Errorf("days must be positive, got %d", days)
	}
	if err := c.tracker.Reconcile(ctx, c.store, symbol, tf); err != nil {
		return nil, err
	}
	now := c.clock.Now()
	window := models.TimeRange{Start: now.Unix() - int64(days)*86400, End: tf.LastClosed(now)}
	var out []models.Gap
	for _, r := range c.tracker.Gaps(symbol, tf, window) {
		out = append(out, models.Gap{Symbol: symbol, Timeframe: tf, Start: r.Start, End: r.End, DetectedAt: now})
	}
	return out, nil
}

// Export writes a series range to Parquet. The S3 client is only created
// when an upload is requested.
func (c *Collector) Export(ctx context.Context, req export.Request) (export.Result, error) {
	if req.Upload && c.uploader == nil {
		client, err := export.NewS3(c.cfg.Export)
		if err != nil {
			return export.Result{}, err
		}
		c.uploader = client
		c.exporter = export.New(c.store, client, c.cfg.Export, c.logger)
	}
	return c.exporter.Export(ctx, req)
}
