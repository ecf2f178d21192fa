// Package backfill turns coverage gaps into backfill tasks on the provider
// lanes that can still reach them.
package backfill

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/config"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/coverage"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/logger"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/models"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/scheduler"
)

// Strategy orders gaps when more exist than one cycle may enqueue.
type Strategy string

const (
	MostRecent Strategy = "most_recent"
	Largest    Strategy = "largest"
)

// Coverage is the part of the coverage tracker the planner reads.
type Coverage interface {
	Reconcile(ctx context.Context, store coverage.OpenTimeSource, symbol string, tf models.Timeframe) error
	Gaps(symbol string, tf models.Timeframe, window models.TimeRange) []models.TimeRange
}

// Dispatcher accepts backfill tasks. KnownEmpty reports a task whose range
// the provider recently answered with no candles.
type Dispatcher interface {
	Candidates(symbol string, tf models.Timeframe) []scheduler.Candidate
	EnqueueBackfill(t scheduler.BackfillTask) bool
	KnownEmpty(t scheduler.BackfillTask) bool
}

type Config struct {
	Interval         time.Duration
	LookbackDays     int
	Strategy         Strategy
	MaxTasksPerCycle int
	Series           []models.SeriesKey
}

// ConfigFrom builds the planner config. Series comes from the worklist.
func ConfigFrom(c config.BackfillConfig, series []models.SeriesKey) Config {
	cfg := Config{
		Interval:         c.Interval.Duration,
		LookbackDays:     c.LookbackDays,
		Strategy:         Strategy(c.Strategy),
		MaxTasksPerCycle: c.MaxTasksPerCycle,
		Series:           series,
	}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Minute
	}
	if c.LookbackDays <= 0 {
		c.LookbackDays = 30
	}
	if c.Strategy != Largest {
		c.Strategy = MostRecent
	}
	if c.MaxTasksPerCycle <= 0 {
		c.MaxTasksPerCycle = 50
	}
}

// Result summarizes one planning cycle.
type Result struct {
	Series     int
	Gaps       []models.Gap
	Planned    int // gaps handed to at least one provider, at most the cap
	Enqueued   int
	Duplicates int
	Unassigned int // gaps no provider can reach
	Barren     int // gaps every reaching provider recently answered empty
}

type Planner struct {
	cfg      Config
	coverage Coverage
	store    coverage.OpenTimeSource
	sched    Dispatcher
	clock    clock.Clock
	logger   *slog.Logger

	mu     sync.Mutex
	last   Result
	cycles int64
}

func New(cfg Config, cov Coverage, store coverage.OpenTimeSource, sched Dispatcher, clk clock.Clock, log *slog.Logger) *Planner {
	cfg.setDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Planner{cfg: cfg, coverage: cov, store: store, sched: sched, clock: clk, logger: log}
}

// Window is the range the planner inspects for a timeframe: from the
// lookback start to the newest closed bucket.
func (p *Planner) Window(tf models.Timeframe) models.TimeRange {
	now := p.clock.Now()
	return models.TimeRange{
		Start: tf.AlignUp(now.Unix() - int64(p.cfg.LookbackDays)*86400),
		End:   tf.LastClosed(now),
	}
}

// Detect reconciles every configured series with the store and returns the
// gaps in its window, unranked.
func (p *Planner) Detect(ctx context.Context) ([]models.Gap, error) {
	now := p.clock.Now()
	var out []models.Gap
	for _, k := range p.cfg.Series {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		sctx := logger.WithTimeframe(logger.WithSymbol(ctx, k.Symbol), string(k.Timeframe))
		if p.store != nil {
			if err := p.coverage.Reconcile(ctx, p.store, k.Symbol, k.Timeframe); err != nil {
				p.logger.WarnContext(sctx, "coverage reconcile failed, using tracked ranges", "error", err)
			}
		}
		for _, r := range p.coverage.Gaps(k.Symbol, k.Timeframe, p.Window(k.Timeframe)) {
			out = append(out, models.Gap{
				Symbol: k.Symbol, Timeframe: k.Timeframe,
				Start: r.Start, End: r.End, DetectedAt: now,
			})
		}
	}
	return out, nil
}

// Rank orders gaps by the strategy. Ties fall back to symbol, timeframe and
// start so the order is deterministic.
func Rank(gaps []models.Gap, s Strategy) {
	slices.SortStableFunc(gaps, func(a, b models.Gap) int {
		var primary int
		switch s {
		case Largest:
			primary = cmp.Compare(b.Missing(), a.Missing())
		default:
			primary = cmp.Compare(b.End, a.End)
		}
		return cmp.Or(primary,
			cmp.Compare(a.Symbol, b.Symbol),
			cmp.Compare(a.Timeframe.Seconds(), b.Timeframe.Seconds()),
			cmp.Compare(a.Start, b.Start))
	})
}

// Plan runs one cycle: detect, rank, and hand each gap to every provider
// that serves the series, whose history reaches it and that has not recently
// answered it empty. Gaps no provider takes do not count toward the cap, so
// an unfillable recent gap never starves older ones.
func (p *Planner) Plan(ctx context.Context) (Result, error) {
	gaps, err := p.Detect(ctx)
	res := Result{Series: len(p.cfg.Series), Gaps: gaps}
	if err != nil {
		return res, err
	}

	ranked := slices.Clone(gaps)
	Rank(ranked, p.cfg.Strategy)

	now := p.clock.Now()
	for _, g := range ranked {
		if res.Planned == p.cfg.MaxTasksPerCycle {
			break
		}
		gctx := logger.WithTimeframe(logger.WithSymbol(ctx, g.Symbol), string(g.Timeframe))
		var tasks []scheduler.BackfillTask
		reached := false
		for _, c := range p.sched.Candidates(g.Symbol, g.Timeframe) {
			r, ok := reachable(g, c.Contract.MaxLookbackDays, now)
			if !ok {
				continue
			}
			reached = true
			t := scheduler.BackfillTask{Symbol: g.Symbol, Timeframe: g.Timeframe, Provider: c.Provider, Range: r}
			if p.sched.KnownEmpty(t) {
				continue
			}
			tasks = append(tasks, t)
		}

		switch {
		case !reached:
			res.Unassigned++
			p.logger.DebugContext(gctx, "no provider reaches gap", "gap", g.Range().String())
			continue
		case len(tasks) == 0:
			res.Barren++
			p.logger.DebugContext(gctx, "gap recently answered empty by every provider", "gap", g.Range().String())
			continue
		}

		res.Planned++
		for _, t := range tasks {
			if p.sched.EnqueueBackfill(t) {
				res.Enqueued++
			} else {
				res.Duplicates++
			}
		}
	}

	p.mu.Lock()
	p.last = res
	p.cycles++
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "backfill cycle planned",
		"series", res.Series, "gaps", len(res.Gaps), "planned", res.Planned,
		"enqueued", res.Enqueued, "duplicates", res.Duplicates, "unassigned", res.Unassigned, "barren", res.Barren)
	return res, nil
}

// reachable clips the gap to the provider's history horizon. A zero lookback
// means unlimited history.
func reachable(g models.Gap, lookbackDays int, now time.Time) (models.TimeRange, bool) {
	r := g.Range()
	if lookbackDays <= 0 {
		return r, true
	}
	horizon := g.Timeframe.AlignUp(now.Unix() - int64(lookbackDays)*86400)
	if r.End < horizon {
		return r, false
	}
	r.Start = max(r.Start, horizon)
	return r, true
}

// Start plans once immediately and then on every interval until ctx is done.
func (p *Planner) Start(ctx context.Context) error {
	p.logger.InfoContext(ctx, "backfill planner started",
		"interval", p.cfg.Interval, "strategy", p.cfg.Strategy, "series", len(p.cfg.Series))
	ticker := p.clock.Ticker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := p.Plan(ctx); err != nil && ctx.Err() == nil {
			p.logger.ErrorContext(ctx, "backfill cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			p.logger.Info("backfill planner stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// LastResult returns the most recent cycle and the number of cycles run.
func (p *Planner) LastResult() (Result, int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.cycles
}

func (s Strategy) String() string { return string(s) }

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case MostRecent, Largest:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown backfill strategy %q", s)
}
