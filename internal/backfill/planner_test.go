package backfill

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/coverage"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/models"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/provider"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/scheduler"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2024-01-01T00:00:00Z
const epoch = int64(1704067200)

type fakeDispatcher struct {
	mu         sync.Mutex
	candidates map[models.SeriesKey][]scheduler.Candidate
	seen       map[string]bool
	empty      map[string]bool
	tasks      []scheduler.BackfillTask
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		candidates: make(map[models.SeriesKey][]scheduler.Candidate),
		seen:       make(map[string]bool),
		empty:      make(map[string]bool),
	}
}

func (f *fakeDispatcher) serve(symbol string, tf models.Timeframe, name string, lookbackDays int) {
	k := models.SeriesKey{Symbol: symbol, Timeframe: tf}
	f.candidates[k] = append(f.candidates[k], scheduler.Candidate{
		Provider: name,
		Contract: provider.Contract{Name: name, MaxLookbackDays: lookbackDays},
	})
}

func (f *fakeDispatcher) Candidates(symbol string, tf models.Timeframe) []scheduler.Candidate {
	return f.candidates[models.SeriesKey{Symbol: symbol, Timeframe: tf}]
}

func taskKey(t scheduler.BackfillTask) string {
	return fmt.Sprintf("%s|%s|%s|%d|%d", t.Provider, t.Symbol, t.Timeframe, t.Range.Start, t.Range.End)
}

func (f *fakeDispatcher) EnqueueBackfill(t scheduler.BackfillTask) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := taskKey(t)
	if f.seen[k] {
		return false
	}
	f.seen[k] = true
	f.tasks = append(f.tasks, t)
	return true
}

func (f *fakeDispatcher) KnownEmpty(t scheduler.BackfillTask) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.empty[taskKey(t)]
}

func (f *fakeDispatcher) markEmpty(t scheduler.BackfillTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.empty[taskKey(t)] = true
}

func (f *fakeDispatcher) taskCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func observations(symbol string, tf models.Timeframe, openTimes ...int64) []models.Observation {
	one := decimal.NewFromInt(1)
	out := make([]models.Observation, len(openTimes))
	for i, ts := range openTimes {
		out[i] = models.Observation{Candle: models.Candle{
			Symbol: symbol, Timeframe: tf, OpenTime: ts, Source: "coinbase",
			Open: one, High: one, Low: one, Close: one, Volume: one,
		}, ObservedAt: 1}
	}
	return out
}

// hours returns the open times of the given hour offsets before epoch.
func hours(from, to int) []int64 {
	var out []int64
	for h := from; h <= to; h++ {
		out = append(out, epoch-int64(h)*3600)
	}
	return out
}

type fixture struct {
	clock   *clock.Mock
	store   *storage.MemoryStorage
	tracker *coverage.Tracker
	sched   *fakeDispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Unix(epoch, 0))
	store, err := storage.NewMemory(storage.DefaultMaxParams)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{clock: clk, store: store, tracker: coverage.NewTracker(clk, logger), sched: newFakeDispatcher()}
}

func (f *fixture) planner(cfg Config) *Planner {
	return New(cfg, f.tracker, f.store, f.sched, f.clock, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPlan_EnqueuesGapOnEveryServingProvider(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Window is the last 24 closed hours. Hours 10..14 back are missing.
	_, err := f.store.UpsertBatch(ctx, observations("BTC-USD", models.Timeframe1h, append(hours(1, 9), hours(15, 24)...)...))
	require.NoError(t, err)
	f.sched.serve("BTC-USD", models.Timeframe1h, "coinbase", 300)
	f.sched.serve("BTC-USD", models.Timeframe1h, "binance", 0)

	p := f.planner(Config{LookbackDays: 1, Series: []models.SeriesKey{{Symbol: "BTC-USD", Timeframe: models.Timeframe1h}}})
	res, err := p.Plan(ctx)
	require.NoError(t, err)

	require.Len(t, res.Gaps, 1)
	want := models.TimeRange{Start: epoch - 14*3600, End: epoch - 10*3600}
	assert.Equal(t, want, res.Gaps[0].Range())
	assert.Equal(t, int64(5), res.Gaps[0].Missing())
	assert.Equal(t, 2, res.Enqueued)
	require.Len(t, f.sched.tasks, 2)
	for _, task := range f.sched.tasks {
		assert.Equal(t, want, task.Range)
	}

	// The same gap next cycle is a duplicate on the lanes.
	res, err = p.Plan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Enqueued)
	assert.Equal(t, 2, res.Duplicates)

	last, cycles := p.LastResult()
	assert.Equal(t, int64(2), cycles)
	assert.Equal(t, 2, last.Duplicates)
}

func TestPlan_FullCoverageHasNoGaps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.UpsertBatch(ctx, observations("ETH-USD", models.Timeframe1h, hours(1, 24)...))
	require.NoError(t, err)
	f.sched.serve("ETH-USD", models.Timeframe1h, "coinbase", 0)

	p := f.planner(Config{LookbackDays: 1, Series: []models.SeriesKey{{Symbol: "ETH-USD", Timeframe: models.Timeframe1h}}})
	res, err := p.Plan(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Gaps)
	assert.Zero(t, f.sched.taskCount())
}

func TestPlan_EmptySeriesIsOneGap(t *testing.T) {
	f := newFixture(t)
	f.sched.serve("SOL-USD", models.Timeframe1d, "coinbase", 0)

	p := f.planner(Config{LookbackDays: 7, Series: []models.SeriesKey{{Symbol: "SOL-USD", Timeframe: models.Timeframe1d}}})
	res, err := p.Plan(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Gaps, 1)
	assert.Equal(t, models.TimeRange{Start: epoch - 7*86400, End: epoch - 86400}, res.Gaps[0].Range())
}

func TestPlan_CapsAndRanksAcrossSeries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// BTC misses 1 recent hour; ETH misses a 10 hour block further back.
	_, err := f.store.UpsertBatch(ctx, observations("BTC-USD", models.Timeframe1h, hours(2, 24)...))
	require.NoError(t, err)
	_, err = f.store.UpsertBatch(ctx, observations("ETH-USD", models.Timeframe1h, append(hours(1, 4), hours(15, 24)...)...))
	require.NoError(t, err)
	for _, s := range []string{"BTC-USD", "ETH-USD"} {
		f.sched.serve(s, models.Timeframe1h, "coinbase", 0)
	}
	series := []models.SeriesKey{{Symbol: "BTC-USD", Timeframe: models.Timeframe1h}, {Symbol: "ETH-USD", Timeframe: models.Timeframe1h}}

	recent := f.planner(Config{LookbackDays: 1, MaxTasksPerCycle: 1, Series: series})
	res, err := recent.Plan(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Gaps, 2)
	assert.Equal(t, 1, res.Planned)
	require.Len(t, f.sched.tasks, 1)
	assert.Equal(t, "BTC-USD", f.sched.tasks[0].Symbol)

	largest := f.planner(Config{LookbackDays: 1, MaxTasksPerCycle: 1, Strategy: Largest, Series: series})
	_, err = largest.Plan(ctx)
	require.NoError(t, err)
	require.Len(t, f.sched.tasks, 2)
	assert.Equal(t, "ETH-USD", f.sched.tasks[1].Symbol)
	assert.Equal(t, int64(10), f.sched.tasks[1].Range.Buckets(models.Timeframe1h))
}

func TestPlan_RespectsProviderHorizon(t *testing.T) {
	f := newFixture(t)
	f.sched.serve("BTC-USD", models.Timeframe1d, "shallow", 3)
	f.sched.serve("BTC-USD", models.Timeframe1d, "deep", 365)

	p := f.planner(Config{LookbackDays: 10, Series: []models.SeriesKey{{Symbol: "BTC-USD", Timeframe: models.Timeframe1d}}})
	_, err := p.Plan(context.Background())
	require.NoError(t, err)

	require.Len(t, f.sched.tasks, 2)
	byProvider := map[string]models.TimeRange{}
	for _, task := range f.sched.tasks {
		byProvider[task.Provider] = task.Range
	}
	assert.Equal(t, models.TimeRange{Start: epoch - 10*86400, End: epoch - 86400}, byProvider["deep"])
	assert.Equal(t, models.TimeRange{Start: epoch - 3*86400, End: epoch - 86400}, byProvider["shallow"])
}

func TestPlan_UnreachableGapIsUnassigned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	// Only days 20..30 back are missing; the provider only reaches 5 days.
	var have []int64
	for d := 1; d < 20; d++ {
		have = append(have, epoch-int64(d)*86400)
	}
	_, err := f.store.UpsertBatch(ctx, observations("BTC-USD", models.Timeframe1d, have...))
	require.NoError(t, err)
	f.sched.serve("BTC-USD", models.Timeframe1d, "coinbase", 5)

	p := f.planner(Config{LookbackDays: 30, Series: []models.SeriesKey{{Symbol: "BTC-USD", Timeframe: models.Timeframe1d}}})
	res, err := p.Plan(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Gaps, 1)
	assert.Equal(t, 1, res.Unassigned)
	assert.Zero(t, f.sched.taskCount())
}

func TestPlan_KnownEmptyGapDoesNotStarveOlderOnes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Hours 2..3 back are missing upstream too; hours 10..12 back are not.
	_, err := f.store.UpsertBatch(ctx, observations("BTC-USD", models.Timeframe1h, append(append(hours(1, 1), hours(4, 9)...), hours(13, 24)...)...))
	require.NoError(t, err)
	f.sched.serve("BTC-USD", models.Timeframe1h, "coinbase", 0)
	recent := scheduler.BackfillTask{
		Symbol: "BTC-USD", Timeframe: models.Timeframe1h, Provider: "coinbase",
		Range: models.TimeRange{Start: epoch - 3*3600, End: epoch - 2*3600},
	}

	p := f.planner(Config{LookbackDays: 1, MaxTasksPerCycle: 1, Series: []models.SeriesKey{{Symbol: "BTC-USD", Timeframe: models.Timeframe1h}}})
	_, err = p.Plan(ctx)
	require.NoError(t, err)
	require.Len(t, f.sched.tasks, 1)
	assert.Equal(t, recent.Range, f.sched.tasks[0].Range, "most recent gap first")

	f.sched.markEmpty(recent)
	res, err := p.Plan(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Gaps, 2)
	assert.Equal(t, 1, res.Barren)
	assert.Equal(t, 1, res.Planned)
	assert.Equal(t, 1, res.Enqueued)
	require.Len(t, f.sched.tasks, 2)
	assert.Equal(t, models.TimeRange{Start: epoch - 12*3600, End: epoch - 10*3600}, f.sched.tasks[1].Range)
}

func TestPlan_SkipsOnlyTheProviderThatAnsweredEmpty(t *testing.T) {
	f := newFixture(t)
	f.sched.serve("ETH-USD", models.Timeframe1d, "coinbase", 0)
	f.sched.serve("ETH-USD", models.Timeframe1d, "binance", 0)
	whole := models.TimeRange{Start: epoch - 7*86400, End: epoch - 86400}
	f.sched.markEmpty(scheduler.BackfillTask{Symbol: "ETH-USD", Timeframe: models.Timeframe1d, Provider: "coinbase", Range: whole})

	p := f.planner(Config{LookbackDays: 7, Series: []models.SeriesKey{{Symbol: "ETH-USD", Timeframe: models.Timeframe1d}}})
	res, err := p.Plan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Barren)
	assert.Equal(t, 1, res.Enqueued)
	require.Len(t, f.sched.tasks, 1)
	assert.Equal(t, "binance", f.sched.tasks[0].Provider)
}

func TestRank(t *testing.T) {
	tf := models.Timeframe1h
	gaps := []models.Gap{
		{Symbol: "B", Timeframe: tf, Start: 0, End: 3600 * 9},
		{Symbol: "A", Timeframe: tf, Start: 3600 * 20, End: 3600 * 21},
		{Symbol: "A", Timeframe: tf, Start: 3600 * 30, End: 3600 * 30},
	}

	recent := append([]models.Gap(nil), gaps...)
	Rank(recent, MostRecent)
	assert.Equal(t, int64(3600*30), recent[0].End)
	assert.Equal(t, "B", recent[2].Symbol)

	largest := append([]models.Gap(nil), gaps...)
	Rank(largest, Largest)
	assert.Equal(t, "B", largest[0].Symbol)
	assert.Equal(t, int64(1), largest[2].Missing())
}

func TestStart_PlansImmediatelyAndOnTick(t *testing.T) {
	f := newFixture(t)
	f.sched.serve("BTC-USD", models.Timeframe1h, "coinbase", 0)
	p := f.planner(Config{Interval: time.Hour, LookbackDays: 1, Series: []models.SeriesKey{{Symbol: "BTC-USD", Timeframe: models.Timeframe1h}}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	assert.Eventually(t, func() bool { _, n := p.LastResult(); return n == 1 }, time.Second, 5*time.Millisecond)

	// An hour later the window has moved by one bucket, so a new task appears.
	f.clock.Add(time.Hour)
	assert.Eventually(t, func() bool { _, n := p.LastResult(); return n == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, f.sched.taskCount())

	cancel()
	require.NoError(t, <-done)
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("largest")
	require.NoError(t, err)
	assert.Equal(t, Largest, s)

	_, err = ParseStrategy("oldest")
	assert.Error(t, err)
}
