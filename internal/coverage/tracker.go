// Package coverage tracks which buckets of each series are persisted, as
// sorted runs of consecutive open times.
package coverage

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/models"
)

// OpenTimeSource lists persisted open times of a series.
type OpenTimeSource interface {
	DistinctOpenTimes(ctx context.Context, symbol string, tf models.Timeframe) ([]int64, error)
}

type series struct {
	ranges  []models.TimeRange
	dirty   bool
	updated time.Time
}

// Tracker holds coverage for every series it has seen. Record appends raw
// runs; Compact merges them. Queries compact lazily, so callers never observe
// overlapping ranges.
type Tracker struct {
	mu     sync.Mutex
	series map[models.SeriesKey]*series
	clock  clock.Clock
	logger *slog.Logger
}

func NewTracker(clk clock.Clock, logger *slog.Logger) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{series: make(map[models.SeriesKey]*series), clock: clk, logger: logger}
}

func (t *Tracker) get(symbol string, tf models.Timeframe) *series {
	key := models.SeriesKey{Symbol: symbol, Timeframe: tf}
	s, ok := t.series[key]
	if !ok {
		s = &series{}
		t.series[key] = s
	}
	return s
}

// runs collapses open times into runs of consecutive buckets. Unaligned
// values are dropped.
func runs(tf models.Timeframe, openTimes []int64) ([]models.TimeRange, int) {
	step := tf.Seconds()
	sorted := make([]int64, 0, len(openTimes))
	dropped := 0
	for _, ts := range openTimes {
		if !tf.IsAligned(ts) {
			dropped++
			continue
		}
		sorted = append(sorted, ts)
	}
	slices.Sort(sorted)

	var out []models.TimeRange
	for _, ts := range sorted {
		if n := len(out); n > 0 && ts <= out[n-1].End+step {
			out[n-1].End = max(out[n-1].End, ts)
			continue
		}
		out = append(out, models.TimeRange{Start: ts, End: ts})
	}
	return out, dropped
}

// Record marks openTimes of a series as persisted. Calls may arrive in any
// order and may repeat.
func (t *Tracker) Record(symbol string, tf models.Timeframe, openTimes []int64) {
	rs, dropped := runs(tf, openTimes)
	if dropped > 0 {
		t.logger.Warn("ignoring unaligned open times", "symbol", symbol, "timeframe", tf, "count", dropped)
	}
	if len(rs) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.get(symbol, tf)
	s.ranges = append(s.ranges, rs...)
	s.dirty = true
	s.updated = t.clock.Now()
}

// Compact merges overlapping and adjacent ranges of every series.
func (t *Tracker) Compact() {
	t.mu.Lock()
	defer t.mu.Unlock()
	merged := 0
	for key, s := range t.series {
		before := len(s.ranges)
		compact(key.Timeframe, s)
		merged += before - len(s.ranges)
	}
	if merged > 0 {
		t.logger.Debug("coverage compacted", "merged_ranges", merged)
	}
}

func compact(tf models.Timeframe, s *series) {
	if !s.dirty {
		return
	}
	step := tf.Seconds()
	slices.SortFunc(s.ranges, func(a, b models.TimeRange) int {
		return cmp.Compare(a.Start, b.Start)
	})
	out := s.ranges[:0]
	for _, r := range s.ranges {
		if n := len(out); n > 0 && r.Start <= out[n-1].End+step {
			out[n-1].End = max(out[n-1].End, r.End)
			continue
		}
		out = append(out, r)
	}
	s.ranges = out
	s.dirty = false
}

// Gaps returns the sorted complement of persisted open times within window,
// after aligning the window inward to bucket boundaries.
func (t *Tracker) Gaps(symbol string, tf models.Timeframe, window models.TimeRange) []models.TimeRange {
	step := tf.Seconds()
	start, end := tf.AlignUp(window.Start), tf.Align(window.End)
	if step == 0 || end < start {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	var ranges []models.TimeRange
	if s, ok := t.series[models.SeriesKey{Symbol: symbol, Timeframe: tf}]; ok {
		compact(tf, s)
		ranges = s.ranges
	}

	var gaps []models.TimeRange
	cursor := start
	for _, r := range ranges {
		if r.End < cursor {
			continue
		}
		if r.Start > end {
			break
		}
		if r.Start > cursor {
			gaps = append(gaps, models.TimeRange{Start: cursor, End: r.Start - step})
		}
		cursor = r.End + step
		if cursor > end {
			return gaps
		}
	}
	if cursor <= end {
		gaps = append(gaps, models.TimeRange{Start: cursor, End: end})
	}
	return gaps
}

// Ranges returns the compacted coverage of a series.
func (t *Tracker) Ranges(symbol string, tf models.Timeframe) []models.CoverageRange {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.series[models.SeriesKey{Symbol: symbol, Timeframe: tf}]
	if !ok {
		return nil
	}
	compact(tf, s)
	out := make([]models.CoverageRange, len(s.ranges))
	for i, r := range s.ranges {
		out[i] = models.CoverageRange{
			Symbol:      symbol,
			Timeframe:   tf,
			StartTime:   r.Start,
			EndTime:     r.End,
			CandleCount: r.Buckets(tf),
			LastUpdated: s.updated,
		}
	}
	return out
}

// Keys lists every tracked series.
func (t *Tracker) Keys() []models.SeriesKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]models.SeriesKey, 0, len(t.series))
	for k := range t.series {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b models.SeriesKey) int {
		return cmp.Or(cmp.Compare(a.Symbol, b.Symbol), cmp.Compare(a.Timeframe.Seconds(), b.Timeframe.Seconds()))
	})
	return keys
}

// Reconcile merges what the store holds into the coverage of a series. The
// store never deletes rows, so the union is exact.
func (t *Tracker) Reconcile(ctx context.Context, store OpenTimeSource, symbol string, tf models.Timeframe) error {
	times, err := store.DistinctOpenTimes(ctx, symbol, tf)
	if err != nil {
		return fmt.Errorf("reconcile %s/%s: %w", symbol, tf, err)
	}
	rs, _ := runs(tf, times)

	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.get(symbol, tf)
	s.ranges = append(s.ranges, rs...)
	s.dirty = true
	s.updated = t.clock.Now()
	return nil
}

// Run compacts on every interval tick until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := t.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.Compact()
		}
	}
}
