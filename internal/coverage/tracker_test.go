package coverage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minute = int64(60)

func newTestTracker() (*Tracker, *clock.Mock) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1704067200, 0))
	return NewTracker(clk, slog.New(slog.NewTextHandler(io.Discard, nil))), clk
}

func span(from, to int64) []int64 {
	var out []int64
	for n := from; n <= to; n++ {
		out = append(out, n*minute)
	}
	return out
}

func TestGaps_TwoRangesWithHole(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Record("BTC-USD", models.Timeframe1m, span(0, 100))
	tr.Record("BTC-USD", models.Timeframe1m, span(150, 200))

	gaps := tr.Gaps("BTC-USD", models.Timeframe1m, models.TimeRange{Start: 0, End: 200 * minute})
	assert.Equal(t, []models.TimeRange{{Start: 101 * minute, End: 149 * minute}}, gaps)
}

func TestGaps_Edges(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Record("BTC-USD", models.Timeframe1m, span(10, 20))

	tests := []struct {
		name   string
		window models.TimeRange
		want   []models.TimeRange
	}{
		{"untracked prefix and suffix", models.TimeRange{Start: 0, End: 30 * minute},
			[]models.TimeRange{{Start: 0, End: 9 * minute}, {Start: 21 * minute, End: 30 * minute}}},
		{"window inside coverage", models.TimeRange{Start: 12 * minute, End: 18 * minute}, nil},
		{"window after coverage", models.TimeRange{Start: 25 * minute, End: 26 * minute},
			[]models.TimeRange{{Start: 25 * minute, End: 26 * minute}}},
		{"unaligned window is aligned inward", models.TimeRange{Start: 5*minute + 1, End: 22*minute + 59},
			[]models.TimeRange{{Start: 6 * minute, End: 9 * minute}, {Start: 21 * minute, End: 22 * minute}}},
		{"empty window", models.TimeRange{Start: 30 * minute, End: 29 * minute}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tr.Gaps("BTC-USD", models.Timeframe1m, tt.window))
		})
	}

	all := tr.Gaps("ETH-USD", models.Timeframe1m, models.TimeRange{Start: 0, End: 5 * minute})
	assert.Equal(t, []models.TimeRange{{Start: 0, End: 5 * minute}}, all)
}

func TestCompact_MergesAdjacentAndOverlapping(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Record("BTC-USD", models.Timeframe1m, span(0, 10))
	tr.Record("BTC-USD", models.Timeframe1m, span(11, 20))
	tr.Record("BTC-USD", models.Timeframe1m, span(5, 15))
	tr.Record("BTC-USD", models.Timeframe1m, span(30, 30))
	tr.Compact()

	ranges := tr.Ranges("BTC-USD", models.Timeframe1m)
	require.Len(t, ranges, 2)
	assert.Equal(t, int64(0), ranges[0].StartTime)
	assert.Equal(t, 20*minute, ranges[0].EndTime)
	assert.Equal(t, int64(21), ranges[0].CandleCount)
	assert.Equal(t, int64(1), ranges[1].CandleCount)
	assert.Equal(t, time.Unix(1704067200, 0), ranges[0].LastUpdated)
}

func TestRecord_IgnoresUnalignedOpenTimes(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Record("BTC-USD", models.Timeframe1h, []int64{3600, 3601, 7200})

	ranges := tr.Ranges("BTC-USD", models.Timeframe1h)
	require.Len(t, ranges, 1)
	assert.Equal(t, int64(2), ranges[0].CandleCount)
}

// The complement must match a brute-force computation regardless of the
// order and grouping in which open times are recorded.
func TestGaps_ArbitraryInsertionOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		tr, _ := newTestTracker()
		present := make(map[int64]bool)
		var all []int64
		for n := int64(0); n < 300; n++ {
			if rng.Intn(3) != 0 {
				present[n*minute] = true
				all = append(all, n*minute)
			}
		}
		rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
		for len(all) > 0 {
			k := min(len(all), 1+rng.Intn(7))
			tr.Record("BTC-USD", models.Timeframe1m, all[:k])
			if rng.Intn(4) == 0 {
				tr.Compact()
			}
			all = all[k:]
		}

		lo, hi := int64(rng.Intn(100)), int64(200+rng.Intn(100))
		gaps := tr.Gaps("BTC-USD", models.Timeframe1m, models.TimeRange{Start: lo * minute, End: hi * minute})

		var want []models.TimeRange
		for n := lo; n <= hi; n++ {
			ts := n * minute
			if present[ts] {
				continue
			}
			if k := len(want); k > 0 && want[k-1].End == ts-minute {
				want[k-1].End = ts
			} else {
				want = append(want, models.TimeRange{Start: ts, End: ts})
			}
		}
		require.Equal(t, want, gaps, "trial %d", trial)

		ranges := tr.Ranges("BTC-USD", models.Timeframe1m)
		var covered int64
		for i, r := range ranges {
			covered += r.CandleCount
			if i > 0 {
				assert.Greater(t, r.StartTime, ranges[i-1].EndTime+minute, "ranges must be disjoint and non-adjacent")
			}
		}
		assert.Equal(t, int64(len(present)), covered)
	}
}

type fakeSource struct {
	times []int64
	err   error
}

func (f fakeSource) DistinctOpenTimes(ctx context.Context, symbol string, tf models.Timeframe) ([]int64, error) {
	return f.times, f.err
}

func TestReconcile(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Record("BTC-USD", models.Timeframe1m, span(0, 4))

	err := tr.Reconcile(context.Background(), fakeSource{times: span(5, 9)}, "BTC-USD", models.Timeframe1m)
	require.NoError(t, err)
	ranges := tr.Ranges("BTC-USD", models.Timeframe1m)
	require.Len(t, ranges, 1)
	assert.Equal(t, int64(10), ranges[0].CandleCount)

	err = tr.Reconcile(context.Background(), fakeSource{err: errors.New("down")}, "BTC-USD", models.Timeframe1m)
	assert.Error(t, err)
}

func TestKeys(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Record("ETH-USD", models.Timeframe1d, []int64{86400})
	tr.Record("BTC-USD", models.Timeframe1d, []int64{86400})
	tr.Record("BTC-USD", models.Timeframe1h, []int64{3600})

	assert.Equal(t, []models.SeriesKey{
		{Symbol: "BTC-USD", Timeframe: models.Timeframe1h},
		{Symbol: "BTC-USD", Timeframe: models.Timeframe1d},
		{Symbol: "ETH-USD", Timeframe: models.Timeframe1d},
	}, tr.Keys())
}

func TestRun_CompactsOnTick(t *testing.T) {
	tr, clk := newTestTracker()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx, time.Minute) }()

	tr.Record("BTC-USD", models.Timeframe1m, span(0, 1))
	tr.Record("BTC-USD", models.Timeframe1m, span(2, 3))

	assert.Eventually(t, func() bool {
		clk.Add(time.Minute)
		tr.mu.Lock()
		defer tr.mu.Unlock()
		s := tr.series[models.SeriesKey{Symbol: "BTC-USD", Timeframe: models.Timeframe1m}]
		return !s.dirty && len(s.ranges) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
