package scheduler

import (
	"cmp"
	"slices"
	"time"

	"github.com/johnayoung/go-ohlcv-consolidator/internal/models"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/provider"
)

// emptyRange is an open-time range a provider answered with no candles.
type emptyRange struct {
	models.TimeRange
	at time.Time
}

// emptyRanges remembers, per unit, the ranges that came back empty so the
// backfill planner can stop asking for them until ttl passes.
type emptyRanges map[UnitKey][]emptyRange

func (e emptyRanges) note(k UnitKey, r models.TimeRange, now time.Time) {
	if r.End < r.Start {
		return
	}
	e[k] = append(e[k], emptyRange{TimeRange: r, at: now})
}

// forget drops every noted range that overlaps r; the provider has since
// returned candles inside it.
func (e emptyRanges) forget(k UnitKey, r models.TimeRange) {
	kept := e[k][:0]
	for _, x := range e[k] {
		if x.End < r.Start || x.Start > r.End {
			kept = append(kept, x)
		}
	}
	e.set(k, kept)
}

// covers reports whether every bucket of r lies in a range noted less than
// ttl ago. Expired ranges are pruned on the way.
func (e emptyRanges) covers(k UnitKey, r models.TimeRange, now time.Time, ttl time.Duration) bool {
	live := e[k][:0]
	for _, x := range e[k] {
		if now.Sub(x.at) < ttl {
			live = append(live, x)
		}
	}
	e.set(k, live)
	if len(live) == 0 {
		return false
	}

	sorted := slices.Clone(live)
	slices.SortFunc(sorted, func(a, b emptyRange) int { return cmp.Compare(a.Start, b.Start) })
	step := k.Timeframe.Seconds()
	next := r.Start
	for _, x := range sorted {
		if x.Start > next {
			return false
		}
		next = max(next, x.End+step)
		if next > r.End {
			return true
		}
	}
	return false
}

func (e emptyRanges) set(k UnitKey, rs []emptyRange) {
	if len(rs) == 0 {
		delete(e, k)
		return
	}
	e[k] = rs
}

// noteFetched records what a successful or exhausted fetch of [lo, hi]
// showed. Caller holds l.mu.
func (l *lane) noteFetched(k UnitKey, res provider.Result, lo, hi int64, now time.Time) {
	switch {
	case res.Outcome == provider.OutcomeExhausted:
		l.empty.note(k, models.TimeRange{Start: lo, End: hi}, now)
	case res.Outcome != provider.OutcomeSuccess:
	case len(res.Batch.Candles) == 0:
		l.empty.note(k, models.TimeRange{Start: max(res.Batch.NextCursor, lo), End: hi}, now)
	default:
		c := res.Batch.Candles
		l.empty.forget(k, models.TimeRange{Start: c[0].OpenTime, End: c[len(c)-1].OpenTime})
	}
}

// KnownEmpty reports whether the task's provider answered every bucket of
// its range with no candles within the last EmptyTTL.
func (s *Scheduler) KnownEmpty(t BackfillTask) bool {
	l, ok := s.lanes[t.Provider]
	if !ok {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.empty.covers(t.unitKey(), t.Range, s.clock.Now(), s.cfg.EmptyTTL)
}
