package models

import (
	"errors"
	"fmt"
	"time"
)

// Gap is a span of buckets within a requested window that has no persisted
// candle. Gaps are derived from coverage and never stored.
type Gap struct {
	Symbol     string    `json:"symbol"`
	Timeframe  Timeframe `json:"timeframe"`
	Start      int64     `json:"start"`
	End        int64     `json:"end"`
	DetectedAt time.Time `json:"detected_at"`
}

// NewGap creates a gap after checking alignment and ordering.
func NewGap(symbol string, tf Timeframe, start, end int64, detectedAt time.Time) (*Gap, error) {
	g := &Gap{Symbol: symbol, Timeframe: tf, Start: start, End: end, DetectedAt: detectedAt}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gap: %w", err)
	}
	return g, nil
}

// Validate checks that the gap names a series and an aligned, ordered span.
func (g *Gap) Validate() error {
	if g.Symbol == "" {
		return errors.New("gap symbol cannot be empty")
	}
	if !g.Timeframe.IsValid() {
		return fmt.Errorf("gap timeframe %q is invalid", g.Timeframe)
	}
	if !g.Timeframe.IsAligned(g.Start) || !g.Timeframe.IsAligned(g.End) {
		return errors.New("gap bounds must be aligned to the timeframe")
	}
	if g.End < g.Start {
		return errors.New("gap end must not be before start")
	}
	return nil
}

// Range returns the gap span.
func (g *Gap) Range() TimeRange {
	return TimeRange{Start: g.Start, End: g.End}
}

// Missing returns the number of absent buckets.
func (g *Gap) Missing() int64 {
	return g.Range().Buckets(g.Timeframe)
}

func (g *Gap) String() string {
	return fmt.Sprintf("%s %s gap %s (%d missing)", g.Symbol, g.Timeframe, g.Range(), g.Missing())
}
