package models

import (
	"fmt"
	"time"
)

// TimeRange is an inclusive span of bucket open times in epoch seconds.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Buckets returns the number of timeframe buckets in the range.
func (r TimeRange) Buckets(tf Timeframe) int64 {
	s := tf.Seconds()
	if s == 0 || r.End < r.Start {
		return 0
	}
	return (r.End-r.Start)/s + 1
}

// Contains reports whether ts falls within the range.
func (r TimeRange) Contains(ts int64) bool {
	return ts >= r.Start && ts <= r.End
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%s, %s]",
		time.Unix(r.Start, 0).UTC().Format(time.RFC3339),
		time.Unix(r.End, 0).UTC().Format(time.RFC3339))
}

// CoverageRange is a span of consecutive buckets that are known to be
// persisted for a series. CandleCount always equals the number of buckets in
// [StartTime, EndTime].
type CoverageRange struct {
	Symbol      string    `json:"symbol"`
	Timeframe   Timeframe `json:"timeframe"`
	StartTime   int64     `json:"start_time"`
	EndTime     int64     `json:"end_time"`
	CandleCount int64     `json:"candle_count"`
	LastUpdated time.Time `json:"last_updated"`
}

// Range returns the covered span as a TimeRange.
func (c CoverageRange) Range() TimeRange {
	return TimeRange{Start: c.StartTime, End: c.EndTime}
}
