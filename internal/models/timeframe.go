package models

import (
	"fmt"
	"time"
)

// Timeframe is the bucket width of a candle.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

var timeframeSeconds = map[Timeframe]int64{
	Timeframe1m:  60,
	Timeframe5m:  300,
	Timeframe15m: 900,
	Timeframe1h:  3600,
	Timeframe4h:  14400,
	Timeframe1d:  86400,
}

// AllTimeframes returns the supported timeframes from finest to coarsest.
func AllTimeframes() []Timeframe {
	return []Timeframe{Timeframe1m, Timeframe5m, Timeframe15m, Timeframe1h, Timeframe4h, Timeframe1d}
}

// ParseTimeframe converts a string such as "1h" into a Timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeSeconds[tf]; !ok {
		return "", fmt.Errorf("unsupported timeframe %q", s)
	}
	return tf, nil
}

// IsValid reports whether the timeframe is one of the supported values.
func (tf Timeframe) IsValid() bool {
	_, ok := timeframeSeconds[tf]
	return ok
}

// Seconds returns the bucket width in seconds, or 0 for an unknown timeframe.
func (tf Timeframe) Seconds() int64 {
	return timeframeSeconds[tf]
}

// Duration returns the bucket width as a time.Duration.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf.Seconds()) * time.Second
}

// Align rounds an epoch-second timestamp down to the start of its bucket.
func (tf Timeframe) Align(ts int64) int64 {
	s := tf.Seconds()
	if s == 0 {
		return ts
	}
	r := ts % s
	if r < 0 {
		r += s
	}
	return ts - r
}

// AlignUp rounds an epoch-second timestamp up to the next bucket boundary
// unless it already sits on one.
func (tf Timeframe) AlignUp(ts int64) int64 {
	a := tf.Align(ts)
	if a == ts {
		return ts
	}
	return a + tf.Seconds()
}

// IsAligned reports whether ts sits on a bucket boundary.
func (tf Timeframe) IsAligned(ts int64) bool {
	s := tf.Seconds()
	return s > 0 && ts%s == 0
}

// LastClosed returns the open time of the most recent bucket that has fully
// closed at now.
func (tf Timeframe) LastClosed(now time.Time) int64 {
	return tf.Align(now.Unix()) - tf.Seconds()
}

func (tf Timeframe) String() string {
	return string(tf)
}
