// Package models provides the data structures shared by every stage of the
// ingestion pipeline: provider observations, consolidated candles, coverage
// ranges and queue envelopes.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is a single OHLCV observation reported by one upstream provider.
// OpenTime is in epoch seconds and sits on a Timeframe boundary.
type Candle struct {
	Symbol    string          `json:"symbol" db:"symbol"`
	Timeframe Timeframe       `json:"timeframe" db:"timeframe"`
	OpenTime  int64           `json:"open_time" db:"open_time"`
	Open      decimal.Decimal `json:"open" db:"open"`
	High      decimal.Decimal `json:"high" db:"high"`
	Low       decimal.Decimal `json:"low" db:"low"`
	Close     decimal.Decimal `json:"close" db:"close"`
	Volume    decimal.Decimal `json:"volume" db:"volume"`
	Source    string          `json:"source" db:"source"`
}

// CandleKey identifies one time bucket of one symbol.
type CandleKey struct {
	Symbol    string
	Timeframe Timeframe
	OpenTime  int64
}

// SeriesKey identifies a (symbol, timeframe) time series.
type SeriesKey struct {
	Symbol    string
	Timeframe Timeframe
}

func (k SeriesKey) String() string {
	return k.Symbol + "/" + string(k.Timeframe)
}

// ValidationError represents a candle validation error with specific field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message describes the failure
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// NewCandle creates a validated candle from decimal strings.
func NewCandle(symbol string, tf Timeframe, openTime int64, open, high, low, close, volume, source string) (*Candle, error) {
	values := make([]decimal.Decimal, 5)
	for i, raw := range []string{open, high, low, close, volume} {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			field := []string{"open", "high", "low", "close", "volume"}[i]
			return nil, &ValidationError{Field: field, Message: fmt.Sprintf("invalid decimal %q: %v", raw, err)}
		}
		values[i] = d
	}

	c := &Candle{
		Symbol:    symbol,
		Timeframe: tf,
		OpenTime:  openTime,
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
		Source:    source,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Key returns the bucket identity of the candle.
func (c *Candle) Key() CandleKey {
	return CandleKey{Symbol: c.Symbol, Timeframe: c.Timeframe, OpenTime: c.OpenTime}
}

// Validate checks required fields, boundary alignment and the OHLC
// relationships high >= max(open, close, low), low <= min(open, close, high)
// and volume >= 0.
func (c *Candle) Validate() error {
	if err := validateIdentity(c.Symbol, c.Timeframe, c.OpenTime); err != nil {
		return err
	}
	if c.Source == "" {
		return &ValidationError{Field: "source", Message: "source cannot be empty"}
	}
	return validateOHLCV(c.Open, c.High, c.Low, c.Close, c.Volume)
}

// Time returns the open time as a UTC time.Time.
func (c *Candle) Time() time.Time {
	return time.Unix(c.OpenTime, 0).UTC()
}

func (c *Candle) String() string {
	return fmt.Sprintf("%s %s @%s O:%s H:%s L:%s C:%s V:%s [%s]",
		c.Symbol, c.Timeframe, c.Time().Format(time.RFC3339),
		c.Open, c.High, c.Low, c.Close, c.Volume, c.Source)
}

func validateIdentity(symbol string, tf Timeframe, openTime int64) error {
	if symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if !tf.IsValid() {
		return &ValidationError{Field: "timeframe", Message: fmt.Sprintf("unsupported timeframe %q", tf)}
	}
	if openTime < 0 {
		return &ValidationError{Field: "open_time", Message: "open_time cannot be negative"}
	}
	if !tf.IsAligned(openTime) {
		return &ValidationError{
			Field:   "open_time",
			Message: fmt.Sprintf("open_time %d is not aligned to %s", openTime, tf),
		}
	}
	return nil
}

func validateOHLCV(open, high, low, close, volume decimal.Decimal) error {
	if volume.IsNegative() {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}
	if high.LessThan(decimal.Max(open, close, low)) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high (%s) must be >= max(open, close, low)", high),
		}
	}
	if low.GreaterThan(decimal.Min(open, close, high)) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low (%s) must be <= min(open, close, high)", low),
		}
	}
	return nil
}

// ConsolidatedCandle is the canonical stored record for one
// (symbol, timeframe, open_time) bucket.
type ConsolidatedCandle struct {
	Symbol           string          `json:"symbol" db:"symbol"`
	Timeframe        Timeframe       `json:"timeframe" db:"timeframe"`
	OpenTime         int64           `json:"open_time" db:"open_time"`
	Open             decimal.Decimal `json:"open" db:"open"`
	High             decimal.Decimal `json:"high" db:"high"`
	Low              decimal.Decimal `json:"low" db:"low"`
	Close            decimal.Decimal `json:"close" db:"close"`
	Volume           decimal.Decimal `json:"volume" db:"volume"`
	Sources          []string        `json:"sources" db:"sources"`
	ContributorCount int             `json:"contributor_count" db:"contributor_count"`

	// CloseVariance is the largest relative deviation of a contributing
	// close from Close. Zero for single-source rows.
	CloseVariance decimal.Decimal `json:"close_variance" db:"close_variance"`
}

// Key returns the bucket identity of the record.
func (c *ConsolidatedCandle) Key() CandleKey {
	return CandleKey{Symbol: c.Symbol, Timeframe: c.Timeframe, OpenTime: c.OpenTime}
}

// Validate applies the candle invariants to the consolidated record.
func (c *ConsolidatedCandle) Validate() error {
	if err := validateIdentity(c.Symbol, c.Timeframe, c.OpenTime); err != nil {
		return err
	}
	if c.ContributorCount < 1 || c.ContributorCount != len(c.Sources) {
		return &ValidationError{
			Field:   "contributor_count",
			Message: fmt.Sprintf("contributor_count %d does not match %d sources", c.ContributorCount, len(c.Sources)),
		}
	}
	return validateOHLCV(c.Open, c.High, c.Low, c.Close, c.Volume)
}

// SourceList returns the contributing sources as a comma separated string.
func (c *ConsolidatedCandle) SourceList() string {
	return strings.Join(c.Sources, ",")
}

// ParseSourceList is the inverse of SourceList.
func ParseSourceList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// Time returns the open time as a UTC time.Time.
func (c *ConsolidatedCandle) Time() time.Time {
	return time.Unix(c.OpenTime, 0).UTC()
}
