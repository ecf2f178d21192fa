package models

import (
	"errors"
	"fmt"
	"time"
)

// Priority separates live collection from gap backfill.
type Priority string

const (
	PriorityLive     Priority = "live"
	PriorityBackfill Priority = "backfill"
)

// ObservationBatch is the ordered output of one provider fetch call.
// NextCursor is the Before value for the following page; Done is set once the
// provider's lookback horizon has been reached.
type ObservationBatch struct {
	Candles    []Candle `json:"candles"`
	NextCursor int64    `json:"next_cursor"`
	Done       bool     `json:"done"`
}

// QueueMessage wraps a bounded sub-batch of candles from a single fetch.
type QueueMessage struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Timeframe  Timeframe `json:"timeframe"`
	Source     string    `json:"source"`
	Priority   Priority  `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempt    int       `json:"attempt"`
	Candles    []Candle  `json:"candles"`
}

// Validate checks the envelope metadata and every candle it carries.
func (m *QueueMessage) Validate() error {
	if m.Symbol == "" {
		return errors.New("message symbol cannot be empty")
	}
	if !m.Timeframe.IsValid() {
		return fmt.Errorf("message timeframe %q is invalid", m.Timeframe)
	}
	if m.Source == "" {
		return errors.New("message source cannot be empty")
	}
	if len(m.Candles) == 0 {
		return errors.New("message carries no candles")
	}
	for i := range m.Candles {
		c := &m.Candles[i]
		if c.Symbol != m.Symbol || c.Timeframe != m.Timeframe || c.Source != m.Source {
			return fmt.Errorf("candle %d does not match message %s/%s/%s", i, m.Symbol, m.Timeframe, m.Source)
		}
		if err := c.Validate(); err != nil {
			return fmt.Errorf("candle %d: %w", i, err)
		}
	}
	return nil
}

// SplitMessages cuts a fetched batch into envelopes of at most size candles.
func SplitMessages(symbol string, tf Timeframe, source string, prio Priority, candles []Candle, size int, now time.Time) []QueueMessage {
	if size <= 0 {
		size = len(candles)
	}
	var out []QueueMessage
	for start := 0; start < len(candles); start += size {
		end := min(start+size, len(candles))
		chunk := make([]Candle, end-start)
		copy(chunk, candles[start:end])
		out = append(out, QueueMessage{
			Symbol:     symbol,
			Timeframe:  tf,
			Source:     source,
			Priority:   prio,
			EnqueuedAt: now,
			Candles:    chunk,
		})
	}
	return out
}
