package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func validCandle() Candle {
	return Candle{
		Symbol:    "BTC-USD",
		Timeframe: Timeframe1h,
		OpenTime:  1_700_002_800,
		Open:      d("50000"),
		High:      d("50500"),
		Low:       d("49800"),
		Close:     d("50100"),
		Volume:    d("12.5"),
		Source:    "coinbase",
	}
}

func TestCandle_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Candle)
		field   string
		wantErr bool
	}{
		{name: "valid candle", mutate: func(c *Candle) {}},
		{name: "zero volume allowed", mutate: func(c *Candle) { c.Volume = decimal.Zero }},
		{name: "flat candle allowed", mutate: func(c *Candle) {
			c.Open, c.High, c.Low, c.Close = d("1"), d("1"), d("1"), d("1")
		}},
		{name: "empty symbol", mutate: func(c *Candle) { c.Symbol = "" }, field: "symbol", wantErr: true},
		{name: "unknown timeframe", mutate: func(c *Candle) { c.Timeframe = "7m" }, field: "timeframe", wantErr: true},
		{name: "misaligned open time", mutate: func(c *Candle) { c.OpenTime += 60 }, field: "open_time", wantErr: true},
		{name: "empty source", mutate: func(c *Candle) { c.Source = "" }, field: "source", wantErr: true},
		{name: "negative volume", mutate: func(c *Candle) { c.Volume = d("-1") }, field: "volume", wantErr: true},
		{name: "high below close", mutate: func(c *Candle) { c.High = d("50050") }, field: "high", wantErr: true},
		{name: "low above open", mutate: func(c *Candle) { c.Low = d("50001") }, field: "low", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCandle()
			tt.mutate(&c)
			err := c.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestNewCandle(t *testing.T) {
	t.Run("parses decimal strings", func(t *testing.T) {
		c, err := NewCandle("ETH-USD", Timeframe5m, 300*10, "3000.1", "3010", "2990", "3005.5", "42", "binance")
		require.NoError(t, err)
		assert.True(t, c.Close.Equal(d("3005.5")))
		assert.Equal(t, CandleKey{Symbol: "ETH-USD", Timeframe: Timeframe5m, OpenTime: 3000}, c.Key())
	})

	t.Run("rejects malformed numbers", func(t *testing.T) {
		_, err := NewCandle("ETH-USD", Timeframe5m, 0, "abc", "1", "1", "1", "1", "binance")
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "open", verr.Field)
	})
}

func TestConsolidatedCandle_Validate(t *testing.T) {
	cc := ConsolidatedCandle{
		Symbol:           "BTC-USD",
		Timeframe:        Timeframe1h,
		OpenTime:         3600,
		Open:             d("1"),
		High:             d("2"),
		Low:              d("1"),
		Close:            d("2"),
		Volume:           d("3"),
		Sources:          []string{"a", "b"},
		ContributorCount: 2,
	}
	assert.NoError(t, cc.Validate())
	assert.Equal(t, "a,b", cc.SourceList())
	assert.Equal(t, []string{"a", "b"}, ParseSourceList(cc.SourceList()))
	assert.Nil(t, ParseSourceList(""))

	cc.ContributorCount = 3
	assert.Error(t, cc.Validate())
}

func TestTimeframe(t *testing.T) {
	t.Run("align", func(t *testing.T) {
		assert.Equal(t, int64(3600), Timeframe1h.Align(3600+1799))
		assert.Equal(t, int64(7200), Timeframe1h.AlignUp(3601))
		assert.Equal(t, int64(3600), Timeframe1h.AlignUp(3600))
		assert.Equal(t, int64(-3600), Timeframe1h.Align(-1))
	})

	t.Run("parse", func(t *testing.T) {
		for _, tf := range AllTimeframes() {
			parsed, err := ParseTimeframe(string(tf))
			require.NoError(t, err)
			assert.Equal(t, tf, parsed)
		}
		_, err := ParseTimeframe("2h")
		assert.Error(t, err)
	})

	t.Run("last closed bucket", func(t *testing.T) {
		now := time.Unix(7200+59, 0)
		assert.Equal(t, int64(3600), Timeframe1h.LastClosed(now))
		assert.Equal(t, int64(7200-60), Timeframe1m.LastClosed(time.Unix(7200, 0)))
	})
}

func TestSplitMessages(t *testing.T) {
	candles := make([]Candle, 23)
	for i := range candles {
		c := validCandle()
		c.OpenTime = int64(i) * 3600
		candles[i] = c
	}
	now := time.Unix(1_000, 0)

	msgs := SplitMessages("BTC-USD", Timeframe1h, "coinbase", PriorityLive, candles, 10, now)
	require.Len(t, msgs, 3)
	assert.Len(t, msgs[0].Candles, 10)
	assert.Len(t, msgs[2].Candles, 3)
	for _, m := range msgs {
		assert.NoError(t, m.Validate())
		assert.Equal(t, now, m.EnqueuedAt)
	}

	msgs[0].Candles[0].Source = "other"
	assert.Error(t, msgs[0].Validate())
}

func TestGap(t *testing.T) {
	g, err := NewGap("BTC-USD", Timeframe1m, 60*101, 60*149, time.Unix(0, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(49), g.Missing())

	_, err = NewGap("BTC-USD", Timeframe1m, 61, 120, time.Unix(0, 0))
	assert.Error(t, err)
	_, err = NewGap("BTC-USD", Timeframe1m, 120, 60, time.Unix(0, 0))
	assert.Error(t, err)
}
