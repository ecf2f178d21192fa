package models

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func obsCandle(source, open, high, low, close, volume string) Candle {
	return Candle{
		Symbol: "BTC-USD", Timeframe: Timeframe1h, OpenTime: 3600, Source: source,
		Open: d(open), High: d(high), Low: d(low), Close: d(close), Volume: d(volume),
	}
}

func TestConsolidate_SingleSourcePassesThrough(t *testing.T) {
	c := obsCandle("binance", "2000", "2100", "1950", "2050", "99.5")
	got := Consolidate([]Candle{c})

	assert.Equal(t, 1, got.ContributorCount)
	assert.Equal(t, []string{"binance"}, got.Sources)
	assert.True(t, got.Close.Equal(c.Close))
	assert.True(t, got.Volume.Equal(c.Volume))
	assert.True(t, got.CloseVariance.IsZero())
	require.NoError(t, got.Validate())
}

func TestConsolidate_OddCountTakesMiddle(t *testing.T) {
	got := Consolidate([]Candle{
		obsCandle("polygon", "100", "130", "80", "120", "5"),
		obsCandle("coinbase", "101", "111", "91", "102", "6"),
		obsCandle("binance", "99", "109", "89", "101", "7"),
	})

	assert.Equal(t, []string{"binance", "coinbase", "polygon"}, got.Sources)
	assert.True(t, got.Close.Equal(d("102")))
	assert.True(t, got.High.Equal(d("111")))
	assert.True(t, got.Volume.Equal(d("6")))
	// max(|120-102|) / 102
	assert.True(t, got.CloseVariance.Equal(d("18").Div(d("102"))))
}

func TestConsolidate_EvenCountAveragesMiddlePair(t *testing.T) {
	a := obsCandle("coinbase", "49950", "50200", "49900", "50000", "3")
	b := obsCandle("binance", "50050", "50300", "50000", "50100", "3")

	ab := Consolidate([]Candle{a, b})
	ba := Consolidate([]Candle{b, a})
	assert.Equal(t, ab, ba)
	assert.True(t, ab.Close.Equal(d("50050")))
	assert.Equal(t, []string{"binance", "coinbase"}, ab.Sources)
}

// Medians of valid candles always form a valid candle.
func TestConsolidate_PreservesInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	sources := []string{"a", "b", "c", "d", "e"}
	for trial := 0; trial < 200; trial++ {
		n := 2 + rng.Intn(4)
		obs := make([]Candle, n)
		for i := range obs {
			low := 100 + rng.Intn(50)
			high := low + rng.Intn(40)
			open := low + rng.Intn(high-low+1)
			cls := low + rng.Intn(high-low+1)
			obs[i] = Candle{
				Symbol: "BTC-USD", Timeframe: Timeframe1h, OpenTime: 7200, Source: sources[i],
				Open: decimal.NewFromInt(int64(open)), High: decimal.NewFromInt(int64(high)),
				Low: decimal.NewFromInt(int64(low)), Close: decimal.NewFromInt(int64(cls)),
				Volume: decimal.NewFromInt(int64(rng.Intn(1000))),
			}
			require.NoError(t, obs[i].Validate())
		}
		got := Consolidate(obs)
		require.NoError(t, got.Validate(), "trial %d", trial)
		assert.Equal(t, n, got.ContributorCount)
	}
}

func TestConsolidate_MedianKeepsEveryDigit(t *testing.T) {
	a := obsCandle("coinbase", "0.123456789012345678", "0.2", "0.1", "0.123456789012345678", "1")
	b := obsCandle("binance", "0.123456789012345680", "0.2", "0.1", "0.123456789012345680", "1")

	got := Consolidate([]Candle{a, b})
	assert.Equal(t, "0.123456789012345679", got.Close.String())
	assert.Equal(t, "0.123456789012345679", got.Open.String())
}
