package storage

import (
	"context"
	"sync"
	"testing"

	"github.com/johnayoung/go-ohlcv-consolidator/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seriesObservations generates count consecutive observations from one
// source starting at from, each with the given close.
func seriesObservations(symbol string, tf models.Timeframe, from int64, count int, source string, close, observedAt int64) []models.Observation {
	obs := make([]models.Observation, count)
	for i := range obs {
		c := decimal.NewFromInt(close)
		obs[i] = models.Observation{
			Candle: models.Candle{
				Symbol:    symbol,
				Timeframe: tf,
				OpenTime:  from + int64(i)*tf.Seconds(),
				Source:    source,
				Open:      c,
				High:      decimal.NewFromInt(close + close/10),
				Low:       decimal.NewFromInt(close - close/10),
				Close:     c,
				Volume:    decimal.RequireFromString("12.5"),
			},
			ObservedAt: observedAt,
		}
	}
	return obs
}

// runStoreSuite exercises the behaviour every backend must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	const hour = int64(1704067200)

	t.Run("upsert and range query", func(t *testing.T) {
		s := newStore(t)
		obs := seriesObservations("BTC-USD", models.Timeframe1h, hour, 5, "coinbase", 50000, 1)
		up, err := s.UpsertBatch(ctx, obs)
		require.NoError(t, err)
		assert.Equal(t, int64(5), up.Observations)
		assert.Equal(t, int64(5), up.Affected)
		require.Len(t, up.Rows, 5)
		assert.Equal(t, hour, up.Rows[0].OpenTime)

		got, err := s.RangeQuery(ctx, "BTC-USD", models.Timeframe1h, hour+3600, hour+3*3600)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, hour+3600, got[0].OpenTime)
		assert.True(t, got[0].Close.Equal(decimal.NewFromInt(50000)))
		assert.True(t, got[0].High.Equal(decimal.NewFromInt(55000)))
		assert.Equal(t, []string{"coinbase"}, got[0].Sources)
		assert.Equal(t, 1, got[0].ContributorCount)
		assert.True(t, got[0].CloseVariance.IsZero())

		other, err := s.RangeQuery(ctx, "ETH-USD", models.Timeframe1h, 0, 1<<40)
		require.NoError(t, err)
		assert.Empty(t, other)
	})

	t.Run("replay is a no-op", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpsertBatch(ctx, seriesObservations("BTC-USD", models.Timeframe1h, hour, 3, "coinbase", 50000, 5))
		require.NoError(t, err)

		// A redelivery carries the same enqueue time, a stale retry an older one.
		for _, at := range []int64{5, 4} {
			up, err := s.UpsertBatch(ctx, seriesObservations("BTC-USD", models.Timeframe1h, hour, 3, "coinbase", 50001, at))
			require.NoError(t, err)
			assert.Zero(t, up.Observations)
			assert.Zero(t, up.Affected)
			require.Len(t, up.Rows, 3)
		}

		got, err := s.RangeQuery(ctx, "BTC-USD", models.Timeframe1h, 0, 1<<40)
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i := range got {
			assert.True(t, got[i].Close.Equal(decimal.NewFromInt(50000)), "row %d was overwritten", i)
		}
	})

	t.Run("later observation revises the row", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpsertBatch(ctx, seriesObservations("BTC-USD", models.Timeframe1h, hour, 2, "coinbase", 50000, 1))
		require.NoError(t, err)

		up, err := s.UpsertBatch(ctx, seriesObservations("BTC-USD", models.Timeframe1h, hour, 2, "coinbase", 50010, 2))
		require.NoError(t, err)
		assert.Equal(t, int64(2), up.Observations)
		assert.Equal(t, int64(2), up.Affected)

		got, err := s.RangeQuery(ctx, "BTC-USD", models.Timeframe1h, hour, hour)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].Close.Equal(decimal.NewFromInt(50010)))
		assert.Equal(t, 1, got[0].ContributorCount)
	})

	t.Run("sources merge the same in either arrival order", func(t *testing.T) {
		coinbase := seriesObservations("ETH-USD", models.Timeframe1d, hour, 1, "coinbase", 50000, 1)
		binance := seriesObservations("ETH-USD", models.Timeframe1d, hour, 1, "binance", 50100, 2)

		for name, order := range map[string][][]models.Observation{
			"coinbase first": {coinbase, binance},
			"binance first":  {binance, coinbase},
		} {
			t.Run(name, func(t *testing.T) {
				s := newStore(t)
				_, err := s.UpsertBatch(ctx, order[0])
				require.NoError(t, err)
				up, err := s.UpsertBatch(ctx, order[1])
				require.NoError(t, err)
				assert.Equal(t, int64(1), up.Affected)
				require.Len(t, up.Rows, 1)
				assert.Equal(t, 2, up.Rows[0].ContributorCount)

				got, err := s.RangeQuery(ctx, "ETH-USD", models.Timeframe1d, hour, hour)
				require.NoError(t, err)
				require.Len(t, got, 1)
				r := got[0]
				assert.Equal(t, 2, r.ContributorCount)
				assert.Equal(t, []string{"binance", "coinbase"}, r.Sources)
				assert.True(t, r.Close.Equal(decimal.NewFromInt(50050)), "close %s", r.Close)
				assert.True(t, r.Open.Equal(decimal.NewFromInt(50050)))
				assert.True(t, r.High.Equal(decimal.NewFromInt(55055)))
				assert.True(t, r.Low.Equal(decimal.NewFromInt(45045)))
				assert.Equal(t, decimal.NewFromInt(50).Div(decimal.NewFromInt(50050)).StringFixed(10), r.CloseVariance.StringFixed(10))

				// A repeat of the first source changes nothing.
				up, err = s.UpsertBatch(ctx, order[0])
				require.NoError(t, err)
				assert.Zero(t, up.Affected)
			})
		}
	})

	t.Run("odd number of sources takes the middle close", func(t *testing.T) {
		s := newStore(t)
		for i, src := range []struct {
			name  string
			close int64
		}{{"polygon", 120}, {"coinbase", 102}, {"binance", 101}} {
			_, err := s.UpsertBatch(ctx, seriesObservations("BTC-USD", models.Timeframe1h, hour, 1, src.name, src.close, int64(i)))
			require.NoError(t, err)
		}

		got, err := s.RangeQuery(ctx, "BTC-USD", models.Timeframe1h, hour, hour)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 3, got[0].ContributorCount)
		assert.Equal(t, []string{"binance", "coinbase", "polygon"}, got[0].Sources)
		assert.True(t, got[0].Close.Equal(decimal.NewFromInt(102)), "close %s", got[0].Close)
	})

	t.Run("decimals round trip exactly", func(t *testing.T) {
		s := newStore(t)
		exact := func(source, price string) models.Observation {
			p := decimal.RequireFromString(price)
			return models.Observation{Candle: models.Candle{
				Symbol: "SHIB-USD", Timeframe: models.Timeframe1h, OpenTime: hour, Source: source,
				Open: p, High: decimal.RequireFromString("0.2"), Low: decimal.RequireFromString("0.1"), Close: p,
				Volume: decimal.RequireFromString("1234.000000000000000001"),
			}, ObservedAt: 1}
		}

		_, err := s.UpsertBatch(ctx, []models.Observation{exact("coinbase", "0.123456789012345678")})
		require.NoError(t, err)
		got, err := s.RangeQuery(ctx, "SHIB-USD", models.Timeframe1h, hour, hour)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].Close.Equal(decimal.RequireFromString("0.123456789012345678")), "close %s", got[0].Close)
		assert.True(t, got[0].Volume.Equal(decimal.RequireFromString("1234.000000000000000001")), "volume %s", got[0].Volume)

		_, err = s.UpsertBatch(ctx, []models.Observation{exact("binance", "0.123456789012345680")})
		require.NoError(t, err)
		got, err = s.RangeQuery(ctx, "SHIB-USD", models.Timeframe1h, hour, hour)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].Close.Equal(decimal.RequireFromString("0.123456789012345679")), "close %s", got[0].Close)
	})

	t.Run("batch larger than one statement", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpsertBatch(ctx, seriesObservations("BTC-USD", models.Timeframe1m, hour, 250, "coinbase", 50000, 1))
		require.NoError(t, err)

		times, err := s.DistinctOpenTimes(ctx, "BTC-USD", models.Timeframe1m)
		require.NoError(t, err)
		require.Len(t, times, 250)
		assert.Equal(t, hour, times[0])
		assert.Equal(t, hour+249*60, times[249])

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(250), st.TotalCandles)
		assert.Equal(t, 1, st.TotalSeries)
		// Three observation chunks of at most 100 and one recompute.
		assert.Equal(t, int64(4), st.Statements)
	})

	t.Run("invalid observation rejects the whole batch", func(t *testing.T) {
		s := newStore(t)
		obs := seriesObservations("BTC-USD", models.Timeframe1h, hour, 2, "coinbase", 50000, 1)
		obs[1].Low = obs[1].High.Add(decimal.NewFromInt(1))
		_, err := s.UpsertBatch(ctx, obs)
		require.Error(t, err)
		var serr *StorageError
		assert.ErrorAs(t, err, &serr)

		times, err := s.DistinctOpenTimes(ctx, "BTC-USD", models.Timeframe1h)
		require.NoError(t, err)
		assert.Empty(t, times)
	})

	t.Run("duplicate source in one batch is rejected", func(t *testing.T) {
		s := newStore(t)
		obs := seriesObservations("BTC-USD", models.Timeframe1h, hour, 1, "coinbase", 50000, 1)
		_, err := s.UpsertBatch(ctx, append(obs, obs[0]))
		assert.Error(t, err)

		both := append(obs, seriesObservations("BTC-USD", models.Timeframe1h, hour, 1, "binance", 50100, 1)...)
		up, err := s.UpsertBatch(ctx, both)
		require.NoError(t, err)
		require.Len(t, up.Rows, 1)
		assert.Equal(t, 2, up.Rows[0].ContributorCount)
	})

	t.Run("concurrent upserts", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				obs := seriesObservations("BTC-USD", models.Timeframe1h, hour+int64(w)*100*3600, 100, "coinbase", 50000, 1)
				_, err := s.UpsertBatch(ctx, obs)
				assert.NoError(t, err)
			}(w)
		}
		wg.Wait()

		times, err := s.DistinctOpenTimes(ctx, "BTC-USD", models.Timeframe1h)
		require.NoError(t, err)
		assert.Len(t, times, 400)
	})

	t.Run("health check", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.HealthCheck(ctx))
	})
}
