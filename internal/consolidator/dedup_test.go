package consolidator

import (
	"testing"
	"time"

	"github.com/johnayoung/go-ohlcv-consolidator/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedup_TieKeepsFirst(t *testing.T) {
	at := time.Unix(1704067200, 0)
	first := msg("coinbase", models.Timeframe1h, at, candle("BTC-USD", models.Timeframe1h, 3600, "coinbase", "1", "3", "1", "2", "1"))
	second := msg("coinbase", models.Timeframe1h, at, candle("BTC-USD", models.Timeframe1h, 3600, "coinbase", "1", "3", "1", "3", "1"))

	obs := dedup([]models.QueueMessage{first, second})
	require.Len(t, obs, 1)
	assert.True(t, obs[0].Close.Equal(d("2")))
	assert.Equal(t, at.UnixNano(), obs[0].ObservedAt)
}

func TestDedup_LaterEnqueueWins(t *testing.T) {
	at := time.Unix(1704067200, 0)
	older := msg("coinbase", models.Timeframe1h, at, candle("BTC-USD", models.Timeframe1h, 3600, "coinbase", "1", "3", "1", "2", "1"))
	newer := msg("coinbase", models.Timeframe1h, at.Add(time.Second), candle("BTC-USD", models.Timeframe1h, 3600, "coinbase", "1", "3", "1", "3", "1"))

	obs := dedup([]models.QueueMessage{newer, older})
	require.Len(t, obs, 1)
	assert.True(t, obs[0].Close.Equal(d("3")))
	assert.Equal(t, at.Add(time.Second).UnixNano(), obs[0].ObservedAt)
}

func TestDedup_SortsByKeyThenSource(t *testing.T) {
	at := time.Unix(1704067200, 0)
	cb := msg("coinbase", models.Timeframe1h, at,
		candle("BTC-USD", models.Timeframe1h, 7200, "coinbase", "1", "1", "1", "1", "1"),
		candle("BTC-USD", models.Timeframe1h, 3600, "coinbase", "1", "1", "1", "1", "1"),
	)
	bn := msg("binance", models.Timeframe1h, at,
		candle("BTC-USD", models.Timeframe1h, 3600, "binance", "1", "1", "1", "1", "1"),
	)
	obs := dedup([]models.QueueMessage{cb, bn})
	require.Len(t, obs, 3)
	assert.Equal(t, int64(3600), obs[0].OpenTime)
	assert.Equal(t, "binance", obs[0].Source)
	assert.Equal(t, "coinbase", obs[1].Source)
	assert.Equal(t, int64(7200), obs[2].OpenTime)
}
