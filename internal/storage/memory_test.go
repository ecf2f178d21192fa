package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/johnayoung/go-ohlcv-consolidator/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorage(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewMemory(DefaultMaxParams)
		require.NoError(t, err)
		return s
	})
}

func TestMemoryStorage_FailWith(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemory(DefaultMaxParams)
	require.NoError(t, err)

	s.FailWith(errors.New("disk full"))
	_, err = s.UpsertBatch(ctx, seriesObservations("BTC-USD", models.Timeframe1h, 0, 3, "coinbase", 100, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	s.FailWith(nil)
	up, err := s.UpsertBatch(ctx, seriesObservations("BTC-USD", models.Timeframe1h, 0, 3, "coinbase", 100, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(3), up.Affected)
}

func TestMemoryStorage_StatementCountFollowsChunkPlan(t *testing.T) {
	s, err := NewMemory(110)
	require.NoError(t, err)

	// 11 observations and 36 keys fit per statement.
	_, err = s.UpsertBatch(context.Background(), seriesObservations("BTC-USD", models.Timeframe1h, 0, 25, "coinbase", 100, 1))
	require.NoError(t, err)
	_, err = s.UpsertBatch(context.Background(), seriesObservations("BTC-USD", models.Timeframe1h, 0, 40, "binance", 100, 1))
	require.NoError(t, err)

	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3+1+4+2), st.Statements)
}

func TestMemoryStorage_Closed(t *testing.T) {
	s, err := NewMemory(DefaultMaxParams)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.UpsertBatch(context.Background(), seriesObservations("BTC-USD", models.Timeframe1h, 0, 1, "coinbase", 100, 1))
	assert.Error(t, err)
	assert.Error(t, s.HealthCheck(context.Background()))
}

func TestNew_UnsupportedBackend(t *testing.T) {
	_, err := New(configFor("cassandra"), DefaultMaxParams, nil)
	assert.Error(t, err)
}
