package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPostgresStorage(t *testing.T) {
	dsn := os.Getenv("OHLCV_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("OHLCV_TEST_POSTGRES_DSN not set")
	}

	runStoreSuite(t, func(t *testing.T) Store {
		ctx := context.Background()
		s, err := NewPostgres(ctx, dsn, DefaultMaxParams, testLogger())
		require.NoError(t, err)
		require.NoError(t, s.Initialize(ctx))
		_, err = s.pool.Exec(ctx, "TRUNCATE consolidated_candles, candle_observations")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}
