package storage

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/johnayoung/go-ohlcv-consolidator/internal/config"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func configFor(backend string) config.StorageConfig {
	return config.StorageConfig{Backend: backend, Path: ":memory:"}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func createTestDuckDBStorage(t *testing.T) *DuckDBStorage {
	t.Helper()
	s, err := NewDuckDB(":memory:", DefaultMaxParams, testLogger())
	require.NoError(t, err, "failed to create test DuckDB storage")
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDuckDBStorage(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return createTestDuckDBStorage(t)
	})
}

func TestDuckDBStorage_MigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	s := createTestDuckDBStorage(t)

	require.NoError(t, s.Initialize(ctx))
	version, err := NewMigrationManager(s.db, testLogger()).Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, version)
}

func TestDuckDBStorage_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ohlcv.duckdb")

	s, err := NewDuckDB(path, DefaultMaxParams, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Initialize(ctx))
	_, err = s.UpsertBatch(ctx, seriesObservations("BTC-USD", models.Timeframe1h, 1704067200, 4, "coinbase", 50000, 1))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewDuckDB(path, DefaultMaxParams, testLogger())
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.Initialize(ctx))

	times, err := reopened.DistinctOpenTimes(ctx, "BTC-USD", models.Timeframe1h)
	require.NoError(t, err)
	assert.Len(t, times, 4)
}

func TestDuckDBStorage_MigratesDoublePricesToDecimal(t *testing.T) {
	ctx := context.Background()
	s, err := NewDuckDB(":memory:", DefaultMaxParams, testLogger())
	require.NoError(t, err)
	defer s.Close()

	mm := NewMigrationManager(s.db, testLogger())
	mm.migrations = mm.migrations[:2]
	require.NoError(t, mm.MigrateToLatest(ctx))
	_, err = s.db.ExecContext(ctx, `INSERT INTO consolidated_candles VALUES
		('BTC-USD', '1h', 1704067200, 50000.5, 50100, 49900, 50050.25, 3, 1, 0, 'coinbase')`)
	require.NoError(t, err)

	require.NoError(t, s.Initialize(ctx))
	var typ string
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT data_type FROM information_schema.columns WHERE table_name = 'consolidated_candles' AND column_name = 'close'`).Scan(&typ))
	assert.Equal(t, "DECIMAL(38,18)", typ)

	got, err := s.RangeQuery(ctx, "BTC-USD", models.Timeframe1h, 1704067200, 1704067200)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "50050.25", got[0].Close.String())
	assert.Equal(t, []string{"coinbase"}, got[0].Sources)
}

func TestDuckDBStorage_HealthCheckAfterClose(t *testing.T) {
	s, err := NewDuckDB(":memory:", DefaultMaxParams, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.HealthCheck(context.Background())
	require.Error(t, err)
	var serr *StorageError
	assert.ErrorAs(t, err, &serr)
	assert.Equal(t, "health_check", serr.Operation)
}

func TestNewDuckDB_RejectsTinyParameterBudget(t *testing.T) {
	_, err := NewDuckDB(":memory:", 5, testLogger())
	assert.Error(t, err)
}

func TestNew_SelectsBackend(t *testing.T) {
	s, err := New(configFor("duckdb"), DefaultMaxParams, testLogger())
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &DuckDBStorage{}, s)

	m, err := New(configFor("memory"), DefaultMaxParams, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStorage{}, m)
}
