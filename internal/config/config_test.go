package config

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "ohlcv-consolidator", cfg.AppName)
	assert.Equal(t, 0.75, cfg.Scheduler.RateFraction)
	assert.Equal(t, 10, cfg.Scheduler.MessageSize)
	assert.Equal(t, 100, cfg.Consolidator.BatchSize)
	assert.Equal(t, 5, cfg.Consolidator.MaxConcurrency)
	assert.Equal(t, 1000, cfg.Consolidator.MaxParams)
	assert.Equal(t, 0.01, cfg.Consolidator.ConflictThreshold)
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Equal(t, "duckdb", cfg.Storage.Backend)
	assert.Len(t, cfg.EnabledProviders(), 2)
	assert.NoError(t, Validate(cfg))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *AppConfig)
		want   string
	}{
		{"no providers", func(c *AppConfig) {
			for i := range c.Providers {
				c.Providers[i].Enabled = false
			}
		}, "at least one provider must be enabled"},
		{"bad rate fraction", func(c *AppConfig) { c.Scheduler.RateFraction = 1.5 }, "scheduler.rate_fraction"},
		{"unknown timeframe", func(c *AppConfig) { c.Worklist[0].Timeframes = []string{"2h"} }, "unsupported timeframe"},
		{"unknown provider in worklist", func(c *AppConfig) { c.Worklist[0].Providers = []string{"kraken"} }, "unknown provider"},
		{"duplicate provider", func(c *AppConfig) { c.Providers[1].Name = "coinbase" }, "duplicated"},
		{"kafka without brokers", func(c *AppConfig) { c.Queue.Backend = "kafka" }, "queue.kafka requires"},
		{"postgres without dsn", func(c *AppConfig) { c.Storage.Backend = "postgres" }, "storage.dsn is required"},
		{"zero max params", func(c *AppConfig) { c.Consolidator.MaxParams = 0 }, "consolidator.max_params"},
		{"bad strategy", func(c *AppConfig) { c.Backfill.Strategy = "random" }, "backfill.strategy"},
		{"bad log level", func(c *AppConfig) { c.Logging.Level = "trace" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("collects every problem", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Consolidator.BatchSize = 0
		cfg.Logging.Format = "xml"
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "consolidator.batch_size")
		assert.Contains(t, err.Error(), "logging.format")
	})
}

func TestManager_Load(t *testing.T) {
	dir := t.TempDir()

	t.Run("file then env layering", func(t *testing.T) {
		file := DefaultConfig()
		file.Consolidator.BatchSize = 50
		file.Queue.VisibilityTimeout = D(45 * time.Second)
		data, err := json.Marshal(file)
		require.NoError(t, err)
		path := filepath.Join(dir, "ohlcv.json")
		require.NoError(t, os.WriteFile(path, data, 0o600))

		t.Setenv("OHLCV_MAX_CONCURRENCY", "3")
		t.Setenv("OHLCV_COINBASE_API_KEY", "secret")

		m := NewManager(path, testLogger(), filepath.Join(dir, "missing.env"))
		cfg, err := m.Load(context.Background())
		require.NoError(t, err)

		assert.Equal(t, 50, cfg.Consolidator.BatchSize)
		assert.Equal(t, 45*time.Second, cfg.Queue.VisibilityTimeout.Duration)
		assert.Equal(t, 3, cfg.Consolidator.MaxConcurrency)
		p, ok := cfg.Provider("coinbase")
		require.True(t, ok)
		assert.Equal(t, "secret", p.APIKey)
		assert.Same(t, cfg, m.Config())
	})

	t.Run("dotenv file feeds env overrides", func(t *testing.T) {
		envPath := filepath.Join(dir, "test.env")
		require.NoError(t, os.WriteFile(envPath, []byte("OHLCV_BATCH_SIZE=77\n"), 0o600))
		t.Cleanup(func() { os.Unsetenv("OHLCV_BATCH_SIZE") })

		cfg, err := NewManager("", testLogger(), envPath).Load(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 77, cfg.Consolidator.BatchSize)
	})

	t.Run("malformed env value", func(t *testing.T) {
		t.Setenv("OHLCV_MAX_RETRIES", "many")
		_, err := NewManager("", testLogger(), filepath.Join(dir, "none.env")).Load(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "OHLCV_MAX_RETRIES")
	})
}

func TestAppConfig_StringRedactsSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers[0].APIKey = "key-123"
	cfg.Storage.DSN = "postgres://user:pw@host/db"
	cfg.Export.SecretKey = "s3-secret"

	out := cfg.String()
	assert.NotContains(t, out, "key-123")
	assert.NotContains(t, out, "pw@host")
	assert.NotContains(t, out, "s3-secret")
	assert.Contains(t, out, "[REDACTED]")
	assert.Equal(t, "key-123", cfg.Providers[0].APIKey)
}

func TestDuration_JSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, d.Duration)

	out, err := json.Marshal(D(2 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"2s"`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
}
