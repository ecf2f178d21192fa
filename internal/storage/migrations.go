package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Migration is one versioned schema change applied in its own transaction.
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx *sql.Tx) error
}

// MigrationManager applies DuckDB schema migrations and records them in
// schema_migrations.
type MigrationManager struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations []Migration
}

func NewMigrationManager(db *sql.DB, logger *slog.Logger) *MigrationManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &MigrationManager{db: db, logger: logger, migrations: duckdbMigrations()}
}

func (m *MigrationManager) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			execution_time BIGINT NOT NULL DEFAULT 0
		)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// Version returns the highest applied migration version.
func (m *MigrationManager) Version(ctx context.Context) (int, error) {
	if err := m.ensureTable(ctx); err != nil {
		return 0, err
	}
	var version int
	if err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

// MigrateToLatest applies every migration newer than the recorded version.
func (m *MigrationManager) MigrateToLatest(ctx context.Context) error {
	current, err := m.Version(ctx)
	if err != nil {
		return err
	}

	applied := 0
	for _, mig := range m.migrations {
		if mig.Version <= current {
			continue
		}
		if err := m.run(ctx, mig); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", mig.Version, err)
		}
		applied++
	}
	if applied > 0 {
		m.logger.Info("migrations applied", "from_version", current, "migrations_run", applied)
	}
	return nil
}

func (m *MigrationManager) run(ctx context.Context, mig Migration) error {
	start := time.Now()
	m.logger.Info("applying migration", "version", mig.Version, "description", mig.Description)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := mig.Up(ctx, tx); err != nil {
		return fmt.Errorf("migration execution failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, description, applied_at, execution_time) VALUES ($1, $2, $3, $4)`,
		mig.Version, mig.Description, start, time.Since(start).Nanoseconds()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

func execAll(stmts ...string) func(ctx context.Context, tx *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		for _, s := range stmts {
			if _, err := tx.ExecContext(ctx, s); err != nil {
				return err
			}
		}
		return nil
	}
}

func duckdbMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "create consolidated_candles",
			Up: execAll(`
				CREATE TABLE IF NOT EXISTS consolidated_candles (
					symbol VARCHAR NOT NULL,
					timeframe VARCHAR NOT NULL,
					open_time BIGINT NOT NULL,
					open DOUBLE NOT NULL,
					high DOUBLE NOT NULL,
					low DOUBLE NOT NULL,
					close DOUBLE NOT NULL,
					volume DOUBLE NOT NULL,
					contributor_count INTEGER NOT NULL,
					close_variance DOUBLE NOT NULL DEFAULT 0,
					sources VARCHAR NOT NULL,
					PRIMARY KEY (symbol, timeframe, open_time),
					CHECK (high >= open AND high >= close AND low <= open AND low <= close),
					CHECK (volume >= 0),
					CHECK (contributor_count >= 1)
				)`),
		},
		{
			Version:     2,
			Description: "index consolidated_candles by open_time",
			Up:          execAll(`CREATE INDEX IF NOT EXISTS idx_consolidated_candles_open_time ON consolidated_candles (open_time)`),
		},
		{
			Version:     3,
			Description: "store consolidated prices as DECIMAL(38,18)",
			Up: execAll(`
				CREATE TABLE consolidated_candles_decimal (
					symbol VARCHAR NOT NULL,
					timeframe VARCHAR NOT NULL,
					open_time BIGINT NOT NULL,
					open DECIMAL(38,18) NOT NULL,
					high DECIMAL(38,18) NOT NULL,
					low DECIMAL(38,18) NOT NULL,
					close DECIMAL(38,18) NOT NULL,
					volume DECIMAL(38,18) NOT NULL,
					contributor_count INTEGER NOT NULL,
					close_variance DECIMAL(38,18) NOT NULL DEFAULT 0,
					sources VARCHAR NOT NULL,
					PRIMARY KEY (symbol, timeframe, open_time),
					CHECK (high >= open AND high >= close AND low <= open AND low <= close),
					CHECK (volume >= 0),
					CHECK (contributor_count >= 1)
				)`,
				`INSERT INTO consolidated_candles_decimal
				SELECT symbol, timeframe, open_time,
				       CAST(open AS DECIMAL(38,18)), CAST(high AS DECIMAL(38,18)), CAST(low AS DECIMAL(38,18)),
				       CAST(close AS DECIMAL(38,18)), CAST(volume AS DECIMAL(38,18)),
				       contributor_count, CAST(close_variance AS DECIMAL(38,18)), sources
				FROM consolidated_candles`,
				`DROP INDEX IF EXISTS idx_consolidated_candles_open_time`,
				`DROP TABLE consolidated_candles`,
				`ALTER TABLE consolidated_candles_decimal RENAME TO consolidated_candles`,
				`CREATE INDEX IF NOT EXISTS idx_consolidated_candles_open_time ON consolidated_candles (open_time)`,
			),
		},
		{
			Version:     4,
			Description: "create candle_observations",
			Up: execAll(`
				CREATE TABLE IF NOT EXISTS candle_observations (
					symbol VARCHAR NOT NULL,
					timeframe VARCHAR NOT NULL,
					open_time BIGINT NOT NULL,
					source VARCHAR NOT NULL,
					open DECIMAL(38,18) NOT NULL,
					high DECIMAL(38,18) NOT NULL,
					low DECIMAL(38,18) NOT NULL,
					close DECIMAL(38,18) NOT NULL,
					volume DECIMAL(38,18) NOT NULL,
					observed_at BIGINT NOT NULL,
					PRIMARY KEY (symbol, timeframe, open_time, source),
					CHECK (high >= open AND high >= close AND low <= open AND low <= close),
					CHECK (volume >= 0)
				)`),
		},
	}
}
