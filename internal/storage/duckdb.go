package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnayoung/go-ohlcv-consolidator/internal/models"
	_ "github.com/marcboeker/go-duckdb/v2"
)

// DuckDBStorage stores observations and consolidated candles in a DuckDB
// file. Prices are DECIMAL(38,18) columns, bound and read back as text.
type DuckDBStorage struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
	writer *Writer
	mu     sync.RWMutex

	statements atomic.Int64
	affected   atomic.Int64
}

var _ Store = (*DuckDBStorage)(nil)

// NewDuckDB opens the database at dbPath, which may be ":memory:".
func NewDuckDB(dbPath string, maxParams int, logger *slog.Logger) (*DuckDBStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxParams == 0 {
		maxParams = DefaultMaxParams
	}
	writer, err := NewWriter(duckdbDialect, maxParams)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// DuckDB allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStorage{db: db, dbPath: dbPath, logger: logger, writer: writer}, nil
}

// Initialize applies pending migrations.
func (d *DuckDBStorage) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return NewStorageError("initialize", "", errors.New("database connection is closed"))
	}

	d.logger.Info("initializing DuckDB storage", "db_path", d.dbPath)
	for _, setting := range []string{"SET enable_progress_bar = false"} {
		if _, err := d.db.ExecContext(ctx, setting); err != nil {
			d.logger.Warn("failed to set configuration", "config", setting, "error", err)
		}
	}
	if err := NewMigrationManager(d.db, d.logger).MigrateToLatest(ctx); err != nil {
		return NewStorageError("initialize", candlesTable, err)
	}
	return nil
}

// UpsertBatch runs the observation upserts, the bucket recompute and the
// read back in one transaction.
func (d *DuckDBStorage) UpsertBatch(ctx context.Context, obs []models.Observation) (Upserted, error) {
	if len(obs) == 0 {
		return Upserted{}, nil
	}
	if err := validateObservations(obs); err != nil {
		return Upserted{}, err
	}
	plan := d.writer.Plan(obs)

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return Upserted{}, NewStorageError("upsert", observationsTable, errors.New("database connection is closed"))
	}

	start := time.Now()
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return Upserted{}, NewStorageError("upsert", observationsTable, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	exec := func(table string, stmts []Statement) (int64, error) {
		var affected int64
		for _, st := range stmts {
			res, err := tx.ExecContext(ctx, st.SQL, st.Args...)
			if err != nil {
				return 0, NewStorageError("upsert", table, err)
			}
			if n, err := res.RowsAffected(); err == nil {
				affected += n
			}
		}
		return affected, nil
	}

	var out Upserted
	if out.Observations, err = exec(observationsTable, plan.Upserts); err != nil {
		return Upserted{}, err
	}
	if out.Affected, err = exec(candlesTable, plan.Consolidate); err != nil {
		return Upserted{}, err
	}
	for _, st := range plan.Reads {
		rows, err := tx.QueryContext(ctx, st.SQL, st.Args...)
		if err != nil {
			return Upserted{}, NewStorageError("upsert", candlesTable, err)
		}
		read, err := collectCandles(rows)
		if err != nil {
			return Upserted{}, NewStorageError("upsert", candlesTable, err)
		}
		out.Rows = append(out.Rows, read...)
	}
	if err := tx.Commit(); err != nil {
		return Upserted{}, NewStorageError("upsert", observationsTable, fmt.Errorf("failed to commit: %w", err))
	}

	d.statements.Add(int64(plan.Writes()))
	d.affected.Add(out.Affected)
	d.logger.Debug("upserted observations",
		"observations", len(obs), "buckets", len(plan.Keys), "statements", plan.Writes(),
		"affected", out.Affected, "duration", time.Since(start))
	return out, nil
}

// collectCandles scans rows of selectColumns and closes rows.
func collectCandles(rows *sql.Rows) ([]models.ConsolidatedCandle, error) {
	defer rows.Close()
	var out []models.ConsolidatedCandle
	for rows.Next() {
		c, err := scanCandle(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

func (d *DuckDBStorage) RangeQuery(ctx context.Context, symbol string, tf models.Timeframe, start, end int64) ([]models.ConsolidatedCandle, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, NewStorageError("query", candlesTable, errors.New("database connection is closed"))
	}

	rows, err := d.db.QueryContext(ctx, rangeQuery, symbol, string(tf), start, end)
	if err != nil {
		return nil, NewStorageError("query", candlesTable, err)
	}
	out, err := collectCandles(rows)
	if err != nil {
		return nil, NewStorageError("query", candlesTable, err)
	}
	return out, nil
}

func (d *DuckDBStorage) DistinctOpenTimes(ctx context.Context, symbol string, tf models.Timeframe) ([]int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, NewStorageError("query", candlesTable, errors.New("database connection is closed"))
	}
	return queryOpenTimes(ctx, d.db, symbol, tf)
}

func queryOpenTimes(ctx context.Context, db *sql.DB, symbol string, tf models.Timeframe) ([]int64, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT DISTINCT open_time FROM consolidated_candles WHERE symbol = $1 AND timeframe = $2 ORDER BY open_time`,
		symbol, string(tf))
	if err != nil {
		return nil, NewStorageError("query", candlesTable, err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, NewStorageError("query", candlesTable, err)
		}
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStorageError("query", candlesTable, err)
	}
	return out, nil
}

func (d *DuckDBStorage) HealthCheck(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return NewStorageError("health_check", "", errors.New("database connection is closed"))
	}
	if err := d.db.PingContext(ctx); err != nil {
		return NewStorageError("health_check", "", err)
	}
	var one int
	if err := d.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return NewStorageError("health_check", "", err)
	}
	return nil
}

func (d *DuckDBStorage) Stats(ctx context.Context) (*Stats, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, NewStorageError("stats", candlesTable, errors.New("database connection is closed"))
	}
	st := &Stats{Backend: "duckdb", Statements: d.statements.Load(), RowsAffected: d.affected.Load()}
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT symbol || '/' || timeframe),
		       COALESCE(MIN(open_time), 0), COALESCE(MAX(open_time), 0)
		FROM consolidated_candles`).Scan(&st.TotalCandles, &st.TotalSeries, &st.EarliestOpen, &st.LatestOpen)
	if err != nil {
		return nil, NewStorageError("stats", candlesTable, err)
	}
	return st, nil
}

func (d *DuckDBStorage) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	if err != nil {
		return NewStorageError("close", "", err)
	}
	return nil
}
