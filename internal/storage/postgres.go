package storage

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/models"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// PostgresStorage stores observations and consolidated candles in
// PostgreSQL with exact NUMERIC prices.
type PostgresStorage struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	writer *Writer

	statements atomic.Int64
	affected   atomic.Int64
}

var _ Store = (*PostgresStorage)(nil)

func NewPostgres(ctx context.Context, dsn string, maxParams int, logger *slog.Logger) (*PostgresStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxParams == 0 {
		maxParams = DefaultMaxParams
	}
	writer, err := NewWriter(postgresDialect, maxParams)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("failed to create pool: %w", err))
	}
	return &PostgresStorage{pool: pool, logger: logger, writer: writer}, nil
}

// Initialize runs the embedded goose migrations.
func (p *PostgresStorage) Initialize(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(p.pool)
	defer db.Close()

	goose.SetBaseFS(postgresMigrations)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return NewStorageError("initialize", "", err)
	}
	if err := goose.UpContext(ctx, db, "migrations/postgres"); err != nil {
		return NewStorageError("initialize", candlesTable, fmt.Errorf("goose up: %w", err))
	}
	p.logger.Info("postgres storage initialized")
	return nil
}

func (p *PostgresStorage) UpsertBatch(ctx context.Context, obs []models.Observation) (Upserted, error) {
	if len(obs) == 0 {
		return Upserted{}, nil
	}
	if err := validateObservations(obs); err != nil {
		return Upserted{}, err
	}
	plan := p.writer.Plan(obs)

	start := time.Now()
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return Upserted{}, NewStorageError("upsert", observationsTable, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	exec := func(table string, stmts []Statement) (int64, error) {
		var affected int64
		for _, st := range stmts {
			tag, err := tx.Exec(ctx, st.SQL, st.Args...)
			if err != nil {
				return 0, NewStorageError("upsert", table, err)
			}
			affected += tag.RowsAffected()
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
		rows, err := tx.Query(ctx, st.SQL, st.Args...)
		if err != nil {
			return Upserted{}, NewStorageError("upsert", candlesTable, err)
		}
		read, err := collectPgCandles(rows)
		if err != nil {
			return Upserted{}, NewStorageError("upsert", candlesTable, err)
		}
		out.Rows = append(out.Rows, read...)
	}
	if err := tx.Commit(ctx); err != nil {
		return Upserted{}, NewStorageError("upsert", observationsTable, fmt.Errorf("failed to commit: %w", err))
	}

	p.statements.Add(int64(plan.Writes()))
	p.affected.Add(out.Affected)
	p.logger.Debug("upserted observations",
		"observations", len(obs), "buckets", len(plan.Keys), "statements", plan.Writes(),
		"affected", out.Affected, "duration", time.Since(start))
	return out, nil
}

func collectPgCandles(rows pgx.Rows) ([]models.ConsolidatedCandle, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ConsolidatedCandle, error) {
		return scanCandle(row.Scan)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}
	return out, nil
}

func (p *PostgresStorage) RangeQuery(ctx context.Context, symbol string, tf models.Timeframe, start, end int64) ([]models.ConsolidatedCandle, error) {
	rows, err := p.pool.Query(ctx, rangeQuery, symbol, string(tf), start, end)
	if err != nil {
		return nil, NewStorageError("query", candlesTable, err)
	}
	out, err := collectPgCandles(rows)
	if err != nil {
		return nil, NewStorageError("query", candlesTable, err)
	}
	return out, nil
}

func (p *PostgresStorage) DistinctOpenTimes(ctx context.Context, symbol string, tf models.Timeframe) ([]int64, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT DISTINCT open_time FROM consolidated_candles WHERE symbol = $1 AND timeframe = $2 ORDER BY open_time`,
		symbol, string(tf))
	if err != nil {
		return nil, NewStorageError("query", candlesTable, err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, NewStorageError("query", candlesTable, err)
	}
	return out, nil
}

func (p *PostgresStorage) HealthCheck(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return NewStorageError("health_check", "", err)
	}
	return nil
}

func (p *PostgresStorage) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Backend: "postgres", Statements: p.statements.Load(), RowsAffected: p.affected.Load()}
	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT (symbol, timeframe)),
		       COALESCE(MIN(open_time), 0), COALESCE(MAX(open_time), 0)
		FROM consolidated_candles`).Scan(&st.TotalCandles, &st.TotalSeries, &st.EarliestOpen, &st.LatestOpen)
	if err != nil {
		return nil, NewStorageError("stats", candlesTable, err)
	}
	return st, nil
}

func (p *PostgresStorage) Close() error {
	p.pool.Close()
	return nil
}
