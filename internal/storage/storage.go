// Package storage persists provider observations and the consolidated
// candles derived from them.
//
// Every backend exposes the same upsert-only write path. Observations are
// upserted on (symbol, timeframe, open_time, source), a later observation
// revising an earlier one, and in the same transaction the consolidated row
// of every touched bucket is recomputed from all observations stored for it.
// The result does not depend on the order batches arrive in, replays are
// no-ops and no write ever reads first.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/johnayoung/go-ohlcv-consolidator/internal/config"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/models"
	"github.com/shopspring/decimal"
)

// Store is the time-series store used by the consolidator, coverage tracker
// and export.
type Store interface {
	// UpsertBatch stores obs and recomputes the consolidated rows of the
	// buckets they touch, in a single transaction. Key conflicts are never
	// errors.
	UpsertBatch(ctx context.Context, obs []models.Observation) (Upserted, error)

	// RangeQuery returns the rows of a series with open_time in [start, end],
	// ordered by open_time.
	RangeQuery(ctx context.Context, symbol string, tf models.Timeframe, start, end int64) ([]models.ConsolidatedCandle, error)

	// DistinctOpenTimes returns every persisted open_time of a series in
	// ascending order.
	DistinctOpenTimes(ctx context.Context, symbol string, tf models.Timeframe) ([]int64, error)

	Initialize(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// Upserted reports one UpsertBatch.
type Upserted struct {
	// Observations is the number of observations inserted or revised.
	Observations int64

	// Affected is the number of consolidated rows inserted or changed.
	Affected int64

	// Rows is the consolidated state of every touched bucket after the
	// write, ordered by key.
	Rows []models.ConsolidatedCandle
}

// Stats summarises store contents and write activity.
type Stats struct {
	Backend      string
	TotalCandles int64
	TotalSeries  int
	EarliestOpen int64
	LatestOpen   int64
	Statements   int64
	RowsAffected int64
}

// StorageError represents errors that occur during storage operations.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "upsert", "query")
	Operation string

	// Table is the database table involved in the operation
	Table string

	Err error
}

func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, table string, err error) *StorageError {
	return &StorageError{Operation: operation, Table: table, Err: err}
}

// New opens the backend selected by cfg. The returned store still needs
// Initialize before use.
func New(cfg config.StorageConfig, maxParams int, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case "", "duckdb":
		return NewDuckDB(cfg.Path, maxParams, logger)
	case "postgres":
		return NewPostgres(context.Background(), cfg.DSN, maxParams, logger)
	case "memory":
		return NewMemory(maxParams)
	default:
		return nil, NewStorageError("open", "", fmt.Errorf("unsupported storage backend %q", cfg.Backend))
	}
}

var rangeQuery = "SELECT " + selectColumns("c") + " FROM " + candlesTable + ` c
	WHERE c.symbol = $1 AND c.timeframe = $2 AND c.open_time >= $3 AND c.open_time <= $4
	ORDER BY c.open_time ASC`

func validateObservations(obs []models.Observation) error {
	seen := make(map[models.SourceKey]struct{}, len(obs))
	for i := range obs {
		key := obs[i].SourceKey()
		if _, dup := seen[key]; dup {
			return NewStorageError("upsert", observationsTable, fmt.Errorf("duplicate observation %s/%s@%d from %s in batch",
				key.Symbol, key.Timeframe, key.OpenTime, key.Source))
		}
		seen[key] = struct{}{}
		if err := obs[i].Validate(); err != nil {
			return NewStorageError("upsert", observationsTable, fmt.Errorf("invalid observation %d (%s/%s@%d): %w",
				i, obs[i].Symbol, obs[i].Timeframe, obs[i].OpenTime, err))
		}
	}
	return nil
}

// scanCandle reads one row of selectColumns.
func scanCandle(scan func(dest ...any) error) (models.ConsolidatedCandle, error) {
	var (
		c                                   models.ConsolidatedCandle
		timeframe, sources                  string
		open, high, low, cls, vol, variance string
	)
	if err := scan(&c.Symbol, &timeframe, &c.OpenTime, &open, &high, &low, &cls, &vol,
		&c.ContributorCount, &variance, &sources); err != nil {
		return c, err
	}
	c.Timeframe = models.Timeframe(timeframe)
	c.Sources = models.ParseSourceList(sources)
	var errs []error
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&c.Open, open}, {&c.High, high}, {&c.Low, low}, {&c.Close, cls}, {&c.Volume, vol}, {&c.CloseVariance, variance}} {
		v, err := decimal.NewFromString(f.src)
		errs = append(errs, err)
		*f.dst = v
	}
	return c, errors.Join(errs...)
}
