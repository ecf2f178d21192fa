package storage

import (
	"cmp"
	"context"
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/johnayoung/go-ohlcv-consolidator/internal/models"
)

// MemoryStorage keeps observations and consolidated candles in maps. It
// applies the same revision rule, recompute and chunk plan as the SQL
// backends, so tests can assert on statement counts.
type MemoryStorage struct {
	mu     sync.RWMutex
	writer *Writer
	obs    map[models.CandleKey]map[string]models.Observation
	rows   map[models.CandleKey]models.ConsolidatedCandle

	statements int64
	affected   int64
	failWith   error
	closed     bool
}

var _ Store = (*MemoryStorage)(nil)

func NewMemory(maxParams int) (*MemoryStorage, error) {
	if maxParams == 0 {
		maxParams = DefaultMaxParams
	}
	w, err := NewWriter(postgresDialect, maxParams)
	if err != nil {
		return nil, err
	}
	return &MemoryStorage{
		writer: w,
		obs:    make(map[models.CandleKey]map[string]models.Observation),
		rows:   make(map[models.CandleKey]models.ConsolidatedCandle),
	}, nil
}

// FailWith makes every following UpsertBatch fail with err until it is
// called again with nil.
func (m *MemoryStorage) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

func (m *MemoryStorage) Initialize(ctx context.Context) error { return nil }

func (m *MemoryStorage) UpsertBatch(ctx context.Context, obs []models.Observation) (Upserted, error) {
	if err := ctx.Err(); err != nil {
		return Upserted{}, NewStorageError("upsert", observationsTable, err)
	}
	if len(obs) == 0 {
		return Upserted{}, nil
	}
	if err := validateObservations(obs); err != nil {
		return Upserted{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Upserted{}, NewStorageError("upsert", observationsTable, errors.New("storage is closed"))
	}
	if m.failWith != nil {
		return Upserted{}, NewStorageError("upsert", observationsTable, m.failWith)
	}

	// Stage against copies so a batch is all-or-nothing.
	staged := make(map[models.CandleKey]map[string]models.Observation)
	var keys []models.CandleKey
	var out Upserted
	for _, o := range obs {
		key := o.Key()
		bucket, ok := staged[key]
		if !ok {
			bucket = maps.Clone(m.obs[key])
			if bucket == nil {
				bucket = make(map[string]models.Observation)
			}
			staged[key] = bucket
			keys = append(keys, key)
		}
		if cur, ok := bucket[o.Source]; ok && o.ObservedAt <= cur.ObservedAt {
			continue
		}
		bucket[o.Source] = o
		out.Observations++
	}

	rows := make(map[models.CandleKey]models.ConsolidatedCandle, len(keys))
	for _, key := range keys {
		candles := make([]models.Candle, 0, len(staged[key]))
		for _, o := range staged[key] {
			candles = append(candles, o.Candle)
		}
		row := models.Consolidate(candles)
		rows[key] = row
		if cur, ok := m.rows[key]; !ok || !sameRow(cur, row) {
			out.Affected++
		}
	}

	for key, bucket := range staged {
		m.obs[key] = bucket
	}
	for key, row := range rows {
		m.rows[key] = row
		row.Sources = slices.Clone(row.Sources)
		out.Rows = append(out.Rows, row)
	}
	slices.SortFunc(out.Rows, func(a, b models.ConsolidatedCandle) int {
		return cmp.Or(
			cmp.Compare(a.Symbol, b.Symbol),
			cmp.Compare(a.Timeframe, b.Timeframe),
			cmp.Compare(a.OpenTime, b.OpenTime),
		)
	})
	m.statements += int64(m.writer.Statements(len(obs), len(keys)))
	m.affected += out.Affected
	return out, nil
}

// sameRow compares decimals by value, as the SQL backends do.
func sameRow(a, b models.ConsolidatedCandle) bool {
	return a.Open.Equal(b.Open) && a.High.Equal(b.High) && a.Low.Equal(b.Low) &&
		a.Close.Equal(b.Close) && a.Volume.Equal(b.Volume) &&
		a.ContributorCount == b.ContributorCount && a.CloseVariance.Equal(b.CloseVariance) &&
		slices.Equal(a.Sources, b.Sources)
}

func (m *MemoryStorage) RangeQuery(ctx context.Context, symbol string, tf models.Timeframe, start, end int64) ([]models.ConsolidatedCandle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ConsolidatedCandle
	for k, r := range m.rows {
		if k.Symbol == symbol && k.Timeframe == tf && k.OpenTime >= start && k.OpenTime <= end {
			r.Sources = slices.Clone(r.Sources)
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b models.ConsolidatedCandle) int {
		return cmp.Compare(a.OpenTime, b.OpenTime)
	})
	return out, nil
}

func (m *MemoryStorage) DistinctOpenTimes(ctx context.Context, symbol string, tf models.Timeframe) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []int64
	for k := range m.rows {
		if k.Symbol == symbol && k.Timeframe == tf {
			out = append(out, k.OpenTime)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (m *MemoryStorage) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return NewStorageError("health_check", "", errors.New("storage is closed"))
	}
	return nil
}

func (m *MemoryStorage) Stats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := &Stats{
		Backend:      "memory",
		TotalCandles: int64(len(m.rows)),
		Statements:   m.statements,
		RowsAffected: m.affected,
	}
	series := make(map[models.SeriesKey]struct{})
	for k := range m.rows {
		series[models.SeriesKey{Symbol: k.Symbol, Timeframe: k.Timeframe}] = struct{}{}
		if st.EarliestOpen == 0 || k.OpenTime < st.EarliestOpen {
			st.EarliestOpen = k.OpenTime
		}
		if k.OpenTime > st.LatestOpen {
			st.LatestOpen = k.OpenTime
		}
	}
	st.TotalSeries = len(series)
	return st, nil
}

func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
