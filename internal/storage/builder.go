package storage

import (
	"fmt"
	"strings"

	apperrors "github.com/johnayoung/go-ohlcv-consolidator/internal/errors"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/models"
)

const (
	candlesTable      = "consolidated_candles"
	observationsTable = "candle_observations"

	// DefaultMaxParams is the bound parameter budget of one statement.
	DefaultMaxParams = 1000
)

var observationColumns = []string{
	"symbol", "timeframe", "open_time", "source",
	"open", "high", "low", "close", "volume",
	"observed_at",
}

var candleColumns = []string{
	"symbol", "timeframe", "open_time",
	"open", "high", "low", "close", "volume",
	"contributor_count", "close_variance", "sources",
}

var (
	// ObservationColumnCount is the number of bound parameters per stored
	// observation.
	ObservationColumnCount = len(observationColumns)

	// KeyColumnCount is the number of bound parameters per bucket key.
	KeyColumnCount = 3
)

// Dialect holds the SQL that differs between backends.
type Dialect struct {
	// Decimal is the type decimal parameters are cast to.
	Decimal string

	// Median renders an exact median aggregate of expr: the middle value,
	// or the mean of the middle pair.
	Median func(expr string) string
}

var (
	// quantile_disc picks one middle value; over the negated input it picks
	// the other, so half their difference is the median for any count.
	duckdbDialect = Dialect{
		Decimal: "DECIMAL(38,18)",
		Median: func(e string) string {
			return fmt.Sprintf("CAST((quantile_disc(%[1]s, 0.5) - quantile_disc(-%[1]s, 0.5)) * 0.5 AS DECIMAL(38,18))", e)
		},
	}
	postgresDialect = Dialect{
		Decimal: "NUMERIC",
		Median: func(e string) string {
			return fmt.Sprintf("(percentile_disc(0.5) WITHIN GROUP (ORDER BY %[1]s) + percentile_disc(0.5) WITHIN GROUP (ORDER BY %[1]s DESC)) / 2", e)
		},
	}
)

// Statement is one multi-row statement.
type Statement struct {
	SQL  string
	Args []any
	Rows int
}

// Template is the fixed text around the VALUES tuples of a statement.
type Template struct {
	Head string
	Tail string

	// Casts is the SQL type of each bound column; "" binds it uncast.
	Casts []string
}

// BatchBuilder splits a batch into statements that each bind at most
// maxParams parameters.
type BatchBuilder struct {
	maxParams int
	columns   int
	chunk     int
}

// NewBatchBuilder fails when not even one row of the given width fits under
// maxParams.
func NewBatchBuilder(maxParams, columns int) (*BatchBuilder, error) {
	if columns <= 0 {
		return nil, apperrors.Configuration("storage", fmt.Errorf("column count must be positive, got %d", columns))
	}
	chunk := maxParams / columns
	if chunk < 1 {
		return nil, apperrors.Configuration("storage",
			fmt.Errorf("max_params %d cannot hold a single row of %d columns", maxParams, columns))
	}
	return &BatchBuilder{maxParams: maxParams, columns: columns, chunk: chunk}, nil
}

// ChunkSize is the number of rows per full statement.
func (b *BatchBuilder) ChunkSize() int { return b.chunk }

// Plan returns the row count of each statement for a batch of n rows.
func (b *BatchBuilder) Plan(n int) []int {
	var sizes []int
	for n > 0 {
		size := min(n, b.chunk)
		sizes = append(sizes, size)
		n -= size
	}
	return sizes
}

// Build renders the statements for n rows; args returns the bound values of
// row i. It panics with ParameterLimitExceeded if a statement would exceed
// the parameter budget.
func (b *BatchBuilder) Build(t Template, n int, args func(i int) []any) []Statement {
	if len(t.Casts) != b.columns {
		panic(fmt.Sprintf("template has %d columns, builder %d", len(t.Casts), b.columns))
	}
	stmts := make([]Statement, 0, n/b.chunk+1)
	offset := 0
	for _, size := range b.Plan(n) {
		stmts = append(stmts, b.statement(t, offset, size, args))
		offset += size
	}
	return stmts
}

func (b *BatchBuilder) statement(t Template, offset, rows int, args func(i int) []any) Statement {
	params := rows * b.columns
	if params > b.maxParams {
		panic(apperrors.ParameterLimitExceeded{Params: params, Limit: b.maxParams})
	}

	var sb strings.Builder
	sb.WriteString(t.Head)
	bound := make([]any, 0, params)
	n := 1
	for i := offset; i < offset+rows; i++ {
		if i > offset {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c, cast := range t.Casts {
			if c > 0 {
				sb.WriteString(", ")
			}
			if cast == "" {
				fmt.Fprintf(&sb, "$%d", n)
			} else {
				fmt.Fprintf(&sb, "CAST($%d AS %s)", n, cast)
			}
			n++
		}
		sb.WriteByte(')')
		vals := args(i)
		if len(vals) != b.columns {
			panic(fmt.Sprintf("row encoder returned %d values for %d columns", len(vals), b.columns))
		}
		bound = append(bound, vals...)
	}
	sb.WriteString(t.Tail)

	return Statement{SQL: sb.String(), Args: bound, Rows: rows}
}

// WritePlan is the statement sequence of one UpsertBatch, run in a single
// transaction: observation upserts, then the recompute of every touched
// bucket, then the read back of those buckets.
type WritePlan struct {
	Upserts     []Statement
	Consolidate []Statement
	Reads       []Statement
	Keys        []models.CandleKey
}

// Writes is the number of statements that modify the store.
func (p WritePlan) Writes() int { return len(p.Upserts) + len(p.Consolidate) }

// Writer renders the observation write path for one dialect.
type Writer struct {
	obs  *BatchBuilder
	keys *BatchBuilder

	upsert      Template
	consolidate Template
	read        Template
}

func NewWriter(d Dialect, maxParams int) (*Writer, error) {
	obs, err := NewBatchBuilder(maxParams, ObservationColumnCount)
	if err != nil {
		return nil, err
	}
	keys, err := NewBatchBuilder(maxParams, KeyColumnCount)
	if err != nil {
		return nil, err
	}
	keyCasts := []string{"VARCHAR", "VARCHAR", "BIGINT"}
	return &Writer{
		obs:  obs,
		keys: keys,
		upsert: Template{
			Head: fmt.Sprintf("INSERT INTO %s (%s) VALUES ", observationsTable, strings.Join(observationColumns, ", ")),
			Tail: observationUpsertClause,
			Casts: []string{"VARCHAR", "VARCHAR", "BIGINT", "VARCHAR",
				d.Decimal, d.Decimal, d.Decimal, d.Decimal, d.Decimal, "BIGINT"},
		},
		consolidate: Template{
			Head:  consolidateHead(d),
			Tail:  consolidateTail,
			Casts: keyCasts,
		},
		read: Template{
			Head:  "SELECT " + selectColumns("c") + " FROM " + candlesTable + " c JOIN (VALUES ",
			Tail:  ") AS k (symbol, timeframe, open_time) ON c.symbol = k.symbol AND c.timeframe = k.timeframe AND c.open_time = k.open_time ORDER BY c.symbol, c.timeframe, c.open_time",
			Casts: keyCasts,
		},
	}, nil
}

// Statements is the number of modifying statements for a batch of n
// observations touching keys buckets.
func (w *Writer) Statements(n, keys int) int {
	return len(w.obs.Plan(n)) + len(w.keys.Plan(keys))
}

// Plan renders the statements for obs, which must already be validated.
func (w *Writer) Plan(obs []models.Observation) WritePlan {
	seen := make(map[models.CandleKey]struct{}, len(obs))
	var keys []models.CandleKey
	for i := range obs {
		k := obs[i].Key()
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	keyArgs := func(i int) []any {
		return []any{keys[i].Symbol, string(keys[i].Timeframe), keys[i].OpenTime}
	}
	return WritePlan{
		Upserts:     w.obs.Build(w.upsert, len(obs), func(i int) []any { return observationArgs(&obs[i]) }),
		Consolidate: w.keys.Build(w.consolidate, len(keys), keyArgs),
		Reads:       w.keys.Build(w.read, len(keys), keyArgs),
		Keys:        keys,
	}
}

// Decimals are bound as strings so no backend rounds them through float64.
func observationArgs(o *models.Observation) []any {
	return []any{
		o.Symbol,
		string(o.Timeframe),
		o.OpenTime,
		o.Source,
		o.Open.String(),
		o.High.String(),
		o.Low.String(),
		o.Close.String(),
		o.Volume.String(),
		o.ObservedAt,
	}
}

// A stored observation is only revised by a later one, so redeliveries and
// stale retries leave it untouched.
var observationUpsertClause = func() string {
	var sets []string
	for _, col := range observationColumns[4:] {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", col, col))
	}
	return fmt.Sprintf(" ON CONFLICT (symbol, timeframe, open_time, source) DO UPDATE SET %s WHERE excluded.observed_at > %s.observed_at",
		strings.Join(sets, ", "), observationsTable)
}()

func consolidateHead(d Dialect) string {
	var med []string
	for _, col := range []string{"open", "high", "low", "close", "volume"} {
		med = append(med, fmt.Sprintf("%s AS %s", d.Median("o."+col), col))
	}
	return fmt.Sprintf(`INSERT INTO %[1]s (%[2]s)
SELECT m.symbol, m.timeframe, m.open_time, m.open, m.high, m.low, m.close, m.volume, m.contributor_count,
       CASE WHEN m.close = 0 THEN 0 ELSE (
           SELECT MAX(ABS(x.close - m.close)) FROM %[3]s x
           WHERE x.symbol = m.symbol AND x.timeframe = m.timeframe AND x.open_time = m.open_time
       ) / ABS(m.close) END,
       m.sources
FROM (
    SELECT o.symbol, o.timeframe, o.open_time, %[4]s,
           COUNT(*) AS contributor_count,
           string_agg(o.source, ',' ORDER BY o.source) AS sources
    FROM %[3]s o
    JOIN (VALUES `, candlesTable, strings.Join(candleColumns, ", "), observationsTable, strings.Join(med, ", "))
}

// The recompute only touches a row whose consolidated values changed, so a
// replayed batch affects nothing.
var consolidateTail = func() string {
	var sets, changed []string
	for _, col := range candleColumns[3:] {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", col, col))
		changed = append(changed, fmt.Sprintf("%s.%s IS DISTINCT FROM excluded.%s", candlesTable, col, col))
	}
	return fmt.Sprintf(`) AS k (symbol, timeframe, open_time)
      ON o.symbol = k.symbol AND o.timeframe = k.timeframe AND o.open_time = k.open_time
    GROUP BY o.symbol, o.timeframe, o.open_time
) AS m
WHERE TRUE
ON CONFLICT (symbol, timeframe, open_time) DO UPDATE SET %s WHERE %s`,
		strings.Join(sets, ", "), strings.Join(changed, " OR "))
}()

// selectColumns lists the consolidated columns with decimals read back as
// text, so they parse exactly.
func selectColumns(alias string) string {
	cols := make([]string, len(candleColumns))
	for i, col := range candleColumns {
		switch col {
		case "open", "high", "low", "close", "volume", "close_variance":
			cols[i] = fmt.Sprintf("CAST(%s.%s AS VARCHAR)", alias, col)
		default:
			cols[i] = alias + "." + col
		}
	}
	return strings.Join(cols, ", ")
}
