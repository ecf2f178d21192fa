package models

import (
	"slices"

	"github.com/shopspring/decimal"
)

var half = decimal.New(5, -1)

// Observation is one provider's candle as persisted. ObservedAt is the
// enqueue time, in unix nanoseconds, of the message that carried it; a
// stored observation is only revised by a later one.
type Observation struct {
	Candle
	ObservedAt int64 `json:"observed_at" db:"observed_at"`
}

// SourceKey identifies one provider's observation of a bucket.
type SourceKey struct {
	CandleKey
	Source string
}

func (o *Observation) SourceKey() SourceKey {
	return SourceKey{CandleKey: o.Key(), Source: o.Source}
}

// Consolidate combines observations of one bucket from distinct sources. A
// single observation passes through. Otherwise each field is the median of
// its contributors; because every source satisfies low <= open,close <= high,
// the order statistics (and so the medians) do too. The result does not
// depend on the order of obs.
func Consolidate(obs []Candle) ConsolidatedCandle {
	first := obs[0]
	out := ConsolidatedCandle{
		Symbol:           first.Symbol,
		Timeframe:        first.Timeframe,
		OpenTime:         first.OpenTime,
		ContributorCount: len(obs),
		CloseVariance:    decimal.Zero,
	}
	for _, c := range obs {
		out.Sources = append(out.Sources, c.Source)
	}
	slices.Sort(out.Sources)

	if len(obs) == 1 {
		out.Open, out.High, out.Low, out.Close, out.Volume = first.Open, first.High, first.Low, first.Close, first.Volume
		return out
	}

	field := func(get func(Candle) decimal.Decimal) decimal.Decimal {
		vals := make([]decimal.Decimal, len(obs))
		for i, c := range obs {
			vals[i] = get(c)
		}
		return median(vals)
	}
	out.Open = field(func(c Candle) decimal.Decimal { return c.Open })
	out.High = field(func(c Candle) decimal.Decimal { return c.High })
	out.Low = field(func(c Candle) decimal.Decimal { return c.Low })
	out.Close = field(func(c Candle) decimal.Decimal { return c.Close })
	out.Volume = field(func(c Candle) decimal.Decimal { return c.Volume })

	if !out.Close.IsZero() {
		var worst decimal.Decimal
		for _, c := range obs {
			if d := c.Close.Sub(out.Close).Abs(); d.GreaterThan(worst) {
				worst = d
			}
		}
		out.CloseVariance = worst.Div(out.Close.Abs())
	}
	return out
}

func median(vals []decimal.Decimal) decimal.Decimal {
	slices.SortFunc(vals, func(a, b decimal.Decimal) int { return a.Cmp(b) })
	n := len(vals)
	if n%2 == 1 {
		return vals[n/2]
	}
	// Mul keeps every digit; Div would round to DivisionPrecision.
	return vals[n/2-1].Add(vals[n/2]).Mul(half)
}
