package consolidator

import (
	"cmp"
	"slices"

	"github.com/johnayoung/go-ohlcv-consolidator/internal/models"
)

// dedup keeps one observation per (bucket, source): the one from the most
// recently enqueued message, or the first seen on a tie. The result is
// sorted by bucket and then source.
func dedup(msgs []models.QueueMessage) []models.Observation {
	latest := make(map[models.SourceKey]int)
	var out []models.Observation
	for _, msg := range msgs {
		at := msg.EnqueuedAt.UnixNano()
		for _, c := range msg.Candles {
			o := models.Observation{Candle: c, ObservedAt: at}
			i, seen := latest[o.SourceKey()]
			switch {
			case !seen:
				latest[o.SourceKey()] = len(out)
				out = append(out, o)
			case at > out[i].ObservedAt:
				out[i] = o
			}
		}
	}
	slices.SortFunc(out, func(a, b models.Observation) int {
		return cmp.Or(compareKeys(a.Key(), b.Key()), cmp.Compare(a.Source, b.Source))
	})
	return out
}

func compareKeys(a, b models.CandleKey) int {
	return cmp.Or(
		cmp.Compare(a.Symbol, b.Symbol),
		cmp.Compare(a.Timeframe.Seconds(), b.Timeframe.Seconds()),
		cmp.Compare(a.OpenTime, b.OpenTime),
	)
}
