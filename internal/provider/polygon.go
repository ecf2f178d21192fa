package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/johnayoung/go-ohlcv-consolidator/internal/config"
	apperrors "github.com/johnayoung/go-ohlcv-consolidator/internal/errors"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/models"
	polygon "github.com/polygon-io/client-go/rest"
	pmodels "github.com/polygon-io/client-go/rest/models"
	"github.com/shopspring/decimal"
)

// polygonRetryAfter is used on 429 because the client does not surface
// response headers. The free tier refills one call every 12s.
const polygonRetryAfter = 12 * time.Second

// Polygon fetches aggregate bars through the official Polygon REST client.
// Crypto tickers use Polygon's "X:BTCUSD" form.
type Polygon struct {
	base
	client *polygon.Client
}

var _ Adapter = (*Polygon)(nil)

// NewPolygon creates a Polygon adapter. opts.HTTPClient, when set, is handed
// to the Polygon client so tests can redirect traffic.
func NewPolygon(cfg config.ProviderConfig, opts Options) *Polygon {
	if cfg.MaxCandlesPerCall <= 0 || cfg.MaxCandlesPerCall > 50000 {
		cfg.MaxCandlesPerCall = 5000
	}
	transform := func(s string) string {
		return "X:" + strings.ToUpper(strings.ReplaceAll(s, "-", ""))
	}
	b := newBase(cfg, PaginateTimeWindow, transform, opts)

	var client *polygon.Client
	if opts.HTTPClient != nil {
		client = polygon.NewWithClient(cfg.APIKey, opts.HTTPClient)
	} else {
		client = polygon.New(cfg.APIKey)
	}
	return &Polygon{base: b, client: client}
}

// polygonSpan maps a timeframe onto Polygon's multiplier and timespan.
func polygonSpan(tf models.Timeframe) (int, pmodels.Timespan, bool) {
	switch tf {
	case models.Timeframe1m:
		return 1, pmodels.Minute, true
	case models.Timeframe5m:
		return 5, pmodels.Minute, true
	case models.Timeframe15m:
		return 15, pmodels.Minute, true
	case models.Timeframe1h:
		return 1, pmodels.Hour, true
	case models.Timeframe4h:
		return 4, pmodels.Hour, true
	case models.Timeframe1d:
		return 1, pmodels.Day, true
	default:
		return 0, "", false
	}
}

func (p *Polygon) Fetch(ctx context.Context, req FetchRequest) Result {
	multiplier, timespan, ok := polygonSpan(req.Timeframe)
	if !ok {
		return unsupportedTimeframe(p.contract.Name, req.Timeframe)
	}
	w, ok := p.plan(req)
	if !ok {
		return Exhausted()
	}

	ticker := p.symbols.Vendor(req.Symbol)
	params := pmodels.ListAggsParams{
		Ticker:     ticker,
		Multiplier: multiplier,
		Timespan:   timespan,
		From:       pmodels.Millis(time.Unix(w.start, 0)),
		To:         pmodels.Millis(time.Unix(w.end, 0)),
	}.WithOrder(pmodels.Desc).WithLimit(w.limit).WithAdjusted(true)

	p.logger.DebugContext(ctx, "fetching aggregates",
		"ticker", ticker, "timeframe", req.Timeframe, "start", w.start, "end", w.end)

	iter := p.client.ListAggs(ctx, params)
	candles := make([]models.Candle, 0, w.limit)
	for iter.Next() {
		agg := iter.Item()
		candles = append(candles, p.convertAgg(agg, req))
		if len(candles) >= w.limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return FromError(p.classify(err))
	}
	return p.finish(ctx, req, w, candles)
}

func (p *Polygon) convertAgg(agg pmodels.Agg, req FetchRequest) models.Candle {
	return models.Candle{
		Symbol:    req.Symbol,
		Timeframe: req.Timeframe,
		OpenTime:  time.Time(agg.Timestamp).Unix(),
		Open:      decimal.NewFromFloat(agg.Open),
		High:      decimal.NewFromFloat(agg.High),
		Low:       decimal.NewFromFloat(agg.Low),
		Close:     decimal.NewFromFloat(agg.Close),
		Volume:    decimal.NewFromFloat(agg.Volume),
		Source:    p.contract.Name,
	}
}

// classify maps Polygon client errors onto the shared taxonomy.
func (p *Polygon) classify(err error) error {
	const op = "fetch"
	var resp *pmodels.ErrorResponse
	if errors.As(err, &resp) {
		switch apperrors.ClassifyHTTP(resp.StatusCode) {
		case apperrors.KindRateLimited:
			return apperrors.RateLimited(p.contract.Name, op, polygonRetryAfter, err)
		case apperrors.KindPermanent:
			if resp.StatusCode == http.StatusNotFound {
				return apperrors.Permanent(p.contract.Name, op, fmt.Errorf("unknown ticker: %w", err))
			}
			return apperrors.Permanent(p.contract.Name, op, err)
		}
	}
	return apperrors.Transient(p.contract.Name, op, err)
}
