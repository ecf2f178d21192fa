package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/johnayoung/go-ohlcv-consolidator/internal/config"
	apperrors "github.com/johnayoung/go-ohlcv-consolidator/internal/errors"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/models"
	"github.com/shopspring/decimal"
)

const coinbaseCandlesEndpoint = "/products/%s/candles"

// Coinbase fetches candles from the Coinbase Exchange REST API. Each call
// covers an explicit [start, end] window of at most 300 buckets.
type Coinbase struct {
	base
}

var _ Adapter = (*Coinbase)(nil)

// NewCoinbase creates a Coinbase adapter. Canonical symbols are already in
// Coinbase product id form, so the default transform is the identity.
func NewCoinbase(cfg config.ProviderConfig, opts Options) *Coinbase {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.exchange.coinbase.com"
	}
	if cfg.MaxCandlesPerCall <= 0 || cfg.MaxCandlesPerCall > 300 {
		cfg.MaxCandlesPerCall = 300
	}
	return &Coinbase{base: newBase(cfg, PaginateTimeWindow, nil, opts)}
}

// coinbaseGranularity maps a timeframe to Coinbase granularity seconds.
// Coinbase has no 4h bucket.
func coinbaseGranularity(tf models.Timeframe) (int64, bool) {
	switch tf {
	case models.Timeframe1m, models.Timeframe5m, models.Timeframe15m, models.Timeframe1h, models.Timeframe1d:
		return tf.Seconds(), true
	default:
		return 0, false
	}
}

func (c *Coinbase) Fetch(ctx context.Context, req FetchRequest) Result {
	granularity, ok := coinbaseGranularity(req.Timeframe)
	if !ok {
		return unsupportedTimeframe(c.contract.Name, req.Timeframe)
	}
	w, ok := c.plan(req)
	if !ok {
		return Exhausted()
	}

	product := c.symbols.Vendor(req.Symbol)
	params := url.Values{}
	params.Set("granularity", strconv.FormatInt(granularity, 10))
	params.Set("start", time.Unix(w.start, 0).UTC().Format(time.RFC3339))
	params.Set("end", time.Unix(w.end, 0).UTC().Format(time.RFC3339))
	requestURL := c.contract.BaseURL + fmt.Sprintf(coinbaseCandlesEndpoint, url.PathEscape(product)) + "?" + params.Encode()

	c.logger.DebugContext(ctx, "fetching candles",
		"product", product, "timeframe", req.Timeframe, "start", w.start, "end", w.end)

	var rows [][]json.Number
	if err := c.getJSON(ctx, requestURL, nil, &rows, c.decodeError); err != nil {
		return FromError(err)
	}

	candles := make([]models.Candle, 0, len(rows))
	for _, row := range rows {
		candle, err := c.convertCandle(row, req)
		if err != nil {
			c.logger.WarnContext(ctx, "failed to convert candle, skipping", "error", err)
			continue
		}
		candles = append(candles, candle)
	}
	return c.finish(ctx, req, w, candles)
}

// convertCandle reads a [time, low, high, open, close, volume] row.
func (c *Coinbase) convertCandle(row []json.Number, req FetchRequest) (models.Candle, error) {
	if len(row) < 6 {
		return models.Candle{}, fmt.Errorf("candle row has %d fields, want 6", len(row))
	}
	ts, err := row[0].Int64()
	if err != nil {
		return models.Candle{}, fmt.Errorf("invalid candle time %q: %w", row[0], err)
	}
	vals := make([]decimal.Decimal, 5)
	for i := 1; i < 6; i++ {
		v, err := decimal.NewFromString(row[i].String())
		if err != nil {
			return models.Candle{}, fmt.Errorf("invalid candle field %d %q: %w", i, row[i], err)
		}
		vals[i-1] = v
	}
	return models.Candle{
		Symbol:    req.Symbol,
		Timeframe: req.Timeframe,
		OpenTime:  ts,
		Low:       vals[0],
		High:      vals[1],
		Open:      vals[2],
		Close:     vals[3],
		Volume:    vals[4],
		Source:    c.contract.Name,
	}, nil
}

func (c *Coinbase) decodeError(status int, body []byte) error {
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil && e.Message != "" {
		return apperrors.Permanent(c.contract.Name, "fetch", fmt.Errorf("status %d: %s", status, e.Message))
	}
	return nil
}
