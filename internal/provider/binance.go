package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/johnayoung/go-ohlcv-consolidator/internal/config"
	apperrors "github.com/johnayoung/go-ohlcv-consolidator/internal/errors"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/models"
	"github.com/shopspring/decimal"
)

const binanceKlinesEndpoint = "/api/v3/klines"

// Binance error codes that mean the request can never succeed.
const (
	binanceInvalidSymbol   = -1121
	binanceInvalidInterval = -1120
)

// Binance fetches klines from the Binance spot REST API, paging backward with
// endTime.
type Binance struct {
	base
}

var _ Adapter = (*Binance)(nil)

// NewBinance creates a Binance adapter. "BTC-USD" maps to "BTCUSD" unless the
// symbol map says otherwise.
func NewBinance(cfg config.ProviderConfig, opts Options) *Binance {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.binance.com"
	}
	if cfg.MaxCandlesPerCall <= 0 || cfg.MaxCandlesPerCall > 1000 {
		cfg.MaxCandlesPerCall = 1000
	}
	transform := func(s string) string { return strings.ToUpper(strings.ReplaceAll(s, "-", "")) }
	return &Binance{base: newBase(cfg, PaginateEndTime, transform, opts)}
}

func (b *Binance) Fetch(ctx context.Context, req FetchRequest) Result {
	if !req.Timeframe.IsValid() {
		return unsupportedTimeframe(b.contract.Name, req.Timeframe)
	}
	w, ok := b.plan(req)
	if !ok {
		return Exhausted()
	}

	symbol := b.symbols.Vendor(req.Symbol)
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", string(req.Timeframe))
	params.Set("startTime", strconv.FormatInt(w.start*1000, 10))
	params.Set("endTime", strconv.FormatInt(w.end*1000, 10))
	params.Set("limit", strconv.Itoa(w.limit))
	requestURL := b.contract.BaseURL + binanceKlinesEndpoint + "?" + params.Encode()

	headers := map[string]string{}
	if b.apiKey != "" {
		headers["X-MBX-APIKEY"] = b.apiKey
	}

	b.logger.DebugContext(ctx, "fetching klines",
		"vendor_symbol", symbol, "timeframe", req.Timeframe, "start", w.start, "end", w.end)

	var rows [][]json.RawMessage
	if err := b.getJSON(ctx, requestURL, headers, &rows, b.decodeError); err != nil {
		return FromError(err)
	}

	candles := make([]models.Candle, 0, len(rows))
	for _, row := range rows {
		candle, err := b.convertKline(row, req)
		if err != nil {
			b.logger.WarnContext(ctx, "failed to convert kline, skipping", "error", err)
			continue
		}
		candles = append(candles, candle)
	}
	return b.finish(ctx, req, w, candles)
}

// convertKline reads [openTimeMs, "open", "high", "low", "close", "volume", ...].
func (b *Binance) convertKline(row []json.RawMessage, req FetchRequest) (models.Candle, error) {
	if len(row) < 6 {
		return models.Candle{}, fmt.Errorf("kline has %d fields, want at least 6", len(row))
	}
	var openMs int64
	if err := json.Unmarshal(row[0], &openMs); err != nil {
		return models.Candle{}, fmt.Errorf("invalid kline open time: %w", err)
	}
	vals := make([]decimal.Decimal, 5)
	for i := 1; i < 6; i++ {
		var s string
		if err := json.Unmarshal(row[i], &s); err != nil {
			return models.Candle{}, fmt.Errorf("kline field %d is not a string: %w", i, err)
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return models.Candle{}, fmt.Errorf("invalid kline field %d %q: %w", i, s, err)
		}
		vals[i-1] = v
	}
	return models.Candle{
		Symbol:    req.Symbol,
		Timeframe: req.Timeframe,
		OpenTime:  openMs / 1000,
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
		Source:    b.contract.Name,
	}, nil
}

func (b *Binance) decodeError(status int, body []byte) error {
	var e struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if json.Unmarshal(body, &e) != nil || e.Code == 0 {
		return nil
	}
	switch e.Code {
	case binanceInvalidSymbol, binanceInvalidInterval:
		return apperrors.Permanent(b.contract.Name, "fetch", fmt.Errorf("code %d: %s", e.Code, e.Msg))
	}
	return apperrors.Permanent(b.contract.Name, "fetch", fmt.Errorf("status %d code %d: %s", status, e.Code, e.Msg))
}
