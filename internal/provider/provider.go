// Package provider adapts upstream candle APIs to a single fetch contract.
//
// Every adapter answers a FetchRequest with a tagged Result. Expected failure
// modes (rate limiting, transport errors, bad symbols, the end of history) are
// reported through the Result outcome, never as a bare error, so the scheduler
// can branch on them without inspecting messages.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/config"
	apperrors "github.com/johnayoung/go-ohlcv-consolidator/internal/errors"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/models"
)

// PaginationStyle names how a provider pages backward through history.
type PaginationStyle string

const (
	PaginateEndTime    PaginationStyle = "end_time"
	PaginateTimeWindow PaginationStyle = "time_window"
	PaginateCursor     PaginationStyle = "cursor"
)

// Contract is the static description of a provider.
type Contract struct {
	Name               string
	BaseURL            string
	MaxCandlesPerCall  int
	MaxLookbackDays    int
	RateLimitPerMinute int
	PaginationStyle    PaginationStyle
}

// FetchRequest asks for up to MaxPoints candles with open_time < Before.
// Before == 0 means "the newest closed candle". After, when set, is an
// inclusive lower bound on open_time.
type FetchRequest struct {
	Symbol    string
	Timeframe models.Timeframe
	Before    int64
	After     int64
	MaxPoints int
}

// Outcome tags a Result.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeExhausted
	OutcomeRateLimited
	OutcomeTransient
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Result is the tagged outcome of one fetch call. Batch is set for Success,
// RetryAfter for RateLimited and Err for the error outcomes.
type Result struct {
	Outcome    Outcome
	Batch      models.ObservationBatch
	RetryAfter time.Duration
	Err        error
}

func Success(batch models.ObservationBatch) Result {
	return Result{Outcome: OutcomeSuccess, Batch: batch}
}

func Exhausted() Result {
	return Result{Outcome: OutcomeExhausted}
}

func RateLimited(retryAfter time.Duration, err error) Result {
	return Result{Outcome: OutcomeRateLimited, RetryAfter: retryAfter, Err: err}
}

func Transient(err error) Result {
	return Result{Outcome: OutcomeTransient, Err: err}
}

func Permanent(err error) Result {
	return Result{Outcome: OutcomePermanent, Err: err}
}

// FromError converts a classified error into a Result.
func FromError(err error) Result {
	switch apperrors.KindOf(err) {
	case apperrors.KindRateLimited:
		return RateLimited(apperrors.RetryAfterOf(err), err)
	case apperrors.KindPermanent, apperrors.KindConfiguration:
		return Permanent(err)
	default:
		return Transient(err)
	}
}

// Adapter fetches candles from one upstream provider.
type Adapter interface {
	Name() string
	Contract() Contract
	Fetch(ctx context.Context, req FetchRequest) Result
}

// SymbolMapper translates canonical symbols ("BTC-USD") into vendor symbols.
// Overrides win over the default transform.
type SymbolMapper struct {
	overrides map[string]string
	transform func(string) string
}

func NewSymbolMapper(overrides map[string]string, transform func(string) string) SymbolMapper {
	if transform == nil {
		transform = func(s string) string { return s }
	}
	return SymbolMapper{overrides: overrides, transform: transform}
}

func (m SymbolMapper) Vendor(symbol string) string {
	if v, ok := m.overrides[symbol]; ok {
		return v
	}
	return m.transform(symbol)
}

// base carries what every adapter shares: the contract, an HTTP client, the
// clock used for horizon checks and a logger.
type base struct {
	contract Contract
	client   *http.Client
	clock    clock.Clock
	logger   *slog.Logger
	symbols  SymbolMapper
	apiKey   string
}

// Options customise adapter construction. Zero values select defaults.
type Options struct {
	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     *slog.Logger
}

func newBase(cfg config.ProviderConfig, style PaginationStyle, transform func(string) string, opts Options) base {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return base{
		contract: Contract{
			Name:               cfg.Name,
			BaseURL:            strings.TrimRight(cfg.BaseURL, "/"),
			MaxCandlesPerCall:  cfg.MaxCandlesPerCall,
			MaxLookbackDays:    cfg.MaxLookbackDays,
			RateLimitPerMinute: cfg.RateLimitPerMinute,
			PaginationStyle:    style,
		},
		client:  opts.HTTPClient,
		clock:   opts.Clock,
		logger:  opts.Logger.With("provider", cfg.Name),
		symbols: NewSymbolMapper(cfg.SymbolMap, transform),
		apiKey:  cfg.APIKey,
	}
}

func (b *base) Name() string       { return b.contract.Name }
func (b *base) Contract() Contract { return b.contract }

// window is the closed interval of open times one call should cover.
type window struct {
	start, end int64
	limit      int
	horizon    int64
}

// plan resolves a request into a window. ok is false when the request lies
// entirely beyond the provider's lookback horizon.
func (b *base) plan(req FetchRequest) (window, bool) {
	tf := req.Timeframe
	step := tf.Seconds()
	now := b.clock.Now()

	newest := tf.LastClosed(now)
	end := newest
	if req.Before > 0 {
		end = min(tf.Align(req.Before-1), newest)
	}

	horizon := tf.AlignUp(now.Unix() - int64(b.contract.MaxLookbackDays)*86400)
	if req.After > 0 {
		horizon = max(horizon, tf.AlignUp(req.After))
	}
	if end < horizon {
		return window{}, false
	}

	limit := b.contract.MaxCandlesPerCall
	if req.MaxPoints > 0 && req.MaxPoints < limit {
		limit = req.MaxPoints
	}
	start := max(end-int64(limit-1)*step, horizon)
	return window{start: start, end: end, limit: limit, horizon: horizon}, true
}

// finish filters raw candles to the window, drops invalid ones, sorts them
// ascending and clamps to the newest w.limit entries. An empty window short
// of the horizon is a success so the caller keeps walking back past a gap in
// the upstream history; only an empty window at the horizon is exhausted.
func (b *base) finish(ctx context.Context, req FetchRequest, w window, raw []models.Candle) Result {
	seen := make(map[int64]bool, len(raw))
	out := make([]models.Candle, 0, len(raw))
	for i := range raw {
		c := raw[i]
		if c.OpenTime < w.start || c.OpenTime > w.end || seen[c.OpenTime] {
			continue
		}
		if err := c.Validate(); err != nil {
			b.logger.WarnContext(ctx, "dropping invalid candle",
				"symbol", req.Symbol, "timeframe", req.Timeframe, "open_time", c.OpenTime, "error", err)
			continue
		}
		seen[c.OpenTime] = true
		out = append(out, c)
	}
	if len(out) == 0 {
		if w.start > w.horizon {
			return Success(models.ObservationBatch{NextCursor: w.start})
		}
		return Exhausted()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	if len(out) > w.limit {
		out = out[len(out)-w.limit:]
	}

	return Success(models.ObservationBatch{
		Candles:    out,
		NextCursor: w.start,
		Done:       w.start <= w.horizon,
	})
}

// getJSON issues a GET and decodes a 2xx body into out. Non-2xx responses are
// classified by status; decodeErr lets an adapter refine 4xx bodies.
func (b *base) getJSON(ctx context.Context, url string, headers map[string]string, out any, decodeErr func(status int, body []byte) error) error {
	const op = "fetch"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return apperrors.Permanent(b.contract.Name, op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "go-ohlcv-consolidator/1.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return apperrors.Transient(b.contract.Name, op, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Transient(b.contract.Name, op, fmt.Errorf("failed to read response body: %w", err))
	}

	switch apperrors.ClassifyHTTP(resp.StatusCode) {
	case "":
	case apperrors.KindRateLimited:
		return apperrors.RateLimited(b.contract.Name, op, apperrors.ParseRetryAfter(resp.Header, b.clock.Now()),
			fmt.Errorf("status %d", resp.StatusCode))
	case apperrors.KindPermanent:
		if decodeErr != nil {
			if err := decodeErr(resp.StatusCode, body); err != nil {
				return err
			}
		}
		return apperrors.Permanent(b.contract.Name, op, fmt.Errorf("client error %d: %s", resp.StatusCode, truncate(body)))
	default:
		return apperrors.Transient(b.contract.Name, op, fmt.Errorf("server error %d: %s", resp.StatusCode, truncate(body)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.Transient(b.contract.Name, op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func truncate(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}

func unsupportedTimeframe(provider string, tf models.Timeframe) Result {
	return Permanent(apperrors.Permanent(provider, "fetch", fmt.Errorf("timeframe %s is not supported", tf)))
}

// New builds the adapter named by cfg.Name.
func New(cfg config.ProviderConfig, opts Options) (Adapter, error) {
	switch cfg.Name {
	case "coinbase":
		return NewCoinbase(cfg, opts), nil
	case "binance":
		return NewBinance(cfg, opts), nil
	case "polygon":
		return NewPolygon(cfg, opts), nil
	default:
		return nil, apperrors.Configuration("provider", fmt.Errorf("unknown provider %q", cfg.Name))
	}
}
