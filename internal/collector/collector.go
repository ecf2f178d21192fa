// Package collector wires the ingestion pipeline together from configuration
// and exposes the operations behind each CLI command.
//
// Data flows provider → scheduler → queue → consolidator → store, with the
// coverage tracker fed by the consolidator and read by the backfill planner,
// which in turn hands tasks back to the scheduler.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/benbjohnson/clock"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/backfill"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/config"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/consolidator"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/coverage"
	apperrors "github.com/johnayoung/go-ohlcv-consolidator/internal/errors"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/export"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/metrics"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/models"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/provider"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/queue"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/scheduler"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/storage"
)

// Collector owns every pipeline component for one process.
type Collector struct {
	cfg    *config.AppConfig
	clock  clock.Clock
	logger *slog.Logger

	store        storage.Store
	queue        queue.Queue
	adapters     []provider.Adapter
	scheduler    *scheduler.Scheduler
	tracker      *coverage.Tracker
	consolidator *consolidator.Consolidator
	planner      *backfill.Planner
	exporter     *export.Exporter
	uploader     export.Uploader
	registry     *metrics.Registry
	server       *metrics.Server
	series       []models.SeriesKey
}

type options struct {
	clock      clock.Clock
	logger     *slog.Logger
	store      storage.Store
	queue      queue.Queue
	adapters   []provider.Adapter
	httpClient *http.Client
	uploader   export.Uploader
}

// Option overrides a component Build would otherwise create from config.
type Option func(*options)

func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }
func WithStore(s storage.Store) Option { return func(o *options) { o.store = s } }
func WithQueue(q queue.Queue) Option { return func(o *options) { o.queue = q } }
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }
func WithUploader(u export.Uploader) Option { return func(o *options) { o.uploader = u } }
func WithAdapters(a ...provider.Adapter) Option { return func(o *options) { o.adapters = a } }

// Build constructs the pipeline. Nothing is started and the store schema is
// not touched until Initialize.
func Build(cfg *config.AppConfig, opts ...Option) (*Collector, error) {
	if cfg == nil {
		return nil, apperrors.Configuration("collector", errors.New("configuration is required"))
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	log := o.logger
	component := func(name string) *slog.Logger { return log.With("component", name) }

	c := &Collector{cfg: cfg, clock: o.clock, logger: component("collector"), uploader: o.uploader}

	adapters := o.adapters
	if adapters == nil {
		for _, pc := range cfg.Providers {
			if !pc.Enabled {
				continue
			}
			a, err := provider.New(pc, provider.Options{HTTPClient: o.httpClient, Clock: o.clock, Logger: component("provider")})
			if err != nil {
				return nil, err
			}
			adapters = append(adapters, a)
		}
	}
	if len(adapters) == 0 {
		return nil, apperrors.Configuration("collector", errors.New("no provider is enabled"))
	}
	c.adapters = adapters

	var err error
	c.store = o.store
	if c.store == nil {
		if c.store, err = storage.New(cfg.Storage, cfg.Consolidator.MaxParams, component("storage")); err != nil {
			return nil, apperrors.Configuration("collector", err)
		}
	}
	c.queue = o.queue
	if c.queue == nil {
		if c.queue, err = queue.New(cfg.Queue, o.clock, component("queue")); err != nil {
			c.store.Close()
			return nil, apperrors.Configuration("collector", err)
		}
	}

	c.scheduler, err = scheduler.New(scheduler.ConfigFrom(cfg.Scheduler), adapters, c.queue, o.clock, log)
	if err != nil {
		c.Close()
		return nil, apperrors.Configuration("collector", err)
	}
	if c.series, err = c.registerWorklist(); err != nil {
		c.Close()
		return nil, apperrors.Configuration("collector", err)
	}

	c.tracker = coverage.NewTracker(o.clock, component("coverage"))
	c.consolidator = consolidator.New(consolidator.ConfigFrom(cfg.Consolidator, cfg.Queue),
		c.queue, c.store, c.tracker, component("consolidator"))
	c.planner = backfill.New(backfill.ConfigFrom(cfg.Backfill, c.series),
		c.tracker, c.store, c.scheduler, o.clock, component("backfill"))
	c.exporter = export.New(c.store, o.uploader, cfg.Export, component("export"))

	c.registry = metrics.NewRegistry(o.clock)
	c.registry.Register(c)
	c.server = metrics.NewServer(cfg.Metrics, c.registry, c, component("metrics"))
	return c, nil
}

// registerWorklist registers one unit per (symbol, timeframe, provider) and
// returns the distinct series in worklist order.
func (c *Collector) registerWorklist() ([]models.SeriesKey, error) {
	var series []models.SeriesKey
	for _, item := range c.cfg.Worklist {
		for _, raw := range item.Timeframes {
			tf, err := models.ParseTimeframe(raw)
			if err != nil {
				return nil, fmt.Errorf("worklist %s: %w", item.Symbol, err)
			}
			k := models.SeriesKey{Symbol: item.Symbol, Timeframe: tf}
			if !slices.Contains(series, k) {
				series = append(series, k)
			}
			for _, a := range c.adapters {
				if len(item.Providers) > 0 && !slices.Contains(item.Providers, a.Name()) {
					continue
				}
				u := scheduler.Unit{
					UnitKey: scheduler.UnitKey{Symbol: item.Symbol, Timeframe: tf, Provider: a.Name()},
					Weight:  item.Weight,
				}
				if err := c.scheduler.Register(u); err != nil {
					return nil, err
				}
			}
		}
	}
	return series, nil
}

// Initialize applies the store schema and loads coverage for every series.
func (c *Collector) Initialize(ctx context.Context) error {
	if err := c.store.Initialize(ctx); err != nil {
		return apperrors.Persistence("collector", "initialize", err)
	}
	for _, k := range c.series {
		if err := c.tracker.Reconcile(ctx, c.store, k.Symbol, k.Timeframe); err != nil {
			return apperrors.Persistence("collector", "reconcile", err)
		}
	}
	c.logger.InfoContext(ctx, "collector initialized",
		"providers", len(c.adapters), "series", len(c.series), "storage", c.cfg.Storage.Backend, "queue", c.cfg.Queue.Backend)
	return nil
}

// Series returns the configured (symbol, timeframe) pairs.
func (c *Collector) Series() []models.SeriesKey {
	return slices.Clone(c.series)
}

// Store exposes the underlying store, mainly for tests and maintenance.
func (c *Collector) Store() storage.Store { return c.store }

// Close releases the queue and the store.
func (c *Collector) Close() error {
	var errs []error
	if c.queue != nil {
		errs = append(errs, c.queue.Close())
	}
	if c.store != nil {
		errs = append(errs, c.store.Close())
	}
	return errors.Join(errs...)
}
