// Package config provides configuration loading for the ingestion pipeline.
// Values are layered: built-in defaults, an optional .env file, an optional
// JSON file, then OHLCV_* environment variables. The result is validated as a
// whole and every problem is reported at once.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Duration is a time.Duration that reads and writes JSON as "1m30s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return fmt.Errorf("duration must be a string like \"30s\": %w", err)
		}
		d.Duration = time.Duration(n)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// D is shorthand for building a Duration.
func D(v time.Duration) Duration {
	return Duration{Duration: v}
}

// AppConfig is the complete static configuration consumed at startup.
type AppConfig struct {
	AppName string `json:"app_name"`
	Version string `json:"version"`

	Providers    []ProviderConfig   `json:"providers"`
	Worklist     []WorkItem         `json:"worklist"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Queue        QueueConfig        `json:"queue"`
	Consolidator ConsolidatorConfig `json:"consolidator"`
	Storage      StorageConfig      `json:"storage"`
	Coverage     CoverageConfig     `json:"coverage"`
	Backfill     BackfillConfig     `json:"backfill"`
	Logging      LoggingConfig      `json:"logging"`
	Metrics      MetricsConfig      `json:"metrics"`
	Export       ExportConfig       `json:"export"`
}

// ProviderConfig describes one upstream source and its published limits.
type ProviderConfig struct {
	Name               string            `json:"name"`
	Enabled            bool              `json:"enabled"`
	BaseURL            string            `json:"base_url"`
	APIKey             string            `json:"api_key"`
	RateLimitPerMinute int               `json:"rate_limit_per_minute"`
	MaxCandlesPerCall  int               `json:"max_candles_per_call"`
	MaxLookbackDays    int               `json:"max_lookback_days"`
	SymbolMap          map[string]string `json:"symbol_map,omitempty"`
}

// WorkItem is one entry of the symbol × timeframe worklist.
type WorkItem struct {
	Symbol     string   `json:"symbol"`
	Timeframes []string `json:"timeframes"`
	Weight     int      `json:"weight"`
	// Providers restricts the item to the named providers. Empty means all.
	Providers []string `json:"providers,omitempty"`
}

// SchedulerConfig controls pacing, retries and the live refresh loop.
type SchedulerConfig struct {
	RateFraction         float64  `json:"rate_fraction"`
	SafetyDerate         float64  `json:"safety_derate"`
	MaxTransientAttempts int      `json:"max_transient_attempts"`
	BackoffInitial       Duration `json:"backoff_initial"`
	BackoffMax           Duration `json:"backoff_max"`
	FetchTimeout         Duration `json:"fetch_timeout"`
	LiveInterval         Duration `json:"live_interval"`
	HistoryDays          int      `json:"history_days"`
	MessageSize          int      `json:"message_size"`
	Tick                 Duration `json:"tick"`
	// EmptyTTL bounds how long the backfill planner skips a range a
	// provider answered with no candles.
	EmptyTTL Duration `json:"empty_ttl"`
}

// QueueConfig selects and tunes the ingestion queue backend.
type QueueConfig struct {
	Backend           string      `json:"backend"` // "memory" or "kafka"
	VisibilityTimeout Duration    `json:"visibility_timeout"`
	MaxRetries        int         `json:"max_retries"`
	PollInterval      Duration    `json:"poll_interval"`
	Kafka             KafkaConfig `json:"kafka"`
}

// KafkaConfig configures the Kafka queue backend.
type KafkaConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
	GroupID string   `json:"group_id"`
}

// ConsolidatorConfig controls batch draining and write chunking.
type ConsolidatorConfig struct {
	BatchSize         int     `json:"batch_size"`
	MaxConcurrency    int     `json:"max_concurrency"`
	MaxParams         int     `json:"max_params"`
	ConflictThreshold float64 `json:"conflict_threshold"`
}

// StorageConfig selects the time-series store.
type StorageConfig struct {
	Backend string `json:"backend"` // "duckdb", "postgres" or "memory"
	Path    string `json:"path"`
	DSN     string `json:"dsn"`
}

// CoverageConfig controls range compaction.
type CoverageConfig struct {
	CompactionInterval Duration `json:"compaction_interval"`
}

// BackfillConfig controls the gap planner.
type BackfillConfig struct {
	Enabled          bool     `json:"enabled"`
	Interval         Duration `json:"interval"`
	LookbackDays     int      `json:"lookback_days"`
	Strategy         string   `json:"strategy"` // "most_recent" or "largest"
	MaxTasksPerCycle int      `json:"max_tasks_per_cycle"`
}

// LoggingConfig configures the slog handler and its output sink.
type LoggingConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"`
	Output     string `json:"output"` // "stdout", "stderr" or a file path
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// MetricsConfig configures the health and metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// ExportConfig configures the Parquet archive upload target.
type ExportConfig struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Secure    bool   `json:"secure"`
	Prefix    string `json:"prefix"`
}

// Manager loads and validates configuration.
type Manager struct {
	configPath string
	envFiles   []string
	logger     *slog.Logger
	config     *AppConfig
}

// NewManager creates a configuration manager. configPath may be empty.
func NewManager(configPath string, logger *slog.Logger, envFiles ...string) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{configPath: configPath, envFiles: envFiles, logger: logger}
}

// Load builds the configuration from every layer and validates it.
func (m *Manager) Load(ctx context.Context) (*AppConfig, error) {
	if err := m.loadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := DefaultConfig()
	if path := m.resolvePath(); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	m.config = cfg
	m.logger.InfoContext(ctx, "configuration loaded",
		"config_path", m.resolvePath(),
		"providers", len(cfg.EnabledProviders()),
		"worklist", len(cfg.Worklist),
		"storage", cfg.Storage.Backend,
		"queue", cfg.Queue.Backend)
	return cfg, nil
}

// Config returns the last loaded configuration.
func (m *Manager) Config() *AppConfig {
	return m.config
}

func (m *Manager) resolvePath() string {
	if m.configPath != "" {
		return m.configPath
	}
	return os.Getenv("OHLCV_CONFIG_PATH")
}

func (m *Manager) loadDotEnv() error {
	files := m.envFiles
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

func loadFromFile(path string, cfg *AppConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func loadFromEnv(cfg *AppConfig) error {
	var errs []error

	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setFloat := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	setDuration := func(key string, dst *Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			dst.Duration = parsed
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	setFloat("OHLCV_RATE_FRACTION", &cfg.Scheduler.RateFraction)
	setFloat("OHLCV_SAFETY_DERATE", &cfg.Scheduler.SafetyDerate)
	setInt("OHLCV_MAX_TRANSIENT_ATTEMPTS", &cfg.Scheduler.MaxTransientAttempts)
	setDuration("OHLCV_FETCH_TIMEOUT", &cfg.Scheduler.FetchTimeout)
	setInt("OHLCV_HISTORY_DAYS", &cfg.Scheduler.HistoryDays)
	setInt("OHLCV_MESSAGE_SIZE", &cfg.Scheduler.MessageSize)

	setString("OHLCV_QUEUE_BACKEND", &cfg.Queue.Backend)
	setDuration("OHLCV_VISIBILITY_TIMEOUT", &cfg.Queue.VisibilityTimeout)
	setInt("OHLCV_MAX_RETRIES", &cfg.Queue.MaxRetries)
	if v := os.Getenv("OHLCV_KAFKA_BROKERS"); v != "" {
		cfg.Queue.Kafka.Brokers = strings.Split(v, ",")
	}
	setString("OHLCV_KAFKA_TOPIC", &cfg.Queue.Kafka.Topic)
	setString("OHLCV_KAFKA_GROUP_ID", &cfg.Queue.Kafka.GroupID)

	setInt("OHLCV_BATCH_SIZE", &cfg.Consolidator.BatchSize)
	setInt("OHLCV_MAX_CONCURRENCY", &cfg.Consolidator.MaxConcurrency)
	setInt("OHLCV_MAX_PARAMS", &cfg.Consolidator.MaxParams)
	setFloat("OHLCV_CONFLICT_THRESHOLD", &cfg.Consolidator.ConflictThreshold)

	setString("OHLCV_STORAGE_BACKEND", &cfg.Storage.Backend)
	setString("OHLCV_STORAGE_PATH", &cfg.Storage.Path)
	setString("OHLCV_DATABASE_URL", &cfg.Storage.DSN)

	setBool("OHLCV_BACKFILL_ENABLED", &cfg.Backfill.Enabled)
	setString("OHLCV_BACKFILL_STRATEGY", &cfg.Backfill.Strategy)

	setString("OHLCV_LOG_LEVEL", &cfg.Logging.Level)
	setString("OHLCV_LOG_FORMAT", &cfg.Logging.Format)
	setString("OHLCV_LOG_OUTPUT", &cfg.Logging.Output)

	setBool("OHLCV_METRICS_ENABLED", &cfg.Metrics.Enabled)
	setString("OHLCV_METRICS_ADDRESS", &cfg.Metrics.Address)

	setString("OHLCV_EXPORT_ENDPOINT", &cfg.Export.Endpoint)
	setString("OHLCV_EXPORT_BUCKET", &cfg.Export.Bucket)
	setString("OHLCV_EXPORT_ACCESS_KEY", &cfg.Export.AccessKey)
	setString("OHLCV_EXPORT_SECRET_KEY", &cfg.Export.SecretKey)

	// Per-provider credentials: OHLCV_<NAME>_API_KEY, OHLCV_<NAME>_BASE_URL.
	for i := range cfg.Providers {
		prefix := "OHLCV_" + strings.ToUpper(cfg.Providers[i].Name) + "_"
		setString(prefix+"API_KEY", &cfg.Providers[i].APIKey)
		setString(prefix+"BASE_URL", &cfg.Providers[i].BaseURL)
		setInt(prefix+"RATE_LIMIT", &cfg.Providers[i].RateLimitPerMinute)
		setBool(prefix+"ENABLED", &cfg.Providers[i].Enabled)
	}

	return errors.Join(errs...)
}

// Validate checks the whole configuration and reports every problem found.
func Validate(cfg *AppConfig) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	names := map[string]bool{}
	for i, p := range cfg.Providers {
		if p.Name == "" {
			add("providers[%d].name is required", i)
			continue
		}
		if names[p.Name] {
			add("providers[%d].name %q is duplicated", i, p.Name)
		}
		names[p.Name] = true
		if !p.Enabled {
			continue
		}
		if p.RateLimitPerMinute <= 0 {
			add("providers[%s].rate_limit_per_minute must be greater than 0", p.Name)
		}
		if p.MaxCandlesPerCall <= 0 {
			add("providers[%s].max_candles_per_call must be greater than 0", p.Name)
		}
		if p.MaxLookbackDays <= 0 {
			add("providers[%s].max_lookback_days must be greater than 0", p.Name)
		}
	}
	if len(cfg.EnabledProviders()) == 0 {
		add("at least one provider must be enabled")
	}

	for i, w := range cfg.Worklist {
		if w.Symbol == "" {
			add("worklist[%d].symbol is required", i)
		}
		if len(w.Timeframes) == 0 {
			add("worklist[%d].timeframes must not be empty", i)
		}
		for _, tf := range w.Timeframes {
			if !validTimeframes[tf] {
				add("worklist[%d] has unsupported timeframe %q", i, tf)
			}
		}
		if w.Weight < 0 {
			add("worklist[%d].weight must not be negative", i)
		}
		for _, p := range w.Providers {
			if !names[p] {
				add("worklist[%d] references unknown provider %q", i, p)
			}
		}
	}

	s := cfg.Scheduler
	if s.RateFraction <= 0 || s.RateFraction > 1 {
		add("scheduler.rate_fraction must be in (0, 1]")
	}
	if s.SafetyDerate < 0 || s.SafetyDerate > 1 {
		add("scheduler.safety_derate must be in [0, 1]")
	}
	if s.MaxTransientAttempts <= 0 {
		add("scheduler.max_transient_attempts must be greater than 0")
	}
	if s.FetchTimeout.Duration <= 0 {
		add("scheduler.fetch_timeout must be positive")
	}
	if s.BackoffInitial.Duration <= 0 || s.BackoffMax.Duration < s.BackoffInitial.Duration {
		add("scheduler.backoff_initial must be positive and not above backoff_max")
	}
	if s.MessageSize <= 0 {
		add("scheduler.message_size must be greater than 0")
	}
	if s.Tick.Duration <= 0 {
		add("scheduler.tick must be positive")
	}
	if s.EmptyTTL.Duration < 0 {
		add("scheduler.empty_ttl must not be negative")
	}

	q := cfg.Queue
	switch q.Backend {
	case "memory":
	case "kafka":
		if len(q.Kafka.Brokers) == 0 || q.Kafka.Topic == "" || q.Kafka.GroupID == "" {
			add("queue.kafka requires brokers, topic and group_id")
		}
	default:
		add("queue.backend must be one of: memory, kafka")
	}
	if q.VisibilityTimeout.Duration <= 0 {
		add("queue.visibility_timeout must be positive")
	}
	if q.MaxRetries < 0 {
		add("queue.max_retries must not be negative")
	}
	if q.PollInterval.Duration <= 0 {
		add("queue.poll_interval must be positive")
	}

	c := cfg.Consolidator
	if c.BatchSize <= 0 {
		add("consolidator.batch_size must be greater than 0")
	}
	if c.MaxConcurrency <= 0 {
		add("consolidator.max_concurrency must be greater than 0")
	}
	if c.MaxParams <= 0 {
		add("consolidator.max_params must be greater than 0")
	}
	if c.ConflictThreshold <= 0 {
		add("consolidator.conflict_threshold must be positive")
	}

	switch cfg.Storage.Backend {
	case "duckdb":
		if cfg.Storage.Path == "" {
			add("storage.path is required for duckdb")
		}
	case "postgres":
		if cfg.Storage.DSN == "" {
			add("storage.dsn is required for postgres")
		}
	case "memory":
	default:
		add("storage.backend must be one of: duckdb, postgres, memory")
	}

	if cfg.Coverage.CompactionInterval.Duration <= 0 {
		add("coverage.compaction_interval must be positive")
	}

	b := cfg.Backfill
	if b.Enabled {
		if b.Interval.Duration <= 0 {
			add("backfill.interval must be positive")
		}
		if b.LookbackDays <= 0 {
			add("backfill.lookback_days must be greater than 0")
		}
		if b.MaxTasksPerCycle <= 0 {
			add("backfill.max_tasks_per_cycle must be greater than 0")
		}
	}
	if b.Strategy != "most_recent" && b.Strategy != "largest" {
		add("backfill.strategy must be one of: most_recent, largest")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		add("logging.level must be one of: debug, info, warn, error")
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "text" {
		add("logging.format must be one of: json, text")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Address == "" {
		add("metrics.address is required when metrics are enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(problems, "\n- "))
	}
	return nil
}

var validTimeframes = map[string]bool{"1m": true, "5m": true, "15m": true, "1h": true, "4h": true, "1d": true}

// EnabledProviders returns the providers switched on in configuration.
func (c *AppConfig) EnabledProviders() []ProviderConfig {
	var out []ProviderConfig
	for _, p := range c.Providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// Provider looks up a provider by name.
func (c *AppConfig) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// String renders the configuration as JSON with secrets redacted.
func (c *AppConfig) String() string {
	sanitized := *c
	sanitized.Providers = make([]ProviderConfig, len(c.Providers))
	for i, p := range c.Providers {
		if p.APIKey != "" {
			p.APIKey = "[REDACTED]"
		}
		sanitized.Providers[i] = p
	}
	if sanitized.Storage.DSN != "" {
		sanitized.Storage.DSN = "[REDACTED]"
	}
	if sanitized.Export.SecretKey != "" {
		sanitized.Export.SecretKey = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}

// DefaultConfig returns a runnable configuration: the three bundled providers,
// a small BTC/ETH worklist, an in-process queue and a DuckDB file store.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "ohlcv-consolidator",
		Version: "1.0.0",
		Providers: []ProviderConfig{
			{
				Name:               "coinbase",
				Enabled:            true,
				BaseURL:            "https://api.exchange.coinbase.com",
				RateLimitPerMinute: 600,
				MaxCandlesPerCall:  300,
				MaxLookbackDays:    3650,
			},
			{
				Name:               "binance",
				Enabled:            true,
				BaseURL:            "https://api.binance.com",
				RateLimitPerMinute: 1200,
				MaxCandlesPerCall:  1000,
				MaxLookbackDays:    3650,
				SymbolMap:          map[string]string{"BTC-USD": "BTCUSDT", "ETH-USD": "ETHUSDT"},
			},
			{
				Name:               "polygon",
				Enabled:            false,
				RateLimitPerMinute: 5,
				MaxCandlesPerCall:  5000,
				MaxLookbackDays:    730,
			},
		},
		Worklist: []WorkItem{
			{Symbol: "BTC-USD", Timeframes: []string{"1h", "1d"}, Weight: 1},
			{Symbol: "ETH-USD", Timeframes: []string{"1h", "1d"}, Weight: 1},
		},
		Scheduler: SchedulerConfig{
			RateFraction:         0.75,
			SafetyDerate:         0,
			MaxTransientAttempts: 5,
			BackoffInitial:       D(500 * time.Millisecond),
			BackoffMax:           D(30 * time.Second),
			FetchTimeout:         D(30 * time.Second),
			HistoryDays:          30,
			MessageSize:          10,
			Tick:                 D(250 * time.Millisecond),
			EmptyTTL:             D(24 * time.Hour),
		},
		Queue: QueueConfig{
			Backend:           "memory",
			VisibilityTimeout: D(30 * time.Second),
			MaxRetries:        5,
			PollInterval:      D(time.Second),
			Kafka: KafkaConfig{
				Topic:   "ohlcv-observations",
				GroupID: "ohlcv-consolidator",
			},
		},
		Consolidator: ConsolidatorConfig{
			BatchSize:         100,
			MaxConcurrency:    5,
			MaxParams:         1000,
			ConflictThreshold: 0.01,
		},
		Storage: StorageConfig{
			Backend: "duckdb",
			Path:    "./data/ohlcv.duckdb",
		},
		Coverage: CoverageConfig{
			CompactionInterval: D(5 * time.Minute),
		},
		Backfill: BackfillConfig{
			Enabled:          true,
			Interval:         D(15 * time.Minute),
			LookbackDays:     30,
			Strategy:         "most_recent",
			MaxTasksPerCycle: 50,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
		},
		Export: ExportConfig{
			Secure: true,
			Prefix: "ohlcv",
		},
	}
}
