// Package config loads engine configuration in three layers: built-in
// defaults, then an optional JSON file, then environment variables. A single
// validation pass at the end reports every problem at once instead of failing
// on the first one.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/quantfold/candlesync/internal/models"
	"github.com/quantfold/candlesync/internal/storage"
)

// Duration is a time.Duration that unmarshals from JSON strings like "300ms"
// or "26h" as well as from bare nanosecond numbers.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var ns int64
	if err := json.Unmarshal(data, &ns); err != nil {
		return fmt.Errorf("duration must be a string or a number: %s", data)
	}
	*d = Duration(ns)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration.
type Config struct {
	Exchange ExchangeConfig `json:"exchange"`
	Storage  StorageConfig  `json:"storage"`
	Ingest   IngestConfig   `json:"ingest"`
	Logging  LoggingConfig  `json:"logging"`
}

// ExchangeConfig selects and tunes the upstream exchange client.
type ExchangeConfig struct {
	Type    string `json:"type"`     // "binance" or "mock"
	BaseURL string `json:"base_url"` // optional endpoint override
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Type string `json:"type"` // "memory", "postgres" or "duckdb"
	DSN  string `json:"dsn"`  // postgres connection string
	Path string `json:"path"` // duckdb database file; empty = in-memory
}

// RetentionConfig bounds stored history for one timeframe.
type RetentionConfig struct {
	MaxRows int      `json:"max_rows"`
	MaxAge  Duration `json:"max_age"`
}

// IngestConfig drives the coordinator and its workers.
type IngestConfig struct {
	Symbols           []string `json:"symbols"`
	Timeframes        []string `json:"timeframes"`
	MaxConcurrency    int      `json:"max_concurrency"`
	RequestsPerSecond float64  `json:"requests_per_second"`
	BatchSize         int      `json:"batch_size"`
	MaxRetries        int      `json:"max_retries"`
	BackoffBase       Duration `json:"backoff_base"`
	LookbackWindow    Duration `json:"lookback_window"`
	TailInterval      Duration `json:"tail_interval"`

	// Retention maps a timeframe to its trim policy.
	Retention map[string]RetentionConfig `json:"retention"`

	// Derived maps a base timeframe to the timeframes aggregated from it,
	// e.g. {"1m": ["3m", "5m"]}.
	Derived map[string][]string `json:"derived"`
}

// LoggingConfig shapes the root slog handler.
type LoggingConfig struct {
	Level      string `json:"level"`  // debug, info, warn, error
	Format     string `json:"format"` // text or json
	Output     string `json:"output"` // stdout, stderr or file
	File       string `json:"file"`   // path when output is "file"
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			Type: "binance",
		},
		Storage: StorageConfig{
			Type: "memory",
		},
		Ingest: IngestConfig{
			Symbols:           []string{"BTC/USDT"},
			Timeframes:        []string{"1m"},
			MaxConcurrency:    10,
			RequestsPerSecond: 20,
			BatchSize:         1000,
			MaxRetries:        3,
			BackoffBase:       Duration(300 * time.Millisecond),
			LookbackWindow:    Duration(24 * time.Hour),
			Derived:           map[string][]string{"1m": {"3m", "5m"}},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

// Load builds the configuration from defaults, the optional JSON file at
// path, and environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from CANDLESYNC_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("CANDLESYNC_EXCHANGE_TYPE"); v != "" {
		c.Exchange.Type = v
	}
	if v := os.Getenv("CANDLESYNC_EXCHANGE_BASE_URL"); v != "" {
		c.Exchange.BaseURL = v
	}
	if v := os.Getenv("CANDLESYNC_STORAGE_TYPE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("CANDLESYNC_STORAGE_DSN"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("CANDLESYNC_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("CANDLESYNC_SYMBOLS"); v != "" {
		c.Ingest.Symbols = splitList(v)
	}
	if v := os.Getenv("CANDLESYNC_TIMEFRAMES"); v != "" {
		c.Ingest.Timeframes = splitList(v)
	}
	if v := os.Getenv("CANDLESYNC_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Ingest.MaxConcurrency = n
		}
	}
	if v := os.Getenv("CANDLESYNC_REQUESTS_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Ingest.RequestsPerSecond = f
		}
	}
	if v := os.Getenv("CANDLESYNC_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Ingest.BatchSize = n
		}
	}
	if v := os.Getenv("CANDLESYNC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CANDLESYNC_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

// Validate checks the whole configuration and reports every problem found.
func (c *Config) Validate() error {
	var problems []string

	switch c.Exchange.Type {
	case "binance", "mock":
	default:
		problems = append(problems, fmt.Sprintf("exchange.type must be binance or mock, got %q", c.Exchange.Type))
	}

	switch c.Storage.Type {
	case "memory", "duckdb":
	case "postgres":
		if c.Storage.DSN == "" {
			problems = append(problems, "storage.dsn is required for postgres storage")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.type must be memory, postgres or duckdb, got %q", c.Storage.Type))
	}

	if len(c.Ingest.Symbols) == 0 {
		problems = append(problems, "ingest.symbols cannot be empty")
	}
	if len(c.Ingest.Timeframes) == 0 {
		problems = append(problems, "ingest.timeframes cannot be empty")
	}
	for _, tf := range c.Ingest.Timeframes {
		if !models.Timeframe(tf).Valid() {
			problems = append(problems, fmt.Sprintf("ingest.timeframes contains invalid timeframe %q", tf))
		}
	}
	if c.Ingest.MaxConcurrency <= 0 {
		problems = append(problems, "ingest.max_concurrency must be positive")
	}
	if c.Ingest.RequestsPerSecond <= 0 {
		problems = append(problems, "ingest.requests_per_second must be positive")
	}
	if c.Ingest.BatchSize <= 0 {
		problems = append(problems, "ingest.batch_size must be positive")
	}
	if c.Ingest.MaxRetries < 0 {
		problems = append(problems, "ingest.max_retries cannot be negative")
	}
	if c.Ingest.BackoffBase.Std() <= 0 {
		problems = append(problems, "ingest.backoff_base must be positive")
	}
	if c.Ingest.LookbackWindow.Std() <= 0 {
		problems = append(problems, "ingest.lookback_window must be positive")
	}

	for tf := range c.Ingest.Retention {
		if !models.Timeframe(tf).Valid() {
			problems = append(problems, fmt.Sprintf("ingest.retention has invalid timeframe key %q", tf))
		}
	}
	for base, derived := range c.Ingest.Derived {
		if !models.Timeframe(base).Valid() {
			problems = append(problems, fmt.Sprintf("ingest.derived has invalid base timeframe %q", base))
			continue
		}
		baseCadence, _ := models.Timeframe(base).Cadence()
		for _, tf := range derived {
			cadence, err := models.Timeframe(tf).Cadence()
			if err != nil {
				problems = append(problems, fmt.Sprintf("ingest.derived[%s] has invalid timeframe %q", base, tf))
				continue
			}
			if cadence <= baseCadence || cadence%baseCadence != 0 {
				problems = append(problems, fmt.Sprintf("ingest.derived[%s] timeframe %q is not a multiple of the base cadence", base, tf))
			}
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	switch c.Logging.Output {
	case "stdout", "stderr":
	case "file":
		if c.Logging.File == "" {
			problems = append(problems, "logging.file is required when logging.output is file")
		}
	default:
		problems = append(problems, fmt.Sprintf("logging.output must be stdout, stderr or file, got %q", c.Logging.Output))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// Timeframes returns the configured timeframes as typed values.
func (c *Config) Timeframes() []models.Timeframe {
	out := make([]models.Timeframe, len(c.Ingest.Timeframes))
	for i, tf := range c.Ingest.Timeframes {
		out[i] = models.Timeframe(tf)
	}
	return out
}

// RetentionPolicies converts the retention section into storage policies.
func (c *Config) RetentionPolicies() map[models.Timeframe]storage.RetentionPolicy {
	out := make(map[models.Timeframe]storage.RetentionPolicy, len(c.Ingest.Retention))
	for tf, rc := range c.Ingest.Retention {
		out[models.Timeframe(tf)] = storage.RetentionPolicy{
			MaxRows: rc.MaxRows,
			MaxAge:  rc.MaxAge.Std(),
		}
	}
	return out
}

// DerivedTimeframes converts the derived section into typed values.
func (c *Config) DerivedTimeframes() map[models.Timeframe][]models.Timeframe {
	out := make(map[models.Timeframe][]models.Timeframe, len(c.Ingest.Derived))
	for base, derived := range c.Ingest.Derived {
		tfs := make([]models.Timeframe, len(derived))
		for i, tf := range derived {
			tfs[i] = models.Timeframe(tf)
		}
		out[models.Timeframe(base)] = tfs
	}
	return out
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
