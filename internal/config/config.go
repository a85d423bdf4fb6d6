// Package config loads and validates the service configuration.
// Defaults are complete enough to run without a file; a YAML file and
// KLINEVAULT_* environment variables layer on top, in that order.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the service configuration.
type Config struct {
	Cache    CacheConfig    `yaml:"cache"`
	Vision   VisionConfig   `yaml:"vision"`
	REST     RESTConfig     `yaml:"rest"`
	Budget   BudgetConfig   `yaml:"budget"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Log      LogConfig      `yaml:"log"`
	Serve    ServeConfig    `yaml:"serve"`
}

// CacheConfig controls the on-disk kline store.
type CacheConfig struct {
	Dir            string `yaml:"dir"`              // Root directory for cache files
	Enabled        bool   `yaml:"enabled"`          // Read and write the cache at all
	MaxAgeDays     int    `yaml:"max_age_days"`     // Entries older than this are swept
	MinFileSize    int64  `yaml:"min_file_size"`    // Smaller data files are treated as corrupt
	SweepSchedule  string `yaml:"sweep_schedule"`   // Cron spec for the sweep in serve mode
	WriteAfterREST bool   `yaml:"write_after_rest"` // Also persist rows fetched live
}

// VisionConfig controls the public archive client.
type VisionConfig struct {
	BaseURL         string `yaml:"base_url"`          // Archive host
	Concurrency     int    `yaml:"concurrency"`       // Parallel day downloads
	DataDelayHours  int    `yaml:"data_delay_hours"`  // Publication lag of the archive
	RecentGraceDays int    `yaml:"recent_grace_days"` // 404s younger than this are "not yet published"
	TimeoutSecs     int    `yaml:"timeout_secs"`      // Per-object HTTP timeout
}

// RESTConfig controls the live API client.
type RESTConfig struct {
	Concurrency int           `yaml:"concurrency"`  // Parallel chunk fetches
	MaxPages    int           `yaml:"max_pages"`    // Page cap per missing range
	MaxRetries  int           `yaml:"max_retries"`  // Attempts per page
	TimeoutSecs int           `yaml:"timeout_secs"` // Per-request HTTP timeout
	BackoffMS   BackoffConfig `yaml:"backoff_ms"`   // Retry backoff
}

// BackoffConfig represents exponential backoff configuration.
type BackoffConfig struct {
	Base   int  `yaml:"base"`   // Base backoff in milliseconds
	Max    int  `yaml:"max"`    // Maximum backoff in milliseconds
	Jitter bool `yaml:"jitter"` // Enable jitter to prevent thundering herd
}

// BudgetConfig represents request budget management.
type BudgetConfig struct {
	DailyRequests int     `yaml:"daily_requests"` // Max REST requests per UTC day
	WarnThreshold float64 `yaml:"warn_threshold"` // Warn at this fraction of the budget
	ResetHour     int     `yaml:"reset_hour"`     // UTC hour to reset the counter (0-23)
}

// PipelineConfig holds the failover policy knobs.
type PipelineConfig struct {
	ConsolidationDelayHours int    `yaml:"consolidation_delay_hours"` // Age below which bars may still change
	FutureDatePolicy        string `yaml:"future_date_policy"`        // ERROR, TRUNCATE or ALLOW
	HandlePartial           bool   `yaml:"handle_partial"`            // Drop the still-forming bar at the window edge
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Format string `yaml:"format"` // auto, json or console
}

// ServeConfig controls the HTTP API mode.
type ServeConfig struct {
	Addr              string `yaml:"addr"`
	ShutdownGraceSecs int    `yaml:"shutdown_grace_secs"`
}

// Default returns the configuration the service runs with when no file
// is given. The cache lands under the OS user cache directory.
func Default() *Config {
	cacheDir := "klinevault-cache"
	if base, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(base, "klinevault")
	}
	return &Config{
		Cache: CacheConfig{
			Dir:           cacheDir,
			Enabled:       true,
			MaxAgeDays:    30,
			MinFileSize:   1024,
			SweepSchedule: "@every 6h",
		},
		Vision: VisionConfig{
			BaseURL:         "https://data.binance.vision",
			Concurrency:     32,
			DataDelayHours:  36,
			RecentGraceDays: 2,
			TimeoutSecs:     60,
		},
		REST: RESTConfig{
			Concurrency: 8,
			MaxPages:    10,
			MaxRetries:  3,
			TimeoutSecs: 30,
			BackoffMS:   BackoffConfig{Base: 250, Max: 8000, Jitter: true},
		},
		Budget: BudgetConfig{
			DailyRequests: 100000,
			WarnThreshold: 0.8,
			ResetHour:     0,
		},
		Pipeline: PipelineConfig{
			ConsolidationDelayHours: 48,
			FutureDatePolicy:        "TRUNCATE",
			HandlePartial:           true,
		},
		Log:   LogConfig{Level: "info", Format: "auto"},
		Serve: ServeConfig{Addr: ":8080", ShutdownGraceSecs: 10},
	}
}

// Load builds the effective configuration: defaults, then the YAML
// file if path is non-empty, then environment overrides. Unknown YAML
// keys are rejected so typos fail loudly instead of silently running
// on defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv layers KLINEVAULT_* variables over the loaded values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("KLINEVAULT_CACHE_DIR"); v != "" {
		cfg.Cache.Dir = v
	}
	if v := os.Getenv("KLINEVAULT_CACHE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Cache.Enabled = b
		}
	}
	if v := os.Getenv("KLINEVAULT_VISION_BASE_URL"); v != "" {
		cfg.Vision.BaseURL = v
	}
	if v := os.Getenv("KLINEVAULT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("KLINEVAULT_SERVE_ADDR"); v != "" {
		cfg.Serve.Addr = v
	}
}

// Validate ensures the configuration is valid and consistent.
func (c *Config) Validate() error {
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := c.Vision.Validate(); err != nil {
		return fmt.Errorf("vision: %w", err)
	}
	if err := c.REST.Validate(); err != nil {
		return fmt.Errorf("rest: %w", err)
	}
	if err := c.Budget.Validate(); err != nil {
		return fmt.Errorf("budget: %w", err)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if c.Serve.Addr == "" {
		return fmt.Errorf("serve: addr cannot be empty")
	}
	return nil
}

func (c *CacheConfig) Validate() error {
	if c.Enabled && c.Dir == "" {
		return fmt.Errorf("dir cannot be empty while the cache is enabled")
	}
	if c.MaxAgeDays <= 0 {
		return fmt.Errorf("max_age_days must be positive, got %d", c.MaxAgeDays)
	}
	if c.MinFileSize < 0 {
		return fmt.Errorf("min_file_size cannot be negative, got %d", c.MinFileSize)
	}
	return nil
}

func (v *VisionConfig) Validate() error {
	if v.BaseURL == "" {
		return fmt.Errorf("base_url cannot be empty")
	}
	if v.Concurrency <= 0 || v.Concurrency > 128 {
		return fmt.Errorf("concurrency must be between 1 and 128, got %d", v.Concurrency)
	}
	if v.DataDelayHours < 0 {
		return fmt.Errorf("data_delay_hours cannot be negative, got %d", v.DataDelayHours)
	}
	if v.RecentGraceDays < 0 {
		return fmt.Errorf("recent_grace_days cannot be negative, got %d", v.RecentGraceDays)
	}
	if v.TimeoutSecs <= 0 {
		return fmt.Errorf("timeout_secs must be positive, got %d", v.TimeoutSecs)
	}
	return nil
}

func (r *RESTConfig) Validate() error {
	if r.Concurrency <= 0 || r.Concurrency > 64 {
		return fmt.Errorf("concurrency must be between 1 and 64, got %d", r.Concurrency)
	}
	if r.MaxPages <= 0 {
		return fmt.Errorf("max_pages must be positive, got %d", r.MaxPages)
	}
	if r.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive, got %d", r.MaxRetries)
	}
	if r.TimeoutSecs <= 0 {
		return fmt.Errorf("timeout_secs must be positive, got %d", r.TimeoutSecs)
	}
	return r.BackoffMS.Validate()
}

// Validate ensures backoff configuration is valid.
func (b *BackoffConfig) Validate() error {
	if b.Base <= 0 {
		return fmt.Errorf("backoff base must be positive, got %d", b.Base)
	}
	if b.Max <= b.Base {
		return fmt.Errorf("backoff max (%d) must be > base (%d)", b.Max, b.Base)
	}
	return nil
}

func (b *BudgetConfig) Validate() error {
	if b.DailyRequests <= 0 {
		return fmt.Errorf("daily_requests must be positive, got %d", b.DailyRequests)
	}
	if b.WarnThreshold <= 0 || b.WarnThreshold > 1 {
		return fmt.Errorf("warn_threshold must be between 0 and 1, got %f", b.WarnThreshold)
	}
	if b.ResetHour < 0 || b.ResetHour > 23 {
		return fmt.Errorf("reset_hour must be between 0 and 23, got %d", b.ResetHour)
	}
	return nil
}

func (p *PipelineConfig) Validate() error {
	if p.ConsolidationDelayHours <= 0 {
		return fmt.Errorf("consolidation_delay_hours must be positive, got %d", p.ConsolidationDelayHours)
	}
	switch p.FutureDatePolicy {
	case "ERROR", "TRUNCATE", "ALLOW":
	default:
		return fmt.Errorf("future_date_policy must be ERROR, TRUNCATE or ALLOW, got %q", p.FutureDatePolicy)
	}
	return nil
}

func (l *LogConfig) Validate() error {
	switch l.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", l.Level)
	}
	switch l.Format {
	case "auto", "json", "console":
	default:
		return fmt.Errorf("log format must be auto, json or console, got %q", l.Format)
	}
	return nil
}

// GetMaxAge returns the cache retention window as a time.Duration.
func (c *CacheConfig) GetMaxAge() time.Duration {
	return time.Duration(c.MaxAgeDays) * 24 * time.Hour
}

// GetDataDelay returns the archive publication lag as a time.Duration.
func (v *VisionConfig) GetDataDelay() time.Duration {
	return time.Duration(v.DataDelayHours) * time.Hour
}

// GetRecentGrace returns the window in which archive 404s are treated
// as not-yet-published rather than permanently absent.
func (v *VisionConfig) GetRecentGrace() time.Duration {
	return time.Duration(v.RecentGraceDays) * 24 * time.Hour
}

// GetRequestTimeout returns the archive HTTP timeout.
func (v *VisionConfig) GetRequestTimeout() time.Duration {
	return time.Duration(v.TimeoutSecs) * time.Second
}

// GetRequestTimeout returns the REST HTTP timeout.
func (r *RESTConfig) GetRequestTimeout() time.Duration {
	return time.Duration(r.TimeoutSecs) * time.Second
}

// GetBaseBackoff returns the base backoff as a time.Duration.
func (r *RESTConfig) GetBaseBackoff() time.Duration {
	return time.Duration(r.BackoffMS.Base) * time.Millisecond
}

// GetMaxBackoff returns the maximum backoff as a time.Duration.
func (r *RESTConfig) GetMaxBackoff() time.Duration {
	return time.Duration(r.BackoffMS.Max) * time.Millisecond
}

// GetConsolidationDelay returns the age below which a bar may still be
// revised by the exchange.
func (p *PipelineConfig) GetConsolidationDelay() time.Duration {
	return time.Duration(p.ConsolidationDelayHours) * time.Hour
}

// GetShutdownGrace returns how long serve mode waits for in-flight
// requests on shutdown.
func (s *ServeConfig) GetShutdownGrace() time.Duration {
	return time.Duration(s.ShutdownGraceSecs) * time.Second
}
