// Package config loads and validates all runtime configuration for Hermes.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file; a .env file (if present) is loaded
// before either is consulted.
//
// Most runtime behavior is also mutable at runtime through the admin
// settings API (see internal/registry and internal/gateway); the values
// here are only the process's bootstrap defaults for those same keys.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8000.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// Secret is HERMES_SECRET, the admin backdoor secret accepted in place of
	// an admin-scope gateway key.
	Secret string

	// DBPath is the path to the SQLite database file.
	DBPath string

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any origin.
	CORSOrigins []string

	// AppBaseURL is used to construct absolute URLs in admin responses.
	AppBaseURL string

	RateLimit  RateLimitConfig
	Breaker    BreakerConfig
	Dispatcher DispatcherConfig
	Registry   RegistryConfig
	Proxy      ProxyConfig
	Cache      CacheConfig
	ClickHouse ClickHouseConfig
}

// RateLimitConfig controls the default sliding-window rate limiter.
// Persisted `rateLimitMax` / `rateLimitWindow` settings override Max and
// Window at boot; a change to `rateLimitMax` through the admin API is also
// applied live, a change to `rateLimitWindow` only at the next boot.
type RateLimitConfig struct {
	// Max is the maximum number of requests allowed per client key per
	// Window. Default: 60.
	Max int

	// Window is the sliding-window duration of the redis backend.
	// Default: 60s. The memory backend's window is fixed at 12 slots of 5s.
	Window time.Duration

	// Backend selects the limiter implementation: "memory" (default,
	// 12-slot in-process ring) or "redis" (shared across replicas).
	Backend string

	// RedisURL is required when Backend == "redis".
	RedisURL string
}

// BreakerConfig controls the per-provider exponential circuit breaker.
type BreakerConfig struct {
	// InitialPenalty is the penalty duration applied on the first
	// qualifying failure. Default: 30m.
	InitialPenalty time.Duration

	// MaxPenalty caps the doubling schedule. Default: 4h.
	MaxPenalty time.Duration

	// ResyncThreshold is the consecutive-failure count that triggers an
	// on-demand model re-sync for the offending provider. Default: 3.
	ResyncThreshold int
}

// DispatcherConfig controls dispatch/retry behavior.
type DispatcherConfig struct {
	// MaxRetries is the maximum number of candidate providers attempted per
	// request, including the first. Default: 3.
	MaxRetries int

	// ProviderTimeout is the per-attempt upstream HTTP timeout. Default: 120s.
	ProviderTimeout time.Duration
}

// RegistryConfig controls the provider registry's background sync.
type RegistryConfig struct {
	// PeriodicSyncIntervalHours is how often every provider's model list is
	// re-synced. Default: 1.
	PeriodicSyncIntervalHours int

	// SyncConcurrency bounds how many providers are synced at once.
	// Default: 4.
	SyncConcurrency int
}

// ProxyConfig controls the upstream HTTP/2 client pool and outcome
// classification markers.
type ProxyConfig struct {
	// MaxIdleConns / MaxIdleConnsPerHost size the shared transport's
	// connection pool.
	MaxIdleConns        int
	MaxIdleConnsPerHost int

	// ModelMissingMarkers are response-body substrings that classify an
	// upstream 404/400 as ModelMissingFault rather than a generic client
	// error.
	ModelMissingMarkers []string

	// QuotaMarkers are response-body substrings that classify an upstream
	// 4xx as quota-exhausted (a ProviderFault, not a ClientError). A 429 is
	// quota-exhausted whatever its body.
	QuotaMarkers []string
}

// ClickHouseConfig enables the optional analytics mirror of request logs.
// Disabled when Addr is empty.
type ClickHouseConfig struct {
	Addr     []string
	Database string
	Username string
	Password string
}

// Enabled reports whether an analytics cluster is configured.
func (c *ClickHouseConfig) Enabled() bool { return len(c.Addr) > 0 }

// CacheConfig controls the /v1/models snapshot cache.
type CacheConfig struct {
	// ModelsTTL is how long the /v1/models response is cached for, keyed on
	// the registry snapshot hash. Default: 30s.
	ModelsTTL time.Duration
}

// Load reads configuration from environment variables, an optional .env
// file, and an optional config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8000)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_PATH", "hermes.db")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("RATE_LIMIT_MAX", 60)
	v.SetDefault("RATE_LIMIT_WINDOW", "60s")
	v.SetDefault("RATE_LIMIT_BACKEND", "memory")

	v.SetDefault("BREAKER_INITIAL_PENALTY", "30m")
	v.SetDefault("BREAKER_MAX_PENALTY", "4h")
	v.SetDefault("BREAKER_RESYNC_THRESHOLD", 3)

	v.SetDefault("CHAT_MAX_RETRIES", 3)
	v.SetDefault("PROVIDER_TIMEOUT", "120s")

	v.SetDefault("PERIODIC_SYNC_INTERVAL_HOURS", 1)
	v.SetDefault("SYNC_CONCURRENCY", 4)

	v.SetDefault("PROXY_MAX_IDLE_CONNS", 256)
	v.SetDefault("PROXY_MAX_IDLE_CONNS_PER_HOST", 32)
	v.SetDefault("MODEL_MISSING_MARKERS", []string{"model_not_found", "model does not exist", "does not exist", "unknown model"})
	v.SetDefault("QUOTA_MARKERS", []string{"insufficient_quota", "quota", "rate_limit_exceeded"})

	v.SetDefault("MODELS_CACHE_TTL", "30s")

	cfg := &Config{
		Port:        v.GetInt("PORT"),
		LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),
		Secret:      v.GetString("HERMES_SECRET"),
		DBPath:      v.GetString("DB_PATH"),
		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
		AppBaseURL:  v.GetString("APP_BASE_URL"),

		RateLimit: RateLimitConfig{
			Max:      v.GetInt("RATE_LIMIT_MAX"),
			Window:   v.GetDuration("RATE_LIMIT_WINDOW"),
			Backend:  strings.ToLower(v.GetString("RATE_LIMIT_BACKEND")),
			RedisURL: v.GetString("REDIS_URL"),
		},

		Breaker: BreakerConfig{
			InitialPenalty:  v.GetDuration("BREAKER_INITIAL_PENALTY"),
			MaxPenalty:      v.GetDuration("BREAKER_MAX_PENALTY"),
			ResyncThreshold: v.GetInt("BREAKER_RESYNC_THRESHOLD"),
		},

		Dispatcher: DispatcherConfig{
			MaxRetries:      v.GetInt("CHAT_MAX_RETRIES"),
			ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		},

		Registry: RegistryConfig{
			PeriodicSyncIntervalHours: v.GetInt("PERIODIC_SYNC_INTERVAL_HOURS"),
			SyncConcurrency:           v.GetInt("SYNC_CONCURRENCY"),
		},

		Proxy: ProxyConfig{
			MaxIdleConns:        v.GetInt("PROXY_MAX_IDLE_CONNS"),
			MaxIdleConnsPerHost: v.GetInt("PROXY_MAX_IDLE_CONNS_PER_HOST"),
			ModelMissingMarkers: v.GetStringSlice("MODEL_MISSING_MARKERS"),
			QuotaMarkers:        v.GetStringSlice("QUOTA_MARKERS"),
		},

		Cache: CacheConfig{
			ModelsTTL: v.GetDuration("MODELS_CACHE_TTL"),
		},

		ClickHouse: ClickHouseConfig{
			Addr:     v.GetStringSlice("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as
// viper defaults. A non-nil error here maps to exit code 2 (config invalid).
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid PORT %d", c.Port)
	}

	if c.DBPath == "" {
		return errors.New("config: DB_PATH must not be empty")
	}

	if c.RateLimit.Max < 1 {
		return fmt.Errorf("config: RATE_LIMIT_MAX must be >= 1, got %d", c.RateLimit.Max)
	}
	if c.RateLimit.Window <= 0 {
		return errors.New("config: RATE_LIMIT_WINDOW must be a positive duration")
	}
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: invalid RATE_LIMIT_BACKEND %q; must be one of: memory, redis", c.RateLimit.Backend)
	}
	if c.RateLimit.Backend == "redis" && c.RateLimit.RedisURL == "" {
		return errors.New("config: REDIS_URL is required when RATE_LIMIT_BACKEND=redis")
	}

	if c.Breaker.InitialPenalty <= 0 || c.Breaker.MaxPenalty <= 0 {
		return errors.New("config: breaker penalty durations must be positive")
	}
	if c.Breaker.MaxPenalty < c.Breaker.InitialPenalty {
		return errors.New("config: BREAKER_MAX_PENALTY must be >= BREAKER_INITIAL_PENALTY")
	}
	if c.Breaker.ResyncThreshold < 1 {
		return fmt.Errorf("config: BREAKER_RESYNC_THRESHOLD must be >= 1, got %d", c.Breaker.ResyncThreshold)
	}

	if c.Dispatcher.MaxRetries < 1 {
		return fmt.Errorf("config: CHAT_MAX_RETRIES must be >= 1, got %d", c.Dispatcher.MaxRetries)
	}
	if c.Dispatcher.ProviderTimeout <= 0 {
		return errors.New("config: PROVIDER_TIMEOUT must be a positive duration")
	}

	if c.Registry.PeriodicSyncIntervalHours < 1 {
		return fmt.Errorf("config: PERIODIC_SYNC_INTERVAL_HOURS must be >= 1, got %d", c.Registry.PeriodicSyncIntervalHours)
	}
	if c.Registry.SyncConcurrency < 1 {
		return fmt.Errorf("config: SYNC_CONCURRENCY must be >= 1, got %d", c.Registry.SyncConcurrency)
	}

	return nil
}

// CronSpec renders PeriodicSyncIntervalHours as a robfig/cron standard
// expression, e.g. "@every 1h".
func (c *RegistryConfig) CronSpec() string {
	return fmt.Sprintf("@every %dh", c.PeriodicSyncIntervalHours)
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
