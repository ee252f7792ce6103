package config

import "testing"

func TestConfig_ValidateDefaults(t *testing.T) {
	c := &Config{
		Port:     8000,
		LogLevel: "info",
		DBPath:   "hermes.db",
		RateLimit: RateLimitConfig{
			Max:     60,
			Window:  60_000_000_000,
			Backend: "memory",
		},
		Breaker: BreakerConfig{
			InitialPenalty:  30 * 60_000_000_000,
			MaxPenalty:      4 * 60 * 60_000_000_000,
			ResyncThreshold: 3,
		},
		Dispatcher: DispatcherConfig{
			MaxRetries:      3,
			ProviderTimeout: 30_000_000_000,
		},
		Registry: RegistryConfig{
			PeriodicSyncIntervalHours: 1,
			SyncConcurrency:           4,
		},
	}
	if err := c.validate(); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestConfig_ValidateRejectsBadLogLevel(t *testing.T) {
	c := validConfig()
	c.LogLevel = "verbose"
	if err := c.validate(); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestConfig_ValidateRequiresRedisURLWhenBackendRedis(t *testing.T) {
	c := validConfig()
	c.RateLimit.Backend = "redis"
	c.RateLimit.RedisURL = ""
	if err := c.validate(); err == nil {
		t.Fatal("expected error when RATE_LIMIT_BACKEND=redis with no REDIS_URL")
	}
	c.RateLimit.RedisURL = "redis://localhost:6379"
	if err := c.validate(); err != nil {
		t.Fatalf("expected valid config with REDIS_URL set, got: %v", err)
	}
}

func TestConfig_ValidateRejectsInvertedPenaltyBounds(t *testing.T) {
	c := validConfig()
	c.Breaker.MaxPenalty = c.Breaker.InitialPenalty - 1
	if err := c.validate(); err == nil {
		t.Fatal("expected error when MaxPenalty < InitialPenalty")
	}
}

func TestRegistryConfig_CronSpec(t *testing.T) {
	rc := RegistryConfig{PeriodicSyncIntervalHours: 2}
	if got, want := rc.CronSpec(), "@every 2h"; got != want {
		t.Fatalf("CronSpec() = %q, want %q", got, want)
	}
}

func validConfig() *Config {
	return &Config{
		Port:     8000,
		LogLevel: "info",
		DBPath:   "hermes.db",
		RateLimit: RateLimitConfig{
			Max:     60,
			Window:  60_000_000_000,
			Backend: "memory",
		},
		Breaker: BreakerConfig{
			InitialPenalty:  30 * 60_000_000_000,
			MaxPenalty:      4 * 60 * 60_000_000_000,
			ResyncThreshold: 3,
		},
		Dispatcher: DispatcherConfig{
			MaxRetries:      3,
			ProviderTimeout: 30_000_000_000,
		},
		Registry: RegistryConfig{
			PeriodicSyncIntervalHours: 1,
			SyncConcurrency:           4,
		},
	}
}
