package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hermesproj/hermes/internal/breaker"
	"github.com/hermesproj/hermes/internal/clock"
	"github.com/hermesproj/hermes/internal/dispatcher"
	"github.com/hermesproj/hermes/internal/gateway"
	"github.com/hermesproj/hermes/internal/logsink"
	"github.com/hermesproj/hermes/internal/metrics"
	"github.com/hermesproj/hermes/internal/normalize"
	"github.com/hermesproj/hermes/internal/proxy"
	"github.com/hermesproj/hermes/internal/ratelimit"
	"github.com/hermesproj/hermes/internal/registry"
	"github.com/hermesproj/hermes/internal/scorer"
	"github.com/hermesproj/hermes/internal/store"
)

// initStore opens the WAL-mode SQLite store and applies migrations.
func (a *App) initStore(_ context.Context) error {
	db, err := store.Open(store.DefaultConfig(a.cfg.DBPath), a.log)
	if err != nil {
		return err
	}
	a.db = db
	return nil
}

// initServices builds everything between the store and the registry: the
// async log sink (with its optional ClickHouse mirror), the Prometheus
// registry, the rate limiter, and the volatile scorer/breaker state.
func (a *App) initServices(ctx context.Context) error {
	sink, err := logsink.New(a.db, a.log)
	if err != nil {
		return err
	}
	a.sink = sink

	if a.cfg.ClickHouse.Enabled() {
		ch, err := logsink.NewClickHouseSink(ctx, logsink.ClickHouseConfig{
			Addr:     a.cfg.ClickHouse.Addr,
			Database: a.cfg.ClickHouse.Database,
			Username: a.cfg.ClickHouse.Username,
			Password: a.cfg.ClickHouse.Password,
		})
		if err != nil {
			// Analytics are best-effort; the primary store keeps working.
			a.log.Warn("clickhouse unavailable, analytics mirror disabled",
				slog.String("error", err.Error()))
		} else {
			sink.SetAnalytics(ch)
			a.log.Info("clickhouse analytics mirror enabled")
		}
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)
	sink.SetDropHook(a.prom.RecordLogsinkDropped)

	// Persisted settings override the boot-time config defaults.
	a.loadSettings(ctx)

	switch a.cfg.RateLimit.Backend {
	case "redis":
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.RateLimit.RedisURL)))
		rdb, err := connectRedis(ctx, a.cfg.RateLimit.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.limiter = ratelimit.NewRedisLimiter(rdb, a.cfg.RateLimit.Max, a.cfg.RateLimit.Window)
		a.log.Info("rate limiter: redis", slog.Int("limit", a.cfg.RateLimit.Max))
	default:
		a.limiter = ratelimit.NewMemoryLimiter(a.cfg.RateLimit.Max)
		a.log.Info("rate limiter: memory", slog.Int("limit", a.cfg.RateLimit.Max))
	}

	clk := clock.Real()
	a.norm = normalize.New(nil)
	a.sc = scorer.New(clk)

	// The breaker's resync hook fires before the registry exists; the
	// closure resolves it at call time.
	a.br = breaker.New(clk, breaker.Config{
		InitialPenalty:  a.cfg.Breaker.InitialPenalty,
		MaxPenalty:      a.cfg.Breaker.MaxPenalty,
		ResyncThreshold: a.cfg.Breaker.ResyncThreshold,
	}, func(providerID string) {
		if a.reg == nil {
			return
		}
		go func() {
			if err := a.reg.SyncProvider(a.baseCtx, providerID); err != nil {
				a.log.Warn("breaker-triggered resync failed",
					slog.String("provider", providerID),
					slog.String("error", err.Error()),
				)
			}
		}()
	})

	return nil
}

// initRegistry loads the provider catalog and wires volatile-state GC.
func (a *App) initRegistry(_ context.Context) error {
	reg, err := registry.New(a.db, a.norm, a.sink, clock.Real(), registry.Config{
		SyncConcurrency:  a.cfg.Registry.SyncConcurrency,
		PeriodicInterval: time.Duration(a.cfg.Registry.PeriodicSyncIntervalHours) * time.Hour,
	}, a.log)
	if err != nil {
		return err
	}
	reg.OnForget(a.sc.Forget)
	reg.OnForget(a.br.Forget)
	reg.SetSyncHook(func(_, result string) {
		a.prom.RecordModelSync(result)
	})
	a.reg = reg
	return nil
}

// initGateway wires the upstream client, the dispatcher, and the HTTP
// surface.
func (a *App) initGateway(_ context.Context) error {
	px, err := proxy.New(proxy.Config{
		MaxIdleConns:        a.cfg.Proxy.MaxIdleConns,
		MaxIdleConnsPerHost: a.cfg.Proxy.MaxIdleConnsPerHost,
		RequestTimeout:      a.cfg.Dispatcher.ProviderTimeout,
		ModelMissingMarkers: a.cfg.Proxy.ModelMissingMarkers,
		QuotaMarkers:        a.cfg.Proxy.QuotaMarkers,
	}, a.log)
	if err != nil {
		return err
	}
	a.px = px

	a.disp = dispatcher.New(a.reg, a.sc, a.br, px, a.prom, a.log, dispatcher.Config{
		MaxRetries: a.cfg.Dispatcher.MaxRetries,
	})

	// Background self-heal prober: recovers cooling-down providers without
	// waiting for organic traffic.
	a.health = proxy.NewHealthChecker(a.baseCtx, px, func() []proxy.Upstream {
		snap := a.reg.Snapshot()
		ups := make([]proxy.Upstream, 0, len(snap.Providers))
		for _, p := range snap.Providers {
			if p.Status != store.ProviderActive {
				continue
			}
			ups = append(ups, proxy.Upstream{ID: p.ID, BaseURL: p.BaseURL, Credential: p.Credential})
		}
		return ups
	}, a.br, a.prom)

	a.gw = gateway.New(a.baseCtx, a.db, a.reg, a.disp, a.br, a.sc, a.norm, a.limiter, a.sink, gateway.Options{
		Logger:         a.log,
		AdminSecret:    a.cfg.Secret,
		ModelsCacheTTL: a.cfg.Cache.ModelsTTL,
		CORSOrigins:    a.cfg.CORSOrigins,
		Metrics:        a.prom,
		BreakerConfig: breaker.Config{
			InitialPenalty:  a.cfg.Breaker.InitialPenalty,
			MaxPenalty:      a.cfg.Breaker.MaxPenalty,
			ResyncThreshold: a.cfg.Breaker.ResyncThreshold,
		},
	})

	return nil
}

// loadSettings folds persisted admin settings over the config defaults, so
// a value changed through the API survives restarts.
func (a *App) loadSettings(ctx context.Context) {
	get := func(key string) (string, bool) {
		v, err := a.db.GetSetting(ctx, key)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				a.log.Warn("read setting failed", slog.String("key", key), slog.String("error", err.Error()))
			}
			return "", false
		}
		return v, true
	}

	if v, ok := get(store.SettingChatMaxRetries); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			a.cfg.Dispatcher.MaxRetries = n
		}
	}
	if v, ok := get(store.SettingRateLimitMax); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			a.cfg.RateLimit.Max = n
		}
	}
	if v, ok := get(store.SettingRateLimitWindow); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			a.cfg.RateLimit.Window = time.Duration(n) * time.Second
		}
	}
	if v, ok := get(store.SettingPeriodicSyncIntervalHours); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			a.cfg.Registry.PeriodicSyncIntervalHours = n
		}
	}
	if v, ok := get(store.SettingBreakerInitialPenaltyMs); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms >= 1 {
			a.cfg.Breaker.InitialPenalty = time.Duration(ms) * time.Millisecond
		}
	}
	if v, ok := get(store.SettingBreakerMaxPenaltyMs); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms >= 1 {
			a.cfg.Breaker.MaxPenalty = time.Duration(ms) * time.Millisecond
		}
	}
	if v, ok := get(store.SettingBreakerResyncThreshold); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			a.cfg.Breaker.ResyncThreshold = n
		}
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
