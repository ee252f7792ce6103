// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStore    — the durable SQLite store (WAL, migrations)
//  2. initServices — log sink, metrics, limiter, scorer, breaker
//  3. initRegistry — provider catalog + model sync workers
//  4. initGateway  — proxy client, dispatcher, HTTP surface
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/hermesproj/hermes/internal/breaker"
	"github.com/hermesproj/hermes/internal/config"
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

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	db   *store.Store
	sink *logsink.Sink
	prom *metrics.Registry

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	limiter ratelimit.Limiter
	norm    *normalize.Normalizer
	sc      *scorer.Scorer
	br      *breaker.Breaker
	reg     *registry.Registry
	px      *proxy.Client
	health  *proxy.HealthChecker
	disp    *dispatcher.Dispatcher
	gw      *gateway.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", a.initStore},
		{"services", a.initServices},
		{"registry", a.initRegistry},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and the periodic model sync, blocking until
// ctx is cancelled or an error occurs. It closes the app gracefully when
// returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting hermes",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("db", a.cfg.DBPath),
		slog.Int("providers", len(a.reg.Snapshot().Providers)),
	)

	a.reg.StartPeriodicSync(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, &gateway.ManagementRoutes{
			Metrics: a.prom.Handler(),
		})
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := a.gw.Shutdown(); err != nil {
			a.log.Error("gateway shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call more
// than once from the same goroutine; concurrent calls are not synchronized.
func (a *App) Close() {
	if a.health != nil {
		a.health.Close()
		a.health = nil
	}
	if a.reg != nil {
		a.reg.Stop()
		a.reg = nil
	}
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			a.log.Error("log sink close error", slog.String("error", err.Error()))
		}
		a.sink = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.db = nil
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}
