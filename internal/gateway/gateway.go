// Package gateway is Hermes's HTTP surface: the public OpenAI-compatible
// routes, the health/readiness probes, and the authenticated admin API.
//
// The request pipeline for a chat completion is:
// authenticate → parse → rate-limit → normalize model → dispatch. Streaming
// responses are passed through byte-for-byte; Hermes never rewrites a body,
// it only reads .model and .stream.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/hermesproj/hermes/internal/breaker"
	"github.com/hermesproj/hermes/internal/dispatcher"
	"github.com/hermesproj/hermes/internal/logsink"
	"github.com/hermesproj/hermes/internal/metrics"
	"github.com/hermesproj/hermes/internal/normalize"
	"github.com/hermesproj/hermes/internal/ratelimit"
	"github.com/hermesproj/hermes/internal/registry"
	"github.com/hermesproj/hermes/internal/scorer"
	"github.com/hermesproj/hermes/internal/store"
)

// Options holds optional tuning parameters for a Gateway. All fields have
// sensible defaults and can be omitted.
type Options struct {
	// Logger is the structured logger shared by all handlers.
	Logger *slog.Logger

	// AdminSecret is the backdoor secret accepted on admin routes in place
	// of an admin-scope gateway key. Empty disables the backdoor.
	AdminSecret string

	// ModelsCacheTTL bounds how long a /v1/models response is reused.
	// Default: 30s.
	ModelsCacheTTL time.Duration

	// CORSOrigins configures Access-Control-Allow-Origin. Empty or ["*"]
	// allows any origin.
	CORSOrigins []string

	// Metrics enables Prometheus collection. Nil disables it.
	Metrics *metrics.Registry

	// BreakerConfig is the breaker's boot-time penalty schedule, kept here
	// so admin setting changes can rebuild it incrementally.
	BreakerConfig breaker.Config
}

// Gateway owns the HTTP server and the handler dependencies.
type Gateway struct {
	log *slog.Logger

	db      *store.Store
	reg     *registry.Registry
	disp    *dispatcher.Dispatcher
	br      *breaker.Breaker
	sc      *scorer.Scorer
	norm    *normalize.Normalizer
	limiter ratelimit.Limiter
	sink    *logsink.Sink
	met     *metrics.Registry

	adminSecret    string
	modelsCacheTTL time.Duration
	corsOrigins    []string
	breakerCfg     breaker.Config

	// modelsCache is the 30s /v1/models response cache, keyed on the
	// registry snapshot hash + alias table hash.
	modelsMu    sync.Mutex
	modelsKey   string
	modelsBody  []byte
	modelsUntil time.Time

	// latencies backs /health percentiles.
	latencies *latencyWindows

	srv     *fasthttp.Server
	baseCtx context.Context
}

// New wires a Gateway. All dependencies are injected so tests can replace
// them with doubles.
func New(
	baseCtx context.Context,
	db *store.Store,
	reg *registry.Registry,
	disp *dispatcher.Dispatcher,
	br *breaker.Breaker,
	sc *scorer.Scorer,
	norm *normalize.Normalizer,
	limiter ratelimit.Limiter,
	sink *logsink.Sink,
	opts Options,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	ttl := opts.ModelsCacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	return &Gateway{
		log:            log,
		db:             db,
		reg:            reg,
		disp:           disp,
		br:             br,
		sc:             sc,
		norm:           norm,
		limiter:        limiter,
		sink:           sink,
		met:            opts.Metrics,
		adminSecret:    opts.AdminSecret,
		modelsCacheTTL: ttl,
		corsOrigins:    opts.CORSOrigins,
		breakerCfg:     opts.BreakerConfig,
		latencies:      newLatencyWindows(),
		baseCtx:        baseCtx,
	}
}

// InvalidateModelsCache drops the cached /v1/models response — backs
// POST /admin/cache/invalidate.
func (g *Gateway) InvalidateModelsCache() {
	g.modelsMu.Lock()
	g.modelsKey = ""
	g.modelsBody = nil
	g.modelsUntil = time.Time{}
	g.modelsMu.Unlock()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (g *Gateway) Shutdown() error {
	if g.srv == nil {
		return nil
	}
	return g.srv.Shutdown()
}
