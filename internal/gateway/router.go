package gateway

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// ManagementRoutes holds optional handlers registered alongside the core
// routes.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// Start starts the HTTP server on addr (e.g. ":8000") and blocks until
// Shutdown is called or the listener fails.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	g.srv = &fasthttp.Server{
		Handler: g.buildHandler(mgmt),
		// Long enough for a slow upstream stream; the proxy's own idle
		// timeout fires well before these do.
		ReadTimeout:  180 * time.Second,
		WriteTimeout: 180 * time.Second,
	}

	return g.srv.ListenAndServe(addr)
}

// buildHandler assembles the full route table and middleware chain.
func (g *Gateway) buildHandler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	// Public surface.
	r.GET("/v1/models", g.requireAuth(g.handleListModels))
	r.POST("/v1/chat/completions", g.requireAuth(g.handleChatCompletions))
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	// Admin surface.
	r.GET("/admin/providers", g.requireAdmin(g.handleListProviders))
	r.POST("/admin/providers", g.requireAdmin(g.handleCreateProvider))
	r.GET("/admin/providers/{id}", g.requireAdmin(g.handleGetProvider))
	r.PATCH("/admin/providers/{id}", g.requireAdmin(g.handleUpdateProvider))
	r.DELETE("/admin/providers/{id}", g.requireAdmin(g.handleDeleteProvider))
	r.POST("/admin/providers/{id}/sync", g.requireAdmin(g.handleSyncProvider))

	r.GET("/admin/request-logs", g.requireAdmin(g.handleRequestLogs))
	r.GET("/admin/sync-logs", g.requireAdmin(g.handleSyncLogs))
	r.GET("/admin/metrics", g.requireAdmin(g.handleAdminMetrics))

	r.GET("/admin/keys", g.requireAdmin(g.handleListKeys))
	r.POST("/admin/keys", g.requireAdmin(g.handleCreateKey))
	r.DELETE("/admin/keys/{id}", g.requireAdmin(g.handleDeleteKey))

	r.GET("/admin/settings", g.requireAdmin(g.handleGetSettings))
	r.POST("/admin/settings", g.requireAdmin(g.handleSetSettings))

	r.GET("/admin/circuit-breaker", g.requireAdmin(g.handleBreakerList))
	r.POST("/admin/circuit-breaker/{providerId}/reset", g.requireAdmin(g.handleBreakerReset))

	r.POST("/admin/cache/invalidate", g.requireAdmin(g.handleCacheInvalidate))

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery(g.log),
		traceID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
