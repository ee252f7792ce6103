package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/hermesproj/hermes/internal/breaker"
	"github.com/hermesproj/hermes/internal/store"
	"github.com/hermesproj/hermes/pkg/apierr"
)

// providerView is the admin-facing provider representation. The credential
// never leaves the process.
type providerView struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	BaseURL      string     `json:"base_url"`
	Models       []string   `json:"models"`
	Blacklist    []string   `json:"blacklist"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

func toProviderView(p *store.Provider) providerView {
	return providerView{
		ID:           p.ID,
		Name:         p.Name,
		BaseURL:      p.BaseURL,
		Models:       p.Models,
		Blacklist:    p.Blacklist,
		Status:       string(p.Status),
		CreatedAt:    p.CreatedAt,
		LastSyncedAt: p.LastSyncedAt,
		LastUsedAt:   p.LastUsedAt,
	}
}

func (g *Gateway) handleListProviders(ctx *fasthttp.RequestCtx) {
	snap := g.reg.Snapshot()
	out := make([]providerView, 0, len(snap.Providers))
	for _, p := range snap.Providers {
		out = append(out, toProviderView(p))
	}
	writeJSON(ctx, out)
}

type providerPayload struct {
	ID        *string  `json:"id"`
	Name      *string  `json:"name"`
	BaseURL   *string  `json:"base_url"`
	APIKey    *string  `json:"api_key"`
	Models    []string `json:"models"`
	Blacklist []string `json:"blacklist"`
}

func (g *Gateway) handleCreateProvider(ctx *fasthttp.RequestCtx) {
	var in providerPayload
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.WriteConfigError(ctx, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if in.Name == nil || *in.Name == "" {
		apierr.WriteConfigError(ctx, "field 'name' is required")
		return
	}
	if in.BaseURL == nil || *in.BaseURL == "" {
		apierr.WriteConfigError(ctx, "field 'base_url' is required")
		return
	}
	if in.APIKey == nil || *in.APIKey == "" {
		apierr.WriteConfigError(ctx, "field 'api_key' is required")
		return
	}

	p := &store.Provider{
		Name:       *in.Name,
		BaseURL:    *in.BaseURL,
		Credential: *in.APIKey,
		Models:     in.Models,
		Blacklist:  in.Blacklist,
	}
	if in.ID != nil && *in.ID != "" {
		p.ID = *in.ID
	} else {
		p.ID = uuid.New().String()
	}

	if err := g.reg.Create(ctx, p); err != nil {
		apierr.WriteConfigError(ctx, err.Error())
		return
	}

	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, toProviderView(p))
}

func (g *Gateway) handleGetProvider(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	p, ok := g.reg.Get(id)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusNotFound, "provider not found",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	writeJSON(ctx, toProviderView(p))
}

func (g *Gateway) handleUpdateProvider(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	existing, ok := g.reg.Get(id)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusNotFound, "provider not found",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	var in providerPayload
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.WriteConfigError(ctx, fmt.Sprintf("invalid JSON: %s", err))
		return
	}

	p := *existing // copy; the snapshot stays immutable
	if in.Name != nil {
		if *in.Name == "" {
			apierr.WriteConfigError(ctx, "field 'name' must not be empty")
			return
		}
		p.Name = *in.Name
	}
	if in.BaseURL != nil {
		if *in.BaseURL == "" {
			apierr.WriteConfigError(ctx, "field 'base_url' must not be empty")
			return
		}
		p.BaseURL = *in.BaseURL
	}
	if in.APIKey != nil && *in.APIKey != "" {
		p.Credential = *in.APIKey
	}
	if in.Models != nil {
		p.Models = in.Models
	}
	if in.Blacklist != nil {
		p.Blacklist = in.Blacklist
	}

	if err := g.reg.Update(ctx, &p); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.Write(ctx, fasthttp.StatusNotFound, "provider not found",
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		apierr.WriteConfigError(ctx, err.Error())
		return
	}
	writeJSON(ctx, toProviderView(&p))
}

func (g *Gateway) handleDeleteProvider(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	if err := g.reg.Delete(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.Write(ctx, fasthttp.StatusNotFound, "provider not found",
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		apierr.WriteConfigError(ctx, err.Error())
		return
	}
	g.latencies.forget(id)
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (g *Gateway) handleSyncProvider(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	if _, ok := g.reg.Get(id); !ok {
		apierr.Write(ctx, fasthttp.StatusNotFound, "provider not found",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	go g.reg.SyncProvider(g.baseCtx, id)
	ctx.SetStatusCode(fasthttp.StatusAccepted)
	writeJSON(ctx, map[string]string{"status": "sync scheduled"})
}

func (g *Gateway) handleRequestLogs(ctx *fasthttp.RequestCtx) {
	limit, _ := strconv.Atoi(string(ctx.QueryArgs().Peek("limit")))

	since := time.Time{}
	if raw := string(ctx.QueryArgs().Peek("since")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				"'since' must be RFC 3339", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		since = t
	}

	logs, err := g.db.ListRequestLogs(ctx, limit, since)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(),
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, logs)
}

func (g *Gateway) handleSyncLogs(ctx *fasthttp.RequestCtx) {
	providerID := string(ctx.QueryArgs().Peek("providerId"))
	if providerID == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"'providerId' is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	limit, _ := strconv.Atoi(string(ctx.QueryArgs().Peek("limit")))

	logs, err := g.db.ListSyncLogs(ctx, providerID, limit)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(),
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, logs)
}

func (g *Gateway) handleAdminMetrics(ctx *fasthttp.RequestCtx) {
	global, err := g.db.ListGlobalCounters(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(),
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	models, err := g.db.ListModelCounters(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(),
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	providers, err := g.db.ListProviderCounters(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(),
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	writeJSON(ctx, struct {
		Global          map[string]int64          `json:"global"`
		Models          map[string]int64          `json:"models"`
		Providers       []store.ProviderCounterRow `json:"providers"`
		DroppedRequests int64                     `json:"dropped_request_logs"`
		DroppedAux      int64                     `json:"dropped_aux_records"`
	}{
		Global:          global,
		Models:          models,
		Providers:       providers,
		DroppedRequests: g.sink.DroppedRequests(),
		DroppedAux:      g.sink.DroppedAux(),
	})
}

// keyView never includes the hash or the plaintext.
type keyView struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Scope       string     `json:"scope"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

func (g *Gateway) handleListKeys(ctx *fasthttp.RequestCtx) {
	keys, err := g.db.ListGatewayKeys(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(),
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	out := make([]keyView, len(keys))
	for i, k := range keys {
		out[i] = keyView{
			ID:          k.ID,
			Description: k.Description,
			Scope:       string(k.Scope),
			CreatedAt:   k.CreatedAt,
			LastUsedAt:  k.LastUsedAt,
		}
	}
	writeJSON(ctx, out)
}

func (g *Gateway) handleCreateKey(ctx *fasthttp.RequestCtx) {
	var in struct {
		Description string `json:"description"`
		Scope       string `json:"scope"`
	}
	if len(ctx.PostBody()) > 0 {
		if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
			apierr.WriteConfigError(ctx, fmt.Sprintf("invalid JSON: %s", err))
			return
		}
	}
	scope := store.ScopeStandard
	switch in.Scope {
	case "", string(store.ScopeStandard):
	case string(store.ScopeAdmin):
		scope = store.ScopeAdmin
	default:
		apierr.WriteConfigError(ctx, fmt.Sprintf("invalid scope %q", in.Scope))
		return
	}

	secret, err := newKeySecret()
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "key generation failed",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	k := &store.GatewayKey{
		ID:          uuid.New().String(),
		KeyHash:     HashToken(secret),
		Description: in.Description,
		Scope:       scope,
		CreatedAt:   time.Now().UTC(),
	}
	if err := g.db.CreateGatewayKey(ctx, k); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(),
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	// The plaintext is shown exactly once; only its hash is stored.
	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, struct {
		ID          string `json:"id"`
		Key         string `json:"key"`
		Description string `json:"description"`
		Scope       string `json:"scope"`
	}{ID: k.ID, Key: secret, Description: k.Description, Scope: string(k.Scope)})
}

func (g *Gateway) handleDeleteKey(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	if err := g.db.DeleteGatewayKey(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.Write(ctx, fasthttp.StatusNotFound, "key not found",
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(),
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func newKeySecret() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return "hsk_" + hex.EncodeToString(raw), nil
}

func (g *Gateway) handleGetSettings(ctx *fasthttp.RequestCtx) {
	settings, err := g.db.ListSettings(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(),
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, settings)
}

func (g *Gateway) handleSetSettings(ctx *fasthttp.RequestCtx) {
	var in map[string]string
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.WriteConfigError(ctx, fmt.Sprintf("invalid JSON: %s", err))
		return
	}

	for key, value := range in {
		if err := g.validateSetting(key, value); err != nil {
			apierr.WriteConfigError(ctx, err.Error())
			return
		}
	}
	for key, value := range in {
		if err := g.db.SetSetting(ctx, key, value); err != nil {
			apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(),
				apierr.TypeServerError, apierr.CodeInternalError)
			return
		}
		g.applySetting(key, value)
	}

	settings, err := g.db.ListSettings(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(),
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, settings)
}

// validateSetting rejects unknown keys and out-of-range values before
// anything is persisted.
func (g *Gateway) validateSetting(key, value string) error {
	switch key {
	case store.SettingPeriodicSyncIntervalHours,
		store.SettingChatMaxRetries,
		store.SettingBreakerResyncThreshold,
		store.SettingRateLimitMax,
		store.SettingRateLimitWindow:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("setting %q must be a positive integer, got %q", key, value)
		}
	case store.SettingBreakerInitialPenaltyMs, store.SettingBreakerMaxPenaltyMs:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 1 {
			return fmt.Errorf("setting %q must be a positive integer of milliseconds, got %q", key, value)
		}
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	return nil
}

// applySetting pushes a validated setting into the running subsystems.
// Settings that only affect boot-time wiring (the periodic sync interval
// and the rate-limit window) take effect on the next restart.
func (g *Gateway) applySetting(key, value string) {
	switch key {
	case store.SettingChatMaxRetries:
		n, _ := strconv.Atoi(value)
		g.disp.SetMaxRetries(n)
	case store.SettingRateLimitMax:
		n, _ := strconv.Atoi(value)
		if l, ok := g.limiter.(interface{ SetLimit(int) }); ok {
			l.SetLimit(n)
		}
	case store.SettingBreakerInitialPenaltyMs:
		ms, _ := strconv.ParseInt(value, 10, 64)
		cfg := g.breakerCfg
		cfg.InitialPenalty = time.Duration(ms) * time.Millisecond
		g.breakerCfg = cfg
		g.br.SetConfig(cfg)
	case store.SettingBreakerMaxPenaltyMs:
		ms, _ := strconv.ParseInt(value, 10, 64)
		cfg := g.breakerCfg
		cfg.MaxPenalty = time.Duration(ms) * time.Millisecond
		g.breakerCfg = cfg
		g.br.SetConfig(cfg)
	case store.SettingBreakerResyncThreshold:
		n, _ := strconv.Atoi(value)
		cfg := g.breakerCfg
		cfg.ResyncThreshold = n
		g.breakerCfg = cfg
		g.br.SetConfig(cfg)
	}
}

func (g *Gateway) handleBreakerList(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, g.br.Snapshots())
}

func (g *Gateway) handleBreakerReset(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("providerId").(string)
	if _, ok := g.reg.Get(id); !ok {
		apierr.Write(ctx, fasthttp.StatusNotFound, "provider not found",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	g.br.Reset(id)
	if g.met != nil {
		g.met.SetCircuitBreaker(id, int64(breaker.Closed))
	}
	writeJSON(ctx, map[string]string{"status": "reset"})
}

func (g *Gateway) handleCacheInvalidate(ctx *fasthttp.RequestCtx) {
	g.InvalidateModelsCache()
	writeJSON(ctx, map[string]string{"status": "invalidated"})
}
