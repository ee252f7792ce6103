package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/hermesproj/hermes/internal/store"
	"github.com/hermesproj/hermes/pkg/apierr"
)

// HashToken returns the hex SHA-256 digest of a plaintext token — the only
// form a gateway key is ever stored or compared in.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func parseBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// authenticate resolves the presented bearer token to a stored gateway key.
// The comparison is hash-against-hash in constant time.
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx) (*store.GatewayKey, bool) {
	token := parseBearerToken(string(ctx.Request.Header.Peek("Authorization")))
	if token == "" {
		return nil, false
	}

	hash := HashToken(token)
	key, err := g.db.FindGatewayKeyByHash(ctx, hash)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.log.Error("key lookup failed", "error", err.Error())
		}
		return nil, false
	}
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, false
	}

	// last_used_at is written from a goroutine, never on the request path.
	id := key.ID
	now := time.Now().UTC()
	go func() {
		touchCtx, cancel := context.WithTimeout(g.baseCtx, 5*time.Second)
		defer cancel()
		_ = g.db.TouchGatewayKey(touchCtx, id, now)
	}()

	return key, true
}

// isAdminBackdoor reports whether the presented bearer token equals the
// configured admin secret.
func (g *Gateway) isAdminBackdoor(ctx *fasthttp.RequestCtx) bool {
	if g.adminSecret == "" {
		return false
	}
	token := parseBearerToken(string(ctx.Request.Header.Peek("Authorization")))
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(g.adminSecret)) == 1
}

// requireAuth guards the public API: any valid gateway key passes. The
// validated key's hash becomes the rate-limit client key; unauthenticated
// requests never reach the limiter.
func (g *Gateway) requireAuth(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		key, ok := g.authenticate(ctx)
		if !ok {
			apierr.WriteAuthError(ctx, "invalid or missing API key")
			return
		}
		ctx.SetUserValue("key_hash", key.KeyHash)
		next(ctx)
	}
}

// requireAdmin guards the admin API: an admin-scope gateway key or the
// configured backdoor secret.
func (g *Gateway) requireAdmin(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if g.isAdminBackdoor(ctx) {
			next(ctx)
			return
		}
		key, ok := g.authenticate(ctx)
		if !ok || key.Scope != store.ScopeAdmin {
			apierr.WriteAuthError(ctx, "admin credentials required")
			return
		}
		next(ctx)
	}
}
