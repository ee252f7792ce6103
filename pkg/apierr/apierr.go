// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format, with error types and codes for
// the client-facing classes of Hermes's five-member error taxonomy
// (ClientError, ProviderFault, ModelMissingFault, InfraError, ConfigError).
// Classifying an upstream outcome is done in internal/proxy, not here.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
	TypeModelMissing      = "model_missing_error"
	TypeConfigError       = "config_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeNotImplemented    = "not_implemented"
	CodeInvalidRequest    = "invalid_request"
	CodeModelNotFound     = "model_not_found"
	CodeNoProviders       = "no_providers_available"
	CodeInvalidConfig     = "invalid_config"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Default       → 502
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error with the given retry-after
// seconds (computed by the sliding-window limiter from the oldest fresh
// slot).
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfterSeconds int) {
	ctx.Response.Header.Set("Retry-After", itoa(retryAfterSeconds))
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteAuthError writes a 401 authentication error.
func WriteAuthError(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusUnauthorized, msg, TypeAuthenticationErr, CodeInvalidAPIKey)
}

// WriteConfigError writes a 422 config error (admin API only).
func WriteConfigError(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusUnprocessableEntity, msg, TypeConfigError, CodeInvalidConfig)
}

// AttemptedProvider names one candidate the dispatcher tried and why it
// failed, included in the 502 envelope when every candidate is exhausted.
type AttemptedProvider struct {
	ProviderID string `json:"provider_id"`
	Reason     string `json:"reason"`
}

func WriteExhausted(ctx *fasthttp.RequestCtx, attempted []AttemptedProvider) {
	ctx.SetStatusCode(fasthttp.StatusBadGateway)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(struct {
		Error struct {
			Message   string              `json:"message"`
			Type      string              `json:"type"`
			Code      string              `json:"code"`
			Attempted []AttemptedProvider `json:"attempted"`
		} `json:"error"`
	}{
		Error: struct {
			Message   string              `json:"message"`
			Type      string              `json:"type"`
			Code      string              `json:"code"`
			Attempted []AttemptedProvider `json:"attempted"`
		}{
			Message:   "all candidate providers failed",
			Type:      TypeProviderError,
			Code:      CodeNoProviders,
			Attempted: attempted,
		},
	})
	ctx.SetBody(body)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
