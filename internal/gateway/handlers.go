package gateway

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/hermesproj/hermes/internal/breaker"
	"github.com/hermesproj/hermes/internal/dispatcher"
	"github.com/hermesproj/hermes/internal/store"
	"github.com/hermesproj/hermes/pkg/apierr"
)

// chatEnvelope is the only part of the request body Hermes reads; the rest
// is forwarded verbatim.
type chatEnvelope struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"

	if g.met != nil {
		g.met.IncInFlight()
	}
	streaming := false
	defer func() {
		if g.met == nil || streaming {
			return // streaming finalizes in the stream writer
		}
		g.met.DecInFlight()
		g.met.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	traceID, _ := ctx.UserValue("trace_id").(string)
	body := ctx.PostBody()

	// 1. Parse the envelope.
	var req chatEnvelope
	if err := json.Unmarshal(body, &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	// 2. Rate limit on the authenticated key hash (fallback: client IP).
	limitKey, _ := ctx.UserValue("key_hash").(string)
	if limitKey == "" {
		limitKey = ctx.RemoteIP().String()
	}
	rl, err := g.limiter.Allow(ctx, limitKey)
	if err == nil {
		ctx.Response.Header.Set("X-RateLimit-Limit", itoa(rl.Limit))
		ctx.Response.Header.Set("X-RateLimit-Remaining", itoa(rl.Remaining))
		ctx.Response.Header.Set("X-RateLimit-Reset", itoa(rl.ResetSeconds))
	}
	if err == nil && !rl.Allowed {
		if g.met != nil {
			g.met.RecordRateLimit("blocked")
		}
		g.log.Warn("rate_limit_exceeded",
			"trace_id", traceID,
			"client", limitKey,
		)
		apierr.WriteRateLimit(ctx, rl.ResetSeconds)
		g.logRequest(ctx, req.Model, "", fasthttp.StatusTooManyRequests, time.Since(start))
		return
	}
	if g.met != nil {
		if err != nil {
			g.met.RecordRateLimit("error")
		} else {
			g.met.RecordRateLimit("allowed")
		}
	}

	// 3. Normalize the model id for candidate lookup. The body itself is
	// never rewritten.
	model := g.norm.Canonicalize(req.Model)

	g.log.Info("request",
		"trace_id", traceID,
		"model", model,
		"stream", req.Stream,
	)

	// 4. Dispatch.
	out := g.disp.Dispatch(ctx, model, body, req.Stream)

	switch out.Kind {
	case dispatcher.Served:
		ctx.Response.Header.Set("X-Hermes-Provider", out.ProviderID)
		ctx.Response.Header.Set("X-Hermes-Score", fmt.Sprintf("%.4f", out.Score))

		if out.Result.Stream != nil {
			streaming = true
			g.streamResponse(ctx, reqMeta{
				method:   string(ctx.Method()),
				path:     string(ctx.Path()),
				clientIP: ctx.RemoteIP().String(),
				route:    route,
				model:    model,
			}, out, start)
			return
		}

		ctx.SetStatusCode(out.Result.StatusCode)
		if out.Result.ContentType != "" {
			ctx.SetContentType(out.Result.ContentType)
		} else {
			ctx.SetContentType("application/json")
		}
		ctx.SetBody(out.Result.Body)

		dur := time.Since(start)
		g.latencies.observe(out.ProviderID, float64(out.Result.Duration.Milliseconds()))
		if g.met != nil {
			g.met.RecordRequest(out.ProviderID, out.Result.StatusCode, dur.Milliseconds())
		}
		g.logRequest(ctx, model, out.ProviderID, out.Result.StatusCode, dur)

	case dispatcher.ClientErr:
		// The upstream's rejection is authoritative; mirror it.
		ctx.SetStatusCode(out.Result.StatusCode)
		if out.Result.ContentType != "" {
			ctx.SetContentType(out.Result.ContentType)
		}
		ctx.SetBody(out.Result.Body)
		g.logRequest(ctx, model, out.ProviderID, out.Result.StatusCode, time.Since(start))

	case dispatcher.Exhausted:
		attempted := make([]apierr.AttemptedProvider, len(out.Attempted))
		for i, a := range out.Attempted {
			attempted[i] = apierr.AttemptedProvider{ProviderID: a.ProviderID, Reason: a.Reason}
		}
		g.log.Error("dispatch_exhausted",
			"trace_id", traceID,
			"model", model,
			"attempted", len(attempted),
		)
		apierr.WriteExhausted(ctx, attempted)
		g.logRequest(ctx, model, "", fasthttp.StatusBadGateway, time.Since(start))

	case dispatcher.Cancelled:
		// The client is gone; nothing useful can be written.
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
	}
}

// reqMeta captures the request fields the stream writer needs after the
// handler has returned — the RequestCtx itself must not be touched from the
// body stream writer.
type reqMeta struct {
	method   string
	path     string
	clientIP string
	route    string
	model    string
}

// streamResponse pipes the upstream stream to the client byte-for-byte.
// Back-pressure propagates naturally: the next upstream read happens only
// after the previous chunk is flushed downstream.
func (g *Gateway) streamResponse(ctx *fasthttp.RequestCtx, meta reqMeta, out *dispatcher.Outcome, start time.Time) {
	res := out.Result

	ctx.SetStatusCode(res.StatusCode)
	if res.ContentType != "" {
		ctx.SetContentType(res.ContentType)
	} else {
		ctx.SetContentType("text/event-stream")
	}
	ctx.Response.Header.Set("Cache-Control", "no-cache")

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		stream := res.Stream
		defer stream.Close()

		var streamErr error
		clientGone := false
		buf := make([]byte, 32<<10)
		for {
			n, rerr := stream.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					clientGone = true
					break
				}
				if werr := w.Flush(); werr != nil {
					clientGone = true
					break
				}
			}
			if rerr != nil {
				if rerr != io.EOF {
					streamErr = rerr
				}
				break
			}
		}

		total := time.Since(start)
		if out.FinishStream != nil {
			out.FinishStream(total, streamErr, clientGone)
		}

		status := fasthttp.StatusOK
		if streamErr != nil {
			status = fasthttp.StatusBadGateway
		}
		if !clientGone {
			g.latencies.observe(out.ProviderID, float64(total.Milliseconds()))
		}
		if g.met != nil {
			g.met.ObserveHTTP(meta.route, status, total)
			g.met.RecordRequest(out.ProviderID, status, total.Milliseconds())
			g.met.DecInFlight()
		}
		g.logRequestMeta(meta, out.ProviderID, status, total)
	})
}

// logRequest enqueues the request log row and counter deltas. Never blocks.
func (g *Gateway) logRequest(ctx *fasthttp.RequestCtx, model, providerID string, status int, dur time.Duration) {
	g.logRequestMeta(reqMeta{
		method:   string(ctx.Method()),
		path:     string(ctx.Path()),
		clientIP: ctx.RemoteIP().String(),
		model:    model,
	}, providerID, status, dur)
}

func (g *Gateway) logRequestMeta(meta reqMeta, providerID string, status int, dur time.Duration) {
	if g.sink == nil {
		return
	}

	g.sink.LogRequest(&store.RequestLog{
		Method:     meta.method,
		Path:       meta.path,
		Model:      meta.model,
		Status:     status,
		DurationMs: dur.Milliseconds(),
		ClientIP:   meta.clientIP,
		CreatedAt:  time.Now().UTC(),
	})

	g.sink.AddCounter(&store.CounterDelta{Global: "requests_total", Count: 1})
	if meta.model != "" {
		g.sink.AddCounter(&store.CounterDelta{Model: meta.model, Count: 1})
	}
	if providerID != "" {
		d := &store.CounterDelta{Provider: providerID, Count: 1}
		if status >= 500 {
			d.Errors = 1
		}
		g.sink.AddCounter(d)
	}
}

// handleListModels serves the deduplicated union of every active provider's
// effective model set. The response is cached briefly, keyed on the registry
// snapshot hash plus the alias table hash.
func (g *Gateway) handleListModels(ctx *fasthttp.RequestCtx) {
	snap := g.reg.Snapshot()
	cacheKey := snap.Hash + ":" + g.norm.AliasTableHash()

	g.modelsMu.Lock()
	if g.modelsKey == cacheKey && time.Now().Before(g.modelsUntil) {
		body := g.modelsBody
		g.modelsMu.Unlock()
		if g.met != nil {
			g.met.ModelsCacheHit()
		}
		ctx.SetContentType("application/json")
		ctx.SetBody(body)
		return
	}
	g.modelsMu.Unlock()
	if g.met != nil {
		g.met.ModelsCacheMiss()
	}

	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}

	owners := make(map[string]string)
	var modelIDs []string
	for m, ids := range snap.ByModel {
		modelIDs = append(modelIDs, m)
		if len(ids) > 0 {
			if p, ok := snap.Providers[ids[0]]; ok {
				owners[m] = p.Name
			}
		}
	}
	sort.Strings(modelIDs)

	data := make([]modelEntry, len(modelIDs))
	for i, m := range modelIDs {
		data[i] = modelEntry{ID: m, Object: "model", OwnedBy: owners[m]}
	}

	body, _ := json.Marshal(struct {
		Object string       `json:"object"`
		Data   []modelEntry `json:"data"`
	}{Object: "list", Data: data})

	g.modelsMu.Lock()
	g.modelsKey = cacheKey
	g.modelsBody = body
	g.modelsUntil = time.Now().Add(g.modelsCacheTTL)
	g.modelsMu.Unlock()

	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// providerHealth is one row of the /health response.
type providerHealth struct {
	ID    string  `json:"id"`
	State string  `json:"state"`
	Score float64 `json:"score"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P99   float64 `json:"p99"`
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	snap := g.reg.Snapshot()

	ids := make([]string, 0, len(snap.Providers))
	for id := range snap.Providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	open := 0
	rows := make([]providerHealth, 0, len(ids))
	for _, id := range ids {
		state := g.br.State(id)
		if state == breaker.Open {
			open++
		}
		row := providerHealth{
			ID:    id,
			State: state.String(),
			Score: g.sc.Score(id),
		}
		if w := g.latencies.get(id); w != nil {
			row.P50, row.P90, row.P99 = w.percentiles()
		}
		rows = append(rows, row)
	}

	status := "ok"
	if open > 0 {
		status = "degraded"
	}

	writeJSON(ctx, struct {
		Status       string           `json:"status"`
		Providers    []providerHealth `json:"providers"`
		BreakersOpen int              `json:"breakers_open"`
	}{Status: status, Providers: rows, BreakersOpen: open})
}

// handleReadiness answers Kubernetes-style probes: ready means the store
// answers queries.
func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if _, err := g.db.GlobalCounter(ctx, "requests_total"); err != nil {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func itoa(n int) string { return strconv.Itoa(n) }
