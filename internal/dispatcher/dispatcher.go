// Package dispatcher selects which provider serves a chat request and walks
// the ranked candidate list until one succeeds or the retry budget is
// exhausted. Every attempt's outcome feeds back into the scorer and the
// circuit breaker, so routing quality improves with traffic.
package dispatcher

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/hermesproj/hermes/internal/breaker"
	"github.com/hermesproj/hermes/internal/metrics"
	"github.com/hermesproj/hermes/internal/proxy"
	"github.com/hermesproj/hermes/internal/scorer"
	"github.com/hermesproj/hermes/internal/store"
)

// CandidateSource is the slice of the registry the dispatcher needs.
type CandidateSource interface {
	ProvidersFor(model string) []*store.Provider
	TouchUsed(providerID string)
	BlacklistModel(ctx context.Context, providerID, model string) error
}

// Attempter is the slice of the proxy client the dispatcher needs.
type Attempter interface {
	Do(ctx context.Context, up proxy.Upstream, body []byte, stream bool) *proxy.Result
}

// Kind is the terminal classification of one dispatch.
type Kind int

const (
	// Served — a provider answered; Result carries the response.
	Served Kind = iota

	// ClientErr — an upstream rejected the request for a reason retrying
	// cannot fix; Result carries the upstream's response verbatim.
	ClientErr

	// Exhausted — every candidate failed; Attempted lists them.
	Exhausted

	// Cancelled — the client went away mid-dispatch.
	Cancelled
)

// AttemptRecord names one tried candidate and its outcome.
type AttemptRecord struct {
	ProviderID string `json:"provider_id"`
	Reason     string `json:"reason"`
}

// Outcome is the terminal result of one dispatch.
type Outcome struct {
	Kind       Kind
	Result     *proxy.Result
	ProviderID string
	Score      float64
	Attempted  []AttemptRecord

	// FinishStream must be called exactly once after a streaming Served
	// outcome is drained: it records the end-to-end latency (or the failure)
	// against the serving provider. Nil for buffered outcomes.
	FinishStream func(total time.Duration, streamErr error, clientGone bool)
}

// Config tunes dispatch behavior.
type Config struct {
	// MaxRetries is the maximum number of upstream attempts per request,
	// including the first. Default: 3.
	MaxRetries int
}

// Dispatcher ranks candidates and drives attempts.
type Dispatcher struct {
	reg CandidateSource
	sc  *scorer.Scorer
	br  *breaker.Breaker
	px  Attempter
	met *metrics.Registry
	log *slog.Logger

	maxRetries int
}

// New wires a Dispatcher. met may be nil.
func New(reg CandidateSource, sc *scorer.Scorer, br *breaker.Breaker, px Attempter, met *metrics.Registry, logger *slog.Logger, cfg Config) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 3
	}
	return &Dispatcher{
		reg:        reg,
		sc:         sc,
		br:         br,
		px:         px,
		met:        met,
		log:        logger,
		maxRetries: maxRetries,
	}
}

// SetMaxRetries updates the retry budget at runtime (admin settings).
func (d *Dispatcher) SetMaxRetries(n int) {
	if n >= 1 {
		d.maxRetries = n
	}
}

// ranked is one scored candidate.
type ranked struct {
	p        *store.Provider
	score    float64
	lastUsed time.Time
}

// Dispatch routes one request for the (already normalized) model.
func (d *Dispatcher) Dispatch(ctx context.Context, model string, body []byte, stream bool) *Outcome {
	pool := d.candidates(model)
	if len(pool) == 0 {
		return &Outcome{Kind: Exhausted, Attempted: []AttemptRecord{}}
	}

	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].score != pool[j].score {
			return pool[i].score > pool[j].score
		}
		return pool[i].lastUsed.Before(pool[j].lastUsed)
	})

	attempted := make([]AttemptRecord, 0, len(pool))
	attempts := 0
	prevID := ""
	prevReason := ""

	for _, cand := range pool {
		if attempts >= d.maxRetries {
			break
		}
		id := cand.p.ID

		if !d.br.Allow(id) {
			state := d.br.StateLabel(id)
			attempted = append(attempted, AttemptRecord{ProviderID: id, Reason: "circuit_" + state})
			if d.met != nil {
				d.met.RecordCircuitBreakerRejection(id, state)
				d.met.SetCircuitBreaker(id, int64(d.br.State(id)))
			}
			continue
		}

		if prevID != "" && d.met != nil {
			d.met.RecordFailover(prevID, id, prevReason)
		}

		res := d.px.Do(ctx, proxy.Upstream{
			ID:         id,
			BaseURL:    cand.p.BaseURL,
			Credential: cand.p.Credential,
		}, body, stream)
		attempts++

		if d.met != nil {
			d.met.ObserveUpstreamAttempt(id, res.Class.String(), res.Duration)
		}

		switch res.Class {
		case proxy.ClassSuccess:
			d.sc.MarkUsed(id)
			d.reg.TouchUsed(id)
			if res.Stream != nil {
				if d.met != nil {
					d.met.ObserveFirstByte(id, res.FirstByte)
				}
				return &Outcome{
					Kind:         Served,
					Result:       res,
					ProviderID:   id,
					Score:        cand.score,
					Attempted:    attempted,
					FinishStream: d.streamFinisher(id),
				}
			}
			d.recordSuccess(id, res.Duration)
			return &Outcome{
				Kind:       Served,
				Result:     res,
				ProviderID: id,
				Score:      cand.score,
				Attempted:  attempted,
			}

		case proxy.ClassModelMissing:
			// Local filter: the provider stays healthy, it just doesn't
			// serve this model. Does not consume the retry budget.
			attempts--
			d.br.ReleaseProbe(id)
			if err := d.reg.BlacklistModel(ctx, id, model); err != nil {
				d.log.Warn("blacklist model failed",
					slog.String("provider", id),
					slog.String("model", model),
					slog.String("error", err.Error()),
				)
			}
			attempted = append(attempted, AttemptRecord{ProviderID: id, Reason: res.Class.String()})
			prevID, prevReason = id, res.Class.String()
			continue

		case proxy.ClassQuota, proxy.ClassProviderFault:
			d.sc.RecordFailure(id)
			d.br.RecordFailure(id)
			if d.met != nil {
				d.met.RecordError(id, res.Class.String())
				d.met.SetCircuitBreaker(id, int64(d.br.State(id)))
			}
			attempted = append(attempted, AttemptRecord{ProviderID: id, Reason: res.Class.String()})
			prevID, prevReason = id, res.Class.String()
			continue

		case proxy.ClassClientError:
			// The request itself is bad; no other provider will disagree.
			d.br.ReleaseProbe(id)
			return &Outcome{
				Kind:       ClientErr,
				Result:     res,
				ProviderID: id,
				Attempted:  attempted,
			}

		case proxy.ClassCancelled:
			d.br.ReleaseProbe(id)
			return &Outcome{Kind: Cancelled, ProviderID: id, Attempted: attempted}
		}
	}

	if d.met != nil {
		d.met.RecordFailoverExhausted(model)
	}
	return &Outcome{Kind: Exhausted, Attempted: attempted}
}

// candidates builds the scored pool for model. HALF_OPEN and cooling-down
// providers only join when no CLOSED candidate exists, so a degraded fleet
// still serves traffic instead of going fully dark.
func (d *Dispatcher) candidates(model string) []ranked {
	provs := d.reg.ProvidersFor(model)

	var closed, fallback []ranked
	for _, p := range provs {
		if p.Status != store.ProviderActive {
			continue
		}
		r := ranked{
			p:        p,
			score:    d.sc.Score(p.ID),
			lastUsed: d.sc.LastUsedAt(p.ID),
		}
		if d.met != nil {
			d.met.SetProviderScore(p.ID, r.score)
		}
		if d.br.State(p.ID) == breaker.Closed {
			closed = append(closed, r)
		} else {
			fallback = append(fallback, r)
		}
	}
	if len(closed) > 0 {
		return closed
	}
	return fallback
}

func (d *Dispatcher) recordSuccess(id string, dur time.Duration) {
	d.sc.RecordSuccess(id, dur)
	d.br.RecordSuccess(id)
	if d.met != nil {
		d.met.SetCircuitBreaker(id, int64(d.br.State(id)))
		d.met.SetProviderScore(id, d.sc.Score(id))
	}
}

// streamFinisher closes over the serving provider for a streaming response:
// the scorer sees time-to-last-byte, and an aborted upstream counts as a
// qualifying failure unless the client itself went away.
func (d *Dispatcher) streamFinisher(id string) func(total time.Duration, streamErr error, clientGone bool) {
	return func(total time.Duration, streamErr error, clientGone bool) {
		if clientGone {
			d.br.ReleaseProbe(id)
			return
		}
		if streamErr != nil {
			d.sc.RecordFailure(id)
			d.br.RecordFailure(id)
			if d.met != nil {
				d.met.RecordError(id, "stream_abort")
				d.met.SetCircuitBreaker(id, int64(d.br.State(id)))
			}
			return
		}
		d.recordSuccess(id, total)
	}
}
