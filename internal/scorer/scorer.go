// Package scorer tracks a per-provider EWMA success rate and latency with
// time-decayed freshness, composed into a single comparable score in
// [0,1] that the dispatcher uses to rank candidates.
package scorer

import (
	"math"
	"sync"
	"time"

	"github.com/hermesproj/hermes/internal/clock"
)

const (
	// alpha is the EWMA smoothing factor for both success and latency.
	alpha = 0.2

	// latencyRefMs is L_ref: the latency at which latNorm bottoms out at 0.
	latencyRefMs = 10_000

	// freshnessHalfLife is the freshness half-life.
	freshnessHalfLife = 24 * time.Hour

	weightSuccess   = 0.5
	weightLatency   = 0.3
	weightFreshness = 0.2
)

// providerScore is one provider's volatile EWMA state. Not persisted —
// recovered by observation after a restart, per the data-model note on
// scorer state.
type providerScore struct {
	mu sync.Mutex

	ewmaSuccess   float64
	ewmaLatencyMs float64
	latencyKnown  bool
	lastSampleAt  time.Time
	hasSample     bool
	lastUsedAt    time.Time
}

// Scorer holds independent EWMA state per provider. Safe for concurrent use.
type Scorer struct {
	clock clock.Clock

	mu     sync.RWMutex
	scores map[string]*providerScore
}

// New creates an empty Scorer using the given clock (clock.Real() in
// production, a clock.Mock in tests).
func New(c clock.Clock) *Scorer {
	if c == nil {
		c = clock.Real()
	}
	return &Scorer{clock: c, scores: make(map[string]*providerScore)}
}

func (s *Scorer) getOrCreate(providerID string) *providerScore {
	s.mu.RLock()
	p, ok := s.scores[providerID]
	s.mu.RUnlock()
	if ok {
		return p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.scores[providerID]; ok {
		return p
	}
	p = &providerScore{ewmaSuccess: 1.0}
	s.scores[providerID] = p
	return p
}

// RecordSuccess folds a successful attempt of the given duration into both
// the success and latency EWMAs.
func (s *Scorer) RecordSuccess(providerID string, d time.Duration) {
	p := s.getOrCreate(providerID)
	now := s.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	ms := float64(d.Milliseconds())
	if !p.latencyKnown {
		p.ewmaLatencyMs = ms
		p.latencyKnown = true
	} else {
		p.ewmaLatencyMs = alpha*ms + (1-alpha)*p.ewmaLatencyMs
	}
	p.ewmaSuccess = alpha*1 + (1-alpha)*p.ewmaSuccess
	p.lastSampleAt = now
	p.hasSample = true
	p.lastUsedAt = now
}

// RecordFailure folds a provider-fault failure into the success EWMA only;
// latency is left unchanged — a failed attempt carries no usable latency
// sample.
func (s *Scorer) RecordFailure(providerID string) {
	p := s.getOrCreate(providerID)
	now := s.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.ewmaSuccess = alpha*0 + (1-alpha)*p.ewmaSuccess
	p.lastSampleAt = now
	p.hasSample = true
}

// Score computes the composite [0,1] score for providerID at the current
// clock time. A provider with no samples yet scores 0.65
// (0.5·1 + 0.3·0.5 + 0.2·0), ensuring it gets tried.
func (s *Scorer) Score(providerID string) float64 {
	p := s.getOrCreate(providerID)
	now := s.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	success := p.ewmaSuccess

	var latNorm float64 = 0.5
	if p.latencyKnown {
		latNorm = clamp(1-p.ewmaLatencyMs/latencyRefMs, 0, 1)
	}

	var freshness float64
	if p.hasSample {
		ageSeconds := now.Sub(p.lastSampleAt).Seconds()
		freshness = math.Pow(0.5, ageSeconds/freshnessHalfLife.Seconds())
	}

	return weightSuccess*success + weightLatency*latNorm + weightFreshness*freshness
}

// LastUsedAt returns the last time this provider was selected, used by the
// dispatcher to break score ties in favor of the least-recently-used
// provider (load spreading).
func (s *Scorer) LastUsedAt(providerID string) time.Time {
	p := s.getOrCreate(providerID)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUsedAt
}

// MarkUsed records that providerID was just selected by the dispatcher,
// independent of whether its attempt succeeded (recorded separately via
// RecordSuccess/RecordFailure once the outcome is known).
func (s *Scorer) MarkUsed(providerID string) {
	p := s.getOrCreate(providerID)
	now := s.clock.Now()
	p.mu.Lock()
	p.lastUsedAt = now
	p.mu.Unlock()
}

// Forget drops a provider's volatile state, called when its row is deleted
// from the registry.
func (s *Scorer) Forget(providerID string) {
	s.mu.Lock()
	delete(s.scores, providerID)
	s.mu.Unlock()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
