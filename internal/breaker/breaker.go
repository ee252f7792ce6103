// Package breaker implements Hermes's per-provider circuit breaker: an
// exponential cooldown penalty with a self-healing probe. Every qualifying
// failure doubles the penalty window up to a cap; a successful probe resets
// it. Each provider holds independent, mutex-guarded state.
package breaker

import (
	"sync"
	"time"

	"github.com/hermesproj/hermes/internal/clock"
)

// State is a provider's circuit breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config tunes the penalty schedule and resync trigger.
type Config struct {
	// InitialPenalty is the cooldown applied on the first qualifying
	// failure. Default: 30m.
	InitialPenalty time.Duration

	// MaxPenalty caps the doubling schedule. Default: 4h.
	MaxPenalty time.Duration

	// ResyncThreshold is the consecutive-failure count at which a model
	// re-sync is scheduled for the offending provider. Default: 3.
	ResyncThreshold int
}

func (c Config) initialPenalty() time.Duration {
	if c.InitialPenalty > 0 {
		return c.InitialPenalty
	}
	return 30 * time.Minute
}

func (c Config) maxPenalty() time.Duration {
	if c.MaxPenalty > 0 {
		return c.MaxPenalty
	}
	return 4 * time.Hour
}

func (c Config) resyncThreshold() int {
	if c.ResyncThreshold > 0 {
		return c.ResyncThreshold
	}
	return 3
}

// providerBreaker holds one provider's penalty state.
type providerBreaker struct {
	mu sync.Mutex

	state               State
	consecutiveFailures int
	currentPenalty      time.Duration
	penaltyUntil        time.Time
	probeInflight       bool
}

// ResyncFunc is invoked (outside any lock) when a provider's consecutive
// failure count reaches the resync threshold.
type ResyncFunc func(providerID string)

// Breaker manages independent circuit breakers for every provider. Safe for
// concurrent use.
type Breaker struct {
	clock clock.Clock

	cfgMu sync.RWMutex
	cfg   Config

	onResync ResyncFunc

	mu       sync.RWMutex
	breakers map[string]*providerBreaker
}

// SetConfig replaces the penalty schedule at runtime (admin settings).
// Existing per-provider state keeps its current penalty; the new schedule
// applies from the next transition.
func (b *Breaker) SetConfig(cfg Config) {
	b.cfgMu.Lock()
	b.cfg = cfg
	b.cfgMu.Unlock()
}

func (b *Breaker) config() Config {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	return b.cfg
}

// New creates an empty Breaker. onResync may be nil if no re-sync hook is
// wired (e.g. in tests).
func New(c clock.Clock, cfg Config, onResync ResyncFunc) *Breaker {
	if c == nil {
		c = clock.Real()
	}
	return &Breaker{
		clock:    c,
		cfg:      cfg,
		onResync: onResync,
		breakers: make(map[string]*providerBreaker),
	}
}

func (b *Breaker) getOrCreate(providerID string) *providerBreaker {
	b.mu.RLock()
	pb, ok := b.breakers[providerID]
	b.mu.RUnlock()
	if ok {
		return pb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if pb, ok := b.breakers[providerID]; ok {
		return pb
	}
	pb = &providerBreaker{state: Closed}
	b.breakers[providerID] = pb
	return pb
}

// Allow reports whether providerID should receive the next request.
//
//   - CLOSED    → always true.
//   - OPEN      → false, unless now >= penaltyUntil, in which case the
//     breaker transitions to HALF_OPEN and allows exactly one probe.
//   - HALF_OPEN → true only if no probe is currently in flight.
func (b *Breaker) Allow(providerID string) bool {
	pb := b.getOrCreate(providerID)
	now := b.clock.Now()

	pb.mu.Lock()
	defer pb.mu.Unlock()

	switch pb.state {
	case Closed:
		return true
	case Open:
		if !now.Before(pb.penaltyUntil) {
			pb.state = HalfOpen
			pb.probeInflight = true
			return true
		}
		return false
	case HalfOpen:
		if pb.probeInflight {
			return false
		}
		pb.probeInflight = true
		return true
	}
	return true
}

// RecordSuccess reports a successful attempt.
//
// In CLOSED or OPEN, a success resets consecutiveFailures and halves the
// stored penalty without touching penaltyUntil; a halved penalty below the
// initial value is cleared, so the next failure starts again at the
// initial penalty.
//
// In HALF_OPEN, a successful probe resets consecutiveFailures,
// currentPenalty, and penaltyUntil entirely and returns the breaker to
// CLOSED.
func (b *Breaker) RecordSuccess(providerID string) {
	pb := b.getOrCreate(providerID)

	pb.mu.Lock()
	defer pb.mu.Unlock()

	switch pb.state {
	case HalfOpen:
		pb.state = Closed
		pb.consecutiveFailures = 0
		pb.currentPenalty = 0
		pb.penaltyUntil = time.Time{}
		pb.probeInflight = false
	default:
		pb.consecutiveFailures = 0
		if pb.currentPenalty > 0 {
			pb.currentPenalty /= 2
			if pb.currentPenalty < b.config().initialPenalty() {
				pb.currentPenalty = 0
			}
		}
	}
}

// RecordFailure reports a qualifying failure (transport, 5xx, timeout, or
// quota exhaustion — never a plain client 4xx, which must not trip the
// breaker).
//
// A HALF_OPEN probe failure is treated as a CLOSED-failure transition: the
// doubling schedule still applies, it does not restart at the initial
// penalty.
func (b *Breaker) RecordFailure(providerID string) {
	pb := b.getOrCreate(providerID)
	now := b.clock.Now()

	cfg := b.config()

	pb.mu.Lock()
	pb.probeInflight = false
	pb.consecutiveFailures++

	if pb.currentPenalty == 0 {
		pb.currentPenalty = cfg.initialPenalty()
	} else {
		pb.currentPenalty *= 2
	}
	if maxPenalty := cfg.maxPenalty(); pb.currentPenalty > maxPenalty {
		pb.currentPenalty = maxPenalty
	}
	pb.penaltyUntil = now.Add(pb.currentPenalty)
	pb.state = Open

	shouldResync := pb.consecutiveFailures >= cfg.resyncThreshold()
	pb.mu.Unlock()

	if shouldResync && b.onResync != nil {
		b.onResync(providerID)
	}
}

// ReleaseProbe returns an unused probe slot without recording an outcome.
// Called when an allowed attempt ends in a state that says nothing about the
// provider's health — a cancelled request, or a model-missing response that
// is filtered locally rather than fed back.
func (b *Breaker) ReleaseProbe(providerID string) {
	pb := b.getOrCreate(providerID)
	pb.mu.Lock()
	pb.probeInflight = false
	pb.mu.Unlock()
}

// State returns the current State for providerID.
func (b *Breaker) State(providerID string) State {
	pb := b.getOrCreate(providerID)
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.state
}

// StateLabel returns "closed", "open", or "half_open".
func (b *Breaker) StateLabel(providerID string) string {
	return b.State(providerID).String()
}

// PenaltyMs returns the current penalty duration in milliseconds for
// providerID (0 if it has never failed).
func (b *Breaker) PenaltyMs(providerID string) int64 {
	pb := b.getOrCreate(providerID)
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.currentPenalty.Milliseconds()
}

// Reset forces providerID back to CLOSED with all counters cleared —
// backs POST /admin/circuit-breaker/{providerId}/reset.
func (b *Breaker) Reset(providerID string) {
	pb := b.getOrCreate(providerID)
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.state = Closed
	pb.consecutiveFailures = 0
	pb.currentPenalty = 0
	pb.penaltyUntil = time.Time{}
	pb.probeInflight = false
}

// Forget drops a provider's volatile state entirely, called when its row is
// deleted from the registry.
func (b *Breaker) Forget(providerID string) {
	b.mu.Lock()
	delete(b.breakers, providerID)
	b.mu.Unlock()
}

// Snapshot describes one provider's breaker state for GET /admin/circuit-breaker.
type Snapshot struct {
	ProviderID          string
	State               string
	ConsecutiveFailures int
	CurrentPenaltyMs    int64
	PenaltyUntil        time.Time
}

// Snapshots returns a point-in-time view of every tracked provider.
func (b *Breaker) Snapshots() []Snapshot {
	b.mu.RLock()
	ids := make([]string, 0, len(b.breakers))
	pbs := make([]*providerBreaker, 0, len(b.breakers))
	for id, pb := range b.breakers {
		ids = append(ids, id)
		pbs = append(pbs, pb)
	}
	b.mu.RUnlock()

	out := make([]Snapshot, 0, len(ids))
	for i, id := range ids {
		pb := pbs[i]
		pb.mu.Lock()
		out = append(out, Snapshot{
			ProviderID:          id,
			State:               pb.state.String(),
			ConsecutiveFailures: pb.consecutiveFailures,
			CurrentPenaltyMs:    pb.currentPenalty.Milliseconds(),
			PenaltyUntil:        pb.penaltyUntil,
		})
		pb.mu.Unlock()
	}
	return out
}
