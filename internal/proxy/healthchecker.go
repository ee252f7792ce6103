package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/hermesproj/hermes/internal/breaker"
	"github.com/hermesproj/hermes/internal/metrics"
)

const healthProbeInterval = 30 * time.Second

// BreakerGate is the slice of the circuit breaker the health checker needs
// to run self-heal probes.
type BreakerGate interface {
	State(providerID string) breaker.State
	Allow(providerID string) bool
	RecordSuccess(providerID string)
	RecordFailure(providerID string)
}

// HealthChecker runs background probes against every active upstream. For a
// CLOSED provider the probe only feeds the health gauge; for a provider in
// cooldown it is the explicit self-heal probe: once the penalty expires the
// checker claims the single probe slot, issues one request, and reports the
// outcome so the breaker recovers without waiting for organic traffic.
type HealthChecker struct {
	client *Client
	list   func() []Upstream
	gate   BreakerGate
	met    *metrics.Registry

	baseCtx context.Context
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewHealthChecker starts the background prober. list returns the active
// upstreams to probe; met may be nil.
func NewHealthChecker(ctx context.Context, client *Client, list func() []Upstream, gate BreakerGate, met *metrics.Registry) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		client:  client,
		list:    list,
		gate:    gate,
		met:     met,
		baseCtx: ctx,
		done:    make(chan struct{}),
	}

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	hc.once.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	var wg sync.WaitGroup
	for _, up := range hc.list() {
		up := up
		wg.Add(1)
		go func() {
			defer wg.Done()

			if hc.gate.State(up.ID) == breaker.Closed {
				err := hc.client.Probe(hc.baseCtx, up)
				if hc.met != nil {
					hc.met.SetProviderHealth(up.ID, err == nil)
				}
				return
			}

			// Cooling down: only proceed once the breaker hands out the
			// probe slot, and report the result back.
			if !hc.gate.Allow(up.ID) {
				return
			}
			err := hc.client.Probe(hc.baseCtx, up)
			if err != nil {
				hc.gate.RecordFailure(up.ID)
			} else {
				hc.gate.RecordSuccess(up.ID)
			}
			if hc.met != nil {
				hc.met.SetProviderHealth(up.ID, err == nil)
				hc.met.SetCircuitBreaker(up.ID, int64(hc.gate.State(up.ID)))
			}
		}()
	}
	wg.Wait()
}
