// Package ratelimit implements Hermes's per-client sliding-window admission
// control. The default Limiter is an in-process 12-slot/5s ring with no
// external dependency; a Redis-backed Limiter is available for multi-replica
// deployments that need a shared limit.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Result is the outcome of a single Allow check, carrying the data needed
// for the gateway's X-RateLimit-* response headers.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetSeconds is how many wall-clock seconds until the oldest fresh
	// slot expires.
	ResetSeconds int
}

// Limiter is the shared interface both backends implement.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

const (
	slots      = 12
	slotWindow = 5 * time.Second
	window     = slots * slotWindow // 60s
)

type ring struct {
	mu    sync.Mutex
	slot  [slots]int64 // request counts
	stamp [slots]int64 // unix-nanos of the last write to this slot
}

// MemoryLimiter is the default backend: a fixed 12×5s ring per client key.
// Safe for concurrent use; a client key holds a single short critical
// section per Allow call.
type MemoryLimiter struct {
	clockNow func() time.Time
	limit    int

	mu    sync.Mutex
	rings map[string]*ring
}

// NewMemoryLimiter builds a MemoryLimiter with the given per-key limit
// (default per spec: 60 requests / 60s window, expressed as slots of 5s).
func NewMemoryLimiter(limit int) *MemoryLimiter {
	return &MemoryLimiter{
		clockNow: time.Now,
		limit:    limit,
		rings:    make(map[string]*ring),
	}
}

func (m *MemoryLimiter) getRing(key string) *ring {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rings[key]
	if !ok {
		r = &ring{}
		m.rings[key] = r
	}
	return r
}

// Allow admits or denies one request for key:
//  1. now, slot index i = (now/5s) mod 12.
//  2. If slot i was last written more than one slot width (5s) ago, it
//     holds counts from an earlier turn of the ring; zero it.
//  3. Sum fresh slot counts; if sum+1 > limit, deny; else increment slot i.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (Result, error) {
	m.mu.Lock()
	limit := m.limit
	m.mu.Unlock()
	if limit <= 0 {
		limit = 60
	}

	r := m.getRing(key)
	now := m.clockNow()
	nowNanos := now.UnixNano()
	slotDur := slotWindow.Nanoseconds()
	windowDur := window.Nanoseconds()

	i := int((nowNanos / slotDur) % slots)

	r.mu.Lock()
	defer r.mu.Unlock()

	if nowNanos-r.stamp[i] > slotDur {
		r.slot[i] = 0
	}

	sum := int64(0)
	oldestFreshStamp := nowNanos
	for idx := 0; idx < slots; idx++ {
		if nowNanos-r.stamp[idx] > windowDur {
			continue // stale, contributes nothing
		}
		sum += r.slot[idx]
		if r.stamp[idx] != 0 && r.stamp[idx] < oldestFreshStamp {
			oldestFreshStamp = r.stamp[idx]
		}
	}

	remaining := int(int64(limit) - sum)
	if remaining < 0 {
		remaining = 0
	}

	resetSeconds := int(windowDur/int64(time.Second)) - int((nowNanos-oldestFreshStamp)/int64(time.Second))
	if resetSeconds < 0 {
		resetSeconds = 0
	}

	if sum+1 > int64(limit) {
		return Result{Allowed: false, Limit: limit, Remaining: remaining, ResetSeconds: resetSeconds}, nil
	}

	r.slot[i]++
	r.stamp[i] = nowNanos
	remaining--
	if remaining < 0 {
		remaining = 0
	}

	return Result{Allowed: true, Limit: limit, Remaining: remaining, ResetSeconds: resetSeconds}, nil
}

// SetLimit updates the per-key request ceiling at runtime (backs the
// rateLimitMax admin setting).
func (m *MemoryLimiter) SetLimit(limit int) {
	m.mu.Lock()
	m.limit = limit
	m.mu.Unlock()
}
