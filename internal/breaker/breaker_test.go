package breaker

import (
	"testing"
	"time"

	"github.com/hermesproj/hermes/internal/clock"
)

func TestBreaker_InitialStateClosed(t *testing.T) {
	b := New(clock.NewMock(time.Unix(0, 0)), Config{}, nil)
	if got := b.State("p1"); got != Closed {
		t.Fatalf("initial state = %v, want Closed", got)
	}
	if !b.Allow("p1") {
		t.Fatal("expected Allow(unknown provider) = true")
	}
}

func TestBreaker_OpensWithInitialPenaltyOnFirstFailure(t *testing.T) {
	mc := clock.NewMock(time.Unix(0, 0))
	b := New(mc, Config{InitialPenalty: 30 * time.Minute, MaxPenalty: 4 * time.Hour}, nil)

	b.RecordFailure("p1")
	if got := b.State("p1"); got != Open {
		t.Fatalf("state after first failure = %v, want Open", got)
	}
	if got, want := b.PenaltyMs("p1"), (30 * time.Minute).Milliseconds(); got != want {
		t.Fatalf("PenaltyMs = %d, want %d", got, want)
	}
	if b.Allow("p1") {
		t.Fatal("expected Allow = false while penalty is active")
	}
}

func TestBreaker_PenaltyDoublesNotQuadruples(t *testing.T) {
	mc := clock.NewMock(time.Unix(0, 0))
	initial := 30 * time.Minute
	b := New(mc, Config{InitialPenalty: initial, MaxPenalty: 4 * time.Hour}, nil)

	b.RecordFailure("p1") // t=0, penalty=30m
	mc.Advance(initial + time.Second)
	if !b.Allow("p1") { // transitions OPEN -> HALF_OPEN, allows probe
		t.Fatal("expected probe to be allowed once penalty elapses")
	}
	b.RecordFailure("p1") // probe failed: doubling applies, not reset

	if got, want := b.PenaltyMs("p1"), (60 * time.Minute).Milliseconds(); got != want {
		t.Fatalf("PenaltyMs after second failure = %d, want %d (doubled, not quadrupled)", got, want)
	}
}

func TestBreaker_PenaltyCapsAtMax(t *testing.T) {
	mc := clock.NewMock(time.Unix(0, 0))
	b := New(mc, Config{InitialPenalty: time.Hour, MaxPenalty: 3 * time.Hour}, nil)

	for i := 0; i < 5; i++ {
		b.RecordFailure("p1")
		mc.Advance(4 * time.Hour)
	}
	if got, want := b.PenaltyMs("p1"), (3 * time.Hour).Milliseconds(); got != want {
		t.Fatalf("PenaltyMs = %d, want capped at %d", got, want)
	}
}

func TestBreaker_HalfOpenProbeSuccessResetsEverything(t *testing.T) {
	mc := clock.NewMock(time.Unix(0, 0))
	b := New(mc, Config{InitialPenalty: 30 * time.Minute, MaxPenalty: 4 * time.Hour}, nil)

	b.RecordFailure("p1")
	mc.Advance(31 * time.Minute)
	if !b.Allow("p1") {
		t.Fatal("expected probe to be allowed")
	}
	b.RecordSuccess("p1")

	if got := b.State("p1"); got != Closed {
		t.Fatalf("state after successful probe = %v, want Closed", got)
	}
	if got := b.PenaltyMs("p1"); got != 0 {
		t.Fatalf("PenaltyMs after reset = %d, want 0", got)
	}
}

func TestBreaker_OnlyOneProbeInFlight(t *testing.T) {
	mc := clock.NewMock(time.Unix(0, 0))
	b := New(mc, Config{InitialPenalty: 30 * time.Minute, MaxPenalty: 4 * time.Hour}, nil)

	b.RecordFailure("p1")
	mc.Advance(31 * time.Minute)

	if !b.Allow("p1") {
		t.Fatal("expected first probe to be allowed")
	}
	if b.Allow("p1") {
		t.Fatal("expected second concurrent probe to be rejected")
	}
}

func TestBreaker_SuccessHalvesPenaltyWithoutTouchingPenaltyUntil(t *testing.T) {
	mc := clock.NewMock(time.Unix(0, 0))
	b := New(mc, Config{InitialPenalty: 30 * time.Minute, MaxPenalty: 4 * time.Hour}, nil)

	b.RecordFailure("p1")
	mc.Advance(31 * time.Minute)
	b.Allow("p1") // half-open probe
	b.RecordSuccess("p1")

	// Trip the breaker again and fail the next probe, so a 60m penalty is
	// stored while the provider is still cooling down.
	b.RecordFailure("p1")
	mc.Advance(61 * time.Minute)
	b.Allow("p1")
	b.RecordFailure("p1") // penalty now 60m
	if got, want := b.PenaltyMs("p1"), (60 * time.Minute).Milliseconds(); got != want {
		t.Fatalf("PenaltyMs = %d, want %d", got, want)
	}

	// A success recorded during the cooldown halves the stored penalty and
	// leaves penaltyUntil where it was.
	b.RecordSuccess("p1")
	if got, want := b.PenaltyMs("p1"), (30 * time.Minute).Milliseconds(); got != want {
		t.Fatalf("PenaltyMs after success = %d, want %d", got, want)
	}
	if b.Allow("p1") {
		t.Fatal("expected the provider to stay in cooldown after the success")
	}
}

func TestBreaker_ResyncThresholdTriggersHook(t *testing.T) {
	mc := clock.NewMock(time.Unix(0, 0))
	var resynced []string
	b := New(mc, Config{InitialPenalty: time.Minute, MaxPenalty: time.Hour, ResyncThreshold: 2}, func(providerID string) {
		resynced = append(resynced, providerID)
	})

	b.RecordFailure("p1")
	if len(resynced) != 0 {
		t.Fatalf("expected no resync after 1 failure, got %v", resynced)
	}
	mc.Advance(2 * time.Minute)
	b.Allow("p1")
	b.RecordFailure("p1")
	if len(resynced) != 1 || resynced[0] != "p1" {
		t.Fatalf("expected resync triggered for p1 after reaching threshold, got %v", resynced)
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := New(clock.NewMock(time.Unix(0, 0)), Config{InitialPenalty: time.Minute, MaxPenalty: time.Hour}, nil)
	b.RecordFailure("p1")
	b.Reset("p1")
	if got := b.State("p1"); got != Closed {
		t.Fatalf("state after Reset = %v, want Closed", got)
	}
	if !b.Allow("p1") {
		t.Fatal("expected Allow = true after Reset")
	}
}
