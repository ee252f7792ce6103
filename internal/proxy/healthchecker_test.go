package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/hermesproj/hermes/internal/breaker"
	"github.com/hermesproj/hermes/internal/clock"
	"github.com/hermesproj/hermes/internal/testupstream"
)

func TestHealthChecker_SelfHealProbeClosesBreaker(t *testing.T) {
	up := testupstream.New("gpt-4o-mini")
	defer up.Close()

	mock := clock.NewMock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	br := breaker.New(mock, breaker.Config{}, nil)
	br.RecordFailure("p1")

	c := newTestClient(t)
	hc := NewHealthChecker(context.Background(), c,
		func() []Upstream { return []Upstream{{ID: "p1", BaseURL: up.URL, Credential: "k"}} },
		br, nil)
	defer hc.Close()

	// Inside the penalty window the probe slot is withheld.
	hc.probe()
	if br.State("p1") != breaker.Open {
		t.Fatalf("state = %v, want Open inside penalty", br.State("p1"))
	}

	// Once the penalty expires the checker claims the probe and heals.
	mock.Advance(31 * time.Minute)
	hc.probe()
	if br.State("p1") != breaker.Closed {
		t.Fatalf("state = %v, want Closed after successful probe", br.State("p1"))
	}
}

func TestHealthChecker_FailedProbeDoublesPenalty(t *testing.T) {
	dead := testupstream.New()
	url := dead.URL
	dead.Close()

	mock := clock.NewMock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	br := breaker.New(mock, breaker.Config{}, nil)
	br.RecordFailure("p1")
	penaltyAfterOne := br.PenaltyMs("p1")

	c := newTestClient(t)
	hc := NewHealthChecker(context.Background(), c,
		func() []Upstream { return []Upstream{{ID: "p1", BaseURL: url, Credential: "k"}} },
		br, nil)
	defer hc.Close()

	mock.Advance(31 * time.Minute)
	hc.probe()

	if br.State("p1") != breaker.Open {
		t.Fatalf("state = %v, want Open after failed probe", br.State("p1"))
	}
	if got := br.PenaltyMs("p1"); got != penaltyAfterOne*2 {
		t.Fatalf("penalty = %d, want doubled %d", got, penaltyAfterOne*2)
	}
}

func TestHealthChecker_ClosedProviderNotTouched(t *testing.T) {
	up := testupstream.New("gpt-4o-mini")
	defer up.Close()

	mock := clock.NewMock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	br := breaker.New(mock, breaker.Config{}, nil)

	c := newTestClient(t)
	hc := NewHealthChecker(context.Background(), c,
		func() []Upstream { return []Upstream{{ID: "p1", BaseURL: up.URL, Credential: "k"}} },
		br, nil)
	defer hc.Close()

	hc.probe()
	if br.State("p1") != breaker.Closed {
		t.Fatal("closed provider must stay closed")
	}
}
