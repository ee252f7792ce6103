package scorer

import (
	"testing"
	"time"

	"github.com/hermesproj/hermes/internal/clock"
)

func TestScorer_UnseenProviderScoresPointSixFive(t *testing.T) {
	s := New(clock.NewMock(time.Unix(0, 0)))
	if got, want := s.Score("p1"), 0.65; !almostEqual(got, want) {
		t.Fatalf("Score(unseen) = %v, want %v", got, want)
	}
}

func TestScorer_RecordSuccessRaisesScore(t *testing.T) {
	mc := clock.NewMock(time.Unix(0, 0))
	s := New(mc)
	before := s.Score("p1")
	s.RecordSuccess("p1", 50*time.Millisecond)
	after := s.Score("p1")
	if after <= before {
		t.Fatalf("expected score to rise after success: before=%v after=%v", before, after)
	}
}

func TestScorer_RecordFailureLowersSuccessOnlyLatencyUnchanged(t *testing.T) {
	mc := clock.NewMock(time.Unix(0, 0))
	s := New(mc)
	s.RecordSuccess("p1", 1*time.Second)
	scoreAfterSuccess := s.Score("p1")

	s.RecordFailure("p1")
	scoreAfterFailure := s.Score("p1")
	if scoreAfterFailure >= scoreAfterSuccess {
		t.Fatalf("expected score to drop after failure: success=%v failure=%v", scoreAfterSuccess, scoreAfterFailure)
	}
	if got, want := s.getOrCreate("p1").ewmaLatencyMs, 1000.0; got != want {
		t.Fatalf("ewmaLatencyMs after failure = %v, want %v (unchanged)", got, want)
	}
}

func TestScorer_FreshnessDecaysWithAge(t *testing.T) {
	mc := clock.NewMock(time.Unix(0, 0))
	s := New(mc)
	s.RecordSuccess("p1", 100*time.Millisecond)
	fresh := s.Score("p1")

	mc.Advance(24 * time.Hour)
	stale := s.Score("p1")
	if stale >= fresh {
		t.Fatalf("expected score to decay after 24h: fresh=%v stale=%v", fresh, stale)
	}
}

func TestScorer_ForgetDropsState(t *testing.T) {
	s := New(clock.NewMock(time.Unix(0, 0)))
	s.RecordSuccess("p1", 10*time.Millisecond)
	s.Forget("p1")
	if got, want := s.Score("p1"), 0.65; !almostEqual(got, want) {
		t.Fatalf("Score(p1) after Forget = %v, want fresh-provider baseline %v", got, want)
	}
}

func almostEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 1e-9
}
