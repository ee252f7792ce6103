package logsink

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hermesproj/hermes/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "hermes-test.db")
	s, err := store.Open(store.DefaultConfig(dbPath), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSink_FlushesAllKindsOnClose(t *testing.T) {
	db := openTestStore(t)
	s, err := New(db, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const n = 25
	for i := 0; i < n; i++ {
		s.LogRequest(&store.RequestLog{
			Method: "POST", Path: "/v1/chat/completions",
			Model: "gpt-4o-mini", Status: 200, DurationMs: 180,
			ClientIP: "1.2.3.4", CreatedAt: time.Now().UTC(),
		})
	}
	s.LogSync(&store.SyncLog{
		ProviderID: "p1", ProviderName: "one", Model: "gpt-4o-mini",
		Result: store.SyncOK, Message: "model added", CreatedAt: time.Now().UTC(),
	})
	s.AddCounter(&store.CounterDelta{Global: "requests_total", Count: int64(n)})
	s.AddCounter(&store.CounterDelta{Model: "gpt-4o-mini", Count: int64(n)})
	s.AddCounter(&store.CounterDelta{Provider: "p1", Count: int64(n), Errors: 2})

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ctx := context.Background()

	logs, err := db.ListRequestLogs(ctx, 100, time.Time{})
	if err != nil {
		t.Fatalf("ListRequestLogs: %v", err)
	}
	if len(logs) != n {
		t.Fatalf("persisted %d request logs, want %d", len(logs), n)
	}

	syncs, err := db.ListSyncLogs(ctx, "p1", 10)
	if err != nil {
		t.Fatalf("ListSyncLogs: %v", err)
	}
	if len(syncs) != 1 {
		t.Fatalf("persisted %d sync logs, want 1", len(syncs))
	}

	total, err := db.GlobalCounter(ctx, "requests_total")
	if err != nil {
		t.Fatalf("GlobalCounter: %v", err)
	}
	if total != n {
		t.Fatalf("requests_total = %d, want %d", total, n)
	}

	count, errs, err := db.ProviderCounter(ctx, "p1")
	if err != nil {
		t.Fatalf("ProviderCounter: %v", err)
	}
	if count != n || errs != 2 {
		t.Fatalf("provider counter = (%d, %d), want (%d, 2)", count, errs, n)
	}

	if s.DroppedRequests() != 0 || s.DroppedAux() != 0 {
		t.Fatalf("nothing should be dropped, got requests=%d aux=%d",
			s.DroppedRequests(), s.DroppedAux())
	}
}

func TestSink_BatchSizeTriggersFlush(t *testing.T) {
	db := openTestStore(t)
	s, err := New(db, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	// One full batch should flush without waiting for the ticker.
	for i := 0; i < batchSize; i++ {
		s.LogRequest(&store.RequestLog{
			Method: "POST", Path: "/v1/chat/completions",
			Status: 200, CreatedAt: time.Now().UTC(),
		})
	}

	deadline := time.Now().Add(flushInterval / 2)
	for time.Now().Before(deadline) {
		logs, err := db.ListRequestLogs(context.Background(), batchSize+1, time.Time{})
		if err != nil {
			t.Fatalf("ListRequestLogs: %v", err)
		}
		if len(logs) == batchSize {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("full batch was not flushed before the ticker interval")
}

func TestSink_AuxOverflowEvictsOldestAndCounts(t *testing.T) {
	db := openTestStore(t)
	s, err := New(db, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Overfill the auxiliary buffer before the worker can drain much of it.
	const extra = 500
	for i := 0; i < auxBuffer+extra; i++ {
		s.AddCounter(&store.CounterDelta{Global: "g", Count: 1})
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	total, err := db.GlobalCounter(context.Background(), "g")
	if err != nil {
		t.Fatalf("GlobalCounter: %v", err)
	}

	// enqueued = persisted + dropped, whatever the race between producer
	// and drainer decided.
	if total+s.DroppedAux() != auxBuffer+extra {
		t.Fatalf("persisted(%d) + dropped(%d) != enqueued(%d)",
			total, s.DroppedAux(), auxBuffer+extra)
	}
}
