package registry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hermesproj/hermes/internal/clock"
	"github.com/hermesproj/hermes/internal/normalize"
	"github.com/hermesproj/hermes/internal/store"
)

// stubFetcher scripts FetchModels per call.
type stubFetcher struct {
	mu     sync.Mutex
	models []string
	err    error
	delay  time.Duration
	calls  int64
}

func (f *stubFetcher) FetchModels(_ context.Context, _, _ string) ([]string, error) {
	atomic.AddInt64(&f.calls, 1)
	f.mu.Lock()
	models := append([]string(nil), f.models...)
	err := f.err
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return models, err
}

func (f *stubFetcher) set(models []string, err error) {
	f.mu.Lock()
	f.models = models
	f.err = err
	f.mu.Unlock()
}

// captureSink records sync logs without a store round trip.
type captureSink struct {
	mu   sync.Mutex
	logs []*store.SyncLog
}

func (c *captureSink) LogSync(l *store.SyncLog) {
	c.mu.Lock()
	c.logs = append(c.logs, l)
	c.mu.Unlock()
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.logs)
}

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

func newTestRegistry(t *testing.T, db *store.Store) (*Registry, *stubFetcher, *captureSink, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	sink := &captureSink{}
	r, err := New(db, normalize.New(nil), sink, mock, Config{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f := &stubFetcher{}
	r.SetFetcher(f)
	return r, f, sink, mock
}

func seedProvider(t *testing.T, db *store.Store, r *Registry, id string, models ...string) {
	t.Helper()
	err := db.CreateProvider(context.Background(), &store.Provider{
		ID: id, Name: id, BaseURL: "http://" + id, Credential: "k",
		Models: models, Status: store.ProviderActive,
	})
	if err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
}

func TestRegistry_ProvidersForUsesEffectiveModels(t *testing.T) {
	db := openTestStore(t)
	r, _, _, _ := newTestRegistry(t, db)

	seedProvider(t, db, r, "p1", "gpt-4o-mini", "gpt-4o")
	err := db.CreateProvider(context.Background(), &store.Provider{
		ID: "p2", Name: "p2", BaseURL: "http://p2", Credential: "k",
		Models: []string{"gpt-4o-mini"}, Blacklist: []string{"gpt-4o-mini"},
		Status: store.ProviderActive,
	})
	if err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	provs := r.ProvidersFor("gpt-4o-mini")
	if len(provs) != 1 || provs[0].ID != "p1" {
		t.Fatalf("ProvidersFor = %v, want [p1]: blacklisted models are excluded", provs)
	}
}

func TestRegistry_PendingProviderNotRouted(t *testing.T) {
	db := openTestStore(t)
	r, _, _, _ := newTestRegistry(t, db)

	err := db.CreateProvider(context.Background(), &store.Provider{
		ID: "p1", Name: "p1", BaseURL: "http://p1", Credential: "k",
		Models: []string{"gpt-4o-mini"},
	})
	if err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if provs := r.ProvidersFor("gpt-4o-mini"); len(provs) != 0 {
		t.Fatalf("pending providers must not be routed, got %v", provs)
	}
}

func TestRegistry_SyncActivatesAndRecordsDiff(t *testing.T) {
	db := openTestStore(t)
	r, f, sink, _ := newTestRegistry(t, db)

	err := db.CreateProvider(context.Background(), &store.Provider{
		ID: "p1", Name: "one", BaseURL: "http://p1", Credential: "k",
		Models: []string{"gpt-4o"},
	})
	if err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	// Upstream advertises a different set, with an alias and a duplicate.
	f.set([]string{"openai/gpt-4o-mini", "GPT-4O-MINI", "gpt-3.5-turbo"}, nil)

	if err := r.SyncProvider(context.Background(), "p1"); err != nil {
		t.Fatalf("SyncProvider: %v", err)
	}

	p, ok := r.Get("p1")
	if !ok {
		t.Fatal("provider missing from snapshot")
	}
	if p.Status != store.ProviderActive {
		t.Fatalf("status = %q, want active", p.Status)
	}
	if len(p.Models) != 2 {
		t.Fatalf("models = %v, want the deduplicated pair", p.Models)
	}
	if p.LastSyncedAt == nil {
		t.Fatal("lastSyncedAt not set")
	}

	// One "added" row per new model, one "removed" for gpt-4o.
	if got := sink.count(); got != 3 {
		t.Fatalf("sync log rows = %d, want 3", got)
	}

	if provs := r.ProvidersFor("gpt-4o-mini"); len(provs) != 1 {
		t.Fatalf("synced model should be routable, got %v", provs)
	}
}

func TestRegistry_SyncFailureOnPendingMarksError(t *testing.T) {
	db := openTestStore(t)
	r, f, _, _ := newTestRegistry(t, db)

	err := db.CreateProvider(context.Background(), &store.Provider{
		ID: "p1", Name: "one", BaseURL: "http://p1", Credential: "k",
	})
	if err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	f.set(nil, errors.New("connection refused"))
	_ = r.SyncProvider(context.Background(), "p1")

	p, _ := r.Get("p1")
	if p.Status != store.ProviderError {
		t.Fatalf("status = %q, want error", p.Status)
	}
}

func TestRegistry_SyncFailureKeepsActiveModels(t *testing.T) {
	db := openTestStore(t)
	r, f, _, mock := newTestRegistry(t, db)

	seedProvider(t, db, r, "p1", "gpt-4o-mini")

	f.set(nil, errors.New("timeout"))
	mock.Advance(10 * time.Second)
	_ = r.SyncProvider(context.Background(), "p1")

	p, _ := r.Get("p1")
	if p.Status != store.ProviderActive {
		t.Fatalf("status = %q, want active (sync failure must not demote)", p.Status)
	}
	if len(p.Models) != 1 {
		t.Fatalf("models lost on failed sync: %v", p.Models)
	}
}

func TestRegistry_SyncMinInterval(t *testing.T) {
	db := openTestStore(t)
	r, f, _, mock := newTestRegistry(t, db)

	seedProvider(t, db, r, "p1", "gpt-4o-mini")
	f.set([]string{"gpt-4o-mini"}, nil)

	if err := r.SyncProvider(context.Background(), "p1"); err != nil {
		t.Fatalf("SyncProvider: %v", err)
	}
	// Inside the cooldown window: a no-op, no second fetch.
	if err := r.SyncProvider(context.Background(), "p1"); err != nil {
		t.Fatalf("SyncProvider: %v", err)
	}
	if got := atomic.LoadInt64(&f.calls); got != 1 {
		t.Fatalf("fetch calls = %d, want 1 (cooldown)", got)
	}

	mock.Advance(6 * time.Second)
	if err := r.SyncProvider(context.Background(), "p1"); err != nil {
		t.Fatalf("SyncProvider: %v", err)
	}
	if got := atomic.LoadInt64(&f.calls); got != 2 {
		t.Fatalf("fetch calls = %d, want 2 after cooldown", got)
	}
}

func TestRegistry_ConcurrentSyncsCoalesce(t *testing.T) {
	db := openTestStore(t)
	r, f, _, _ := newTestRegistry(t, db)

	seedProvider(t, db, r, "p1", "gpt-4o-mini")
	f.set([]string{"gpt-4o-mini"}, nil)
	f.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.SyncProvider(context.Background(), "p1")
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&f.calls); got != 1 {
		t.Fatalf("fetch calls = %d, want 1 (coalesced)", got)
	}
}

func TestRegistry_BlacklistModelRemovesFromIndex(t *testing.T) {
	db := openTestStore(t)
	r, f, _, _ := newTestRegistry(t, db)

	seedProvider(t, db, r, "p1", "gpt-4o-mini", "gpt-4o")
	f.set([]string{"gpt-4o-mini", "gpt-4o"}, nil)

	if err := r.BlacklistModel(context.Background(), "p1", "gpt-4o"); err != nil {
		t.Fatalf("BlacklistModel: %v", err)
	}

	if provs := r.ProvidersFor("gpt-4o"); len(provs) != 0 {
		t.Fatalf("blacklisted model still routable: %v", provs)
	}
	if provs := r.ProvidersFor("gpt-4o-mini"); len(provs) != 1 {
		t.Fatal("other models must stay routable")
	}

	// Idempotent.
	if err := r.BlacklistModel(context.Background(), "p1", "gpt-4o"); err != nil {
		t.Fatalf("BlacklistModel (repeat): %v", err)
	}
	p, _ := r.Get("p1")
	if len(p.Blacklist) != 1 {
		t.Fatalf("blacklist = %v, want exactly one entry", p.Blacklist)
	}
}

func TestRegistry_DeleteRunsForgetHooks(t *testing.T) {
	db := openTestStore(t)
	r, _, _, _ := newTestRegistry(t, db)

	var forgotten []string
	r.OnForget(func(id string) { forgotten = append(forgotten, id) })

	seedProvider(t, db, r, "p1", "gpt-4o-mini")

	if err := r.Delete(context.Background(), "p1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(forgotten) != 1 || forgotten[0] != "p1" {
		t.Fatalf("forget hooks = %v, want [p1]", forgotten)
	}
	if _, ok := r.Get("p1"); ok {
		t.Fatal("deleted provider still in snapshot")
	}
}

func TestRegistry_SnapshotHashChangesWithModels(t *testing.T) {
	db := openTestStore(t)
	r, f, _, mock := newTestRegistry(t, db)

	seedProvider(t, db, r, "p1", "gpt-4o-mini")
	h1 := r.Snapshot().Hash

	f.set([]string{"gpt-4o-mini", "gpt-4o"}, nil)
	mock.Advance(6 * time.Second)
	if err := r.SyncProvider(context.Background(), "p1"); err != nil {
		t.Fatalf("SyncProvider: %v", err)
	}

	if h2 := r.Snapshot().Hash; h2 == h1 {
		t.Fatal("snapshot hash should change when the model set changes")
	}
}
