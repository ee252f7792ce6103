// Package registry owns the in-memory view of all configured providers and
// keeps it synchronized with both the durable store and the upstreams
// themselves (model list sync).
//
// Reads are lock-free: the registry publishes an immutable Snapshot behind
// an atomic pointer and every mutation rebuilds and swaps it. Mutations go
// through the store first, so a crash never leaves memory ahead of disk.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hermesproj/hermes/internal/clock"
	"github.com/hermesproj/hermes/internal/normalize"
	"github.com/hermesproj/hermes/internal/store"
)

// SyncLogger is the slice of the log sink the registry needs: append-only
// sync records, never blocking.
type SyncLogger interface {
	LogSync(*store.SyncLog)
}

// Snapshot is an immutable point-in-time view of every provider. Callers
// must not mutate anything reachable from it.
type Snapshot struct {
	Providers map[string]*store.Provider

	// ByModel maps a normalized model id to the ids of active providers
	// whose effective set contains it.
	ByModel map[string][]string

	// Hash fingerprints the snapshot for response caching.
	Hash string
}

// Config tunes sync behavior.
type Config struct {
	// SyncTimeout bounds one model-list fetch. Default: 30s.
	SyncTimeout time.Duration

	// MinSyncInterval is the per-provider floor between outgoing syncs.
	// Default: 5s.
	MinSyncInterval time.Duration

	// SyncConcurrency bounds how many providers sync at once during a full
	// sweep. Default: 4.
	SyncConcurrency int

	// PeriodicInterval is the full-sweep cadence. Default: 1h.
	PeriodicInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 30 * time.Second
	}
	if c.MinSyncInterval <= 0 {
		c.MinSyncInterval = 5 * time.Second
	}
	if c.SyncConcurrency <= 0 {
		c.SyncConcurrency = 4
	}
	if c.PeriodicInterval <= 0 {
		c.PeriodicInterval = time.Hour
	}
}

// Registry is the runtime provider catalog.
type Registry struct {
	cfg   Config
	db    *store.Store
	norm  *normalize.Normalizer
	sink  SyncLogger
	log   *slog.Logger
	clock clock.Clock

	snap atomic.Pointer[Snapshot]

	// mu serializes mutations (store write + snapshot rebuild).
	mu sync.Mutex

	// syncMu guards the per-provider sync bookkeeping below.
	syncMu    sync.Mutex
	lastSync  map[string]time.Time
	inflight  map[string]chan struct{}
	fetcher   ModelFetcher
	syncHook  func(providerID string, result string)
	onForget  []func(providerID string)
	cronStop  func()
	cronOnce  sync.Once
}

// ModelFetcher retrieves an upstream's advertised model list. Implemented by
// modelFetcher over HTTP; replaced by a stub in tests.
type ModelFetcher interface {
	FetchModels(ctx context.Context, baseURL, credential string) ([]string, error)
}

// New builds a Registry and loads the initial snapshot from the store.
func New(db *store.Store, norm *normalize.Normalizer, sink SyncLogger, c clock.Clock, cfg Config, logger *slog.Logger) (*Registry, error) {
	cfg.applyDefaults()
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		cfg:      cfg,
		db:       db,
		norm:     norm,
		sink:     sink,
		log:      logger,
		clock:    c,
		lastSync: make(map[string]time.Time),
		inflight: make(map[string]chan struct{}),
		fetcher:  newModelFetcher(cfg.SyncTimeout),
	}

	if err := r.Reload(context.Background()); err != nil {
		return nil, err
	}
	return r, nil
}

// SetFetcher replaces the model-list fetcher (tests).
func (r *Registry) SetFetcher(f ModelFetcher) { r.fetcher = f }

// SetSyncHook installs an observer called after every sync attempt with
// "ok" or "error" (metrics).
func (r *Registry) SetSyncHook(fn func(providerID, result string)) { r.syncHook = fn }

// OnForget registers a hook invoked when a provider is deleted, so volatile
// per-provider state (scorer, breaker) is garbage-collected with it.
func (r *Registry) OnForget(fn func(providerID string)) {
	r.onForget = append(r.onForget, fn)
}

// Snapshot returns the current immutable view.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// Get returns one provider from the current snapshot.
func (r *Registry) Get(id string) (*store.Provider, bool) {
	p, ok := r.Snapshot().Providers[id]
	return p, ok
}

// ProvidersFor returns the active providers advertising the normalized
// model, in unspecified order.
func (r *Registry) ProvidersFor(model string) []*store.Provider {
	snap := r.Snapshot()
	ids := snap.ByModel[model]
	out := make([]*store.Provider, 0, len(ids))
	for _, id := range ids {
		if p, ok := snap.Providers[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Reload rebuilds the snapshot from the store.
func (r *Registry) Reload(ctx context.Context) error {
	provs, err := r.db.ListProviders(ctx)
	if err != nil {
		return fmt.Errorf("registry: load providers: %w", err)
	}
	r.publish(provs)
	return nil
}

func (r *Registry) publish(provs []*store.Provider) {
	byID := make(map[string]*store.Provider, len(provs))
	byModel := make(map[string][]string)

	ids := make([]string, 0, len(provs))
	for _, p := range provs {
		byID[p.ID] = p
		ids = append(ids, p.ID)
	}
	sort.Strings(ids)

	h := sha256.New()
	for _, id := range ids {
		p := byID[id]
		h.Write([]byte(id))
		h.Write([]byte{0})
		h.Write([]byte(p.Status))
		h.Write([]byte{0})
		if p.Status == store.ProviderActive {
			models := make([]string, 0, len(p.Models))
			for _, m := range p.EffectiveModels() {
				models = append(models, r.norm.Canonicalize(m))
			}
			sort.Strings(models)
			seen := ""
			for _, m := range models {
				if m == seen {
					continue // duplicates collapse under normalization
				}
				seen = m
				byModel[m] = append(byModel[m], id)
				h.Write([]byte(m))
				h.Write([]byte{0})
			}
		}
	}

	r.snap.Store(&Snapshot{
		Providers: byID,
		ByModel:   byModel,
		Hash:      hex.EncodeToString(h.Sum(nil)),
	})
}

// Create persists a new provider in the pending state, publishes it, and
// kicks off its first model sync in the background.
func (r *Registry) Create(ctx context.Context, p *store.Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p.Status = store.ProviderPending
	p.Models = r.normalizeList(p.Models)
	p.Blacklist = r.normalizeList(p.Blacklist)

	if err := r.db.CreateProvider(ctx, p); err != nil {
		return err
	}
	if err := r.Reload(ctx); err != nil {
		return err
	}

	go r.SyncProvider(context.Background(), p.ID)
	return nil
}

// Update overwrites a provider's mutable fields and republishes.
func (r *Registry) Update(ctx context.Context, p *store.Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p.Models = r.normalizeList(p.Models)
	p.Blacklist = r.normalizeList(p.Blacklist)

	if err := r.db.UpdateProvider(ctx, p); err != nil {
		return err
	}
	return r.Reload(ctx)
}

// Delete removes a provider and garbage-collects its volatile state.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.db.DeleteProvider(ctx, id); err != nil {
		return err
	}
	if err := r.Reload(ctx); err != nil {
		return err
	}
	for _, fn := range r.onForget {
		fn(id)
	}
	return nil
}

// BlacklistModel adds model to the provider's blacklist — the local filter
// applied when an upstream 404s a model it advertised — and schedules a
// re-sync to reconcile the advertised list.
func (r *Registry) BlacklistModel(ctx context.Context, providerID, model string) error {
	r.mu.Lock()

	p, err := r.db.GetProvider(ctx, providerID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	canon := r.norm.Canonicalize(model)
	for _, b := range p.Blacklist {
		if r.norm.Canonicalize(b) == canon {
			r.mu.Unlock()
			return nil
		}
	}
	p.Blacklist = append(p.Blacklist, canon)
	if err := r.db.UpdateProvider(ctx, p); err != nil {
		r.mu.Unlock()
		return err
	}
	err = r.Reload(ctx)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	if r.sink != nil {
		r.sink.LogSync(&store.SyncLog{
			ProviderID:   p.ID,
			ProviderName: p.Name,
			Model:        canon,
			Result:       store.SyncError,
			Message:      "model blacklisted: upstream reported it missing",
			CreatedAt:    r.clock.Now().UTC(),
		})
	}

	go r.SyncProvider(context.Background(), providerID)
	return nil
}

// TouchUsed records that a provider just served a request. The durable
// write happens off the request path.
func (r *Registry) TouchUsed(providerID string) {
	now := r.clock.Now().UTC()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.db.TouchProviderUsed(ctx, providerID, now); err != nil {
			r.log.Warn("touch provider failed",
				slog.String("provider", providerID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (r *Registry) normalizeList(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, m := range in {
		c := r.norm.Canonicalize(m)
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
