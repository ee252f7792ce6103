package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/robfig/cron/v3"

	"github.com/hermesproj/hermes/internal/store"
)

// modelFetcher is the production ModelFetcher: GET {base}/v1/models with the
// provider's credential.
type modelFetcher struct {
	client *http.Client
}

func newModelFetcher(timeout time.Duration) *modelFetcher {
	return &modelFetcher{client: &http.Client{Timeout: timeout}}
}

func (f *modelFetcher) FetchModels(ctx context.Context, baseURL, credential string) ([]string, error) {
	url := strings.TrimRight(baseURL, "/") + "/v1/models"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 8<<10))
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var page struct {
		Data []openai.Model `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}

	models := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		if m.ID != "" {
			models = append(models, m.ID)
		}
	}
	return models, nil
}

// SyncProvider refreshes one provider's model list from its upstream.
// Concurrent calls for the same provider coalesce onto a single fetch, and
// a provider is synced at most once per MinSyncInterval — later requests
// inside the window are no-ops.
func (r *Registry) SyncProvider(ctx context.Context, providerID string) error {
	r.syncMu.Lock()
	if ch, ok := r.inflight[providerID]; ok {
		r.syncMu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	if last, ok := r.lastSync[providerID]; ok && r.clock.Now().Sub(last) < r.cfg.MinSyncInterval {
		r.syncMu.Unlock()
		return nil
	}
	done := make(chan struct{})
	r.inflight[providerID] = done
	r.lastSync[providerID] = r.clock.Now()
	r.syncMu.Unlock()

	defer func() {
		r.syncMu.Lock()
		delete(r.inflight, providerID)
		r.syncMu.Unlock()
		close(done)
	}()

	return r.syncOnce(ctx, providerID)
}

func (r *Registry) syncOnce(ctx context.Context, providerID string) error {
	p, err := r.db.GetProvider(ctx, providerID)
	if err != nil {
		return err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.SyncTimeout)
	defer cancel()

	fetched, err := r.fetcher.FetchModels(fetchCtx, p.BaseURL, p.Credential)
	now := r.clock.Now().UTC()

	if err != nil {
		r.log.Warn("model sync failed",
			slog.String("provider", p.ID),
			slog.String("error", err.Error()),
		)
		if r.sink != nil {
			r.sink.LogSync(&store.SyncLog{
				ProviderID:   p.ID,
				ProviderName: p.Name,
				Result:       store.SyncError,
				Message:      err.Error(),
				CreatedAt:    now,
			})
		}
		if r.syncHook != nil {
			r.syncHook(p.ID, "error")
		}
		// A provider that has served traffic keeps its last known model
		// list; only a provider that never synced successfully is marked
		// failed.
		if p.Status == store.ProviderPending {
			p.Status = store.ProviderError
			r.mu.Lock()
			defer r.mu.Unlock()
			if uerr := r.db.UpdateProvider(ctx, p); uerr != nil {
				return uerr
			}
			return r.Reload(ctx)
		}
		return err
	}

	models := r.normalizeList(fetched)

	added, removed := diffModels(p.Models, models)

	r.mu.Lock()
	p.Models = models
	p.Status = store.ProviderActive
	p.LastSyncedAt = &now
	if uerr := r.db.UpdateProvider(ctx, p); uerr != nil {
		r.mu.Unlock()
		return uerr
	}
	err = r.Reload(ctx)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	if r.sink != nil {
		for _, m := range added {
			r.sink.LogSync(&store.SyncLog{
				ProviderID:   p.ID,
				ProviderName: p.Name,
				Model:        m,
				Result:       store.SyncOK,
				Message:      "model added",
				CreatedAt:    now,
			})
		}
		for _, m := range removed {
			r.sink.LogSync(&store.SyncLog{
				ProviderID:   p.ID,
				ProviderName: p.Name,
				Model:        m,
				Result:       store.SyncOK,
				Message:      "model removed",
				CreatedAt:    now,
			})
		}
	}
	if r.syncHook != nil {
		r.syncHook(p.ID, "ok")
	}

	r.log.Info("model sync ok",
		slog.String("provider", p.ID),
		slog.Int("models", len(models)),
		slog.Int("added", len(added)),
		slog.Int("removed", len(removed)),
	)
	return nil
}

// SyncAll sweeps every provider with bounded concurrency.
func (r *Registry) SyncAll(ctx context.Context) {
	snap := r.Snapshot()

	sem := make(chan struct{}, r.cfg.SyncConcurrency)
	var wg sync.WaitGroup
	for id := range snap.Providers {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			_ = r.SyncProvider(ctx, id)
		}(id)
	}
	wg.Wait()
}

// StartPeriodicSync schedules the full sweep on the configured cadence and
// returns immediately. Stop tears the schedule down.
func (r *Registry) StartPeriodicSync(ctx context.Context) {
	c := cron.New()
	c.Schedule(cron.Every(r.cfg.PeriodicInterval), cron.FuncJob(func() {
		r.SyncAll(ctx)
	}))
	c.Start()
	r.cronStop = func() {
		<-c.Stop().Done()
	}
}

// Stop halts the periodic sync schedule, waiting for a running sweep's jobs
// to finish. Safe to call without StartPeriodicSync.
func (r *Registry) Stop() {
	r.cronOnce.Do(func() {
		if r.cronStop != nil {
			r.cronStop()
		}
	})
}

// diffModels reports entries added to and removed from prev by next. Both
// inputs are normalized and deduplicated.
func diffModels(prev, next []string) (added, removed []string) {
	prevSet := make(map[string]struct{}, len(prev))
	for _, m := range prev {
		prevSet[m] = struct{}{}
	}
	nextSet := make(map[string]struct{}, len(next))
	for _, m := range next {
		nextSet[m] = struct{}{}
		if _, ok := prevSet[m]; !ok {
			added = append(added, m)
		}
	}
	for _, m := range prev {
		if _, ok := nextSet[m]; !ok {
			removed = append(removed, m)
		}
	}
	return added, removed
}
