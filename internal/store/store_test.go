package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "hermes-test.db")
	s, err := Open(DefaultConfig(dbPath), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_CreateAndGetProvider(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := &Provider{
		ID:         "p1",
		Name:       "openai-primary",
		BaseURL:    "https://api.openai.com",
		Credential: "sk-test",
		Models:     []string{"gpt-4o-mini", "gpt-4o"},
		Blacklist:  []string{"gpt-4o"},
	}
	if err := s.CreateProvider(ctx, p); err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}

	got, err := s.GetProvider(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProvider: %v", err)
	}
	if got.Status != ProviderPending {
		t.Fatalf("expected pending status, got %q", got.Status)
	}
	effective := got.EffectiveModels()
	if len(effective) != 1 || effective[0] != "gpt-4o-mini" {
		t.Fatalf("EffectiveModels() = %v, want [gpt-4o-mini]", effective)
	}

	logs, err := s.ListSyncLogs(ctx, "p1", 10)
	if err != nil {
		t.Fatalf("ListSyncLogs: %v", err)
	}
	if len(logs) != 1 || logs[0].Message != "provider created" {
		t.Fatalf("expected one creation sync log, got %+v", logs)
	}
}

func TestStore_ProviderNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetProvider(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("GetProvider(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStore_UpdateProviderTransitionsLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := &Provider{ID: "p2", Name: "anthropic-primary", BaseURL: "https://api.anthropic.com", Credential: "sk-2"}
	if err := s.CreateProvider(ctx, p); err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}

	p.Status = ProviderActive
	now := time.Now().UTC()
	p.LastSyncedAt = &now
	if err := s.UpdateProvider(ctx, p); err != nil {
		t.Fatalf("UpdateProvider: %v", err)
	}

	got, err := s.GetProvider(ctx, "p2")
	if err != nil {
		t.Fatalf("GetProvider: %v", err)
	}
	if got.Status != ProviderActive {
		t.Fatalf("expected active status after sync, got %q", got.Status)
	}
	if got.LastSyncedAt == nil {
		t.Fatal("expected LastSyncedAt to be set")
	}
}

func TestStore_SettingsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSetting(ctx, SettingRateLimitMax); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound before set, got %v", err)
	}
	if err := s.SetSetting(ctx, SettingRateLimitMax, "120"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	got, err := s.GetSetting(ctx, SettingRateLimitMax)
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if got != "120" {
		t.Fatalf("GetSetting = %q, want 120", got)
	}

	if err := s.SetSetting(ctx, SettingRateLimitMax, "240"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	all, err := s.ListSettings(ctx)
	if err != nil {
		t.Fatalf("ListSettings: %v", err)
	}
	if all[SettingRateLimitMax] != "240" {
		t.Fatalf("ListSettings()[%s] = %q, want 240", SettingRateLimitMax, all[SettingRateLimitMax])
	}
}

func TestStore_ApplyCounterDeltasTx(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	deltas := []*CounterDelta{
		{Global: "requests_total", Count: 5},
		{Model: "gpt-4o-mini", Count: 3},
		{Provider: "p1", Count: 3, Errors: 1},
		{Provider: "p1", Count: 2, Errors: 0},
	}
	if err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return ApplyCounterDeltasTx(ctx, tx, deltas)
	}); err != nil {
		t.Fatalf("ApplyCounterDeltasTx: %v", err)
	}

	global, err := s.GlobalCounter(ctx, "requests_total")
	if err != nil {
		t.Fatalf("GlobalCounter: %v", err)
	}
	if global != 5 {
		t.Fatalf("GlobalCounter = %d, want 5", global)
	}

	count, errs, err := s.ProviderCounter(ctx, "p1")
	if err != nil {
		t.Fatalf("ProviderCounter: %v", err)
	}
	if count != 5 || errs != 1 {
		t.Fatalf("ProviderCounter = (%d, %d), want (5, 1)", count, errs)
	}
}

func TestStore_GatewayKeyLookupByHash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	k := &GatewayKey{ID: "k1", KeyHash: "deadbeef", Description: "ci", Scope: ScopeAdmin}
	if err := s.CreateGatewayKey(ctx, k); err != nil {
		t.Fatalf("CreateGatewayKey: %v", err)
	}

	got, err := s.FindGatewayKeyByHash(ctx, "deadbeef")
	if err != nil {
		t.Fatalf("FindGatewayKeyByHash: %v", err)
	}
	if got.ID != "k1" || got.Scope != ScopeAdmin {
		t.Fatalf("FindGatewayKeyByHash = %+v, want id=k1 scope=admin", got)
	}

	if _, err := s.FindGatewayKeyByHash(ctx, "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
