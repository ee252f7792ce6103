package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CounterDelta is one pending increment destined for one of the three
// counter tables, batched through the same log-sink flush transaction as
// request/sync logs.
type CounterDelta struct {
	Global   string // non-empty selects counters_global
	Model    string // non-empty selects counters_model
	Provider string // non-empty selects counters_provider
	Count    int64
	Errors   int64 // only meaningful for Provider deltas
}

// ApplyCounterDeltasTx folds a batch of counter deltas into the three
// counter tables inside an existing transaction, collapsing repeated keys
// into one upsert each.
func ApplyCounterDeltasTx(ctx context.Context, tx *sql.Tx, deltas []*CounterDelta) error {
	global := map[string]int64{}
	models := map[string]int64{}
	type providerDelta struct{ count, errors int64 }
	providers := map[string]providerDelta{}

	for _, d := range deltas {
		switch {
		case d.Global != "":
			global[d.Global] += d.Count
		case d.Model != "":
			models[d.Model] += d.Count
		case d.Provider != "":
			pd := providers[d.Provider]
			pd.count += d.Count
			pd.errors += d.Errors
			providers[d.Provider] = pd
		}
	}

	for key, delta := range global {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO counters_global (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = value + excluded.value`, key, delta); err != nil {
			return fmt.Errorf("store: apply global counter %q: %w", key, err)
		}
	}
	for model, delta := range models {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO counters_model (model, count) VALUES (?, ?)
			ON CONFLICT(model) DO UPDATE SET count = count + excluded.count`, model, delta); err != nil {
			return fmt.Errorf("store: apply model counter %q: %w", model, err)
		}
	}
	for providerID, pd := range providers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO counters_provider (provider_id, count, errors) VALUES (?, ?, ?)
			ON CONFLICT(provider_id) DO UPDATE SET
				count = count + excluded.count,
				errors = errors + excluded.errors`, providerID, pd.count, pd.errors); err != nil {
			return fmt.Errorf("store: apply provider counter %q: %w", providerID, err)
		}
	}
	return nil
}

// ListGlobalCounters returns every counters_global row.
func (s *Store) ListGlobalCounters(ctx context.Context) (map[string]int64, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT key, value FROM counters_global`)
	if err != nil {
		return nil, fmt.Errorf("store: list global counters: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var k string
		var v int64
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("store: scan global counter: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// ListModelCounters returns every counters_model row.
func (s *Store) ListModelCounters(ctx context.Context) (map[string]int64, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT model, count FROM counters_model`)
	if err != nil {
		return nil, fmt.Errorf("store: list model counters: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var m string
		var v int64
		if err := rows.Scan(&m, &v); err != nil {
			return nil, fmt.Errorf("store: scan model counter: %w", err)
		}
		out[m] = v
	}
	return out, rows.Err()
}

// ProviderCounterRow is one counters_provider row.
type ProviderCounterRow struct {
	ProviderID string `json:"provider_id"`
	Count      int64  `json:"count"`
	Errors     int64  `json:"errors"`
}

// ListProviderCounters returns every counters_provider row.
func (s *Store) ListProviderCounters(ctx context.Context) ([]ProviderCounterRow, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT provider_id, count, errors FROM counters_provider`)
	if err != nil {
		return nil, fmt.Errorf("store: list provider counters: %w", err)
	}
	defer rows.Close()

	var out []ProviderCounterRow
	for rows.Next() {
		var r ProviderCounterRow
		if err := rows.Scan(&r.ProviderID, &r.Count, &r.Errors); err != nil {
			return nil, fmt.Errorf("store: scan provider counter: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GlobalCounter returns a single counters_global value (0 if unset).
func (s *Store) GlobalCounter(ctx context.Context, key string) (int64, error) {
	var v int64
	err := s.reader.QueryRowContext(ctx, `SELECT value FROM counters_global WHERE key = ?`, key).Scan(&v)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("store: global counter %q: %w", key, err)
	}
	return v, nil
}

// ProviderCounter returns the (count, errors) pair for a provider (zeros if unset).
func (s *Store) ProviderCounter(ctx context.Context, providerID string) (count, errs int64, err error) {
	err = s.reader.QueryRowContext(ctx, `
		SELECT count, errors FROM counters_provider WHERE provider_id = ?`, providerID).Scan(&count, &errs)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("store: provider counter %q: %w", providerID, err)
	}
	return count, errs, nil
}
