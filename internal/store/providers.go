package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by single-row accessors when no row matches.
var ErrNotFound = errors.New("store: not found")

// CreateProvider inserts a new provider in the pending state and, in the
// same transaction, an initial sync log noting its creation.
func (s *Store) CreateProvider(ctx context.Context, p *Provider) error {
	modelsJSON, err := json.Marshal(p.Models)
	if err != nil {
		return fmt.Errorf("store: marshal models: %w", err)
	}
	blacklistJSON, err := json.Marshal(p.Blacklist)
	if err != nil {
		return fmt.Errorf("store: marshal blacklist: %w", err)
	}
	if p.Status == "" {
		p.Status = ProviderPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO providers (id, name, base_url, credential, models_json, blacklist_json, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Name, p.BaseURL, p.Credential, string(modelsJSON), string(blacklistJSON), string(p.Status), p.CreatedAt,
		); err != nil {
			return fmt.Errorf("store: insert provider: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sync_logs (provider_id, provider_name, model, result, message, created_at)
			VALUES (?, ?, '', 'ok', 'provider created', ?)`,
			p.ID, p.Name, p.CreatedAt,
		); err != nil {
			return fmt.Errorf("store: insert creation sync log: %w", err)
		}
		return nil
	})
}

// UpdateProvider overwrites the mutable fields of an existing provider.
func (s *Store) UpdateProvider(ctx context.Context, p *Provider) error {
	modelsJSON, err := json.Marshal(p.Models)
	if err != nil {
		return fmt.Errorf("store: marshal models: %w", err)
	}
	blacklistJSON, err := json.Marshal(p.Blacklist)
	if err != nil {
		return fmt.Errorf("store: marshal blacklist: %w", err)
	}
	res, err := s.writer.ExecContext(ctx, `
		UPDATE providers
		SET name = ?, base_url = ?, credential = ?, models_json = ?, blacklist_json = ?,
		    status = ?, last_synced_at = ?, last_used_at = ?
		WHERE id = ?`,
		p.Name, p.BaseURL, p.Credential, string(modelsJSON), string(blacklistJSON),
		string(p.Status), p.LastSyncedAt, p.LastUsedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update provider: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update provider rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProvider removes a provider row. Volatile scorer/breaker state for
// it is garbage-collected by the registry, not here.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	res, err := s.writer.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete provider: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchProviderUsed updates last_used_at only. Called off the request path
// in a fire-and-forget goroutine.
func (s *Store) TouchProviderUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.writer.ExecContext(ctx, `UPDATE providers SET last_used_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("store: touch provider: %w", err)
	}
	return nil
}

// GetProvider fetches a single provider by id.
func (s *Store) GetProvider(ctx context.Context, id string) (*Provider, error) {
	row := s.reader.QueryRowContext(ctx, `
		SELECT id, name, base_url, credential, models_json, blacklist_json, status, created_at, last_synced_at, last_used_at
		FROM providers WHERE id = ?`, id)
	return scanProvider(row)
}

// ListProviders returns every provider row, ordered by creation time.
func (s *Store) ListProviders(ctx context.Context) ([]*Provider, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT id, name, base_url, credential, models_json, blacklist_json, status, created_at, last_synced_at, last_used_at
		FROM providers ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list providers: %w", err)
	}
	defer rows.Close()

	var out []*Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProvider(row rowScanner) (*Provider, error) {
	var (
		p                          Provider
		status                     string
		modelsJSON, blacklistJSON string
		lastSynced, lastUsed       sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.Name, &p.BaseURL, &p.Credential, &modelsJSON, &blacklistJSON,
		&status, &p.CreatedAt, &lastSynced, &lastUsed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan provider: %w", err)
	}
	p.Status = ProviderStatus(status)
	if err := json.Unmarshal([]byte(modelsJSON), &p.Models); err != nil {
		return nil, fmt.Errorf("store: unmarshal models: %w", err)
	}
	if err := json.Unmarshal([]byte(blacklistJSON), &p.Blacklist); err != nil {
		return nil, fmt.Errorf("store: unmarshal blacklist: %w", err)
	}
	if lastSynced.Valid {
		t := lastSynced.Time
		p.LastSyncedAt = &t
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		p.LastUsedAt = &t
	}
	return &p, nil
}
