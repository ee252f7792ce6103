package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateGatewayKey inserts a new key row. Only the hash is ever persisted.
func (s *Store) CreateGatewayKey(ctx context.Context, k *GatewayKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	if k.Scope == "" {
		k.Scope = ScopeStandard
	}
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO gateway_keys (id, key_hash, description, scope, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		k.ID, k.KeyHash, k.Description, string(k.Scope), k.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert gateway key: %w", err)
	}
	return nil
}

// DeleteGatewayKey removes a key by id.
func (s *Store) DeleteGatewayKey(ctx context.Context, id string) error {
	res, err := s.writer.ExecContext(ctx, `DELETE FROM gateway_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete gateway key: %w", err)
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

// ListGatewayKeys returns every configured key (never the plaintext secret,
// which is never stored).
func (s *Store) ListGatewayKeys(ctx context.Context) ([]*GatewayKey, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT id, key_hash, description, scope, created_at, last_used_at FROM gateway_keys`)
	if err != nil {
		return nil, fmt.Errorf("store: list gateway keys: %w", err)
	}
	defer rows.Close()

	var out []*GatewayKey
	for rows.Next() {
		k, err := scanGatewayKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// FindGatewayKeyByHash looks up a key by its SHA-256 hash — the request-path
// authentication query, run against the pooled reader handle.
func (s *Store) FindGatewayKeyByHash(ctx context.Context, hash string) (*GatewayKey, error) {
	row := s.reader.QueryRowContext(ctx, `
		SELECT id, key_hash, description, scope, created_at, last_used_at
		FROM gateway_keys WHERE key_hash = ?`, hash)
	return scanGatewayKey(row)
}

// TouchGatewayKey updates last_used_at. Called from a goroutine that the
// auth path starts, not inline with auth, so it never blocks a request.
func (s *Store) TouchGatewayKey(ctx context.Context, id string, at time.Time) error {
	_, err := s.writer.ExecContext(ctx, `UPDATE gateway_keys SET last_used_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("store: touch gateway key: %w", err)
	}
	return nil
}

func scanGatewayKey(row rowScanner) (*GatewayKey, error) {
	var (
		k          GatewayKey
		scope      string
		lastUsedAt sql.NullTime
	)
	if err := row.Scan(&k.ID, &k.KeyHash, &k.Description, &scope, &k.CreatedAt, &lastUsedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan gateway key: %w", err)
	}
	k.Scope = KeyScope(scope)
	if lastUsedAt.Valid {
		t := lastUsedAt.Time
		k.LastUsedAt = &t
	}
	return &k, nil
}
