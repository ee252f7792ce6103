package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertSyncLog appends a single sync-log row outside the batched LogSink
// path; the hot-path writer is internal/logsink, which batches these
// through WithTx. CreateProvider writes its creation row inside its own
// transaction rather than through this method.
func (s *Store) InsertSyncLog(ctx context.Context, l *SyncLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO sync_logs (provider_id, provider_name, model, result, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.ProviderID, l.ProviderName, l.Model, string(l.Result), l.Message, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert sync log: %w", err)
	}
	return nil
}

// InsertSyncLogsTx appends many sync-log rows inside an existing transaction
// (the batched LogSink flush path).
func InsertSyncLogsTx(ctx context.Context, tx *sql.Tx, logs []*SyncLog) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sync_logs (provider_id, provider_name, model, result, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare sync log batch: %w", err)
	}
	defer stmt.Close()

	for _, l := range logs {
		if l.CreatedAt.IsZero() {
			l.CreatedAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, l.ProviderID, l.ProviderName, l.Model, string(l.Result), l.Message, l.CreatedAt); err != nil {
			return fmt.Errorf("store: insert sync log batch row: %w", err)
		}
	}
	return nil
}

// InsertRequestLogsTx appends many request-log rows inside an existing
// transaction (the batched LogSink flush path).
func InsertRequestLogsTx(ctx context.Context, tx *sql.Tx, logs []*RequestLog) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO request_logs (method, path, model, status, duration_ms, client_ip, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare request log batch: %w", err)
	}
	defer stmt.Close()

	for _, l := range logs {
		if l.CreatedAt.IsZero() {
			l.CreatedAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, l.Method, l.Path, l.Model, l.Status, l.DurationMs, l.ClientIP, l.CreatedAt); err != nil {
			return fmt.Errorf("store: insert request log batch row: %w", err)
		}
	}
	return nil
}

// ListRequestLogs returns up to limit request logs created at or after
// since, newest first — backs GET /admin/request-logs?limit&since.
func (s *Store) ListRequestLogs(ctx context.Context, limit int, since time.Time) ([]*RequestLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.reader.QueryContext(ctx, `
		SELECT id, method, path, model, status, duration_ms, client_ip, created_at
		FROM request_logs WHERE created_at >= ? ORDER BY created_at DESC LIMIT ?`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list request logs: %w", err)
	}
	defer rows.Close()

	var out []*RequestLog
	for rows.Next() {
		var l RequestLog
		if err := rows.Scan(&l.ID, &l.Method, &l.Path, &l.Model, &l.Status, &l.DurationMs, &l.ClientIP, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan request log: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// ListSyncLogs returns sync logs for a provider, newest first — backs
// GET /admin/sync-logs?providerId.
func (s *Store) ListSyncLogs(ctx context.Context, providerID string, limit int) ([]*SyncLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.reader.QueryContext(ctx, `
		SELECT id, provider_id, provider_name, model, result, message, created_at
		FROM sync_logs WHERE provider_id = ? ORDER BY created_at DESC LIMIT ?`, providerID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list sync logs: %w", err)
	}
	defer rows.Close()

	var out []*SyncLog
	for rows.Next() {
		var l SyncLog
		var result string
		if err := rows.Scan(&l.ID, &l.ProviderID, &l.ProviderName, &l.Model, &result, &l.Message, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan sync log: %w", err)
		}
		l.Result = SyncResult(result)
		out = append(out, &l)
	}
	return out, rows.Err()
}
