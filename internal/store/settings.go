package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Reserved setting keys accepted by the admin settings API.
const (
	SettingPeriodicSyncIntervalHours = "periodicSyncIntervalHours"
	SettingChatMaxRetries            = "chatMaxRetries"
	SettingBreakerInitialPenaltyMs   = "dispatcher_initial_penalty_ms"
	SettingBreakerMaxPenaltyMs       = "dispatcher_max_penalty_ms"
	SettingBreakerResyncThreshold    = "dispatcher_resync_threshold"
	SettingRateLimitMax              = "rateLimitMax"
	SettingRateLimitWindow           = "rateLimitWindow"
)

// GetSetting returns the value for key, or ErrNotFound if unset.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.reader.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("store: get setting %q: %w", key, err)
	}
	return value, nil
}

// SetSetting upserts a single setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("store: set setting %q: %w", key, err)
	}
	return nil
}

// ListSettings returns every configured setting as a map.
func (s *Store) ListSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("store: list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("store: scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}
