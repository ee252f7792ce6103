// Package store is Hermes's single-writer, multiple-reader durable store.
// It is backed by a WAL-mode SQLite file and exposes typed accessors for
// every entity in the data model plus a KV face for settings.
//
// Writes are serialized through one *sql.DB with a single open connection
// (the "one execution lane"); reads are served by a second, pooled,
// read-only handle against the same file so queries never contend with the
// write lane. No table requires a cross-table transaction except provider
// upsert+initial-sync-log and counter batch flush, both exposed as explicit
// methods that run inside a single sql.Tx.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config controls how the store opens its backing file.
type Config struct {
	// Path is the SQLite database file path.
	Path string

	// BusyTimeout bounds how long a writer waits for the write lock before
	// giving up. Default: 5s.
	BusyTimeout time.Duration

	// MaxReaderConns bounds the pooled read-only connection count.
	// Default: 8.
	MaxReaderConns int
}

// DefaultConfig returns Hermes's default store configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		BusyTimeout:    5 * time.Second,
		MaxReaderConns: 8,
	}
}

// Store is the durable backing store for providers, logs, keys, settings
// and counters.
type Store struct {
	cfg    Config
	writer *sql.DB
	reader *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the SQLite file at cfg.Path, enables
// WAL mode, applies every pending migration, and returns a ready Store.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: Config.Path must not be empty")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.MaxReaderConns <= 0 {
		cfg.MaxReaderConns = 8
	}

	writer, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	reader, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL", cfg.Path))
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("store: open reader: %w", err)
	}
	reader.SetMaxOpenConns(cfg.MaxReaderConns)

	s := &Store{cfg: cfg, writer: writer, reader: reader, logger: logger}

	if err := s.initialize(); err != nil {
		writer.Close()
		reader.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initialize() error {
	if _, err := s.writer.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("store: enable WAL: %w", err)
	}
	busyMs := s.cfg.BusyTimeout.Milliseconds()
	if _, err := s.writer.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", busyMs)); err != nil {
		return fmt.Errorf("store: set busy_timeout: %w", err)
	}
	if _, err := s.writer.Exec("PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("store: set synchronous: %w", err)
	}

	if err := runMigrations(s); err != nil {
		return err
	}

	if s.logger != nil {
		s.logger.Info("store initialized", "path", s.cfg.Path)
	}
	return nil
}

// Close checkpoints the WAL and closes both connections. Safe to call once.
func (s *Store) Close() error {
	_, walErr := s.writer.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
	writerErr := s.writer.Close()
	readerErr := s.reader.Close()
	if walErr != nil {
		return fmt.Errorf("store: wal checkpoint on close: %w", walErr)
	}
	if writerErr != nil {
		return writerErr
	}
	return readerErr
}

// WithTx runs fn inside a single write transaction, committing on success
// and rolling back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	err = fn(tx)
	return err
}
