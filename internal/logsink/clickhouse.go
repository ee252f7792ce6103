package logsink

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/hermesproj/hermes/internal/store"
)

// ClickHouseConfig locates the analytics cluster.
type ClickHouseConfig struct {
	Addr     []string
	Database string
	Username string
	Password string
}

const requestLogsDDL = `
CREATE TABLE IF NOT EXISTS request_logs (
    method      String,
    path        String,
    model       String,
    status      UInt16,
    duration_ms UInt32,
    client_ip   String,
    created_at  DateTime
) ENGINE = MergeTree()
ORDER BY (created_at)`

// ClickHouseSink mirrors request-log batches into a ClickHouse table for
// analytics queries that would be too heavy for the embedded SQLite file.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects, verifies the connection, and ensures the
// request_logs table exists.
func NewClickHouseSink(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}

	if err := conn.Exec(ctx, requestLogsDDL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse: ensure table: %w", err)
	}

	return &ClickHouseSink{conn: conn}, nil
}

// WriteRequestLogs appends one batch. Implements AnalyticsSink.
func (c *ClickHouseSink) WriteRequestLogs(ctx context.Context, logs []*store.RequestLog) error {
	batch, err := c.conn.PrepareBatch(ctx, "INSERT INTO request_logs")
	if err != nil {
		return fmt.Errorf("clickhouse: prepare batch: %w", err)
	}
	for _, l := range logs {
		if err := batch.Append(
			l.Method,
			l.Path,
			l.Model,
			uint16(l.Status),
			uint32(l.DurationMs),
			l.ClientIP,
			l.CreatedAt,
		); err != nil {
			return fmt.Errorf("clickhouse: append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse: send: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *ClickHouseSink) Close() error {
	return c.conn.Close()
}
