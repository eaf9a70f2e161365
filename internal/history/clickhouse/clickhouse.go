// Package clickhouse stores node events in a MergeTree table for long-range
// version analytics.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/avdb/internal/history"
)

const defaultTable = "node_history"

// Options holds the connection parameters for New.
type Options struct {
	Addr        string
	Database    string
	Username    string
	Password    string
	Table       string
	DialTimeout time.Duration
}

// Sink writes events over the native protocol.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(opts Options) (*Sink, error) {
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	if opts.Table == "" {
		opts.Table = defaultTable
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: opts.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse %s: %w", opts.Addr, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse %s: %w", opts.Addr, err)
	}
	return &Sink{conn: conn, table: opts.Table}, nil
}

// EnsureTable creates the event table if it does not exist. Rows are
// ordered per endpoint so a node's version timeline reads sequentially.
func (s *Sink) EnsureTable(ctx context.Context) error {
	return s.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			type LowCardinality(String),
			occurred_at DateTime64(6, 'UTC'),
			cell LowCardinality(String),
			host String,
			node LowCardinality(String),
			port UInt16,
			version Nullable(String)
		) ENGINE = MergeTree()
		ORDER BY (cell, host, node, occurred_at)`, s.table))
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	var version *string
	if e.Type == history.EventVersion {
		version = &e.Version
	}
	q := fmt.Sprintf(`INSERT INTO %s (type, occurred_at, cell, host, node, port, version) VALUES (?, ?, ?, ?, ?, ?, ?)`, s.table)
	if err := s.conn.Exec(ctx, q, string(e.Type), e.OccurredAt.UTC(), e.Cell, e.Host, e.Node, uint16(e.Port), version); err != nil {
		return fmt.Errorf("insert %s event for %s/%s: %w", e.Type, e.Host, e.Node, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
