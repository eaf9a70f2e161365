package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SQLDialect describes how a relational backend spells the node_history
// table. Backends live in the sqlite and postgres subpackages.
type SQLDialect struct {
	Name string
	// Schema is applied in order on open; statements must be idempotent.
	Schema []string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
}

// SQLSink appends events to the node_history table. It never updates or
// deletes rows.
type SQLSink struct {
	db     *sql.DB
	insert string
}

// NewSQLSink applies d.Schema on db and returns a sink writing through it.
// The sink owns db and closes it on Close.
func NewSQLSink(ctx context.Context, db *sql.DB, d SQLDialect) (*SQLSink, error) {
	for _, stmt := range d.Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s history schema: %w", d.Name, err)
		}
	}
	ph := make([]string, 7)
	for i := range ph {
		ph[i] = d.Placeholder(i + 1)
	}
	return &SQLSink{
		db:     db,
		insert: "INSERT INTO node_history(occurred_at, type, cell, host, node, port, version) VALUES(" + strings.Join(ph, ", ") + ")",
	}, nil
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	version := sql.NullString{String: e.Version, Valid: e.Type == EventVersion}
	_, err := s.db.ExecContext(ctx, s.insert, e.OccurredAt.UTC(), string(e.Type), e.Cell, e.Host, e.Node, e.Port, version)
	return err
}

// DB exposes the underlying handle for queries over the recorded history.
func (s *SQLSink) DB() *sql.DB { return s.db }

func (s *SQLSink) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
