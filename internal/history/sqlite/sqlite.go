package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/avdb/internal/history"
)

var dialect = history.SQLDialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS node_history(
			occurred_at TIMESTAMP NOT NULL,
			type TEXT NOT NULL,
			cell TEXT NOT NULL,
			host TEXT NOT NULL,
			node TEXT NOT NULL,
			port INTEGER NOT NULL,
			version TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_node_history_endpoint ON node_history(cell, host, node, occurred_at);`,
	},
	Placeholder: func(int) string { return "?" },
}

// New opens a SQLite history sink. Accepted DSNs: "sqlite:///path/to/file.db",
// "sqlite://:memory:", a bare path, or ":memory:".
func New(dsn string) (*history.SQLSink, error) {
	dsn = strings.TrimSpace(dsn)
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one connection keeps :memory: databases shared
	db.SetMaxOpenConns(1)
	s, err := history.NewSQLSink(context.Background(), db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
