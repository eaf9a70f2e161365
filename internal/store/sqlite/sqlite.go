package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/avdb/internal/store"
)

// Dialect is the SQLite flavour of the inventory schema.
var Dialect = store.Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS cells(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS hosts(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cell_id INTEGER NOT NULL REFERENCES cells(id),
			address TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			checked_at TIMESTAMP NULL,
			replied_at TIMESTAMP NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_hosts_cell ON hosts(cell_id);`,
		`CREATE TABLE IF NOT EXISTS nodes(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			host_id INTEGER NOT NULL REFERENCES hosts(id),
			name TEXT NOT NULL,
			port INTEGER NOT NULL,
			active BOOLEAN NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(host_id, name)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_active ON nodes(active);`,
		`CREATE TABLE IF NOT EXISTS versions(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			node_id INTEGER NOT NULL REFERENCES nodes(id),
			version TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(node_id, version)
		);`,
	},
}

// New opens the inventory at path (modernc.org/sqlite driver, CGO-free).
// Use ":memory:" for a throwaway database.
func New(path string) (*store.SQLStore, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One connection: keeps ":memory:" databases shared and serializes writers.
	d.SetMaxOpenConns(1)
	if err := d.PingContext(context.Background()); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	// busy timeout helps with short concurrent locks from other processes
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	_, _ = d.Exec("PRAGMA foreign_keys=ON;")
	return store.NewSQLStore(d, Dialect), nil
}
