package postgres

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/avdb/internal/store"
)

// Dialect is the PostgreSQL flavour of the inventory schema.
var Dialect = store.Dialect{
	Name: "postgres",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS cells(
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS hosts(
			id BIGSERIAL PRIMARY KEY,
			cell_id BIGINT NOT NULL REFERENCES cells(id),
			address TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			checked_at TIMESTAMPTZ NULL,
			replied_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_hosts_cell ON hosts(cell_id);`,
		`CREATE TABLE IF NOT EXISTS nodes(
			id BIGSERIAL PRIMARY KEY,
			host_id BIGINT NOT NULL REFERENCES hosts(id),
			name TEXT NOT NULL,
			port INTEGER NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE(host_id, name)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_active ON nodes(active);`,
		`CREATE TABLE IF NOT EXISTS versions(
			id BIGSERIAL PRIMARY KEY,
			node_id BIGINT NOT NULL REFERENCES nodes(id),
			version TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE(node_id, version)
		);`,
	},
	Placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
}

// New opens a PostgreSQL inventory through the pgx stdlib driver.
func New(dsn string) (*store.SQLStore, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgresql database: %w", err)
	}
	d.SetMaxOpenConns(25)
	d.SetMaxIdleConns(5)
	d.SetConnMaxLifetime(5 * time.Minute)
	return store.NewSQLStore(d, Dialect), nil
}
