package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Dialect captures the differences between the SQL backends.
type Dialect struct {
	Name   string
	Schema []string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SQLStore implements Store on top of database/sql. Queries are written with
// '?' placeholders and rebound for the dialect.
type SQLStore struct {
	conn
	db *sql.DB
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an opened database handle.
func NewSQLStore(db *sql.DB, d Dialect) *SQLStore {
	if d.Placeholder == nil {
		d.Placeholder = func(int) string { return "?" }
	}
	return &SQLStore{conn: conn{q: db, d: d}, db: db}
}

// DB returns the underlying handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	for _, q := range s.d.Schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to create schema with %q: %w", q, err)
		}
	}
	return nil
}

func (s *SQLStore) Apply(ctx context.Context, fn func(w Writer) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&conn{q: tx, d: s.d}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (c *conn) AddCell(ctx context.Context, name, desc string) (Cell, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Cell{}, errors.New("empty cell name")
	}
	_, err := c.exec(ctx, `
		INSERT INTO cells(name, description, active, created_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(name) DO NOTHING;`,
		name, desc, true, now())
	if err != nil {
		return Cell{}, fmt.Errorf("add cell %s: %w", name, err)
	}
	return c.Cell(ctx, name)
}

func (c *conn) Cell(ctx context.Context, name string) (Cell, error) {
	var cell Cell
	err := c.queryRow(ctx, `
		SELECT id, name, description, active, created_at
		FROM cells WHERE name=?;`, name).
		Scan(&cell.ID, &cell.Name, &cell.Desc, &cell.Active, &cell.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Cell{}, fmt.Errorf("cell %s: %w", name, ErrNotFound)
	}
	return cell, err
}

func (s *SQLStore) Cells(ctx context.Context) ([]Cell, error) {
	rows, err := s.query(ctx, `
		SELECT id, name, description, active, created_at
		FROM cells ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]Cell, 0)
	for rows.Next() {
		var c Cell
		if err := rows.Scan(&c.ID, &c.Name, &c.Desc, &c.Active, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (c *conn) AddHost(ctx context.Context, cellID int64, address, name string) (Host, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return Host{}, errors.New("empty host address")
	}
	_, err := c.exec(ctx, `
		INSERT INTO hosts(cell_id, address, name, active, created_at)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(address) DO NOTHING;`,
		cellID, address, name, true, now())
	if err != nil {
		return Host{}, fmt.Errorf("add host %s: %w", address, err)
	}
	hosts, err := c.scanHosts(ctx, `
		SELECT id, cell_id, address, name, active, created_at, checked_at, replied_at
		FROM hosts WHERE address=?;`, address)
	if err != nil {
		return Host{}, err
	}
	if len(hosts) == 0 {
		return Host{}, fmt.Errorf("host %s: %w", address, ErrNotFound)
	}
	return hosts[0], nil
}

func (s *SQLStore) Hosts(ctx context.Context, cellID int64) ([]Host, error) {
	return s.scanHosts(ctx, `
		SELECT id, cell_id, address, name, active, created_at, checked_at, replied_at
		FROM hosts WHERE cell_id=? ORDER BY address;`, cellID)
}

func (c *conn) scanHosts(ctx context.Context, q string, args ...interface{}) ([]Host, error) {
	rows, err := c.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]Host, 0)
	for rows.Next() {
		var h Host
		var checked, replied sql.NullTime
		if err := rows.Scan(&h.ID, &h.CellID, &h.Address, &h.Name, &h.Active, &h.CreatedAt, &checked, &replied); err != nil {
			return nil, err
		}
		if checked.Valid {
			t := checked.Time
			h.CheckedAt = &t
		}
		if replied.Valid {
			t := replied.Time
			h.RepliedAt = &t
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (c *conn) AddNode(ctx context.Context, hostID int64, name string, port int) (Node, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Node{}, errors.New("empty node name")
	}
	if port <= 0 || port > 65535 {
		return Node{}, fmt.Errorf("invalid port %d for node %s", port, name)
	}
	_, err := c.exec(ctx, `
		INSERT INTO nodes(host_id, name, port, active, created_at)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(host_id, name) DO NOTHING;`,
		hostID, name, port, true, now())
	if err != nil {
		return Node{}, fmt.Errorf("add node %s: %w", name, err)
	}
	nodes, err := c.scanNodes(ctx, `
		SELECT id, host_id, name, port, active, created_at
		FROM nodes WHERE host_id=? AND name=?;`, hostID, name)
	if err != nil {
		return Node{}, err
	}
	if len(nodes) == 0 {
		return Node{}, fmt.Errorf("node %s: %w", name, ErrNotFound)
	}
	return nodes[0], nil
}

func (s *SQLStore) Nodes(ctx context.Context, hostID int64) ([]Node, error) {
	return s.scanNodes(ctx, `
		SELECT id, host_id, name, port, active, created_at
		FROM nodes WHERE host_id=? ORDER BY name;`, hostID)
}

func (c *conn) scanNodes(ctx context.Context, q string, args ...interface{}) ([]Node, error) {
	rows, err := c.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]Node, 0)
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.ID, &n.HostID, &n.Name, &n.Port, &n.Active, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLStore) Versions(ctx context.Context, nodeID int64) ([]Version, error) {
	rows, err := s.query(ctx, `
		SELECT id, node_id, version, created_at
		FROM versions WHERE node_id=? ORDER BY id;`, nodeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]Version, 0)
	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.ID, &v.NodeID, &v.Version, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListNodes(ctx context.Context, f NodeFilter) ([]NodeRef, error) {
	var b strings.Builder
	args := make([]interface{}, 0, 4)
	b.WriteString(`
		SELECT n.id, h.id, c.name, h.address, n.name, n.port, n.active
		FROM nodes n
		JOIN hosts h ON h.id = n.host_id
		JOIN cells c ON c.id = h.cell_id
		WHERE 1=1`)
	if !f.IncludeInactive {
		b.WriteString(" AND n.active=?")
		args = append(args, true)
	}
	if f.RequireActiveParents {
		b.WriteString(" AND h.active=? AND c.active=?")
		args = append(args, true, true)
	}
	if f.Cell != "" {
		b.WriteString(" AND c.name=?")
		args = append(args, f.Cell)
	}
	b.WriteString(" ORDER BY c.name, h.address, n.name;")

	rows, err := s.query(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]NodeRef, 0)
	for rows.Next() {
		var r NodeRef
		if err := rows.Scan(&r.NodeID, &r.HostID, &r.Cell, &r.Address, &r.Name, &r.Port, &r.Active); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) SetActive(ctx context.Context, cell string, active bool) (int64, error) {
	var changed int64
	err := s.Apply(ctx, func(w Writer) error {
		c := w.(*conn)
		if cell == "" {
			res, err := c.exec(ctx, `UPDATE nodes SET active=? WHERE active<>?;`, active, active)
			if err != nil {
				return err
			}
			if changed, err = res.RowsAffected(); err != nil {
				return err
			}
			if _, err := c.exec(ctx, `UPDATE hosts SET active=?;`, active); err != nil {
				return err
			}
			_, err = c.exec(ctx, `UPDATE cells SET active=?;`, active)
			return err
		}

		res, err := c.exec(ctx, `UPDATE cells SET active=? WHERE name=?;`, active, cell)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("cell %s: %w", cell, ErrNotFound)
		}
		if _, err := c.exec(ctx, `
			UPDATE hosts SET active=?
			WHERE cell_id IN (SELECT id FROM cells WHERE name=?);`, active, cell); err != nil {
			return err
		}
		res, err = c.exec(ctx, `
			UPDATE nodes SET active=?
			WHERE active<>? AND host_id IN (
				SELECT h.id FROM hosts h JOIN cells c ON c.id = h.cell_id WHERE c.name=?
			);`, active, active, cell)
		if err != nil {
			return err
		}
		changed, err = res.RowsAffected()
		return err
	})
	return changed, err
}

func (s *SQLStore) Report(ctx context.Context) ([]ReportRow, error) {
	rows, err := s.query(ctx, `
		SELECT c.name, h.address, n.name, v.version, v.created_at
		FROM versions v
		JOIN nodes n ON n.id = v.node_id
		JOIN hosts h ON h.id = n.host_id
		JOIN cells c ON c.id = h.cell_id
		ORDER BY c.name, h.address, n.name, v.id;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]ReportRow, 0)
	for rows.Next() {
		var r ReportRow
		if err := rows.Scan(&r.Cell, &r.Host, &r.Node, &r.Version, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// conn carries the Writer methods so they can run on the handle or a transaction.
type conn struct {
	q querier
	d Dialect
}

func (c *conn) RecordVersion(ctx context.Context, nodeID int64, version string) (Version, bool, error) {
	version = strings.TrimSpace(version)
	if version == "" {
		return Version{}, false, errors.New("empty version string")
	}
	res, err := c.exec(ctx, `
		INSERT INTO versions(node_id, version, created_at)
		VALUES(?, ?, ?)
		ON CONFLICT(node_id, version) DO NOTHING;`,
		nodeID, version, now())
	if err != nil {
		return Version{}, false, fmt.Errorf("record version for node %d: %w", nodeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Version{}, false, err
	}
	var v Version
	err = c.queryRow(ctx, `
		SELECT id, node_id, version, created_at
		FROM versions WHERE node_id=? AND version=?;`, nodeID, version).
		Scan(&v.ID, &v.NodeID, &v.Version, &v.CreatedAt)
	if err != nil {
		return Version{}, false, err
	}
	return v, n > 0, nil
}

func (c *conn) SetNodeActive(ctx context.Context, nodeID int64, active bool) error {
	res, err := c.exec(ctx, `UPDATE nodes SET active=? WHERE id=?;`, active, nodeID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("node %d: %w", nodeID, ErrNotFound)
	}
	return nil
}

func (c *conn) TouchHost(ctx context.Context, hostID int64, checkedAt time.Time, replied bool) error {
	var err error
	if replied {
		_, err = c.exec(ctx, `UPDATE hosts SET checked_at=?, replied_at=? WHERE id=?;`,
			checkedAt.UTC(), checkedAt.UTC(), hostID)
	} else {
		_, err = c.exec(ctx, `UPDATE hosts SET checked_at=? WHERE id=?;`, checkedAt.UTC(), hostID)
	}
	return err
}

func (c *conn) exec(ctx context.Context, q string, args ...interface{}) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.rebind(q), args...)
}

func (c *conn) query(ctx context.Context, q string, args ...interface{}) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.rebind(q), args...)
}

func (c *conn) queryRow(ctx context.Context, q string, args ...interface{}) *sql.Row {
	return c.q.QueryRowContext(ctx, c.rebind(q), args...)
}

// rebind rewrites '?' placeholders for the dialect. Queries never contain a
// literal '?' so a plain scan is enough.
func (c *conn) rebind(q string) string {
	if c.d.Placeholder == nil || c.d.Placeholder(1) == "?" {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteString(c.d.Placeholder(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func now() time.Time { return time.Now().UTC() }
