package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup by id or natural key matches nothing.
var ErrNotFound = errors.New("not found")

// Cell is an administrative grouping of hosts. Name is unique.
type Cell struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Desc      string    `json:"desc"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Host is a network-addressable machine owned by exactly one cell.
// Address is unique across the store.
type Host struct {
	ID        int64      `json:"id"`
	CellID    int64      `json:"cell_id"`
	Address   string     `json:"address"`
	Name      string     `json:"name"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	CheckedAt *time.Time `json:"checked_at,omitempty"`
	RepliedAt *time.Time `json:"replied_at,omitempty"`
}

// Node is one probeable service endpoint on a host. (HostID, Name) is unique.
type Node struct {
	ID        int64     `json:"id"`
	HostID    int64     `json:"host_id"`
	Name      string    `json:"name"`
	Port      int       `json:"port"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Version is a version string observed for a node. (NodeID, Version) is unique.
type Version struct {
	ID        int64
	NodeID    int64
	Version   string
	CreatedAt time.Time
}

// NodeRef is the flattened view of a node handed to the scanner: everything
// a probe needs plus enough context for logging and history export.
type NodeRef struct {
	NodeID  int64
	HostID  int64
	Cell    string
	Address string
	Name    string
	Port    int
	Active  bool
}

// NodeFilter selects the nodes returned by ListNodes.
// The zero value selects active nodes only.
type NodeFilter struct {
	// IncludeInactive also returns nodes whose active flag is cleared.
	IncludeInactive bool
	// RequireActiveParents only returns nodes whose host and cell are active.
	RequireActiveParents bool
	// Cell restricts the result to a single cell when non-empty.
	Cell string
}

// ReportRow is one (cell, host, node, version) tuple of the version report.
type ReportRow struct {
	Cell      string
	Host      string
	Node      string
	Version   string
	CreatedAt time.Time
}

// Writer is the subset of the store mutated by scans and imports. All
// methods are idempotent. Add* methods are upsert-or-fetch on the natural
// key: adding an existing record returns it unchanged.
type Writer interface {
	AddCell(ctx context.Context, name, desc string) (Cell, error)
	AddHost(ctx context.Context, cellID int64, address, name string) (Host, error)
	AddNode(ctx context.Context, hostID int64, name string, port int) (Node, error)

	// RecordVersion appends a version for the node unless the same string is
	// already recorded. created reports whether a new row was written.
	RecordVersion(ctx context.Context, nodeID int64, version string) (v Version, created bool, err error)
	SetNodeActive(ctx context.Context, nodeID int64, active bool) error
	TouchHost(ctx context.Context, hostID int64, checkedAt time.Time, replied bool) error
}

// Store is the inventory repository.
type Store interface {
	Writer

	EnsureSchema(ctx context.Context) error
	Close() error

	Cell(ctx context.Context, name string) (Cell, error)
	Cells(ctx context.Context) ([]Cell, error)
	Hosts(ctx context.Context, cellID int64) ([]Host, error)
	Nodes(ctx context.Context, hostID int64) ([]Node, error)
	Versions(ctx context.Context, nodeID int64) ([]Version, error)

	// ListNodes returns a snapshot of the nodes matching f.
	ListNodes(ctx context.Context, f NodeFilter) ([]NodeRef, error)
	// SetActive sets the active flag of every node in cell (all cells when
	// cell is empty), along with the owning hosts and cells. It returns the
	// number of nodes whose flag changed.
	SetActive(ctx context.Context, cell string, active bool) (int64, error)
	// Report returns every version row ordered by cell name then host address.
	Report(ctx context.Context) ([]ReportRow, error)

	// Apply runs fn inside a single transaction. fn must only use w.
	Apply(ctx context.Context, fn func(w Writer) error) error
}
