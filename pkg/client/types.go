package client

import "time"

// Summary is the outcome of one scan.
type Summary struct {
	Probed           int `json:"probed"`
	Replied          int `json:"replied"`
	Unreachable      int `json:"unreachable"`
	Activated        int `json:"activated"`
	Deactivated      int `json:"deactivated"`
	VersionsRecorded int `json:"versions_recorded"`
}

// ScanRecord describes the most recent scan the server ran.
type ScanRecord struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Summary   Summary       `json:"summary"`
	Error     string        `json:"error,omitempty"`
}

// ReportRow is one (cell, host, node, version) observation.
type ReportRow struct {
	Cell      string    `json:"cell"`
	Host      string    `json:"host"`
	Node      string    `json:"node"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

type Cell struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Desc      string    `json:"desc"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	Hosts     []Host    `json:"hosts"`
}

type Host struct {
	ID        int64      `json:"id"`
	Address   string     `json:"address"`
	Name      string     `json:"name"`
	Active    bool       `json:"active"`
	CheckedAt *time.Time `json:"checked_at,omitempty"`
	RepliedAt *time.Time `json:"replied_at,omitempty"`
	Nodes     []Node     `json:"nodes"`
}

type Node struct {
	ID       int64    `json:"id"`
	Name     string   `json:"name"`
	Port     int      `json:"port"`
	Active   bool     `json:"active"`
	Versions []string `json:"versions"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

type countResponse struct {
	Scope string `json:"scope"`
	Count int64  `json:"count"`
}
