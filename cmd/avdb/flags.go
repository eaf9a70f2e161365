package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	DSN        string
	Verbose    bool
	Quiet      bool
}

type AddFlags struct {
	Desc string
}

type ImportFlags struct {
	Sources []string
}

type ListFlags struct {
	JSON bool
}

// ScopeFlags selects the cells affected by activate and deactivate.
type ScopeFlags struct {
	All  bool
	Cell string
}

type ScanFlags struct {
	Nprocs int
	Cell   string
	// Remote server connection; empty scans locally
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
}

type ReportFlags struct {
	Format string
	Output string
}

type ServeFlags struct {
	Listen   string
	BasePath string
	Every    string
}
