package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/avdb/internal/csdb"
	"github.com/loykin/avdb/internal/history"
	"github.com/loykin/avdb/internal/metrics"
	"github.com/loykin/avdb/internal/probe"
	"github.com/loykin/avdb/internal/reconcile"
	"github.com/loykin/avdb/internal/scan"
	"github.com/loykin/avdb/internal/store"
)

// ScopeAll selects every cell in Activate and Deactivate.
const ScopeAll = "all"

// ErrScanRunning is returned when a scan is requested while one is in progress.
var ErrScanRunning = errors.New("scan already running")

// NodeSpec names a service endpoint registered on every added host.
type NodeSpec struct {
	Name string
	Port int
}

// DefaultNodes are the database servers every AFS db host runs.
var DefaultNodes = []NodeSpec{{Name: "ptserver", Port: 7002}, {Name: "vlserver", Port: 7003}}

// Options configures a Manager.
type Options struct {
	Workers      int
	ProbeTimeout time.Duration
	// ScanTimeout bounds a whole scan; zero means no deadline.
	ScanTimeout time.Duration
	// Filter selects the nodes eligible for a scan.
	Filter store.NodeFilter
	// Nodes registered for each new host; DefaultNodes when empty.
	Nodes []NodeSpec
	// Textfile, when set, receives the metrics after every scan.
	Textfile string
	Logger   *slog.Logger
}

// ScanOptions overrides Options for a single scan.
type ScanOptions struct {
	Workers int
	// Cell restricts the scan to one cell.
	Cell string
}

// Manager ties the inventory store, prober and reconciler together.
type Manager struct {
	mu        sync.RWMutex
	st        store.Store
	prober    probe.Prober
	histSinks []history.Sink
	opts      Options
	logger    *slog.Logger

	scanning atomic.Bool
	lastScan atomic.Pointer[ScanRecord]
}

// ScanRecord describes the most recent completed scan.
type ScanRecord struct {
	StartedAt time.Time         `json:"started_at"`
	Duration  time.Duration     `json:"duration"`
	Summary   reconcile.Summary `json:"summary"`
	Error     string            `json:"error,omitempty"`
}

func NewManager(st store.Store, p probe.Prober, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if len(opts.Nodes) == 0 {
		opts.Nodes = DefaultNodes
	}
	return &Manager{st: st, prober: p, opts: opts, logger: opts.Logger}
}

// SetHistorySinks configures external history sinks (OpenSearch, ClickHouse, etc.).
// Passing nil or no sinks clears the list.
func (m *Manager) SetHistorySinks(sinks ...history.Sink) {
	m.mu.Lock()
	m.histSinks = append([]history.Sink(nil), sinks...)
	m.mu.Unlock()
}

// Store returns the inventory store.
func (m *Manager) Store() store.Store { return m.st }

// Busy reports whether a scan is in progress.
func (m *Manager) Busy() bool { return m.scanning.Load() }

// LastScan returns the most recent completed scan, or nil.
func (m *Manager) LastScan() *ScanRecord { return m.lastScan.Load() }

// Scan probes every eligible node once and reconciles the results. It
// returns ErrScanRunning when another scan holds the manager and
// probe.ErrUnavailable, with nothing written, when the prober is unusable.
func (m *Manager) Scan(ctx context.Context, so ScanOptions) (reconcile.Summary, error) {
	if !m.scanning.CompareAndSwap(false, true) {
		return reconcile.Summary{}, ErrScanRunning
	}
	defer m.scanning.Store(false)

	start := time.Now()
	sum, err := m.scan(ctx, so)
	elapsed := time.Since(start)

	metrics.ObserveScan(err == nil, elapsed.Seconds())
	rec := &ScanRecord{StartedAt: start.UTC(), Duration: elapsed, Summary: sum}
	if err != nil {
		rec.Error = err.Error()
	}
	m.lastScan.Store(rec)
	if m.opts.Textfile != "" {
		if werr := metrics.WriteTextfile(m.opts.Textfile); werr != nil {
			m.logger.Warn("failed to write metrics textfile", "path", m.opts.Textfile, "error", werr)
		}
	}
	return sum, err
}

func (m *Manager) scan(ctx context.Context, so ScanOptions) (reconcile.Summary, error) {
	filter := m.opts.Filter
	if so.Cell != "" {
		filter.Cell = so.Cell
	}
	targets, err := m.st.ListNodes(ctx, filter)
	if err != nil {
		return reconcile.Summary{}, fmt.Errorf("list nodes: %w", err)
	}
	m.logger.Info("starting scan", "nodes", len(targets), "include_inactive", filter.IncludeInactive, "cell", filter.Cell)

	workers := m.opts.Workers
	if so.Workers != 0 {
		workers = so.Workers
	}
	sched := scan.New(m.prober, scan.Options{Workers: workers, ProbeTimeout: m.opts.ProbeTimeout, Logger: m.logger})

	scanCtx := ctx
	if m.opts.ScanTimeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, m.opts.ScanTimeout)
		defer cancel()
	}
	ch, err := sched.Run(scanCtx, targets)
	if err != nil {
		return reconcile.Summary{}, err
	}
	results := scan.Collect(ch)

	m.mu.RLock()
	sinks := append(history.Multi(nil), m.histSinks...)
	m.mu.RUnlock()

	ropts := []reconcile.Option{reconcile.WithLogger(m.logger)}
	if len(sinks) > 0 {
		ropts = append(ropts, reconcile.WithSink(sinks))
	}
	// collected results are committed even when the scan deadline expired
	// or the caller cancelled
	sum, err := reconcile.New(m.st, ropts...).Apply(context.WithoutCancel(ctx), results)
	if err != nil {
		return sum, fmt.Errorf("reconcile: %w", err)
	}
	m.logger.Info("scan complete",
		"probed", sum.Probed,
		"replied", sum.Replied,
		"unreachable", sum.Unreachable,
		"activated", sum.Activated,
		"deactivated", sum.Deactivated,
		"versions_recorded", sum.VersionsRecorded)
	return sum, nil
}

// Activate sets every node in scope active. scope is ScopeAll or a cell
// name. It returns the number of nodes changed.
func (m *Manager) Activate(ctx context.Context, scope string) (int64, error) {
	return m.setActive(ctx, scope, true)
}

// Deactivate clears the active flag of every node in scope.
func (m *Manager) Deactivate(ctx context.Context, scope string) (int64, error) {
	return m.setActive(ctx, scope, false)
}

func (m *Manager) setActive(ctx context.Context, scope string, active bool) (int64, error) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return 0, errors.New("scope is required: a cell name or " + ScopeAll)
	}
	cell := scope
	if scope == ScopeAll {
		cell = ""
	}
	n, err := m.st.SetActive(ctx, cell, active)
	if err != nil {
		return 0, err
	}
	verb := "deactivated"
	if active {
		verb = "activated"
	}
	m.logger.Info(verb+" nodes", "scope", scope, "count", n)
	return n, nil
}

// AddCell registers a cell and its host addresses, each with the
// configured nodes. Existing records are left unchanged.
func (m *Manager) AddCell(ctx context.Context, name, desc string, addresses ...string) (store.Cell, error) {
	hosts := make([]csdb.Host, 0, len(addresses))
	for _, a := range addresses {
		hosts = append(hosts, csdb.Host{Address: a})
	}
	if err := m.Import(ctx, []csdb.Cell{{Name: name, Desc: desc, Hosts: hosts}}); err != nil {
		return store.Cell{}, err
	}
	return m.st.Cell(ctx, name)
}

// Import registers parsed CellServDB cells in one transaction: either every
// record is written or none is.
func (m *Manager) Import(ctx context.Context, cells []csdb.Cell) error {
	return m.st.Apply(ctx, func(w store.Writer) error {
		for _, c := range cells {
			cell, err := w.AddCell(ctx, c.Name, c.Desc)
			if err != nil {
				return fmt.Errorf("import cell %s: %w", c.Name, err)
			}
			for _, h := range c.Hosts {
				m.logger.Info("importing host", "cell", c.Name, "host", h.Name, "address", h.Address)
				host, err := w.AddHost(ctx, cell.ID, h.Address, h.Name)
				if err != nil {
					return fmt.Errorf("import host %s: %w", h.Address, err)
				}
				for _, n := range m.opts.Nodes {
					if _, err := w.AddNode(ctx, host.ID, n.Name, n.Port); err != nil {
						return fmt.Errorf("import node %s:%d: %w", h.Address, n.Port, err)
					}
				}
			}
		}
		return nil
	})
}

// CellView is a cell with its hosts, nodes and versions.
type CellView struct {
	store.Cell
	Hosts []HostView `json:"hosts"`
}

type HostView struct {
	store.Host
	Nodes []NodeView `json:"nodes"`
}

type NodeView struct {
	store.Node
	Versions []string `json:"versions"`
}

// Inventory returns the full cell tree, ordered by cell name.
func (m *Manager) Inventory(ctx context.Context) ([]CellView, error) {
	cells, err := m.st.Cells(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]CellView, 0, len(cells))
	for _, c := range cells {
		hosts, err := m.st.Hosts(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		cv := CellView{Cell: c, Hosts: make([]HostView, 0, len(hosts))}
		for _, h := range hosts {
			nodes, err := m.st.Nodes(ctx, h.ID)
			if err != nil {
				return nil, err
			}
			hv := HostView{Host: h, Nodes: make([]NodeView, 0, len(nodes))}
			for _, n := range nodes {
				vs, err := m.st.Versions(ctx, n.ID)
				if err != nil {
					return nil, err
				}
				nv := NodeView{Node: n, Versions: make([]string, 0, len(vs))}
				for _, v := range vs {
					nv.Versions = append(nv.Versions, v.Version)
				}
				hv.Nodes = append(hv.Nodes, nv)
			}
			cv.Hosts = append(cv.Hosts, hv)
		}
		out = append(out, cv)
	}
	return out, nil
}

// Report returns every version row ordered by cell name then host address.
func (m *Manager) Report(ctx context.Context) ([]store.ReportRow, error) {
	return m.st.Report(ctx)
}
