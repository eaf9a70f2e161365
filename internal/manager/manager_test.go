package manager

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/avdb/internal/csdb"
	"github.com/loykin/avdb/internal/history"
	"github.com/loykin/avdb/internal/probe"
	"github.com/loykin/avdb/internal/store"
	"github.com/loykin/avdb/internal/store/sqlite"
)

func newStore(t *testing.T) store.Store {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "avdb.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return s
}

// scripted answers each probe with the next outcome in its list.
type scripted struct {
	mu    sync.Mutex
	steps []probe.Outcome
	calls atomic.Int32
}

func (s *scripted) Probe(_ context.Context, _ string, _ int) probe.Outcome {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) == 0 {
		return probe.Unreachable(errors.New("script exhausted"))
	}
	out := s.steps[0]
	s.steps = s.steps[1:]
	return out
}

type unavailable struct{ calls atomic.Int32 }

func (u *unavailable) Check() error { return fmt.Errorf("%w: rxdebug not found", probe.ErrUnavailable) }

func (u *unavailable) Probe(context.Context, string, int) probe.Outcome {
	u.calls.Add(1)
	return probe.Reply("never")
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

func onlyPtserver() []NodeSpec { return []NodeSpec{{Name: "ptserver", Port: 7002}} }

func nodeState(t *testing.T, s store.Store) (store.NodeRef, []store.Version) {
	t.Helper()
	refs, err := s.ListNodes(context.Background(), store.NodeFilter{IncludeInactive: true})
	if err != nil || len(refs) != 1 {
		t.Fatalf("expected one node: %v %v", refs, err)
	}
	vs, err := s.Versions(context.Background(), refs[0].NodeID)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	return refs[0], vs
}

func TestScanLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	p := &scripted{steps: []probe.Outcome{
		probe.Reply("1.8.0"),
		probe.Unreachable(errors.New("timed out")),
		probe.Reply("1.8.1"),
	}}
	sink := &memSink{}
	m := NewManager(s, p, Options{Nodes: onlyPtserver(), Filter: store.NodeFilter{IncludeInactive: true}})
	m.SetHistorySinks(sink)

	if _, err := m.AddCell(ctx, "example.edu", "", "1.2.3.4"); err != nil {
		t.Fatalf("add cell: %v", err)
	}

	if _, err := m.Scan(ctx, ScanOptions{}); err != nil {
		t.Fatalf("scan 1: %v", err)
	}
	ref, vs := nodeState(t, s)
	if !ref.Active || len(vs) != 1 || vs[0].Version != "1.8.0" {
		t.Fatalf("after scan 1: active=%v versions=%v", ref.Active, vs)
	}

	sum, err := m.Scan(ctx, ScanOptions{})
	if err != nil {
		t.Fatalf("scan 2: %v", err)
	}
	ref, vs = nodeState(t, s)
	if ref.Active || len(vs) != 1 || sum.Deactivated != 1 {
		t.Fatalf("after scan 2: active=%v versions=%d summary=%+v", ref.Active, len(vs), sum)
	}

	sum, err = m.Scan(ctx, ScanOptions{})
	if err != nil {
		t.Fatalf("scan 3: %v", err)
	}
	ref, vs = nodeState(t, s)
	if !ref.Active || len(vs) != 2 || vs[1].Version != "1.8.1" || sum.Activated != 1 {
		t.Fatalf("after scan 3: active=%v versions=%v summary=%+v", ref.Active, vs, sum)
	}

	rows, err := m.Report(ctx)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(rows) != 2 || rows[0].Cell != "example.edu" || rows[0].Host != "1.2.3.4" || rows[0].Node != "ptserver" {
		t.Fatalf("unexpected report: %+v", rows)
	}

	if got := len(sink.events); got != 4 {
		t.Fatalf("expected 4 history events, got %d: %+v", got, sink.events)
	}
	if last := m.LastScan(); last == nil || last.Error != "" || last.Summary.Activated != 1 {
		t.Fatalf("unexpected last scan: %+v", last)
	}
}

func TestDefaultFilterSkipsInactiveNodes(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	p := &scripted{steps: []probe.Outcome{probe.Unreachable(errors.New("down")), probe.Reply("1.8.1")}}
	m := NewManager(s, p, Options{Nodes: onlyPtserver()})
	if _, err := m.AddCell(ctx, "example.edu", "", "1.2.3.4"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := m.Scan(ctx, ScanOptions{}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	sum, err := m.Scan(ctx, ScanOptions{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if sum.Probed != 0 || p.calls.Load() != 1 {
		t.Fatalf("inactive node should not be probed: %+v calls=%d", sum, p.calls.Load())
	}

	// reactivating puts it back in scope
	if n, err := m.Activate(ctx, "example.edu"); err != nil || n != 1 {
		t.Fatalf("activate: %d %v", n, err)
	}
	if _, err := m.Scan(ctx, ScanOptions{}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if _, vs := nodeState(t, s); len(vs) != 1 {
		t.Fatalf("expected version after reactivation, got %v", vs)
	}
}

func TestScanUnavailableProberHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	p := &unavailable{}
	m := NewManager(s, p, Options{})
	if _, err := m.AddCell(ctx, "example.edu", "", "1.2.3.4"); err != nil {
		t.Fatalf("add: %v", err)
	}
	_, err := m.Scan(ctx, ScanOptions{})
	if !errors.Is(err, probe.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if p.calls.Load() != 0 {
		t.Fatalf("no probe may run, got %d", p.calls.Load())
	}
	refs, _ := s.ListNodes(ctx, store.NodeFilter{IncludeInactive: true})
	for _, r := range refs {
		if !r.Active {
			t.Fatalf("node state changed: %+v", r)
		}
	}
	cell, _ := s.Cell(ctx, "example.edu")
	hosts, _ := s.Hosts(ctx, cell.ID)
	if hosts[0].CheckedAt != nil {
		t.Fatalf("host touched by failed scan")
	}
	if last := m.LastScan(); last == nil || !strings.Contains(last.Error, "unavailable") {
		t.Fatalf("failed scan not recorded: %+v", last)
	}
}

func TestScanRejectsConcurrentRun(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	p := probe.ProberFunc(func(ctx context.Context, _ string, _ int) probe.Outcome {
		entered <- struct{}{}
		<-release
		return probe.Reply("1.8.0")
	})
	m := NewManager(s, p, Options{Nodes: onlyPtserver()})
	if _, err := m.AddCell(ctx, "example.edu", "", "1.2.3.4"); err != nil {
		t.Fatalf("add: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := m.Scan(ctx, ScanOptions{})
		done <- err
	}()
	<-entered
	if !m.Busy() {
		t.Fatalf("manager should report busy")
	}
	if _, err := m.Scan(ctx, ScanOptions{}); !errors.Is(err, ErrScanRunning) {
		t.Fatalf("expected ErrScanRunning, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if m.Busy() {
		t.Fatalf("manager still busy")
	}
}

func TestScanDeadlineCommitsPartialResults(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	p := probe.ProberFunc(func(ctx context.Context, addr string, _ int) probe.Outcome {
		if addr == "10.0.0.1" {
			return probe.Reply("1.8.0")
		}
		<-ctx.Done()
		return probe.Unreachable(ctx.Err())
	})
	m := NewManager(s, p, Options{Nodes: onlyPtserver(), Workers: 2, ProbeTimeout: time.Hour, ScanTimeout: 200 * time.Millisecond})
	if _, err := m.AddCell(ctx, "deadline.example", "", "10.0.0.1", "10.0.0.2"); err != nil {
		t.Fatalf("add: %v", err)
	}
	sum, err := m.Scan(ctx, ScanOptions{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if sum.Probed != 1 || sum.VersionsRecorded != 1 || sum.Deactivated != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	refs, _ := s.ListNodes(ctx, store.NodeFilter{IncludeInactive: true})
	for _, r := range refs {
		if !r.Active {
			t.Fatalf("node cut short by the scan deadline must stay active: %+v", r)
		}
	}
}

func TestScanCancelCommitsCollectedReplies(t *testing.T) {
	s := newStore(t)
	replied := make(chan struct{})
	var once sync.Once
	p := probe.ProberFunc(func(ctx context.Context, addr string, _ int) probe.Outcome {
		if addr == "10.0.0.1" {
			once.Do(func() { close(replied) })
			return probe.Reply("1.8.0")
		}
		<-ctx.Done()
		return probe.Unreachable(ctx.Err())
	})
	m := NewManager(s, p, Options{Nodes: onlyPtserver(), Workers: 2, ProbeTimeout: time.Hour})
	if _, err := m.AddCell(context.Background(), "cancel.example", "", "10.0.0.1", "10.0.0.2"); err != nil {
		t.Fatalf("add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-replied
		cancel()
	}()
	sum, err := m.Scan(ctx, ScanOptions{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if sum.VersionsRecorded != 1 || sum.Deactivated != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	rows, err := s.Report(context.Background())
	if err != nil || len(rows) != 1 || rows[0].Version != "1.8.0" {
		t.Fatalf("reply should be committed after cancel: %+v %v", rows, err)
	}
	refs, _ := s.ListNodes(context.Background(), store.NodeFilter{IncludeInactive: true})
	for _, r := range refs {
		if !r.Active {
			t.Fatalf("cancelled node must stay active: %+v", r)
		}
	}
}

func TestScanCellAndWorkerOverride(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	var addrs sync.Map
	p := probe.ProberFunc(func(_ context.Context, addr string, _ int) probe.Outcome {
		addrs.Store(addr, true)
		return probe.Reply("1.8.0")
	})
	m := NewManager(s, p, Options{})
	if _, err := m.AddCell(ctx, "a.example", "", "10.0.0.1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddCell(ctx, "b.example", "", "10.0.0.2"); err != nil {
		t.Fatal(err)
	}
	sum, err := m.Scan(ctx, ScanOptions{Cell: "b.example", Workers: 1})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if sum.Probed != 2 {
		t.Fatalf("expected both default nodes of one host, got %+v", sum)
	}
	if _, ok := addrs.Load("10.0.0.1"); ok {
		t.Fatalf("scan leaked outside the selected cell")
	}
}

func TestActivateDeactivateScopes(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	m := NewManager(s, &scripted{}, Options{})
	if _, err := m.AddCell(ctx, "a.example", "", "10.0.0.1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddCell(ctx, "b.example", "", "10.0.0.2", "10.0.0.3"); err != nil {
		t.Fatal(err)
	}

	n, err := m.Deactivate(ctx, "b.example")
	if err != nil || n != 4 {
		t.Fatalf("deactivate cell: %d %v", n, err)
	}
	n, err = m.Deactivate(ctx, ScopeAll)
	if err != nil || n != 2 {
		t.Fatalf("deactivate all: %d %v", n, err)
	}
	n, err = m.Activate(ctx, ScopeAll)
	if err != nil || n != 6 {
		t.Fatalf("activate all: %d %v", n, err)
	}
	if _, err := m.Activate(ctx, "missing.example"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := m.Activate(ctx, " "); err == nil {
		t.Fatalf("expected error for empty scope")
	}
}

func TestImportRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	m := NewManager(s, &scripted{}, Options{})
	cells := []csdb.Cell{
		{Name: "example.edu", Hosts: []csdb.Host{{Address: "1.2.3.4"}}},
		{Name: "broken.example", Hosts: []csdb.Host{{Address: "5.6.7.8"}, {Address: " "}}},
	}
	if err := m.Import(ctx, cells); err == nil {
		t.Fatalf("expected an error for the empty host address")
	}
	got, err := s.Cells(ctx)
	if err != nil {
		t.Fatalf("cells: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("failed import must not leave records behind: %+v", got)
	}
	if refs, _ := s.ListNodes(ctx, store.NodeFilter{IncludeInactive: true}); len(refs) != 0 {
		t.Fatalf("expected no nodes, got %d", len(refs))
	}
}

func TestImportAndInventory(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	m := NewManager(s, &scripted{}, Options{})
	cells, err := csdb.Parse(strings.NewReader(">example.edu #Example\n1.2.3.4 #db1.example.edu\n>grand.central.org #GCO\n18.9.48.14 #grand.mit.edu\n128.2.13.219 #opry\n"))
	if err != nil {
		t.Fatal(err)
	}
	// importing twice is idempotent
	for i := 0; i < 2; i++ {
		if err := m.Import(ctx, cells); err != nil {
			t.Fatalf("import: %v", err)
		}
	}
	inv, err := m.Inventory(ctx)
	if err != nil {
		t.Fatalf("inventory: %v", err)
	}
	if len(inv) != 2 || inv[0].Name != "example.edu" || inv[1].Name != "grand.central.org" {
		t.Fatalf("unexpected cells: %+v", inv)
	}
	if inv[0].Desc != "Example" || len(inv[0].Hosts) != 1 || inv[0].Hosts[0].Name != "db1.example.edu" {
		t.Fatalf("unexpected first cell: %+v", inv[0])
	}
	g := inv[1]
	if len(g.Hosts) != 2 {
		t.Fatalf("expected 2 hosts, got %d", len(g.Hosts))
	}
	for _, h := range g.Hosts {
		if len(h.Nodes) != 2 || h.Nodes[0].Name != "ptserver" || h.Nodes[0].Port != 7002 || h.Nodes[1].Port != 7003 {
			t.Fatalf("unexpected nodes for %s: %+v", h.Address, h.Nodes)
		}
	}
}
