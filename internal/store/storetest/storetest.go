// Package storetest holds behaviour checks shared by every store backend.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loykin/avdb/internal/store"
)

// Run exercises s against the Store contract. s must have an empty schema applied.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	t.Run("Idempotence", func(t *testing.T) { testIdempotence(t, s) })
	t.Run("ListNodes", func(t *testing.T) { testListNodes(t, s) })
	t.Run("SetActive", func(t *testing.T) { testSetActive(t, s) })
	t.Run("Report", func(t *testing.T) { testReport(t, s) })
	t.Run("TouchHost", func(t *testing.T) { testTouchHost(t, s) })
	t.Run("ApplyRollback", func(t *testing.T) { testApplyRollback(t, s) })
}

// Seed adds cell/address/node and returns the created records.
func Seed(t *testing.T, s store.Store, cell, address, node string, port int) (store.Cell, store.Host, store.Node) {
	t.Helper()
	ctx := context.Background()
	c, err := s.AddCell(ctx, cell, "")
	if err != nil {
		t.Fatalf("add cell %s: %v", cell, err)
	}
	h, err := s.AddHost(ctx, c.ID, address, "")
	if err != nil {
		t.Fatalf("add host %s: %v", address, err)
	}
	n, err := s.AddNode(ctx, h.ID, node, port)
	if err != nil {
		t.Fatalf("add node %s: %v", node, err)
	}
	return c, h, n
}

func testIdempotence(t *testing.T, s store.Store) {
	ctx := context.Background()
	c1, err := s.AddCell(ctx, "idem.example", "first")
	if err != nil {
		t.Fatalf("add cell: %v", err)
	}
	c2, err := s.AddCell(ctx, "idem.example", "second")
	if err != nil {
		t.Fatalf("add cell again: %v", err)
	}
	if c1.ID != c2.ID || c2.Desc != "first" {
		t.Fatalf("expected existing cell unchanged, got %+v vs %+v", c1, c2)
	}

	h1, err := s.AddHost(ctx, c1.ID, "10.0.0.1", "db1.idem.example")
	if err != nil {
		t.Fatalf("add host: %v", err)
	}
	h2, err := s.AddHost(ctx, c1.ID, "10.0.0.1", "renamed")
	if err != nil {
		t.Fatalf("add host again: %v", err)
	}
	if h1.ID != h2.ID || h2.Name != "db1.idem.example" {
		t.Fatalf("expected existing host unchanged, got %+v vs %+v", h1, h2)
	}

	n1, err := s.AddNode(ctx, h1.ID, "ptserver", 7002)
	if err != nil {
		t.Fatalf("add node: %v", err)
	}
	n2, err := s.AddNode(ctx, h1.ID, "ptserver", 7999)
	if err != nil {
		t.Fatalf("add node again: %v", err)
	}
	if n1.ID != n2.ID || n2.Port != 7002 {
		t.Fatalf("expected existing node unchanged, got %+v vs %+v", n1, n2)
	}

	v1, created, err := s.RecordVersion(ctx, n1.ID, "1.8.0")
	if err != nil || !created {
		t.Fatalf("record version: created=%v err=%v", created, err)
	}
	v2, created, err := s.RecordVersion(ctx, n1.ID, "1.8.0")
	if err != nil || created {
		t.Fatalf("record duplicate: created=%v err=%v", created, err)
	}
	if v1.ID != v2.ID {
		t.Fatalf("duplicate version got new id: %d vs %d", v1.ID, v2.ID)
	}
	vs, err := s.Versions(ctx, n1.ID)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(vs) != 1 {
		t.Fatalf("expected 1 version row, got %d", len(vs))
	}

	cells, err := s.Cells(ctx)
	if err != nil {
		t.Fatalf("cells: %v", err)
	}
	count := 0
	for _, c := range cells {
		if c.Name == "idem.example" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected one cell row, got %d", count)
	}

	if _, err := s.Cell(ctx, "missing.example"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.AddNode(ctx, h1.ID, "bad", 0); err == nil {
		t.Fatalf("expected error for port 0")
	}
}

func testListNodes(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, _, a := Seed(t, s, "list.example", "10.1.0.1", "ptserver", 7002)
	_, hb, b := Seed(t, s, "list.example", "10.1.0.2", "vlserver", 7003)
	c, _, other := Seed(t, s, "other.example", "10.2.0.1", "ptserver", 7002)

	if err := s.SetNodeActive(ctx, b.ID, false); err != nil {
		t.Fatalf("set inactive: %v", err)
	}

	refs, err := s.ListNodes(ctx, store.NodeFilter{Cell: "list.example"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(refs) != 1 || refs[0].NodeID != a.ID || refs[0].Address != "10.1.0.1" || refs[0].Port != 7002 || !refs[0].Active {
		t.Fatalf("unexpected active refs: %+v", refs)
	}

	refs, err = s.ListNodes(ctx, store.NodeFilter{Cell: "list.example", IncludeInactive: true})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(refs) != 2 || refs[1].NodeID != b.ID || refs[1].Active || refs[1].HostID != hb.ID {
		t.Fatalf("unexpected refs with inactive: %+v", refs)
	}

	// parent gating: deactivating the cell hides its nodes only when asked to
	if _, err := s.SetActive(ctx, c.Name, false); err != nil {
		t.Fatalf("deactivate cell: %v", err)
	}
	if err := s.SetNodeActive(ctx, other.ID, true); err != nil {
		t.Fatalf("reactivate node: %v", err)
	}
	refs, err = s.ListNodes(ctx, store.NodeFilter{Cell: c.Name})
	if err != nil || len(refs) != 1 {
		t.Fatalf("expected node listed without parent gating: %+v err=%v", refs, err)
	}
	refs, err = s.ListNodes(ctx, store.NodeFilter{Cell: c.Name, RequireActiveParents: true})
	if err != nil || len(refs) != 0 {
		t.Fatalf("expected node hidden by parent gating: %+v err=%v", refs, err)
	}

	if err := s.SetNodeActive(ctx, 1<<40, true); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown node, got %v", err)
	}
}

func testSetActive(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, _, n1 := Seed(t, s, "act-a.example", "10.3.0.1", "ptserver", 7002)
	_, _, n2 := Seed(t, s, "act-b.example", "10.3.1.1", "ptserver", 7002)

	changed, err := s.SetActive(ctx, "act-a.example", false)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if changed != 1 {
		t.Fatalf("expected 1 node changed, got %d", changed)
	}
	// second call changes nothing
	changed, err = s.SetActive(ctx, "act-a.example", false)
	if err != nil || changed != 0 {
		t.Fatalf("expected idempotent deactivate, changed=%d err=%v", changed, err)
	}
	c, err := s.Cell(ctx, "act-a.example")
	if err != nil || c.Active {
		t.Fatalf("expected cell inactive: %+v err=%v", c, err)
	}
	refs, _ := s.ListNodes(ctx, store.NodeFilter{Cell: "act-b.example"})
	if len(refs) != 1 || refs[0].NodeID != n2.ID {
		t.Fatalf("other cell must be untouched: %+v", refs)
	}

	if _, err := s.SetActive(ctx, "nope.example", true); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := s.SetActive(ctx, "", true); err != nil {
		t.Fatalf("activate all: %v", err)
	}
	refs, _ = s.ListNodes(ctx, store.NodeFilter{Cell: "act-a.example", RequireActiveParents: true})
	if len(refs) != 1 || refs[0].NodeID != n1.ID {
		t.Fatalf("expected node back in scope: %+v", refs)
	}
}

func testReport(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, _, z := Seed(t, s, "zz.report", "10.9.0.2", "ptserver", 7002)
	_, _, y := Seed(t, s, "zz.report", "10.9.0.1", "ptserver", 7002)
	_, _, a := Seed(t, s, "aa.report", "10.8.0.1", "vlserver", 7003)
	for _, nv := range []struct {
		id int64
		v  string
	}{{z.ID, "1.8.0"}, {y.ID, "1.6.0"}, {a.ID, "1.8.1"}, {y.ID, "1.8.0"}} {
		if _, _, err := s.RecordVersion(ctx, nv.id, nv.v); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	rows, err := s.Report(ctx)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	var got []string
	for _, r := range rows {
		if r.Cell == "aa.report" || r.Cell == "zz.report" {
			got = append(got, r.Cell+","+r.Host+","+r.Node+","+r.Version)
		}
	}
	want := []string{
		"aa.report,10.8.0.1,vlserver,1.8.1",
		"zz.report,10.9.0.1,ptserver,1.6.0",
		"zz.report,10.9.0.1,ptserver,1.8.0",
		"zz.report,10.9.0.2,ptserver,1.8.0",
	}
	if len(got) != len(want) {
		t.Fatalf("report rows: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("row %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func testTouchHost(t *testing.T, s store.Store) {
	ctx := context.Background()
	c, h, _ := Seed(t, s, "touch.example", "10.4.0.1", "ptserver", 7002)
	at := time.Now().UTC().Truncate(time.Second)
	if err := s.TouchHost(ctx, h.ID, at, false); err != nil {
		t.Fatalf("touch: %v", err)
	}
	hosts, err := s.Hosts(ctx, c.ID)
	if err != nil || len(hosts) != 1 {
		t.Fatalf("hosts: %+v err=%v", hosts, err)
	}
	if hosts[0].CheckedAt == nil || hosts[0].RepliedAt != nil {
		t.Fatalf("expected checked only: %+v", hosts[0])
	}
	if err := s.TouchHost(ctx, h.ID, at.Add(time.Minute), true); err != nil {
		t.Fatalf("touch replied: %v", err)
	}
	hosts, _ = s.Hosts(ctx, c.ID)
	if hosts[0].RepliedAt == nil || !hosts[0].RepliedAt.Equal(at.Add(time.Minute)) {
		t.Fatalf("expected replied timestamp: %+v", hosts[0])
	}
}

func testApplyRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, _, n := Seed(t, s, "tx.example", "10.5.0.1", "ptserver", 7002)
	boom := errors.New("boom")
	err := s.Apply(ctx, func(w store.Writer) error {
		if _, _, err := w.RecordVersion(ctx, n.ID, "1.8.0"); err != nil {
			return err
		}
		if err := w.SetNodeActive(ctx, n.ID, false); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	vs, _ := s.Versions(ctx, n.ID)
	if len(vs) != 0 {
		t.Fatalf("expected rollback of version rows, got %d", len(vs))
	}
	refs, _ := s.ListNodes(ctx, store.NodeFilter{Cell: "tx.example"})
	if len(refs) != 1 {
		t.Fatalf("expected node still active after rollback: %+v", refs)
	}

	if err := s.Apply(ctx, func(w store.Writer) error {
		_, _, err := w.RecordVersion(ctx, n.ID, "1.8.0")
		return err
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	vs, _ = s.Versions(ctx, n.ID)
	if len(vs) != 1 || vs[0].Version != "1.8.0" {
		t.Fatalf("expected committed version, got %+v", vs)
	}
	err = s.Apply(ctx, func(w store.Writer) error {
		c, err := w.AddCell(ctx, "rollback.example", "")
		if err != nil {
			return err
		}
		h, err := w.AddHost(ctx, c.ID, "10.5.0.2", "")
		if err != nil {
			return err
		}
		if _, err := w.AddNode(ctx, h.ID, "ptserver", 7002); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := s.Cell(ctx, "rollback.example"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected rolled back cell, got %v", err)
	}
}
