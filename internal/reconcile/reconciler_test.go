package reconcile

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/loykin/avdb/internal/history"
	"github.com/loykin/avdb/internal/probe"
	"github.com/loykin/avdb/internal/scan"
	"github.com/loykin/avdb/internal/store"
	"github.com/loykin/avdb/internal/store/sqlite"
	"github.com/loykin/avdb/internal/store/storetest"
)

func newStore(t *testing.T) store.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return s
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
	err    error
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func refOf(t *testing.T, s store.Store, nodeID int64) store.NodeRef {
	t.Helper()
	refs, err := s.ListNodes(context.Background(), store.NodeFilter{IncludeInactive: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, r := range refs {
		if r.NodeID == nodeID {
			return r
		}
	}
	t.Fatalf("node %d not found", nodeID)
	return store.NodeRef{}
}

func reply(ref store.NodeRef, v string) scan.Result {
	return scan.Result{Node: ref, Outcome: probe.Reply(v)}
}

func fail(ref store.NodeRef) scan.Result {
	return scan.Result{Node: ref, Outcome: probe.Unreachable(errors.New("timeout"))}
}

func TestTransitions(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, h, n := storetest.Seed(t, s, "example.edu", "1.2.3.4", "ptserver", 7002)
	sink := &memSink{}
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := New(s, WithSink(sink), WithClock(func() time.Time { return clock }))

	sum, err := r.Apply(ctx, []scan.Result{reply(refOf(t, s, n.ID), "1.8.0")})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if sum.VersionsRecorded != 1 || sum.Activated != 0 || sum.Replied != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	sum, err = r.Apply(ctx, []scan.Result{fail(refOf(t, s, n.ID))})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if sum.Deactivated != 1 {
		t.Fatalf("expected deactivation: %+v", sum)
	}
	if refOf(t, s, n.ID).Active {
		t.Fatalf("node should be inactive")
	}

	// unreachable while inactive is a no-op
	sum, err = r.Apply(ctx, []scan.Result{fail(refOf(t, s, n.ID))})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if sum.Deactivated != 0 || sum.Activated != 0 {
		t.Fatalf("expected no transition: %+v", sum)
	}

	sum, err = r.Apply(ctx, []scan.Result{reply(refOf(t, s, n.ID), "1.8.1")})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if sum.Activated != 1 || sum.VersionsRecorded != 1 {
		t.Fatalf("expected activation and new version: %+v", sum)
	}
	if !refOf(t, s, n.ID).Active {
		t.Fatalf("node should be active again")
	}

	vs, err := s.Versions(ctx, n.ID)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(vs) != 2 || vs[0].Version != "1.8.0" || vs[1].Version != "1.8.1" {
		t.Fatalf("unexpected versions: %+v", vs)
	}

	hosts, err := s.Hosts(ctx, h.CellID)
	if err != nil {
		t.Fatalf("hosts: %v", err)
	}
	if hosts[0].CheckedAt == nil || hosts[0].RepliedAt == nil || !hosts[0].CheckedAt.Equal(clock) {
		t.Fatalf("host check times not recorded: %+v", hosts[0])
	}

	want := []history.EventType{history.EventVersion, history.EventDeactivated, history.EventActivated, history.EventVersion}
	if len(sink.events) != len(want) {
		t.Fatalf("expected %d events, got %+v", len(want), sink.events)
	}
	for i, e := range sink.events {
		if e.Type != want[i] || e.Cell != "example.edu" || e.Host != "1.2.3.4" || e.Port != 7002 {
			t.Fatalf("event %d: %+v", i, e)
		}
	}
}

func TestIdempotentVersion(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, _, n := storetest.Seed(t, s, "example.edu", "1.2.3.4", "ptserver", 7002)
	r := New(s)
	for i := 0; i < 3; i++ {
		if _, err := r.Apply(ctx, []scan.Result{reply(refOf(t, s, n.ID), "1.8.0")}); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	vs, _ := s.Versions(ctx, n.ID)
	if len(vs) != 1 {
		t.Fatalf("expected one version row, got %d", len(vs))
	}
}

func TestDuplicateResultsInOneBatch(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, _, n := storetest.Seed(t, s, "example.edu", "1.2.3.4", "ptserver", 7002)
	ref := refOf(t, s, n.ID)
	sum, err := New(s).Apply(ctx, []scan.Result{reply(ref, "1.8.0"), reply(ref, "1.8.0"), fail(ref)})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if sum.VersionsRecorded != 1 || sum.Deactivated != 0 {
		t.Fatalf("any reply keeps the node up: %+v", sum)
	}
	if !refOf(t, s, n.ID).Active {
		t.Fatalf("node should stay active")
	}
}

// Final state must not depend on the order results arrive in.
func TestPermutationInvariance(t *testing.T) {
	ctx := context.Background()
	type snapshot struct {
		active   map[string]bool
		versions map[string][]string
	}
	run := func(shuffle bool) snapshot {
		s := newStore(t)
		var results []scan.Result
		addrs := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"}
		for i, a := range addrs {
			_, _, n := storetest.Seed(t, s, "perm.example", a, "ptserver", 7002)
			ref := refOf(t, s, n.ID)
			switch i % 3 {
			case 0:
				results = append(results, reply(ref, "1.8.0"), reply(ref, "1.6.0"))
			case 1:
				results = append(results, fail(ref))
			default:
				results = append(results, fail(ref), reply(ref, "1.8.2"))
			}
		}
		if shuffle {
			rand.Shuffle(len(results), func(i, j int) { results[i], results[j] = results[j], results[i] })
		}
		if _, err := New(s).Apply(ctx, results); err != nil {
			t.Fatalf("apply: %v", err)
		}
		snap := snapshot{active: map[string]bool{}, versions: map[string][]string{}}
		refs, _ := s.ListNodes(ctx, store.NodeFilter{IncludeInactive: true})
		for _, ref := range refs {
			snap.active[ref.Address] = ref.Active
			vs, _ := s.Versions(ctx, ref.NodeID)
			for _, v := range vs {
				snap.versions[ref.Address] = append(snap.versions[ref.Address], v.Version)
			}
		}
		return snap
	}

	base := run(false)
	for i := 0; i < 5; i++ {
		got := run(true)
		for addr, a := range base.active {
			if got.active[addr] != a {
				t.Fatalf("%s: active %v vs %v", addr, got.active[addr], a)
			}
			bv, gv := base.versions[addr], got.versions[addr]
			if len(bv) != len(gv) {
				t.Fatalf("%s: versions %v vs %v", addr, gv, bv)
			}
			for k := range bv {
				if bv[k] != gv[k] {
					t.Fatalf("%s: versions %v vs %v", addr, gv, bv)
				}
			}
		}
	}
}

func TestSinkFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, _, n := storetest.Seed(t, s, "example.edu", "1.2.3.4", "ptserver", 7002)
	sink := &memSink{err: errors.New("sink down")}
	sum, err := New(s, WithSink(sink)).Apply(ctx, []scan.Result{reply(refOf(t, s, n.ID), "1.8.0")})
	if err != nil {
		t.Fatalf("sink failure must not fail the scan: %v", err)
	}
	if sum.VersionsRecorded != 1 || len(sink.events) != 1 {
		t.Fatalf("unexpected: %+v %d", sum, len(sink.events))
	}
}

func TestStoreErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, _, n := storetest.Seed(t, s, "example.edu", "1.2.3.4", "ptserver", 7002)
	good := refOf(t, s, n.ID)
	ghost := good
	ghost.NodeID = 9999
	ghost.Active = true
	sink := &memSink{}

	_, err := New(s, WithSink(sink)).Apply(ctx, []scan.Result{reply(good, "1.8.0"), fail(ghost)})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if vs, _ := s.Versions(ctx, n.ID); len(vs) != 0 {
		t.Fatalf("version write should be rolled back, got %d rows", len(vs))
	}
	if len(sink.events) != 0 {
		t.Fatalf("no events may be exported for a failed transaction")
	}
}

func TestEmptyBatch(t *testing.T) {
	sum, err := New(newStore(t)).Apply(context.Background(), nil)
	if err != nil || sum != (Summary{}) {
		t.Fatalf("unexpected: %+v %v", sum, err)
	}
}

func TestBlankVersionDeactivatesOnlyItsNode(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, h, n1 := storetest.Seed(t, s, "example.edu", "1.2.3.4", "ptserver", 7002)
	n2, err := s.AddNode(ctx, h.ID, "vlserver", 7003)
	if err != nil {
		t.Fatalf("add node: %v", err)
	}
	_, _, n3 := storetest.Seed(t, s, "other.org", "5.6.7.8", "ptserver", 7002)

	sum, err := New(s).Apply(ctx, []scan.Result{
		fail(refOf(t, s, n1.ID)),
		reply(refOf(t, s, n2.ID), "   "),
		reply(refOf(t, s, n3.ID), " 1.8.0\n"),
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if sum.Replied != 1 || sum.Unreachable != 2 || sum.Deactivated != 2 || sum.VersionsRecorded != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	for _, id := range []int64{n1.ID, n2.ID} {
		if refOf(t, s, id).Active {
			t.Fatalf("node %d should be deactivated", id)
		}
		if vs, _ := s.Versions(ctx, id); len(vs) != 0 {
			t.Fatalf("node %d: expected no versions, got %d", id, len(vs))
		}
	}
	vs, _ := s.Versions(ctx, n3.ID)
	if len(vs) != 1 || vs[0].Version != "1.8.0" {
		t.Fatalf("expected trimmed version, got %+v", vs)
	}
}
