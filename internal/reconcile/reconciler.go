// Package reconcile turns a batch of probe results into store writes: node
// liveness transitions, newly seen versions and host check times.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/loykin/avdb/internal/history"
	"github.com/loykin/avdb/internal/metrics"
	"github.com/loykin/avdb/internal/probe"
	"github.com/loykin/avdb/internal/scan"
	"github.com/loykin/avdb/internal/store"
)

// Summary counts what a reconciliation did.
type Summary struct {
	Probed           int `json:"probed"`
	Replied          int `json:"replied"`
	Unreachable      int `json:"unreachable"`
	Activated        int `json:"activated"`
	Deactivated      int `json:"deactivated"`
	VersionsRecorded int `json:"versions_recorded"`
}

// Reconciler applies scan results to a store.
type Reconciler struct {
	store  store.Store
	sink   history.Sink
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Reconciler)

// WithSink exports transitions and new versions to s after each commit.
func WithSink(s history.Sink) Option { return func(r *Reconciler) { r.sink = s } }

func WithLogger(l *slog.Logger) Option { return func(r *Reconciler) { r.logger = l } }

// WithClock overrides the time source used for host check times and events.
func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }

func New(s store.Store, opts ...Option) *Reconciler {
	r := &Reconciler{store: s, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// folded is everything a batch says about one node.
type folded struct {
	ref      store.NodeRef
	versions map[string]struct{}
	lastErr  error
}

func (f *folded) replied() bool { return len(f.versions) > 0 }

// Apply folds results per node and writes the outcome in one transaction.
// The initial state of each node is the Active flag captured in its
// NodeRef. A node with at least one reply is reachable, whatever the order
// the results arrived in.
func (r *Reconciler) Apply(ctx context.Context, results []scan.Result) (Summary, error) {
	sum := Summary{Probed: len(results)}
	if len(results) == 0 {
		return sum, nil
	}

	byNode := make(map[int64]*folded)
	for _, res := range results {
		f, ok := byNode[res.Node.NodeID]
		if !ok {
			f = &folded{ref: res.Node, versions: map[string]struct{}{}}
			byNode[res.Node.NodeID] = f
		}
		v := strings.TrimSpace(res.Outcome.Version)
		switch {
		case res.Outcome.OK && v != "":
			sum.Replied++
			f.versions[v] = struct{}{}
		case res.Outcome.OK:
			// a blank reply counts against the node, not the batch
			sum.Unreachable++
			f.lastErr = probe.ErrNoVersion
		default:
			sum.Unreachable++
			f.lastErr = res.Outcome.Err
		}
	}

	ids := make([]int64, 0, len(byNode))
	for id := range byNode {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	checkedAt := r.now().UTC()
	var events []history.Event
	var transitions []string

	err := r.store.Apply(ctx, func(w store.Writer) error {
		hosts := make(map[int64]bool)
		var hostOrder []int64
		for _, id := range ids {
			f := byNode[id]
			ref := f.ref
			if _, seen := hosts[ref.HostID]; !seen {
				hostOrder = append(hostOrder, ref.HostID)
			}
			hosts[ref.HostID] = hosts[ref.HostID] || f.replied()

			if !f.replied() {
				r.logger.Warn("could not get version", "cell", ref.Cell, "address", ref.Address, "port", ref.Port, "error", f.lastErr)
				if !ref.Active {
					continue
				}
				r.logger.Info("deactivating node", "cell", ref.Cell, "address", ref.Address, "node", ref.Name)
				if err := w.SetNodeActive(ctx, id, false); err != nil {
					return fmt.Errorf("deactivate node %d: %w", id, err)
				}
				sum.Deactivated++
				transitions = append(transitions, "inactive")
				events = append(events, r.event(history.EventDeactivated, ref, "", checkedAt))
				continue
			}

			if !ref.Active {
				r.logger.Info("activating node", "cell", ref.Cell, "address", ref.Address, "node", ref.Name)
				if err := w.SetNodeActive(ctx, id, true); err != nil {
					return fmt.Errorf("activate node %d: %w", id, err)
				}
				sum.Activated++
				transitions = append(transitions, "active")
				events = append(events, r.event(history.EventActivated, ref, "", checkedAt))
			}

			versions := make([]string, 0, len(f.versions))
			for v := range f.versions {
				versions = append(versions, v)
			}
			sort.Strings(versions)
			for _, v := range versions {
				r.logger.Info("got version", "cell", ref.Cell, "address", ref.Address, "port", ref.Port, "version", v)
				_, created, err := w.RecordVersion(ctx, id, v)
				if err != nil {
					return fmt.Errorf("record version for node %d: %w", id, err)
				}
				if created {
					sum.VersionsRecorded++
					events = append(events, r.event(history.EventVersion, ref, v, checkedAt))
				}
			}
		}

		for _, hid := range hostOrder {
			if err := w.TouchHost(ctx, hid, checkedAt, hosts[hid]); err != nil {
				return fmt.Errorf("touch host %d: %w", hid, err)
			}
		}
		return nil
	})
	if err != nil {
		// nothing was committed
		return Summary{Probed: sum.Probed, Replied: sum.Replied, Unreachable: sum.Unreachable}, err
	}

	for _, to := range transitions {
		metrics.RecordTransition(to)
	}
	for i := 0; i < sum.VersionsRecorded; i++ {
		metrics.IncVersionRecorded()
	}
	r.export(ctx, events)
	return sum, nil
}

func (r *Reconciler) event(t history.EventType, ref store.NodeRef, version string, at time.Time) history.Event {
	return history.Event{
		Type:       t,
		OccurredAt: at,
		Cell:       ref.Cell,
		Host:       ref.Address,
		Node:       ref.Name,
		Port:       ref.Port,
		Version:    version,
	}
}

func (r *Reconciler) export(ctx context.Context, events []history.Event) {
	if r.sink == nil {
		return
	}
	for _, e := range events {
		if err := r.sink.Send(ctx, e); err != nil {
			r.logger.Warn("history export failed", "type", e.Type, "cell", e.Cell, "host", e.Host, "node", e.Node, "error", err)
		}
	}
}
