package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/avdb/internal/metrics"
	"github.com/loykin/avdb/internal/probe"
	"github.com/loykin/avdb/internal/store"
)

const (
	DefaultWorkers      = 10
	DefaultProbeTimeout = 10 * time.Second
)

// ErrNoWorkers is returned when the pool is configured with a negative size.
var ErrNoWorkers = errors.New("worker count must be positive")

// Result pairs a probed node with its outcome. Results arrive in completion
// order; the node reference is the only correlation key.
type Result struct {
	Node    store.NodeRef
	Outcome probe.Outcome
	Elapsed time.Duration
}

// Options configures a Scheduler.
type Options struct {
	// Workers bounds the number of probes in flight (default 10).
	Workers int
	// ProbeTimeout bounds a single probe (default 10s).
	ProbeTimeout time.Duration
	Logger       *slog.Logger
}

// Scheduler fans probes out over a fixed-size worker pool and fans the
// outcomes back in on a single channel.
type Scheduler struct {
	prober  probe.Prober
	workers int
	timeout time.Duration
	logger  *slog.Logger
}

// New builds a Scheduler around p.
func New(p probe.Prober, opts Options) *Scheduler {
	if opts.Workers == 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		prober:  p,
		workers: opts.Workers,
		timeout: opts.ProbeTimeout,
		logger:  opts.Logger,
	}
}

// Workers reports the configured pool size.
func (s *Scheduler) Workers() int { return s.workers }

// Run probes every target once. It fails without probing anything when the
// prober is unusable. The returned channel is closed after every dispatched
// target has produced its result.
//
// Cancelling ctx stops dispatch. Probes cut short by that cancellation are
// dropped rather than reported as unreachable; per-probe timeouts are still
// reported.
func (s *Scheduler) Run(ctx context.Context, targets []store.NodeRef) (<-chan Result, error) {
	if s.prober == nil {
		return nil, fmt.Errorf("%w: no prober configured", probe.ErrUnavailable)
	}
	if s.workers < 0 {
		return nil, ErrNoWorkers
	}
	if c, ok := s.prober.(probe.Checker); ok {
		if err := c.Check(); err != nil {
			return nil, err
		}
	}
	if len(targets) == 0 {
		ch := make(chan Result)
		close(ch)
		return ch, nil
	}

	workers := min(s.workers, len(targets))
	// sized so workers never wait on a slow consumer
	resultCh := make(chan Result, len(targets))
	workCh := make(chan store.NodeRef)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx, workCh, resultCh)
		}()
	}

	go func() {
		defer close(workCh)
		for _, t := range targets {
			select {
			case <-ctx.Done():
				s.logger.Warn("scan deadline reached, not dispatching remaining nodes", "error", ctx.Err())
				return
			case workCh <- t:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	return resultCh, nil
}

func (s *Scheduler) worker(ctx context.Context, workCh <-chan store.NodeRef, resultCh chan<- Result) {
	for t := range workCh {
		s.logger.Debug("scanning node", "cell", t.Cell, "address", t.Address, "port", t.Port)
		probeCtx, cancel := context.WithTimeout(ctx, s.timeout)
		metrics.ProbeStarted()
		start := time.Now()
		out := s.prober.Probe(probeCtx, t.Address, t.Port)
		elapsed := time.Since(start)
		metrics.ProbeFinished(out.OK, elapsed.Seconds())
		cancel()

		if !out.OK && ctx.Err() != nil {
			s.logger.Debug("dropping probe cut short by scan deadline", "address", t.Address, "port", t.Port)
			continue
		}
		resultCh <- Result{Node: t, Outcome: out, Elapsed: elapsed}
	}
}

// Collect drains ch until it is closed and returns the results in arrival order.
func Collect(ch <-chan Result) []Result {
	out := make([]Result, 0)
	for r := range ch {
		out = append(out, r)
	}
	return out
}
