package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Job is a function run on a fixed interval.
// Schedule supports only the form "@every <duration>" (e.g., "@every 1h").
// With Singleton set, a tick is skipped while the previous run is still
// in progress. Name must be unique across jobs inside the same Scheduler.
type Job struct {
	Name      string
	Schedule  string
	Singleton bool
	Run       func(ctx context.Context) error

	running atomic.Bool
	skipped atomic.Int64
}

// Skipped reports how many ticks were dropped because a run was in progress.
func (j *Job) Skipped() int64 { return j.skipped.Load() }

// parseEvery parses schedules of the form "@every <duration>".
func parseEvery(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "@every ") {
		return 0, fmt.Errorf("unsupported schedule: %s (only @every <duration> supported)", expr)
	}
	durStr := strings.TrimSpace(strings.TrimPrefix(expr, "@every "))
	d, err := time.ParseDuration(durStr)
	if err != nil {
		return 0, fmt.Errorf("invalid @every duration: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("@every duration must be > 0")
	}
	return d, nil
}

// ParseEvery validates an "@every <duration>" schedule and returns its period.
func ParseEvery(expr string) (time.Duration, error) { return parseEvery(expr) }

func (j *Job) validate() error {
	if j.Name == "" {
		return errors.New("cron job requires a name")
	}
	if j.Schedule == "" {
		return errors.New("cron job requires a schedule")
	}
	if j.Run == nil {
		return fmt.Errorf("cron job %s has nothing to run", j.Name)
	}
	_, err := parseEvery(j.Schedule)
	return err
}

// Scheduler runs jobs on their own tickers.
// Use Start to launch the background tickers, and Stop to cancel them.
type Scheduler struct {
	jobs   []*Job
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger}
}

func (s *Scheduler) Add(job *Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	for _, j := range s.jobs {
		if j.Name == job.Name {
			return fmt.Errorf("cron job %s already exists", job.Name)
		}
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start launches all job loops. Runs receive a context cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		d, err := parseEvery(j.Schedule)
		if err != nil {
			return fmt.Errorf("job %s: %w", j.Name, err)
		}
		s.wg.Add(1)
		go s.runJob(ctx, j, d)
	}
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, j *Job, period time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if j.Singleton {
				if !j.running.CompareAndSwap(false, true) {
					j.skipped.Add(1)
					s.logger.Warn("skipping tick, previous run still in progress", "job", j.Name)
					continue
				}
			} else {
				j.running.Store(true)
			}
			// run outside the ticker loop so a long run never delays the next tick
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer j.running.Store(false)
				if err := j.Run(ctx); err != nil {
					s.logger.Error("cron job failed", "job", j.Name, "error", err)
				}
			}()
		}
	}
}

// Stop cancels all jobs and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}
