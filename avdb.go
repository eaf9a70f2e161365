package avdb

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	cfg "github.com/loykin/avdb/internal/config"
	"github.com/loykin/avdb/internal/cron"
	"github.com/loykin/avdb/internal/csdb"
	"github.com/loykin/avdb/internal/history"
	hfactory "github.com/loykin/avdb/internal/history/factory"
	"github.com/loykin/avdb/internal/manager"
	"github.com/loykin/avdb/internal/metrics"
	"github.com/loykin/avdb/internal/probe"
	"github.com/loykin/avdb/internal/reconcile"
	"github.com/loykin/avdb/internal/report"
	iapi "github.com/loykin/avdb/internal/server"
	"github.com/loykin/avdb/internal/store"
	sfactory "github.com/loykin/avdb/internal/store/factory"
	itls "github.com/loykin/avdb/internal/tls"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// importFetchConcurrency bounds concurrent CellServDB downloads.
const importFetchConcurrency = 4

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Summary = reconcile.Summary

type ScanOptions = manager.ScanOptions

type ScanRecord = manager.ScanRecord

type CellView = manager.CellView

type ReportRow = store.ReportRow

type Prober = probe.Prober

type HistorySink = history.Sink

// ScopeAll selects every cell for Activate and Deactivate.
const ScopeAll = manager.ScopeAll

var (
	ErrUnavailable = probe.ErrUnavailable
	ErrScanRunning = manager.ErrScanRunning
	ErrNotFound    = store.ErrNotFound
)

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func DefaultConfig() *Config { return cfg.Default() }

// Service is a thin facade over internal/manager.Manager.
// It owns the store and history sinks it opened and releases them on Close.
type Service struct {
	inner  *manager.Manager
	sinks  history.Multi
	logger *slog.Logger
}

// New opens the inventory named by c.Database.DSN, ensures its schema and
// wires the configured prober and history sinks. A prober that cannot be
// set up does not fail New; Scan then reports ErrUnavailable.
func New(ctx context.Context, c *Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	st, err := sfactory.NewFromDSN(c.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	p, err := NewProber(c.Scan)
	if err != nil {
		logger.Debug("prober unavailable", "probe", c.Scan.Probe, "error", err)
		p = probe.Disabled(err)
	}
	s := NewWithStore(st, p, managerOptions(c, logger))
	if c.History.Enabled {
		sink, err := hfactory.NewSinkFromDSN(c.History.DSN)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("open history sink: %w", err)
		}
		s.SetHistorySinks(sink)
	}
	return s, nil
}

// NewWithStore builds a Service over an already opened store.
func NewWithStore(st store.Store, p Prober, opts manager.Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{inner: manager.NewManager(st, p, opts), logger: opts.Logger}
}

func managerOptions(c *Config, logger *slog.Logger) manager.Options {
	return manager.Options{
		Workers:      c.Scan.Nprocs,
		ProbeTimeout: c.Scan.ProbeTimeout,
		ScanTimeout:  c.Scan.ScanTimeout,
		Filter:       c.Scan.NodeFilter(),
		Textfile:     c.Metrics.Textfile,
		Logger:       logger,
	}
}

// NewProber builds the prober selected by sc.Probe. The rxdebug prober
// fails with ErrUnavailable when the program cannot be found.
func NewProber(sc cfg.ScanConfig) (Prober, error) {
	switch sc.Probe {
	case cfg.ProbeUDP:
		return &probe.RxUDP{Timeout: sc.ProbeTimeout}, nil
	case cfg.ProbeRxdebug, "":
		return probe.NewRxdebug(sc.Rxdebug)
	}
	return nil, fmt.Errorf("unknown probe %q", sc.Probe)
}

// SetHistorySinks replaces the sinks that receive node events after each scan.
func (s *Service) SetHistorySinks(sinks ...HistorySink) {
	s.sinks = append(history.Multi(nil), sinks...)
	s.inner.SetHistorySinks(sinks...)
}

func (s *Service) Scan(ctx context.Context, so ScanOptions) (Summary, error) {
	return s.inner.Scan(ctx, so)
}
func (s *Service) Activate(ctx context.Context, scope string) (int64, error) {
	return s.inner.Activate(ctx, scope)
}
func (s *Service) Deactivate(ctx context.Context, scope string) (int64, error) {
	return s.inner.Deactivate(ctx, scope)
}
func (s *Service) AddCell(ctx context.Context, name, desc string, addresses ...string) (store.Cell, error) {
	return s.inner.AddCell(ctx, name, desc, addresses...)
}
func (s *Service) Inventory(ctx context.Context) ([]CellView, error) { return s.inner.Inventory(ctx) }
func (s *Service) Report(ctx context.Context) ([]ReportRow, error)   { return s.inner.Report(ctx) }
func (s *Service) LastScan() *ScanRecord                             { return s.inner.LastScan() }

// Import reads each CellServDB source (path, file:// or http(s):// URL) and
// registers its cells. Sources are fetched concurrently and all of them are
// read before anything is written. Cells are applied in source order within
// a single transaction, so a failed import leaves the inventory unchanged.
func (s *Service) Import(ctx context.Context, sources ...string) (int, error) {
	parsed := make([][]csdb.Cell, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(importFetchConcurrency)
	for i, src := range sources {
		g.Go(func() error {
			b, err := csdb.ReadSource(gctx, src)
			if err != nil {
				return err
			}
			cs, err := csdb.Parse(bytes.NewReader(b))
			if err != nil {
				return fmt.Errorf("parse %s: %w", src, err)
			}
			parsed[i] = cs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	var cells []csdb.Cell
	for _, cs := range parsed {
		cells = append(cells, cs...)
	}
	if err := s.inner.Import(ctx, cells); err != nil {
		return 0, err
	}
	return len(cells), nil
}

// RenderReport writes the version report to w in format (csv, html, json or yaml).
func (s *Service) RenderReport(ctx context.Context, w io.Writer, format string) error {
	if report.ContentType(format) == "" {
		return fmt.Errorf("unknown report format %q", format)
	}
	rows, err := s.inner.Report(ctx)
	if err != nil {
		return err
	}
	return report.Render(w, format, rows, time.Now())
}

// Close releases the history sinks and the store.
func (s *Service) Close() error {
	return errors.Join(s.sinks.Close(), s.inner.Store().Close())
}

// NewHTTPServer starts an HTTP server exposing the API for s, over TLS
// when tlsCfg is non-nil.
func NewHTTPServer(addr, basePath string, s *Service, tlsCfg *tls.Config) (*http.Server, error) {
	srv, _, err := iapi.NewServer(addr, basePath, s.inner, s.logger, tlsCfg)
	return srv, err
}

// SetupTLS builds the API TLS configuration from the [server.tls] section.
// It returns nil when TLS is disabled.
func SetupTLS(c cfg.TLSConfig) (*tls.Config, error) { return itls.Setup(c) }

// NewScanLoop returns a scheduler that scans on every tick of schedule
// ("@every <duration>"). A tick is skipped while a scan is still running.
func NewScanLoop(s *Service, schedule string) (*cron.Scheduler, error) {
	sched := cron.NewScheduler(s.logger)
	err := sched.Add(&cron.Job{
		Name:      "scan",
		Schedule:  schedule,
		Singleton: true,
		Run: func(ctx context.Context) error {
			_, err := s.Scan(ctx, ScanOptions{})
			if errors.Is(err, ErrScanRunning) {
				s.logger.Info("scan loop tick skipped, a scan is already running")
				return nil
			}
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	return sched, nil
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
