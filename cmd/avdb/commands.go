package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/loykin/avdb"
	"github.com/loykin/avdb/internal/logger"
	"github.com/loykin/avdb/pkg/client"
)

type command struct {
	flags *GlobalFlags
	out   io.Writer
}

// config loads the config file and applies the global flag overrides.
func (c *command) config() (*avdb.Config, error) {
	cfg, err := avdb.LoadConfig(c.flags.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if c.flags.DSN != "" {
		cfg.Database.DSN = c.flags.DSN
	}
	switch {
	case c.flags.Verbose:
		cfg.Log.Level = logger.LevelDebug
	case c.flags.Quiet:
		cfg.Log.Level = logger.LevelError
	}
	return cfg, nil
}

// open builds the service described by the config. The returned func
// releases the service and the log file.
func (c *command) open(ctx context.Context) (*avdb.Service, *avdb.Config, *slog.Logger, func(), error) {
	cfg, err := c.config()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	log, logCloser, err := logger.New(cfg.Log.Logger())
	if err != nil {
		return nil, nil, nil, nil, err
	}
	svc, err := avdb.New(ctx, cfg, log)
	if err != nil {
		_ = logCloser.Close()
		return nil, nil, nil, nil, err
	}
	closeFn := func() {
		if err := svc.Close(); err != nil {
			log.Warn("close failed", "error", err)
		}
		_ = logCloser.Close()
	}
	return svc, cfg, log, closeFn, nil
}

func (c *command) Init(ctx context.Context) error {
	_, cfg, log, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	log.Info("database initialized", "dsn", cfg.Database.DSN)
	return nil
}

func (c *command) Add(ctx context.Context, cell, desc string, addresses []string) error {
	svc, _, log, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	added, err := svc.AddCell(ctx, cell, desc, addresses...)
	if err != nil {
		return err
	}
	log.Info("added cell", "cell", added.Name, "hosts", len(addresses))
	return nil
}

func (c *command) Import(ctx context.Context, sources []string) error {
	if len(sources) == 0 {
		return errors.New("at least one --csdb source is required")
	}
	svc, _, log, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	n, err := svc.Import(ctx, sources...)
	if err != nil {
		return err
	}
	log.Info("imported cells", "count", n, "sources", len(sources))
	return nil
}

func (c *command) List(ctx context.Context, f ListFlags) error {
	svc, _, _, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	inv, err := svc.Inventory(ctx)
	if err != nil {
		return err
	}
	if f.JSON {
		return printJSON(c.out, inv)
	}
	for _, cell := range inv {
		_, _ = fmt.Fprintf(c.out, "name:%s desc:'%s'\n", cell.Name, cell.Desc)
		for _, h := range cell.Hosts {
			_, _ = fmt.Fprintf(c.out, "\thost:%s address:%s\n", h.Name, h.Address)
			for _, n := range h.Nodes {
				_, _ = fmt.Fprintf(c.out, "\t\tnode:%s port:%d active:%t\n", n.Name, n.Port, n.Active)
			}
		}
	}
	return nil
}

func (c *command) SetActive(ctx context.Context, f ScopeFlags, active bool) error {
	scope := strings.TrimSpace(f.Cell)
	if f.All {
		scope = avdb.ScopeAll
	}
	if scope == "" {
		return errors.New("specify --all or --cell")
	}
	svc, _, _, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	if active {
		_, err = svc.Activate(ctx, scope)
	} else {
		_, err = svc.Deactivate(ctx, scope)
	}
	return err
}

func (c *command) Scan(ctx context.Context, f ScanFlags) error {
	if f.Nprocs < 0 {
		return fmt.Errorf("--nprocs must be positive, got %d", f.Nprocs)
	}
	if f.APIUrl != "" {
		return c.scanViaAPI(ctx, f)
	}
	svc, cfg, _, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	if cfg.Metrics.Textfile != "" {
		if err := avdb.RegisterMetricsDefault(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}
	_, err = svc.Scan(ctx, avdb.ScanOptions{Workers: f.Nprocs, Cell: f.Cell})
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	return nil
}

// scanViaAPI triggers a scan on a running server and prints its summary.
func (c *command) scanViaAPI(ctx context.Context, f ScanFlags) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	log, logCloser, err := logger.New(cfg.Log.Logger())
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()
	apiClient, err := client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout, Logger: log, Insecure: f.Insecure})
	if err != nil {
		return err
	}
	sum, err := apiClient.Scan(ctx, f.Cell, f.Nprocs)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	return printJSON(c.out, sum)
}

func (c *command) Report(ctx context.Context, f ReportFlags) error {
	svc, _, _, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	if f.Output == "" {
		return svc.RenderReport(ctx, c.out, f.Format)
	}
	file, err := os.Create(f.Output)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := svc.RenderReport(ctx, file, f.Format); err != nil {
		_ = file.Close()
		_ = os.Remove(f.Output)
		return err
	}
	return file.Close()
}

// Serve runs the HTTP API, the optional metrics listener and the optional
// scan loop until ctx is cancelled.
func (c *command) Serve(ctx context.Context, f ServeFlags) error {
	svc, cfg, log, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := avdb.RegisterMetricsDefault(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		go func() {
			if err := avdb.ServeMetrics(cfg.Metrics.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	tlsCfg, err := avdb.SetupTLS(cfg.Server.TLS)
	if err != nil {
		return fmt.Errorf("setup tls: %w", err)
	}
	listen := valOr(f.Listen, cfg.Server.Listen)
	srv, err := avdb.NewHTTPServer(listen, f.BasePath, svc, tlsCfg)
	if err != nil {
		return err
	}
	log.Info("serving http api", "listen", listen, "base_path", f.BasePath, "tls", tlsCfg != nil)

	if every := valOr(f.Every, cfg.Server.Every); every != "" {
		loop, err := avdb.NewScanLoop(svc, every)
		if err != nil {
			_ = srv.Close()
			return err
		}
		if err := loop.Start(ctx); err != nil {
			_ = srv.Close()
			return err
		}
		defer loop.Stop()
		log.Info("started scan loop", "schedule", every)
	}

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (c *command) Version() {
	_, _ = fmt.Fprintln(c.out, version)
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func valOr(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
