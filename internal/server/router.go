package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	mng "github.com/loykin/avdb/internal/manager"
	"github.com/loykin/avdb/internal/metrics"
	"github.com/loykin/avdb/internal/report"
)

// Router provides embeddable HTTP handlers for the version database.
// Endpoints:
//   GET  {basePath}/api/report                 query: format=json|csv|html (default json)
//   GET  {basePath}/api/cells                  inventory tree
//   GET  {basePath}/api/scan                   most recent scan, 204 when none
//   POST {basePath}/api/scan                   query: cell=..., nprocs=N (both optional)
//   POST {basePath}/api/cells/:name/activate   :name may be "all"
//   POST {basePath}/api/cells/:name/deactivate
//   GET  {basePath}/metrics
// A scan requested while another is running returns 409; an unusable
// prober returns 503.
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	mgr      *mng.Manager
	basePath string
	logger   *slog.Logger
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(mgr *mng.Manager, basePath string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{mgr: mgr, basePath: basePrefix(basePath), logger: logger}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	api := group.Group("/api")
	api.GET("/report", r.handleReport)
	api.GET("/cells", r.handleCells)
	api.GET("/scan", r.handleLastScan)
	api.POST("/scan", r.handleScan)
	api.POST("/cells/:name/activate", r.handleSetActive(true))
	api.POST("/cells/:name/deactivate", r.handleSetActive(false))
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer binds addr and serves the router in the background, over TLS
// when tlsCfg is non-nil. Listen errors are returned immediately; shut down
// with the returned server.
func NewServer(addr, basePath string, mgr *mng.Manager, logger *slog.Logger, tlsCfg *tls.Config) (*http.Server, net.Addr, error) {
	r := NewRouter(mgr, basePath, logger)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	server := &http.Server{
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// a synchronous scan can outlast the usual write timeout
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
		TLSConfig:    tlsCfg,
	}
	go func() {
		var err error
		if tlsCfg != nil {
			// certificates come from TLSConfig.GetCertificate
			err = server.ServeTLS(ln, "", "")
		} else {
			err = server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server stopped", "error", err)
		}
	}()
	return server, ln.Addr(), nil
}

type countResp struct {
	Scope string `json:"scope"`
	Count int64  `json:"count"`
}

func (r *Router) handleReport(c *gin.Context) {
	format := c.DefaultQuery("format", report.FormatJSON)
	ct := report.ContentType(format)
	if ct == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "format must be one of csv, html, json, yaml"})
		return
	}
	rows, err := r.mgr.Report(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Type", ct)
	c.Status(http.StatusOK)
	if err := report.Render(c.Writer, format, rows, time.Now()); err != nil {
		r.logger.Error("render report", "format", format, "error", err)
	}
}

func (r *Router) handleCells(c *gin.Context) {
	inv, err := r.mgr.Inventory(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, inv)
}

func (r *Router) handleLastScan(c *gin.Context) {
	last := r.mgr.LastScan()
	if last == nil {
		c.Status(http.StatusNoContent)
		return
	}
	writeJSON(c, http.StatusOK, last)
}

func (r *Router) handleScan(c *gin.Context) {
	var so mng.ScanOptions
	if cell := c.Query("cell"); cell != "" {
		if !validCellName(cell) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid cell name"})
			return
		}
		so.Cell = cell
	}
	if s := c.Query("nprocs"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "nprocs must be a positive integer"})
			return
		}
		so.Workers = n
	}
	// a dropped client connection must not abort the store transaction
	ctx := context.WithoutCancel(c.Request.Context())
	sum, err := r.mgr.Scan(ctx, so)
	if err != nil {
		r.logger.Warn("scan request failed", "cell", so.Cell, "error", err)
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sum)
}

func (r *Router) handleSetActive(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if !validCellName(name) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid cell name"})
			return
		}
		var (
			n   int64
			err error
		)
		if active {
			n, err = r.mgr.Activate(c.Request.Context(), name)
		} else {
			n, err = r.mgr.Deactivate(c.Request.Context(), name)
		}
		if err != nil {
			writeError(c, err)
			return
		}
		writeJSON(c, http.StatusOK, countResp{Scope: name, Count: n})
	}
}
