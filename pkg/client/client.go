package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrScanRunning is returned by Scan when the server is already scanning.
var ErrScanRunning = errors.New("a scan is already running")

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Client talks to the HTTP API served by `avdb serve`.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	// BaseURL is the server root including any base path, e.g. http://host:8080/avdb.
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080",
		// a synchronous scan can take minutes
		Timeout: 30 * time.Minute,
	}
}

// New creates a new API client. It fails when the TLS material cannot be loaded.
func New(config Config) (*Client, error) {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable checks if the server is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	resp, err := c.do(ctx, http.MethodGet, "/api/scan", nil)
	if err != nil {
		c.logger.Debug("server unreachable", "error", err)
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode != http.StatusNotFound
}

// Cells returns the inventory tree.
func (c *Client) Cells(ctx context.Context) ([]Cell, error) {
	var out []Cell
	err := c.getJSON(ctx, "/api/cells", nil, &out)
	return out, err
}

// ReportRows returns the version report.
func (c *Client) ReportRows(ctx context.Context) ([]ReportRow, error) {
	var out []ReportRow
	err := c.getJSON(ctx, "/api/report", url.Values{"format": {"json"}}, &out)
	return out, err
}

// Report returns the version report rendered by the server in format
// (csv, html, json or yaml).
func (c *Client) Report(ctx context.Context, format string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/report", url.Values{"format": {format}})
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.handleErrorResponse(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

// Scan asks the server to scan now and waits for the summary. An empty cell
// scans every eligible node; nprocs 0 keeps the server default.
func (c *Client) Scan(ctx context.Context, cell string, nprocs int) (Summary, error) {
	q := url.Values{}
	if cell != "" {
		q.Set("cell", cell)
	}
	if nprocs > 0 {
		q.Set("nprocs", strconv.Itoa(nprocs))
	}
	c.logger.Debug("requesting scan", "cell", cell, "nprocs", nprocs)
	var out Summary
	err := c.postJSON(ctx, "/api/scan", q, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		return out, fmt.Errorf("%w: %s", ErrScanRunning, apiErr.Message)
	}
	return out, err
}

// LastScan returns the most recent scan, or nil when the server has not scanned yet.
func (c *Client) LastScan(ctx context.Context) (*ScanRecord, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/scan", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if err := c.handleErrorResponse(resp); err != nil {
		return nil, err
	}
	var rec ScanRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &rec, nil
}

// Activate sets every node in scope ("all" or a cell name) active and
// returns how many changed.
func (c *Client) Activate(ctx context.Context, scope string) (int64, error) {
	return c.setActive(ctx, scope, "activate")
}

// Deactivate clears the active flag of every node in scope.
func (c *Client) Deactivate(ctx context.Context, scope string) (int64, error) {
	return c.setActive(ctx, scope, "deactivate")
}

func (c *Client) setActive(ctx context.Context, scope, verb string) (int64, error) {
	if scope == "" {
		return 0, errors.New("scope is required")
	}
	var out countResponse
	if err := c.postJSON(ctx, "/api/cells/"+url.PathEscape(scope)+"/"+verb, nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		// #nosec G402 explicitly requested by the caller
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	t := config.TLS
	if t.SkipVerify {
		// #nosec G402 explicitly requested by the caller
		tlsConfig.InsecureSkipVerify = true
	}
	if t.ServerName != "" {
		tlsConfig.ServerName = t.ServerName
	}
	if t.CACert != "" {
		if err := loadCACert(tlsConfig, t.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	if t.ClientCert != "" && t.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(t.ClientCert, t.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values) (*http.Response, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", u)
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, q, out)
}

func (c *Client) postJSON(ctx context.Context, path string, q url.Values, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, q, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, q url.Values, out any) error {
	resp, err := c.do(ctx, method, path, q)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse turns non-2xx responses into an *APIError.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err == nil {
		apiErr.Message = errorResp.Error
	}
	c.logger.Debug("API request failed", "error", apiErr.Message, "status", resp.StatusCode)
	return apiErr
}
