package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/avdb/internal/config"
	mng "github.com/loykin/avdb/internal/manager"
	"github.com/loykin/avdb/internal/probe"
	"github.com/loykin/avdb/internal/store"
	"github.com/loykin/avdb/internal/store/sqlite"
	itls "github.com/loykin/avdb/internal/tls"
)

func newManager(t *testing.T, p probe.Prober) *mng.Manager {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "avdb.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	mgr := mng.NewManager(s, p, mng.Options{
		Nodes:  []mng.NodeSpec{{Name: "ptserver", Port: 7002}},
		Filter: store.NodeFilter{IncludeInactive: true},
	})
	if _, err := mgr.AddCell(context.Background(), "example.edu", "Example University", "10.0.0.1", "10.0.0.2"); err != nil {
		t.Fatalf("add cell: %v", err)
	}
	if _, err := mgr.AddCell(context.Background(), "other.org", "", "10.1.0.1"); err != nil {
		t.Fatalf("add cell: %v", err)
	}
	return mgr
}

func setupRouter(t *testing.T, base string, p probe.Prober) (http.Handler, *mng.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mgr := newManager(t, p)
	return NewRouter(mgr, base, nil).Handler(), mgr
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func replyAll(version string) probe.Prober {
	return probe.ProberFunc(func(context.Context, string, int) probe.Outcome { return probe.Reply(version) })
}

func TestScanThenReport(t *testing.T) {
	h, _ := setupRouter(t, "/avdb", replyAll("1.8.0"))

	rec := doReq(t, h, http.MethodGet, "/avdb/api/scan")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 before any scan, got %d", rec.Code)
	}

	rec = doReq(t, h, http.MethodPost, "/avdb/api/scan")
	if rec.Code != http.StatusOK {
		t.Fatalf("scan: %d %s", rec.Code, rec.Body.String())
	}
	var sum struct {
		Probed           int `json:"probed"`
		Replied          int `json:"replied"`
		VersionsRecorded int `json:"versions_recorded"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if sum.Probed != 3 || sum.Replied != 3 || sum.VersionsRecorded != 3 {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	rec = doReq(t, h, http.MethodGet, "/avdb/api/scan")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"started_at"`) {
		t.Fatalf("last scan: %d %s", rec.Code, rec.Body.String())
	}

	rec = doReq(t, h, http.MethodGet, "/avdb/api/report")
	if rec.Code != http.StatusOK {
		t.Fatalf("report: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content-type: %s", ct)
	}
	var rows []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if len(rows) != 3 || rows[0]["cell"] != "example.edu" || rows[2]["cell"] != "other.org" {
		t.Fatalf("unexpected rows: %v", rows)
	}

	rec = doReq(t, h, http.MethodGet, "/avdb/api/report?format=csv")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "example.edu,10.0.0.1,ptserver,1.8.0") {
		t.Fatalf("csv report: %d %s", rec.Code, rec.Body.String())
	}
	rec = doReq(t, h, http.MethodGet, "/avdb/api/report?format=HTML")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "<table") {
		t.Fatalf("html report: %d", rec.Code)
	}
	rec = doReq(t, h, http.MethodGet, "/avdb/api/report?format=yaml")
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/yaml") ||
		!strings.Contains(rec.Body.String(), "cell: other.org") {
		t.Fatalf("yaml report: %d %s", rec.Code, rec.Body.String())
	}
}

func TestReportUnknownFormat(t *testing.T) {
	h, _ := setupRouter(t, "", replyAll("1.8.0"))
	rec := doReq(t, h, http.MethodGet, "/api/report?format=xml")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestScanParams(t *testing.T) {
	h, _ := setupRouter(t, "", replyAll("1.8.0"))
	for _, q := range []string{"nprocs=0", "nprocs=abc", "cell=a/b", "cell=.."} {
		rec := doReq(t, h, http.MethodPost, "/api/scan?"+q)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", q, rec.Code)
		}
	}
	rec := doReq(t, h, http.MethodPost, "/api/scan?cell=other.org&nprocs=2")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"probed":1`) {
		t.Fatalf("cell scan: %d %s", rec.Code, rec.Body.String())
	}
}

type unavailable struct{}

func (unavailable) Check() error { return fmt.Errorf("%w: rxdebug not found", probe.ErrUnavailable) }

func (unavailable) Probe(context.Context, string, int) probe.Outcome { return probe.Reply("never") }

func TestScanUnavailableProber(t *testing.T) {
	h, _ := setupRouter(t, "", unavailable{})
	rec := doReq(t, h, http.MethodPost, "/api/scan")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestScanConflict(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	p := probe.ProberFunc(func(ctx context.Context, _ string, _ int) probe.Outcome {
		once.Do(func() { close(started) })
		select {
		case <-release:
		case <-ctx.Done():
		}
		return probe.Reply("1.8.0")
	})
	h, _ := setupRouter(t, "", p)

	done := make(chan int, 1)
	go func() { done <- doReq(t, h, http.MethodPost, "/api/scan").Code }()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first scan never started probing")
	}
	rec := doReq(t, h, http.MethodPost, "/api/scan")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	close(release)
	if code := <-done; code != http.StatusOK {
		t.Fatalf("first scan: %d", code)
	}
}

func TestActivateDeactivate(t *testing.T) {
	h, _ := setupRouter(t, "", replyAll("1.8.0"))

	rec := doReq(t, h, http.MethodPost, "/api/cells/example.edu/deactivate")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"count":2`) {
		t.Fatalf("deactivate cell: %d %s", rec.Code, rec.Body.String())
	}
	rec = doReq(t, h, http.MethodPost, "/api/cells/all/activate")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"count":2`) {
		t.Fatalf("activate all: %d %s", rec.Code, rec.Body.String())
	}
	rec = doReq(t, h, http.MethodPost, "/api/cells/missing.org/activate")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	rec = doReq(t, h, http.MethodPost, "/api/cells/bad*name/activate")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCellsInventory(t *testing.T) {
	h, _ := setupRouter(t, "", replyAll("1.8.0"))
	if rec := doReq(t, h, http.MethodPost, "/api/scan"); rec.Code != http.StatusOK {
		t.Fatalf("scan: %d", rec.Code)
	}
	rec := doReq(t, h, http.MethodGet, "/api/cells")
	if rec.Code != http.StatusOK {
		t.Fatalf("cells: %d", rec.Code)
	}
	var cells []mng.CellView
	if err := json.Unmarshal(rec.Body.Bytes(), &cells); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(cells) != 2 || cells[0].Name != "example.edu" || len(cells[0].Hosts) != 2 {
		t.Fatalf("unexpected inventory: %+v", cells)
	}
	n := cells[0].Hosts[0].Nodes
	if len(n) != 1 || len(n[0].Versions) != 1 || n[0].Versions[0] != "1.8.0" {
		t.Fatalf("unexpected nodes: %+v", n)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := setupRouter(t, "/x", replyAll("1.8.0"))
	rec := doReq(t, h, http.MethodGet, "/x/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
}

func TestNewServer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mgr := newManager(t, replyAll("1.8.0"))
	srv, addr, err := NewServer("127.0.0.1:0", "", mgr, nil, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer func() { _ = srv.Close() }()
	resp, err := http.Get("http://" + addr.String() + "/api/cells")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	if _, _, err := NewServer(addr.String(), "", mgr, nil, nil); err == nil {
		t.Fatalf("expected listen error on busy address")
	}
}

func TestNewServerTLS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mgr := newManager(t, replyAll("1.8.0"))
	tlsCfg, err := itls.Setup(config.TLSConfig{Enabled: true, Dir: t.TempDir(), AutoGenerate: true})
	if err != nil {
		t.Fatalf("tls setup: %v", err)
	}
	srv, addr, err := NewServer("127.0.0.1:0", "", mgr, nil, tlsCfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer func() { _ = srv.Close() }()
	client := &http.Client{
		Timeout: 5 * time.Second,
		// #nosec G402 the test certificate is self-signed
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
	}
	resp, err := client.Get("https://" + addr.String() + "/api/cells")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.TLS == nil {
		t.Fatalf("expected a TLS 200 response, got %d", resp.StatusCode)
	}
}
