package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	mng "github.com/loykin/avdb/internal/manager"
	"github.com/loykin/avdb/internal/probe"
	"github.com/loykin/avdb/internal/store"
)

// basePrefix normalises a mount path to "" or "/x/y" without a trailing slash.
func basePrefix(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

// cellNameRe accepts AFS cell names (DNS-style labels) and the "all" scope.
var cellNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)*$`)

func validCellName(s string) bool {
	return len(s) <= 255 && cellNameRe.MatchString(s)
}

type errorResp struct {
	Error string `json:"error"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, mng.ErrScanRunning):
		return http.StatusConflict
	case errors.Is(err, probe.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

func writeError(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
}
