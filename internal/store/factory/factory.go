package factory

import (
	"errors"
	"strings"

	"github.com/loykin/avdb/internal/store"
	pg "github.com/loykin/avdb/internal/store/postgres"
	sq "github.com/loykin/avdb/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - sqlite:  "sqlite:///<path>", "sqlite://:memory:" or bare filepath (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		return sq.New(strings.TrimPrefix(d, d[:len("sqlite://")]))
	}
	if strings.Contains(d, "://") {
		return nil, errors.New("unsupported DSN scheme: " + d)
	}
	return sq.New(d)
}
