// Package postgres provides the Postgres + PostGIS measurement store. Rows are
// written through the shared sqlstore layer; sample batches stream in with COPY.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"stoqscore/internal/infra/persistence/sqlstore"
	"stoqscore/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/stoqs?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store is a sqlstore.Store bound to a Postgres database.
type Store struct {
	*sqlstore.Store
}

// Option configures NewStore.
type Option func(*options)

type options struct {
	skipDDL bool
	copy    bool
}

// WithoutDDL leaves the schema alone, for databases managed by migrations.
func WithoutDDL() Option { return func(o *options) { o.skipDDL = true } }

// WithoutCopy disables the COPY fast path so sample batches insert row by row.
func WithoutCopy() Option { return func(o *options) { o.copy = false } }

// NewStore opens a Postgres-backed store using dsn (falls back to defaultDSN),
// verifies the connection and applies the bundled PostGIS schema.
func NewStore(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg := options{copy: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if !cfg.skipDDL {
		if err := sqlstore.ApplyDDL(ctx, db, Dialect{}); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	var storeOpts []sqlstore.Option
	if cfg.copy {
		storeOpts = append(storeOpts, sqlstore.WithBulkLoader(CopyLoader{}))
	}
	return &Store{Store: sqlstore.New(db, Dialect{}, storeOpts...)}, nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
