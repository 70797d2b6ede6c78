package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"stoqscore/internal/entitymodel/sqlbundle"
	"stoqscore/pkg/domain"
)

// Compile-time contract assertions.
var (
	_ domain.PersistentStore = (*Store)(nil)
	_ domain.Transaction     = (*Tx)(nil)
)

// Store runs domain transactions against a relational database.
type Store struct {
	db      *sql.DB
	reader  *sql.DB
	dialect Dialect
	bulk    BulkLoader
	retries int

	serial  bool
	writeMu sync.Mutex
}

const defaultRetries = 5

// Option configures a Store.
type Option func(*Store)

// WithBulkLoader installs a driver-specific InsertSamples fast path.
func WithBulkLoader(b BulkLoader) Option {
	return func(s *Store) { s.bulk = b }
}

// WithSerialWrites runs one write transaction at a time in this process so
// local writers queue on a mutex instead of the database lock.
func WithSerialWrites() Option {
	return func(s *Store) { s.serial = true }
}

// WithReader runs View on a separate pool. The store closes it.
func WithReader(db *sql.DB) Option {
	return func(s *Store) { s.reader = db }
}

// WithRetries sets how often RunInTransaction reruns a transaction that
// failed on lock contention. Zero disables retries.
func WithRetries(n int) Option {
	return func(s *Store) { s.retries = max(n, 0) }
}

// New wraps an open database. The schema is not touched; call ApplyDDL first.
func New(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{db: db, dialect: dialect, retries: defaultRetries}
	for _, opt := range opts {
		opt(s)
	}
	if s.reader == nil {
		s.reader = db
	}
	return s
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the backend dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// Execer is the subset of *sql.DB, *sql.Conn and *sql.Tx used to run statements.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ApplyDDL executes the bundled schema for the dialect.
func ApplyDDL(ctx context.Context, ex Execer, dialect Dialect) error {
	ddl, err := sqlbundle.ForDriver(dialect.Name())
	if err != nil {
		return err
	}
	return ApplyStatements(ctx, ex, ddl)
}

// ApplyStatements executes every statement of a DDL script in order.
func ApplyStatements(ctx context.Context, ex Execer, ddl string) error {
	for _, stmt := range sqlbundle.SplitStatements(ddl) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := ex.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// RunInTransaction executes fn inside one database transaction on a dedicated
// connection. Any error from fn or from commit rolls everything back.
// Lock contention with another process (SQLITE_BUSY, postgres
// serialization failures and deadlocks) reruns fn from the start, up to the
// configured retries.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) error {
	for attempt := 0; ; attempt++ {
		err := s.runOnce(ctx, fn)
		if err == nil || attempt >= s.retries || s.dialect.Classify(err) != ClassRetry {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
}

func (s *Store) runOnce(ctx context.Context, fn func(domain.Transaction) error) error {
	if s.serial {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	return s.withTx(ctx, s.db, nil, func(tx *Tx) error { return fn(tx) })
}

// View executes fn inside a read transaction.
func (s *Store) View(ctx context.Context, fn func(domain.TransactionView) error) error {
	return s.withTx(ctx, s.reader, s.dialect.ReadOptions(), func(tx *Tx) error { return fn(tx) })
}

// Close closes the database handles.
func (s *Store) Close() error {
	if s.reader != s.db {
		return errors.Join(s.db.Close(), s.reader.Close())
	}
	return s.db.Close()
}

func (s *Store) withTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(*Tx) error) (err error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire %s connection: %w", s.dialect.Name(), err)
	}
	defer func() { _ = conn.Close() }()

	sqlTx, err := conn.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin %s transaction: %w", s.dialect.Name(), err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	tx := &Tx{ctx: ctx, sqlTx: sqlTx, conn: conn, d: s.dialect, bulk: s.bulk}
	if err := fn(tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return s.translate(domain.EntityType("transaction"), "", "", fmt.Errorf("commit: %w", err))
	}
	committed = true
	return nil
}

func (s *Store) translate(entity domain.EntityType, key, value string, err error) error {
	return translate(s.dialect, entity, key, value, err)
}

func translate(d Dialect, entity domain.EntityType, key, value string, err error) error {
	if err == nil {
		return nil
	}
	switch d.Classify(err) {
	case ClassUnique:
		return &domain.UniquenessError{Entity: entity, Key: key, Value: value}
	case ClassForeignKey:
		return referenceError(d, entity, value, err)
	}
	return err
}

// tableEntities maps table names to the entities stored in them.
var tableEntities = map[string]domain.EntityType{
	"campaign":          domain.EntityCampaign,
	"campaignlog":       domain.EntityCampaignLog,
	"activitytype":      domain.EntityActivityType,
	"platformtype":      domain.EntityPlatformType,
	"platform":          domain.EntityPlatform,
	"activity":          domain.EntityActivity,
	"instantpoint":      domain.EntityInstantPoint,
	"parameter":         domain.EntityParameter,
	"measurement":       domain.EntityMeasurement,
	"activityparameter": domain.EntityActivityParameter,
	"measuredparameter": domain.EntityMeasuredParameter,
}

// EntityForTable returns the entity stored in table, or the table name itself
// when it is not a known table.
func EntityForTable(table string) domain.EntityType {
	if e, ok := tableEntities[table]; ok {
		return e
	}
	return domain.EntityType(table)
}

// referenceError names the other side of a violated key when the driver
// reports it. Otherwise Referenced and RefID stay empty.
func referenceError(d Dialect, entity domain.EntityType, id string, err error) error {
	ref := &domain.ReferentialIntegrityError{Entity: entity, ID: id}
	r, ok := d.(ReferenceReporter)
	if !ok {
		return ref
	}
	detail, ok := r.ForeignKeyDetail(err)
	if !ok {
		return ref
	}
	ref.Referenced = EntityForTable(detail.Table)
	ref.Blocking = detail.Blocking
	if !detail.Blocking {
		ref.RefID = detail.Key
	}
	return ref
}
