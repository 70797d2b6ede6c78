// Package sqlite persists the measurement store in a single SQLite file using
// the pure Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"stoqscore/internal/infra/persistence/sqlstore"
	"stoqscore/pkg/domain"
)

const defaultPath = "stoqs.db"

// Compile-time contract assertion.
var _ domain.PersistentStore = (*Store)(nil)

// Store is a sqlstore.Store bound to one SQLite database file.
type Store struct {
	*sqlstore.Store
	path string
}

// DSN builds the driver connection string for path. Foreign keys are
// enforced and WAL lets readers keep their snapshot while a writer commits.
func DSN(path string) string {
	return "file:" + path +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// WriterDSN is DSN with write transactions opened by BEGIN IMMEDIATE. The
// write lock is taken up front, where busy_timeout waits for another process
// to finish, rather than on the first write, where SQLite fails at once.
func WriterDSN(path string) string {
	return DSN(path) + "&_txlock=immediate"
}

// NewStore opens (creating when needed) the database at path and applies the
// bundled schema. Writes and reads use separate pools so read transactions
// never hold the write lock.
func NewStore(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	writer, err := sql.Open("sqlite", WriterDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := sqlstore.ApplyDDL(ctx, writer, Dialect{}); err != nil {
		_ = writer.Close()
		return nil, err
	}
	reader, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	store := sqlstore.New(writer, Dialect{}, sqlstore.WithSerialWrites(), sqlstore.WithReader(reader))
	return &Store{Store: store, path: path}, nil
}

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
