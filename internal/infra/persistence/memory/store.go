// Package memory provides an in-memory implementation of the persistence
// store used for tests, ephemeral environments and the service contract suite.
package memory

import (
	"context"
	"sync"

	"stoqscore/pkg/domain"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var (
	_ domain.PersistentStore = (*Store)(nil)
	_ domain.Transaction     = (*transaction)(nil)
	_ domain.TransactionView = view{}
)

// Store keeps every table in copy-on-write trees. Writers are serialised and
// publish their state atomically on commit; readers work on the last
// committed state and never observe partial writes.
type Store struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	state   *state
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{state: newState()}
}

// RunInTransaction executes fn within a transactional snapshot. Any error
// returned by fn discards every change made inside it.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	working := s.state.clone()
	s.mu.Unlock()

	tx := &transaction{view: view{st: working}}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = working
	s.mu.Unlock()
	return nil
}

// View executes fn against the last committed state.
func (s *Store) View(ctx context.Context, fn func(domain.TransactionView) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	snapshot := s.state.clone()
	s.mu.Unlock()
	return fn(view{st: snapshot})
}

// Close releases nothing; it exists to satisfy domain.PersistentStore.
func (s *Store) Close() error { return nil }

type view struct {
	st *state
}

type transaction struct {
	view
}
