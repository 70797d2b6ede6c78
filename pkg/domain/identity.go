package domain

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"sync"

	"github.com/google/uuid"
)

// IDLength is the length of a generated identifier: 128 bits as lowercase hex.
const IDLength = 32

var (
	randomMu     sync.RWMutex
	randomSource io.Reader = rand.Reader
)

// SetRandomSource replaces the entropy source used by NewID and returns a
// function that restores the previous one. Intended for tests.
func SetRandomSource(r io.Reader) (restore func()) {
	randomMu.Lock()
	prev := randomSource
	randomSource = r
	randomMu.Unlock()
	return func() {
		randomMu.Lock()
		randomSource = prev
		randomMu.Unlock()
	}
}

// NewID generates a random version 4 UUID rendered as 32 lowercase hex
// characters without separators.
func NewID() (string, error) {
	randomMu.RLock()
	src := randomSource
	randomMu.RUnlock()
	u, err := uuid.NewRandomFromReader(src)
	if err != nil {
		return "", &IdentityError{Err: err}
	}
	return hex.EncodeToString(u[:]), nil
}

// AssignID fills *id with a fresh identifier when it is empty. A caller-supplied
// identifier is kept as is but must be well formed.
func AssignID(id *string) error {
	if id == nil {
		return &IdentityError{Err: errNilIdentity}
	}
	if *id != "" {
		if !ValidID(*id) {
			return &ValidationError{Field: "id", Reason: "must be 32 lowercase hex characters"}
		}
		return nil
	}
	next, err := NewID()
	if err != nil {
		return err
	}
	*id = next
	return nil
}

// ValidID reports whether id has the shape produced by NewID.
func ValidID(id string) bool {
	if len(id) != IDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
