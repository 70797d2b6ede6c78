package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Typed errors below unwrap to one of these so callers can
// branch with errors.Is.
var (
	ErrIdentityAssignment   = errors.New("identity assignment failure")
	ErrReferentialIntegrity = errors.New("referential integrity violation")
	ErrUniqueness           = errors.New("uniqueness violation")
	ErrPrecisionLoss        = errors.New("precision loss")
	ErrMalformedGeometry    = errors.New("malformed geometry")
	ErrNotFound             = errors.New("not found")
	ErrInvalid              = errors.New("invalid entity")
)

var errNilIdentity = errors.New("nil identifier target")

// IdentityError reports that a fresh identifier could not be produced.
type IdentityError struct {
	Err error
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("assign identifier: %v", e.Err)
}

// Unwrap exposes both the kind and the cause.
func (e *IdentityError) Unwrap() []error { return []error{ErrIdentityAssignment, e.Err} }

// ReferentialIntegrityError reports a missing referenced record or a delete
// blocked by dependants.
type ReferentialIntegrityError struct {
	Entity     EntityType
	ID         string
	Referenced EntityType
	RefID      string
	Blocking   bool
}

func (e *ReferentialIntegrityError) Error() string {
	if e.Referenced == "" {
		if e.Blocking {
			return fmt.Sprintf("%s %q still referenced", e.Entity, e.ID)
		}
		return fmt.Sprintf("%s %q references a missing record", e.Entity, e.ID)
	}
	referenced := string(e.Referenced)
	if e.RefID != "" {
		referenced += fmt.Sprintf(" %q", e.RefID)
	}
	if e.Blocking {
		return fmt.Sprintf("%s %q still referenced by %s", e.Entity, e.ID, referenced)
	}
	return fmt.Sprintf("%s %q references missing %s", e.Entity, e.ID, referenced)
}

func (e *ReferentialIntegrityError) Unwrap() error { return ErrReferentialIntegrity }

// MissingReference builds the error for a dangling foreign key.
func MissingReference(entity EntityType, id string, referenced EntityType, refID string) error {
	return &ReferentialIntegrityError{Entity: entity, ID: id, Referenced: referenced, RefID: refID}
}

// StillReferenced builds the error for a delete blocked by a dependant record.
func StillReferenced(entity EntityType, id string, dependant EntityType, depID string) error {
	return &ReferentialIntegrityError{Entity: entity, ID: id, Referenced: dependant, RefID: depID, Blocking: true}
}

// UniquenessError reports a duplicate natural or primary key.
type UniquenessError struct {
	Entity EntityType
	Key    string
	Value  string
}

func (e *UniquenessError) Error() string {
	return fmt.Sprintf("%s with %s %q already exists", e.Entity, e.Key, e.Value)
}

func (e *UniquenessError) Unwrap() error { return ErrUniqueness }

// PrecisionLossError reports a decimal outside the stored precision.
type PrecisionLossError struct {
	Field  string
	Value  string
	Reason string
}

func (e *PrecisionLossError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Field, e.Value, e.Reason)
}

func (e *PrecisionLossError) Unwrap() error { return ErrPrecisionLoss }

// MalformedGeometryError reports an invalid coordinate.
type MalformedGeometryError struct {
	Lon    float64
	Lat    float64
	Reason string
}

func (e *MalformedGeometryError) Error() string {
	return fmt.Sprintf("malformed geometry (%g, %g): %s", e.Lon, e.Lat, e.Reason)
}

func (e *MalformedGeometryError) Unwrap() error { return ErrMalformedGeometry }

// NotFoundError reports a lookup that matched nothing.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound builds a NotFoundError.
func NotFound(entity EntityType, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// ValidationError reports a missing or oversized field.
type ValidationError struct {
	Entity EntityType
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("%s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("%s %s %s", e.Entity, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }
