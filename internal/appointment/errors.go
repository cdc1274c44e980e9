package appointment

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("appointment not found")
	ErrConflict     = errors.New("appointment conflict")
	ErrIllegalState = errors.New("illegal state transition")
	ErrTransient    = errors.New("store temporarily unavailable")
)

// ValidationError reports malformed input, keyed by field name.
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: reason}}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("appointment %s not found", e.ID) }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError names the active appointment that already holds the window.
type ConflictError struct {
	DoctorID   string
	Window     Window
	ExistingID string
}

func (e *ConflictError) Error() string {
	if e.ExistingID == "" {
		return fmt.Sprintf("doctor %s is already booked between %s and %s", e.DoctorID,
			e.Window.Start.Format("2006-01-02T15:04Z07:00"), e.Window.End.Format("2006-01-02T15:04Z07:00"))
	}
	return fmt.Sprintf("doctor %s is already booked between %s and %s (appointment %s)", e.DoctorID,
		e.Window.Start.Format("2006-01-02T15:04Z07:00"), e.Window.End.Format("2006-01-02T15:04Z07:00"), e.ExistingID)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// IllegalStateError is returned for transitions the state machine forbids.
type IllegalStateError struct {
	ID   string
	From Status
	To   Status
	Op   string
}

func (e *IllegalStateError) Error() string {
	if e.To != "" {
		return fmt.Sprintf("cannot %s appointment %s: transition %s -> %s is not allowed", e.Op, e.ID, e.From, e.To)
	}
	return fmt.Sprintf("cannot %s appointment %s in status %s", e.Op, e.ID, e.From)
}

func (e *IllegalStateError) Is(target error) bool { return target == ErrIllegalState }

// TransientStoreError wraps a failure of the record store or cache that may succeed on retry.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *TransientStoreError) Unwrap() error { return e.Err }

func (e *TransientStoreError) Is(target error) bool { return target == ErrTransient }

func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientStoreError{Op: op, Err: err}
}
