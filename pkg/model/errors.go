package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a referenced entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrNotYetAvailable is the sentinel wrapped by StaleWindowError.
var ErrNotYetAvailable = errors.New("not yet available")

// ValidationError rejects a malformed or referentially invalid event.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ConflictError reports a violated state-machine invariant, such as a second
// open state event for the same equipment.
type ConflictError struct {
	EquipmentID string
	Reason      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on equipment %s: %s", e.EquipmentID, e.Reason)
}

// StaleWindowError reports that a read targets a window that has no
// finalized record yet. It is not a failure.
type StaleWindowError struct {
	Resource string
	Key      string
	Start    time.Time
}

func (e *StaleWindowError) Error() string {
	return fmt.Sprintf("%s %s at %s: %v", e.Resource, e.Key, e.Start.UTC().Format(time.RFC3339), ErrNotYetAvailable)
}

func (e *StaleWindowError) Unwrap() error { return ErrNotYetAvailable }

// RecomputeFailure wraps an error raised while refreshing one window. The
// previous value of the window stays visible.
type RecomputeFailure struct {
	EquipmentID string
	Tier        string
	WindowStart time.Time
	Err         error
}

func (e *RecomputeFailure) Error() string {
	return fmt.Sprintf("recompute %s/%s@%s: %v", e.EquipmentID, e.Tier, e.WindowStart.UTC().Format(time.RFC3339), e.Err)
}

func (e *RecomputeFailure) Unwrap() error { return e.Err }

// IsNotYetAvailable reports whether err means "no finalized record yet".
func IsNotYetAvailable(err error) bool {
	return errors.Is(err, ErrNotYetAvailable)
}
