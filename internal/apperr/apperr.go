// Package apperr defines the error taxonomy shared by the orchestration core.
//
// Errors are plain sentinels wrapped with fmt.Errorf("...: %w"). Callers
// classify with errors.Is or KindOf; the retry layer consults Retryable.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors. Wrap them, never compare messages.
var (
	// ErrValidation marks bad input. Not retried; surfaced to the client.
	ErrValidation = errors.New("validation failed")

	// ErrDependencyRejected marks a local admission denial (breaker, bulkhead, limiter).
	ErrDependencyRejected = errors.New("dependency rejected")

	// ErrDependencyFailure marks a remote failure or timeout.
	ErrDependencyFailure = errors.New("dependency failure")

	// ErrPersistence marks a storage failure. Always propagated.
	ErrPersistence = errors.New("persistence failure")

	// ErrStateConflict marks feedback against a stale or unknown task.
	ErrStateConflict = errors.New("state conflict")

	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")
)

// Kind classifies an error.
type Kind string

const (
	KindUnknown            Kind = "unknown"
	KindValidation         Kind = "validation"
	KindDependencyRejected Kind = "dependency_rejected"
	KindDependencyFailure  Kind = "dependency_failure"
	KindPersistence        Kind = "persistence"
	KindStateConflict      Kind = "state_conflict"
	KindNotFound           Kind = "not_found"
	KindCancelled          Kind = "cancelled"
)

// KindOf returns the taxonomy kind of err. Nil maps to KindUnknown.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrStateConflict):
		return KindStateConflict
	case errors.Is(err, ErrDependencyRejected):
		return KindDependencyRejected
	case errors.Is(err, ErrDependencyFailure):
		return KindDependencyFailure
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindUnknown
	}
}

// Retryable reports whether a governed call that failed with err may be retried.
// Validation and state conflicts are permanent; admission denials and remote
// failures are retried. Unclassified errors are treated as remote failures.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindStateConflict, KindNotFound, KindCancelled, KindPersistence:
		return false
	default:
		return err != nil
	}
}

// Validation wraps a formatted message with ErrValidation.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Conflict wraps a formatted message with ErrStateConflict.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStateConflict, fmt.Sprintf(format, args...))
}

// Persistence wraps a storage error with ErrPersistence.
// ErrNotFound passes through unchanged so callers can still branch on it.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPersistence) || errors.Is(err, ErrStateConflict) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// Dependency wraps a remote call error with ErrDependencyFailure unless it
// is already classified.
func Dependency(dep string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrDependencyFailure, dep, err)
}
