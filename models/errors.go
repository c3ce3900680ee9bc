package models

import (
	"context"
	"errors"
)

// Error kinds surfaced by the ingestion engine. Callers match them with errors.Is.
var (
	ErrOutOfOrderSnapshot  = errors.New("out-of-order snapshot")
	ErrIdentityConflict    = errors.New("identity conflict")
	ErrDimensionResolution = errors.New("dimension resolution failure")
	ErrInvariantViolation  = errors.New("invariant violation")
	ErrRefreshFailure      = errors.New("refresh failure")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrInvalidRecord       = errors.New("invalid record")

	// ErrConflict marks a storage-level write conflict (duplicate key race,
	// serialization failure, deadlock). The unit that hit it may be retried.
	ErrConflict = errors.New("storage conflict")
)

// Retryable reports whether err can be resolved by re-running the same unit.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrConflict):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, context.Canceled):
		return true
	}
	return false
}

// Kind returns a short label for err, used in reports and metric labels.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrOutOfOrderSnapshot):
		return "out_of_order_snapshot"
	case errors.Is(err, ErrIdentityConflict):
		return "identity_conflict"
	case errors.Is(err, ErrDimensionResolution):
		return "dimension_resolution_failure"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, ErrConstraintViolation):
		return "constraint_violation"
	case errors.Is(err, ErrRefreshFailure):
		return "refresh_failure"
	case errors.Is(err, ErrInvalidRecord):
		return "invalid_record"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "internal"
}
