package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"listing-history/models"
)

const (
	sqlstateUniqueViolation      = "23505"
	sqlstateCheckViolation       = "23514"
	sqlstateSerializationFailure = "40001"
	sqlstateDeadlockDetected     = "40P01"
	sqlstateQueryCanceled        = "57014"

	openVersionIndex   = "ux_listing_version_open"
	versionIntervalChk = "chk_listing_version_interval"
)

// classify maps a PostgreSQL error onto the engine's error kinds. Errors that
// already carry a kind, or that did not come from the server, pass through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	if errors.Is(err, models.ErrConflict) || errors.Is(err, models.ErrConstraintViolation) ||
		errors.Is(err, models.ErrInvariantViolation) {
		return err
	}

	switch string(pqErr.Code) {
	case sqlstateUniqueViolation:
		if pqErr.Constraint == openVersionIndex {
			return fmt.Errorf("%w (%w): %w", models.ErrConflict, models.ErrInvariantViolation, err)
		}
		return fmt.Errorf("%w: %w", models.ErrConflict, err)
	case sqlstateSerializationFailure, sqlstateDeadlockDetected:
		return fmt.Errorf("%w: %w", models.ErrConflict, err)
	case sqlstateCheckViolation:
		if pqErr.Constraint == versionIntervalChk {
			return fmt.Errorf("%w: %w", models.ErrInvariantViolation, err)
		}
		return fmt.Errorf("%w: %w", models.ErrConstraintViolation, err)
	case sqlstateQueryCanceled:
		// The server cancels the statement when the unit deadline fires.
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return err
}
