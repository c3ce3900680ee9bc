package services

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"listing-history/models"
	"listing-history/storage"
)

// VersionLedger keeps the SCD Type-2 history of a listing's mutable attributes.
type VersionLedger struct{}

// NewVersionLedger creates a VersionLedger.
func NewVersionLedger() *VersionLedger {
	return &VersionLedger{}
}

// Reconcile applies one snapshot of a listing to its history inside tx.
//
//   - no open version: opens [at, NULL)
//   - open version with equal attributes: no write
//   - open version with different attributes: closes it at at and opens [at, NULL)
//
// A snapshot older than the open version writes nothing and reports
// models.OutcomeReplayed when the version that covered its time has the same
// attributes (a replayed batch), and is
// rejected with models.ErrOutOfOrderSnapshot otherwise. A snapshot at exactly
// the open version's valid_from is accepted as a re-run when the attributes
// match, and rejected otherwise since it would need a zero-length interval.
func (l *VersionLedger) Reconcile(ctx context.Context, tx storage.Tx, listingID int64, at time.Time, attrs models.MutableAttrs, sourceChangeAt *time.Time) (models.Outcome, error) {
	at = at.UTC()

	open, err := tx.OpenVersion(ctx, listingID)
	if err != nil {
		return models.OutcomeNoOp, err
	}

	if open == nil {
		if _, err := tx.InsertVersion(ctx, &models.ListingVersion{
			ListingID:      listingID,
			ValidFrom:      at,
			Attrs:          attrs,
			SourceChangeAt: sourceChangeAt,
		}); err != nil {
			return models.OutcomeNoOp, err
		}
		return models.OutcomeOpened, nil
	}

	if at.Before(open.ValidFrom) {
		// A replayed snapshot that history already agrees with is a no-op.
		past, err := tx.VersionCovering(ctx, listingID, at)
		if err != nil {
			return models.OutcomeNoOp, err
		}
		if past != nil && AttrsEqual(past.Attrs, attrs) {
			return models.OutcomeReplayed, nil
		}
		return models.OutcomeNoOp, fmt.Errorf("%w: snapshot %s is older than open version %d (valid_from %s)",
			models.ErrOutOfOrderSnapshot, at.Format(time.RFC3339), open.ID, open.ValidFrom.Format(time.RFC3339))
	}

	if AttrsEqual(open.Attrs, attrs) {
		return models.OutcomeNoOp, nil
	}
	if !at.After(open.ValidFrom) {
		return models.OutcomeNoOp, fmt.Errorf("%w: snapshot %s changes attributes at the open version's valid_from",
			models.ErrOutOfOrderSnapshot, at.Format(time.RFC3339))
	}

	if err := tx.CloseVersion(ctx, open.ID, at); err != nil {
		return models.OutcomeNoOp, err
	}
	if _, err := tx.InsertVersion(ctx, &models.ListingVersion{
		ListingID:      listingID,
		ValidFrom:      at,
		Attrs:          attrs,
		SourceChangeAt: sourceChangeAt,
	}); err != nil {
		return models.OutcomeNoOp, err
	}
	return models.OutcomeSuperseded, nil
}

// AttrsEqual compares the eight versioned fields. NULL equals NULL, NULL never
// equals a value, and numbers compare by value so 200000 equals 200000.00.
func AttrsEqual(a, b models.MutableAttrs) bool {
	return decimalEqual(a.Price, b.Price) &&
		decimalEqual(a.Area, b.Area) &&
		decimalEqual(a.SiteArea, b.SiteArea) &&
		intEqual(a.Floor, b.Floor) &&
		intEqual(a.RoomCount, b.RoomCount) &&
		intEqual(a.BalconyCount, b.BalconyCount) &&
		intEqual(a.TerraceCount, b.TerraceCount) &&
		decimalEqual(a.TerraceArea, b.TerraceArea)
}

func decimalEqual(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}

func intEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
