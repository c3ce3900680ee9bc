package storage

import (
	"context"
	"fmt"
	"time"

	"listing-history/models"
)

// Tx is the set of writes one listing unit performs. Every call runs inside
// the transaction opened by Store.WithTx; nothing is visible to other units
// until fn returns nil.
type Tx interface {
	// Dimension get-or-create. Each call inserts the natural key if it is
	// missing and returns the surrogate id of the (possibly pre-existing) row.
	UpsertTransactionType(ctx context.Context, code string) (int64, error)
	UpsertItemType(ctx context.Context, code string) (int64, error)
	UpsertItemSubtype(ctx context.Context, itemTypeID int64, code string) (int64, error)
	UpsertCity(ctx context.Context, name string) (int64, error)
	UpsertZipcode(ctx context.Context, code string) (int64, error)
	UpsertLocation(ctx context.Context, cityID, zipcodeID int64) (int64, error)

	// FindListing returns nil, nil when the external key is unknown.
	FindListing(ctx context.Context, externalID string) (*models.Listing, error)
	// InsertListing creates the master row. A concurrent insert of the same
	// key surfaces as models.ErrConflict.
	InsertListing(ctx context.Context, l *models.Listing) (int64, error)

	// OpenVersion returns the open version of a listing, locked for the rest
	// of the transaction, or nil when the listing has no history yet.
	OpenVersion(ctx context.Context, listingID int64) (*models.ListingVersion, error)
	// VersionCovering returns the version whose interval contains at, or nil.
	VersionCovering(ctx context.Context, listingID int64, at time.Time) (*models.ListingVersion, error)
	CloseVersion(ctx context.Context, versionID int64, validTo time.Time) error
	InsertVersion(ctx context.Context, v *models.ListingVersion) (int64, error)

	UpsertDescription(ctx context.Context, d *models.ListingDescription) error
}

// ConstraintCatalog is the ensure-present capability used by the quality gate.
type ConstraintCatalog interface {
	ConstraintExists(ctx context.Context, name string) (bool, error)
	CreateConstraint(ctx context.Context, c Constraint) error
}

// Constraint is a named CHECK rule on one of the base tables.
type Constraint struct {
	Name  string
	Table string
	// Check is the SQL boolean expression the row must satisfy.
	Check string
	// Holds evaluates the same rule in Go against a candidate row.
	Holds func(row *models.CurrentListing) bool
	// OpenRowsOnly limits the rule to rows with valid_to IS NULL, so closing
	// a legacy version that breaks it is still possible.
	OpenRowsOnly bool
}

// Definition returns the CHECK expression as installed on the table.
func (c Constraint) Definition() string {
	if c.OpenRowsOnly {
		return fmt.Sprintf("valid_to IS NOT NULL OR (%s)", c.Check)
	}
	return c.Check
}

// Store is the versioned listing store the engine writes to.
type Store interface {
	ConstraintCatalog

	EnsureSchema(ctx context.Context) error
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// RefreshCurrent rebuilds listing_current. Readers keep seeing the previous
	// projection until the new one is complete.
	RefreshCurrent(ctx context.Context) error
	CurrentSnapshot(ctx context.Context) ([]models.CurrentListing, error)
	VersionHistory(ctx context.Context, externalID string) ([]models.ListingVersion, error)

	UpsertDailyMetrics(ctx context.Context, m *models.DailyMetrics) error
	// DailyMetrics returns nil, nil when no row exists for day.
	DailyMetrics(ctx context.Context, day time.Time) (*models.DailyMetrics, error)

	Diagnostics(ctx context.Context) (*models.Diagnostics, error)
	Close() error
}

// RecordSource yields cleaned record batches.
type RecordSource interface {
	ReadAll() ([]*models.Record, []RowError, error)
	Close() error
}
