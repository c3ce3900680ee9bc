package services

import (
	"context"
	"fmt"

	"listing-history/models"
	"listing-history/storage"
	"listing-history/utils"
)

// IdentityRegistry maps external listing keys to master Listing rows.
//
// The first sighting of a key fixes the listing's stable attributes and its
// dimension linkage. Later sightings never overwrite them; a sighting that
// moves the listing to another transaction type or item type is rejected
// with models.ErrIdentityConflict for manual review.
type IdentityRegistry struct {
	logger *utils.Logger
}

// NewIdentityRegistry creates an IdentityRegistry.
func NewIdentityRegistry(logger *utils.Logger) *IdentityRegistry {
	return &IdentityRegistry{logger: logger}
}

// Resolve returns the listing for externalID, creating it on first sighting.
// created reports whether this call inserted the row.
func (r *IdentityRegistry) Resolve(ctx context.Context, tx storage.Tx, externalID string, dims *models.Dimensions, stable models.StableAttrs) (l *models.Listing, created bool, err error) {
	existing, err := tx.FindListing(ctx, externalID)
	if err != nil {
		return nil, false, err
	}

	if existing == nil {
		l = &models.Listing{
			ExternalID:        externalID,
			TransactionTypeID: dims.TransactionTypeID,
			ItemTypeID:        dims.ItemTypeID,
			ItemSubtypeID:     dims.ItemSubtypeID,
			LocationID:        dims.LocationID,
			Stable:            stable,
		}
		id, err := tx.InsertListing(ctx, l)
		if err != nil {
			return nil, false, err
		}
		l.ID = id
		return l, true, nil
	}

	if existing.TransactionTypeID != dims.TransactionTypeID {
		return nil, false, fmt.Errorf("%w: listing %q was registered with transaction type %d, snapshot says %d",
			models.ErrIdentityConflict, externalID, existing.TransactionTypeID, dims.TransactionTypeID)
	}
	if existing.ItemTypeID != dims.ItemTypeID {
		return nil, false, fmt.Errorf("%w: listing %q was registered with item type %d, snapshot says %d",
			models.ErrIdentityConflict, externalID, existing.ItemTypeID, dims.ItemTypeID)
	}
	if existing.ItemSubtypeID != dims.ItemSubtypeID {
		r.logger.Debug("[identity] %s: subtype %d differs from registered %d, keeping first",
			externalID, dims.ItemSubtypeID, existing.ItemSubtypeID)
	}
	if existing.LocationID != dims.LocationID {
		r.logger.Debug("[identity] %s: location %d differs from registered %d, keeping first",
			externalID, dims.LocationID, existing.LocationID)
	}
	return existing, false, nil
}
