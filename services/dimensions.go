package services

import (
	"context"
	"fmt"

	"listing-history/models"
	"listing-history/storage"
)

// DimensionKeys are the natural keys of one record's lookup dimensions.
type DimensionKeys struct {
	TransactionType string
	ItemType        string
	ItemSubtype     string
	City            string
	Zipcode         string
}

// KeysOf extracts the dimension keys carried by r.
func KeysOf(r *models.Record) DimensionKeys {
	return DimensionKeys{
		TransactionType: r.TransactionType,
		ItemType:        r.ItemType,
		ItemSubtype:     r.ItemSubtype,
		City:            r.City,
		Zipcode:         r.Zipcode,
	}
}

// DimensionResolver maps natural keys to surrogate ids, creating any missing
// dimension row. It only ever inserts.
type DimensionResolver struct{}

// NewDimensionResolver creates a DimensionResolver.
func NewDimensionResolver() *DimensionResolver {
	return &DimensionResolver{}
}

// Resolve returns the surrogate ids for k inside tx. An item subtype is
// resolved under its item type, which is created first when missing.
func (d *DimensionResolver) Resolve(ctx context.Context, tx storage.Tx, k DimensionKeys) (*models.Dimensions, error) {
	txType := normaliseCode(k.TransactionType)
	itemType := normaliseCode(k.ItemType)
	subtype := normaliseCode(k.ItemSubtype)
	city := normaliseText(k.City)
	zip := NormalizeZipcode(k.Zipcode)

	for _, f := range []struct{ name, value string }{
		{"transaction_type", txType},
		{"item_type", itemType},
		{"item_subtype", subtype},
		{"city", city},
		{"zipcode", zip},
	} {
		if f.value == "" {
			return nil, fmt.Errorf("%w: empty %s", models.ErrDimensionResolution, f.name)
		}
	}

	var (
		dims models.Dimensions
		err  error
	)
	if dims.TransactionTypeID, err = tx.UpsertTransactionType(ctx, txType); err != nil {
		return nil, resolveErr("transaction_type", txType, err)
	}
	if dims.ItemTypeID, err = tx.UpsertItemType(ctx, itemType); err != nil {
		return nil, resolveErr("item_type", itemType, err)
	}
	if dims.ItemSubtypeID, err = tx.UpsertItemSubtype(ctx, dims.ItemTypeID, subtype); err != nil {
		return nil, resolveErr("item_subtype", itemType+"/"+subtype, err)
	}
	if dims.CityID, err = tx.UpsertCity(ctx, city); err != nil {
		return nil, resolveErr("city", city, err)
	}
	if dims.ZipcodeID, err = tx.UpsertZipcode(ctx, zip); err != nil {
		return nil, resolveErr("zipcode", zip, err)
	}
	if dims.LocationID, err = tx.UpsertLocation(ctx, dims.CityID, dims.ZipcodeID); err != nil {
		return nil, resolveErr("location", city+"/"+zip, err)
	}
	return &dims, nil
}

// resolveErr keeps storage conflicts retryable and marks everything else as a
// resolution failure.
func resolveErr(table, key string, err error) error {
	if models.Retryable(err) {
		return fmt.Errorf("resolve %s %q: %w", table, key, err)
	}
	return fmt.Errorf("%w: %s %q: %w", models.ErrDimensionResolution, table, key, err)
}
