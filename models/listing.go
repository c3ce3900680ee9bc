package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Record is one cleaned listing row as handed over by the upstream cleaning step.
// Values are already type-correct and unit-normalized.
type Record struct {
	ExternalID      string
	TransactionType string
	ItemType        string
	ItemSubtype     string
	City            string
	Zipcode         string

	Stable  StableAttrs
	Mutable MutableAttrs

	Description    string
	SnapshotAt     time.Time
	SourceChangeAt *time.Time

	// Line is the 1-based source line, when the record came from a file.
	Line int
}

// StableAttrs are the listing attributes that are not versioned.
type StableAttrs struct {
	BuildYear         *int
	IsNewConstruction *bool
	HasPassengerLift  *bool
	HasCellar         *bool
	IsFurnished       *bool
}

// MutableAttrs is the versioned attribute set of a listing.
type MutableAttrs struct {
	Price        decimal.NullDecimal
	Area         decimal.NullDecimal
	SiteArea     decimal.NullDecimal
	Floor        *int
	RoomCount    *int
	BalconyCount *int
	TerraceCount *int
	TerraceArea  decimal.NullDecimal
}

// Dimensions holds the surrogate ids a record resolves to.
type Dimensions struct {
	TransactionTypeID int64
	ItemTypeID        int64
	ItemSubtypeID     int64
	CityID            int64
	ZipcodeID         int64
	LocationID        int64
}

// Listing is the master identity row.
type Listing struct {
	ID                int64
	ExternalID        string
	TransactionTypeID int64
	ItemTypeID        int64
	ItemSubtypeID     int64
	LocationID        int64
	Stable            StableAttrs
	CreatedAt         time.Time
}

// ListingVersion is one row of a listing's history over [ValidFrom, ValidTo).
// A nil ValidTo marks the open version.
type ListingVersion struct {
	ID             int64
	ListingID      int64
	ValidFrom      time.Time
	ValidTo        *time.Time
	Attrs          MutableAttrs
	SourceChangeAt *time.Time
}

// IsOpen reports whether the version is the current one.
func (v *ListingVersion) IsOpen() bool {
	return v.ValidTo == nil
}

// ListingDescription is the free text attached to a listing.
type ListingDescription struct {
	ListingID int64
	Lang      string
	Body      string
}

// CurrentListing is one row of the listing_current projection, joined with the
// dimension codes and the description the quality gate needs.
type CurrentListing struct {
	ID                int64
	ExternalID        string
	TransactionTypeID int64
	ItemTypeID        int64
	ItemSubtypeID     int64
	LocationID        int64
	Stable            StableAttrs
	Attrs             MutableAttrs
	ValidFrom         time.Time

	City           string
	Zipcode        string
	HasDescription bool
}

// Diagnostics are the row counts logged after each load.
type Diagnostics struct {
	VersionRows        int64
	CurrentRows        int64
	VersionTerraceSet  int64
	VersionTerraceNull int64
	CurrentTerraceSet  int64
	CurrentTerraceNull int64
	DescriptionRows    int64
}
