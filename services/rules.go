package services

import (
	"fmt"

	"github.com/shopspring/decimal"

	"listing-history/models"
	"listing-history/storage"
)

// Rule is a structural quality rule. Rules with Enforce set are installed as
// NOT VALID check constraints; the others are only reported. Rules on
// listing_version only bind the open version: closing a legacy row that
// breaks one must not fail.
type Rule struct {
	storage.Constraint
	Enforce bool
	// Detail describes the offending value of a row that fails the rule.
	Detail func(row *models.CurrentListing) string
}

const (
	minFloor     = -5
	maxFloor     = 300
	minBuildYear = 1800
	maxBuildYear = 2100
)

// DefaultRules returns the rule set the quality gate checks.
func DefaultRules() []Rule {
	return []Rule{
		nonNegativeRule("chk_lv_price_nonneg", "price", func(a *models.MutableAttrs) decimal.NullDecimal { return a.Price }),
		nonNegativeRule("chk_lv_area_nonneg", "area", func(a *models.MutableAttrs) decimal.NullDecimal { return a.Area }),
		nonNegativeRule("chk_lv_site_area_nonneg", "site_area", func(a *models.MutableAttrs) decimal.NullDecimal { return a.SiteArea }),
		nonNegativeRule("chk_lv_terrace_area_nonneg", "terrace_area", func(a *models.MutableAttrs) decimal.NullDecimal { return a.TerraceArea }),
		{
			Constraint: storage.Constraint{
				Name:  "chk_lv_counts_nonneg",
				Table: "listing_version",
				Check: "(room_count IS NULL OR room_count >= 0) AND (balcony_count IS NULL OR balcony_count >= 0)" +
					" AND (terrace_count IS NULL OR terrace_count >= 0)",
				Holds: func(r *models.CurrentListing) bool {
					return intAtLeast(r.Attrs.RoomCount, 0) && intAtLeast(r.Attrs.BalconyCount, 0) &&
						intAtLeast(r.Attrs.TerraceCount, 0)
				},
				OpenRowsOnly: true,
			},
			Enforce: true,
			Detail: func(r *models.CurrentListing) string {
				return fmt.Sprintf("room_count=%s balcony_count=%s terrace_count=%s",
					fmtInt(r.Attrs.RoomCount), fmtInt(r.Attrs.BalconyCount), fmtInt(r.Attrs.TerraceCount))
			},
		},
		{
			Constraint: storage.Constraint{
				Name:  "chk_lv_floor_range",
				Table: "listing_version",
				Check: fmt.Sprintf("floor IS NULL OR floor BETWEEN %d AND %d", minFloor, maxFloor),
				Holds: func(r *models.CurrentListing) bool {
					return intWithin(r.Attrs.Floor, minFloor, maxFloor)
				},
				OpenRowsOnly: true,
			},
			Enforce: true,
			Detail:  func(r *models.CurrentListing) string { return "floor=" + fmtInt(r.Attrs.Floor) },
		},
		{
			Constraint: storage.Constraint{
				Name:  "chk_listing_build_year_range",
				Table: "listing",
				Check: fmt.Sprintf("build_year IS NULL OR build_year BETWEEN %d AND %d", minBuildYear, maxBuildYear),
				Holds: func(r *models.CurrentListing) bool {
					return intWithin(r.Stable.BuildYear, minBuildYear, maxBuildYear)
				},
			},
			Enforce: true,
			Detail:  func(r *models.CurrentListing) string { return "build_year=" + fmtInt(r.Stable.BuildYear) },
		},
		{
			// Malformed zipcodes are accepted at ingestion, so this one is
			// never installed on the table.
			Constraint: storage.Constraint{
				Name:  "chk_zipcode_zip5",
				Table: "zipcode",
				Check: "code ~ '^[0-9]{5}$'",
				Holds: func(r *models.CurrentListing) bool { return IsZip5(r.Zipcode) },
			},
			Detail: func(r *models.CurrentListing) string { return fmt.Sprintf("zipcode=%q", r.Zipcode) },
		},
	}
}

func nonNegativeRule(name, column string, field func(*models.MutableAttrs) decimal.NullDecimal) Rule {
	return Rule{
		Constraint: storage.Constraint{
			Name:  name,
			Table: "listing_version",
			Check: fmt.Sprintf("%s IS NULL OR %s >= 0", column, column),
			Holds: func(r *models.CurrentListing) bool {
				v := field(&r.Attrs)
				return !v.Valid || !v.Decimal.IsNegative()
			},
			OpenRowsOnly: true,
		},
		Enforce: true,
		Detail: func(r *models.CurrentListing) string {
			return fmt.Sprintf("%s=%s", column, field(&r.Attrs).Decimal.String())
		},
	}
}

func intAtLeast(v *int, min int) bool {
	return v == nil || *v >= min
}

func intWithin(v *int, min, max int) bool {
	return v == nil || (*v >= min && *v <= max)
}

func fmtInt(v *int) string {
	if v == nil {
		return "NULL"
	}
	return fmt.Sprint(*v)
}
