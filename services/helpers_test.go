package services

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"listing-history/models"
	"listing-history/storage"
	"listing-history/utils"
)

func newTestLogger() *utils.Logger { return utils.NewNopLogger() }

var day0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func intp(n int) *int { return &n }

// record builds a Paris apartment snapshot with the given price.
func record(ext, price string, at time.Time) *models.Record {
	r := &models.Record{
		ExternalID:      ext,
		TransactionType: "SELL",
		ItemType:        "APARTMENT",
		ItemSubtype:     "FLAT",
		City:            "Paris",
		Zipcode:         "75001",
		SnapshotAt:      at,
		Stable:          models.StableAttrs{BuildYear: intp(1975)},
		Mutable: models.MutableAttrs{
			Area:      dec("50"),
			Floor:     intp(3),
			RoomCount: intp(2),
		},
	}
	if price != "" {
		r.Mutable.Price = dec(price)
	}
	return r
}

func newTestOrchestrator(store storage.Store) *Orchestrator {
	return NewOrchestrator(store, newTestLogger(), nil, IngestOptions{
		MaxConcurrency: 4,
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
		UnitTimeout:    5 * time.Second,
	})
}

func mustIngest(t *testing.T, o *Orchestrator, recs ...*models.Record) *models.BatchResult {
	t.Helper()
	res, err := o.Ingest(context.Background(), recs)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	return res
}

func history(t *testing.T, s storage.Store, ext string) []models.ListingVersion {
	t.Helper()
	h, err := s.VersionHistory(context.Background(), ext)
	if err != nil {
		t.Fatalf("VersionHistory: %v", err)
	}
	return h
}

// checkIntervals asserts at most one open version, closed versions ending
// where the next begins, and strictly increasing starts.
func checkIntervals(t *testing.T, h []models.ListingVersion) {
	t.Helper()
	open := 0
	for i, v := range h {
		if v.IsOpen() {
			open++
			if i != len(h)-1 {
				t.Errorf("open version %d is not the latest", v.ID)
			}
			continue
		}
		if !v.ValidFrom.Before(*v.ValidTo) {
			t.Errorf("version %d: empty interval [%v, %v)", v.ID, v.ValidFrom, *v.ValidTo)
		}
		if i+1 < len(h) && !v.ValidTo.Equal(h[i+1].ValidFrom) {
			t.Errorf("gap after version %d: valid_to %v, next valid_from %v", v.ID, *v.ValidTo, h[i+1].ValidFrom)
		}
	}
	if open > 1 {
		t.Errorf("%d open versions", open)
	}
}
