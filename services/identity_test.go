package services

import (
	"context"
	"errors"
	"testing"

	"listing-history/models"
	"listing-history/storage"
)

func register(t *testing.T, s storage.Store, r *models.Record) (*models.Listing, bool, error) {
	t.Helper()
	var (
		l       *models.Listing
		created bool
	)
	err := s.WithTx(context.Background(), func(tx storage.Tx) error {
		dims, err := NewDimensionResolver().Resolve(context.Background(), tx, KeysOf(r))
		if err != nil {
			return err
		}
		l, created, err = NewIdentityRegistry(newTestLogger()).Resolve(context.Background(), tx, r.ExternalID, dims, r.Stable)
		return err
	})
	return l, created, err
}

func TestIdentityFirstWriteWins(t *testing.T) {
	s := storage.NewMemoryStore()

	first, created, err := register(t, s, record("L1", "1", day0))
	if err != nil || !created {
		t.Fatalf("first sighting: created=%v err=%v", created, err)
	}

	later := record("L1", "1", day0)
	later.Stable.BuildYear = intp(2001)
	later.City, later.Zipcode = "Lyon", "69001"
	again, created, err := register(t, s, later)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second sighting should not create a listing")
	}
	if again.ID != first.ID {
		t.Errorf("listing id changed: %d -> %d", first.ID, again.ID)
	}
	if *again.Stable.BuildYear != 1975 {
		t.Errorf("build year overwritten: got %d", *again.Stable.BuildYear)
	}
	if again.LocationID != first.LocationID {
		t.Error("location linkage overwritten")
	}
}

func TestIdentityConflicts(t *testing.T) {
	tests := []struct {
		name   string
		modify func(r *models.Record)
		want   error
	}{
		{"transaction type", func(r *models.Record) { r.TransactionType = "RENT" }, models.ErrIdentityConflict},
		{"item type", func(r *models.Record) { r.ItemType, r.ItemSubtype = "HOUSE", "VILLA" }, models.ErrIdentityConflict},
		{"subtype within type", func(r *models.Record) { r.ItemSubtype = "DUPLEX" }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := storage.NewMemoryStore()
			if _, _, err := register(t, s, record("L1", "1", day0)); err != nil {
				t.Fatal(err)
			}
			r := record("L1", "1", day0)
			tt.modify(r)
			_, _, err := register(t, s, r)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("expected tolerance, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
