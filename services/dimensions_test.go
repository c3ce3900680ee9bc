package services

import (
	"context"
	"errors"
	"testing"

	"listing-history/models"
	"listing-history/storage"
)

func resolve(t *testing.T, s storage.Store, k DimensionKeys) (*models.Dimensions, error) {
	t.Helper()
	var dims *models.Dimensions
	err := s.WithTx(context.Background(), func(tx storage.Tx) error {
		var err error
		dims, err = NewDimensionResolver().Resolve(context.Background(), tx, k)
		return err
	})
	return dims, err
}

func parisKeys() DimensionKeys {
	return DimensionKeys{
		TransactionType: "SELL",
		ItemType:        "APARTMENT",
		ItemSubtype:     "FLAT",
		City:            "Paris",
		Zipcode:         "75001",
	}
}

func TestDimensionResolverIsIdempotent(t *testing.T) {
	s := storage.NewMemoryStore()

	first, err := resolve(t, s, parisKeys())
	if err != nil {
		t.Fatal(err)
	}
	second, err := resolve(t, s, parisKeys())
	if err != nil {
		t.Fatal(err)
	}
	if *first != *second {
		t.Errorf("second resolve returned different ids: %+v vs %+v", first, second)
	}
	counts := s.Counts()
	for _, table := range []string{"city", "zipcode", "location", "item_subtype"} {
		if counts[table] != 1 {
			t.Errorf("%s rows: got %d, want 1", table, counts[table])
		}
	}
}

func TestDimensionResolverNormalizesZipcode(t *testing.T) {
	s := storage.NewMemoryStore()

	k := parisKeys()
	k.City, k.Zipcode = "Nice", "06000"
	padded, err := resolve(t, s, k)
	if err != nil {
		t.Fatal(err)
	}

	k.Zipcode = " 6000"
	short, err := resolve(t, s, k)
	if err != nil {
		t.Fatal(err)
	}
	if padded.ZipcodeID != short.ZipcodeID || padded.LocationID != short.LocationID {
		t.Errorf("6000 should resolve to 06000: %+v vs %+v", padded, short)
	}

	k.Zipcode = "F-06 000"
	spaced, err := resolve(t, s, k)
	if err != nil {
		t.Fatal(err)
	}
	if spaced.LocationID != padded.LocationID {
		t.Errorf("F-06 000 should resolve to 06000: %+v vs %+v", padded, spaced)
	}
	if n := s.Counts()["zipcode"]; n != 1 {
		t.Errorf("zipcode rows: got %d, want 1", n)
	}
}

func TestDimensionResolverAcceptsMalformedZipcode(t *testing.T) {
	s := storage.NewMemoryStore()

	k := parisKeys()
	k.City, k.Zipcode = "Ajaccio", "CEDEX"
	if _, err := resolve(t, s, k); err != nil {
		t.Fatalf("malformed zipcode should be accepted, got %v", err)
	}
}

func TestDimensionResolverScopesSubtypeByType(t *testing.T) {
	s := storage.NewMemoryStore()

	a := parisKeys()
	a.ItemType, a.ItemSubtype = "HOUSE", "OTHER"
	b := parisKeys()
	b.ItemType, b.ItemSubtype = "APARTMENT", "OTHER"

	da, err := resolve(t, s, a)
	if err != nil {
		t.Fatal(err)
	}
	db, err := resolve(t, s, b)
	if err != nil {
		t.Fatal(err)
	}
	if da.ItemSubtypeID == db.ItemSubtypeID {
		t.Error("same subtype code under two item types should be two rows")
	}
}

func TestDimensionResolverRejectsEmptyKeys(t *testing.T) {
	s := storage.NewMemoryStore()

	k := parisKeys()
	k.City = "   "
	_, err := resolve(t, s, k)
	if !errors.Is(err, models.ErrDimensionResolution) {
		t.Fatalf("expected dimension resolution failure, got %v", err)
	}
	if n := s.Counts()["transaction_type"]; n != 0 {
		t.Errorf("failed resolve should write nothing, transaction_type has %d rows", n)
	}
}

func TestDimensionResolverFoldsCodeCase(t *testing.T) {
	s := storage.NewMemoryStore()

	upper, err := resolve(t, s, parisKeys())
	if err != nil {
		t.Fatal(err)
	}
	k := parisKeys()
	k.TransactionType, k.ItemType, k.ItemSubtype = " sell", "Apartment", "flat "
	lower, err := resolve(t, s, k)
	if err != nil {
		t.Fatal(err)
	}
	if *upper != *lower {
		t.Errorf("codes differing only in case should share ids: %+v vs %+v", upper, lower)
	}
	if n := s.Counts()["transaction_type"]; n != 1 {
		t.Errorf("transaction_type rows: got %d, want 1", n)
	}
}
