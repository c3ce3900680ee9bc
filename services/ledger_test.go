package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"listing-history/models"
	"listing-history/storage"
)

func TestAttrsEqual(t *testing.T) {
	base := models.MutableAttrs{
		Price:     dec("200000"),
		Area:      dec("50.5"),
		Floor:     intp(3),
		RoomCount: intp(2),
	}

	tests := []struct {
		name   string
		modify func(a *models.MutableAttrs)
		want   bool
	}{
		{"identical", func(a *models.MutableAttrs) {}, true},
		{"numeric not textual", func(a *models.MutableAttrs) { a.Price = dec("200000.00") }, true},
		{"price changed", func(a *models.MutableAttrs) { a.Price = dec("210000") }, false},
		{"null vs value", func(a *models.MutableAttrs) { a.SiteArea = dec("0") }, false},
		{"value vs null", func(a *models.MutableAttrs) { a.Area.Valid = false }, false},
		{"int changed", func(a *models.MutableAttrs) { a.Floor = intp(4) }, false},
		{"int null vs value", func(a *models.MutableAttrs) { a.BalconyCount = intp(0) }, false},
		{"terrace area set", func(a *models.MutableAttrs) { a.TerraceArea = dec("12") }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := base
			tt.modify(&other)
			if got := AttrsEqual(base, other); got != tt.want {
				t.Errorf("AttrsEqual = %v, want %v", got, tt.want)
			}
		})
	}
}

// seedListing registers a listing and returns its id.
func seedListing(t *testing.T, s storage.Store, ext string) int64 {
	t.Helper()
	var id int64
	err := s.WithTx(context.Background(), func(tx storage.Tx) error {
		r := record(ext, "1", day0)
		dims, err := NewDimensionResolver().Resolve(context.Background(), tx, KeysOf(r))
		if err != nil {
			return err
		}
		l, _, err := NewIdentityRegistry(newTestLogger()).Resolve(context.Background(), tx, ext, dims, r.Stable)
		if err != nil {
			return err
		}
		id = l.ID
		return nil
	})
	if err != nil {
		t.Fatalf("seeding listing: %v", err)
	}
	return id
}

func reconcile(t *testing.T, s storage.Store, listingID int64, at time.Time, attrs models.MutableAttrs) (models.Outcome, error) {
	t.Helper()
	var outcome models.Outcome
	err := s.WithTx(context.Background(), func(tx storage.Tx) error {
		var err error
		outcome, err = NewVersionLedger().Reconcile(context.Background(), tx, listingID, at, attrs, nil)
		return err
	})
	return outcome, err
}

func TestReconcileChangeDetection(t *testing.T) {
	s := storage.NewMemoryStore()
	id := seedListing(t, s, "L1")

	first := record("L1", "200000", day0).Mutable
	if out, err := reconcile(t, s, id, day0, first); err != nil || out != models.OutcomeOpened {
		t.Fatalf("first snapshot: outcome %v, err %v", out, err)
	}

	t1 := day0.Add(24 * time.Hour)
	second := record("L1", "210000", t1).Mutable
	if out, err := reconcile(t, s, id, t1, second); err != nil || out != models.OutcomeSuperseded {
		t.Fatalf("second snapshot: outcome %v, err %v", out, err)
	}

	h := history(t, s, "L1")
	if len(h) != 2 {
		t.Fatalf("versions: got %d, want 2", len(h))
	}
	if h[0].ValidTo == nil || !h[0].ValidTo.Equal(t1) {
		t.Errorf("first version should close at %v, got %v", t1, h[0].ValidTo)
	}
	if !h[1].IsOpen() || !h[1].ValidFrom.Equal(t1) {
		t.Errorf("second version should be open from %v: %+v", t1, h[1])
	}
	if !h[1].Attrs.Price.Decimal.Equal(second.Price.Decimal) {
		t.Errorf("open version price: got %s", h[1].Attrs.Price.Decimal)
	}
	checkIntervals(t, h)
}

func TestReconcileNoOpWithNullSiteArea(t *testing.T) {
	s := storage.NewMemoryStore()
	id := seedListing(t, s, "L1")

	attrs := record("L1", "200000", day0).Mutable
	if attrs.SiteArea.Valid {
		t.Fatal("test record should carry a NULL site_area")
	}
	if _, err := reconcile(t, s, id, day0, attrs); err != nil {
		t.Fatal(err)
	}
	before := s.Counts()

	out, err := reconcile(t, s, id, day0.Add(time.Hour), attrs)
	if err != nil {
		t.Fatal(err)
	}
	if out != models.OutcomeNoOp {
		t.Errorf("outcome: got %v, want no_op", out)
	}
	after := s.Counts()
	if after["listing_version"] != before["listing_version"] {
		t.Errorf("no-op wrote versions: %d -> %d", before["listing_version"], after["listing_version"])
	}
	if h := history(t, s, "L1"); len(h) != 1 || !h[0].IsOpen() {
		t.Errorf("expected the single version to stay open, got %+v", h)
	}
}

func TestReconcileRejectsOutOfOrder(t *testing.T) {
	s := storage.NewMemoryStore()
	id := seedListing(t, s, "L1")

	t1 := day0.Add(48 * time.Hour)
	if _, err := reconcile(t, s, id, t1, record("L1", "200000", t1).Mutable); err != nil {
		t.Fatal(err)
	}
	before := history(t, s, "L1")

	_, err := reconcile(t, s, id, day0, record("L1", "190000", day0).Mutable)
	if !errors.Is(err, models.ErrOutOfOrderSnapshot) {
		t.Fatalf("expected out-of-order snapshot, got %v", err)
	}
	after := history(t, s, "L1")
	if len(after) != len(before) || !after[0].IsOpen() || !after[0].Attrs.Price.Decimal.Equal(before[0].Attrs.Price.Decimal) {
		t.Errorf("ledger changed after rejected snapshot: %+v", after)
	}
}

func TestReconcileSameTimestamp(t *testing.T) {
	s := storage.NewMemoryStore()
	id := seedListing(t, s, "L1")
	attrs := record("L1", "200000", day0).Mutable

	if _, err := reconcile(t, s, id, day0, attrs); err != nil {
		t.Fatal(err)
	}
	out, err := reconcile(t, s, id, day0, attrs)
	if err != nil || out != models.OutcomeNoOp {
		t.Fatalf("re-run at same time: outcome %v, err %v", out, err)
	}

	_, err = reconcile(t, s, id, day0, record("L1", "1", day0).Mutable)
	if !errors.Is(err, models.ErrOutOfOrderSnapshot) {
		t.Fatalf("change at the open version's valid_from: got %v", err)
	}
	if h := history(t, s, "L1"); len(h) != 1 {
		t.Errorf("versions: got %d, want 1", len(h))
	}
}

func TestReconcileReportsReplayOfHistory(t *testing.T) {
	s := storage.NewMemoryStore()
	id := seedListing(t, s, "L1")

	t1 := day0.Add(24 * time.Hour)
	t2 := day0.Add(48 * time.Hour)
	for _, snap := range []struct {
		at    time.Time
		price string
	}{{day0, "200000"}, {t1, "210000"}, {t2, "220000"}} {
		if _, err := reconcile(t, s, id, snap.at, record("L1", snap.price, snap.at).Mutable); err != nil {
			t.Fatal(err)
		}
	}

	// The state at t1 + 1h is the t1 version: replaying it changes nothing.
	replay := t1.Add(time.Hour)
	out, err := reconcile(t, s, id, replay, record("L1", "210000", replay).Mutable)
	if err != nil || out != models.OutcomeReplayed {
		t.Fatalf("replay: outcome %v, err %v", out, err)
	}

	// A different value at that time would rewrite history.
	_, err = reconcile(t, s, id, replay, record("L1", "205000", replay).Mutable)
	if !errors.Is(err, models.ErrOutOfOrderSnapshot) {
		t.Fatalf("expected out-of-order snapshot, got %v", err)
	}
	if h := history(t, s, "L1"); len(h) != 3 {
		t.Errorf("versions: got %d, want 3", len(h))
	}
}
