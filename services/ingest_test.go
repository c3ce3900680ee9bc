package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"listing-history/models"
	"listing-history/storage"
)

func TestIngestIsIdempotent(t *testing.T) {
	s := storage.NewMemoryStore()
	o := newTestOrchestrator(s)

	batch := []*models.Record{
		record("L1", "200000", day0),
		record("L2", "310000", day0),
		record("L3", "", day0),
	}
	first := mustIngest(t, o, batch...)
	if first.VersionsOpened != 3 || first.Rejected != 0 {
		t.Fatalf("first run: %+v", first)
	}
	before := s.Counts()

	second := mustIngest(t, o, batch...)
	if second.NoOp != 3 || second.VersionsOpened != 0 || second.VersionsClosed != 0 {
		t.Errorf("second run should be all no-ops: %+v", second)
	}
	after := s.Counts()
	for table, n := range before {
		if after[table] != n {
			t.Errorf("%s rows changed on re-run: %d -> %d", table, n, after[table])
		}
	}
}

func TestIngestAppliesSnapshotsInTimeOrder(t *testing.T) {
	s := storage.NewMemoryStore()
	o := newTestOrchestrator(s)

	t1 := day0.Add(24 * time.Hour)
	t2 := day0.Add(48 * time.Hour)
	res := mustIngest(t, o,
		record("L1", "220000", t2),
		record("L1", "200000", day0),
		record("L1", "210000", t1),
	)
	if res.VersionsOpened != 3 || res.VersionsClosed != 2 || res.Rejected != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	h := history(t, s, "L1")
	if len(h) != 3 {
		t.Fatalf("versions: got %d, want 3", len(h))
	}
	checkIntervals(t, h)
	if !h[2].Attrs.Price.Decimal.Equal(dec("220000").Decimal) {
		t.Errorf("latest snapshot should be open, got price %s", h[2].Attrs.Price.Decimal)
	}
}

func TestIngestIsolatesRejections(t *testing.T) {
	s := storage.NewMemoryStore()
	o := newTestOrchestrator(s)

	t1 := day0.Add(24 * time.Hour)
	mustIngest(t, o, record("L1", "200000", t1))

	rent := record("L3", "900", day0)
	rent.TransactionType = "RENT"
	mustIngest(t, o, rent)
	conflicting := record("L3", "950", t1)

	res := mustIngest(t, o,
		record("L1", "150000", day0),
		record("L2", "300000", day0),
		conflicting,
	)
	if res.VersionsOpened != 1 || res.Rejected != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}

	kinds := map[string]models.Rejection{}
	for _, r := range res.Rejections {
		kinds[r.ExternalID] = r
	}
	if r := kinds["L1"]; r.Kind != "out_of_order_snapshot" || r.Retryable {
		t.Errorf("L1 rejection: %+v", r)
	}
	if r := kinds["L3"]; r.Kind != "identity_conflict" || r.Retryable {
		t.Errorf("L3 rejection: %+v", r)
	}
	if h := history(t, s, "L2"); len(h) != 1 {
		t.Errorf("L2 should have been applied despite the other rejections")
	}
}

func TestIngestRejectsRecordWithoutKey(t *testing.T) {
	s := storage.NewMemoryStore()
	o := newTestOrchestrator(s)

	res := mustIngest(t, o, record("", "1", day0), record("L1", "1", day0))
	if res.Rejected != 1 || res.Rejections[0].Kind != "invalid_record" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Listings != 1 || res.VersionsOpened != 1 {
		t.Errorf("L1 should still load: %+v", res)
	}
}

func TestIngestKeepsLongestDescription(t *testing.T) {
	s := storage.NewMemoryStore()
	o := NewOrchestrator(s, newTestLogger(), nil, IngestOptions{MaxConcurrency: 2, DescriptionLang: "en"})

	a := record("L1", "200000", day0)
	a.Description = "Short"
	b := record("L1", "210000", day0.Add(time.Hour))
	b.Description = "  A much longer description  "
	c := record("L1", "220000", day0.Add(2*time.Hour))

	mustIngest(t, o, a, b, c)

	d, ok := s.Description("L1")
	if !ok {
		t.Fatal("description not stored")
	}
	if d.Body != "A much longer description" || d.Lang != "en" {
		t.Errorf("description: got %+v", d)
	}
}

func TestIngestConcurrentListings(t *testing.T) {
	s := storage.NewMemoryStore()
	o := newTestOrchestrator(s)

	var recs []*models.Record
	for i := 0; i < 40; i++ {
		for j := 0; j < 5; j++ {
			recs = append(recs, record(fmt.Sprintf("L%02d", i), fmt.Sprint(100000+j*1000), day0.Add(time.Duration(j)*time.Hour)))
		}
	}

	// Two overlapping runs on the same store must still leave one open
	// version per listing.
	var wg sync.WaitGroup
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.Ingest(context.Background(), recs); err != nil {
				t.Errorf("Ingest: %v", err)
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 40; i++ {
		h := history(t, s, fmt.Sprintf("L%02d", i))
		if len(h) != 5 {
			t.Errorf("L%02d: got %d versions, want 5", i, len(h))
		}
		checkIntervals(t, h)
	}
	if n := s.Counts()["location"]; n != 1 {
		t.Errorf("location rows: got %d, want 1", n)
	}
}

// flakyStore lets the first skip transactions through, then fails the next
// failures ones with a storage conflict.
type flakyStore struct {
	*storage.MemoryStore
	skip     int64
	failures int64
	calls    atomic.Int64
}

func (f *flakyStore) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	if n := f.calls.Add(1); n > f.skip && n <= f.skip+f.failures {
		return fmt.Errorf("simulated serialization failure: %w", models.ErrConflict)
	}
	return f.MemoryStore.WithTx(ctx, fn)
}

func TestIngestRetriesConflicts(t *testing.T) {
	s := &flakyStore{MemoryStore: storage.NewMemoryStore(), failures: 2}
	o := newTestOrchestrator(s)

	res := mustIngest(t, o, record("L1", "200000", day0))
	if res.Rejected != 0 || res.VersionsOpened != 1 {
		t.Fatalf("conflicts should be retried away: %+v", res)
	}
	if got := s.calls.Load(); got != 3 {
		t.Errorf("attempts: got %d, want 3", got)
	}
}

func TestIngestReportsExhaustedRetries(t *testing.T) {
	s := &flakyStore{MemoryStore: storage.NewMemoryStore(), failures: 100}
	o := newTestOrchestrator(s)

	res := mustIngest(t, o, record("L1", "200000", day0))
	if res.Rejected != 1 {
		t.Fatalf("expected one rejection: %+v", res)
	}
	if r := res.Rejections[0]; r.Kind != "conflict" || !r.Retryable {
		t.Errorf("rejection: %+v", r)
	}
}

func TestIngestHoldsBackSnapshotsAfterRetryableRejection(t *testing.T) {
	s := &flakyStore{MemoryStore: storage.NewMemoryStore(), skip: 1, failures: 3}
	o := newTestOrchestrator(s)

	t1 := day0.Add(24 * time.Hour)
	t2 := day0.Add(48 * time.Hour)
	batch := []*models.Record{
		record("L1", "200000", day0),
		record("L1", "210000", t1),
		record("L1", "220000", t2),
	}

	res := mustIngest(t, o, batch...)
	if res.VersionsOpened != 1 || res.Rejected != 2 {
		t.Fatalf("first run: %+v", res)
	}
	for _, r := range res.Rejections {
		if r.Kind != "conflict" || !r.Retryable {
			t.Errorf("rejection: %+v", r)
		}
	}
	if h := history(t, s, "L1"); len(h) != 1 || !h[0].IsOpen() {
		t.Fatalf("held back snapshots must not be applied: %+v", h)
	}

	res = mustIngest(t, o, batch...)
	if res.Rejected != 0 || res.NoOp != 1 || res.VersionsClosed != 2 {
		t.Fatalf("re-run should apply the held back snapshots: %+v", res)
	}
	h := history(t, s, "L1")
	if len(h) != 3 {
		t.Fatalf("versions: got %d, want 3", len(h))
	}
	for i, want := range []string{"200000", "210000", "220000"} {
		if !h[i].Attrs.Price.Decimal.Equal(dec(want).Decimal) {
			t.Errorf("version %d price: got %s, want %s", i, h[i].Attrs.Price.Decimal, want)
		}
	}
	checkIntervals(t, h)
}

// stallingStore blocks every transaction until its context is done.
type stallingStore struct {
	*storage.MemoryStore
}

func (s *stallingStore) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestIngestUnitTimeoutIsRetryable(t *testing.T) {
	s := &stallingStore{MemoryStore: storage.NewMemoryStore()}
	o := NewOrchestrator(s, newTestLogger(), nil, IngestOptions{
		MaxConcurrency: 2,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
		UnitTimeout:    10 * time.Millisecond,
	})

	res := mustIngest(t, o, record("L1", "200000", day0))
	if res.Rejected != 1 {
		t.Fatalf("expected one rejection: %+v", res)
	}
	if r := res.Rejections[0]; r.Kind != "timeout" || !r.Retryable {
		t.Errorf("rejection: %+v", r)
	}
}

func TestIngestCanceled(t *testing.T) {
	s := storage.NewMemoryStore()
	o := newTestOrchestrator(s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := o.Ingest(ctx, []*models.Record{record("L1", "1", day0), record("L2", "1", day0)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if res.Rejected != 2 {
		t.Fatalf("unstarted listings should be rejected: %+v", res)
	}
	for _, r := range res.Rejections {
		if !r.Retryable || r.Kind != "canceled" {
			t.Errorf("rejection: %+v", r)
		}
	}
	if n := s.Counts()["listing"]; n != 0 {
		t.Errorf("nothing should be written, got %d listings", n)
	}
}
