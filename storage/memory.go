package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"listing-history/models"
)

// MemoryStore is an in-process Store. Transactions are serialized behind one
// mutex and rolled back through an undo log; the open-version index plays
// the role of the partial unique index on listing_version.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState

	current atomic.Pointer[[]models.CurrentListing]

	constraints map[string]Constraint
	metrics     map[string]models.DailyMetrics
}

type subtypeKey struct {
	itemTypeID int64
	code       string
}

type locationKey struct {
	cityID    int64
	zipcodeID int64
}

type memState struct {
	seq map[string]int64

	transactionTypes map[string]int64
	itemTypes        map[string]int64
	itemSubtypes     map[subtypeKey]int64
	subtypeParent    map[int64]int64
	cities           map[string]int64
	cityNames        map[int64]string
	zipcodes         map[string]int64
	zipcodeCodes     map[int64]string
	locations        map[locationKey]int64
	locationParts    map[int64]locationKey

	listings     map[int64]*models.Listing
	listingByExt map[string]int64

	versions          map[int64]*models.ListingVersion
	versionsByListing map[int64][]int64
	openVersion       map[int64]int64

	descriptions map[int64]models.ListingDescription
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		state: &memState{
			seq:               make(map[string]int64),
			transactionTypes:  make(map[string]int64),
			itemTypes:         make(map[string]int64),
			itemSubtypes:      make(map[subtypeKey]int64),
			subtypeParent:     make(map[int64]int64),
			cities:            make(map[string]int64),
			cityNames:         make(map[int64]string),
			zipcodes:          make(map[string]int64),
			zipcodeCodes:      make(map[int64]string),
			locations:         make(map[locationKey]int64),
			locationParts:     make(map[int64]locationKey),
			listings:          make(map[int64]*models.Listing),
			listingByExt:      make(map[string]int64),
			versions:          make(map[int64]*models.ListingVersion),
			versionsByListing: make(map[int64][]int64),
			openVersion:       make(map[int64]int64),
			descriptions:      make(map[int64]models.ListingDescription),
		},
		constraints: make(map[string]Constraint),
		metrics:     make(map[string]models.DailyMetrics),
	}
	empty := []models.CurrentListing{}
	s.current.Store(&empty)
	return s
}

func (s *MemoryStore) EnsureSchema(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// WithTx runs fn with exclusive access to the store and undoes every write
// fn made when it returns an error.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s, st: s.state}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

type memTx struct {
	store *MemoryStore
	st    *memState
	undo  []func()
}

func (t *memTx) onRollback(f func()) {
	t.undo = append(t.undo, f)
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) next(table string) int64 {
	t.st.seq[table]++
	id := t.st.seq[table]
	t.onRollback(func() { t.st.seq[table]-- })
	return id
}

func (t *memTx) upsertCode(table string, m map[string]int64, code string, onInsert func(id int64)) int64 {
	if id, ok := m[code]; ok {
		return id
	}
	id := t.next(table)
	m[code] = id
	if onInsert != nil {
		onInsert(id)
	}
	t.onRollback(func() { delete(m, code) })
	return id
}

func (t *memTx) UpsertTransactionType(ctx context.Context, code string) (int64, error) {
	return t.upsertCode("transaction_type", t.st.transactionTypes, code, nil), nil
}

func (t *memTx) UpsertItemType(ctx context.Context, code string) (int64, error) {
	return t.upsertCode("item_type", t.st.itemTypes, code, nil), nil
}

func (t *memTx) UpsertItemSubtype(ctx context.Context, itemTypeID int64, code string) (int64, error) {
	key := subtypeKey{itemTypeID: itemTypeID, code: code}
	if id, ok := t.st.itemSubtypes[key]; ok {
		return id, nil
	}
	id := t.next("item_subtype")
	t.st.itemSubtypes[key] = id
	t.st.subtypeParent[id] = itemTypeID
	t.onRollback(func() {
		delete(t.st.itemSubtypes, key)
		delete(t.st.subtypeParent, id)
	})
	return id, nil
}

func (t *memTx) UpsertCity(ctx context.Context, name string) (int64, error) {
	return t.upsertCode("city", t.st.cities, name, func(id int64) {
		t.st.cityNames[id] = name
		t.onRollback(func() { delete(t.st.cityNames, id) })
	}), nil
}

func (t *memTx) UpsertZipcode(ctx context.Context, code string) (int64, error) {
	return t.upsertCode("zipcode", t.st.zipcodes, code, func(id int64) {
		t.st.zipcodeCodes[id] = code
		t.onRollback(func() { delete(t.st.zipcodeCodes, id) })
	}), nil
}

func (t *memTx) UpsertLocation(ctx context.Context, cityID, zipcodeID int64) (int64, error) {
	key := locationKey{cityID: cityID, zipcodeID: zipcodeID}
	if id, ok := t.st.locations[key]; ok {
		return id, nil
	}
	id := t.next("location")
	t.st.locations[key] = id
	t.st.locationParts[id] = key
	t.onRollback(func() {
		delete(t.st.locations, key)
		delete(t.st.locationParts, id)
	})
	return id, nil
}

func (t *memTx) FindListing(ctx context.Context, externalID string) (*models.Listing, error) {
	id, ok := t.st.listingByExt[externalID]
	if !ok {
		return nil, nil
	}
	l := *t.st.listings[id]
	return &l, nil
}

func (t *memTx) InsertListing(ctx context.Context, l *models.Listing) (int64, error) {
	if _, ok := t.st.listingByExt[l.ExternalID]; ok {
		return 0, fmt.Errorf("listing %q already exists: %w", l.ExternalID, models.ErrConflict)
	}
	row := *l
	row.ItemTypeID = t.st.subtypeParent[l.ItemSubtypeID]
	if err := t.store.enforce("listing", &models.CurrentListing{ExternalID: row.ExternalID, Stable: row.Stable}, true); err != nil {
		return 0, err
	}

	row.ID = t.next("listing")
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	t.st.listings[row.ID] = &row
	t.st.listingByExt[row.ExternalID] = row.ID
	t.onRollback(func() {
		delete(t.st.listings, row.ID)
		delete(t.st.listingByExt, row.ExternalID)
	})
	return row.ID, nil
}

func (t *memTx) OpenVersion(ctx context.Context, listingID int64) (*models.ListingVersion, error) {
	id, ok := t.st.openVersion[listingID]
	if !ok {
		return nil, nil
	}
	v := *t.st.versions[id]
	return &v, nil
}

func (t *memTx) VersionCovering(ctx context.Context, listingID int64, at time.Time) (*models.ListingVersion, error) {
	for _, id := range t.st.versionsByListing[listingID] {
		v := t.st.versions[id]
		if v.ValidFrom.After(at) {
			continue
		}
		if v.ValidTo == nil || v.ValidTo.After(at) {
			c := *v
			return &c, nil
		}
	}
	return nil, nil
}

func (t *memTx) CloseVersion(ctx context.Context, versionID int64, validTo time.Time) error {
	v, ok := t.st.versions[versionID]
	if !ok || !v.IsOpen() {
		return fmt.Errorf("version %d is not open: %w", versionID, models.ErrInvariantViolation)
	}
	if !v.ValidFrom.Before(validTo) {
		return fmt.Errorf("version %d: valid_to %s not after valid_from %s: %w",
			versionID, validTo.Format(time.RFC3339), v.ValidFrom.Format(time.RFC3339), models.ErrInvariantViolation)
	}
	l := t.st.listings[v.ListingID]
	if err := t.store.enforce("listing_version", &models.CurrentListing{ID: l.ID, ExternalID: l.ExternalID, Attrs: v.Attrs}, false); err != nil {
		return err
	}
	to := validTo
	v.ValidTo = &to
	delete(t.st.openVersion, v.ListingID)
	t.onRollback(func() {
		v.ValidTo = nil
		t.st.openVersion[v.ListingID] = versionID
	})
	return nil
}

func (t *memTx) InsertVersion(ctx context.Context, v *models.ListingVersion) (int64, error) {
	if v.IsOpen() {
		if existing, ok := t.st.openVersion[v.ListingID]; ok {
			return 0, fmt.Errorf("listing %d already has open version %d: %w (%w)",
				v.ListingID, existing, models.ErrConflict, models.ErrInvariantViolation)
		}
	}
	l := t.st.listings[v.ListingID]
	if l == nil {
		return 0, fmt.Errorf("version for unknown listing %d", v.ListingID)
	}
	if err := t.store.enforce("listing_version", &models.CurrentListing{ID: l.ID, ExternalID: l.ExternalID, Attrs: v.Attrs}, v.IsOpen()); err != nil {
		return 0, err
	}

	row := *v
	row.ID = t.next("listing_version")
	t.st.versions[row.ID] = &row
	t.st.versionsByListing[row.ListingID] = append(t.st.versionsByListing[row.ListingID], row.ID)
	if row.IsOpen() {
		t.st.openVersion[row.ListingID] = row.ID
	}
	t.onRollback(func() {
		delete(t.st.versions, row.ID)
		ids := t.st.versionsByListing[row.ListingID]
		t.st.versionsByListing[row.ListingID] = ids[:len(ids)-1]
		if row.IsOpen() {
			delete(t.st.openVersion, row.ListingID)
		}
	})
	return row.ID, nil
}

func (t *memTx) UpsertDescription(ctx context.Context, d *models.ListingDescription) error {
	prev, existed := t.st.descriptions[d.ListingID]
	t.st.descriptions[d.ListingID] = *d
	t.onRollback(func() {
		if existed {
			t.st.descriptions[d.ListingID] = prev
		} else {
			delete(t.st.descriptions, d.ListingID)
		}
	})
	return nil
}

// enforce applies the declared constraints of table to a row being inserted
// or updated, the way a NOT VALID check constraint guards written rows only.
// open tells whether the row has valid_to IS NULL after the write.
func (s *MemoryStore) enforce(table string, row *models.CurrentListing, open bool) error {
	for _, c := range s.constraints {
		if c.Table != table || c.Holds == nil {
			continue
		}
		if c.OpenRowsOnly && !open {
			continue
		}
		if !c.Holds(row) {
			return fmt.Errorf("%s violates %s: %w", row.ExternalID, c.Name, models.ErrConstraintViolation)
		}
	}
	return nil
}

func (s *MemoryStore) ConstraintExists(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.constraints[name]
	return ok, nil
}

func (s *MemoryStore) CreateConstraint(ctx context.Context, c Constraint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.constraints[c.Name]; ok {
		return fmt.Errorf("constraint %q already exists", c.Name)
	}
	s.constraints[c.Name] = c
	return nil
}

// RefreshCurrent builds a new projection off to the side and swaps it in.
func (s *MemoryStore) RefreshCurrent(ctx context.Context) error {
	s.mu.Lock()
	rows := s.buildCurrent()
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrRefreshFailure, err)
	}
	s.current.Store(&rows)
	return nil
}

func (s *MemoryStore) buildCurrent() []models.CurrentListing {
	st := s.state
	rows := make([]models.CurrentListing, 0, len(st.openVersion))
	for listingID, versionID := range st.openVersion {
		l := st.listings[listingID]
		v := st.versions[versionID]
		loc := st.locationParts[l.LocationID]
		desc, hasDesc := st.descriptions[listingID]

		rows = append(rows, models.CurrentListing{
			ID:                l.ID,
			ExternalID:        l.ExternalID,
			TransactionTypeID: l.TransactionTypeID,
			ItemTypeID:        st.subtypeParent[l.ItemSubtypeID],
			ItemSubtypeID:     l.ItemSubtypeID,
			LocationID:        l.LocationID,
			Stable:            l.Stable,
			Attrs:             v.Attrs,
			ValidFrom:         v.ValidFrom,
			City:              st.cityNames[loc.cityID],
			Zipcode:           st.zipcodeCodes[loc.zipcodeID],
			HasDescription:    hasDesc && strings.TrimSpace(desc.Body) != "",
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows
}

func (s *MemoryStore) CurrentSnapshot(ctx context.Context) ([]models.CurrentListing, error) {
	rows := *s.current.Load()
	out := make([]models.CurrentListing, len(rows))
	copy(out, rows)
	return out, nil
}

func (s *MemoryStore) VersionHistory(ctx context.Context, externalID string) ([]models.ListingVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.state.listingByExt[externalID]
	if !ok {
		return nil, nil
	}
	var out []models.ListingVersion
	for _, vid := range s.state.versionsByListing[id] {
		out = append(out, *s.state.versions[vid])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValidFrom.Before(out[j].ValidFrom) })
	return out, nil
}

func (s *MemoryStore) UpsertDailyMetrics(ctx context.Context, m *models.DailyMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[m.MetricDate.Format("2006-01-02")] = *m
	return nil
}

func (s *MemoryStore) DailyMetrics(ctx context.Context, day time.Time) (*models.DailyMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metrics[day.Format("2006-01-02")]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

// MetricsRows returns the number of stored dq_daily_metrics rows.
func (s *MemoryStore) MetricsRows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.metrics)
}

// Description returns the stored description of a listing.
func (s *MemoryStore) Description(externalID string) (models.ListingDescription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.state.listingByExt[externalID]
	if !ok {
		return models.ListingDescription{}, false
	}
	d, ok := s.state.descriptions[id]
	return d, ok
}

// Counts reports the dimension row counts, keyed by table name.
func (s *MemoryStore) Counts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	return map[string]int{
		"transaction_type": len(st.transactionTypes),
		"item_type":        len(st.itemTypes),
		"item_subtype":     len(st.itemSubtypes),
		"city":             len(st.cities),
		"zipcode":          len(st.zipcodes),
		"location":         len(st.locations),
		"listing":          len(st.listings),
		"listing_version":  len(st.versions),
	}
}

func (s *MemoryStore) Diagnostics(ctx context.Context) (*models.Diagnostics, error) {
	s.mu.Lock()
	d := &models.Diagnostics{
		VersionRows:     int64(len(s.state.versions)),
		DescriptionRows: int64(len(s.state.descriptions)),
	}
	for _, v := range s.state.versions {
		if v.Attrs.TerraceArea.Valid {
			d.VersionTerraceSet++
		} else {
			d.VersionTerraceNull++
		}
	}
	s.mu.Unlock()

	for _, r := range *s.current.Load() {
		d.CurrentRows++
		if r.Attrs.TerraceArea.Valid {
			d.CurrentTerraceSet++
		} else {
			d.CurrentTerraceNull++
		}
	}
	return d, nil
}
