package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"listing-history/models"
	"listing-history/utils"
)

// PostgresStore is the Store backed by PostgreSQL.
type PostgresStore struct {
	db  *sql.DB
	log *utils.Logger
}

// NewPostgresStore opens a connection pool, waits for the server to accept
// connections and returns a ready-to-use PostgresStore. The schema is not
// touched until EnsureSchema is called.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int, log *utils.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	for i := 0; i < 10; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		log.Warn("[postgres] ping failed (attempt %d/10): %v", i+1, err)
		select {
		case <-ctx.Done():
			db.Close()
			return nil, fmt.Errorf("postgres: ping: %w", ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping failed after retries: %w", err)
	}

	return &PostgresStore{db: db, log: log}, nil
}

// EnsureSchema creates the tables, indexes and the listing_current view.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// WithTx runs fn in a READ COMMITTED transaction. Row locks taken by
// OpenVersion keep concurrent writers of one listing apart.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify(fmt.Errorf("postgres: begin: %w", err))
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("postgres: commit: %w", err))
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

// getOrCreate runs an INSERT ... ON CONFLICT DO NOTHING RETURNING id and
// falls back to selecting the row a concurrent writer created first.
func (t *pgTx) getOrCreate(ctx context.Context, insertSQL, selectSQL string, args ...any) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, insertSQL, args...).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	if err := t.tx.QueryRowContext(ctx, selectSQL, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (t *pgTx) UpsertTransactionType(ctx context.Context, code string) (int64, error) {
	return t.getOrCreate(ctx,
		`INSERT INTO transaction_type (code) VALUES ($1) ON CONFLICT (code) DO NOTHING RETURNING transaction_type_id`,
		`SELECT transaction_type_id FROM transaction_type WHERE code = $1`,
		code)
}

func (t *pgTx) UpsertItemType(ctx context.Context, code string) (int64, error) {
	return t.getOrCreate(ctx,
		`INSERT INTO item_type (code) VALUES ($1) ON CONFLICT (code) DO NOTHING RETURNING item_type_id`,
		`SELECT item_type_id FROM item_type WHERE code = $1`,
		code)
}

func (t *pgTx) UpsertItemSubtype(ctx context.Context, itemTypeID int64, code string) (int64, error) {
	return t.getOrCreate(ctx,
		`INSERT INTO item_subtype (item_type_id, code) VALUES ($1, $2)
		 ON CONFLICT (item_type_id, code) DO NOTHING RETURNING item_subtype_id`,
		`SELECT item_subtype_id FROM item_subtype WHERE item_type_id = $1 AND code = $2`,
		itemTypeID, code)
}

func (t *pgTx) UpsertCity(ctx context.Context, name string) (int64, error) {
	return t.getOrCreate(ctx,
		`INSERT INTO city (name) VALUES ($1) ON CONFLICT (name) DO NOTHING RETURNING city_id`,
		`SELECT city_id FROM city WHERE name = $1`,
		name)
}

func (t *pgTx) UpsertZipcode(ctx context.Context, code string) (int64, error) {
	return t.getOrCreate(ctx,
		`INSERT INTO zipcode (code) VALUES ($1) ON CONFLICT (code) DO NOTHING RETURNING zipcode_id`,
		`SELECT zipcode_id FROM zipcode WHERE code = $1`,
		code)
}

func (t *pgTx) UpsertLocation(ctx context.Context, cityID, zipcodeID int64) (int64, error) {
	return t.getOrCreate(ctx,
		`INSERT INTO location (city_id, zipcode_id) VALUES ($1, $2)
		 ON CONFLICT (city_id, zipcode_id) DO NOTHING RETURNING location_id`,
		`SELECT location_id FROM location WHERE city_id = $1 AND zipcode_id = $2`,
		cityID, zipcodeID)
}

func (t *pgTx) FindListing(ctx context.Context, externalID string) (*models.Listing, error) {
	l := &models.Listing{}
	err := t.tx.QueryRowContext(ctx, `
		SELECT l.id, l.external_listing_id, l.transaction_type_id, st.item_type_id, l.item_subtype_id,
		       l.location_id, l.build_year, l.is_new_construction, l.has_passenger_lift,
		       l.has_cellar, l.is_furnished, l.created_at
		FROM listing l
		JOIN item_subtype st ON st.item_subtype_id = l.item_subtype_id
		WHERE l.external_listing_id = $1
	`, externalID).Scan(
		&l.ID, &l.ExternalID, &l.TransactionTypeID, &l.ItemTypeID, &l.ItemSubtypeID,
		&l.LocationID, &l.Stable.BuildYear, &l.Stable.IsNewConstruction, &l.Stable.HasPassengerLift,
		&l.Stable.HasCellar, &l.Stable.IsFurnished, &l.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find listing %q: %w", externalID, err)
	}
	return l, nil
}

func (t *pgTx) InsertListing(ctx context.Context, l *models.Listing) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO listing (external_listing_id, transaction_type_id, item_subtype_id, location_id,
		                     build_year, is_new_construction, has_passenger_lift, has_cellar, is_furnished)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (external_listing_id) DO NOTHING
		RETURNING id
	`, l.ExternalID, l.TransactionTypeID, l.ItemSubtypeID, l.LocationID,
		l.Stable.BuildYear, l.Stable.IsNewConstruction, l.Stable.HasPassengerLift,
		l.Stable.HasCellar, l.Stable.IsFurnished,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("listing %q already exists: %w", l.ExternalID, models.ErrConflict)
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: insert listing %q: %w", l.ExternalID, err)
	}
	return id, nil
}

func (t *pgTx) OpenVersion(ctx context.Context, listingID int64) (*models.ListingVersion, error) {
	// The listing row lock also covers listings that have no version yet.
	if _, err := t.tx.ExecContext(ctx, `SELECT 1 FROM listing WHERE id = $1 FOR UPDATE`, listingID); err != nil {
		return nil, fmt.Errorf("postgres: lock listing %d: %w", listingID, err)
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM listing_version
		WHERE listing_id = $1 AND valid_to IS NULL
		FOR UPDATE
	`, listingID)
	if err != nil {
		return nil, fmt.Errorf("postgres: open version %d: %w", listingID, err)
	}
	defer rows.Close()

	var open []*models.ListingVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		open = append(open, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(open) {
	case 0:
		return nil, nil
	case 1:
		return open[0], nil
	}
	return nil, fmt.Errorf("listing %d has %d open versions: %w", listingID, len(open), models.ErrInvariantViolation)
}

func (t *pgTx) VersionCovering(ctx context.Context, listingID int64, at time.Time) (*models.ListingVersion, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM listing_version
		WHERE listing_id = $1 AND valid_from <= $2 AND (valid_to IS NULL OR valid_to > $2)
		ORDER BY valid_from DESC
		LIMIT 1
	`, listingID, at)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

func (t *pgTx) CloseVersion(ctx context.Context, versionID int64, validTo time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE listing_version SET valid_to = $2
		WHERE version_id = $1 AND valid_to IS NULL
	`, versionID, validTo)
	if err != nil {
		return fmt.Errorf("postgres: close version %d: %w", versionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("version %d is not open: %w", versionID, models.ErrInvariantViolation)
	}
	return nil
}

func (t *pgTx) InsertVersion(ctx context.Context, v *models.ListingVersion) (int64, error) {
	a := v.Attrs
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO listing_version (listing_id, valid_from, valid_to, price, area, site_area, floor,
		                             room_count, balcony_count, terrace_count, terrace_area, source_change_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING version_id
	`, v.ListingID, v.ValidFrom, v.ValidTo, a.Price, a.Area, a.SiteArea, a.Floor,
		a.RoomCount, a.BalconyCount, a.TerraceCount, a.TerraceArea, v.SourceChangeAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: insert version for listing %d: %w", v.ListingID, err)
	}
	return id, nil
}

func (t *pgTx) UpsertDescription(ctx context.Context, d *models.ListingDescription) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO listing_description (listing_id, lang, body)
		VALUES ($1, $2, $3)
		ON CONFLICT (listing_id) DO UPDATE SET lang = EXCLUDED.lang, body = EXCLUDED.body
	`, d.ListingID, d.Lang, d.Body)
	if err != nil {
		return fmt.Errorf("postgres: upsert description %d: %w", d.ListingID, err)
	}
	return nil
}

const versionColumns = `version_id, listing_id, valid_from, valid_to, price, area, site_area, floor,
	room_count, balcony_count, terrace_count, terrace_area, source_change_ts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(r rowScanner) (*models.ListingVersion, error) {
	v := &models.ListingVersion{}
	a := &v.Attrs
	if err := r.Scan(
		&v.ID, &v.ListingID, &v.ValidFrom, &v.ValidTo, &a.Price, &a.Area, &a.SiteArea, &a.Floor,
		&a.RoomCount, &a.BalconyCount, &a.TerraceCount, &a.TerraceArea, &v.SourceChangeAt,
	); err != nil {
		return nil, fmt.Errorf("postgres: scan version: %w", err)
	}
	v.ValidFrom = v.ValidFrom.UTC()
	if v.ValidTo != nil {
		to := v.ValidTo.UTC()
		v.ValidTo = &to
	}
	return v, nil
}

// RefreshCurrent refreshes listing_current concurrently so readers keep the
// old rows until the new ones are in place. If the concurrent form is
// refused it falls back to a blocking refresh.
func (s *PostgresStore) RefreshCurrent(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY listing_current`)
	if err == nil {
		return nil
	}
	s.log.Warn("[postgres] concurrent refresh failed, falling back to plain refresh: %v", err)
	if _, err := s.db.ExecContext(ctx, `REFRESH MATERIALIZED VIEW listing_current`); err != nil {
		return fmt.Errorf("%w: %v", models.ErrRefreshFailure, err)
	}
	return nil
}

func (s *PostgresStore) CurrentSnapshot(ctx context.Context) ([]models.CurrentListing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.external_listing_id, c.transaction_type_id, c.item_type_id, c.item_subtype_id,
		       c.location_id, c.build_year, c.is_new_construction, c.has_passenger_lift, c.has_cellar,
		       c.is_furnished, c.price, c.area, c.site_area, c.floor, c.room_count, c.balcony_count,
		       c.terrace_count, c.terrace_area, c.valid_from,
		       ci.name, z.code, COALESCE(BTRIM(d.body), '') <> ''
		FROM listing_current c
		JOIN location lo ON lo.location_id = c.location_id
		JOIN city ci     ON ci.city_id = lo.city_id
		JOIN zipcode z   ON z.zipcode_id = lo.zipcode_id
		LEFT JOIN listing_description d ON d.listing_id = c.id
		ORDER BY c.id
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: current snapshot: %w", err)
	}
	defer rows.Close()

	var out []models.CurrentListing
	for rows.Next() {
		var c models.CurrentListing
		st, a := &c.Stable, &c.Attrs
		if err := rows.Scan(
			&c.ID, &c.ExternalID, &c.TransactionTypeID, &c.ItemTypeID, &c.ItemSubtypeID,
			&c.LocationID, &st.BuildYear, &st.IsNewConstruction, &st.HasPassengerLift, &st.HasCellar,
			&st.IsFurnished, &a.Price, &a.Area, &a.SiteArea, &a.Floor, &a.RoomCount, &a.BalconyCount,
			&a.TerraceCount, &a.TerraceArea, &c.ValidFrom,
			&c.City, &c.Zipcode, &c.HasDescription,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan current row: %w", err)
		}
		c.ValidFrom = c.ValidFrom.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) VersionHistory(ctx context.Context, externalID string) ([]models.ListingVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM listing_version
		WHERE listing_id = (SELECT id FROM listing WHERE external_listing_id = $1)
		ORDER BY valid_from
	`, externalID)
	if err != nil {
		return nil, fmt.Errorf("postgres: version history %q: %w", externalID, err)
	}
	defer rows.Close()

	var out []models.ListingVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertDailyMetrics(ctx context.Context, m *models.DailyMetrics) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dq_daily_metrics (metric_date, total_current, p50_price, p95_price, p50_area, p95_area,
		                              zip5_coverage, terrace_area_nonnull, description_nonempty)
		VALUES ($1::date, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (metric_date) DO UPDATE SET
			total_current        = EXCLUDED.total_current,
			p50_price            = EXCLUDED.p50_price,
			p95_price            = EXCLUDED.p95_price,
			p50_area             = EXCLUDED.p50_area,
			p95_area             = EXCLUDED.p95_area,
			zip5_coverage        = EXCLUDED.zip5_coverage,
			terrace_area_nonnull = EXCLUDED.terrace_area_nonnull,
			description_nonempty = EXCLUDED.description_nonempty
	`, m.MetricDate.Format("2006-01-02"), m.TotalCurrent, m.P50Price, m.P95Price, m.P50Area, m.P95Area,
		m.Zip5Coverage, m.TerraceAreaNonNull, m.DescriptionNonEmpty)
	if err != nil {
		return fmt.Errorf("postgres: upsert daily metrics: %w", err)
	}
	return nil
}

func (s *PostgresStore) DailyMetrics(ctx context.Context, day time.Time) (*models.DailyMetrics, error) {
	m := &models.DailyMetrics{}
	err := s.db.QueryRowContext(ctx, `
		SELECT metric_date, total_current, p50_price, p95_price, p50_area, p95_area,
		       zip5_coverage, terrace_area_nonnull, description_nonempty
		FROM dq_daily_metrics
		WHERE metric_date = $1::date
	`, day.Format("2006-01-02")).Scan(
		&m.MetricDate, &m.TotalCurrent, &m.P50Price, &m.P95Price, &m.P50Area, &m.P95Area,
		&m.Zip5Coverage, &m.TerraceAreaNonNull, &m.DescriptionNonEmpty,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: daily metrics: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) Diagnostics(ctx context.Context) (*models.Diagnostics, error) {
	d := &models.Diagnostics{}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM listing_version),
			(SELECT COUNT(*) FROM listing_version WHERE terrace_area IS NOT NULL),
			(SELECT COUNT(*) FROM listing_current),
			(SELECT COUNT(*) FROM listing_current WHERE terrace_area IS NOT NULL),
			(SELECT COUNT(*) FROM listing_description)
	`).Scan(&d.VersionRows, &d.VersionTerraceSet, &d.CurrentRows, &d.CurrentTerraceSet, &d.DescriptionRows)
	if err != nil {
		return nil, fmt.Errorf("postgres: diagnostics: %w", err)
	}
	d.VersionTerraceNull = d.VersionRows - d.VersionTerraceSet
	d.CurrentTerraceNull = d.CurrentRows - d.CurrentTerraceSet
	return d, nil
}

func (s *PostgresStore) ConstraintExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = $1)`, name,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: constraint lookup %q: %w", name, err)
	}
	return exists, nil
}

// CreateConstraint adds c as NOT VALID, so existing rows are left for the
// violation report. PostgreSQL still checks NOT VALID constraints on UPDATE,
// which is why version rules are scoped to open rows.
func (s *PostgresStore) CreateConstraint(ctx context.Context, c Constraint) error {
	ddl := fmt.Sprintf(`ALTER TABLE %s ADD CONSTRAINT %s CHECK (%s) NOT VALID`,
		pq.QuoteIdentifier(c.Table), pq.QuoteIdentifier(c.Name), c.Definition())
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("postgres: create constraint %s: %w", c.Name, err)
	}
	return nil
}
