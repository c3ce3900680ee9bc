package storage

// schemaDDL is safe to re-run: every statement is IF NOT EXISTS.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS transaction_type (
	transaction_type_id SERIAL PRIMARY KEY,
	code                TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS item_type (
	item_type_id SERIAL PRIMARY KEY,
	code         TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS item_subtype (
	item_subtype_id SERIAL PRIMARY KEY,
	item_type_id    INT  NOT NULL REFERENCES item_type (item_type_id),
	code            TEXT NOT NULL,
	UNIQUE (item_type_id, code)
);

CREATE TABLE IF NOT EXISTS city (
	city_id BIGSERIAL PRIMARY KEY,
	name    TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS zipcode (
	zipcode_id BIGSERIAL PRIMARY KEY,
	code       TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS location (
	location_id BIGSERIAL PRIMARY KEY,
	city_id     BIGINT NOT NULL REFERENCES city (city_id),
	zipcode_id  BIGINT NOT NULL REFERENCES zipcode (zipcode_id),
	UNIQUE (city_id, zipcode_id)
);

CREATE TABLE IF NOT EXISTS listing (
	id                  BIGSERIAL PRIMARY KEY,
	external_listing_id TEXT        NOT NULL UNIQUE,
	transaction_type_id INT         NOT NULL REFERENCES transaction_type (transaction_type_id),
	item_subtype_id     INT         NOT NULL REFERENCES item_subtype (item_subtype_id),
	location_id         BIGINT      NOT NULL REFERENCES location (location_id),
	build_year          SMALLINT,
	is_new_construction BOOLEAN,
	has_passenger_lift  BOOLEAN,
	has_cellar          BOOLEAN,
	is_furnished        BOOLEAN,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS listing_version (
	version_id       BIGSERIAL PRIMARY KEY,
	listing_id       BIGINT      NOT NULL REFERENCES listing (id),
	valid_from       TIMESTAMPTZ NOT NULL,
	valid_to         TIMESTAMPTZ,
	price            NUMERIC,
	area             NUMERIC,
	site_area        NUMERIC,
	floor            SMALLINT,
	room_count       SMALLINT,
	balcony_count    SMALLINT,
	terrace_count    SMALLINT,
	terrace_area     NUMERIC,
	source_change_ts TIMESTAMPTZ,
	CONSTRAINT chk_listing_version_interval CHECK (valid_to IS NULL OR valid_from < valid_to)
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_listing_version_open
	ON listing_version (listing_id) WHERE valid_to IS NULL;
CREATE INDEX IF NOT EXISTS idx_listing_version_history
	ON listing_version (listing_id, valid_from);

CREATE TABLE IF NOT EXISTS listing_description (
	listing_id BIGINT PRIMARY KEY REFERENCES listing (id),
	lang       TEXT NOT NULL,
	body       TEXT
);

CREATE MATERIALIZED VIEW IF NOT EXISTS listing_current AS
SELECT
	l.id,
	l.external_listing_id,
	l.transaction_type_id,
	st.item_type_id,
	l.item_subtype_id,
	l.location_id,
	l.build_year,
	l.is_new_construction,
	l.has_passenger_lift,
	l.has_cellar,
	l.is_furnished,
	v.price,
	v.area,
	v.site_area,
	v.floor,
	v.room_count,
	v.balcony_count,
	v.terrace_count,
	v.terrace_area,
	v.valid_from
FROM listing l
JOIN listing_version v ON v.listing_id = l.id AND v.valid_to IS NULL
JOIN item_subtype st   ON st.item_subtype_id = l.item_subtype_id;

CREATE UNIQUE INDEX IF NOT EXISTS ux_listing_current_id ON listing_current (id);

CREATE TABLE IF NOT EXISTS dq_daily_metrics (
	metric_date          DATE PRIMARY KEY,
	total_current        BIGINT NOT NULL,
	p50_price            DOUBLE PRECISION,
	p95_price            DOUBLE PRECISION,
	p50_area             DOUBLE PRECISION,
	p95_area             DOUBLE PRECISION,
	zip5_coverage        DOUBLE PRECISION,
	terrace_area_nonnull BIGINT NOT NULL,
	description_nonempty BIGINT NOT NULL
);
`
