package storage

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"listing-history/models"
)

// ExpectedHeaders is the column set the cleaning step writes.
var ExpectedHeaders = []string{
	"listing_id", "transaction_type", "item_type", "item_subtype",
	"start_date", "change_date",
	"price", "area", "site_area", "floor", "room_count", "balcony_count", "terrace_count", "terrace_area",
	"build_year", "is_new_construction", "has_passenger_lift", "has_cellar", "is_furnished",
	"city", "zipcode", "description_fr",
}

var (
	truthy = map[string]bool{"true": true, "t": true, "1": true, "yes": true, "y": true, "oui": true}
	falsy  = map[string]bool{"false": true, "f": true, "0": true, "no": true, "n": true, "non": true}

	timeLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02",
	}
)

// RowError describes a CSV row that could not be turned into a record.
type RowError struct {
	Line int
	Err  error
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

// CSVReader reads the cleaned listings CSV into records.
type CSVReader struct {
	file    *os.File
	reader  *csv.Reader
	runTime time.Time
}

// NewCSVReader opens the cleaned CSV at path. runTime is the snapshot time
// used for rows that carry neither a change date nor a start date.
func NewCSVReader(path string, runTime time.Time) (*CSVReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("csv: open %q: %w", path, err)
	}
	return newCSVReader(f, runTime), nil
}

func newCSVReader(f *os.File, runTime time.Time) *CSVReader {
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	return &CSVReader{file: f, reader: r, runTime: runTime.UTC()}
}

// ReadAll parses every row. Rows that fail to parse are returned as RowErrors
// next to the records that did; a malformed header fails the whole read.
func (c *CSVReader) ReadAll() ([]*models.Record, []RowError, error) {
	header, err := c.reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("csv: read header: %w", err)
	}
	cols, err := mapHeaders(header)
	if err != nil {
		return nil, nil, err
	}

	var records []*models.Record
	var rowErrs []RowError
	for {
		row, err := c.reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				rowErrs = append(rowErrs, RowError{Line: pe.Line, Err: pe.Err})
				continue
			}
			return records, rowErrs, fmt.Errorf("csv: read: %w", err)
		}
		line, _ := c.reader.FieldPos(0)
		rec, err := c.parseRow(cols, row)
		if err != nil {
			rowErrs = append(rowErrs, RowError{Line: line, Err: err})
			continue
		}
		rec.Line = line
		records = append(records, rec)
	}
	return records, rowErrs, nil
}

// Close closes the underlying file.
func (c *CSVReader) Close() error {
	return c.file.Close()
}

func mapHeaders(header []string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	var missing []string
	for _, want := range ExpectedHeaders {
		if _, ok := idx[want]; !ok {
			missing = append(missing, want)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("csv: missing expected headers: %v", missing)
	}
	return idx, nil
}

type rowParser struct {
	cols map[string]int
	row  []string
	err  error
}

func (p *rowParser) str(col string) string {
	i := p.cols[col]
	if i >= len(p.row) {
		return ""
	}
	return strings.TrimSpace(p.row[i])
}

func (p *rowParser) fail(col string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("column %s: %w", col, err)
	}
}

func (p *rowParser) decimal(col string) decimal.NullDecimal {
	s := p.str(col)
	if s == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		p.fail(col, err)
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func (p *rowParser) int(col string) *int {
	s := p.str(col)
	if s == "" {
		return nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return &n
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.Equal(d.Truncate(0)) {
		p.fail(col, fmt.Errorf("not an integer: %q", s))
		return nil
	}
	n := int(d.IntPart())
	return &n
}

func (p *rowParser) bool(col string) *bool {
	s := strings.ToLower(p.str(col))
	switch {
	case s == "":
		return nil
	case truthy[s]:
		v := true
		return &v
	case falsy[s]:
		v := false
		return &v
	}
	return nil
}

func (p *rowParser) time(col string) *time.Time {
	s := p.str(col)
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	p.fail(col, fmt.Errorf("unrecognised timestamp %q", s))
	return nil
}

func (c *CSVReader) parseRow(cols map[string]int, row []string) (*models.Record, error) {
	p := &rowParser{cols: cols, row: row}

	rec := &models.Record{
		ExternalID:      p.str("listing_id"),
		TransactionType: p.str("transaction_type"),
		ItemType:        p.str("item_type"),
		ItemSubtype:     p.str("item_subtype"),
		City:            p.str("city"),
		Zipcode:         p.str("zipcode"),
		Description:     p.str("description_fr"),
		Stable: models.StableAttrs{
			BuildYear:         p.int("build_year"),
			IsNewConstruction: p.bool("is_new_construction"),
			HasPassengerLift:  p.bool("has_passenger_lift"),
			HasCellar:         p.bool("has_cellar"),
			IsFurnished:       p.bool("is_furnished"),
		},
		Mutable: models.MutableAttrs{
			Price:        p.decimal("price"),
			Area:         p.decimal("area"),
			SiteArea:     p.decimal("site_area"),
			Floor:        p.int("floor"),
			RoomCount:    p.int("room_count"),
			BalconyCount: p.int("balcony_count"),
			TerraceCount: p.int("terrace_count"),
			TerraceArea:  p.decimal("terrace_area"),
		},
	}

	changeAt := p.time("change_date")
	startAt := p.time("start_date")
	if p.err != nil {
		return nil, p.err
	}
	if rec.ExternalID == "" {
		return nil, fmt.Errorf("column listing_id: empty")
	}

	rec.SourceChangeAt = changeAt
	switch {
	case changeAt != nil:
		rec.SnapshotAt = *changeAt
	case startAt != nil:
		rec.SnapshotAt = *startAt
	default:
		rec.SnapshotAt = c.runTime
	}
	return rec, nil
}
