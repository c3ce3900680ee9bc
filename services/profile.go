package services

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"listing-history/models"
)

// Profile computes the daily metrics row for a current snapshot. Price and
// area percentiles ignore NULLs and interpolate linearly between ranks, the
// way percentile_cont does; they are nil when no value is present.
func Profile(rows []models.CurrentListing, day time.Time) models.DailyMetrics {
	m := models.DailyMetrics{
		MetricDate:   MetricDate(day),
		TotalCurrent: int64(len(rows)),
	}
	if len(rows) == 0 {
		return m
	}

	var prices, areas []float64
	var zip5 int
	for i := range rows {
		r := &rows[i]
		if v, ok := floatOf(r.Attrs.Price); ok {
			prices = append(prices, v)
		}
		if v, ok := floatOf(r.Attrs.Area); ok {
			areas = append(areas, v)
		}
		if IsZip5(r.Zipcode) {
			zip5++
		}
		if r.Attrs.TerraceArea.Valid {
			m.TerraceAreaNonNull++
		}
		if r.HasDescription {
			m.DescriptionNonEmpty++
		}
	}

	sort.Float64s(prices)
	sort.Float64s(areas)
	m.P50Price = percentile(prices, 0.50)
	m.P95Price = percentile(prices, 0.95)
	m.P50Area = percentile(areas, 0.50)
	m.P95Area = percentile(areas, 0.95)

	coverage := float64(zip5) / float64(len(rows))
	m.Zip5Coverage = &coverage
	return m
}

// MetricDate truncates t to its UTC calendar date.
func MetricDate(t time.Time) time.Time {
	y, mo, d := t.UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

// percentile returns the p-th continuous percentile of sorted, or nil when
// sorted is empty.
func percentile(sorted []float64, p float64) *float64 {
	if len(sorted) == 0 {
		return nil
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	v := sorted[lo] + (pos-float64(lo))*(sorted[hi]-sorted[lo])
	return &v
}

func floatOf(d decimal.NullDecimal) (float64, bool) {
	if !d.Valid {
		return 0, false
	}
	return d.Decimal.InexactFloat64(), true
}
