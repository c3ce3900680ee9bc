// Package metrics provides Prometheus metrics for the listing loader.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "listing_history"

// Metrics holds every loader metric. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Counters
	RecordsTotal  prometheus.Counter
	OutcomesTotal *prometheus.CounterVec
	RejectedTotal *prometheus.CounterVec
	RetriesTotal  prometheus.Counter

	// Gauges
	CurrentListings prometheus.Gauge
	Zip5Coverage    prometheus.Gauge
	QualityIssues   prometheus.Gauge
	Violations      prometheus.Gauge

	// Histograms
	UnitDuration    prometheus.Histogram
	BatchDuration   prometheus.Histogram
	RefreshDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.RecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_total",
		Help:      "Cleaned records handed to the ingestion engine",
	})
	m.OutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_outcomes_total",
			Help:      "Reconciliation outcomes by kind",
		},
		[]string{"outcome"}, // "opened", "superseded", "no_op", "replayed"
	)
	m.RejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Listing units rejected, by error kind",
		},
		[]string{"kind"},
	)
	m.RetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unit_retries_total",
		Help:      "Listing unit attempts repeated after a retryable error",
	})

	m.CurrentListings = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "current_listings",
		Help:      "Rows in the current projection at the last quality run",
	})
	m.Zip5Coverage = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "zip5_coverage_ratio",
		Help:      "Share of current listings with a five-digit zipcode",
	})
	m.QualityIssues = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "quality_issues",
		Help:      "Issues raised by the last quality run",
	})
	m.Violations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "constraint_violations",
		Help:      "Current rows breaking a declared rule at the last quality run",
	})

	m.UnitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "unit_duration_seconds",
		Help:      "Time to apply all records of one listing",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})
	m.BatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_duration_seconds",
		Help:      "Time to ingest one batch",
		Buckets:   []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 300.0},
	})
	m.RefreshDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Time to rebuild the current projection",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"status"}, // "success", "error"
	)

	m.registry.MustRegister(
		m.RecordsTotal,
		m.OutcomesTotal,
		m.RejectedTotal,
		m.RetriesTotal,
		m.CurrentListings,
		m.Zip5Coverage,
		m.QualityIssues,
		m.Violations,
		m.UnitDuration,
		m.BatchDuration,
		m.RefreshDuration,
	)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler for metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRecords adds n to the records counter.
func (m *Metrics) RecordRecords(n int) {
	if m != nil {
		m.RecordsTotal.Add(float64(n))
	}
}

// RecordOutcome counts one reconciliation outcome.
func (m *Metrics) RecordOutcome(outcome string) {
	if m != nil {
		m.OutcomesTotal.WithLabelValues(outcome).Inc()
	}
}

// RecordRejection counts one rejected unit.
func (m *Metrics) RecordRejection(kind string) {
	if m != nil {
		m.RejectedTotal.WithLabelValues(kind).Inc()
	}
}

// RecordRetry counts one repeated attempt.
func (m *Metrics) RecordRetry() {
	if m != nil {
		m.RetriesTotal.Inc()
	}
}

// RecordUnitDuration records the time spent on one listing.
func (m *Metrics) RecordUnitDuration(d time.Duration) {
	if m != nil {
		m.UnitDuration.Observe(d.Seconds())
	}
}

// RecordBatchDuration records the time spent on one batch.
func (m *Metrics) RecordBatchDuration(d time.Duration) {
	if m != nil {
		m.BatchDuration.Observe(d.Seconds())
	}
}

// RecordRefresh records a projection refresh.
func (m *Metrics) RecordRefresh(d time.Duration, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.RefreshDuration.WithLabelValues(status).Observe(d.Seconds())
}

// SetQuality publishes the figures of the last quality run.
func (m *Metrics) SetQuality(current int64, zip5Coverage *float64, issues, violations int) {
	if m == nil {
		return
	}
	m.CurrentListings.Set(float64(current))
	if zip5Coverage != nil {
		m.Zip5Coverage.Set(*zip5Coverage)
	}
	m.QualityIssues.Set(float64(issues))
	m.Violations.Set(float64(violations))
}
