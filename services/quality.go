package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"listing-history/config"
	"listing-history/metrics"
	"listing-history/models"
	"listing-history/storage"
	"listing-history/utils"
)

// QualityGate installs the structural rules, checks the current snapshot
// against them and records the day's profile.
type QualityGate struct {
	store   storage.Store
	rules   []Rule
	cfg     config.QualityConfig
	metrics *metrics.Metrics
	logger  *utils.Logger
}

// NewQualityGate creates a QualityGate over the default rule set. m may be nil.
func NewQualityGate(store storage.Store, cfg config.QualityConfig, logger *utils.Logger, m *metrics.Metrics) *QualityGate {
	return &QualityGate{
		store:   store,
		rules:   DefaultRules(),
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// EnsureConstraints installs every enforced rule that is not present yet and
// returns the names it created. Calling it again creates nothing.
func (g *QualityGate) EnsureConstraints(ctx context.Context) ([]string, error) {
	var created []string
	for _, r := range g.rules {
		if !r.Enforce {
			continue
		}
		exists, err := g.store.ConstraintExists(ctx, r.Name)
		if err != nil {
			return created, err
		}
		if exists {
			continue
		}
		if err := g.store.CreateConstraint(ctx, r.Constraint); err != nil {
			return created, err
		}
		g.logger.Info("[quality] installed constraint %s on %s", r.Name, r.Table)
		created = append(created, r.Name)
	}
	return created, nil
}

// Run checks the current snapshot and upserts the metrics row for day.
// Violations of installed rules by rows written before the rule existed are
// reported but do not count as issues.
func (g *QualityGate) Run(ctx context.Context, day time.Time) (*models.QualityReport, error) {
	report := &models.QualityReport{}

	created, err := g.EnsureConstraints(ctx)
	if err != nil {
		return nil, fmt.Errorf("ensuring constraints: %w", err)
	}
	report.ConstraintsCreated = created

	rows, err := g.store.CurrentSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading current snapshot: %w", err)
	}
	report.Violations = g.violations(rows)

	report.Metrics = Profile(rows, day)
	if err := g.store.UpsertDailyMetrics(ctx, &report.Metrics); err != nil {
		return nil, fmt.Errorf("saving daily metrics: %w", err)
	}

	prev, err := g.store.DailyMetrics(ctx, report.Metrics.MetricDate.AddDate(0, 0, -1))
	if err != nil {
		return nil, fmt.Errorf("reading previous metrics: %w", err)
	}
	report.Issues = g.issues(&report.Metrics, prev)

	for _, issue := range report.Issues {
		g.logger.Warn("[quality] %s", issue)
	}
	g.logger.Info("[quality] %s: %d current, %d violations, %d issues",
		report.Metrics.MetricDate.Format("2006-01-02"), report.Metrics.TotalCurrent,
		len(report.Violations), len(report.Issues))
	g.metrics.SetQuality(report.Metrics.TotalCurrent, report.Metrics.Zip5Coverage,
		len(report.Issues), len(report.Violations))
	return report, nil
}

func (g *QualityGate) violations(rows []models.CurrentListing) []models.ConstraintViolation {
	var out []models.ConstraintViolation
	for i := range rows {
		row := &rows[i]
		for _, r := range g.rules {
			if r.Holds == nil || r.Holds(row) {
				continue
			}
			v := models.ConstraintViolation{
				ListingID:  row.ID,
				ExternalID: row.ExternalID,
				Rule:       r.Name,
			}
			if r.Detail != nil {
				v.Detail = r.Detail(row)
			}
			out = append(out, v)
		}
	}
	return out
}

func (g *QualityGate) issues(m *models.DailyMetrics, prev *models.DailyMetrics) []string {
	var issues []string
	if m.TotalCurrent == 0 {
		return append(issues, "listing_current is empty")
	}
	if m.Zip5Coverage != nil && *m.Zip5Coverage < g.cfg.MinZip5Coverage {
		issues = append(issues, fmt.Sprintf("zip coverage low: %.2f%% (< %.0f%%)",
			*m.Zip5Coverage*100, g.cfg.MinZip5Coverage*100))
	}
	if g.cfg.RequireTerraceArea && m.TerraceAreaNonNull == 0 {
		issues = append(issues, "all terrace_area values are NULL in listing_current")
	}
	if g.cfg.RequireDescriptions && m.DescriptionNonEmpty == 0 {
		issues = append(issues, "all descriptions are empty or missing")
	}
	if prev != nil {
		denom := math.Max(1, float64(prev.TotalCurrent))
		drift := math.Abs(float64(m.TotalCurrent-prev.TotalCurrent)) / denom
		if drift > g.cfg.MaxVolumeDrift {
			issues = append(issues, fmt.Sprintf("total listings drift %.0f%% > %.0f%% (previous=%d, today=%d)",
				drift*100, g.cfg.MaxVolumeDrift*100, prev.TotalCurrent, m.TotalCurrent))
		}
	}
	return issues
}
