package models

import "time"

// Outcome is the result of reconciling one record against the ledger.
type Outcome int

const (
	OutcomeNoOp Outcome = iota
	OutcomeOpened
	OutcomeSuperseded
	// OutcomeReplayed is an older snapshot that matches the history already
	// recorded for its time. Nothing is written.
	OutcomeReplayed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOpened:
		return "opened"
	case OutcomeSuperseded:
		return "superseded"
	case OutcomeReplayed:
		return "replayed"
	default:
		return "no_op"
	}
}

// Rejection accounts for one listing that could not be applied.
type Rejection struct {
	ExternalID string
	SnapshotAt time.Time
	Kind       string
	Reason     string
	Retryable  bool
}

// BatchResult is the structured outcome of one Ingest call.
type BatchResult struct {
	RunID          string
	Records        int
	Listings       int
	VersionsOpened int
	VersionsClosed int
	NoOp           int
	Replayed       int
	Rejected       int
	Rejections     []Rejection
	StartedAt      time.Time
	FinishedAt     time.Time
}

// DailyMetrics is one dq_daily_metrics row.
type DailyMetrics struct {
	MetricDate          time.Time
	TotalCurrent        int64
	P50Price            *float64
	P95Price            *float64
	P50Area             *float64
	P95Area             *float64
	Zip5Coverage        *float64
	TerraceAreaNonNull  int64
	DescriptionNonEmpty int64
}

// ConstraintViolation names a current row that breaks a declared rule.
type ConstraintViolation struct {
	ListingID  int64
	ExternalID string
	Rule       string
	Detail     string
}

// QualityReport is what the data-quality gate hands to its consumer.
type QualityReport struct {
	Metrics            DailyMetrics
	Violations         []ConstraintViolation
	Issues             []string
	ConstraintsCreated []string
}

// Passed reports whether the gate found no issues. Constraint violations on
// legacy rows are reported but do not fail the gate.
func (r *QualityReport) Passed() bool {
	return len(r.Issues) == 0
}
