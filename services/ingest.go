package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"listing-history/metrics"
	"listing-history/models"
	"listing-history/storage"
	"listing-history/utils"
)

// IngestOptions tunes the Orchestrator.
type IngestOptions struct {
	MaxConcurrency  int
	MaxRetries      int
	RetryBaseDelay  time.Duration
	UnitTimeout     time.Duration
	DescriptionLang string
}

// Orchestrator applies record batches to the store. Listings are processed
// concurrently on a bounded pool; the records of one listing are applied one
// at a time in snapshot order, each in its own transaction.
type Orchestrator struct {
	store    storage.Store
	dims     *DimensionResolver
	identity *IdentityRegistry
	ledger   *VersionLedger
	locks    *utils.KeyedMutex
	opts     IngestOptions
	metrics  *metrics.Metrics
	logger   *utils.Logger
}

// NewOrchestrator creates an Orchestrator writing to store. m may be nil.
func NewOrchestrator(store storage.Store, logger *utils.Logger, m *metrics.Metrics, opts IngestOptions) *Orchestrator {
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 1
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.DescriptionLang == "" {
		opts.DescriptionLang = "fr"
	}
	return &Orchestrator{
		store:    store,
		dims:     NewDimensionResolver(),
		identity: NewIdentityRegistry(logger),
		ledger:   NewVersionLedger(),
		locks:    utils.NewKeyedMutex(),
		opts:     opts,
		metrics:  m,
		logger:   logger,
	}
}

// batch accumulates the result of one Ingest call across workers.
type batch struct {
	mu  sync.Mutex
	res models.BatchResult
}

func (b *batch) outcome(o models.Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch o {
	case models.OutcomeOpened:
		b.res.VersionsOpened++
	case models.OutcomeSuperseded:
		b.res.VersionsOpened++
		b.res.VersionsClosed++
	case models.OutcomeReplayed:
		b.res.Replayed++
	default:
		b.res.NoOp++
	}
}

func (b *batch) reject(rec *models.Record, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.res.Rejected++
	b.res.Rejections = append(b.res.Rejections, models.Rejection{
		ExternalID: rec.ExternalID,
		SnapshotAt: rec.SnapshotAt,
		Kind:       models.Kind(err),
		Reason:     err.Error(),
		Retryable:  models.Retryable(err),
	})
}

// Ingest applies records and returns what happened to each of them. A
// failing listing never stops the others. When ctx is canceled, listings
// that were not started are reported as retryable rejections and ctx's error
// is returned next to the partial result.
func (o *Orchestrator) Ingest(ctx context.Context, records []*models.Record) (*models.BatchResult, error) {
	b := &batch{res: models.BatchResult{
		RunID:     uuid.NewString(),
		Records:   len(records),
		StartedAt: time.Now().UTC(),
	}}
	log := o.logger.With("run_id", b.res.RunID)
	o.metrics.RecordRecords(len(records))

	keys, groups := o.partition(records, b)
	b.res.Listings = len(keys)
	log.Info("[ingest] %d records across %d listings, %d workers", len(records), len(keys), o.opts.MaxConcurrency)

	pool := utils.NewWorkerPool(o.opts.MaxConcurrency)
	for _, key := range keys {
		recs := groups[key]
		if ctx.Err() != nil {
			o.rejectAll(recs, ctx.Err(), b)
			continue
		}
		pool.Submit(func() {
			o.applyListing(ctx, log, key, recs, b)
		})
	}
	pool.Wait()

	b.res.FinishedAt = time.Now().UTC()
	o.metrics.RecordBatchDuration(b.res.FinishedAt.Sub(b.res.StartedAt))
	sort.SliceStable(b.res.Rejections, func(i, j int) bool {
		ri, rj := b.res.Rejections[i], b.res.Rejections[j]
		if ri.ExternalID != rj.ExternalID {
			return ri.ExternalID < rj.ExternalID
		}
		return ri.SnapshotAt.Before(rj.SnapshotAt)
	})

	log.Info("[ingest] done: opened=%d closed=%d no_op=%d replayed=%d rejected=%d in %v",
		b.res.VersionsOpened, b.res.VersionsClosed, b.res.NoOp, b.res.Replayed, b.res.Rejected,
		b.res.FinishedAt.Sub(b.res.StartedAt).Round(time.Millisecond))

	res := b.res
	if err := ctx.Err(); err != nil {
		return &res, fmt.Errorf("ingest interrupted: %w", err)
	}
	return &res, nil
}

// partition groups records by external key, keeping first-seen key order,
// and sorts each group by snapshot time.
func (o *Orchestrator) partition(records []*models.Record, b *batch) ([]string, map[string][]*models.Record) {
	var keys []string
	groups := make(map[string][]*models.Record)
	for _, rec := range records {
		if rec == nil {
			continue
		}
		if rec.ExternalID == "" {
			b.reject(rec, fmt.Errorf("%w: empty external listing id (line %d)", models.ErrInvalidRecord, rec.Line))
			continue
		}
		if _, ok := groups[rec.ExternalID]; !ok {
			keys = append(keys, rec.ExternalID)
		}
		groups[rec.ExternalID] = append(groups[rec.ExternalID], rec)
	}
	for _, recs := range groups {
		sort.SliceStable(recs, func(i, j int) bool {
			return recs[i].SnapshotAt.Before(recs[j].SnapshotAt)
		})
	}
	return keys, groups
}

func (o *Orchestrator) rejectAll(recs []*models.Record, err error, b *batch) {
	for _, rec := range recs {
		b.reject(rec, err)
		o.metrics.RecordRejection(models.Kind(err))
	}
}

func (o *Orchestrator) applyListing(ctx context.Context, log *utils.Logger, key string, recs []*models.Record, b *batch) {
	unlock := o.locks.Lock(key)
	defer unlock()

	start := time.Now()
	defer func() { o.metrics.RecordUnitDuration(time.Since(start)) }()

	log = log.With("listing", key)
	desc := longestDescription(recs)

	for i, rec := range recs {
		if err := ctx.Err(); err != nil {
			o.rejectAll(recs[i:], err, b)
			return
		}
		outcome, err := o.applyRecord(ctx, log, rec, desc)
		if err != nil {
			if errors.Is(err, models.ErrInvariantViolation) {
				log.Error("[ingest] INVARIANT VIOLATION at %s: %v", rec.SnapshotAt.Format(time.RFC3339), err)
			} else {
				log.Warn("[ingest] rejected snapshot %s: %v", rec.SnapshotAt.Format(time.RFC3339), err)
			}
			b.reject(rec, err)
			o.metrics.RecordRejection(models.Kind(err))
			if models.Retryable(err) {
				// Later snapshots would make this one out of order on the next run.
				o.rejectAll(recs[i+1:], fmt.Errorf("held back behind snapshot %s: %w",
					rec.SnapshotAt.Format(time.RFC3339), err), b)
				return
			}
			continue
		}
		// Once written, the description does not need to ride along again.
		desc = ""
		b.outcome(outcome)
		o.metrics.RecordOutcome(outcome.String())
		log.Debug("[ingest] snapshot %s: %s", rec.SnapshotAt.Format(time.RFC3339), outcome)
	}
}

// applyRecord runs one unit (dimensions, identity, ledger, description) in a
// single transaction, retrying storage conflicts with backoff.
func (o *Orchestrator) applyRecord(ctx context.Context, log *utils.Logger, rec *models.Record, desc string) (models.Outcome, error) {
	retry := utils.RetryConfig{
		MaxAttempts: o.opts.MaxRetries,
		BaseDelay:   o.opts.RetryBaseDelay,
		Logger:      log,
		Retryable: func(err error) bool {
			return errors.Is(err, models.ErrConflict)
		},
	}

	var outcome models.Outcome
	attempt := 0
	err := retry.Do(ctx, "apply "+rec.ExternalID, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			o.metrics.RecordRetry()
		}

		unitCtx, cancel := ctx, context.CancelFunc(func() {})
		if o.opts.UnitTimeout > 0 {
			unitCtx, cancel = context.WithTimeout(ctx, o.opts.UnitTimeout)
		}
		defer cancel()

		err := o.store.WithTx(unitCtx, func(tx storage.Tx) error {
			dims, err := o.dims.Resolve(unitCtx, tx, KeysOf(rec))
			if err != nil {
				return err
			}
			l, _, err := o.identity.Resolve(unitCtx, tx, rec.ExternalID, dims, rec.Stable)
			if err != nil {
				return err
			}
			outcome, err = o.ledger.Reconcile(unitCtx, tx, l.ID, rec.SnapshotAt, rec.Mutable, rec.SourceChangeAt)
			if err != nil {
				return err
			}
			if desc != "" {
				if err := tx.UpsertDescription(unitCtx, &models.ListingDescription{
					ListingID: l.ID,
					Lang:      o.opts.DescriptionLang,
					Body:      desc,
				}); err != nil {
					return err
				}
			}
			return nil
		})
		if errors.Is(err, models.ErrInvariantViolation) {
			log.Error("[ingest] invariant check failed (attempt %d): %v", attempt, err)
		}
		return err
	})
	return outcome, err
}

// longestDescription picks the longest non-empty description among recs.
func longestDescription(recs []*models.Record) string {
	best := ""
	for _, r := range recs {
		d := strings.TrimSpace(r.Description)
		if len([]rune(d)) > len([]rune(best)) {
			best = d
		}
	}
	return best
}
