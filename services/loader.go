package services

import (
	"context"
	"fmt"
	"time"

	"listing-history/models"
	"listing-history/storage"
	"listing-history/utils"
)

// RunResult is everything one load produced.
type RunResult struct {
	RowErrors   []storage.RowError
	Batch       *models.BatchResult
	Quality     *models.QualityReport
	Diagnostics *models.Diagnostics
}

// Loader runs one full load: read the batch, ingest it, refresh the current
// projection, then run the quality gate over it.
type Loader struct {
	store     storage.Store
	ingest    *Orchestrator
	refresher *Refresher
	gate      *QualityGate
	logger    *utils.Logger
}

// NewLoader wires the pipeline stages together.
func NewLoader(store storage.Store, ingest *Orchestrator, refresher *Refresher, gate *QualityGate, logger *utils.Logger) *Loader {
	return &Loader{
		store:     store,
		ingest:    ingest,
		refresher: refresher,
		gate:      gate,
		logger:    logger,
	}
}

// Run loads src. day is the metrics date of the quality run. The result is
// returned even when a later stage fails, so callers can report what was
// committed.
func (l *Loader) Run(ctx context.Context, src storage.RecordSource, day time.Time) (*RunResult, error) {
	res := &RunResult{}

	records, rowErrs, err := src.ReadAll()
	if err != nil {
		return res, fmt.Errorf("reading batch: %w", err)
	}
	res.RowErrors = rowErrs
	for _, re := range rowErrs {
		l.logger.Warn("[loader] skipped row: %v", re)
	}
	l.logger.Info("[loader] read %d records (%d unreadable rows)", len(records), len(rowErrs))

	res.Batch, err = l.ingest.Ingest(ctx, records)
	if err != nil {
		return res, err
	}

	if err := l.refresher.Refresh(ctx); err != nil {
		return res, err
	}

	res.Quality, err = l.gate.Run(ctx, day)
	if err != nil {
		return res, fmt.Errorf("quality gate: %w", err)
	}

	res.Diagnostics, err = l.store.Diagnostics(ctx)
	if err != nil {
		l.logger.Warn("[loader] diagnostics unavailable: %v", err)
		return res, nil
	}
	d := res.Diagnostics
	l.logger.Info("[loader] listing_version rows=%d (terrace_area set=%d null=%d)",
		d.VersionRows, d.VersionTerraceSet, d.VersionTerraceNull)
	l.logger.Info("[loader] listing_current rows=%d (terrace_area set=%d null=%d), descriptions=%d",
		d.CurrentRows, d.CurrentTerraceSet, d.CurrentTerraceNull, d.DescriptionRows)
	return res, nil
}
