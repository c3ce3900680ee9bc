package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"listing-history/metrics"
	"listing-history/models"
	"listing-history/storage"
	"listing-history/utils"
)

// Refresher rebuilds the listing_current projection after a batch.
type Refresher struct {
	store   storage.Store
	metrics *metrics.Metrics
	logger  *utils.Logger
}

// NewRefresher creates a Refresher. m may be nil.
func NewRefresher(store storage.Store, logger *utils.Logger, m *metrics.Metrics) *Refresher {
	return &Refresher{store: store, metrics: m, logger: logger}
}

// Refresh recomputes the projection. On failure the previous projection stays
// visible and the error matches models.ErrRefreshFailure; the ledger is not
// affected either way.
func (r *Refresher) Refresh(ctx context.Context) error {
	start := time.Now()
	err := r.store.RefreshCurrent(ctx)
	r.metrics.RecordRefresh(time.Since(start), err == nil)
	if err != nil {
		if !errors.Is(err, models.ErrRefreshFailure) {
			err = fmt.Errorf("%w: %w", models.ErrRefreshFailure, err)
		}
		r.logger.Error("[refresh] listing_current not refreshed: %v", err)
		return err
	}
	r.logger.Info("[refresh] listing_current refreshed in %v", time.Since(start).Round(time.Millisecond))
	return nil
}
