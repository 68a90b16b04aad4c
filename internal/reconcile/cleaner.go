package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"arena/internal/apperrors"
	"arena/internal/job"
	"arena/internal/observability"
	"arena/internal/platform"
)

// Cleaner reaps execution units of jobs that completed longer ago than the
// retention period. Only the unit is deleted; ledger records are kept forever.
type Cleaner struct {
	ledger    job.Ledger
	platform  platform.Platform
	metrics   *observability.Metrics
	retention time.Duration

	now func() time.Time
}

// NewCleaner creates a retention cleaner.
func NewCleaner(ledger job.Ledger, pf platform.Platform, metrics *observability.Metrics, retention time.Duration) *Cleaner {
	return &Cleaner{
		ledger:    ledger,
		platform:  pf,
		metrics:   metrics,
		retention: retention,
		now:       time.Now,
	}
}

// Run performs one cleanup pass over all terminal jobs.
func (c *Cleaner) Run(ctx context.Context) error {
	cutoff := c.now().Add(-c.retention)

	for _, status := range []job.Status{job.StatusSuccess, job.StatusFailed, job.StatusTimeout} {
		jobs, err := c.ledger.ListByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("list %s jobs: %w", status, err)
		}
		for _, j := range jobs {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.reapOne(ctx, j, cutoff)
		}
	}
	return nil
}

func (c *Cleaner) reapOne(ctx context.Context, j *job.Job, cutoff time.Time) {
	if j.Metadata[job.MetaUnitReaped] == "true" {
		return
	}
	// A terminal job without a completion time is left alone: without the
	// timestamp there is no way to know the retention period has passed.
	if j.CompletedAt == nil || !j.CompletedAt.Before(cutoff) {
		return
	}

	logger := slog.With("jobId", j.ID, "unit", j.UnitName)

	if err := c.platform.DeleteUnit(ctx, j.UnitName); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		// Transient; retried on the next cleanup pass.
		logger.Warn("Failed to reap unit", "error", err)
		return
	}

	if _, err := c.ledger.Update(ctx, j.ID, job.Update{
		Metadata: map[string]string{job.MetaUnitReaped: "true"},
	}); err != nil {
		logger.Warn("Failed to mark unit reaped", "error", err)
		return
	}

	if c.metrics != nil {
		c.metrics.RecordUnitReaped(ctx)
	}
	logger.Debug("Unit reaped")
}
