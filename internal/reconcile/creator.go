// Package reconcile drives jobs from accepted ledger records to completed
// work. Each pass observes the ledger and the execution platform and converges
// them: pending jobs get execution units, observed unit state becomes status
// transitions, succeeded units are verified against their artifact, and
// expired units are reaped. Every step is idempotent, so a crashed or
// restarted controller simply resumes on its next pass.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"arena/internal/apperrors"
	"arena/internal/job"
	"arena/internal/observability"
	"arena/internal/platform"
)

// CreatorConfig holds the unit creation policy.
type CreatorConfig struct {
	SolverImage     string // Container image executing submissions (required)
	DeadlineSeconds int    // Per-unit execution deadline
	PendingBatch    int    // Max pending jobs admitted per pass
}

// Creator turns pending jobs into execution units.
type Creator struct {
	ledger   job.Ledger
	platform platform.Platform
	metrics  *observability.Metrics
	cfg      CreatorConfig
}

// NewCreator creates a unit creator.
func NewCreator(ledger job.Ledger, pf platform.Platform, metrics *observability.Metrics, cfg CreatorConfig) *Creator {
	if cfg.PendingBatch <= 0 {
		cfg.PendingBatch = 50
	}
	return &Creator{ledger: ledger, platform: pf, metrics: metrics, cfg: cfg}
}

// Run performs one creation pass: drain up to PendingBatch pending jobs in
// priority order and submit an execution unit for each. Per-job failures are
// logged and leave the job pending for the next pass; only a ledger listing
// failure aborts the pass.
func (c *Creator) Run(ctx context.Context) error {
	pending, err := c.ledger.ListPending(ctx, c.cfg.PendingBatch)
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}

	for _, j := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.createOne(ctx, j)
	}
	return nil
}

// createOne is idempotent: probing before creating and treating a creation
// conflict as "already exists" means a crash between unit creation and the
// queued write never produces a second unit.
func (c *Creator) createOne(ctx context.Context, j *job.Job) {
	logger := slog.With("jobId", j.ID, "unit", j.UnitName)

	exists, err := c.platform.UnitExists(ctx, j.UnitName)
	if err != nil {
		logger.Warn("Unit probe failed, leaving job pending", "error", err)
		return
	}

	if !exists {
		spec := platform.UnitSpec{
			Name:           j.UnitName,
			JobID:          j.ID,
			Image:          c.cfg.SolverImage,
			CompetitionURL: j.CompetitionURL,
			Resources: platform.Resources{
				CPU:    j.ResourcesRequested[job.ResourceCPU],
				Memory: j.ResourcesRequested[job.ResourceMemory],
			},
			DeadlineSeconds: c.cfg.DeadlineSeconds,
		}
		if err := c.platform.CreateUnit(ctx, spec); err != nil {
			if !errors.Is(err, apperrors.ErrConflict) {
				logger.Warn("Unit creation failed, leaving job pending", "error", err)
				return
			}
			// Created by an earlier pass that crashed before the queued write.
		} else {
			if c.metrics != nil {
				c.metrics.RecordUnitCreated(ctx)
			}
			logger.Info("Unit created")
		}
	}

	// A cancellation may have landed between listing and creation. The ledger
	// record wins: a terminal job must not keep a fresh unit.
	current, err := c.ledger.Get(ctx, j.ID)
	if err != nil {
		logger.Warn("Failed to re-read job after unit creation", "error", err)
		return
	}
	if current.Status.IsTerminal() {
		logger.Info("Job went terminal during creation, removing unit", "status", current.Status)
		c.deleteUnit(ctx, logger, j.UnitName)
		return
	}

	queued := job.StatusQueued
	if _, err := c.ledger.Update(ctx, j.ID, job.Update{
		Status:   &queued,
		Metadata: map[string]string{job.MetaProgress: "unit submitted to platform"},
	}); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			// Lost a race with cancellation; same resolution as above.
			c.deleteUnit(ctx, logger, j.UnitName)
			return
		}
		logger.Warn("Failed to mark job queued", "error", err)
		return
	}

	if c.metrics != nil {
		c.metrics.RecordTransition(ctx, string(job.StatusQueued))
	}
	logger.Info("Job queued")
}

func (c *Creator) deleteUnit(ctx context.Context, logger *slog.Logger, name string) {
	if err := c.platform.DeleteUnit(ctx, name); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		logger.Warn("Failed to delete unit", "error", err)
	}
}
