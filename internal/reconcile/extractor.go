package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"arena/internal/apperrors"
	"arena/internal/artifact"
	"arena/internal/job"
	"arena/internal/observability"
)

// Extractor verifies artifacts for units the platform reports as succeeded.
// The artifact is the source of truth: a succeeded unit without its output
// file is a failed job, never a successful one.
type Extractor struct {
	ledger    job.Ledger
	artifacts *artifact.Store
	metrics   *observability.Metrics
}

// NewExtractor creates an artifact extractor.
func NewExtractor(ledger job.Ledger, artifacts *artifact.Store, metrics *observability.Metrics) *Extractor {
	return &Extractor{ledger: ledger, artifacts: artifacts, metrics: metrics}
}

// Finalize resolves a succeeded unit into the job's terminal status.
func (e *Extractor) Finalize(ctx context.Context, j *job.Job) {
	logger := slog.With("jobId", j.ID, "unit", j.UnitName)

	path, ok := e.artifacts.Locate(j.ID)
	if !ok {
		msg := fmt.Sprintf("unit succeeded but artifact %s is missing", e.artifacts.Path(j.ID))
		e.applyTerminal(ctx, logger, j, job.Update{
			ErrorMessage: &msg,
			Metadata:     map[string]string{job.MetaProgress: "completed without artifact"},
		}, job.StatusFailed)
		return
	}

	e.applyTerminal(ctx, logger, j, job.Update{
		ArtifactPath: &path,
		Metadata:     map[string]string{job.MetaProgress: "artifact extracted"},
	}, job.StatusSuccess)
}

func (e *Extractor) applyTerminal(ctx context.Context, logger *slog.Logger, j *job.Job, upd job.Update, status job.Status) {
	upd.Status = &status
	if _, err := e.ledger.Update(ctx, j.ID, upd); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			// Already terminal, typically a cancellation that won the race.
			return
		}
		logger.Warn("Failed to finalize job", "error", err)
		return
	}

	if e.metrics != nil {
		e.metrics.RecordTransition(ctx, string(status))
		e.metrics.RecordJobCompleted(ctx, string(status), time.Since(j.CreatedAt).Seconds())
	}
	logger.Info("Job finalized", "status", status)
}
