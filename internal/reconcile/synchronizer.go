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

// Synchronizer projects observed platform state onto the ledger. It never
// mutates the platform: observation becomes status transitions, nothing else.
type Synchronizer struct {
	ledger    job.Ledger
	platform  platform.Platform
	extractor *Extractor
	metrics   *observability.Metrics
}

// NewSynchronizer creates a status synchronizer.
func NewSynchronizer(ledger job.Ledger, pf platform.Platform, extractor *Extractor, metrics *observability.Metrics) *Synchronizer {
	return &Synchronizer{ledger: ledger, platform: pf, extractor: extractor, metrics: metrics}
}

// Run performs one synchronization pass. A failed platform listing abandons
// the whole pass: partial observations must not produce transitions. Per-job
// failures are logged and skipped so one bad record cannot stall the rest.
func (s *Synchronizer) Run(ctx context.Context) error {
	units, err := s.platform.ListUnits(ctx)
	if err != nil {
		return fmt.Errorf("list units: %w", err)
	}
	instances, err := s.platform.ListInstances(ctx)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}

	byJob := make(map[string][]platform.Instance, len(instances))
	for _, inst := range instances {
		byJob[inst.JobID] = append(byJob[inst.JobID], inst)
	}

	for _, unit := range units {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.syncUnit(ctx, unit, byJob[unit.JobID])
	}

	for _, inst := range instances {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.syncInstance(ctx, inst)
	}
	return nil
}

// syncUnit resolves a unit's attempt counts into a terminal status. Succeeded
// attempts take precedence over failed ones: under platform retries a unit
// can report both, and one good attempt means the work was done.
func (s *Synchronizer) syncUnit(ctx context.Context, unit platform.Unit, insts []platform.Instance) {
	j, err := s.ledger.GetByUnitName(ctx, unit.Name)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			// Not ours to manage; the cleaner does not touch it either.
			slog.Warn("Observed unit with no ledger record", "unit", unit.Name)
		} else {
			slog.Warn("Failed to look up job for unit", "unit", unit.Name, "error", err)
		}
		return
	}
	if j.Status.IsTerminal() {
		return
	}

	switch {
	case unit.Succeeded > 0:
		s.extractor.Finalize(ctx, j)

	case unit.Failed > 0:
		status, msg := failureOutcome(unit, insts)
		s.applyTerminal(ctx, j, status, msg)

	case unit.Active > 0:
		s.markRunning(ctx, j)
	}
}

// syncInstance binds the first observed instance name regardless of phase: an
// instance that crashes between two passes is only ever seen terminated, and
// log retrieval needs the name. A running instance also drives the running
// transition.
func (s *Synchronizer) syncInstance(ctx context.Context, inst platform.Instance) {
	j, err := s.ledger.Get(ctx, inst.JobID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			slog.Warn("Observed instance with no ledger record", "instance", inst.Name)
		} else {
			slog.Warn("Failed to look up job for instance", "instance", inst.Name, "error", err)
		}
		return
	}

	if j.InstanceName == "" {
		if _, err := s.ledger.Update(ctx, j.ID, job.Update{InstanceName: &inst.Name}); err != nil {
			slog.Warn("Failed to bind instance name", "jobId", j.ID, "error", err)
		}
	}

	if j.Status.IsTerminal() || inst.Phase != platform.PhaseRunning {
		return
	}
	s.markRunning(ctx, j)
}

func (s *Synchronizer) markRunning(ctx context.Context, j *job.Job) {
	if j.Status == job.StatusRunning {
		return
	}

	running := job.StatusRunning
	if _, err := s.ledger.Update(ctx, j.ID, job.Update{
		Status:   &running,
		Metadata: map[string]string{job.MetaProgress: "instance running"},
	}); err != nil {
		if !errors.Is(err, apperrors.ErrConflict) {
			slog.Warn("Failed to mark job running", "jobId", j.ID, "error", err)
		}
		return
	}

	if s.metrics != nil {
		s.metrics.RecordTransition(ctx, string(job.StatusRunning))
	}
	slog.Info("Job running", "jobId", j.ID)
}

func (s *Synchronizer) applyTerminal(ctx context.Context, j *job.Job, status job.Status, msg string) {
	logger := slog.With("jobId", j.ID, "unit", j.UnitName)

	if _, err := s.ledger.Update(ctx, j.ID, job.Update{
		Status:       &status,
		ErrorMessage: &msg,
		Metadata:     map[string]string{job.MetaProgress: "unit finished"},
	}); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			return
		}
		logger.Warn("Failed to record unit failure", "error", err)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordTransition(ctx, string(status))
		s.metrics.RecordJobCompleted(ctx, string(status), time.Since(j.CreatedAt).Seconds())
	}
	logger.Info("Job finished", "status", status, "error", msg)
}

// failureOutcome classifies a failed unit. A deadline overrun, whether
// reported at the unit or instance level, becomes a timeout; everything else
// is a failure carrying the most specific diagnostic available.
func failureOutcome(unit platform.Unit, insts []platform.Instance) (job.Status, string) {
	reason := unit.FailureReason
	detail := ""
	for _, inst := range insts {
		if inst.Phase != platform.PhaseFailed {
			continue
		}
		// The first terminated instance carries the diagnostic.
		detail = fmt.Sprintf("Exit code %d: %s", inst.ExitCode, inst.Reason)
		if inst.Reason == platform.ReasonDeadlineExceeded {
			reason = platform.ReasonDeadlineExceeded
		}
		break
	}

	if reason == platform.ReasonDeadlineExceeded {
		return job.StatusTimeout, "execution deadline exceeded"
	}
	if detail == "" {
		if reason == "" {
			reason = "unit failed"
		}
		detail = reason
	}
	return job.StatusFailed, detail
}
