package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"arena/internal/apperrors"
	"arena/internal/job"
)

func newTestCreator(ledger *fakeLedger, pf *fakePlatform) *Creator {
	return NewCreator(ledger, pf, nil, CreatorConfig{
		SolverImage:     "arena/solver:latest",
		DeadlineSeconds: 7200,
		PendingBatch:    50,
	})
}

func TestCreator_CreatesAndQueues(t *testing.T) {
	t.Parallel()
	ledger := newFakeLedger()
	pf := newFakePlatform()
	ctx := context.Background()

	j := pendingJob("job-a", "titanic", 0, time.Now().UTC())
	ledger.jobs[j.ID] = j

	creator := newTestCreator(ledger, pf)
	if err := creator.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if ledger.status("job-a") != job.StatusQueued {
		t.Errorf("expected queued, got %q", ledger.status("job-a"))
	}
	if pf.createdCount() != 1 {
		t.Fatalf("expected 1 unit created, got %d", pf.createdCount())
	}

	spec := pf.created[0]
	if spec.Name != j.UnitName || spec.JobID != "job-a" {
		t.Errorf("unexpected spec %+v", spec)
	}
	if spec.Image != "arena/solver:latest" || spec.DeadlineSeconds != 7200 {
		t.Errorf("policy not applied: %+v", spec)
	}
	if spec.Resources.CPU != "1" || spec.Resources.Memory != "2Gi" {
		t.Errorf("resources not propagated: %+v", spec.Resources)
	}
}

func TestCreator_Idempotent(t *testing.T) {
	t.Parallel()
	ledger := newFakeLedger()
	pf := newFakePlatform()
	ctx := context.Background()

	j := pendingJob("job-a", "titanic", 0, time.Now().UTC())
	ledger.jobs[j.ID] = j

	creator := newTestCreator(ledger, pf)
	if err := creator.Run(ctx); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if err := creator.Run(ctx); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if pf.createdCount() != 1 {
		t.Errorf("expected exactly one unit after two passes, got %d", pf.createdCount())
	}
}

func TestCreator_ExistingUnitStillQueues(t *testing.T) {
	t.Parallel()
	ledger := newFakeLedger()
	pf := newFakePlatform()
	ctx := context.Background()

	// A previous pass created the unit, then crashed before the queued write.
	j := pendingJob("job-a", "titanic", 0, time.Now().UTC())
	ledger.jobs[j.ID] = j
	pf.setUnit(unitFor(j))

	creator := newTestCreator(ledger, pf)
	if err := creator.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if ledger.status("job-a") != job.StatusQueued {
		t.Errorf("expected queued, got %q", ledger.status("job-a"))
	}
	if pf.createdCount() != 0 {
		t.Errorf("expected no new unit, got %d", pf.createdCount())
	}
}

func TestCreator_TransientProbeErrorLeavesPending(t *testing.T) {
	t.Parallel()
	ledger := newFakeLedger()
	pf := newFakePlatform()
	ctx := context.Background()

	j := pendingJob("job-a", "titanic", 0, time.Now().UTC())
	ledger.jobs[j.ID] = j
	pf.existsErr = apperrors.Unavailable("platform.unitExists", errors.New("daemon down"))

	creator := newTestCreator(ledger, pf)
	if err := creator.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if ledger.status("job-a") != job.StatusPending {
		t.Errorf("expected job to stay pending, got %q", ledger.status("job-a"))
	}

	// Platform recovers; the next pass picks the job up.
	pf.existsErr = nil
	if err := creator.Run(ctx); err != nil {
		t.Fatalf("recovery run failed: %v", err)
	}
	if ledger.status("job-a") != job.StatusQueued {
		t.Errorf("expected queued after recovery, got %q", ledger.status("job-a"))
	}
}

func TestCreator_TransientCreateErrorLeavesPending(t *testing.T) {
	t.Parallel()
	ledger := newFakeLedger()
	pf := newFakePlatform()
	ctx := context.Background()

	j := pendingJob("job-a", "titanic", 0, time.Now().UTC())
	ledger.jobs[j.ID] = j
	pf.createErr = apperrors.Unavailable("platform.createUnit", errors.New("daemon down"))

	creator := newTestCreator(ledger, pf)
	if err := creator.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if ledger.status("job-a") != job.StatusPending {
		t.Errorf("expected job to stay pending, got %q", ledger.status("job-a"))
	}
}

func TestCreator_PriorityOrder(t *testing.T) {
	t.Parallel()
	ledger := newFakeLedger()
	pf := newFakePlatform()
	ctx := context.Background()

	// Priorities [2,0,1,2] submitted as A,B,C,D must be created as A,D,C,B.
	base := time.Now().UTC()
	priorities := []int{2, 0, 1, 2}
	ids := []string{"job-a", "job-b", "job-c", "job-d"}
	for i, id := range ids {
		j := pendingJob(id, "titanic-"+id, priorities[i], base.Add(time.Duration(i)*time.Second))
		ledger.jobs[id] = j
	}

	creator := newTestCreator(ledger, pf)
	if err := creator.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if pf.createdCount() != 4 {
		t.Fatalf("expected 4 units, got %d", pf.createdCount())
	}
	got := []string{pf.created[0].JobID, pf.created[1].JobID, pf.created[2].JobID, pf.created[3].JobID}
	want := []string{"job-a", "job-d", "job-c", "job-b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("creation order = %v, want %v", got, want)
		}
	}
}

func TestCreator_CancelledDuringCreation(t *testing.T) {
	t.Parallel()
	ledger := newFakeLedger()
	pf := newFakePlatform()
	ctx := context.Background()

	j := pendingJob("job-a", "titanic", 0, time.Now().UTC())
	ledger.jobs[j.ID] = j

	// Cancellation lands after the pending listing: the fake flips the record
	// terminal before the creator re-reads it.
	failed := job.StatusFailed
	if _, err := ledger.Update(ctx, "job-a", job.Update{Status: &failed}); err != nil {
		t.Fatal(err)
	}

	creator := newTestCreator(ledger, pf)
	creator.createOne(ctx, j)

	if ledger.status("job-a") != job.StatusFailed {
		t.Errorf("expected job to stay failed, got %q", ledger.status("job-a"))
	}
	deleted := pf.deletedUnits()
	if len(deleted) != 1 || deleted[0] != j.UnitName {
		t.Errorf("expected the fresh unit to be deleted, got %v", deleted)
	}
}
