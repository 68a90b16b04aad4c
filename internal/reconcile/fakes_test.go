package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	"arena/internal/apperrors"
	"arena/internal/job"
	"arena/internal/platform"
)

// fakeLedger is an in-memory job.Ledger honoring the contract's transition,
// write-once and merge rules. It is safe for concurrent use so the loop test
// can poll it while the loop runs.
type fakeLedger struct {
	mu   sync.Mutex
	jobs map[string]*job.Job
	now  func() time.Time
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		jobs: make(map[string]*job.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (f *fakeLedger) Insert(_ context.Context, j *job.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *j
	f.jobs[j.ID] = &copied
	return nil
}

func (f *fakeLedger) Get(_ context.Context, id string) (*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	copied := *j
	return &copied, nil
}

func (f *fakeLedger) GetByUnitName(_ context.Context, name string) (*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.UnitName == name {
			copied := *j
			return &copied, nil
		}
	}
	return nil, apperrors.NotFound("job", name)
}

func (f *fakeLedger) Update(_ context.Context, id string, upd job.Update) (*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	if upd.Status != nil && *upd.Status != j.Status {
		if !job.CanTransition(j.Status, *upd.Status) {
			return nil, apperrors.Conflict("job", id, "illegal transition")
		}
		j.Status = *upd.Status
		now := f.now()
		switch {
		case j.Status == job.StatusQueued && j.QueuedAt == nil:
			j.QueuedAt = &now
		case j.Status == job.StatusRunning && j.StartedAt == nil:
			j.StartedAt = &now
		case j.Status.IsTerminal() && j.CompletedAt == nil:
			j.CompletedAt = &now
		}
	}
	if upd.InstanceName != nil && j.InstanceName == "" {
		j.InstanceName = *upd.InstanceName
	}
	if upd.ErrorMessage != nil {
		j.ErrorMessage = *upd.ErrorMessage
	}
	if upd.ArtifactPath != nil {
		j.ArtifactPath = *upd.ArtifactPath
	}
	if len(upd.Metadata) > 0 {
		if j.Metadata == nil {
			j.Metadata = make(map[string]string)
		}
		for k, v := range upd.Metadata {
			j.Metadata[k] = v
		}
	}
	copied := *j
	return &copied, nil
}

func (f *fakeLedger) ListPending(_ context.Context, limit int) ([]*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pending []*job.Job
	for _, j := range f.jobs {
		if j.Status == job.StatusPending {
			copied := *j
			pending = append(pending, &copied)
		}
	}
	sort.Slice(pending, func(i, k int) bool {
		if pending[i].Priority != pending[k].Priority {
			return pending[i].Priority > pending[k].Priority
		}
		return pending[i].CreatedAt.Before(pending[k].CreatedAt)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (f *fakeLedger) ListByStatus(_ context.Context, status job.Status) ([]*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*job.Job
	for _, j := range f.jobs {
		if j.Status == status {
			copied := *j
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeLedger) ListRecent(_ context.Context, limit int) ([]*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*job.Job
	for _, j := range f.jobs {
		copied := *j
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeLedger) CountByStatus(_ context.Context) (map[job.Status]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[job.Status]int)
	for _, j := range f.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (f *fakeLedger) Ping(_ context.Context) error { return nil }
func (f *fakeLedger) Close() error                 { return nil }

func (f *fakeLedger) status(id string) job.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok {
		return j.Status
	}
	return ""
}

func (f *fakeLedger) snapshot(id string) job.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.jobs[id]
}

// fakePlatform is a scriptable in-memory platform.
type fakePlatform struct {
	mu        sync.Mutex
	units     map[string]platform.Unit
	instances []platform.Instance
	created   []platform.UnitSpec
	deleted   []string

	existsErr        error
	createErr        error
	listUnitsErr     error
	listInstancesErr error
	deleteErr        error

	panicOnceListUnits bool
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{units: make(map[string]platform.Unit)}
}

func (f *fakePlatform) UnitExists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existsErr != nil {
		return false, f.existsErr
	}
	_, ok := f.units[name]
	return ok, nil
}

func (f *fakePlatform) CreateUnit(_ context.Context, spec platform.UnitSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if _, ok := f.units[spec.Name]; ok {
		return apperrors.Conflict("unit", spec.Name, "unit already exists")
	}
	f.created = append(f.created, spec)
	f.units[spec.Name] = platform.Unit{Name: spec.Name, JobID: spec.JobID}
	return nil
}

func (f *fakePlatform) ListUnits(_ context.Context) ([]platform.Unit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnceListUnits {
		f.panicOnceListUnits = false
		panic("fake platform panic")
	}
	if f.listUnitsErr != nil {
		return nil, f.listUnitsErr
	}
	out := make([]platform.Unit, 0, len(f.units))
	for _, u := range f.units {
		out = append(out, u)
	}
	return out, nil
}

func (f *fakePlatform) ListInstances(_ context.Context) ([]platform.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listInstancesErr != nil {
		return nil, f.listInstancesErr
	}
	return append([]platform.Instance(nil), f.instances...), nil
}

func (f *fakePlatform) ReadLog(_ context.Context, instanceName string, _ int) (string, error) {
	return "", apperrors.NotFound("instance", instanceName)
}

func (f *fakePlatform) DeleteUnit(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.units[name]; !ok {
		return apperrors.NotFound("unit", name)
	}
	delete(f.units, name)
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakePlatform) Ready(context.Context) error { return nil }
func (f *fakePlatform) Close() error                { return nil }

func (f *fakePlatform) setUnit(u platform.Unit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.units[u.Name] = u
}

func (f *fakePlatform) setInstances(insts ...platform.Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances = insts
}

func (f *fakePlatform) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakePlatform) deletedUnits() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func unitFor(j *job.Job) platform.Unit {
	return platform.Unit{Name: j.UnitName, JobID: j.ID}
}

func pendingJob(id, slug string, priority int, createdAt time.Time) *job.Job {
	return &job.Job{
		ID:             id,
		CompetitionURL: "https://kaggle.com/competitions/" + slug,
		Slug:           slug,
		UnitName:       job.UnitName(id, slug),
		Status:         job.StatusPending,
		Priority:       priority,
		CreatedAt:      createdAt,
		ResourcesRequested: map[string]string{
			job.ResourceCPU:    "1",
			job.ResourceMemory: "2Gi",
		},
	}
}
