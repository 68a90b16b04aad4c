package job

import "context"

// Ledger is the durable store of job records.
//
// Implementations must honor the model's write-once rules: the lifecycle
// timestamps (queuedAt, startedAt, completedAt) are set at most once, status
// changes are validated with CanTransition, and Update merges metadata into
// the existing mapping rather than replacing it. Get and GetByUnitName return
// an apperrors.NotFound error when no record matches.
type Ledger interface {
	// Insert persists a new job record. The job ID and unit name must both be
	// unique; a duplicate unit name is a conflict.
	Insert(ctx context.Context, j *Job) error

	Get(ctx context.Context, id string) (*Job, error)
	GetByUnitName(ctx context.Context, name string) (*Job, error)

	// Update applies a partial mutation and returns the updated record.
	// An illegal status transition is rejected with a conflict error and
	// leaves the record unchanged.
	Update(ctx context.Context, id string, upd Update) (*Job, error)

	// ListPending returns at most limit pending jobs ordered by priority
	// descending, then creation time ascending (FIFO among equal priority).
	ListPending(ctx context.Context, limit int) ([]*Job, error)

	ListByStatus(ctx context.Context, status Status) ([]*Job, error)

	// ListRecent returns at most limit jobs ordered by creation time
	// descending.
	ListRecent(ctx context.Context, limit int) ([]*Job, error)

	CountByStatus(ctx context.Context) (map[Status]int, error)

	// Ping verifies the store is reachable, for readiness probing.
	Ping(ctx context.Context) error

	Close() error
}
