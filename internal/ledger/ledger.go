// Package ledger implements the durable job store on DuckDB.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"arena/internal/apperrors"
	"arena/internal/job"
)

// Store implements job.Ledger backed by an embedded DuckDB database.
// A single process owns the database file; the reconciler and the facade
// share one Store instance.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and bootstraps the schema.
// An empty path opens an in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, apperrors.Internal("ledger.open", err)
	}

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id              VARCHAR PRIMARY KEY,
		competition_url     VARCHAR NOT NULL,
		competition_slug    VARCHAR,
		unit_name           VARCHAR NOT NULL,
		instance_name       VARCHAR,
		status              VARCHAR NOT NULL,
		priority            INTEGER NOT NULL DEFAULT 0,
		created_at          TIMESTAMP NOT NULL,
		queued_at           TIMESTAMP,
		started_at          TIMESTAMP,
		completed_at        TIMESTAMP,
		artifact_path       VARCHAR,
		error_message       VARCHAR,
		resources_requested VARCHAR NOT NULL DEFAULT '{}',
		resources_used      VARCHAR NOT NULL DEFAULT '{}',
		metadata            VARCHAR NOT NULL DEFAULT '{}'
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_unit_name ON jobs(unit_name);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return apperrors.Internal("ledger.initSchema", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperrors.Unavailable("ledger.ping", err)
	}
	return nil
}

const jobColumns = `job_id, competition_url, competition_slug, unit_name, instance_name,
	status, priority, created_at, queued_at, started_at, completed_at,
	artifact_path, error_message, resources_requested, resources_used, metadata`

// Insert persists a new job record. A duplicate job ID or unit name is a
// conflict: the job ID to unit name mapping is a bijection.
func (s *Store) Insert(ctx context.Context, j *job.Job) error {
	query := `INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		j.ID, j.CompetitionURL, j.Slug, j.UnitName, nullString(j.InstanceName),
		string(j.Status), j.Priority, j.CreatedAt,
		nullTime(j.QueuedAt), nullTime(j.StartedAt), nullTime(j.CompletedAt),
		nullString(j.ArtifactPath), nullString(j.ErrorMessage),
		marshalMap(j.ResourcesRequested), marshalMap(j.ResourcesUsed), marshalMap(j.Metadata),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return apperrors.Conflict("job", j.ID, "job or unit name already exists")
		}
		return apperrors.Internal("ledger.insert", err)
	}
	return nil
}

// Get returns the job with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, apperrors.Internal("ledger.get", err)
	}
	return j, nil
}

// GetByUnitName returns the job owning the given execution unit name.
func (s *Store) GetByUnitName(ctx context.Context, name string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE unit_name = ?`, name)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("unit", name)
	}
	if err != nil {
		return nil, apperrors.Internal("ledger.getByUnitName", err)
	}
	return j, nil
}

// Update applies a partial mutation inside a transaction. Status changes are
// validated against the state machine; lifecycle timestamps are write-once;
// metadata is merged into the existing mapping.
func (s *Store) Update(ctx context.Context, id string, upd job.Update) (*job.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Internal("ledger.update", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, apperrors.Internal("ledger.update", err)
	}

	if upd.Status != nil && *upd.Status != j.Status {
		if !job.CanTransition(j.Status, *upd.Status) {
			return nil, apperrors.Conflict("job", id,
				"illegal status transition "+string(j.Status)+" -> "+string(*upd.Status))
		}
		j.Status = *upd.Status
		now := s.now()
		switch {
		case j.Status == job.StatusQueued && j.QueuedAt == nil:
			j.QueuedAt = &now
		case j.Status == job.StatusRunning && j.StartedAt == nil:
			j.StartedAt = &now
		}
		if j.Status.IsTerminal() && j.CompletedAt == nil {
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
	if upd.ResourcesUsed != nil {
		j.ResourcesUsed = upd.ResourcesUsed
	}
	if len(upd.Metadata) > 0 {
		if j.Metadata == nil {
			j.Metadata = make(map[string]string, len(upd.Metadata))
		}
		for k, v := range upd.Metadata {
			j.Metadata[k] = v
		}
	}

	_, err = tx.ExecContext(ctx, `UPDATE jobs SET
			instance_name = ?, status = ?, queued_at = ?, started_at = ?,
			completed_at = ?, artifact_path = ?, error_message = ?,
			resources_used = ?, metadata = ?
		WHERE job_id = ?`,
		nullString(j.InstanceName), string(j.Status),
		nullTime(j.QueuedAt), nullTime(j.StartedAt), nullTime(j.CompletedAt),
		nullString(j.ArtifactPath), nullString(j.ErrorMessage),
		marshalMap(j.ResourcesUsed), marshalMap(j.Metadata), id,
	)
	if err != nil {
		return nil, apperrors.Internal("ledger.update", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Internal("ledger.update", err)
	}
	return j, nil
}

// ListPending returns pending jobs ordered by priority descending, then
// creation time ascending.
func (s *Store) ListPending(ctx context.Context, limit int) ([]*job.Job, error) {
	return s.list(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status = ? ORDER BY priority DESC, created_at ASC LIMIT ?`,
		string(job.StatusPending), limit)
}

// ListByStatus returns all jobs with the given status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status job.Status) ([]*job.Job, error) {
	return s.list(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status = ? ORDER BY created_at ASC`, string(status))
}

// ListRecent returns the most recently created jobs.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]*job.Job, error) {
	return s.list(ctx, `SELECT `+jobColumns+` FROM jobs
		ORDER BY created_at DESC LIMIT ?`, limit)
}

// CountByStatus returns job counts grouped by status.
func (s *Store) CountByStatus(ctx context.Context) (map[job.Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, apperrors.Internal("ledger.countByStatus", err)
	}
	defer rows.Close()

	counts := make(map[job.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, apperrors.Internal("ledger.countByStatus", err)
		}
		counts[job.Status(status)] = count
	}
	return counts, rows.Err()
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Internal("ledger.list", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apperrors.Internal("ledger.list", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*job.Job, error) {
	var (
		j                      job.Job
		slug, instance         sql.NullString
		artifact, errMsg       sql.NullString
		queued, started, done  sql.NullTime
		status                 string
		reqJSON, usedJSON, metaJSON string
	)

	err := sc.Scan(
		&j.ID, &j.CompetitionURL, &slug, &j.UnitName, &instance,
		&status, &j.Priority, &j.CreatedAt, &queued, &started, &done,
		&artifact, &errMsg, &reqJSON, &usedJSON, &metaJSON,
	)
	if err != nil {
		return nil, err
	}

	j.Slug = slug.String
	j.InstanceName = instance.String
	j.Status = job.Status(status)
	j.ArtifactPath = artifact.String
	j.ErrorMessage = errMsg.String
	if queued.Valid {
		t := queued.Time.UTC()
		j.QueuedAt = &t
	}
	if started.Valid {
		t := started.Time.UTC()
		j.StartedAt = &t
	}
	if done.Valid {
		t := done.Time.UTC()
		j.CompletedAt = &t
	}
	j.ResourcesRequested = unmarshalMap(reqJSON)
	j.ResourcesUsed = unmarshalMap(usedJSON)
	j.Metadata = unmarshalMap(metaJSON)
	return &j, nil
}

func marshalMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func unmarshalMap(s string) map[string]string {
	if s == "" || s == "{}" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func isConstraintViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Constraint") || strings.Contains(msg, "constraint") ||
		strings.Contains(msg, "Duplicate")
}

// Verify Store implements job.Ledger.
var _ job.Ledger = (*Store)(nil)
