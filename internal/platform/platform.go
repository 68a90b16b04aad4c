// Package platform defines the execution platform boundary: the reconciler
// observes execution units and their process instances through this interface
// and never mutates a unit after creation except to delete it.
package platform

import (
	"context"
	"time"
)

// Phase is the observable state of a process instance.
type Phase string

const (
	PhasePending   Phase = "Pending"
	PhaseRunning   Phase = "Running"
	PhaseSucceeded Phase = "Succeeded"
	PhaseFailed    Phase = "Failed"
)

// ReasonDeadlineExceeded is the platform-supplied termination reason for a
// unit killed for exceeding its deadline. The synchronizer classifies such
// failures as timeouts.
const ReasonDeadlineExceeded = "DeadlineExceeded"

// Unit is the observed state of one execution unit. Counts reflect process
// instance attempts: under platform-level retries a unit can report succeeded
// and failed attempts at the same time.
type Unit struct {
	Name  string
	JobID string

	Active    int
	Succeeded int
	Failed    int

	// FailureReason is the platform-supplied reason for the most recent
	// failed attempt, empty otherwise.
	FailureReason string

	// CompletedAt is set once the unit has finished (successfully or not).
	CompletedAt *time.Time
}

// Instance is the observed state of one concrete attempt belonging to an
// execution unit.
type Instance struct {
	Name  string
	JobID string
	Phase Phase

	// ExitCode and Reason are meaningful only for terminated instances.
	ExitCode   int
	Reason     string
	FinishedAt *time.Time
}

// Resources carries opaque quantity strings as requested by the submitter
// (e.g. cpu "1", memory "2Gi").
type Resources struct {
	CPU    string
	Memory string
}

// UnitSpec describes an execution unit to be created.
type UnitSpec struct {
	Name  string
	JobID string

	Image           string
	CompetitionURL  string
	Resources       Resources
	DeadlineSeconds int
}

// Platform is the container orchestration backend. Implementations classify
// their errors through apperrors: transient backend failures are Unavailable,
// a unit that already exists is a Conflict, a missing unit is NotFound.
type Platform interface {
	// UnitExists probes for an execution unit by name.
	UnitExists(ctx context.Context, name string) (bool, error)

	// CreateUnit submits a new execution unit. Creating a unit whose name
	// already exists returns a conflict error.
	CreateUnit(ctx context.Context, spec UnitSpec) error

	// ListUnits returns all execution units belonging to this workload.
	ListUnits(ctx context.Context) ([]Unit, error)

	// ListInstances returns all process instances belonging to this workload.
	ListInstances(ctx context.Context) ([]Instance, error)

	// ReadLog returns up to tailLines of a process instance's output.
	ReadLog(ctx context.Context, instanceName string, tailLines int) (string, error)

	// DeleteUnit removes an execution unit. Deleting a unit that does not
	// exist returns a not found error; callers treat that as success.
	DeleteUnit(ctx context.Context, name string) error

	// Ready checks the backend is reachable, for readiness probing.
	Ready(ctx context.Context) error

	Close() error
}
