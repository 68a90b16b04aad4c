package docker

import (
	"time"

	"arena/internal/platform"
)

// Failure reasons reported for terminated instances. ReasonDeadlineExceeded
// lives in the platform package because the synchronizer keys off it.
const (
	reasonOOMKilled = "OOMKilled"
	reasonError     = "Error"
)

// instancePhase maps a container's observed state to an instance phase.
func instancePhase(running bool, status string, exitCode int) platform.Phase {
	switch {
	case running:
		return platform.PhaseRunning
	case status == "created" || status == "restarting":
		return platform.PhasePending
	case exitCode == 0:
		return platform.PhaseSucceeded
	default:
		return platform.PhaseFailed
	}
}

// failureReason classifies a nonzero exit. Deadline overruns win over every
// other signal so a killed-for-timeout container is never mistaken for an
// ordinary crash.
func failureReason(oomKilled bool, ranFor, deadline time.Duration, stateErr string) string {
	switch {
	case deadline > 0 && ranFor >= deadline:
		return platform.ReasonDeadlineExceeded
	case oomKilled:
		return reasonOOMKilled
	case stateErr != "":
		return stateErr
	default:
		return reasonError
	}
}

// runDuration computes how long an instance ran. Containers killed before
// ever starting report a zero start time, which must not be mistaken for a
// very long run.
func runDuration(startedAt, finishedAt time.Time) time.Duration {
	if startedAt.IsZero() || finishedAt.IsZero() || finishedAt.Before(startedAt) {
		return 0
	}
	return finishedAt.Sub(startedAt)
}

// pastDeadline reports whether a still-running container has exceeded its
// deadline and should be stopped.
func pastDeadline(startedAt time.Time, deadline time.Duration, now time.Time) bool {
	if deadline <= 0 || startedAt.IsZero() {
		return false
	}
	return now.Sub(startedAt) >= deadline
}
