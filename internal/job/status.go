package job

// Status is the lifecycle state of a job. The set is closed: transitions are
// validated by CanTransition and enforced again at the ledger boundary.
type Status string

const (
	StatusPending Status = "pending" // persisted, no execution unit yet
	StatusQueued  Status = "queued"  // execution unit submitted to the platform
	StatusRunning Status = "running" // a process instance has been observed running
	StatusSuccess Status = "success" // artifact verified present
	StatusFailed  Status = "failed"  // task-level or platform-level failure
	StatusTimeout Status = "timeout" // killed for exceeding its deadline
)

// statusRank orders states along the lifecycle. Terminal states share the
// highest rank so no terminal state can transition into another.
var statusRank = map[Status]int{
	StatusPending: 0,
	StatusQueued:  1,
	StatusRunning: 2,
	StatusSuccess: 3,
	StatusFailed:  3,
	StatusTimeout: 3,
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// IsTerminal reports whether s is an absorbing state.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusTimeout
}

// CanTransition reports whether moving from one status to another is legal.
// The lifecycle only moves forward: pending → queued → running → terminal,
// where any non-terminal state may jump straight to a terminal one (the
// platform can fail a unit before an instance ever runs). Terminal states
// have no outgoing transitions.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from.IsTerminal() {
		return false
	}
	return statusRank[to] > statusRank[from]
}
