package orchestrator

// State is the retry loop state.
type State int

const (
	// StateInit is the state before the first iteration.
	StateInit State = iota

	// StateIterating means workers are being spawned.
	StateIterating

	// StateConverged means a flaky test was found.
	StateConverged

	// StateRunsExhausted means the run budget ran out without finding one.
	StateRunsExhausted

	// StateFailLimit means the fail budget ran out.
	StateFailLimit

	// StateCancelled means the session context ended the loop.
	StateCancelled
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateIterating:
		return "iterating"
	case StateConverged:
		return "converged"
	case StateRunsExhausted:
		return "runs_exhausted"
	case StateFailLimit:
		return "fail_limit"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal returns true once the loop has ended.
func (s State) IsTerminal() bool {
	return s >= StateConverged
}

// Success reports whether the state maps to a successful session exit.
func (s State) Success() bool {
	return s == StateConverged || s == StateRunsExhausted
}

// Class classifies how one iteration ended.
type Class string

const (
	ClassAccepted       Class = "accepted"
	ClassConverged      Class = "converged"
	ClassInvalidExit    Class = "invalid_exit"
	ClassInvalidTimeout Class = "invalid_timeout"
	ClassInvalidRecord  Class = "invalid_record"
	ClassInvalidStale   Class = "invalid_stale"
	ClassSpawnError     Class = "spawn_error"
	ClassCancelled      Class = "cancelled"
)

// Classes lists every class, in report order.
var Classes = []Class{
	ClassAccepted,
	ClassConverged,
	ClassInvalidExit,
	ClassInvalidTimeout,
	ClassInvalidRecord,
	ClassInvalidStale,
	ClassSpawnError,
	ClassCancelled,
}

// Invalid reports whether the class consumes the fail budget.
func (c Class) Invalid() bool {
	switch c {
	case ClassInvalidExit, ClassInvalidTimeout, ClassInvalidRecord, ClassInvalidStale, ClassSpawnError:
		return true
	default:
		return false
	}
}
