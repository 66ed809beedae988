// Package lifecycle runs ClassMarket background work off the request path.
//
// A [Worker] executes one [Task] on a fixed interval on its own goroutine.
// The refresh token sweeper is the main user: it deletes expired rows so
// that request-path lookups never have to.
//
// Workers move through a small state machine:
//
//	Unknown → Starting → Running → Stopping → Stopped
//
// A running worker may be paused, which keeps the goroutine alive but skips
// ticks until it is resumed. Any non-terminal state may fail, and a stopped
// or failed worker may be started again.
//
// All Worker methods are safe for concurrent use.
package lifecycle

// State is the lifecycle state of a [Worker]. The zero value is not valid;
// workers start in [StateUnknown].
type State string

const (
	StateUnknown  State = "unknown"
	StateStarting State = "starting"

	// StateRunning is the only state in which [Worker.Health] reports
	// healthy and ticks execute the task.
	StateRunning State = "running"

	// StatePaused keeps the loop alive but skips ticks.
	StatePaused State = "paused"

	StateStopping State = "stopping"
	StateStopped  State = "stopped"

	// StateFailed is entered when a start or stop hook fails. Task errors
	// on individual ticks do not fail the worker.
	StateFailed State = "failed"
)

// String returns the state name.
func (s State) String() string {
	return string(s)
}

// Valid reports whether s is a recognized state.
func (s State) Valid() bool {
	switch s {
	case StateUnknown, StateStarting, StateRunning, StatePaused,
		StateStopping, StateStopped, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is [StateStopped] or [StateFailed].
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// transitions lists the allowed targets of each state.
//
//	Unknown  → Starting, Failed
//	Starting → Running, Failed, Stopping
//	Running  → Paused, Stopping, Failed
//	Paused   → Running, Stopping, Failed
//	Stopping → Stopped, Failed
//	Stopped  → Starting
//	Failed   → Starting
var transitions = map[State][]State{
	StateUnknown:  {StateStarting, StateFailed},
	StateStarting: {StateRunning, StateFailed, StateStopping},
	StateRunning:  {StatePaused, StateStopping, StateFailed},
	StatePaused:   {StateRunning, StateStopping, StateFailed},
	StateStopping: {StateStopped, StateFailed},
	StateStopped:  {StateStarting},
	StateFailed:   {StateStarting},
}

// ValidTransition reports whether a worker may move from one state to
// another. Self-transitions are never valid.
func ValidTransition(from, to State) bool {
	if from == to {
		return false
	}
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
