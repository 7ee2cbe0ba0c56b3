package app

import "time"

// StateKind is the tag of the ApplicationState variant.
type StateKind string

const (
	StateStopped  StateKind = "stopped"
	StateStarting StateKind = "starting"
	StateRunning  StateKind = "running"
	StateStopping StateKind = "stopping"
	StateCrashed  StateKind = "crashed"
	StateBackoff  StateKind = "backoff"
)

// State is the tagged ApplicationState variant. Attempt and NextRetryAt are
// only meaningful when Kind == StateBackoff.
type State struct {
	Kind        StateKind
	Attempt     uint32
	NextRetryAt time.Time
}

// Stopped, Starting, Running, Stopping, Crashed construct the corresponding
// zero-payload state.
func Stopped() State  { return State{Kind: StateStopped} }
func Starting() State { return State{Kind: StateStarting} }
func Running() State  { return State{Kind: StateRunning} }
func Stopping() State { return State{Kind: StateStopping} }
func Crashed() State  { return State{Kind: StateCrashed} }

// Backoff constructs the Backoff{attempt, next_retry_at} state.
func Backoff(attempt uint32, nextRetryAt time.Time) State {
	return State{Kind: StateBackoff, Attempt: attempt, NextRetryAt: nextRetryAt}
}

func (s State) String() string {
	if s.Kind == StateBackoff {
		return string(StateBackoff)
	}
	return string(s.Kind)
}
