package relay

import "sync"

// State is a connection lifecycle state.
type State int32

// Connection lifecycle states.
const (
	// StateInit is the state between construction and Run.
	StateInit State = iota
	// StateOpen is the normal operating state.
	StateOpen
	// StateDraining indicates outbound backpressure: the send buffer is
	// full but the connection remains otherwise usable.
	StateDraining
	// StateClosing indicates a graceful shutdown was requested; remaining
	// inbound data is discarded.
	StateClosing
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateOpen:
		return "OPEN"
	case StateDraining:
		return "DRAINING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// validTransition reports whether from -> to is in the lifecycle table:
//
//	INIT -> OPEN                      construction complete, exactly once
//	OPEN <-> DRAINING                 backpressure begins / buffer flushed
//	OPEN, DRAINING -> CLOSING         graceful shutdown requested
//	OPEN, DRAINING, CLOSING -> CLOSED socket terminated
//
// No transition leaves CLOSED.
func validTransition(from, to State) bool {
	switch from {
	case StateInit:
		return to == StateOpen
	case StateOpen:
		return to == StateDraining || to == StateClosing || to == StateClosed
	case StateDraining:
		return to == StateOpen || to == StateClosing || to == StateClosed
	case StateClosing:
		return to == StateClosed
	default:
		return false
	}
}

// stateMachine serializes lifecycle transitions for one connection.
// Transitions outside the table fail with InvalidTransitionError; callers
// treat that as a broken internal invariant, except for the compare-and-set
// helpers used on the concurrent backpressure paths.
type stateMachine struct {
	mu      sync.Mutex
	current State
}

// Current returns the current state.
func (m *stateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// transition moves to the target state, returning the state it left.
func (m *stateMachine) transition(to State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.current
	if !validTransition(from, to) {
		return from, &InvalidTransitionError{From: from, To: to}
	}
	m.current = to
	return from, nil
}

// transitionFrom moves from -> to only if the machine is currently in from.
// It reports whether the transition happened. Used where a concurrent event
// may already have moved the machine on (e.g. flush racing close).
func (m *stateMachine) transitionFrom(from, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != from || !validTransition(from, to) {
		return false
	}
	m.current = to
	return true
}

// writable reports whether sends are accepted in the current state.
func (m *stateMachine) writable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == StateOpen || m.current == StateDraining
}
