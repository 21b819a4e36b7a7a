package connection

import (
	"errors"
	"fmt"
	"sync"
)

// State machine errors.
var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNoTransition      = errors.New("already in target state")
)

// State represents the connection state.
type State uint8

const (
	// StateDisconnected indicates no active connection. It is the initial state.
	StateDisconnected State = iota

	// StateConnecting indicates a connection attempt is in progress.
	StateConnecting

	// StateConnected indicates an active connection.
	StateConnected

	// StateDisconnecting indicates an explicit disconnect is closing the transport.
	StateDisconnecting

	// StateFailed indicates the last attempt or the live transport failed.
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// transitions lists the allowed target states for every state.
var transitions = map[State][]State{
	StateDisconnected:  {StateConnecting},
	StateConnecting:    {StateConnected, StateFailed, StateDisconnecting},
	StateConnected:     {StateDisconnected, StateDisconnecting, StateFailed},
	StateDisconnecting: {StateDisconnected, StateFailed},
	StateFailed:        {StateConnecting, StateDisconnected},
}

// CanTransition reports whether from -> to is an allowed transition.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionFunc observes an accepted transition.
type TransitionFunc func(from, to State)

// StateMachine holds the current State and enforces the transition table.
// It is safe for concurrent use. Observers run synchronously on the
// goroutine that called Transition, after the state has been updated.
type StateMachine struct {
	mu        sync.Mutex
	state     State
	observers []TransitionFunc
}

// NewStateMachine creates a machine in StateDisconnected.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateDisconnected}
}

// State returns the current state.
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnTransition registers fn to be called on every accepted transition.
func (m *StateMachine) OnTransition(fn TransitionFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Transition moves the machine to the target state.
// It returns ErrNoTransition if the machine is already in to, and
// ErrInvalidTransition if the table does not allow the move.
func (m *StateMachine) Transition(to State) error {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return ErrNoTransition
	}
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	observers := m.observers
	m.mu.Unlock()

	for _, fn := range observers {
		fn(from, to)
	}
	return nil
}
