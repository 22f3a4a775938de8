package realtime

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a realtime session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrInvalidTransition is returned when an event has no edge from the current state.
var ErrInvalidTransition = errors.New("invalid state transition")

var edges = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateReconnecting, StateFailed, StateDisconnected},
	StateConnected:    {StateReconnecting, StateFailed, StateDisconnected},
	StateReconnecting: {StateConnecting, StateDisconnected},
	StateFailed:       {StateConnecting, StateDisconnected},
}

// CanTransition reports whether from -> to is a defined edge.
func CanTransition(from, to State) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateMachine tracks a session's connection state and reconnect attempt counter.
// It is not safe for concurrent use; Manager serializes access.
type StateMachine struct {
	state        State
	attempt      int
	maxAttempts  int
	onTransition func(from, to State)
}

// NewStateMachine creates a machine in StateDisconnected allowing maxAttempts
// reconnects after a loss. onTransition may be nil.
func NewStateMachine(maxAttempts int, onTransition func(from, to State)) *StateMachine {
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	return &StateMachine{
		state:        StateDisconnected,
		maxAttempts:  maxAttempts,
		onTransition: onTransition,
	}
}

// State returns the current state.
func (m *StateMachine) State() State { return m.state }

// Attempt returns the number of reconnect attempts made since the last Open or
// ResetAttempts.
func (m *StateMachine) Attempt() int { return m.attempt }

// MaxAttempts returns the reconnect ceiling.
func (m *StateMachine) MaxAttempts() int { return m.maxAttempts }

func (m *StateMachine) transition(to State) error {
	from := m.state
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	if m.onTransition != nil {
		m.onTransition(from, to)
	}
	return nil
}

// Open handles a caller open: Disconnected or Failed -> Connecting, attempts reset.
func (m *StateMachine) Open() error {
	if err := m.transition(StateConnecting); err != nil {
		return err
	}
	m.attempt = 0
	return nil
}

// Established handles a successful channel: Connecting -> Connected. The attempt
// counter is kept; the owner calls ResetAttempts once the connection has proven
// stable, so a peer that drops every connection still reaches the ceiling.
func (m *StateMachine) Established() error {
	if m.state != StateConnecting {
		return fmt.Errorf("%w: established in %s", ErrInvalidTransition, m.state)
	}
	return m.transition(StateConnected)
}

// ResetAttempts restores the full reconnect budget.
func (m *StateMachine) ResetAttempts() {
	m.attempt = 0
}

// Lost handles a connect error or unexpected close from Connecting or Connected.
// It returns StateReconnecting while attempts remain and StateFailed otherwise.
func (m *StateMachine) Lost() (State, error) {
	if m.state != StateConnecting && m.state != StateConnected {
		return m.state, fmt.Errorf("%w: lost in %s", ErrInvalidTransition, m.state)
	}
	to := StateFailed
	if m.attempt < m.maxAttempts {
		to = StateReconnecting
	}
	if err := m.transition(to); err != nil {
		return m.state, err
	}
	return to, nil
}

// BackoffElapsed handles the reconnect timer: Reconnecting -> Connecting, attempt++.
func (m *StateMachine) BackoffElapsed() error {
	if m.state != StateReconnecting {
		return fmt.Errorf("%w: backoff elapsed in %s", ErrInvalidTransition, m.state)
	}
	if err := m.transition(StateConnecting); err != nil {
		return err
	}
	m.attempt++
	return nil
}

// Close moves any state to Disconnected. Closing a disconnected machine is a no-op.
func (m *StateMachine) Close() {
	if m.state == StateDisconnected {
		return
	}
	_ = m.transition(StateDisconnected)
}
