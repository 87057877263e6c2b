package connection

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of a connection.
type State uint8

const (
	// StateClosed means no connection exists.
	StateClosed State = iota
	// StateConnecting covers dialing and the welcome and media handshakes.
	StateConnecting
	// StateConnected means both channels are up and no login was accepted.
	StateConnected
	// StateAuthorized means the server accepted a login.
	StateAuthorized
	// StateLost means the connection failed and awaits teardown or a
	// reconnect.
	StateLost
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthorized:
		return "authorized"
	case StateLost:
		return "lost"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

var transitions = map[State][]State{
	StateClosed:     {StateConnecting},
	StateConnecting: {StateConnected, StateClosed},
	StateConnected:  {StateAuthorized, StateLost, StateClosed},
	StateAuthorized: {StateConnected, StateLost, StateClosed},
	StateLost:       {StateConnecting, StateClosed},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// StateMachine guards the current state. It is safe for concurrent use.
type StateMachine struct {
	mu    sync.RWMutex
	state State
	since time.Time
	now   func() time.Time
}

// NewStateMachine returns a machine in StateClosed. now may be nil.
func NewStateMachine(now func() time.Time) *StateMachine {
	if now == nil {
		now = time.Now
	}
	return &StateMachine{now: now, since: now()}
}

// State returns the current state.
func (m *StateMachine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Since returns when the current state was entered.
func (m *StateMachine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition moves to the given state and returns the previous one.
// Re-entering the current state is an error like any other illegal move.
func (m *StateMachine) Transition(to State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.state
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %v -> %v", ErrInvalidTransition, from, to)
	}
	m.state = to
	m.since = m.now()

	logrus.WithFields(logrus.Fields{
		"function": "StateMachine.Transition",
		"from":     from.String(),
		"to":       to.String(),
	}).Debug("Connection state changed")
	return from, nil
}

// TransitionFrom moves to the given state only if the current state is one
// of from. It reports whether the move happened.
func (m *StateMachine) TransitionFrom(to State, from ...State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(from, m.state) || !CanTransition(m.state, to) {
		return false
	}
	prev := m.state
	m.state = to
	m.since = m.now()

	logrus.WithFields(logrus.Fields{
		"function": "StateMachine.TransitionFrom",
		"from":     prev.String(),
		"to":       to.String(),
	}).Debug("Connection state changed")
	return true
}
