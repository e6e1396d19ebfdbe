// Package status tracks the session lifecycle state and publishes every
// transition on the bus.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State is a session lifecycle state.
type State string

const (
	Anonymous           State = "ANONYMOUS"
	Authenticating      State = "AUTHENTICATING"
	PendingVerification State = "PENDING_VERIFICATION"
	Authenticated       State = "AUTHENTICATED"
	SigningOut          State = "SIGNING_OUT"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Anonymous:           {Authenticating, Authenticated},
	Authenticating:      {Authenticated, PendingVerification, Anonymous},
	PendingVerification: {Authenticated, Authenticating, Anonymous},
	Authenticated:       {SigningOut, Anonymous},
	SigningOut:          {Anonymous},
}

// Machine tracks and enforces session state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Anonymous state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Anonymous,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

// TransitionFrom moves to a new state only if the machine is currently in one
// of the given states. It reports whether the transition happened.
func (m *Machine) TransitionFrom(to State, from ...State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(from, m.current) {
		return false
	}
	return m.transitionLocked(to) == nil
}

// Reset forces the machine back to Anonymous from any state.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == Anonymous {
		return
	}
	m.publish(m.current, Anonymous)
	m.current = Anonymous
}

func (m *Machine) transitionLocked(to State) error {
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.publish(from, to)
	return nil
}

func (m *Machine) publish(from, to State) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.SessionStatusChanged,
		Timestamp: time.Now(),
		Payload: StatusChange{
			From: from,
			To:   to,
		},
	})
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
