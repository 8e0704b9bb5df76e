// Package live maintains the WebSocket channel: a latency optimization
// layered over pull replication, never a correctness requirement.
package live

import (
	"fmt"
	"slices"
	"sync"

	"github.com/beaconmesh/beacon/internal/bus"
)

// State is the live channel connection state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Subscribed   State = "SUBSCRIBED"
)

// validTransitions defines allowed state transitions. Any state can drop to
// Disconnected; Subscribed is only reachable through Connected.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Subscribed, Disconnected},
	Subscribed:   {Connected, Disconnected},
}

// Machine tracks and enforces live channel state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Online reports whether the channel is usable for delivery.
func (m *Machine) Online() bool {
	s := m.Current()
	return s == Connected || s == Subscribed
}

// Transition attempts to move to a new state. Returns error if transition is
// invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Emit("live.state_changed", StateChange{From: from, To: to})
		switch to {
		case Connected:
			if from == Connecting {
				// A fresh connection means an unknown gap; the puller
				// reacts with an immediate pull.
				m.bus.Emit("live.connected", nil)
			}
		case Disconnected:
			m.bus.Emit("live.disconnected", nil)
		}
	}
	return nil
}

// StateChange is the payload for state change events.
type StateChange struct {
	From State
	To   State
}
