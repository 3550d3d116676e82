package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/imaryza/isync/internal/bus"
)

// Phase is a connection phase of a transport client.
type Phase string

const (
	Disconnected Phase = "DISCONNECTED"
	Connecting   Phase = "CONNECTING"
	Connected    Phase = "CONNECTED"
	// Closing is entered only by a caller-initiated disconnect and is terminal.
	Closing Phase = "CLOSING"
)

// validTransitions defines allowed phase transitions.
var validTransitions = map[Phase][]Phase{
	Disconnected: {Connecting, Closing},
	Connecting:   {Connected, Disconnected, Closing},
	Connected:    {Disconnected, Closing},
	Closing:      {},
}

// Machine tracks and enforces phase transitions.
type Machine struct {
	mu      sync.RWMutex
	current Phase
	bus     *bus.Bus
	source  string
}

// NewMachine creates a new state machine starting in Disconnected. source
// identifies the owner in published events.
func NewMachine(b *bus.Bus, source string) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
		source:  source,
	}
}

// Current returns the current phase.
func (m *Machine) Current() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new phase. Returns error if transition is invalid.
func (m *Machine) Transition(to Phase) error {
	_, err := m.TransitionFrom(nil, to)
	return err
}

// TransitionFrom moves to a new phase only if the current phase is one of from
// (any phase when from is nil). It returns the phase that was left.
func (m *Machine) TransitionFrom(from []Phase, to Phase) (Phase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.current
	if from != nil && !slices.Contains(from, prev) {
		return prev, fmt.Errorf("transition to %s requires one of %v, current is %s", to, from, prev)
	}
	if !slices.Contains(validTransitions[prev], to) {
		return prev, fmt.Errorf("invalid transition from %s to %s", prev, to)
	}
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindTransportPhase,
			Timestamp: time.Now(),
			Payload: PhaseChange{
				Source: m.source,
				From:   prev,
				To:     to,
			},
		})
	}
	return prev, nil
}

// PhaseChange is the payload for phase change events.
type PhaseChange struct {
	Source string
	From   Phase
	To     Phase
}
