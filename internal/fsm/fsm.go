// Package fsm provides the generic state-machine driver the proxy composes
// its per-connection behavior over. The driver knows nothing about the
// concrete state set; it dispatches readiness events to the hooks of the
// current state and performs transitions returned by those hooks.
package fsm

import "errors"

// StateID identifies a state in a machine's state table.
type StateID int

// Handlers defines the optional hooks for one state. Any hook may be nil.
// OnRead, OnWrite and OnBlock return the next state; returning the current
// state means no transition.
type Handlers[C any] struct {
	State       StateID
	OnArrival   func(ctx C)
	OnDeparture func(ctx C)
	OnRead      func(ctx C) StateID
	OnWrite     func(ctx C) StateID
	OnBlock     func(ctx C) StateID
}

// Machine drives one instance through a shared state table.
type Machine[C any] struct {
	states  []Handlers[C]
	current StateID
}

// ErrNoHandler is returned when an event arrives for a state that defines
// no hook for it.
var ErrNoHandler = errors.New("fsm: no handler for event in current state")

// New creates a machine positioned at initial. The states slice is indexed
// by StateID; entries whose State field does not match their index are
// rejected so transition targets always resolve.
func New[C any](states []Handlers[C], initial StateID) (*Machine[C], error) {
	for i, st := range states {
		if st.State != StateID(i) {
			return nil, errors.New("fsm: state table entry out of order")
		}
	}
	if int(initial) >= len(states) {
		return nil, errors.New("fsm: initial state out of range")
	}
	return &Machine[C]{states: states, current: initial}, nil
}

// Current returns the current state.
func (m *Machine[C]) Current() StateID {
	return m.current
}

// Start invokes the initial state's arrival hook. Call once before
// delivering events.
func (m *Machine[C]) Start(ctx C) {
	if h := m.states[m.current].OnArrival; h != nil {
		h(ctx)
	}
}

// HandleRead delivers a read-readiness event.
func (m *Machine[C]) HandleRead(ctx C) (StateID, error) {
	h := m.states[m.current].OnRead
	if h == nil {
		return m.current, ErrNoHandler
	}
	return m.transition(ctx, h(ctx)), nil
}

// HandleWrite delivers a write-readiness event.
func (m *Machine[C]) HandleWrite(ctx C) (StateID, error) {
	h := m.states[m.current].OnWrite
	if h == nil {
		return m.current, ErrNoHandler
	}
	return m.transition(ctx, h(ctx)), nil
}

// HandleBlock delivers an out-of-band unblock event.
func (m *Machine[C]) HandleBlock(ctx C) (StateID, error) {
	h := m.states[m.current].OnBlock
	if h == nil {
		return m.current, ErrNoHandler
	}
	return m.transition(ctx, h(ctx)), nil
}

// Jump forces a transition from outside an event hook, running departure
// and arrival hooks as usual. Used for error paths discovered between
// events.
func (m *Machine[C]) Jump(ctx C, next StateID) StateID {
	return m.transition(ctx, next)
}

// transition applies the rule from the driver contract: when next differs
// from current, invoke current's departure hook, update, invoke next's
// arrival hook. Arrival hooks may themselves request a further transition
// by the arrival-chaining convention: arrival runs, and if it jumped the
// machine via Jump the later state wins.
func (m *Machine[C]) transition(ctx C, next StateID) StateID {
	for next != m.current {
		if h := m.states[m.current].OnDeparture; h != nil {
			h(ctx)
		}
		m.current = next
		if h := m.states[m.current].OnArrival; h != nil {
			h(ctx)
		}
		next = m.current
	}
	return m.current
}
