// Package orderstate implements the per-order lifecycle FSM: a closed set
// of states, a table of legal transitions, and idempotent handling of
// duplicate venue notifications.
//
// Grounded on execution/executor.go's OrderState constants
// (PENDING/OPEN/FILLED/PARTIAL/CANCELLED/REJECTED), generalized from a
// string set assigned ad hoc at each call site into an explicit transition
// table that rejects illegal edges.
package orderstate

import (
	"errors"
	"fmt"
)

// State is the closed set of order lifecycle states.
type State int

const (
	StatePendingSubmit State = iota
	StateOpen
	StatePartiallyFilled
	StateFilled
	StateCancelled
	StateRejected
)

func (s State) String() string {
	switch s {
	case StatePendingSubmit:
		return "PENDING_SUBMIT"
	case StateOpen:
		return "OPEN"
	case StatePartiallyFilled:
		return "PARTIALLY_FILLED"
	case StateFilled:
		return "FILLED"
	case StateCancelled:
		return "CANCELLED"
	case StateRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is legal from this state.
func (s State) Terminal() bool {
	return s == StateFilled || s == StateCancelled || s == StateRejected
}

// Event is the closed set of triggers that can drive a transition.
type Event int

const (
	EventVenueAck Event = iota
	EventVenueReject
	EventPartialFill
	EventFullFill
	EventCancelAck
)

func (e Event) String() string {
	switch e {
	case EventVenueAck:
		return "venue_ack"
	case EventVenueReject:
		return "venue_reject"
	case EventPartialFill:
		return "partial_fill"
	case EventFullFill:
		return "full_fill"
	case EventCancelAck:
		return "cancel_ack"
	default:
		return "unknown_event"
	}
}

// ErrInvalidTransition is returned for any (state, event) pair not present
// in the legal-transition table below.
var ErrInvalidTransition = errors.New("orderstate: invalid transition")

// transitions is the full set of legal (state, event) -> state edges.
var transitions = map[State]map[Event]State{
	StatePendingSubmit: {
		EventVenueAck:    StateOpen,
		EventVenueReject: StateRejected,
	},
	StateOpen: {
		EventPartialFill: StatePartiallyFilled,
		EventFullFill:    StateFilled,
		EventCancelAck:   StateCancelled,
	},
	StatePartiallyFilled: {
		EventPartialFill: StatePartiallyFilled,
		EventFullFill:    StateFilled,
		EventCancelAck:   StateCancelled,
	},
}

// Machine wraps a mutable order state and applies the transition table.
type Machine struct {
	state State
	// appliedEvents makes a repeated notification for an already-applied
	// event a no-op (same event -> same state -> no-op return) even when
	// the state itself is terminal and would otherwise reject any further
	// event outright.
	appliedEvents map[Event]State
}

// NewMachine starts a machine in PENDING_SUBMIT.
func NewMachine() *Machine {
	return &Machine{
		state:         StatePendingSubmit,
		appliedEvents: make(map[Event]State),
	}
}

// NewMachineAt restores a machine to a known state (used when the Engine
// rehydrates persisted orders before reconciliation, where the state
// arrives from persistence rather than via a fresh transition sequence).
func NewMachineAt(s State) *Machine {
	return &Machine{
		state:         s,
		appliedEvents: make(map[Event]State),
	}
}

func (m *Machine) State() State { return m.state }

// Apply drives the FSM with event, returning the resulting state. If event
// was already applied from this same prior state (a duplicate venue
// notification), it returns the same resulting state with no error and no
// further mutation.
func (m *Machine) Apply(event Event) (State, error) {
	if dest, ok := m.appliedEvents[event]; ok && dest == m.state {
		// event already drove this exact transition once (a duplicate venue
		// notification, including one landing after the state went
		// terminal) — a no-op, not an error. Any other event reaching a
		// terminal state falls through to the table lookup below and is
		// rejected, since transitions has no entry for a terminal state.
		return m.state, nil
	}

	table, ok := transitions[m.state]
	if !ok {
		return m.state, fmt.Errorf("%w: no transitions defined from %s", ErrInvalidTransition, m.state)
	}
	dest, ok := table[event]
	if !ok {
		return m.state, fmt.Errorf("%w: %s on event %s", ErrInvalidTransition, m.state, event)
	}

	m.state = dest
	m.appliedEvents[event] = dest
	return m.state, nil
}
