// ABOUTME: Connection state machine shared by sink implementations
// ABOUTME: Validates transitions and notifies an optional observer
package sink

import (
	"fmt"
	"sync"
)

// ConnState is the lifecycle state of a sink connection
type ConnState int

const (
	Disconnected ConnState = iota
	Negotiating
	Connected
	Paused
	Error
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Negotiating:
		return "negotiating"
	case Connected:
		return "connected"
	case Paused:
		return "paused"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

var allowedTransitions = map[ConnState][]ConnState{
	Disconnected: {Negotiating},
	Negotiating:  {Connected, Disconnected},
	Connected:    {Paused, Negotiating, Disconnected},
	Paused:       {Connected, Negotiating, Disconnected},
	Error:        {Negotiating, Disconnected},
}

// CanTransition reports whether from -> to is a legal move. Error is reachable from anywhere.
func CanTransition(from, to ConnState) bool {
	if to == Error || from == to {
		return true
	}
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ConnTracker holds a ConnState and rejects illegal transitions
type ConnTracker struct {
	mu       sync.Mutex
	state    ConnState
	onChange func(from, to ConnState)
}

// OnChange registers a callback invoked after every state change
func (t *ConnTracker) OnChange(fn func(from, to ConnState)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// State returns the current state
func (t *ConnTracker) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Transition moves to the given state if legal
func (t *ConnTracker) Transition(to ConnState) error {
	t.mu.Lock()
	from := t.state
	if !CanTransition(from, to) {
		t.mu.Unlock()
		return fmt.Errorf("illegal sink state transition %s -> %s", from, to)
	}
	t.state = to
	fn := t.onChange
	t.mu.Unlock()

	if fn != nil && from != to {
		fn(from, to)
	}
	return nil
}
