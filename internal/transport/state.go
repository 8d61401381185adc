// state.go tracks the connection state of a session.
//
// The state (Disconnected, Connecting, Connected, Failed) is updated by the
// session lifecycle. Transitions are kept in a ring buffer (50 entries) for the
// status endpoint, and registered callbacks are invoked on every change.

package transport

import (
	"sync"
	"time"
)

// ConnectionState is the current state of a session's connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateFailed
)

// String returns the human-readable name of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const stateTransitionBufferSize = 50

// StateTransition records a single state change.
type StateTransition struct {
	From      ConnectionState `json:"from"`
	To        ConnectionState `json:"to"`
	Timestamp time.Time       `json:"timestamp"`
	Reason    string          `json:"reason"`
}

// StateChangeCallback is called synchronously on every state change.
type StateChangeCallback func(from, to ConnectionState, reason string)

type stateTracker struct {
	mu          sync.RWMutex
	current     ConnectionState
	transitions [stateTransitionBufferSize]StateTransition
	head        int
	count       int
	callbacks   []StateChangeCallback
}

func newStateTracker() *stateTracker {
	return &stateTracker{current: StateDisconnected}
}

// set updates the state and records the transition. Unchanged states are a no-op.
func (st *stateTracker) set(state ConnectionState, reason string) {
	st.mu.Lock()
	from := st.current
	if from == state {
		st.mu.Unlock()
		return
	}
	st.current = state
	st.transitions[st.head] = StateTransition{
		From:      from,
		To:        state,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	st.head = (st.head + 1) % stateTransitionBufferSize
	if st.count < stateTransitionBufferSize {
		st.count++
	}

	// Copy callbacks under lock, invoke outside lock
	cbs := make([]StateChangeCallback, len(st.callbacks))
	copy(cbs, st.callbacks)
	st.mu.Unlock()

	for _, cb := range cbs {
		cb(from, state, reason)
	}
}

func (st *stateTracker) get() ConnectionState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current
}

// history returns the transitions in chronological order.
func (st *stateTracker) history() []StateTransition {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.count == 0 {
		return nil
	}

	result := make([]StateTransition, st.count)
	if st.count < stateTransitionBufferSize {
		copy(result, st.transitions[:st.count])
	} else {
		// Buffer is full, head is the oldest entry.
		n := copy(result, st.transitions[st.head:])
		copy(result[n:], st.transitions[:st.head])
	}
	return result
}

func (st *stateTracker) onChange(cb StateChangeCallback) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.callbacks = append(st.callbacks, cb)
}
