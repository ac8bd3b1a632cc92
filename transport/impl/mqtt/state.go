package mqtt

import "sync/atomic"

type State int32

const (
	StateNotInitialized State = iota
	StateOpening
	StateOpen
	StateSubscribing
	StateReceiving
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateNotInitialized:
		return "not_initialized"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateSubscribing:
		return "subscribing"
	case StateReceiving:
		return "receiving"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// isOpenFamily reports whether the connection is up. Inbound messages are
// dispatched only in these states.
func (s State) isOpenFamily() bool {
	return s == StateOpen || s == StateSubscribing || s == StateReceiving
}

type stateMachine struct {
	v atomic.Int32
}

func (m *stateMachine) Load() State {
	return State(m.v.Load())
}

func (m *stateMachine) transition(from, to State) bool {
	return m.v.CompareAndSwap(int32(from), int32(to))
}

// set moves to a terminal state unless already closed. It returns the
// previous state.
func (m *stateMachine) set(to State) State {
	for {
		cur := m.Load()
		if cur == StateClosed {
			return cur
		}
		if m.v.CompareAndSwap(int32(cur), int32(to)) {
			return cur
		}
	}
}
