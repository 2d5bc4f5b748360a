package conn

import "fmt"

type State uint8

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// CanTransition reports whether the push channel may move from s to to.
func (s State) CanTransition(to State) bool {
	switch s {
	case StateIdle:
		return to == StateConnecting
	case StateConnecting:
		return to == StateOpen || to == StateClosing || to == StateClosed
	case StateOpen:
		return to == StateClosing || to == StateClosed
	case StateClosing:
		return to == StateClosed
	case StateClosed:
		return to == StateConnecting
	default:
		return false
	}
}
