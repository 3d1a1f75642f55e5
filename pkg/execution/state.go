package execution

import (
	"errors"
	"fmt"
)

// State is the lifecycle position of a turn
type State int32

const (
	StateStarted State = iota
	StateThinking
	StateToolCallPending
	StateComplete
	StateFailed
	StateInterrupted
)

var (
	// ErrInterrupted is returned from a checkpoint once the turn has been interrupted
	ErrInterrupted = errors.New("execution interrupted")
	// ErrInvalidTransition is returned when a state change is not permitted
	ErrInvalidTransition = errors.New("invalid state transition")
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "STARTED"
	case StateThinking:
		return "THINKING"
	case StateToolCallPending:
		return "TOOL_CALL_PENDING"
	case StateComplete:
		return "COMPLETE"
	case StateFailed:
		return "FAILED"
	case StateInterrupted:
		return "INTERRUPTED"
	default:
		return fmt.Sprintf("STATE(%d)", int32(s))
	}
}

// IsTerminal reports whether no further transition is allowed out of s
func (s State) IsTerminal() bool {
	return s == StateComplete || s == StateFailed || s == StateInterrupted
}

var transitions = map[State][]State{
	StateStarted:         {StateThinking, StateComplete},
	StateThinking:        {StateToolCallPending, StateComplete},
	StateToolCallPending: {StateThinking},
}

// CanTransition reports whether from -> to is a legal move.
// FAILED and INTERRUPTED are reachable from every non-terminal state.
func CanTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StateFailed || to == StateInterrupted {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
