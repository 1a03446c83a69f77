package stage

import (
	"errors"
	"fmt"
)

// State is a point in the lifecycle of one stage run.
type State string

const (
	StateLoaded    State = "LOADED"
	StateValidated State = "VALIDATED"
	StateExecuted  State = "EXECUTED"
	StateChecked   State = "CHECKED"
	StatePersisted State = "PERSISTED"
	StateFailed    State = "FAILED"
)

var ErrTransition = errors.New("disallowed state transition")

// IsTerminal reports whether a run can stop in s. CHECKED is terminal when
// nothing needed to be written back.
func IsTerminal(s State) bool {
	switch s {
	case StateChecked, StatePersisted, StateFailed:
		return true
	default:
		return false
	}
}

// IsSuccessful reports whether s ends a successful run.
func IsSuccessful(s State) bool {
	return s == StateChecked || s == StatePersisted
}

// Transition validates a move from one state to the next.
func Transition(from, to State) error {
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransition, from, to)
	}
	return nil
}

func isAllowedTransition(from, to State) bool {
	switch from {
	case StateLoaded:
		return to == StateValidated || to == StateFailed
	case StateValidated:
		return to == StateExecuted || to == StateFailed
	case StateExecuted:
		return to == StateChecked || to == StateFailed
	case StateChecked:
		return to == StatePersisted || to == StateFailed
	default:
		return false
	}
}
