package agent

import (
	"errors"
	"fmt"
)

// State is the lifecycle position of an agent.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotRunning        = errors.New("agent is not running")
	ErrStopTimeout       = errors.New("agent did not stop in time")
)

// CanStart reports whether Start is legal from s.
func (s State) CanStart() bool {
	switch s {
	case StateIdle, StateStopped, StateError:
		return true
	default:
		return false
	}
}

// Active reports whether background goroutines may be running.
func (s State) Active() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

func transitionError(from State, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// ParseState maps a state name to a State.
func ParseState(value string) (State, error) {
	switch s := State(value); s {
	case StateIdle, StateStarting, StateRunning, StateStopping, StateStopped, StateError:
		return s, nil
	default:
		return "", fmt.Errorf("unknown agent state %q", value)
	}
}
