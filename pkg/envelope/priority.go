package envelope

import (
	"fmt"
	"strings"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	return p.Rank() >= 0
}

// Rank orders priorities from low (0) to critical (3). Unknown values rank -1.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityNormal:
		return 1
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return -1
	}
}

func ParsePriority(value string) (Priority, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return PriorityNormal, nil
	}

	p := Priority(value)
	if !p.Valid() {
		return "", fmt.Errorf("%w: priority %q", ErrInvalid, value)
	}
	return p, nil
}
