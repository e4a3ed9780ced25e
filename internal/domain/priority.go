package domain

import (
	"fmt"
	"strings"
)

// Priority of an offline download.
// Lower number = higher priority
type Priority int

const (
	PriorityUrgent Priority = 1
	PriorityHigh   Priority = 2
	PriorityNormal Priority = 3
	PriorityLow    Priority = 4
)

// String returns a human-readable name for the priority level
func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// HigherThan returns true if p should be scheduled before other.
func (p Priority) HigherThan(other Priority) bool {
	return p < other
}

// Valid returns true for the four known levels
func (p Priority) Valid() bool {
	return p >= PriorityUrgent && p <= PriorityLow
}

// ParsePriority parses a priority name
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "urgent":
		return PriorityUrgent, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, s)
	}
}
