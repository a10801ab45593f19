package models

import "fmt"

// Priority is the scheduling tier of a background task.
// Higher values dispatch first.
type Priority int

const (
	// PriorityBackground is for work nobody is waiting on.
	PriorityBackground Priority = iota
	// PriorityLow is for deferrable work.
	PriorityLow
	// PriorityMedium is the default tier.
	PriorityMedium
	// PriorityHigh is for work on the current phase's critical path.
	PriorityHigh
	// PriorityCritical is for work that blocks everything else.
	PriorityCritical
)

var priorityNames = [...]string{"background", "low", "medium", "high", "critical"}

// Valid returns true if the priority is one of the five known tiers.
func (p Priority) Valid() bool {
	return p >= PriorityBackground && p <= PriorityCritical
}

// String returns the tier name.
func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority converts a tier name into a Priority.
func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if name == s {
			return Priority(i), nil
		}
	}
	return PriorityMedium, fmt.Errorf("unknown priority tier %q", s)
}
