package workflow

import (
	"time"
)

// HistoryEntry records one transition.
type HistoryEntry struct {
	From      PhaseID   `json:"from"`
	To        PhaseID   `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// Instance is the persisted workflow state.
type Instance struct {
	CurrentPhase     PhaseID         `json:"currentPhase"`
	ProjectType      Kind            `json:"projectType"`
	History          []HistoryEntry  `json:"history"`
	CompletedPhases  []PhaseID       `json:"completedPhases"`
	ValidationStatus map[string]bool `json:"validationStatus"`
	Halted           bool            `json:"halted"`
	HaltReason       string          `json:"haltReason,omitempty"`
	Version          uint64          `json:"version"`
	LastUpdated      time.Time       `json:"lastUpdated"`
}

func newInstance(g *Graph, now time.Time) *Instance {
	return &Instance{
		CurrentPhase:     g.Initial(),
		ProjectType:      g.Kind(),
		History:          []HistoryEntry{},
		CompletedPhases:  []PhaseID{},
		ValidationStatus: map[string]bool{},
		LastUpdated:      now,
	}
}

// Clone returns a deep copy.
func (i *Instance) Clone() *Instance {
	c := *i
	c.History = append([]HistoryEntry{}, i.History...)
	c.CompletedPhases = append([]PhaseID{}, i.CompletedPhases...)
	c.ValidationStatus = make(map[string]bool, len(i.ValidationStatus))
	for k, v := range i.ValidationStatus {
		c.ValidationStatus[k] = v
	}
	return &c
}

// IsCompleted reports whether phase is in the completed set.
func (i *Instance) IsCompleted(phase PhaseID) bool {
	for _, p := range i.CompletedPhases {
		if p == phase {
			return true
		}
	}
	return false
}

// markCompleted adds phase to the completed set, keeping it in graph order.
// Adding a phase twice is a no-op.
func (i *Instance) markCompleted(g *Graph, phase PhaseID) {
	if i.IsCompleted(phase) {
		return
	}
	i.CompletedPhases = append(i.CompletedPhases, phase)
	ordered := make([]PhaseID, 0, len(i.CompletedPhases))
	for _, p := range g.phases {
		if i.IsCompleted(p.ID) {
			ordered = append(ordered, p.ID)
		}
	}
	i.CompletedPhases = ordered
}

// check verifies the instance only references phases of g.
func (i *Instance) check(g *Graph) bool {
	if i.ProjectType != g.Kind() {
		return false
	}
	if _, ok := g.Phase(i.CurrentPhase); !ok {
		return false
	}
	for _, p := range i.CompletedPhases {
		if _, ok := g.Phase(p); !ok {
			return false
		}
	}
	return true
}

// normalize replaces nil collections left by older or hand-edited files.
func (i *Instance) normalize() {
	if i.History == nil {
		i.History = []HistoryEntry{}
	}
	if i.CompletedPhases == nil {
		i.CompletedPhases = []PhaseID{}
	}
	if i.ValidationStatus == nil {
		i.ValidationStatus = map[string]bool{}
	}
}
