package orchestrator

import (
	"time"

	"github.com/ShayCichocki/cadence/internal/workflow"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventPhaseAdvanced indicates the workflow moved to a new phase.
	EventPhaseAdvanced EventType = "phase_advanced"
	// EventWorkflowFinished indicates the terminal phase was completed.
	EventWorkflowFinished EventType = "workflow_finished"
	// EventSessionDone indicates a phase's collaboration session finished.
	EventSessionDone EventType = "session_done"
	// EventHumanNeeded indicates work stopped on a conflict or an unapproved decision.
	EventHumanNeeded EventType = "human_needed"
	// EventRecovered indicates a failure was recovered.
	EventRecovered EventType = "recovered"
	// EventHalted indicates the workflow was halted.
	EventHalted EventType = "halted"
	// EventResumed indicates the workflow was resumed.
	EventResumed EventType = "resumed"
	// EventReloaded indicates the workflow was reloaded after an external edit.
	EventReloaded EventType = "reloaded"
)

// Event represents an event emitted by the orchestrator.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// Phase is the workflow phase after the event.
	Phase workflow.PhaseID
	// SessionID is the related collaboration session, if any.
	SessionID string
	// TaskID is the related background task, if any.
	TaskID string
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error error
	// Timestamp is when the event occurred.
	Timestamp time.Time
}
