package scheduler

import (
	"time"

	"github.com/ShayCichocki/cadence/pkg/models"
)

// EventKind is a task lifecycle event.
type EventKind string

const (
	EventQueued    EventKind = "queued"
	EventStarted   EventKind = "started"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"
)

// Event is published on every task state change and progress report.
type Event struct {
	Kind EventKind
	Task models.TaskSnapshot
	At   time.Time
}

// Terminal reports whether the event ends the task's lifecycle.
func (k EventKind) Terminal() bool {
	return k == EventCompleted || k == EventFailed || k == EventCancelled
}
