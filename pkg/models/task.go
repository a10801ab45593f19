package models

import "time"

// TaskState represents where a task is in its scheduler lifecycle.
type TaskState string

const (
	// TaskQueued indicates the task is waiting for a dispatch slot.
	TaskQueued TaskState = "queued"
	// TaskRunning indicates a worker is executing the task.
	TaskRunning TaskState = "running"
	// TaskCompleted indicates the worker reported success.
	TaskCompleted TaskState = "completed"
	// TaskFailed indicates the worker reported failure.
	TaskFailed TaskState = "failed"
	// TaskCancelled indicates the task was cancelled before it finished.
	TaskCancelled TaskState = "cancelled"
	// TaskUnknown is reported for handles whose record was pruned before
	// the caller observed a terminal state.
	TaskUnknown TaskState = "unknown"
)

// Valid returns true if the state is a known value.
func (s TaskState) Valid() bool {
	switch s {
	case TaskQueued, TaskRunning, TaskCompleted, TaskFailed, TaskCancelled, TaskUnknown:
		return true
	default:
		return false
	}
}

// Terminal returns true once the task can no longer change state.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskUnknown:
		return true
	default:
		return false
	}
}

// Interruptible returns true for the states Cancel accepts.
func (s TaskState) Interruptible() bool {
	return s == TaskQueued || s == TaskRunning
}

// ExecutionMode describes how the submitter wants to observe a task.
type ExecutionMode string

const (
	// ModeFireAndForget tasks are never observed by the submitter.
	ModeFireAndForget ExecutionMode = "fire_and_forget"
	// ModeCallback tasks invoke Task.OnDone when they reach a terminal state.
	ModeCallback ExecutionMode = "callback"
	// ModeWatched tasks report progress while they run.
	ModeWatched ExecutionMode = "watched"
)

// Task represents a unit of work submitted to the scheduler.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Role is the worker role that should execute the task.
	Role string `json:"role"`
	// Payload is opaque to the control plane.
	Payload any `json:"payload,omitempty"`
	// Priority is the scheduling tier.
	Priority Priority `json:"priority"`
	// Mode is the execution mode tag.
	Mode ExecutionMode `json:"mode"`
	// SubmittedAt is set by the scheduler on Submit.
	SubmittedAt time.Time `json:"submitted_at"`
	// Timeout bounds a single execution. Zero means no limit.
	Timeout time.Duration `json:"timeout,omitempty"`
	// BestEffort tasks do not stop a sequential chain when they fail.
	BestEffort bool `json:"best_effort,omitempty"`
	// Attempt counts recovery re-runs; zero for the first run.
	Attempt int `json:"attempt,omitempty"`
	// RefreshUpstream asks the worker to re-read its upstream inputs first.
	RefreshUpstream bool `json:"refresh_upstream,omitempty"`
	// OnDone is invoked once for callback-mode tasks.
	OnDone func(TaskSnapshot) `json:"-"`
}

// TaskSnapshot is a read-only copy of a task's scheduler record.
type TaskSnapshot struct {
	ID          string        `json:"id"`
	Role        string        `json:"role"`
	Priority    Priority      `json:"priority"`
	Mode        ExecutionMode `json:"mode"`
	State       TaskState     `json:"state"`
	Progress    float64       `json:"progress"`
	SubmittedAt time.Time     `json:"submitted_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
	Result      *Result       `json:"result,omitempty"`
}

// Duration returns how long the task ran, or zero if it never started.
func (s TaskSnapshot) Duration() time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	if s.FinishedAt == nil {
		return time.Since(*s.StartedAt)
	}
	return s.FinishedAt.Sub(*s.StartedAt)
}
