// Package coordinator runs groups of related tasks as one collaboration
// session: it orders them by their dependencies, dispatches them through the
// scheduler in the requested mode and resolves conflicting outputs.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/cadence/internal/decision"
	"github.com/ShayCichocki/cadence/pkg/models"
)

// Mode selects how a session's tasks execute.
type Mode string

const (
	// ModeSequential runs tasks one at a time in dependency order.
	ModeSequential Mode = "sequential"
	// ModeParallel runs every task whose dependencies are met concurrently.
	ModeParallel Mode = "parallel"
	// ModeJoint runs like parallel; the primary task's output is
	// authoritative and the others are attached as annotations.
	ModeJoint Mode = "joint"
	// ModeCompetitive runs every task and keeps only the best-scored output.
	ModeCompetitive Mode = "competitive"
)

var (
	// ErrCyclicDependency means the session's dependency graph has a cycle.
	ErrCyclicDependency = errors.New("cyclic dependency")
	// ErrUnknownTask means an edge names a task that is not in the session.
	ErrUnknownTask = errors.New("edge references unknown task")
	// ErrDuplicateTask means two tasks share an ID.
	ErrDuplicateTask = errors.New("duplicate task id")
	// ErrEmptySession means the request has no tasks.
	ErrEmptySession = errors.New("session has no tasks")
	// ErrInvalidMode means the mode is unknown or its parameters are missing.
	ErrInvalidMode = errors.New("invalid collaboration mode")
	// ErrRequireHumanDecision means a conflict could not be resolved by rule.
	ErrRequireHumanDecision = errors.New("conflict requires a human decision")
	// ErrApprovalRequired means the session's proposal was routed to approval.
	ErrApprovalRequired = errors.New("session requires approval")
	// ErrTaskFailed means a task the session depends on failed.
	ErrTaskFailed = errors.New("task failed")
	// ErrNoWinner means no competitive candidate completed.
	ErrNoWinner = errors.New("no competitive candidate completed")
)

// Edge says Task may only start after DependsOn completed.
type Edge struct {
	Task      string
	DependsOn string
}

// Scorer rates a completed competitive candidate. Higher wins.
type Scorer func(ctx context.Context, candidate models.TaskSnapshot) (float64, error)

// Request is one logical unit of collaborative work.
type Request struct {
	Tasks []*models.Task
	Edges []Edge
	Mode  Mode
	// Primary is the authoritative task ID in joint mode.
	Primary string
	// Scorer picks the winner in competitive mode.
	Scorer Scorer
	// BestEffort keeps going after failures; tasks that depend on a failed
	// task are still skipped.
	BestEffort bool
	// Proposal, when set, is routed through the decision router before
	// anything is dispatched.
	Proposal *decision.Proposal
}

// TaskOutcome is the final state of one session task.
type TaskOutcome struct {
	Task models.TaskSnapshot
	// Skipped is true when the task never ran because the chain stopped, a
	// dependency did not complete or its role is degraded.
	Skipped bool
	// Degraded is true when the task was skipped because its role is
	// degraded.
	Degraded bool
}

// Resolution records how the session's outputs were combined.
type Resolution struct {
	// Path lists the resolution steps taken, in order.
	Path []string
	// Outputs are the merged outputs keyed by output name.
	Outputs map[string]any
	// Winner is the task whose output won in joint and competitive modes.
	Winner string
	// Annotations hold secondary outputs in joint mode, keyed by task ID.
	Annotations map[string]map[string]any
}

// SessionResult is returned by Run.
type SessionResult struct {
	SessionID  string
	Mode       Mode
	Order      []string
	Outcomes   []TaskOutcome
	Resolution Resolution
	Duration   time.Duration
	// Decision is the routed proposal, when the request carried one.
	Decision *decision.Decision
}

// Outcome returns the outcome for a task ID.
func (r *SessionResult) Outcome(id string) (TaskOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.Task.ID == id {
			return o, true
		}
	}
	return TaskOutcome{}, false
}

// Failed returns the IDs of tasks that ran and did not complete.
func (r *SessionResult) Failed() []string {
	var ids []string
	for _, o := range r.Outcomes {
		if !o.Skipped && o.Task.State != models.TaskCompleted {
			ids = append(ids, o.Task.ID)
		}
	}
	return ids
}

// ConflictError describes outputs that no rule could reconcile.
type ConflictError struct {
	Key   string
	Tasks []string
	Roles []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: output %q disagrees between tasks %s (roles %s)",
		ErrRequireHumanDecision, e.Key, strings.Join(e.Tasks, ", "), strings.Join(e.Roles, ", "))
}

// Unwrap lets errors.Is match ErrRequireHumanDecision.
func (e *ConflictError) Unwrap() error {
	return ErrRequireHumanDecision
}

// TaskFailedError identifies the task that stopped a session.
type TaskFailedError struct {
	TaskID string
	Role   string
	State  models.TaskState
	Reason string
}

func (e *TaskFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %s (%s) %s", ErrTaskFailed, e.TaskID, e.Role, e.State)
	}
	return fmt.Sprintf("%s: %s (%s) %s: %s", ErrTaskFailed, e.TaskID, e.Role, e.State, e.Reason)
}

// Unwrap lets errors.Is match ErrTaskFailed.
func (e *TaskFailedError) Unwrap() error {
	return ErrTaskFailed
}
