package workflow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrIllegalTransition means the target is not a successor of the current phase.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrHalted means the workflow is halted and must be resumed first.
	ErrHalted = errors.New("workflow is halted")
	// ErrExitConditionsNotMet means one or more exit conditions do not hold.
	ErrExitConditionsNotMet = errors.New("exit conditions not met")
	// ErrNotHalted is returned by Resume on a running workflow.
	ErrNotHalted = errors.New("workflow is not halted")
	// ErrNotTerminal is returned by Finish when the current phase has successors.
	ErrNotTerminal = errors.New("current phase is not terminal")
	// ErrUnknownKind means the project type names no phase graph.
	ErrUnknownKind = errors.New("unknown project type")
	// ErrKindMismatch means persisted state belongs to a different phase graph.
	ErrKindMismatch = errors.New("project type does not match persisted state")
	// ErrNotInitialized is returned by Open when no state has been persisted.
	ErrNotInitialized = errors.New("workflow not initialized")
	// ErrCorruptState means persisted state references phases outside the graph.
	ErrCorruptState = errors.New("persisted workflow state is inconsistent")
	// ErrConditionUnknown may be returned by a ConditionEvaluator to defer to
	// the recorded validation status.
	ErrConditionUnknown = errors.New("condition unknown to evaluator")
)

// ExitConditionsError lists the conditions that blocked leaving a phase.
type ExitConditionsError struct {
	Phase PhaseID
	Unmet []string
}

func (e *ExitConditionsError) Error() string {
	return fmt.Sprintf("%s: leaving %s requires %s", ErrExitConditionsNotMet, e.Phase, strings.Join(e.Unmet, ", "))
}

// Unwrap lets errors.Is match ErrExitConditionsNotMet.
func (e *ExitConditionsError) Unwrap() error {
	return ErrExitConditionsNotMet
}
