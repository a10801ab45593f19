// Package decision scores proposed autonomous actions and routes each one to
// a confidence band: execute, execute with notice, execute after a
// cancellable preview window, or wait for approval.
package decision

import (
	"context"
	"errors"
	"time"

	"github.com/ShayCichocki/cadence/internal/config"
)

// Band is a routing outcome.
type Band string

const (
	BandAuto     Band = "auto"
	BandNotice   Band = "notice"
	BandPreview  Band = "preview"
	BandApproval Band = "approval"
)

// Outcome is the terminal result of a decision. OutcomePending is the only
// non-terminal value.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeExecuted  Outcome = "executed"
	OutcomeApproved  Outcome = "approved"
	OutcomeRejected  Outcome = "rejected"
	OutcomeExpired   Outcome = "expired"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

var (
	// ErrUnknownDecision means no pending approval has the given ID.
	ErrUnknownDecision = errors.New("unknown decision")
	// ErrAlreadyResolved means the approval was already accepted or rejected.
	ErrAlreadyResolved = errors.New("decision already resolved")
	// ErrInvalidWeights is returned when factor weights do not sum to 1.0.
	ErrInvalidWeights = config.ErrInvalidWeights
	// ErrInvalidFactors means a factor is NaN or infinite.
	ErrInvalidFactors = errors.New("invalid decision factors")
	// ErrExecutionFailed wraps an executor error.
	ErrExecutionFailed = errors.New("decision execution failed")
	// ErrClosed is returned after the router has been closed.
	ErrClosed = errors.New("decision router closed")
)

// Factors are the normalized [0,1] inputs to the confidence score. Values
// outside the range are clamped.
type Factors struct {
	// Similarity is the success rate of similar past actions.
	Similarity float64
	// UpstreamValidation is how strongly upstream artifacts were validated.
	UpstreamValidation float64
	// TestCoverage is the strength of tests around the change.
	TestCoverage float64
	// HistoricalAccuracy overrides the router's moving accuracy when set.
	HistoricalAccuracy *float64
	// Complexity is scored inverted: 0 is trivial, 1 is maximally complex.
	Complexity float64
}

// Executor performs the proposed action.
type Executor func(ctx context.Context) error

// Proposal is an action a worker wants to take.
type Proposal struct {
	// ID is generated when empty.
	ID      string
	Action  string
	Role    string
	Factors Factors
	// Execute runs the action. It may be nil when the caller acts on the
	// routing result itself.
	Execute Executor
}

// Decision is the routed record of a proposal. Only Outcome, ResolvedAt and
// Correct change after routing.
type Decision struct {
	ID         string
	Action     string
	Role       string
	Confidence float64
	Band       Band
	RoutedAt   time.Time
	Outcome    Outcome
	ResolvedAt *time.Time
	// Correct is the judged correctness of the outcome, if known.
	Correct *bool
	Error   string
}

// Notice is published for decisions executed in the notice band.
type Notice struct {
	Decision Decision
	Message  string
}
