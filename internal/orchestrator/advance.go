package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/cadence/internal/coordinator"
	"github.com/ShayCichocki/cadence/internal/recovery"
	"github.com/ShayCichocki/cadence/internal/workflow"
	"github.com/ShayCichocki/cadence/pkg/models"
)

// AdvanceResult describes one Advance call.
type AdvanceResult struct {
	From workflow.PhaseID
	To   workflow.PhaseID
	// Session is the collaboration session that ran, or the last re-run
	// when recovery was involved. Nil when no work was requested.
	Session *coordinator.SessionResult
	// Validations are the exit conditions recorded from the session outputs.
	Validations map[string]bool
	// Recovery is set when the session failed and recovery was attempted.
	Recovery *recovery.Outcome
	// Transitioned is true when the workflow moved to To.
	Transitioned bool
}

// Advance runs req (if any) for the current phase, records the exit
// conditions it produced and transitions to target.
//
// The workflow never advances while halted, nor past a session that needs
// a human decision. Task failures go to recovery; if recovery escalates or
// needs manual intervention the workflow is halted with the reason.
//
// Session outputs whose key names an exit condition of the current phase
// and whose value is a bool are recorded as that condition's validation.
func (o *Orchestrator) Advance(ctx context.Context, target workflow.PhaseID, req *coordinator.Request) (*AdvanceResult, error) {
	o.advanceMu.Lock()
	defer o.advanceMu.Unlock()
	if o.isClosed() {
		return nil, ErrClosed
	}

	snap := o.machine.Snapshot()
	from := snap.CurrentPhase
	if !o.machine.Graph().IsSuccessor(from, target) {
		return nil, fmt.Errorf("%w: %s -> %s", workflow.ErrIllegalTransition, from, target)
	}
	if snap.Halted {
		return nil, fmt.Errorf("%w: %s", workflow.ErrHalted, snap.HaltReason)
	}

	res := &AdvanceResult{From: from, To: target}
	logger := o.logger.With(zap.String("from", string(from)), zap.String("to", string(target)))

	if req != nil {
		session, err := o.coord.Run(ctx, *req)
		if err != nil {
			session, err = o.recoverSession(ctx, *req, session, err, res)
		}
		res.Session = session
		if err != nil {
			logger.Warn("advance stopped", zap.Error(err))
			return res, err
		}
		o.emit(Event{Type: EventSessionDone, SessionID: session.SessionID})

		if err := o.recordValidations(from, session, res); err != nil {
			return res, err
		}
	}

	if _, err := o.machine.Transition(ctx, target); err != nil {
		return res, err
	}
	res.Transitioned = true
	o.emit(Event{Type: EventPhaseAdvanced, Phase: target, Message: fmt.Sprintf("%s -> %s", from, target)})
	return res, nil
}

// recoverSession hands a failed session to recovery. Structural errors are
// returned as they are; conflicts and unapproved decisions wait for a human.
func (o *Orchestrator) recoverSession(ctx context.Context, req coordinator.Request, session *coordinator.SessionResult, runErr error, res *AdvanceResult) (*coordinator.SessionResult, error) {
	switch {
	case errors.Is(runErr, coordinator.ErrRequireHumanDecision), errors.Is(runErr, coordinator.ErrApprovalRequired):
		ev := Event{Type: EventHumanNeeded, Message: runErr.Error(), Error: runErr}
		if session != nil {
			ev.SessionID = session.SessionID
		}
		o.emit(ev)
		return session, runErr
	case !errors.Is(runErr, coordinator.ErrTaskFailed) && !errors.Is(runErr, coordinator.ErrNoWinner):
		return session, runErr
	}

	latest := session
	attempt := 0
	f := recovery.Failure{
		Err:     runErr,
		Timeout: longestTimeout(req.Tasks),
		Operation: func(ctx context.Context, opts recovery.RetryOptions) error {
			attempt++
			s, err := o.coord.Run(ctx, retryRequest(req, attempt, opts))
			if s != nil {
				latest = s
			}
			return err
		},
	}
	if session != nil {
		f.Source = session.SessionID
	}
	var failed *coordinator.TaskFailedError
	if errors.As(runErr, &failed) {
		f.Component = failed.Role
		f.Fallback = "skip " + failed.Role + " tasks"
	}

	out := o.recovery.Handle(ctx, f)
	res.Recovery = &out
	if out.Kind == recovery.OutcomeRecovered {
		o.emit(Event{Type: EventRecovered, SessionID: f.Source, Message: out.Strategy})
		return latest, nil
	}

	o.escalate(ctx, out)
	return latest, out.Err
}

// escalate halts the workflow after recovery gave up. Nothing is halted
// when ctx was cancelled, since that is the caller stopping, not a failure.
func (o *Orchestrator) escalate(ctx context.Context, out recovery.Outcome) {
	if ctx.Err() != nil {
		return
	}
	if err := o.Halt(haltReason(out)); err != nil {
		o.logger.Error("halt after escalation", zap.Error(err))
	}
}

func (o *Orchestrator) recordValidations(phase workflow.PhaseID, session *coordinator.SessionResult, res *AdvanceResult) error {
	p, _ := o.machine.Phase(phase)
	for _, cond := range p.ExitConditions {
		v, ok := session.Resolution.Outputs[cond].(bool)
		if !ok {
			continue
		}
		if err := o.machine.SetValidation(cond, v); err != nil {
			return err
		}
		if res.Validations == nil {
			res.Validations = make(map[string]bool)
		}
		res.Validations[cond] = v
	}
	return nil
}

// retryRequest copies req for a recovery re-run. Task IDs get an attempt
// suffix because the scheduler keeps finished records; edges and the joint
// primary are renamed to match. The proposal was already routed and is
// dropped.
func retryRequest(req coordinator.Request, attempt int, opts recovery.RetryOptions) coordinator.Request {
	rename := func(id string) string { return fmt.Sprintf("%s~r%d", id, attempt) }

	out := req
	out.Proposal = nil
	out.Tasks = make([]*models.Task, len(req.Tasks))
	for i, t := range req.Tasks {
		c := *t
		c.ID = rename(t.ID)
		c.Attempt = attempt
		c.RefreshUpstream = opts.RefreshUpstream
		if opts.Timeout > 0 {
			c.Timeout = opts.Timeout
		}
		out.Tasks[i] = &c
	}
	out.Edges = make([]coordinator.Edge, len(req.Edges))
	for i, e := range req.Edges {
		out.Edges[i] = coordinator.Edge{Task: rename(e.Task), DependsOn: rename(e.DependsOn)}
	}
	if req.Primary != "" {
		out.Primary = rename(req.Primary)
	}
	return out
}

func longestTimeout(tasks []*models.Task) (d time.Duration) {
	for _, t := range tasks {
		if t.Timeout > d {
			d = t.Timeout
		}
	}
	return d
}

func haltReason(out recovery.Outcome) string {
	var esc *recovery.EscalationError
	if errors.As(out.Err, &esc) {
		if len(esc.Attempts) == 0 {
			return fmt.Sprintf("recovery escalated %s before any strategy ran", esc.IssueType)
		}
		return fmt.Sprintf("recovery escalated %s after %s", esc.IssueType, strings.Join(esc.Strategies(), ", "))
	}
	return out.Err.Error()
}
