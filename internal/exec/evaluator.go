package exec

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/cadence/internal/workflow"
)

// Evaluator decides exit conditions by running the command configured for
// each one. Exit status 0 means the condition holds. Conditions without a
// command defer to the recorded validation status.
type Evaluator struct {
	commands map[string]string
	opts     options
}

var _ workflow.ConditionEvaluator = (*Evaluator)(nil)

// NewEvaluator creates an Evaluator from a condition-to-command map.
func NewEvaluator(commands map[string]string, opts ...Option) *Evaluator {
	e := &Evaluator{commands: make(map[string]string, len(commands)), opts: newOptions(opts)}
	for cond, script := range commands {
		e.commands[cond] = script
	}
	return e
}

// Conditions returns the conditions that have a command, sorted.
func (e *Evaluator) Conditions() []string {
	out := make([]string, 0, len(e.commands))
	for cond := range e.commands {
		out = append(out, cond)
	}
	sort.Strings(out)
	return out
}

// Has reports whether condition has a command.
func (e *Evaluator) Has(condition string) bool {
	_, ok := e.commands[condition]
	return ok
}

// Evaluate runs the command for condition.
func (e *Evaluator) Evaluate(ctx context.Context, phase workflow.PhaseID, condition string) (bool, error) {
	script, ok := e.commands[condition]
	if !ok {
		return false, workflow.ErrConditionUnknown
	}
	if e.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := e.opts.runner.Run(ctx, Command{
		Script: script,
		Dir:    e.opts.dir,
		Env: []string{
			"CADENCE_PHASE=" + string(phase),
			"CADENCE_CONDITION=" + condition,
		},
	})
	if err != nil {
		return false, fmt.Errorf("validator %s: %w", condition, err)
	}

	holds := out.ExitCode == 0
	fields := []zap.Field{
		zap.String("condition", condition),
		zap.Bool("holds", holds),
		zap.Duration("duration", time.Since(start)),
	}
	if !holds {
		fields = append(fields, zap.String("failure", out.Failure()))
	}
	e.opts.logger.Debug("validator ran", fields...)
	return holds, nil
}
