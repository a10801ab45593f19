package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ShayCichocki/cadence/internal/coordinator"
	"github.com/ShayCichocki/cadence/internal/exec"
	"github.com/ShayCichocki/cadence/internal/orchestrator"
	"github.com/ShayCichocki/cadence/internal/workflow"
	"github.com/ShayCichocki/cadence/pkg/models"
)

var (
	advanceMode    string
	advanceMetrics bool
)

var advanceCmd = &cobra.Command{
	Use:   "advance <phase>",
	Short: "Run the current phase's workers, then transition",
	Long: `Run one task per role of the current phase, record the exit conditions
the workers report and transition to <phase>.

Each role with an entry under commands.workers gets a task; roles without a
command are skipped. A worker reports exit conditions by printing a JSON
object such as {"prd_complete": true}. Conditions with a command under
commands.validators are then checked by running that command.

Failed tasks go through recovery (retry, widen-timeout, consult-upstream,
degrade). When recovery gives up, the workflow is halted with the reason.

Modes:
  parallel    all roles at once (default)
  sequential  roles in phase order, stopping at the first failure
  joint       all roles at once; the first role's output is authoritative`,
	Args: cobra.ExactArgs(1),
	RunE: runAdvance,
}

func init() {
	advanceCmd.Flags().StringVar(&advanceMode, "mode", string(coordinator.ModeParallel), "Collaboration mode: parallel, sequential or joint")
	advanceCmd.Flags().BoolVar(&advanceMetrics, "metrics", false, "Print the run's Prometheus metrics afterwards")
}

func runAdvance(cmd *cobra.Command, args []string) error {
	mode := coordinator.Mode(advanceMode)
	switch mode {
	case coordinator.ModeParallel, coordinator.ModeSequential, coordinator.ModeJoint:
	default:
		return fmt.Errorf("%w: %q", coordinator.ErrInvalidMode, advanceMode)
	}

	commandOpts := []exec.Option{
		exec.WithDir(cfg.Commands.Dir),
		exec.WithTimeout(cfg.Commands.Timeout),
		exec.WithLogger(logger.Named("exec")),
	}
	o, err := orchestrator.New(cmd.Context(),
		orchestrator.RequiredConfig{
			Config:  cfg,
			Workers: exec.NewWorkers(cfg.Commands.Workers, commandOpts...),
		},
		orchestrator.WithLogger(logger),
		orchestrator.WithEvaluator(exec.NewEvaluator(cfg.Commands.Validators, commandOpts...)),
		orchestrator.WithoutWatch(),
	)
	if err != nil {
		return err
	}
	defer o.Close()

	phase, _ := o.Machine().Phase(o.Machine().Current())
	req := phaseRequest(phase, mode)

	out := cmd.OutOrStdout()
	res, err := o.Advance(cmd.Context(), workflow.PhaseID(args[0]), req)
	if res != nil {
		displayAdvance(out, res)
	}
	if advanceMetrics {
		fmt.Fprintln(out)
		if werr := o.Metrics().WriteText(out); werr != nil {
			logger.Warn("write metrics", zap.Error(werr))
		}
	}
	var unmet *workflow.ExitConditionsError
	if errors.As(err, &unmet) {
		return fmt.Errorf("cannot leave %s, unmet exit conditions: %s", unmet.Phase, strings.Join(unmet.Unmet, ", "))
	}
	if err != nil {
		if st := o.Machine().Status(); st.Halted {
			printStatus(out, "■", "Halted: "+st.HaltReason, color.FgRed)
		}
		return err
	}
	return nil
}

// phaseRequest builds one task per role of phase that has a worker
// command, or nil when no role does.
func phaseRequest(phase workflow.Phase, mode coordinator.Mode) *coordinator.Request {
	req := &coordinator.Request{Mode: mode}
	for _, role := range phase.Roles {
		if _, ok := cfg.Commands.Workers[role]; !ok {
			continue
		}
		req.Tasks = append(req.Tasks, &models.Task{
			ID:       string(phase.ID) + "-" + role,
			Role:     role,
			Priority: models.PriorityHigh,
			Timeout:  cfg.Commands.Timeout,
			Payload:  map[string]any{"phase": string(phase.ID), "exit_conditions": phase.ExitConditions},
		})
	}
	if len(req.Tasks) == 0 {
		return nil
	}
	if mode == coordinator.ModeJoint {
		req.Primary = req.Tasks[0].ID
	}
	return req
}

func displayAdvance(out io.Writer, res *orchestrator.AdvanceResult) {
	if s := res.Session; s != nil {
		for _, o := range s.Outcomes {
			switch {
			case o.Degraded:
				fmt.Fprintf(out, "  %s %s skipped (%s degraded)\n", color.YellowString("·"), o.Task.ID, o.Task.Role)
			case o.Skipped:
				fmt.Fprintf(out, "  %s %s skipped\n", color.HiBlackString("·"), o.Task.ID)
			case o.Task.State == models.TaskCompleted:
				fmt.Fprintf(out, "  %s %s (%s)\n", color.GreenString("✓"), o.Task.ID, formatDuration(o.Task.Duration()))
			default:
				msg := string(o.Task.State)
				if o.Task.Result != nil && o.Task.Result.Error != "" {
					msg = o.Task.Result.Error
				}
				fmt.Fprintf(out, "  %s %s: %s\n", color.RedString("✗"), o.Task.ID, msg)
			}
		}
	}

	names := make([]string, 0, len(res.Validations))
	for name := range res.Validations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if res.Validations[name] {
			printStatus(out, "✓", name+" passed", color.FgGreen)
		} else {
			printStatus(out, "✗", name+" failed", color.FgRed)
		}
	}

	if r := res.Recovery; r != nil {
		fmt.Fprintf(out, "  recovery: %s (%s, %d attempts)\n", r.Kind, r.IssueType, len(r.Attempts))
	}
	if res.Transitioned {
		printStatus(out, "✓", fmt.Sprintf("%s → %s", res.From, res.To), color.FgGreen)
	}
}
