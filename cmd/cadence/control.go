package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/cadence/internal/workflow"
)

var transitionCmd = &cobra.Command{
	Use:   "transition <phase>",
	Short: "Move the workflow to the next phase",
	Long: `Move the workflow to a successor of the current phase.

The transition is refused when the target is not a successor, when the
workflow is halted, or when an exit condition of the current phase has not
been validated. Use 'cadence validate' to record exit conditions.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, m, err := openWorkflow(false)
		if err != nil {
			return err
		}
		defer st.Close()

		res, err := m.Transition(cmd.Context(), workflow.PhaseID(args[0]))
		var unmet *workflow.ExitConditionsError
		if errors.As(err, &unmet) {
			return fmt.Errorf("cannot leave %s, unmet exit conditions: %s", unmet.Phase, strings.Join(unmet.Unmet, ", "))
		}
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), "✓", fmt.Sprintf("%s → %s", res.From, res.To), color.FgGreen)
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <condition> [true|false]",
	Short: "Record the result of an exit-condition validator",
	Long: `Record whether an exit condition holds.

With an explicit result, that result is recorded. Without one, the command
configured for the condition under commands.validators is run and its exit
status recorded; conditions without a command are recorded as passed.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cond := args[0]
		var explicit *bool
		if len(args) == 2 {
			v, err := strconv.ParseBool(args[1])
			if err != nil {
				return fmt.Errorf("invalid validation result %q: %w", args[1], err)
			}
			explicit = &v
		}

		st, m, err := openWorkflow(false)
		if err != nil {
			return err
		}
		defer st.Close()

		ok := true
		switch eval := newEvaluator(); {
		case explicit != nil:
			ok = *explicit
		case eval.Has(cond):
			if ok, err = eval.Evaluate(cmd.Context(), m.Current(), cond); err != nil {
				return err
			}
		}

		if err := m.SetValidation(cond, ok); err != nil {
			return err
		}
		if ok {
			printStatus(cmd.OutOrStdout(), "✓", cond+" passed", color.FgGreen)
		} else {
			printStatus(cmd.OutOrStdout(), "✗", cond+" failed", color.FgRed)
		}
		return nil
	},
}

var haltCmd = &cobra.Command{
	Use:   "halt [reason...]",
	Short: "Stop the workflow from advancing",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, m, err := openWorkflow(false)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := m.Halt(strings.Join(args, " ")); err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), "■", "Halted: "+m.Status().HaltReason, color.FgRed)
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Clear a halt",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, m, err := openWorkflow(false)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := m.Resume(); err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), "▶", "Resumed at "+string(m.Current()), color.FgGreen)
		return nil
	},
}

var finishCmd = &cobra.Command{
	Use:   "finish",
	Short: "Complete the terminal phase",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, m, err := openWorkflow(false)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := m.Finish(cmd.Context()); err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), "✓", "Workflow complete", color.FgGreen)
		return nil
	},
}
