package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/ShayCichocki/cadence/internal/recovery"
	"github.com/ShayCichocki/cadence/internal/state"
	"github.com/ShayCichocki/cadence/internal/store"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the maintenance checks once",
	Long: `Run the maintenance sweep immediately instead of waiting for
recovery.maintenance_schedule.

Checks:
  - Interrupted write leftovers in the state directory are removed
  - The newest backup must be younger than recovery.stale_after
  - Audit rows older than state.audit_retention are purged`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(cfg.State.Dir, store.ReadOnly(), store.WithLogger(logger.Named("store")))
		if err != nil {
			return err
		}
		defer st.Close()

		tasks := []recovery.MaintenanceTask{
			recovery.TempFileCleanup(time.Hour, nil, st.Dir(), st.BackupDir()),
		}
		if cfg.Recovery.StaleAfter > 0 {
			tasks = append(tasks, recovery.BackupFreshness(st, cfg.Recovery.StaleAfter, nil, nil, nil))
		}
		if cfg.State.AuditDB != "" && cfg.State.AuditRetention > 0 {
			if _, err := os.Stat(cfg.State.AuditDB); err == nil {
				db, err := state.OpenAndMigrate(cfg.State.AuditDB)
				if err != nil {
					return fmt.Errorf("open audit database: %w", err)
				}
				defer db.Close()
				tasks = append(tasks, recovery.AuditRetention(db, cfg.State.AuditRetention, logger.Named("sweep")))
			}
		}

		schedule := cfg.Recovery.MaintenanceSchedule
		if schedule == "" {
			schedule = "@every 1h"
		}
		sweeper, err := recovery.NewSweeper(schedule, tasks, recovery.WithSweepLogger(logger.Named("sweep")))
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		issues := multierr.Errors(sweeper.RunOnce(cmd.Context()))
		if len(issues) == 0 {
			printStatus(out, "✓", fmt.Sprintf("%d checks passed", len(tasks)), color.FgGreen)
			return nil
		}
		for _, issue := range issues {
			printStatus(out, "!", issue.Error(), color.FgYellow)
		}
		return fmt.Errorf("%d of %d checks reported issues", len(issues), len(tasks))
	},
}

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "List recovery issue patterns",
	Long: `List the issue patterns recovery uses to classify failures, in match
order. The first matching pattern wins; unmatched failures require manual
intervention.

Patterns come from recovery.patterns_file when set, otherwise the built-in
registry.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := recovery.DefaultRegistry()
		if cfg.Recovery.PatternsFile != "" {
			loaded, err := recovery.LoadRegistry(cfg.Recovery.PatternsFile)
			if err != nil {
				return err
			}
			reg = loaded
		}

		out := cmd.OutOrStdout()
		for _, p := range reg.Patterns() {
			var steps []string
			for _, s := range p.Strategies {
				steps = append(steps, fmt.Sprintf("%s x%d", s.Name, s.MaxAttempts))
			}
			if len(steps) == 0 {
				steps = []string{"escalate"}
			}
			fmt.Fprintf(out, "%s [%s]\n  match: %s\n  then:  %s\n",
				color.New(color.Bold).Sprint(p.IssueType), p.Severity, p.Match, strings.Join(steps, " → "))
		}
		return nil
	},
}
