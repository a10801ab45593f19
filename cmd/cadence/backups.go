package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/cadence/internal/store"
	"github.com/ShayCichocki/cadence/internal/workflow"
)

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List state backups",
	Long: `List the retained state snapshots, newest first.

Every save writes a timestamped snapshot before replacing the state file;
the oldest snapshots beyond state.backup_ring_size are removed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(cfg.State.Dir, store.ReadOnly(), store.WithLogger(logger.Named("store")))
		if err != nil {
			return err
		}
		defer st.Close()

		backups, err := st.Backups()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(backups) == 0 {
			fmt.Fprintln(out, "No backups.")
			return nil
		}
		for _, b := range backups {
			var inst workflow.Instance
			phase := color.RedString("unreadable")
			if err := st.Restore(b.Name, &inst); err == nil {
				phase = fmt.Sprintf("%s v%d", inst.CurrentPhase, inst.Version)
			}
			fmt.Fprintf(out, "  %s  %s (%s ago)\n", b.Name, phase, formatDuration(time.Since(b.TakenAt)))
		}
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <backup>",
	Short: "Replace the state with a backup",
	Long: `Replace the current state with the named backup.

The current state is itself kept as a backup first, so a restore can be
undone by restoring again. A running process holding the state directory
must be stopped; restore takes the writer lock.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(cfg.State.Dir,
			store.WithRingSize(cfg.State.BackupRingSize+1),
			store.WithLogger(logger.Named("store")))
		if err != nil {
			return err
		}
		defer st.Close()

		var restored workflow.Instance
		if err := st.Restore(args[0], &restored); err != nil {
			return err
		}
		if _, err := workflow.GraphFor(restored.ProjectType); err != nil {
			return fmt.Errorf("%w: backup %s: %v", workflow.ErrCorruptState, args[0], err)
		}

		var current workflow.Instance
		if err := st.Load(&current); err == nil {
			if err := st.Save(&current); err != nil {
				return fmt.Errorf("snapshot current state: %w", err)
			}
			restored.Version = current.Version + 1
		}
		if err := st.Save(&restored); err != nil {
			return err
		}

		// Validate through the state machine before reporting success.
		m, err := workflow.Open(st, workflow.WithLogger(logger.Named("workflow")))
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), "✓", fmt.Sprintf("Restored %s (phase %s)", args[0], m.Current()), color.FgGreen)
		return nil
	},
}

func init() {
	backupsCmd.AddCommand(restoreCmd)
}
