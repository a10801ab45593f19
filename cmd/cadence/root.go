package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ShayCichocki/cadence/internal/config"
	"github.com/ShayCichocki/cadence/internal/exec"
	"github.com/ShayCichocki/cadence/internal/logging"
	"github.com/ShayCichocki/cadence/internal/store"
	"github.com/ShayCichocki/cadence/internal/workflow"
)

var (
	cfgFile  string
	stateDir string
	logLevel string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "cadence",
	Short: "Phase-gated workflow control plane",
	Long: `Cadence drives a project through a fixed graph of workflow phases.

Each phase has exit conditions that must be validated before the workflow
may move on. State is persisted atomically with a ring of timestamped
backups, and only one writer may hold a state directory at a time.

Configuration is read from ~/.config/cadence/config.yaml, a project-level
.cadence.yaml and CADENCE_* environment variables (a .env file is loaded
first).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfgFile != "" {
			cfg, err = config.LoadFromPath(cfgFile)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return err
		}
		if stateDir != "" {
			cfg.State.Dir = stateDir
		}

		level := cfg.Log.Level
		switch {
		case logLevel != "":
			level = logLevel
		case cfg.Log.File == "":
			// Keep the terminal for command output.
			level = "warn"
		}
		logger, err = logging.New(level, cfg.Log.File)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(rootCmd.ErrOrStderr(), "%s %v\n", errorMark(), err)
		return 1
	}
	return 0
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: XDG user config plus .cadence.yaml)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "State directory (overrides state.dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides log.level)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(transitionCmd)
	rootCmd.AddCommand(advanceCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(haltCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(finishCmd)
	rootCmd.AddCommand(backupsCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(patternsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// openWorkflow opens the state directory and the workflow in it. The
// caller must close the returned store.
func openWorkflow(readOnly bool) (*store.Store, *workflow.Machine, error) {
	opts := []store.Option{
		store.WithRingSize(cfg.State.BackupRingSize),
		store.WithLogger(logger.Named("store")),
	}
	if readOnly {
		opts = append(opts, store.ReadOnly())
	}
	st, err := store.Open(cfg.State.Dir, opts...)
	if err != nil {
		return nil, nil, err
	}

	m, err := workflow.Open(st,
		workflow.WithLogger(logger.Named("workflow")),
		workflow.WithEvaluator(newEvaluator()))
	if err != nil {
		st.Close()
		if errors.Is(err, workflow.ErrNotInitialized) {
			return nil, nil, fmt.Errorf("%w in %s: run 'cadence init' first", err, cfg.State.Dir)
		}
		return nil, nil, err
	}
	return st, m, nil
}

// newEvaluator runs the commands under commands.validators.
func newEvaluator() *exec.Evaluator {
	return exec.NewEvaluator(cfg.Commands.Validators,
		exec.WithDir(cfg.Commands.Dir),
		exec.WithTimeout(cfg.Commands.Timeout),
		exec.WithLogger(logger.Named("exec")))
}
