package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/cadence/internal/store"
	"github.com/ShayCichocki/cadence/internal/workflow"
)

var (
	initType       string
	initWithConfig bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the workflow in the state directory",
	Long: `Create a new workflow in its initial phase.

The project type selects the phase graph and cannot be changed later:
  greenfield  analysis, planning, solutioning, implementation, validation, delivery
  brownfield  discovery and impact assessment are added around analysis

Examples:
  cadence init                     # Use state.project_type from config
  cadence init --type brownfield   # Existing codebase
  cadence init --with-config       # Also write an example .cadence.yaml`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initType, "type", "", "Project type: greenfield or brownfield (default: state.project_type)")
	initCmd.Flags().BoolVar(&initWithConfig, "with-config", false, "Write an example .cadence.yaml in the current directory")
}

func runInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	kind := workflow.Kind(cfg.State.ProjectType)
	if initType != "" {
		kind = workflow.Kind(initType)
	}
	if _, err := workflow.GraphFor(kind); err != nil {
		return err
	}

	st, err := store.Open(cfg.State.Dir,
		store.WithRingSize(cfg.State.BackupRingSize),
		store.WithLogger(logger.Named("store")))
	if err != nil {
		return err
	}
	defer st.Close()

	existed := st.Exists()
	m, err := workflow.New(st, kind, workflow.WithLogger(logger.Named("workflow")))
	if err != nil {
		return err
	}

	if existed {
		printStatus(out, "•", fmt.Sprintf("Workflow already initialized (%s, phase %s)", m.Graph().Kind(), m.Current()), color.FgYellow)
	} else {
		printStatus(out, "✓", fmt.Sprintf("Created %s workflow in %s", kind, cfg.State.Dir), color.FgGreen)
		printStatus(out, "✓", fmt.Sprintf("Current phase: %s", m.Current()), color.FgGreen)
	}

	if initWithConfig {
		if err := writeExampleConfig(".cadence.yaml"); err != nil {
			return err
		}
		printStatus(out, "✓", "Wrote .cadence.yaml", color.FgGreen)
	}
	return nil
}

const exampleConfig = `# Project overrides for cadence. Values shown are the defaults.
state:
  dir: .cadence
  project_type: greenfield
  backup_ring_size: 10
  audit_db: ""
  audit_retention: 720h

scheduler:
  max_concurrency: 5
  cpu_ceiling_percent: 85
  memory_ceiling_mb: 0
  sample_interval: 2s
  throttle_backoff: 5s
  retention: 10m
  aging_interval: 0s

decisions:
  weights:
    similarity: 0.30
    upstream_validation: 0.25
    test_coverage: 0.20
    historical_accuracy: 0.15
    inverse_complexity: 0.10
  thresholds:
    auto: 0.95
    notice: 0.80
    preview: 0.65
  preview_window: 30s
  history_size: 100

coordination:
  authority: [architect, pm, analyst, dev, qa]

recovery:
  patterns_file: ""
  maintenance_schedule: "@every 1h"
  stale_after: 24h
  base_backoff: 500ms

# Shell commands run from commands.dir. Validators decide exit conditions
# (exit status 0 means the condition holds); workers execute role tasks
# during 'cadence advance' and may print a JSON object of exit conditions.
commands:
  dir: ""
  timeout: 10m
  validators: {}
  #   tests_passing: go test ./...
  workers: {}
  #   analyst: ./scripts/brief.sh

log:
  level: info
  file: ""
`

func writeExampleConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.WriteFile(path, []byte(exampleConfig), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
