package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/cadence/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key]",
	Short: "Show configuration",
	Long: `View the effective cadence configuration.

Without arguments, displays every key.
With one argument (key), displays the value for that key.

Configuration is read from ~/.config/cadence/config.yaml.
Project-specific overrides can be placed in .cadence.yaml, and any key can
be set through the environment, e.g. CADENCE_SCHEDULER_MAX_CONCURRENCY=8.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		values := configValues(cfg)

		if len(args) == 1 {
			v, ok := values[strings.ToLower(args[0])]
			if !ok {
				return fmt.Errorf("unknown configuration key: %s", args[0])
			}
			fmt.Fprintln(out, v)
			return nil
		}

		for _, k := range sortedKeys(values) {
			fmt.Fprintf(out, "%s: %s\n", k, values[k])
		}
		return nil
	},
}

// configValues flattens cfg into dot-notation keys.
func configValues(cfg *config.Config) map[string]string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	orUnset := func(s string) string {
		if s == "" {
			return "(not set)"
		}
		return s
	}

	return map[string]string{
		"state.dir":              cfg.State.Dir,
		"state.project_type":     cfg.State.ProjectType,
		"state.backup_ring_size": strconv.Itoa(cfg.State.BackupRingSize),
		"state.audit_db":         orUnset(cfg.State.AuditDB),
		"state.audit_retention":  cfg.State.AuditRetention.String(),

		"scheduler.max_concurrency":     strconv.Itoa(cfg.Scheduler.MaxConcurrency),
		"scheduler.cpu_ceiling_percent": f(cfg.Scheduler.CPUCeilingPercent),
		"scheduler.memory_ceiling_mb":   strconv.FormatUint(cfg.Scheduler.MemoryCeilingMB, 10),
		"scheduler.sample_interval":     cfg.Scheduler.SampleInterval.String(),
		"scheduler.throttle_backoff":    cfg.Scheduler.ThrottleBackoff.String(),
		"scheduler.retention":           cfg.Scheduler.Retention.String(),
		"scheduler.aging_interval":      cfg.Scheduler.AgingInterval.String(),

		"decisions.weights.similarity":          f(cfg.Decisions.Weights.Similarity),
		"decisions.weights.upstream_validation": f(cfg.Decisions.Weights.UpstreamValidation),
		"decisions.weights.test_coverage":       f(cfg.Decisions.Weights.TestCoverage),
		"decisions.weights.historical_accuracy": f(cfg.Decisions.Weights.HistoricalAccuracy),
		"decisions.weights.inverse_complexity":  f(cfg.Decisions.Weights.InverseComplexity),
		"decisions.thresholds.auto":             f(cfg.Decisions.Thresholds.Auto),
		"decisions.thresholds.notice":           f(cfg.Decisions.Thresholds.Notice),
		"decisions.thresholds.preview":          f(cfg.Decisions.Thresholds.Preview),
		"decisions.preview_window":              cfg.Decisions.PreviewWindow.String(),
		"decisions.history_size":                strconv.Itoa(cfg.Decisions.HistorySize),

		"coordination.authority": strings.Join(cfg.Coordination.Authority, ", "),

		"recovery.patterns_file":        orUnset(cfg.Recovery.PatternsFile),
		"recovery.maintenance_schedule": orUnset(cfg.Recovery.MaintenanceSchedule),
		"recovery.stale_after":          cfg.Recovery.StaleAfter.String(),
		"recovery.base_backoff":         cfg.Recovery.BaseBackoff.String(),

		"commands.dir":        orUnset(cfg.Commands.Dir),
		"commands.timeout":    cfg.Commands.Timeout.String(),
		"commands.validators": strings.Join(sortedKeys(cfg.Commands.Validators), ", "),
		"commands.workers":    strings.Join(sortedKeys(cfg.Commands.Workers), ", "),

		"log.level": cfg.Log.Level,
		"log.file":  orUnset(cfg.Log.File),
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
