package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/cadence/internal/state"
	"github.com/ShayCichocki/cadence/internal/workflow"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workflow state",
	Long: `Display the current state of the workflow.

Shows:
  - Every phase, marked completed, current or pending
  - Overall progress
  - Legal next phases and the exit conditions still blocking them
  - Halt status and reason
  - Recent decisions and failures from the audit database, if configured

Status never modifies the state directory and can run while another
process holds it.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the status as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, m, err := openWorkflow(true)
	if err != nil {
		return err
	}
	defer st.Close()

	status := m.Status()
	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	displayWorkflow(out, m.Graph(), status)
	return displayAudit(out)
}

func displayWorkflow(out io.Writer, g *workflow.Graph, s workflow.Status) {
	bold := color.New(color.Bold)
	fmt.Fprintf(out, "%s %s (v%d, updated %s ago)\n",
		bold.Sprint("Workflow:"), s.ProjectType, s.Version, formatDuration(time.Since(s.LastUpdated)))
	fmt.Fprintf(out, "  Progress: %s %d%%\n", progressBar(s.Progress, 20), int(s.Progress*100+0.5))
	if s.Halted {
		fmt.Fprintf(out, "  %s %s\n", color.RedString("HALTED:"), s.HaltReason)
	}
	fmt.Fprintln(out)

	completed := make(map[workflow.PhaseID]bool, len(s.Completed))
	for _, id := range s.Completed {
		completed[id] = true
	}

	fmt.Fprintln(out, bold.Sprint("Phases:"))
	for _, p := range g.Phases() {
		switch {
		case completed[p.ID]:
			fmt.Fprintf(out, "  %s %s\n", color.GreenString("✓"), p.ID)
		case p.ID == s.Phase && s.Halted:
			fmt.Fprintf(out, "  %s %s\n", color.RedString("■"), color.New(color.Bold).Sprint(p.ID))
		case p.ID == s.Phase:
			fmt.Fprintf(out, "  %s %s  roles: %s\n", color.YellowString("▶"), color.New(color.Bold).Sprint(p.ID), strings.Join(p.Roles, ", "))
		default:
			fmt.Fprintf(out, "  %s %s\n", color.HiBlackString("·"), color.HiBlackString(string(p.ID)))
		}
	}

	if len(s.Pending) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, bold.Sprint("Next:"))
		for _, p := range s.Pending {
			if len(p.Unmet) == 0 {
				fmt.Fprintf(out, "  %s %s ready\n", color.GreenString("→"), p.To)
				continue
			}
			fmt.Fprintf(out, "  %s %s blocked on: %s\n", color.YellowString("→"), p.To, strings.Join(p.Unmet, ", "))
		}
	}
}

func displayAudit(out io.Writer) error {
	if cfg.State.AuditDB == "" {
		return nil
	}
	if _, err := os.Stat(cfg.State.AuditDB); os.IsNotExist(err) {
		return nil
	}

	db, err := state.Open(cfg.State.AuditDB)
	if err != nil {
		return fmt.Errorf("open audit database: %w", err)
	}
	defer db.Close()

	decisions, err := db.ListDecisions(5)
	if err != nil {
		return err
	}
	failures, err := db.ListFailures("", 5)
	if err != nil {
		return err
	}

	if len(decisions) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, color.New(color.Bold).Sprint("Recent Decisions:"))
		for _, d := range decisions {
			fmt.Fprintf(out, "  %s %-8s %.2f %s (%s ago)\n",
				outcomeMark(d.Outcome), d.Band, d.Confidence, d.Action, formatDuration(time.Since(d.RoutedAt)))
		}
	}
	if len(failures) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, color.New(color.Bold).Sprint("Recent Failures:"))
		for _, f := range failures {
			issue := f.IssueType
			if issue == "" {
				issue = "unclassified"
			}
			fmt.Fprintf(out, "  %s %s: %s (%s ago)\n",
				outcomeMark(f.Outcome), issue, f.Message, formatDuration(time.Since(f.RecordedAt)))
		}
	}
	return nil
}

func outcomeMark(outcome string) string {
	switch outcome {
	case "executed", "approved", "recovered":
		return color.GreenString("✓")
	case "pending":
		return color.YellowString("…")
	default:
		return color.RedString("✗")
	}
}

func progressBar(fraction float64, width int) string {
	filled := int(fraction*float64(width) + 0.5)
	if filled > width {
		filled = width
	}
	return "[" + color.GreenString(strings.Repeat("█", filled)) + strings.Repeat("░", width-filled) + "]"
}

// printStatus prints a status line with color
func printStatus(out io.Writer, symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Fprintf(out, "%s %s\n", c.Sprint(symbol), message)
}

func errorMark() string {
	return color.RedString("Error:")
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dd", int(d.Hours())/24)
}
