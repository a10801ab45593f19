package config

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/multierr"
)

// ErrInvalidWeights is returned when decision factor weights do not sum to 1.0
// or contain a negative weight.
var ErrInvalidWeights = errors.New("invalid decision weights")

// ErrInvalidThresholds is returned when band thresholds are not strictly
// descending within (0, 1].
var ErrInvalidThresholds = errors.New("invalid decision thresholds")

const weightTolerance = 1e-9

// Sum returns the total of all five weights.
func (w Weights) Sum() float64 {
	return w.Similarity + w.UpstreamValidation + w.TestCoverage + w.HistoricalAccuracy + w.InverseComplexity
}

// Validate checks that every weight is non-negative and that they sum to 1.0.
func (w Weights) Validate() error {
	for _, x := range []float64{w.Similarity, w.UpstreamValidation, w.TestCoverage, w.HistoricalAccuracy, w.InverseComplexity} {
		if x < 0 || math.IsNaN(x) {
			return fmt.Errorf("%w: negative or NaN weight %v", ErrInvalidWeights, x)
		}
	}
	if sum := w.Sum(); math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("%w: weights sum to %.4f, want 1.0", ErrInvalidWeights, sum)
	}
	return nil
}

// Validate checks auto > notice > preview > 0 and auto <= 1.
func (t Thresholds) Validate() error {
	if !(t.Auto <= 1 && t.Auto > t.Notice && t.Notice > t.Preview && t.Preview > 0) {
		return fmt.Errorf("%w: need 1 >= auto(%v) > notice(%v) > preview(%v) > 0",
			ErrInvalidThresholds, t.Auto, t.Notice, t.Preview)
	}
	return nil
}

// Validate reports every configuration problem at once. Structural errors
// are never silently corrected.
func (c *Config) Validate() error {
	var err error

	err = multierr.Append(err, c.Decisions.Weights.Validate())
	err = multierr.Append(err, c.Decisions.Thresholds.Validate())

	if c.Decisions.HistorySize < 1 {
		err = multierr.Append(err, fmt.Errorf("decisions.history_size must be >= 1, got %d", c.Decisions.HistorySize))
	}
	if c.Decisions.PreviewWindow < 0 {
		err = multierr.Append(err, fmt.Errorf("decisions.preview_window must be >= 0, got %v", c.Decisions.PreviewWindow))
	}
	if c.Scheduler.MaxConcurrency < 1 {
		err = multierr.Append(err, fmt.Errorf("scheduler.max_concurrency must be >= 1, got %d", c.Scheduler.MaxConcurrency))
	}
	if c.Scheduler.CPUCeilingPercent < 0 || c.Scheduler.CPUCeilingPercent > 100 {
		err = multierr.Append(err, fmt.Errorf("scheduler.cpu_ceiling_percent must be within [0,100], got %v", c.Scheduler.CPUCeilingPercent))
	}
	if c.State.BackupRingSize < 1 {
		err = multierr.Append(err, fmt.Errorf("state.backup_ring_size must be >= 1, got %d", c.State.BackupRingSize))
	}
	if c.Commands.Timeout < 0 {
		err = multierr.Append(err, fmt.Errorf("commands.timeout must be >= 0, got %v", c.Commands.Timeout))
	}
	switch c.State.ProjectType {
	case "greenfield", "brownfield":
	default:
		err = multierr.Append(err, fmt.Errorf("state.project_type must be greenfield or brownfield, got %q", c.State.ProjectType))
	}

	return err
}
