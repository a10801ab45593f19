package models

import "context"

// Result is what a worker returns from Execute.
type Result struct {
	// Success indicates the worker finished its task.
	Success bool `json:"success"`
	// Output is opaque to the control plane. Coordinators that resolve
	// conflicts expect a map[string]any keyed by output name.
	Output any `json:"output,omitempty"`
	// Error describes the failure when Success is false.
	Error string `json:"error,omitempty"`
}

// Worker executes tasks for a single role. Implementations must honour ctx
// cancellation; the scheduler never terminates a worker forcibly.
type Worker interface {
	Execute(ctx context.Context, task *Task) Result
}

// ProgressWorker is a Worker that can report fractional progress for
// watched-mode tasks.
type ProgressWorker interface {
	Worker
	ExecuteWithProgress(ctx context.Context, task *Task, report func(fraction float64)) Result
}

// WorkerFunc adapts a plain function to the Worker interface.
type WorkerFunc func(ctx context.Context, task *Task) Result

// Execute calls f(ctx, task).
func (f WorkerFunc) Execute(ctx context.Context, task *Task) Result {
	return f(ctx, task)
}

// Outputs returns the result output as a keyed map, or nil when the output
// is not keyed.
func (r Result) Outputs() map[string]any {
	m, _ := r.Output.(map[string]any)
	return m
}
