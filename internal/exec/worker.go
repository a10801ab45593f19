package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ShayCichocki/cadence/internal/scheduler"
	"github.com/ShayCichocki/cadence/pkg/models"
)

// Worker executes tasks for one role by running its command.
//
// The task is described to the command through the environment:
// CADENCE_TASK_ID, CADENCE_TASK_ROLE, CADENCE_TASK_ATTEMPT,
// CADENCE_REFRESH_UPSTREAM (set to 1 on consult-upstream re-runs) and
// CADENCE_PAYLOAD (the payload as JSON, when present).
//
// A JSON object on stdout becomes the keyed result output, so a command can
// report exit conditions with e.g. {"tests_passing": true}. Any other
// non-empty stdout is returned under the "stdout" key.
type Worker struct {
	role   string
	script string
	opts   options
}

var _ models.Worker = (*Worker)(nil)

// NewWorker creates a Worker for role.
func NewWorker(role, script string, opts ...Option) *Worker {
	return &Worker{role: role, script: script, opts: newOptions(opts)}
}

// NewWorkers creates a registry with one Worker per role-to-command entry.
func NewWorkers(commands map[string]string, opts ...Option) scheduler.Workers {
	workers := make(scheduler.Workers, len(commands))
	for role, script := range commands {
		workers[role] = NewWorker(role, script, opts...)
	}
	return workers
}

// Execute runs the command for task. The scheduler bounds ctx by the
// task's timeout.
func (w *Worker) Execute(ctx context.Context, task *models.Task) models.Result {
	env := []string{
		"CADENCE_TASK_ID=" + task.ID,
		"CADENCE_TASK_ROLE=" + w.role,
		"CADENCE_TASK_ATTEMPT=" + strconv.Itoa(task.Attempt),
	}
	if task.RefreshUpstream {
		env = append(env, "CADENCE_REFRESH_UPSTREAM=1")
	}
	if task.Payload != nil {
		payload, err := json.Marshal(task.Payload)
		if err != nil {
			return models.Result{Error: fmt.Sprintf("encode payload: %v", err)}
		}
		env = append(env, "CADENCE_PAYLOAD="+string(payload))
	}

	out, err := w.opts.runner.Run(ctx, Command{Script: w.script, Dir: w.opts.dir, Env: env})
	if err != nil {
		return models.Result{Error: err.Error()}
	}
	if out.ExitCode != 0 {
		return models.Result{Error: out.Failure()}
	}
	return models.Result{Success: true, Output: parseOutput(out.Stdout)}
}

func parseOutput(stdout []byte) any {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return nil
	}
	var keyed map[string]any
	if trimmed[0] == '{' && json.Unmarshal(trimmed, &keyed) == nil {
		return keyed
	}
	return map[string]any{"stdout": string(trimmed)}
}
