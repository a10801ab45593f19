// Package orchestrator wires the control plane together.
//
// An Orchestrator owns one state directory and runs:
//   - the workflow state machine, persisted through the snapshot store
//   - the background task scheduler and the collaboration coordinator on top of it
//   - the decision router that gates autonomous actions
//   - the recovery handler and its maintenance sweep
//
// Advance is the main entry point: it runs the work for the current phase,
// records the validators the work produced and then transitions. Failures
// are handed to recovery; anything recovery escalates halts the workflow.
//
// Example usage:
//
//	orch, err := orchestrator.New(ctx, orchestrator.RequiredConfig{
//		Config:  cfg,
//		Workers: scheduler.Workers{"pm": pmWorker, "qa": qaWorker},
//	}, orchestrator.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer orch.Close()
//
//	res, err := orch.Advance(ctx, workflow.PhaseSolutioning, &coordinator.Request{...})
package orchestrator
