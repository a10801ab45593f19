package orchestrator

import (
	"context"

	"go.uber.org/zap"
)

// watch reloads the workflow whenever the state file is edited by someone
// else, for example a restored backup.
func (o *Orchestrator) watch(ctx context.Context) error {
	changed, err := o.store.Watch(ctx)
	if err != nil {
		return err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for range changed {
			if err := o.Reload(); err != nil {
				o.logger.Warn("reload after external edit", zap.Error(err))
			}
		}
	}()
	return nil
}

// Reload re-reads the workflow from the state file.
func (o *Orchestrator) Reload() error {
	if err := o.machine.Reload(); err != nil {
		return err
	}
	o.emit(Event{Type: EventReloaded})
	return nil
}
