package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ShayCichocki/cadence/internal/events"
	"github.com/ShayCichocki/cadence/internal/recovery"
	"github.com/ShayCichocki/cadence/internal/scheduler"
	"github.com/ShayCichocki/cadence/pkg/models"
)

// Submit schedules a background task outside any phase session. If it
// fails, the failure is handed to recovery, which may re-run it. Tasks for a
// degraded role are refused until the role is reset.
func (o *Orchestrator) Submit(task *models.Task) (scheduler.Handle, error) {
	if o.isClosed() {
		return "", ErrClosed
	}
	if task.Role != "" && o.recovery.IsDegraded(task.Role) {
		return "", fmt.Errorf("%w: %s", ErrDegraded, task.Role)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	o.mu.Lock()
	o.background[task.ID] = task
	o.mu.Unlock()

	h, err := o.sched.Submit(task)
	if err != nil {
		o.mu.Lock()
		delete(o.background, task.ID)
		o.mu.Unlock()
		return "", err
	}
	return h, nil
}

// watchFailures feeds failed background tasks to recovery.
func (o *Orchestrator) watchFailures(ctx context.Context, feed *events.Subscription[scheduler.Event]) {
	defer o.wg.Done()
	defer feed.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-feed.C():
			if !ok {
				return
			}
			if !ev.Kind.Terminal() {
				continue
			}
			o.mu.Lock()
			task, tracked := o.background[ev.Task.ID]
			delete(o.background, ev.Task.ID)
			o.mu.Unlock()

			if tracked && ev.Kind == scheduler.EventFailed {
				o.wg.Add(1)
				go o.recoverTask(ctx, task, ev.Task)
			}
		}
	}
}

func (o *Orchestrator) recoverTask(ctx context.Context, task *models.Task, snap models.TaskSnapshot) {
	defer o.wg.Done()

	attempt := 0
	f := recovery.Failure{
		Source:    task.ID,
		Component: task.Role,
		Fallback:  "skip " + task.Role + " tasks",
		Message:   failureText(snap),
		Timeout:   task.Timeout,
		Operation: func(ctx context.Context, opts recovery.RetryOptions) error {
			attempt++
			c := *task
			c.ID = fmt.Sprintf("%s~r%d", task.ID, attempt)
			c.Attempt = attempt
			c.RefreshUpstream = opts.RefreshUpstream
			c.OnDone = nil
			if opts.Timeout > 0 {
				c.Timeout = opts.Timeout
			}
			h, err := o.sched.Submit(&c)
			if err != nil {
				return err
			}
			snaps, err := o.sched.AwaitAll(ctx, []scheduler.Handle{h})
			if err != nil {
				return err
			}
			if snaps[0].State != models.TaskCompleted {
				return errors.New(failureText(snaps[0]))
			}
			return nil
		},
	}

	out := o.recovery.Handle(ctx, f)
	if out.Kind == recovery.OutcomeRecovered {
		o.emit(Event{Type: EventRecovered, TaskID: task.ID, Message: out.Strategy})
		return
	}
	o.logger.Warn("background task not recovered", zap.String("task", task.ID), zap.Error(out.Err))
	o.escalate(ctx, out)
}

func failureText(snap models.TaskSnapshot) string {
	if snap.Result != nil && snap.Result.Error != "" {
		return snap.Result.Error
	}
	return fmt.Sprintf("task %s %s", snap.ID, snap.State)
}
