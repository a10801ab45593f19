package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Built-in strategy names.
const (
	StrategyRetry           = "retry"
	StrategyWidenTimeout    = "widen-timeout"
	StrategyConsultUpstream = "consult-upstream"
	StrategyDegrade         = "degrade"
)

// ErrNoOperation means the failure carries nothing to re-run.
var ErrNoOperation = errors.New("failure has no retryable operation")

// RetryOptions tell an Operation how to re-run.
type RetryOptions struct {
	// Timeout is the execution timeout for this attempt. Zero keeps the
	// operation's own default.
	Timeout time.Duration
	// RefreshUpstream asks the operation to re-read its upstream source of
	// truth before running.
	RefreshUpstream bool
	// Attempt is the attempt number within the current strategy, from 1.
	Attempt int
}

// Operation re-runs the work that failed.
type Operation func(ctx context.Context, opts RetryOptions) error

// Strategy tries to recover from a failure. A nil error means recovered.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, f *Failure, attempt int) error
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc struct {
	StrategyName string
	Fn           func(ctx context.Context, f *Failure, attempt int) error
}

// Name returns the strategy name.
func (s StrategyFunc) Name() string { return s.StrategyName }

// Attempt calls Fn.
func (s StrategyFunc) Attempt(ctx context.Context, f *Failure, attempt int) error {
	return s.Fn(ctx, f, attempt)
}

// retryStrategy waits an exponentially growing interval and re-runs the
// operation unchanged.
type retryStrategy struct {
	base time.Duration
}

func (retryStrategy) Name() string { return StrategyRetry }

func (s retryStrategy) Attempt(ctx context.Context, f *Failure, attempt int) error {
	if f.Operation == nil {
		return ErrNoOperation
	}
	if err := sleep(ctx, s.delay(attempt)); err != nil {
		return err
	}
	return f.Operation(ctx, RetryOptions{Timeout: f.Timeout, Attempt: attempt})
}

// delay returns the backoff interval before the given attempt.
func (s retryStrategy) delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.base
	b.MaxElapsedTime = 0
	b.Reset()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// widenTimeoutStrategy doubles the timeout on every attempt.
type widenTimeoutStrategy struct{}

func (widenTimeoutStrategy) Name() string { return StrategyWidenTimeout }

func (widenTimeoutStrategy) Attempt(ctx context.Context, f *Failure, attempt int) error {
	if f.Operation == nil {
		return ErrNoOperation
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return f.Operation(ctx, RetryOptions{Timeout: timeout << attempt, Attempt: attempt})
}

// consultUpstreamStrategy re-runs the operation after refreshing from the
// upstream source of truth.
type consultUpstreamStrategy struct{}

func (consultUpstreamStrategy) Name() string { return StrategyConsultUpstream }

func (consultUpstreamStrategy) Attempt(ctx context.Context, f *Failure, attempt int) error {
	if f.Operation == nil {
		return ErrNoOperation
	}
	return f.Operation(ctx, RetryOptions{Timeout: f.Timeout, RefreshUpstream: true, Attempt: attempt})
}

// degradeStrategy marks the failing component degraded so callers bypass it.
type degradeStrategy struct {
	h *Handler
}

func (degradeStrategy) Name() string { return StrategyDegrade }

func (s degradeStrategy) Attempt(_ context.Context, f *Failure, _ int) error {
	if f.Component == "" {
		return errors.New("cannot degrade: failure names no component")
	}
	s.h.degrade(f.Component, f.Fallback, f.text())
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
