package orchestrator

import (
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/cadence/internal/config"
	"github.com/ShayCichocki/cadence/internal/metrics"
	"github.com/ShayCichocki/cadence/internal/recovery"
	"github.com/ShayCichocki/cadence/internal/scheduler"
	"github.com/ShayCichocki/cadence/internal/workflow"
)

// RequiredConfig contains the minimal required configuration for an Orchestrator.
// All fields are required and have no defaults.
type RequiredConfig struct {
	// Config is the loaded cadence configuration.
	Config *config.Config
	// Workers maps roles to the workers that execute their tasks.
	Workers scheduler.Registry
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

// orchestratorOptions holds all optional configuration.
type orchestratorOptions struct {
	logger          *zap.Logger
	metrics         *metrics.Metrics
	sampler         scheduler.Sampler
	evaluator       workflow.ConditionEvaluator
	registry        *recovery.Registry
	strategies      []recovery.Strategy
	approvalTimeout time.Duration
	now             func() time.Time
	watch           bool
}

func defaultOptions() *orchestratorOptions {
	return &orchestratorOptions{
		logger: zap.NewNop(),
		now:    time.Now,
		watch:  true,
	}
}

// WithLogger sets the logger. Each subsystem gets a named child.
func WithLogger(l *zap.Logger) Option {
	return func(o *orchestratorOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics collectors. By default a fresh set is created.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *orchestratorOptions) { o.metrics = m }
}

// WithSampler sets the scheduler's resource sampler (mainly for testing).
func WithSampler(s scheduler.Sampler) Option {
	return func(o *orchestratorOptions) { o.sampler = s }
}

// WithEvaluator sets the exit-condition evaluator consulted on transition.
func WithEvaluator(e workflow.ConditionEvaluator) Option {
	return func(o *orchestratorOptions) { o.evaluator = e }
}

// WithRegistry sets the recovery pattern registry, overriding
// recovery.patterns_file.
func WithRegistry(r *recovery.Registry) Option {
	return func(o *orchestratorOptions) { o.registry = r }
}

// WithStrategy registers an extra recovery strategy.
func WithStrategy(s recovery.Strategy) Option {
	return func(o *orchestratorOptions) { o.strategies = append(o.strategies, s) }
}

// WithApprovalTimeout expires approval-band decisions after d.
func WithApprovalTimeout(d time.Duration) Option {
	return func(o *orchestratorOptions) { o.approvalTimeout = d }
}

// WithClock overrides the clock for every subsystem (mainly for testing).
func WithClock(now func() time.Time) Option {
	return func(o *orchestratorOptions) { o.now = now }
}

// WithoutWatch disables reloading the workflow when the state file is
// edited externally.
func WithoutWatch() Option {
	return func(o *orchestratorOptions) { o.watch = false }
}
