package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ShayCichocki/cadence/internal/config"
	"github.com/ShayCichocki/cadence/internal/coordinator"
	"github.com/ShayCichocki/cadence/internal/decision"
	"github.com/ShayCichocki/cadence/internal/events"
	"github.com/ShayCichocki/cadence/internal/metrics"
	"github.com/ShayCichocki/cadence/internal/recovery"
	"github.com/ShayCichocki/cadence/internal/scheduler"
	"github.com/ShayCichocki/cadence/internal/state"
	"github.com/ShayCichocki/cadence/internal/store"
	"github.com/ShayCichocki/cadence/internal/workflow"
	"github.com/ShayCichocki/cadence/pkg/models"
)

// orphanAge is how old an interrupted atomic-write temp file must be before
// the maintenance sweep removes it.
const orphanAge = time.Hour

var (
	// ErrMissingConfig is returned by New when RequiredConfig is incomplete.
	ErrMissingConfig = errors.New("orchestrator: config and workers are required")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("orchestrator is closed")
	// ErrDegraded is returned by Submit for a task whose role is degraded.
	ErrDegraded = errors.New("component is degraded")
)

// Orchestrator coordinates the entire control plane for one state directory.
// It wires together: store -> workflow machine, scheduler -> coordinator,
// decision router, recovery handler -> maintenance sweep.
type Orchestrator struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	store    *store.Store
	audit    *state.DB
	machine  *workflow.Machine
	sched    *scheduler.Scheduler
	router   *decision.Router
	coord    *coordinator.Coordinator
	recovery *recovery.Handler
	sweeper  *recovery.Sweeper
	events   *events.Bus[Event]

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// advanceMu serializes Advance and Finish.
	advanceMu sync.Mutex

	mu         sync.Mutex
	closed     bool
	background map[string]*models.Task
}

// New opens the state directory, creating the workflow on first run, and
// starts the scheduler, the maintenance sweep and the state file watcher.
// Background work stops when ctx is cancelled or Close is called.
func New(ctx context.Context, req RequiredConfig, opts ...Option) (*Orchestrator, error) {
	if req.Config == nil || req.Workers == nil {
		return nil, ErrMissingConfig
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}

	cfg := req.Config
	orch := &Orchestrator{
		cfg:        cfg,
		logger:     o.logger,
		metrics:    o.metrics,
		now:        o.now,
		events:     events.NewBus[Event](),
		background: make(map[string]*models.Task),
	}
	runCtx, cancel := context.WithCancel(ctx)
	orch.cancel = cancel

	ok := false
	defer func() {
		if !ok {
			orch.Close()
		}
	}()

	if err := orch.openState(o); err != nil {
		return nil, err
	}
	if err := orch.startRecovery(runCtx, o); err != nil {
		return nil, err
	}
	if err := orch.startRuntime(runCtx, req.Workers, o); err != nil {
		return nil, err
	}
	if o.watch {
		if err := orch.watch(runCtx); err != nil {
			return nil, err
		}
	}

	ok = true
	orch.logger.Info("orchestrator started",
		zap.String("state_dir", cfg.State.Dir),
		zap.String("phase", string(orch.machine.Current())))
	return orch, nil
}

func (o *Orchestrator) openState(opts *orchestratorOptions) error {
	cfg := o.cfg
	st, err := store.Open(cfg.State.Dir,
		store.WithRingSize(cfg.State.BackupRingSize),
		store.WithLogger(o.logger.Named("store")),
		store.WithClock(opts.now))
	if err != nil {
		return err
	}
	o.store = st

	if cfg.State.AuditDB != "" {
		db, err := state.OpenAndMigrate(cfg.State.AuditDB)
		if err != nil {
			return fmt.Errorf("open audit database: %w", err)
		}
		o.audit = db
	}

	wfOpts := []workflow.Option{
		workflow.WithLogger(o.logger.Named("workflow")),
		workflow.WithMetrics(o.metrics),
		workflow.WithClock(opts.now),
	}
	if opts.evaluator != nil {
		wfOpts = append(wfOpts, workflow.WithEvaluator(opts.evaluator))
	}

	// The configured project type only applies on first run.
	var m *workflow.Machine
	if st.Exists() {
		m, err = workflow.Open(st, wfOpts...)
	} else {
		m, err = workflow.New(st, workflow.Kind(cfg.State.ProjectType), wfOpts...)
	}
	if err != nil {
		return err
	}
	o.machine = m
	return nil
}

func (o *Orchestrator) startRuntime(ctx context.Context, workers scheduler.Registry, opts *orchestratorOptions) error {
	schedOpts := []scheduler.Option{
		scheduler.WithLogger(o.logger.Named("scheduler")),
		scheduler.WithMetrics(o.metrics),
		scheduler.WithClock(opts.now),
	}
	if opts.sampler != nil {
		schedOpts = append(schedOpts, scheduler.WithSampler(opts.sampler))
	}
	if o.audit != nil {
		schedOpts = append(schedOpts, scheduler.WithAudit(o.audit))
	}
	o.sched = scheduler.New(o.cfg.Scheduler, workers, schedOpts...)

	// Subscribe before Start so no failure event is missed.
	feed := o.sched.Subscribe()
	if err := o.sched.Start(ctx); err != nil {
		feed.Close()
		return err
	}
	o.wg.Add(1)
	go o.watchFailures(ctx, feed)

	routerOpts := []decision.Option{
		decision.WithLogger(o.logger.Named("decisions")),
		decision.WithMetrics(o.metrics),
		decision.WithClock(opts.now),
	}
	if o.audit != nil {
		routerOpts = append(routerOpts, decision.WithAudit(o.audit))
	}
	if opts.approvalTimeout > 0 {
		routerOpts = append(routerOpts, decision.WithApprovalTimeout(opts.approvalTimeout))
	}
	router, err := decision.New(o.cfg.Decisions, routerOpts...)
	if err != nil {
		return err
	}
	o.router = router

	o.coord = coordinator.New(o.sched, o.cfg.Coordination,
		coordinator.WithLogger(o.logger.Named("coordinator")),
		coordinator.WithRouter(router),
		coordinator.WithDegradedCheck(o.recovery.IsDegraded),
		coordinator.WithClock(opts.now))
	return nil
}

func (o *Orchestrator) startRecovery(ctx context.Context, opts *orchestratorOptions) error {
	reg := opts.registry
	if reg == nil && o.cfg.Recovery.PatternsFile != "" {
		loaded, err := recovery.LoadRegistry(o.cfg.Recovery.PatternsFile)
		if err != nil {
			return err
		}
		reg = loaded
	}

	recOpts := []recovery.Option{
		recovery.WithLogger(o.logger.Named("recovery")),
		recovery.WithMetrics(o.metrics),
		recovery.WithClock(opts.now),
	}
	if o.cfg.Recovery.BaseBackoff > 0 {
		recOpts = append(recOpts, recovery.WithBaseBackoff(o.cfg.Recovery.BaseBackoff))
	}
	if o.audit != nil {
		recOpts = append(recOpts, recovery.WithAudit(o.audit))
	}
	for _, s := range opts.strategies {
		recOpts = append(recOpts, recovery.WithStrategy(s))
	}
	h, err := recovery.New(reg, recOpts...)
	if err != nil {
		return err
	}
	o.recovery = h

	if o.cfg.Recovery.MaintenanceSchedule == "" {
		return nil
	}
	sweeper, err := recovery.NewSweeper(o.cfg.Recovery.MaintenanceSchedule, o.maintenanceTasks(),
		recovery.WithSweepLogger(o.logger.Named("sweep")),
		recovery.WithSweepClock(opts.now))
	if err != nil {
		return err
	}
	o.sweeper = sweeper
	sweeper.Start(ctx)
	return nil
}

func (o *Orchestrator) maintenanceTasks() []recovery.MaintenanceTask {
	tasks := []recovery.MaintenanceTask{
		recovery.TempFileCleanup(orphanAge, o.now, o.store.Dir(), o.store.BackupDir()),
	}
	if o.cfg.Recovery.StaleAfter > 0 {
		tasks = append(tasks, recovery.BackupFreshness(o.store, o.cfg.Recovery.StaleAfter, o.now,
			o.machine.Checkpoint, o.logger.Named("sweep")))
	}
	if o.audit != nil && o.cfg.State.AuditRetention > 0 {
		tasks = append(tasks, recovery.AuditRetention(o.audit, o.cfg.State.AuditRetention, o.logger.Named("sweep")))
	}
	return tasks
}

// Close stops background work and releases the state directory. It is safe
// to call more than once.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.cancel()
	if o.sweeper != nil {
		o.sweeper.Stop()
	}
	if o.sched != nil {
		o.sched.Close()
	}
	if o.router != nil {
		o.router.Close()
	}
	o.wg.Wait()
	if o.recovery != nil {
		o.recovery.Close()
	}
	o.events.Close()

	var err error
	if o.audit != nil {
		err = multierr.Append(err, o.audit.Close())
	}
	if o.store != nil {
		err = multierr.Append(err, o.store.Close())
	}
	o.logger.Info("orchestrator stopped")
	return err
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Machine returns the workflow state machine.
func (o *Orchestrator) Machine() *workflow.Machine { return o.machine }

// Scheduler returns the background task scheduler.
func (o *Orchestrator) Scheduler() *scheduler.Scheduler { return o.sched }

// Router returns the decision router.
func (o *Orchestrator) Router() *decision.Router { return o.router }

// Coordinator returns the collaboration coordinator.
func (o *Orchestrator) Coordinator() *coordinator.Coordinator { return o.coord }

// Recovery returns the recovery handler.
func (o *Orchestrator) Recovery() *recovery.Handler { return o.recovery }

// Sweeper returns the maintenance sweeper, or nil when no schedule is set.
func (o *Orchestrator) Sweeper() *recovery.Sweeper { return o.sweeper }

// Store returns the state store.
func (o *Orchestrator) Store() *store.Store { return o.store }

// Metrics returns the metrics collectors.
func (o *Orchestrator) Metrics() *metrics.Metrics { return o.metrics }

// Subscribe returns a subscription to orchestrator events.
func (o *Orchestrator) Subscribe() *events.Subscription[Event] {
	return o.events.Subscribe()
}

func (o *Orchestrator) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = o.now()
	}
	if ev.Phase == "" {
		ev.Phase = o.machine.Current()
	}
	o.events.Publish(ev)
}

// Status is a read-only view of the whole control plane.
type Status struct {
	Workflow         workflow.Status
	Queued           int
	Running          int
	Usage            scheduler.Usage
	PendingDecisions []decision.Decision
	Accuracy         float64
	Degraded         []recovery.Degradation
	RecentFailures   []recovery.FailureRecord
	LastSweep        *recovery.SweepResult
}

// Status gathers a snapshot from every subsystem.
func (o *Orchestrator) Status() Status {
	queued, running := o.sched.Stats()
	st := Status{
		Workflow:         o.machine.Status(),
		Queued:           queued,
		Running:          running,
		Usage:            o.sched.Usage(),
		PendingDecisions: o.router.Pending(),
		Accuracy:         o.router.Accuracy(),
		Degraded:         o.recovery.Degraded(),
		RecentFailures:   o.recovery.Failures(10),
	}
	if o.sweeper != nil {
		last := o.sweeper.Last()
		if !last.StartedAt.IsZero() {
			st.LastSweep = &last
		}
	}
	return st
}

// Halt stops the workflow from advancing until Resume.
func (o *Orchestrator) Halt(reason string) error {
	if err := o.machine.Halt(reason); err != nil {
		return err
	}
	o.emit(Event{Type: EventHalted, Message: o.machine.Status().HaltReason})
	return nil
}

// Resume clears a halt.
func (o *Orchestrator) Resume() error {
	if err := o.machine.Resume(); err != nil {
		return err
	}
	o.emit(Event{Type: EventResumed})
	return nil
}

// Finish completes the terminal phase.
func (o *Orchestrator) Finish(ctx context.Context) error {
	o.advanceMu.Lock()
	defer o.advanceMu.Unlock()
	if o.isClosed() {
		return ErrClosed
	}
	if err := o.machine.Finish(ctx); err != nil {
		return err
	}
	o.emit(Event{Type: EventWorkflowFinished})
	return nil
}
