// Package scheduler runs background tasks with strict priority ordering,
// bounded concurrency and resource-based throttling.
//
// A single dispatch loop admits queued tasks while fewer than MaxConcurrency
// are running and sampled CPU and memory usage stay below their ceilings.
// All scheduler state sits behind one mutex that is never held while a
// worker executes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ShayCichocki/cadence/internal/config"
	"github.com/ShayCichocki/cadence/internal/events"
	"github.com/ShayCichocki/cadence/internal/metrics"
	"github.com/ShayCichocki/cadence/internal/state"
	"github.com/ShayCichocki/cadence/pkg/models"
)

var (
	// ErrNotCancellable means the task is no longer queued or running.
	ErrNotCancellable = errors.New("task is not cancellable")
	// ErrNotFound means the handle is unknown or its record was pruned.
	ErrNotFound = errors.New("task not found")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("scheduler closed")
	// ErrInvalidPriority is returned by Submit for an out-of-range tier.
	ErrInvalidPriority = errors.New("invalid priority")
	// ErrNoWorker is the failure recorded for tasks whose role has no worker.
	ErrNoWorker = errors.New("no worker registered for role")
)

// Handle identifies a submitted task.
type Handle string

// Registry resolves a worker for a role.
type Registry interface {
	Worker(role string) (models.Worker, bool)
}

// Workers is a static role-to-worker registry.
type Workers map[string]models.Worker

// Worker returns the worker registered for role.
func (w Workers) Worker(role string) (models.Worker, bool) {
	worker, ok := w[role]
	return worker, ok
}

// record is the scheduler's private state for one task.
type record struct {
	task       *models.Task
	seq        uint64
	effective  models.Priority
	enqueuedAt time.Time

	state      models.TaskState
	progress   float64
	startedAt  *time.Time
	finishedAt *time.Time
	result     *models.Result

	cancel context.CancelFunc
	done   chan struct{}
}

func (r *record) snapshot() models.TaskSnapshot {
	s := models.TaskSnapshot{
		ID:          r.task.ID,
		Role:        r.task.Role,
		Priority:    r.task.Priority,
		Mode:        r.task.Mode,
		State:       r.state,
		Progress:    r.progress,
		SubmittedAt: r.task.SubmittedAt,
	}
	if r.startedAt != nil {
		t := *r.startedAt
		s.StartedAt = &t
	}
	if r.finishedAt != nil {
		t := *r.finishedAt
		s.FinishedAt = &t
	}
	if r.result != nil {
		res := *r.result
		s.Result = &res
	}
	return s
}

// Scheduler is the background task scheduler.
type Scheduler struct {
	cfg     config.SchedulerConfig
	workers Registry
	sampler Sampler
	logger  *zap.Logger
	metrics *metrics.Metrics
	audit   *state.DB
	now     func() time.Time
	bus     *events.Bus[Event]

	usage atomic.Pointer[Usage]
	wake  chan struct{}

	mu      sync.Mutex
	queue   queue
	records map[Handle]*record
	running int
	seq     uint64
	started bool
	closed  bool

	stop chan struct{}
	wg   sync.WaitGroup
	jobs sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records queue and task metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithSampler replaces the host resource sampler.
func WithSampler(sm Sampler) Option {
	return func(s *Scheduler) { s.sampler = sm }
}

// WithAudit records every finished task into db.
func WithAudit(db *state.DB) Option {
	return func(s *Scheduler) { s.audit = db }
}

// WithClock overrides the clock used for timestamps, aging and pruning.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler. Call Start to begin dispatching.
func New(cfg config.SchedulerConfig, workers Registry, opts ...Option) *Scheduler {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 2 * time.Second
	}
	if cfg.ThrottleBackoff <= 0 {
		cfg.ThrottleBackoff = cfg.SampleInterval
	}

	s := &Scheduler{
		cfg:     cfg,
		workers: workers,
		sampler: SystemSampler{},
		logger:  zap.NewNop(),
		now:     time.Now,
		bus:     events.NewBus[Event](),
		wake:    make(chan struct{}, 1),
		records: make(map[Handle]*record),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the dispatch loop and the resource sampler. The first
// sample is taken before Start returns.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.sample(ctx)

	s.wg.Add(2)
	go s.sampleLoop(ctx)
	go s.dispatchLoop(ctx)
	s.signal()

	s.logger.Info("scheduler started",
		zap.Int("max_concurrency", s.cfg.MaxConcurrency),
		zap.Float64("cpu_ceiling_percent", s.cfg.CPUCeilingPercent),
		zap.Uint64("memory_ceiling_mb", s.cfg.MemoryCeilingMB))
	return nil
}

// Close stops dispatching, cancels queued and running tasks and waits for
// running workers to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.stop)

	var callbacks []func()
	for _, r := range s.records {
		if r.state.Interruptible() {
			callbacks = append(callbacks, s.cancelLocked(r))
		}
	}
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
	s.wg.Wait()
	s.jobs.Wait()
	s.bus.Close()
	s.logger.Info("scheduler stopped")
}

// Submit enqueues task and returns its handle without waiting. The task ID
// is generated when empty; SubmittedAt is set to now.
func (s *Scheduler) Submit(task *models.Task) (Handle, error) {
	if !task.Priority.Valid() {
		return "", fmt.Errorf("%w: %d", ErrInvalidPriority, task.Priority)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Mode == "" {
		task.Mode = models.ModeFireAndForget
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	h := Handle(task.ID)
	if _, dup := s.records[h]; dup {
		s.mu.Unlock()
		return "", fmt.Errorf("task %s already submitted", task.ID)
	}

	now := s.now()
	task.SubmittedAt = now
	s.seq++
	r := &record{
		task:       task,
		seq:        s.seq,
		effective:  task.Priority,
		enqueuedAt: now,
		state:      models.TaskQueued,
		done:       make(chan struct{}),
	}
	s.records[h] = r
	s.queue.push(r)
	s.publishLocked(EventQueued, r)
	s.gaugesLocked()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.TasksSubmitted.WithLabelValues(task.Priority.String()).Inc()
	}
	s.logger.Debug("task queued",
		zap.String("task", task.ID),
		zap.String("role", task.Role),
		zap.String("priority", task.Priority.String()))

	s.signal()
	return h, nil
}

// Cancel cancels a queued or running task. Running tasks have their context
// cancelled and stop counting against the concurrency bound immediately;
// unwinding the work is up to the worker.
func (s *Scheduler) Cancel(h Handle) error {
	s.mu.Lock()
	r, ok := s.records[h]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	if !r.state.Interruptible() {
		st := r.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, h, st)
	}
	callback := s.cancelLocked(r)
	s.mu.Unlock()

	callback()
	s.signal()
	s.logger.Info("task cancelled", zap.String("task", string(h)))
	return nil
}

// cancelLocked marks r cancelled and returns the post-unlock work.
// Caller must hold s.mu.
func (s *Scheduler) cancelLocked(r *record) func() {
	if r.state == models.TaskQueued {
		s.queue.remove(r)
	} else {
		r.cancel()
		s.running--
	}
	return s.finishLocked(r, models.TaskCancelled, nil)
}

// Status returns a snapshot of the task.
func (s *Scheduler) Status(h Handle) (models.TaskSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[h]
	if !ok {
		return models.TaskSnapshot{}, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	return r.snapshot(), nil
}

// AwaitAll blocks the caller until every handle is terminal or ctx is done.
// Snapshots are returned in handle order. A handle whose record is gone
// (pruned, or never submitted) is reported as TaskUnknown rather than
// assumed to have completed.
func (s *Scheduler) AwaitAll(ctx context.Context, handles []Handle) ([]models.TaskSnapshot, error) {
	out := make([]models.TaskSnapshot, len(handles))
	for i, h := range handles {
		s.mu.Lock()
		r, ok := s.records[h]
		s.mu.Unlock()
		if !ok {
			out[i] = models.TaskSnapshot{ID: string(h), State: models.TaskUnknown}
			continue
		}

		select {
		case <-r.done:
		case <-ctx.Done():
			return out, ctx.Err()
		}

		s.mu.Lock()
		out[i] = r.snapshot()
		s.mu.Unlock()
	}
	return out, nil
}

// Subscribe returns a subscription to task events. Events for one task
// arrive in lifecycle order.
func (s *Scheduler) Subscribe() *events.Subscription[Event] {
	return s.bus.Subscribe()
}

// Stats reports queue depth and running count.
func (s *Scheduler) Stats() (queued, running int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len(), s.running
}

// Usage returns the last resource sample.
func (s *Scheduler) Usage() Usage {
	if u := s.usage.Load(); u != nil {
		return *u
	}
	return Usage{}
}

// Prune removes terminal records that finished longer than the retention
// window ago and returns how many were removed.
func (s *Scheduler) Prune() int {
	cutoff := s.now().Add(-s.cfg.Retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for h, r := range s.records {
		if r.state.Terminal() && r.finishedAt != nil && !r.finishedAt.After(cutoff) {
			delete(s.records, h)
			n++
		}
	}
	if n > 0 {
		s.logger.Debug("pruned task records", zap.Int("count", n))
	}
	return n
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()

	pruneEvery := s.cfg.Retention / 2
	if pruneEvery < time.Second {
		pruneEvery = time.Second
	}
	pruneTicker := time.NewTicker(pruneEvery)
	defer pruneTicker.Stop()

	var agingC <-chan time.Time
	if s.cfg.AgingInterval > 0 {
		agingTicker := time.NewTicker(s.cfg.AgingInterval)
		defer agingTicker.Stop()
		agingC = agingTicker.C
	}

	for {
		if throttled := s.dispatch(ctx); throttled {
			if s.metrics != nil {
				s.metrics.ThrottlePauses.Inc()
			}
			s.logger.Debug("dispatch throttled", zap.Duration("backoff", s.cfg.ThrottleBackoff))
			select {
			case <-time.After(s.cfg.ThrottleBackoff):
				continue
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-s.wake:
		case <-agingC:
		case <-pruneTicker.C:
			s.Prune()
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// dispatch admits tasks until a bound is hit. It returns true when it
// stopped because a resource ceiling was exceeded.
func (s *Scheduler) dispatch(ctx context.Context) bool {
	for {
		s.mu.Lock()
		if s.closed || s.running >= s.cfg.MaxConcurrency || s.queue.len() == 0 {
			s.mu.Unlock()
			return false
		}
		if overCeiling(s.Usage(), s.cfg.CPUCeilingPercent, s.cfg.MemoryCeilingMB) {
			s.mu.Unlock()
			return true
		}

		s.queue.age(s.now(), s.cfg.AgingInterval)
		r := s.queue.pop()
		now := s.now()
		taskCtx, cancel := context.WithCancel(ctx)
		if r.task.Timeout > 0 {
			taskCtx, cancel = withTimeout(taskCtx, cancel, r.task.Timeout)
		}
		r.cancel = cancel
		r.state = models.TaskRunning
		r.startedAt = &now
		s.running++
		s.publishLocked(EventStarted, r)
		s.gaugesLocked()
		s.jobs.Add(1)
		s.mu.Unlock()

		go s.execute(taskCtx, r)
	}
}

func withTimeout(ctx context.Context, parent context.CancelFunc, d time.Duration) (context.Context, context.CancelFunc) {
	tctx, tcancel := context.WithTimeout(ctx, d)
	return tctx, func() {
		tcancel()
		parent()
	}
}

func (s *Scheduler) execute(ctx context.Context, r *record) {
	defer s.jobs.Done()

	res := s.run(ctx, r)

	s.mu.Lock()
	if r.state != models.TaskRunning {
		// Cancelled while running; bookkeeping was already settled.
		s.mu.Unlock()
		r.cancel()
		return
	}
	s.running--
	st := models.TaskCompleted
	if !res.Success {
		st = models.TaskFailed
	}
	callback := s.finishLocked(r, st, &res)
	s.mu.Unlock()

	r.cancel()
	callback()
	s.signal()
}

// run invokes the worker, converting panics and missing workers into failures.
func (s *Scheduler) run(ctx context.Context, r *record) (res models.Result) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("worker panicked", zap.String("task", r.task.ID), zap.Any("panic", p))
			res = models.Result{Error: fmt.Sprintf("worker panic: %v", p)}
		}
	}()

	worker, ok := s.workers.Worker(r.task.Role)
	if !ok {
		return models.Result{Error: fmt.Sprintf("%v: %s", ErrNoWorker, r.task.Role)}
	}

	if pw, ok := worker.(models.ProgressWorker); ok && r.task.Mode == models.ModeWatched {
		return pw.ExecuteWithProgress(ctx, r.task, func(fraction float64) {
			s.reportProgress(r, fraction)
		})
	}
	return worker.Execute(ctx, r.task)
}

func (s *Scheduler) reportProgress(r *record, fraction float64) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.state != models.TaskRunning {
		return
	}
	r.progress = fraction
	s.publishLocked(EventProgress, r)
}

// finishLocked moves r to a terminal state and returns the work that must
// run after s.mu is released. Caller must hold s.mu.
func (s *Scheduler) finishLocked(r *record, st models.TaskState, res *models.Result) func() {
	now := s.now()
	r.state = st
	r.finishedAt = &now
	r.result = res
	if st == models.TaskCompleted {
		r.progress = 1
	}
	close(r.done)

	kind := EventCompleted
	switch st {
	case models.TaskFailed:
		kind = EventFailed
	case models.TaskCancelled:
		kind = EventCancelled
	}
	s.publishLocked(kind, r)
	s.gaugesLocked()
	snap := r.snapshot()

	return func() {
		if s.metrics != nil {
			s.metrics.TasksFinished.WithLabelValues(string(st)).Inc()
		}
		if st == models.TaskFailed {
			errMsg := ""
			if res != nil {
				errMsg = res.Error
			}
			s.logger.Warn("task failed", zap.String("task", snap.ID), zap.String("error", errMsg))
		} else {
			s.logger.Debug("task finished", zap.String("task", snap.ID), zap.String("state", string(st)))
		}
		s.auditRun(snap)
		if r.task.Mode == models.ModeCallback && r.task.OnDone != nil {
			r.task.OnDone(snap)
		}
	}
}

func (s *Scheduler) publishLocked(kind EventKind, r *record) {
	s.bus.Publish(Event{Kind: kind, Task: r.snapshot(), At: s.now()})
}

func (s *Scheduler) gaugesLocked() {
	if s.metrics == nil {
		return
	}
	s.metrics.QueueDepth.Set(float64(s.queue.len()))
	s.metrics.Running.Set(float64(s.running))
}

func (s *Scheduler) auditRun(snap models.TaskSnapshot) {
	if s.audit == nil {
		return
	}
	row := &state.TaskRunRow{
		ID:          snap.ID,
		Role:        snap.Role,
		Priority:    snap.Priority.String(),
		State:       string(snap.State),
		SubmittedAt: snap.SubmittedAt,
		FinishedAt:  snap.FinishedAt,
	}
	if snap.Result != nil {
		row.Error = snap.Result.Error
	}
	if err := s.audit.SaveTaskRun(row); err != nil {
		s.logger.Warn("audit task run", zap.String("task", snap.ID), zap.Error(err))
	}
}

func (s *Scheduler) sampleLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sample(ctx)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) sample(ctx context.Context) {
	u, err := s.sampler.Sample(ctx)
	if err != nil {
		s.logger.Warn("resource sample failed", zap.Error(err))
		return
	}
	s.usage.Store(&u)
}
