package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ShayCichocki/cadence/internal/config"
	"github.com/ShayCichocki/cadence/internal/decision"
	"github.com/ShayCichocki/cadence/internal/graph"
	"github.com/ShayCichocki/cadence/internal/scheduler"
	"github.com/ShayCichocki/cadence/pkg/models"
)

// Dispatcher runs tasks. *scheduler.Scheduler implements it.
type Dispatcher interface {
	Submit(task *models.Task) (scheduler.Handle, error)
	AwaitAll(ctx context.Context, handles []scheduler.Handle) ([]models.TaskSnapshot, error)
	Cancel(h scheduler.Handle) error
}

// Router routes a session's proposal. *decision.Router implements it.
type Router interface {
	Route(ctx context.Context, p decision.Proposal) (*decision.Routing, error)
}

// Coordinator runs collaboration sessions. Sessions are independent; Run
// may be called concurrently.
type Coordinator struct {
	dispatcher Dispatcher
	router     Router
	authority  map[string]int
	degraded   func(role string) bool
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRouter enables routing of Request.Proposal before dispatch.
func WithRouter(r Router) Option {
	return func(c *Coordinator) { c.router = r }
}

// WithDegradedCheck bypasses tasks whose role is reported degraded. Such
// tasks are skipped without dispatch and count as satisfied for the tasks
// that depend on them.
func WithDegradedCheck(fn func(role string) bool) Option {
	return func(c *Coordinator) { c.degraded = fn }
}

// WithClock overrides the clock used for session durations.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a coordinator. cfg.Authority ranks roles for conflict
// resolution, highest authority first.
func New(d Dispatcher, cfg config.CoordinationConfig, opts ...Option) *Coordinator {
	c := &Coordinator{
		dispatcher: d,
		authority:  make(map[string]int, len(cfg.Authority)),
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for i, role := range cfg.Authority {
		if _, dup := c.authority[role]; !dup {
			c.authority[role] = i
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// session is the coordinator's working state for one Run.
type session struct {
	id      string
	req     Request
	tasks   map[string]*models.Task
	graph   *graph.DependencyGraph
	levels  [][]string
	results map[string]models.TaskSnapshot
	skipped map[string]bool
	// bypassed holds tasks skipped because their role is degraded.
	bypassed map[string]bool
	logger   *zap.Logger
}

// Run validates the request, dispatches its tasks according to the mode and
// combines their outputs. Structural problems (cycles, unknown edge
// endpoints, missing mode parameters) fail before anything is dispatched.
// A non-nil result accompanies task failures and conflicts so callers can
// see what ran.
func (c *Coordinator) Run(ctx context.Context, req Request) (*SessionResult, error) {
	start := c.now()

	s, err := c.build(req)
	if err != nil {
		return nil, err
	}
	s.logger = c.logger.With(zap.String("session", s.id), zap.String("mode", string(req.Mode)))

	result := &SessionResult{SessionID: s.id, Mode: req.Mode}
	for _, level := range s.levels {
		result.Order = append(result.Order, level...)
	}

	if req.Proposal != nil && c.router != nil {
		d, err := c.gate(ctx, *req.Proposal)
		result.Decision = d
		if err != nil {
			result.Duration = c.now().Sub(start)
			return result, err
		}
	}

	c.bypassDegraded(s, result.Order)
	s.logger.Info("session started", zap.Int("tasks", len(req.Tasks)), zap.Int("levels", len(s.levels)))

	var runErr error
	if req.Mode == ModeSequential {
		runErr = c.runSequential(ctx, s, result.Order)
	} else {
		runErr = c.runLevels(ctx, s)
	}

	for _, id := range result.Order {
		if s.skipped[id] {
			t := s.tasks[id]
			result.Outcomes = append(result.Outcomes, TaskOutcome{
				Task:     models.TaskSnapshot{ID: id, Role: t.Role, Priority: t.Priority, Mode: t.Mode, State: models.TaskCancelled},
				Skipped:  true,
				Degraded: s.bypassed[id],
			})
			continue
		}
		result.Outcomes = append(result.Outcomes, TaskOutcome{Task: s.results[id]})
	}

	if runErr == nil || errors.Is(runErr, ErrTaskFailed) {
		resolveErr := c.resolve(ctx, s, result)
		if runErr == nil {
			runErr = resolveErr
		}
	}

	result.Duration = c.now().Sub(start)
	if runErr != nil {
		s.logger.Warn("session finished with error", zap.Duration("duration", result.Duration), zap.Error(runErr))
	} else {
		s.logger.Info("session finished",
			zap.Duration("duration", result.Duration),
			zap.Strings("resolution", result.Resolution.Path))
	}
	return result, runErr
}

func (c *Coordinator) build(req Request) (*session, error) {
	if len(req.Tasks) == 0 {
		return nil, ErrEmptySession
	}

	s := &session{
		id:      uuid.NewString(),
		req:     req,
		tasks:   make(map[string]*models.Task, len(req.Tasks)),
		results:  make(map[string]models.TaskSnapshot, len(req.Tasks)),
		skipped:  make(map[string]bool),
		bypassed: make(map[string]bool),
	}

	ids := make([]string, 0, len(req.Tasks))
	for _, t := range req.Tasks {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if _, dup := s.tasks[t.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
		}
		s.tasks[t.ID] = t
		ids = append(ids, t.ID)
	}

	switch req.Mode {
	case ModeSequential, ModeParallel:
	case ModeJoint:
		if _, ok := s.tasks[req.Primary]; !ok {
			return nil, fmt.Errorf("%w: joint primary %q is not a session task", ErrInvalidMode, req.Primary)
		}
	case ModeCompetitive:
		if req.Scorer == nil {
			return nil, fmt.Errorf("%w: competitive mode needs a scorer", ErrInvalidMode)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
	}

	deps := make(map[string][]string)
	for _, e := range req.Edges {
		if _, ok := s.tasks[e.Task]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTask, e.Task)
		}
		if _, ok := s.tasks[e.DependsOn]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTask, e.DependsOn)
		}
		deps[e.Task] = append(deps[e.Task], e.DependsOn)
	}

	g, err := graph.Build(ids, deps)
	if err != nil {
		if errors.Is(err, graph.ErrCycleDetected) {
			return nil, fmt.Errorf("%w: %w", ErrCyclicDependency, err)
		}
		return nil, err
	}
	levels, err := g.Levels()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCyclicDependency, err)
	}
	s.graph = g
	s.levels = levels
	return s, nil
}

// gate routes the session proposal. Approval-band proposals refuse the
// session; preview-band proposals wait out their window.
func (c *Coordinator) gate(ctx context.Context, p decision.Proposal) (*decision.Decision, error) {
	routing, err := c.router.Route(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("route session proposal: %w", err)
	}
	d := routing.Decision

	switch d.Band {
	case decision.BandApproval:
		return &d, fmt.Errorf("%w: decision %s (confidence %.2f)", ErrApprovalRequired, d.ID, d.Confidence)
	case decision.BandPreview:
		select {
		case <-routing.Done():
		case <-ctx.Done():
			routing.Cancel()
			return &d, ctx.Err()
		}
		if out := routing.Outcome(); out != decision.OutcomeExecuted {
			return &d, fmt.Errorf("%w: preview decision %s ended %s", ErrApprovalRequired, d.ID, out)
		}
	}
	return &d, nil
}

// bypassDegraded marks every task whose role is degraded as skipped before
// anything is dispatched.
func (c *Coordinator) bypassDegraded(s *session, order []string) {
	if c.degraded == nil {
		return
	}
	for _, id := range order {
		role := s.tasks[id].Role
		if role == "" || !c.degraded(role) {
			continue
		}
		s.skipped[id] = true
		s.bypassed[id] = true
		s.logger.Warn("task bypassed, role degraded", zap.String("task", id), zap.String("role", role))
	}
}

// ready reports whether every dependency of id completed or was bypassed.
func (s *session) ready(id string) bool {
	for _, dep := range s.graph.GetDependencies(id) {
		if s.bypassed[dep] {
			continue
		}
		if s.skipped[dep] || s.results[dep].State != models.TaskCompleted {
			return false
		}
	}
	return true
}

// tolerates reports whether a failure of id lets the session continue.
// Competitive candidates and joint secondaries may always fail.
func (s *session) tolerates(id string) bool {
	switch s.req.Mode {
	case ModeCompetitive:
		return true
	case ModeJoint:
		if id != s.req.Primary {
			return true
		}
	}
	return s.req.BestEffort || s.tasks[id].BestEffort
}

func (c *Coordinator) runSequential(ctx context.Context, s *session, order []string) error {
	var firstErr error
	stopped := false
	for _, id := range order {
		if s.bypassed[id] {
			continue
		}
		if stopped || !s.ready(id) {
			s.skipped[id] = true
			continue
		}
		snaps, err := c.dispatch(ctx, []string{id}, s)
		if err != nil {
			return err
		}
		snap := snaps[0]
		s.results[id] = snap
		if snap.State != models.TaskCompleted && !s.tolerates(id) {
			firstErr = failure(snap)
			stopped = true
		}
	}
	return firstErr
}

func (c *Coordinator) runLevels(ctx context.Context, s *session) error {
	var firstErr error
	for _, level := range s.levels {
		var batch []string
		for _, id := range level {
			if s.bypassed[id] {
				continue
			}
			if firstErr != nil || !s.ready(id) {
				s.skipped[id] = true
				continue
			}
			batch = append(batch, id)
		}
		if len(batch) == 0 {
			continue
		}

		snaps, err := c.dispatch(ctx, batch, s)
		if err != nil {
			return err
		}
		for i, id := range batch {
			s.results[id] = snaps[i]
			if snaps[i].State != models.TaskCompleted && !s.tolerates(id) && firstErr == nil {
				firstErr = failure(snaps[i])
			}
		}
	}
	return firstErr
}

// dispatch submits ids together and waits for all of them. When ctx ends
// first the outstanding tasks are cancelled.
func (c *Coordinator) dispatch(ctx context.Context, ids []string, s *session) ([]models.TaskSnapshot, error) {
	handles := make([]scheduler.Handle, 0, len(ids))
	for _, id := range ids {
		h, err := c.dispatcher.Submit(s.tasks[id])
		if err != nil {
			c.cancelAll(handles)
			return nil, fmt.Errorf("submit task %s: %w", id, err)
		}
		handles = append(handles, h)
	}

	snaps, err := c.dispatcher.AwaitAll(ctx, handles)
	if err != nil {
		c.cancelAll(handles)
		return nil, fmt.Errorf("await tasks: %w", err)
	}
	for _, snap := range snaps {
		s.logger.Debug("task finished", zap.String("task", snap.ID), zap.String("state", string(snap.State)))
	}
	return snaps, nil
}

func (c *Coordinator) cancelAll(handles []scheduler.Handle) {
	for _, h := range handles {
		// Tasks that already finished are not cancellable; that is fine.
		_ = c.dispatcher.Cancel(h)
	}
}

func failure(snap models.TaskSnapshot) error {
	e := &TaskFailedError{TaskID: snap.ID, Role: snap.Role, State: snap.State}
	if snap.Result != nil {
		e.Reason = snap.Result.Error
	}
	return e
}
