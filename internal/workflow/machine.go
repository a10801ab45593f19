package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/cadence/internal/metrics"
	"github.com/ShayCichocki/cadence/internal/store"
)

// Persister saves and loads the instance snapshot. *store.Store implements it.
type Persister interface {
	Save(v any) error
	Load(v any) error
}

// ConditionEvaluator decides whether a named exit condition holds.
// Returning ErrConditionUnknown defers to the recorded validation status.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, phase PhaseID, condition string) (bool, error)
}

// EvaluatorFunc adapts a function to ConditionEvaluator.
type EvaluatorFunc func(ctx context.Context, phase PhaseID, condition string) (bool, error)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, phase PhaseID, condition string) (bool, error) {
	return f(ctx, phase, condition)
}

// TransitionResult describes a completed transition.
type TransitionResult struct {
	From PhaseID
	To   PhaseID
}

// PendingTransition is a legal next phase and what still blocks it.
type PendingTransition struct {
	To    PhaseID
	Unmet []string
}

// Status is a read-only view of the workflow.
type Status struct {
	Phase       PhaseID
	ProjectType Kind
	Completed   []PhaseID
	// Progress is completed phases over total phases, in [0,1].
	Progress    float64
	Pending     []PendingTransition
	Halted      bool
	HaltReason  string
	Version     uint64
	LastUpdated time.Time
}

// Machine owns one workflow instance and is its only writer.
// All methods are safe for concurrent use.
type Machine struct {
	persister Persister
	graph     *Graph
	evaluator ConditionEvaluator
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu   sync.Mutex
	inst *Instance
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithEvaluator sets the exit condition evaluator. Without one, conditions
// are read from the validation status recorded through SetValidation.
func WithEvaluator(e ConditionEvaluator) Option {
	return func(m *Machine) { m.evaluator = e }
}

// WithMetrics records transitions into m.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

// WithClock overrides the clock used for history timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New loads the workflow from p, creating it in the initial phase of the
// graph for kind on first run. An existing workflow keeps the graph it was
// created with; asking for a different kind fails with ErrKindMismatch.
func New(p Persister, kind Kind, opts ...Option) (*Machine, error) {
	g, err := GraphFor(kind)
	if err != nil {
		return nil, err
	}
	m := newMachine(p, g, opts)

	inst, err := m.load()
	switch {
	case errors.Is(err, store.ErrNotExist):
		inst = newInstance(g, m.now().UTC())
		if err := p.Save(inst); err != nil {
			return nil, fmt.Errorf("persist new workflow: %w", err)
		}
		m.logger.Info("workflow created",
			zap.String("project_type", string(kind)),
			zap.String("phase", string(inst.CurrentPhase)))
	case err != nil:
		return nil, err
	case inst.ProjectType != kind:
		return nil, fmt.Errorf("%w: persisted %q, requested %q", ErrKindMismatch, inst.ProjectType, kind)
	}

	m.inst = inst
	return m, nil
}

// Open loads an existing workflow, taking the graph from the persisted
// project type. It fails with ErrNotInitialized when nothing was saved.
func Open(p Persister, opts ...Option) (*Machine, error) {
	var probe Instance
	if err := p.Load(&probe); err != nil {
		if errors.Is(err, store.ErrNotExist) {
			return nil, ErrNotInitialized
		}
		return nil, fmt.Errorf("load workflow: %w", err)
	}
	g, err := GraphFor(probe.ProjectType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	m := newMachine(p, g, opts)
	inst, err := m.load()
	if err != nil {
		return nil, err
	}
	m.inst = inst
	return m, nil
}

func newMachine(p Persister, g *Graph, opts []Option) *Machine {
	m := &Machine{
		persister: p,
		graph:     g,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) load() (*Instance, error) {
	var inst Instance
	if err := m.persister.Load(&inst); err != nil {
		if errors.Is(err, store.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("load workflow: %w", err)
	}
	inst.normalize()
	if inst.ProjectType != m.graph.Kind() {
		return &inst, nil
	}
	if !inst.check(m.graph) {
		return nil, fmt.Errorf("%w: phase %q", ErrCorruptState, inst.CurrentPhase)
	}
	return &inst, nil
}

// Graph returns the phase graph.
func (m *Machine) Graph() *Graph {
	return m.graph
}

// Phase looks up a phase in the machine's graph.
func (m *Machine) Phase(id PhaseID) (Phase, bool) {
	return m.graph.Phase(id)
}

// Current returns the current phase.
func (m *Machine) Current() PhaseID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inst.CurrentPhase
}

// Snapshot returns a copy of the instance.
func (m *Machine) Snapshot() *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inst.Clone()
}

// Transition moves the workflow to target. Every check runs before any
// state changes: on error the instance is exactly as it was.
func (m *Machine) Transition(ctx context.Context, target PhaseID) (TransitionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.inst.CurrentPhase
	if !m.graph.IsSuccessor(from, target) {
		return TransitionResult{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, target)
	}
	if m.inst.Halted {
		return TransitionResult{}, fmt.Errorf("%w: %s", ErrHalted, m.inst.HaltReason)
	}

	unmet, err := m.unmetConditions(ctx, from)
	if err != nil {
		return TransitionResult{}, err
	}
	if len(unmet) > 0 {
		return TransitionResult{}, &ExitConditionsError{Phase: from, Unmet: unmet}
	}

	next := m.inst.Clone()
	now := m.now().UTC()
	next.markCompleted(m.graph, from)
	next.History = append(next.History, HistoryEntry{From: from, To: target, Timestamp: now})
	next.CurrentPhase = target
	if err := m.commitLocked(next, now); err != nil {
		return TransitionResult{}, err
	}

	if m.metrics != nil {
		m.metrics.Transitions.WithLabelValues(string(target)).Inc()
	}
	m.logger.Info("phase transition",
		zap.String("from", string(from)),
		zap.String("to", string(target)),
		zap.Uint64("version", next.Version))

	return TransitionResult{From: from, To: target}, nil
}

// Finish marks the terminal phase completed once its exit conditions hold.
// Finishing an already finished workflow is a no-op.
func (m *Machine) Finish(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.inst.CurrentPhase
	phase, _ := m.graph.Phase(current)
	if len(phase.Successors) > 0 {
		return fmt.Errorf("%w: %s", ErrNotTerminal, current)
	}
	if m.inst.IsCompleted(current) {
		return nil
	}
	if m.inst.Halted {
		return fmt.Errorf("%w: %s", ErrHalted, m.inst.HaltReason)
	}

	unmet, err := m.unmetConditions(ctx, current)
	if err != nil {
		return err
	}
	if len(unmet) > 0 {
		return &ExitConditionsError{Phase: current, Unmet: unmet}
	}

	next := m.inst.Clone()
	next.markCompleted(m.graph, current)
	if err := m.commitLocked(next, m.now().UTC()); err != nil {
		return err
	}
	m.logger.Info("workflow finished", zap.String("phase", string(current)))
	return nil
}

// Halt stops all transitions until Resume. Halting a halted workflow
// replaces its reason.
func (m *Machine) Halt(reason string) error {
	if reason == "" {
		reason = "halted by operator"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.inst.Clone()
	next.Halted = true
	next.HaltReason = reason
	if err := m.commitLocked(next, m.now().UTC()); err != nil {
		return err
	}
	m.logger.Warn("workflow halted",
		zap.String("phase", string(next.CurrentPhase)),
		zap.String("reason", reason))
	return nil
}

// Resume clears a halt.
func (m *Machine) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.inst.Halted {
		return ErrNotHalted
	}
	next := m.inst.Clone()
	next.Halted = false
	next.HaltReason = ""
	if err := m.commitLocked(next, m.now().UTC()); err != nil {
		return err
	}
	m.logger.Info("workflow resumed", zap.String("phase", string(next.CurrentPhase)))
	return nil
}

// Checkpoint saves the current instance again, unchanged, so the store
// takes a fresh backup snapshot.
func (m *Machine) Checkpoint() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.persister.Save(m.inst); err != nil {
		return fmt.Errorf("checkpoint workflow state: %w", err)
	}
	return nil
}

// SetValidation records the result of a named validator.
func (m *Machine) SetValidation(name string, ok bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, seen := m.inst.ValidationStatus[name]; seen && prev == ok {
		return nil
	}
	next := m.inst.Clone()
	next.ValidationStatus[name] = ok
	if err := m.commitLocked(next, m.now().UTC()); err != nil {
		return err
	}
	m.logger.Debug("validation recorded", zap.String("validator", name), zap.Bool("ok", ok))
	return nil
}

// Status reports the workflow without changing it. Pending transitions list
// conditions that are unmet according to the recorded validation status;
// the evaluator is only consulted by Transition.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst := m.inst
	st := Status{
		Phase:       inst.CurrentPhase,
		ProjectType: inst.ProjectType,
		Completed:   append([]PhaseID{}, inst.CompletedPhases...),
		Progress:    float64(len(inst.CompletedPhases)) / float64(m.graph.Len()),
		Halted:      inst.Halted,
		HaltReason:  inst.HaltReason,
		Version:     inst.Version,
		LastUpdated: inst.LastUpdated,
	}

	phase, _ := m.graph.Phase(inst.CurrentPhase)
	unmet := recordedUnmet(inst, phase)
	for _, to := range phase.Successors {
		st.Pending = append(st.Pending, PendingTransition{
			To:    to,
			Unmet: append([]string(nil), unmet...),
		})
	}
	return st
}

// Reload replaces the in-memory instance with the persisted one. Used after
// the state file was edited or restored from a backup outside this process.
func (m *Machine) Reload() error {
	inst, err := m.load()
	if err != nil {
		return err
	}
	if inst.ProjectType != m.graph.Kind() {
		return fmt.Errorf("%w: persisted %q, running %q", ErrKindMismatch, inst.ProjectType, m.graph.Kind())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.inst.Version
	m.inst = inst
	m.logger.Info("workflow reloaded",
		zap.String("phase", string(inst.CurrentPhase)),
		zap.Uint64("previous_version", prev),
		zap.Uint64("version", inst.Version))
	return nil
}

// commitLocked persists next and adopts it. Caller must hold m.mu.
func (m *Machine) commitLocked(next *Instance, now time.Time) error {
	next.Version = m.inst.Version + 1
	next.LastUpdated = now
	if err := m.persister.Save(next); err != nil {
		return fmt.Errorf("persist workflow state: %w", err)
	}
	m.inst = next
	return nil
}

// unmetConditions evaluates the exit conditions of phase in order.
// Caller must hold m.mu.
func (m *Machine) unmetConditions(ctx context.Context, phase PhaseID) ([]string, error) {
	p, _ := m.graph.Phase(phase)
	var unmet []string
	for _, cond := range p.ExitConditions {
		ok, err := m.evaluate(ctx, phase, cond)
		if err != nil {
			return nil, fmt.Errorf("evaluate exit condition %s: %w", cond, err)
		}
		if !ok {
			unmet = append(unmet, cond)
		}
	}
	return unmet, nil
}

func (m *Machine) evaluate(ctx context.Context, phase PhaseID, cond string) (bool, error) {
	if m.evaluator != nil {
		ok, err := m.evaluator.Evaluate(ctx, phase, cond)
		if !errors.Is(err, ErrConditionUnknown) {
			return ok, err
		}
	}
	return m.inst.ValidationStatus[cond], nil
}

func recordedUnmet(inst *Instance, phase Phase) []string {
	var unmet []string
	for _, cond := range phase.ExitConditions {
		if !inst.ValidationStatus[cond] {
			unmet = append(unmet, cond)
		}
	}
	return unmet
}
