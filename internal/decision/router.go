package decision

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ShayCichocki/cadence/internal/config"
	"github.com/ShayCichocki/cadence/internal/events"
	"github.com/ShayCichocki/cadence/internal/metrics"
	"github.com/ShayCichocki/cadence/internal/state"
)

// Routing is the result of routing one proposal.
type Routing struct {
	Decision Decision
	// Executed is true when the action ran during Route.
	Executed bool

	router *Router
	done   chan struct{}
}

// Done is closed once the decision reaches a terminal outcome. For the auto
// and notice bands it is closed before Route returns.
func (r *Routing) Done() <-chan struct{} {
	return r.done
}

// Cancel stops a preview countdown. It returns false when the decision is
// not a pending preview, including when the window already expired.
func (r *Routing) Cancel() bool {
	return r.router.cancelPreview(r.Decision.ID)
}

// Outcome returns the decision's current outcome.
func (r *Routing) Outcome() Outcome {
	d, ok := r.router.Get(r.Decision.ID)
	if !ok {
		return r.Decision.Outcome
	}
	return d.Outcome
}

// entry tracks a decision that has not reached its terminal outcome.
type entry struct {
	decision *Decision
	execute  Executor
	timer    *time.Timer
	done     chan struct{}
	ctx      context.Context
}

// Router scores proposals and routes them to bands. It owns the decision
// history; callers only see copies.
type Router struct {
	scorer          *Scorer
	thresholds      config.Thresholds
	previewWindow   time.Duration
	approvalTimeout time.Duration

	logger  *zap.Logger
	metrics *metrics.Metrics
	audit   *state.DB
	notices *events.Bus[Notice]
	now     func() time.Time

	mu       sync.Mutex
	closed   bool
	history  *history
	byID     map[string]*Decision
	pending  map[string]*entry
	resolved map[string]bool
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics records routed decisions into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithAudit persists every decision and its outcome to db.
func WithAudit(db *state.DB) Option {
	return func(r *Router) { r.audit = db }
}

// WithApprovalTimeout expires approvals left unresolved for d. Zero, the
// default, waits forever.
func WithApprovalTimeout(d time.Duration) Option {
	return func(r *Router) { r.approvalTimeout = d }
}

// WithClock overrides the clock used for decision timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New builds a router from configuration. Invalid weights fail with
// ErrInvalidWeights.
func New(cfg config.DecisionsConfig, opts ...Option) (*Router, error) {
	scorer, err := NewScorer(cfg.Weights)
	if err != nil {
		return nil, err
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}

	r := &Router{
		scorer:        scorer,
		thresholds:    cfg.Thresholds,
		previewWindow: cfg.PreviewWindow,
		logger:        zap.NewNop(),
		notices:       events.NewBus[Notice](),
		now:           time.Now,
		history:       newHistory(cfg.HistorySize),
		byID:          make(map[string]*Decision),
		pending:       make(map[string]*entry),
		resolved:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Notices returns the bus notice-band decisions are published on.
func (r *Router) Notices() *events.Bus[Notice] {
	return r.notices
}

// Accuracy is the moving historical accuracy over the history ring.
func (r *Router) Accuracy() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.history.accuracy()
}

// Score computes confidence for f using the current moving accuracy.
func (r *Router) Score(f Factors) (float64, error) {
	return r.scorer.Score(f, r.Accuracy())
}

// Route scores p and dispatches it to its band. Auto and notice decisions
// run p.Execute before returning; an executor error is returned wrapped in
// ErrExecutionFailed together with the routing. Preview decisions run when
// the preview window expires unless cancelled. Approval decisions wait for
// ResolveApproval.
func (r *Router) Route(ctx context.Context, p Proposal) (*Routing, error) {
	score, err := r.Score(p.Factors)
	if err != nil {
		return nil, err
	}
	band := BandFor(score, r.thresholds)

	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	d := &Decision{
		ID:         id,
		Action:     p.Action,
		Role:       p.Role,
		Confidence: score,
		Band:       band,
		RoutedAt:   r.now().UTC(),
		Outcome:    OutcomePending,
	}
	e := &entry{
		decision: d,
		execute:  p.Execute,
		done:     make(chan struct{}),
		ctx:      context.WithoutCancel(ctx),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if _, dup := r.byID[id]; dup {
		r.mu.Unlock()
		return nil, fmt.Errorf("decision %s already routed", id)
	}
	r.record(d)
	r.pending[id] = e
	switch band {
	case BandPreview:
		e.timer = time.AfterFunc(r.previewWindow, func() { r.expirePreview(id) })
	case BandApproval:
		if r.approvalTimeout > 0 {
			e.timer = time.AfterFunc(r.approvalTimeout, func() { r.expireApproval(id) })
		}
	}
	routed := *d
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.DecisionsRouted.WithLabelValues(string(band)).Inc()
	}
	r.persist(routed)
	r.logger.Info("decision routed",
		zap.String("decision", id),
		zap.String("action", p.Action),
		zap.Float64("confidence", score),
		zap.String("band", string(band)))

	routing := &Routing{Decision: routed, router: r, done: e.done}

	switch band {
	case BandAuto, BandNotice:
		routing.Executed = true
		execErr := r.run(e, OutcomeExecuted)
		if d, ok := r.Get(id); ok {
			routing.Decision = d
		}
		if band == BandNotice {
			r.notices.Publish(Notice{
				Decision: routing.Decision,
				Message:  fmt.Sprintf("%s executed with confidence %.2f", p.Action, score),
			})
		}
		if execErr != nil {
			return routing, execErr
		}
	}
	return routing, nil
}

// ResolveApproval accepts or rejects a pending approval. Accepting runs the
// executor.
func (r *Router) ResolveApproval(ctx context.Context, id string, approved bool) error {
	r.mu.Lock()
	if r.resolved[id] {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}
	e, ok := r.pending[id]
	if !ok || e.decision.Band != BandApproval {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDecision, id)
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	r.resolved[id] = true
	r.mu.Unlock()

	if !approved {
		r.finish(e, OutcomeRejected, nil)
		return nil
	}
	e.ctx = ctx
	return r.run(e, OutcomeApproved)
}

// RecordOutcome records whether a decision turned out to be right. The
// verdict feeds the moving accuracy while the decision is in the history.
func (r *Router) RecordOutcome(id string, correct bool) error {
	r.mu.Lock()
	d, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDecision, id)
	}
	d.Correct = &correct
	r.mu.Unlock()
	return nil
}

// Get returns a copy of a decision still in the history.
func (r *Router) Get(id string) (Decision, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byID[id]
	if !ok {
		return Decision{}, false
	}
	return copyDecision(d), true
}

// Pending returns copies of decisions awaiting approval or preview expiry,
// oldest first.
func (r *Router) Pending() []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Decision, 0, len(r.pending))
	for _, e := range r.pending {
		if e.decision.Band == BandPreview || e.decision.Band == BandApproval {
			out = append(out, copyDecision(e.decision))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoutedAt.Equal(out[j].RoutedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RoutedAt.Before(out[j].RoutedAt)
	})
	return out
}

// History returns copies of the history ring, oldest first.
func (r *Router) History() []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Decision, 0, r.history.len())
	r.history.each(func(d *Decision) {
		out = append(out, copyDecision(d))
	})
	return out
}

// Close stops every preview and approval timer and closes the notice bus.
// Decisions still pending stay pending.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, e := range r.pending {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	r.mu.Unlock()
	r.notices.Close()
}

// record appends d to the history. Caller must hold r.mu.
func (r *Router) record(d *Decision) {
	r.byID[d.ID] = d
	if evicted := r.history.add(d); evicted != nil {
		delete(r.byID, evicted.ID)
		delete(r.resolved, evicted.ID)
	}
}

func (r *Router) expirePreview(id string) {
	r.mu.Lock()
	e, ok := r.pending[id]
	if !ok || r.closed {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	if err := r.run(e, OutcomeExecuted); err != nil {
		r.logger.Warn("preview decision failed", zap.String("decision", id), zap.Error(err))
	}
}

func (r *Router) expireApproval(id string) {
	r.mu.Lock()
	e, ok := r.pending[id]
	if !ok || r.resolved[id] {
		r.mu.Unlock()
		return
	}
	r.resolved[id] = true
	r.mu.Unlock()
	r.finish(e, OutcomeExpired, nil)
}

func (r *Router) cancelPreview(id string) bool {
	r.mu.Lock()
	e, ok := r.pending[id]
	if !ok || e.decision.Band != BandPreview {
		r.mu.Unlock()
		return false
	}
	if !e.timer.Stop() {
		// The window expired and the executor is already running.
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()
	r.finish(e, OutcomeCancelled, nil)
	return true
}

// run claims e, executes it and records the outcome. A claim fails when
// another path already resolved it.
func (r *Router) run(e *entry, success Outcome) error {
	r.mu.Lock()
	if _, ok := r.pending[e.decision.ID]; !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.pending, e.decision.ID)
	r.mu.Unlock()

	var err error
	if e.execute != nil {
		err = e.execute(e.ctx)
	}
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrExecutionFailed, e.decision.ID, err)
		r.finish(e, OutcomeFailed, err)
		return err
	}
	r.finish(e, success, nil)
	return nil
}

// finish records the terminal outcome and closes done.
func (r *Router) finish(e *entry, outcome Outcome, execErr error) {
	r.mu.Lock()
	delete(r.pending, e.decision.ID)
	if e.decision.Outcome != OutcomePending {
		r.mu.Unlock()
		return
	}
	now := r.now().UTC()
	e.decision.Outcome = outcome
	e.decision.ResolvedAt = &now
	if execErr != nil {
		e.decision.Error = execErr.Error()
	}
	snapshot := copyDecision(e.decision)
	r.mu.Unlock()

	close(e.done)
	r.persist(snapshot)
	r.logger.Info("decision resolved",
		zap.String("decision", snapshot.ID),
		zap.String("outcome", string(outcome)))
}

func (r *Router) persist(d Decision) {
	if r.audit == nil {
		return
	}
	row := &state.DecisionRow{
		ID:         d.ID,
		Action:     d.Action,
		Role:       d.Role,
		Confidence: d.Confidence,
		Band:       string(d.Band),
		Outcome:    string(d.Outcome),
		RoutedAt:   d.RoutedAt,
		ResolvedAt: d.ResolvedAt,
	}
	if err := r.audit.SaveDecision(row); err != nil {
		r.logger.Warn("audit decision", zap.String("decision", d.ID), zap.Error(err))
	}
}

func copyDecision(d *Decision) Decision {
	c := *d
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		c.ResolvedAt = &t
	}
	if d.Correct != nil {
		v := *d.Correct
		c.Correct = &v
	}
	return c
}
