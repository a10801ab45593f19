// Package recovery classifies failures against a registry of known issue
// patterns and applies bounded recovery strategies. Failures no strategy can
// fix are escalated with every attempt attached; unrecognised failures are
// handed to a human.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ShayCichocki/cadence/internal/events"
	"github.com/ShayCichocki/cadence/internal/metrics"
	"github.com/ShayCichocki/cadence/internal/state"
)

var (
	// ErrManualIntervention is the outcome error for unclassified failures.
	ErrManualIntervention = errors.New("requires manual intervention")
	// ErrEscalated is wrapped by EscalationError.
	ErrEscalated = errors.New("escalate")
	// ErrUnknownStrategy means a pattern names a strategy that is not registered.
	ErrUnknownStrategy = errors.New("unknown recovery strategy")
)

// OutcomeKind is the result of handling a failure.
type OutcomeKind string

const (
	OutcomeRecovered OutcomeKind = "recovered"
	OutcomeEscalate  OutcomeKind = "escalate"
	OutcomeManual    OutcomeKind = "manual"
)

// Failure record outcomes.
const (
	RecordRecovered = "recovered"
	RecordExhausted = "exhausted"
	RecordEscalated = "escalated"
	RecordManual    = "manual"
)

// Failure is something that went wrong in a task, decision or component.
type Failure struct {
	// Source is the originating task or decision ID.
	Source string
	// Component is the subsystem to degrade if it comes to that.
	Component string
	// Fallback describes what replaces a degraded component.
	Fallback string
	Message  string
	Err      error
	// Timeout is the timeout the failed run used.
	Timeout time.Duration
	// Operation re-runs the failed work. Retry strategies need it.
	Operation Operation
}

func (f *Failure) text() string {
	switch {
	case f.Message != "" && f.Err != nil:
		return f.Message + ": " + f.Err.Error()
	case f.Message != "":
		return f.Message
	case f.Err != nil:
		return f.Err.Error()
	default:
		return "unspecified failure"
	}
}

// Attempt is one strategy application.
type Attempt struct {
	Strategy string        `json:"strategy"`
	Number   int           `json:"number"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

// Outcome is the result of Handle.
type Outcome struct {
	Kind      OutcomeKind
	IssueType string
	Severity  Severity
	// Strategy is the strategy that recovered the failure.
	Strategy string
	Attempts []Attempt
	Duration time.Duration
	// Err is nil when recovered, an *EscalationError when escalated and
	// wraps ErrManualIntervention when manual.
	Err error
}

// EscalationError carries the originating failure and every attempt made.
type EscalationError struct {
	IssueType string
	Source    string
	Message   string
	Attempts  []Attempt
}

func (e *EscalationError) Error() string {
	return fmt.Sprintf("%s: %s from %s: %s (tried %s)",
		ErrEscalated, e.IssueType, orUnknown(e.Source), e.Message, summarize(e.Attempts))
}

// Unwrap lets errors.Is match ErrEscalated.
func (e *EscalationError) Unwrap() error {
	return ErrEscalated
}

// Strategies lists the distinct strategies attempted, in order.
func (e *EscalationError) Strategies() []string {
	var out []string
	for _, a := range e.Attempts {
		if len(out) == 0 || out[len(out)-1] != a.Strategy {
			out = append(out, a.Strategy)
		}
	}
	return out
}

// FailureRecord is the log entry for one handled failure.
type FailureRecord struct {
	ID         string
	IssueType  string
	Severity   Severity
	Source     string
	Message    string
	Strategy   string
	Attempts   []Attempt
	Outcome    string
	RecordedAt time.Time
}

// Degradation describes a component being bypassed.
type Degradation struct {
	Component string
	Fallback  string
	Reason    string
	Since     time.Time
}

// Handler applies recovery strategies. The registry and strategy table are
// fixed at construction.
type Handler struct {
	registry   *Registry
	strategies map[string]Strategy
	logger     *zap.Logger
	metrics    *metrics.Metrics
	audit      *state.DB
	now        func() time.Time
	logSize    int
	baseDelay  time.Duration
	extra      []Strategy
	records    *events.Bus[FailureRecord]

	mu       sync.Mutex
	log      []FailureRecord
	degraded map[string]Degradation
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMetrics records outcomes into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithAudit persists failure records to db.
func WithAudit(db *state.DB) Option {
	return func(h *Handler) { h.audit = db }
}

// WithStrategy registers s, replacing any built-in with the same name.
func WithStrategy(s Strategy) Option {
	return func(h *Handler) { h.extra = append(h.extra, s) }
}

// WithBaseBackoff sets the first retry interval.
func WithBaseBackoff(d time.Duration) Option {
	return func(h *Handler) { h.baseDelay = d }
}

// WithLogSize bounds the in-memory failure log. Default 200.
func WithLogSize(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.logSize = n
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// New builds a handler. Every strategy a pattern names must be registered,
// otherwise New fails with ErrUnknownStrategy.
func New(reg *Registry, opts ...Option) (*Handler, error) {
	if reg == nil {
		reg = DefaultRegistry()
	}
	h := &Handler{
		registry:  reg,
		logger:    zap.NewNop(),
		now:       time.Now,
		logSize:   200,
		baseDelay: 500 * time.Millisecond,
		records:   events.NewBus[FailureRecord](),
		degraded:  make(map[string]Degradation),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.strategies = map[string]Strategy{}
	for _, s := range []Strategy{
		retryStrategy{base: h.baseDelay},
		widenTimeoutStrategy{},
		consultUpstreamStrategy{},
		degradeStrategy{h: h},
	} {
		h.strategies[s.Name()] = s
	}
	for _, s := range h.extra {
		h.strategies[s.Name()] = s
	}

	for _, p := range reg.patterns {
		for _, spec := range p.Strategies {
			if _, ok := h.strategies[spec.Name]; !ok {
				return nil, fmt.Errorf("%w: %q in pattern %s", ErrUnknownStrategy, spec.Name, p.IssueType)
			}
		}
	}
	return h, nil
}

// Registry returns the pattern registry.
func (h *Handler) Registry() *Registry {
	return h.registry
}

// Subscribe returns a subscription to failure records as they are logged.
func (h *Handler) Subscribe() *events.Subscription[FailureRecord] {
	return h.records.Subscribe()
}

// Close closes the failure record feed.
func (h *Handler) Close() {
	h.records.Close()
}

// Handle classifies f and runs its strategies in order, each up to its
// attempt limit, stopping at the first success.
func (h *Handler) Handle(ctx context.Context, f Failure) Outcome {
	start := h.now()
	msg := f.text()

	pattern, ok := h.registry.Classify(msg)
	if !ok {
		out := Outcome{
			Kind:     OutcomeManual,
			Duration: h.now().Sub(start),
			Err:      fmt.Errorf("%w: %s", ErrManualIntervention, msg),
		}
		h.finish(f, msg, out, RecordManual)
		return out
	}

	out := Outcome{IssueType: pattern.IssueType, Severity: pattern.Severity}
	recordOutcome := RecordEscalated

attempts:
	for _, spec := range pattern.Strategies {
		strategy := h.strategies[spec.Name]
		for n := 1; n <= spec.MaxAttempts; n++ {
			if ctx.Err() != nil {
				recordOutcome = RecordExhausted
				break attempts
			}

			attemptStart := h.now()
			err := strategy.Attempt(ctx, &f, n)
			a := Attempt{Strategy: spec.Name, Number: n, Duration: h.now().Sub(attemptStart), At: attemptStart}
			if err != nil {
				a.Error = err.Error()
			}
			out.Attempts = append(out.Attempts, a)

			h.logger.Debug("recovery attempt",
				zap.String("issue", pattern.IssueType),
				zap.String("strategy", spec.Name),
				zap.Int("attempt", n),
				zap.Error(err))

			if err == nil {
				out.Kind = OutcomeRecovered
				out.Strategy = spec.Name
				out.Duration = h.now().Sub(start)
				h.finish(f, msg, out, RecordRecovered)
				return out
			}
		}
	}

	out.Kind = OutcomeEscalate
	out.Duration = h.now().Sub(start)
	out.Err = &EscalationError{
		IssueType: pattern.IssueType,
		Source:    f.Source,
		Message:   msg,
		Attempts:  append([]Attempt(nil), out.Attempts...),
	}
	h.finish(f, msg, out, recordOutcome)
	return out
}

func (h *Handler) finish(f Failure, msg string, out Outcome, recordOutcome string) {
	rec := FailureRecord{
		ID:         uuid.NewString(),
		IssueType:  out.IssueType,
		Severity:   out.Severity,
		Source:     f.Source,
		Message:    msg,
		Strategy:   out.Strategy,
		Attempts:   append([]Attempt(nil), out.Attempts...),
		Outcome:    recordOutcome,
		RecordedAt: h.now().UTC(),
	}

	h.mu.Lock()
	h.log = append(h.log, rec)
	if over := len(h.log) - h.logSize; over > 0 {
		h.log = append([]FailureRecord(nil), h.log[over:]...)
	}
	h.mu.Unlock()

	h.records.Publish(rec)
	if h.metrics != nil {
		h.metrics.Recoveries.WithLabelValues(string(out.Kind)).Inc()
	}

	fields := []zap.Field{
		zap.String("source", f.Source),
		zap.String("issue", out.IssueType),
		zap.String("outcome", recordOutcome),
		zap.Int("attempts", len(out.Attempts)),
	}
	switch out.Kind {
	case OutcomeRecovered:
		h.logger.Info("failure recovered", append(fields, zap.String("strategy", out.Strategy))...)
	default:
		h.logger.Warn("failure not recovered", append(fields, zap.Error(out.Err))...)
	}

	if h.audit != nil {
		row := &state.FailureRow{
			ID:         rec.ID,
			IssueType:  rec.IssueType,
			Severity:   string(rec.Severity),
			Source:     rec.Source,
			Message:    rec.Message,
			Strategy:   rec.Strategy,
			Attempts:   len(rec.Attempts),
			Outcome:    rec.Outcome,
			Detail:     summarize(rec.Attempts),
			RecordedAt: rec.RecordedAt,
		}
		if err := h.audit.SaveFailure(row); err != nil {
			h.logger.Warn("audit failure record", zap.Error(err))
		}
	}
}

// Failures returns up to limit of the most recent failure records, newest
// first. limit <= 0 returns all retained records.
func (h *Handler) Failures(limit int) []FailureRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.log)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]FailureRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		r := h.log[i]
		r.Attempts = append([]Attempt(nil), r.Attempts...)
		out = append(out, r)
	}
	return out
}

// Degrade marks component unavailable; callers should use fallback until
// Reset is called.
func (h *Handler) Degrade(component, fallback string) {
	h.degrade(component, fallback, "degraded by operator")
}

func (h *Handler) degrade(component, fallback, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, already := h.degraded[component]; already {
		return
	}
	h.degraded[component] = Degradation{
		Component: component,
		Fallback:  fallback,
		Reason:    reason,
		Since:     h.now().UTC(),
	}
	h.logger.Warn("component degraded",
		zap.String("component", component),
		zap.String("fallback", fallback),
		zap.String("reason", reason))
}

// Reset clears a degradation. It reports whether the component was degraded.
func (h *Handler) Reset(component string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.degraded[component]; !ok {
		return false
	}
	delete(h.degraded, component)
	h.logger.Info("component reset", zap.String("component", component))
	return true
}

// IsDegraded reports whether component is degraded.
func (h *Handler) IsDegraded(component string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.degraded[component]
	return ok
}

// Degraded lists degraded components sorted by name.
func (h *Handler) Degraded() []Degradation {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Degradation, 0, len(h.degraded))
	for _, d := range h.degraded {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// summarize renders attempts as "retry x2, widen-timeout x1".
func summarize(attempts []Attempt) string {
	if len(attempts) == 0 {
		return "nothing"
	}
	var parts []string
	var last string
	count := 0
	flush := func() {
		if count > 0 {
			parts = append(parts, fmt.Sprintf("%s x%d", last, count))
		}
	}
	for _, a := range attempts {
		if a.Strategy != last {
			flush()
			last, count = a.Strategy, 0
		}
		count++
	}
	flush()
	return strings.Join(parts, ", ")
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown source"
	}
	return s
}
