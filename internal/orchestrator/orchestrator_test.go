package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/cadence/internal/config"
	"github.com/ShayCichocki/cadence/internal/coordinator"
	"github.com/ShayCichocki/cadence/internal/recovery"
	"github.com/ShayCichocki/cadence/internal/scheduler"
	"github.com/ShayCichocki/cadence/internal/store"
	"github.com/ShayCichocki/cadence/internal/workflow"
	"github.com/ShayCichocki/cadence/pkg/models"
)

// scriptWorker does what the task payload says:
//   - "min_timeout": fail with a deadline error unless the task timeout exceeds it
//   - "fail": fail with that message
//   - "out": succeed with that output
type scriptWorker struct {
	calls atomic.Int32
}

func (w *scriptWorker) Execute(_ context.Context, task *models.Task) models.Result {
	w.calls.Add(1)
	p, _ := task.Payload.(map[string]any)
	if min, ok := p["min_timeout"].(time.Duration); ok && task.Timeout <= min {
		return models.Result{Error: "context deadline exceeded"}
	}
	if msg, ok := p["fail"].(string); ok {
		return models.Result{Error: msg}
	}
	return models.Result{Success: true, Output: p["out"]}
}

var noLoad = scheduler.SamplerFunc(func(context.Context) (scheduler.Usage, error) {
	return scheduler.Usage{}, nil
})

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.State.Dir = t.TempDir()
	cfg.State.AuditDB = filepath.Join(t.TempDir(), "audit.db")
	cfg.Recovery.BaseBackoff = time.Millisecond
	return cfg
}

func setupOrchestrator(t *testing.T, cfg *config.Config, opts ...Option) (*Orchestrator, *scriptWorker) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	w := &scriptWorker{}
	workers := scheduler.Workers{"analyst": w, "pm": w, "architect": w, "intern": w, "contractor": w}

	opts = append([]Option{WithSampler(noLoad)}, opts...)
	o, err := New(context.Background(), RequiredConfig{Config: cfg, Workers: workers}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	return o, w
}

func briefRequest(payload map[string]any, timeout time.Duration) *coordinator.Request {
	return &coordinator.Request{
		Mode: coordinator.ModeSequential,
		Tasks: []*models.Task{
			{ID: "brief", Role: "analyst", Payload: payload, Timeout: timeout},
		},
	}
}

func advance(t *testing.T, o *Orchestrator, target workflow.PhaseID, req *coordinator.Request) (*AdvanceResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return o.Advance(ctx, target, req)
}

func waitFor(t *testing.T, sub interface{ C() <-chan Event }, typ EventType) Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C():
			require.True(t, ok, "event feed closed")
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestNew_MissingConfig(t *testing.T) {
	_, err := New(context.Background(), RequiredConfig{})
	assert.ErrorIs(t, err, ErrMissingConfig)
}

func TestNew_CreatesAndReopensWorkflow(t *testing.T) {
	cfg := testConfig(t)
	o, _ := setupOrchestrator(t, cfg)

	assert.Equal(t, workflow.PhaseAnalysis, o.Machine().Current())
	require.NoError(t, o.Machine().SetValidation("project_brief_complete", true))
	require.NoError(t, o.Close())

	// Project type only applies on first run.
	cfg.State.ProjectType = "brownfield"
	reopened, _ := setupOrchestrator(t, cfg)
	st := reopened.Status().Workflow
	assert.Equal(t, workflow.KindGreenfield, st.ProjectType)
	assert.Equal(t, workflow.PhaseAnalysis, st.Phase)
}

func TestNew_SingleWriter(t *testing.T) {
	cfg := testConfig(t)
	setupOrchestrator(t, cfg)

	_, err := New(context.Background(), RequiredConfig{Config: cfg, Workers: scheduler.Workers{}}, WithSampler(noLoad))
	assert.ErrorIs(t, err, store.ErrLocked)
}

func TestAdvance_RecordsValidationsAndTransitions(t *testing.T) {
	o, w := setupOrchestrator(t, nil)
	sub := o.Subscribe()
	defer sub.Close()

	res, err := advance(t, o, workflow.PhasePlanning, briefRequest(map[string]any{
		"out": map[string]any{"project_brief_complete": true, "notes": "ignored"},
	}, 0))
	require.NoError(t, err)

	assert.True(t, res.Transitioned)
	assert.Equal(t, workflow.PhaseAnalysis, res.From)
	assert.Equal(t, map[string]bool{"project_brief_complete": true}, res.Validations)
	assert.Nil(t, res.Recovery)
	assert.Equal(t, int32(1), w.calls.Load())
	assert.Equal(t, workflow.PhasePlanning, o.Machine().Current())

	ev := waitFor(t, sub, EventPhaseAdvanced)
	assert.Equal(t, workflow.PhasePlanning, ev.Phase)
}

func TestAdvance_ExitConditionsNotMet(t *testing.T) {
	o, _ := setupOrchestrator(t, nil)

	res, err := advance(t, o, workflow.PhasePlanning, briefRequest(map[string]any{
		"out": map[string]any{"project_brief_complete": false},
	}, 0))
	require.ErrorIs(t, err, workflow.ErrExitConditionsNotMet)
	assert.False(t, res.Transitioned)
	assert.Equal(t, workflow.PhaseAnalysis, o.Machine().Current())
}

func TestAdvance_IllegalTargetRunsNothing(t *testing.T) {
	o, w := setupOrchestrator(t, nil)

	_, err := advance(t, o, workflow.PhaseDelivery, briefRequest(nil, 0))
	assert.ErrorIs(t, err, workflow.ErrIllegalTransition)
	assert.Zero(t, w.calls.Load())
}

func TestAdvance_HaltedRefuses(t *testing.T) {
	o, w := setupOrchestrator(t, nil)
	require.NoError(t, o.Halt("waiting on legal"))

	_, err := advance(t, o, workflow.PhasePlanning, briefRequest(nil, 0))
	require.ErrorIs(t, err, workflow.ErrHalted)
	assert.Contains(t, err.Error(), "waiting on legal")
	assert.Zero(t, w.calls.Load())

	require.NoError(t, o.Resume())
	require.NoError(t, o.Machine().SetValidation("project_brief_complete", true))
	_, err = advance(t, o, workflow.PhasePlanning, nil)
	assert.NoError(t, err)
}

func TestAdvance_RecoveredByWideningTimeout(t *testing.T) {
	o, w := setupOrchestrator(t, nil)

	res, err := advance(t, o, workflow.PhasePlanning, briefRequest(map[string]any{
		"min_timeout": 10 * time.Millisecond,
		"out":         map[string]any{"project_brief_complete": true},
	}, 10*time.Millisecond))
	require.NoError(t, err)

	require.NotNil(t, res.Recovery)
	assert.Equal(t, recovery.OutcomeRecovered, res.Recovery.Kind)
	assert.Equal(t, recovery.StrategyWidenTimeout, res.Recovery.Strategy)
	assert.Len(t, res.Recovery.Attempts, 3)
	assert.Equal(t, int32(4), w.calls.Load())
	assert.True(t, res.Transitioned)
	assert.Equal(t, "brief~r3", res.Session.Order[0])
}

func TestAdvance_EscalationHalts(t *testing.T) {
	o, _ := setupOrchestrator(t, nil)

	res, err := advance(t, o, workflow.PhasePlanning, briefRequest(map[string]any{"fail": "request timed out"}, 0))
	require.ErrorIs(t, err, recovery.ErrEscalated)
	assert.False(t, res.Transitioned)

	st := o.Status()
	assert.True(t, st.Workflow.Halted)
	assert.Contains(t, st.Workflow.HaltReason, "timeout")
	assert.Contains(t, st.Workflow.HaltReason, "retry, widen-timeout")
	require.NotEmpty(t, st.RecentFailures)
	assert.Equal(t, recovery.RecordEscalated, st.RecentFailures[0].Outcome)
}

func TestAdvance_UnknownFailureNeedsManualIntervention(t *testing.T) {
	o, _ := setupOrchestrator(t, nil)

	_, err := advance(t, o, workflow.PhasePlanning, briefRequest(map[string]any{"fail": "the model refused"}, 0))
	require.ErrorIs(t, err, recovery.ErrManualIntervention)
	assert.True(t, o.Status().Workflow.Halted)
}

func TestAdvance_ConflictWaitsForHuman(t *testing.T) {
	o, _ := setupOrchestrator(t, nil)
	sub := o.Subscribe()
	defer sub.Close()

	_, err := advance(t, o, workflow.PhasePlanning, &coordinator.Request{
		Mode: coordinator.ModeParallel,
		Tasks: []*models.Task{
			{ID: "x", Role: "intern", Payload: map[string]any{"out": map[string]any{"api": "rest"}}},
			{ID: "y", Role: "contractor", Payload: map[string]any{"out": map[string]any{"api": "grpc"}}},
		},
	})
	require.ErrorIs(t, err, coordinator.ErrRequireHumanDecision)

	waitFor(t, sub, EventHumanNeeded)
	assert.False(t, o.Status().Workflow.Halted)
	assert.Equal(t, workflow.PhaseAnalysis, o.Machine().Current())
	assert.Empty(t, o.Recovery().Failures(0))
}

func TestAdvance_ThroughToFinish(t *testing.T) {
	o, _ := setupOrchestrator(t, nil)
	ctx := context.Background()

	for {
		current := o.Machine().Current()
		phase, _ := o.Machine().Phase(current)
		for _, cond := range phase.ExitConditions {
			require.NoError(t, o.Machine().SetValidation(cond, true))
		}
		if len(phase.Successors) == 0 {
			break
		}
		_, err := o.Advance(ctx, phase.Successors[0], nil)
		require.NoError(t, err)
	}

	require.NoError(t, o.Finish(ctx))
	st := o.Status().Workflow
	assert.Equal(t, workflow.PhaseDelivery, st.Phase)
	assert.InDelta(t, 1.0, st.Progress, 1e-9)
}

func TestSubmit_BackgroundFailureRecovered(t *testing.T) {
	o, w := setupOrchestrator(t, nil)
	sub := o.Subscribe()
	defer sub.Close()

	_, err := o.Submit(&models.Task{
		ID:      "reindex",
		Role:    "analyst",
		Timeout: 10 * time.Millisecond,
		Payload: map[string]any{"min_timeout": 10 * time.Millisecond},
	})
	require.NoError(t, err)

	ev := waitFor(t, sub, EventRecovered)
	assert.Equal(t, "reindex", ev.TaskID)
	assert.Equal(t, recovery.StrategyWidenTimeout, ev.Message)
	assert.Equal(t, int32(4), w.calls.Load())
	assert.False(t, o.Status().Workflow.Halted)
}

func TestSubmit_BackgroundFailureHalts(t *testing.T) {
	o, _ := setupOrchestrator(t, nil)
	sub := o.Subscribe()
	defer sub.Close()

	_, err := o.Submit(&models.Task{Role: "analyst", Payload: map[string]any{"fail": "bad spreadsheet"}})
	require.NoError(t, err)

	ev := waitFor(t, sub, EventHalted)
	assert.Contains(t, ev.Message, "requires manual intervention")
}

func TestSubmit_DegradesComponent(t *testing.T) {
	o, _ := setupOrchestrator(t, nil)
	sub := o.Subscribe()
	defer sub.Close()

	_, err := o.Submit(&models.Task{Role: "pm", Payload: map[string]any{"fail": "connection reset by peer"}})
	require.NoError(t, err)

	ev := waitFor(t, sub, EventRecovered)
	assert.Equal(t, recovery.StrategyDegrade, ev.Message)
	assert.True(t, o.Recovery().IsDegraded("pm"))
	assert.Len(t, o.Status().Degraded, 1)
}

func TestAdvance_DegradedRoleBypassedUntilReset(t *testing.T) {
	o, w := setupOrchestrator(t, nil)
	o.Recovery().Degrade("analyst", "skip analyst tasks")

	req := briefRequest(map[string]any{"out": map[string]any{"project_brief_complete": true}}, 0)
	res, err := advance(t, o, workflow.PhasePlanning, req)
	require.ErrorIs(t, err, workflow.ErrExitConditionsNotMet)
	assert.Equal(t, int32(0), w.calls.Load())
	assert.Nil(t, res.Recovery)

	brief, ok := res.Session.Outcome("brief")
	require.True(t, ok)
	assert.True(t, brief.Degraded)
	assert.Contains(t, res.Session.Resolution.Path, "degraded: skipped brief (analyst)")
	assert.Equal(t, workflow.PhaseAnalysis, o.Machine().Current())

	require.True(t, o.Recovery().Reset("analyst"))
	req = briefRequest(map[string]any{"out": map[string]any{"project_brief_complete": true}}, 0)
	req.Tasks[0].ID = "brief-again"
	res, err = advance(t, o, workflow.PhasePlanning, req)
	require.NoError(t, err)
	assert.True(t, res.Transitioned)
	assert.Equal(t, int32(1), w.calls.Load())
}

func TestSubmit_RefusesDegradedRole(t *testing.T) {
	o, w := setupOrchestrator(t, nil)
	o.Recovery().Degrade("pm", "skip pm tasks")

	_, err := o.Submit(&models.Task{Role: "pm", Payload: map[string]any{"out": "x"}})
	require.ErrorIs(t, err, ErrDegraded)
	assert.Equal(t, int32(0), w.calls.Load())

	o.Recovery().Reset("pm")
	_, err = o.Submit(&models.Task{Role: "pm", Payload: map[string]any{"out": "x"}})
	require.NoError(t, err)
}

func TestSweep_RefreshesStaleSnapshot(t *testing.T) {
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	var offset atomic.Int64
	clock := func() time.Time { return base.Add(time.Duration(offset.Load())) }

	cfg := testConfig(t)
	o, _ := setupOrchestrator(t, cfg, WithClock(clock), WithoutWatch())
	require.NotNil(t, o.Sweeper())

	before, err := o.Store().Backups()
	require.NoError(t, err)
	require.NotEmpty(t, before)

	offset.Store(int64(cfg.Recovery.StaleAfter + time.Hour))
	require.NoError(t, o.Sweeper().RunOnce(context.Background()))

	after, err := o.Store().Backups()
	require.NoError(t, err)
	require.Len(t, after, len(before)+1)
	assert.True(t, clock().Equal(after[0].TakenAt))

	var snap workflow.Instance
	require.NoError(t, o.Store().Restore(after[0].Name, &snap))
	assert.Equal(t, o.Machine().Snapshot().Version, snap.Version)
	assert.Equal(t, o.Machine().Current(), snap.CurrentPhase)
}

func TestWatch_ReloadsExternalEdit(t *testing.T) {
	cfg := testConfig(t)
	o, _ := setupOrchestrator(t, cfg)
	sub := o.Subscribe()
	defer sub.Close()

	path := o.Store().Path()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	doc["halted"] = true
	doc["haltReason"] = "restored from backup"
	edited, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, edited, 0644))

	waitFor(t, sub, EventReloaded)
	st := o.Status().Workflow
	assert.True(t, st.Halted)
	assert.Equal(t, "restored from backup", st.HaltReason)
}

func TestStatus_Initial(t *testing.T) {
	o, _ := setupOrchestrator(t, nil)

	st := o.Status()
	assert.Equal(t, workflow.PhaseAnalysis, st.Workflow.Phase)
	assert.Zero(t, st.Queued)
	assert.Zero(t, st.Running)
	assert.InDelta(t, 0.5, st.Accuracy, 1e-9)
	assert.Empty(t, st.PendingDecisions)
	assert.Empty(t, st.Degraded)
	assert.Nil(t, st.LastSweep)
	assert.NotNil(t, o.Sweeper())
}

func TestClose_Idempotent(t *testing.T) {
	o, _ := setupOrchestrator(t, nil)

	require.NoError(t, o.Close())
	require.NoError(t, o.Close())

	_, err := o.Advance(context.Background(), workflow.PhasePlanning, nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = o.Submit(&models.Task{Role: "pm"})
	assert.ErrorIs(t, err, ErrClosed)
}
