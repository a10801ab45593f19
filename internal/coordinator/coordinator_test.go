package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/cadence/internal/config"
	"github.com/ShayCichocki/cadence/internal/decision"
	"github.com/ShayCichocki/cadence/internal/scheduler"
	"github.com/ShayCichocki/cadence/pkg/models"
)

// echoWorker returns payload["out"] as output and fails when payload["fail"]
// is true. It records execution order.
type echoWorker struct {
	mu    sync.Mutex
	order []string
}

func (w *echoWorker) Execute(_ context.Context, task *models.Task) models.Result {
	w.mu.Lock()
	w.order = append(w.order, task.ID)
	w.mu.Unlock()

	p, _ := task.Payload.(map[string]any)
	if fail, _ := p["fail"].(bool); fail {
		return models.Result{Error: "asked to fail"}
	}
	return models.Result{Success: true, Output: p["out"]}
}

func (w *echoWorker) Order() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.order...)
}

var noLoad = scheduler.SamplerFunc(func(context.Context) (scheduler.Usage, error) {
	return scheduler.Usage{}, nil
})

func setupCoordinator(t *testing.T, opts ...Option) (*Coordinator, *echoWorker) {
	t.Helper()
	w := &echoWorker{}
	workers := scheduler.Workers{"architect": w, "dev": w, "qa": w, "analyst": w, "intern": w, "contractor": w}

	cfg := config.Default().Scheduler
	cfg.MaxConcurrency = 4
	s := scheduler.New(cfg, workers, scheduler.WithSampler(noLoad))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Close)

	return New(s, config.Default().Coordination, opts...), w
}

func task(id, role string, out map[string]any) *models.Task {
	return &models.Task{ID: id, Role: role, Payload: map[string]any{"out": out}}
}

func failing(id, role string) *models.Task {
	return &models.Task{ID: id, Role: role, Payload: map[string]any{"fail": true}}
}

func run(t *testing.T, c *Coordinator, req Request) (*SessionResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Run(ctx, req)
}

// countingDispatcher fails the test if anything is submitted.
type countingDispatcher struct {
	submits int
}

func (d *countingDispatcher) Submit(*models.Task) (scheduler.Handle, error) {
	d.submits++
	return "", errors.New("unexpected submit")
}

func (d *countingDispatcher) AwaitAll(context.Context, []scheduler.Handle) ([]models.TaskSnapshot, error) {
	return nil, nil
}

func (d *countingDispatcher) Cancel(scheduler.Handle) error { return nil }

func TestRun_CycleRejectedBeforeDispatch(t *testing.T) {
	d := &countingDispatcher{}
	c := New(d, config.Default().Coordination)

	_, err := c.Run(context.Background(), Request{
		Mode:  ModeParallel,
		Tasks: []*models.Task{task("a", "dev", nil), task("b", "dev", nil), task("c", "dev", nil)},
		Edges: []Edge{{Task: "b", DependsOn: "a"}, {Task: "c", DependsOn: "b"}, {Task: "a", DependsOn: "c"}},
	})
	assert.ErrorIs(t, err, ErrCyclicDependency)
	assert.Zero(t, d.submits)
}

func TestRun_StructuralErrors(t *testing.T) {
	d := &countingDispatcher{}
	c := New(d, config.Default().Coordination)

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"empty", Request{Mode: ModeParallel}, ErrEmptySession},
		{"unknown edge", Request{
			Mode:  ModeSequential,
			Tasks: []*models.Task{task("a", "dev", nil)},
			Edges: []Edge{{Task: "a", DependsOn: "ghost"}},
		}, ErrUnknownTask},
		{"duplicate", Request{
			Mode:  ModeParallel,
			Tasks: []*models.Task{task("a", "dev", nil), task("a", "qa", nil)},
		}, ErrDuplicateTask},
		{"bad mode", Request{Mode: "swarm", Tasks: []*models.Task{task("a", "dev", nil)}}, ErrInvalidMode},
		{"joint without primary", Request{Mode: ModeJoint, Tasks: []*models.Task{task("a", "dev", nil)}}, ErrInvalidMode},
		{"competitive without scorer", Request{Mode: ModeCompetitive, Tasks: []*models.Task{task("a", "dev", nil)}}, ErrInvalidMode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Run(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Zero(t, d.submits)
}

func TestRun_SequentialRespectsDependencies(t *testing.T) {
	c, w := setupCoordinator(t)

	res, err := run(t, c, Request{
		Mode: ModeSequential,
		Tasks: []*models.Task{
			task("test", "qa", map[string]any{"tests": "green"}),
			task("code", "dev", map[string]any{"diff": "+1"}),
			task("design", "architect", map[string]any{"design": "v1"}),
		},
		Edges: []Edge{{Task: "test", DependsOn: "code"}, {Task: "code", DependsOn: "design"}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"design", "code", "test"}, w.Order())
	assert.Equal(t, []string{"design", "code", "test"}, res.Order)
	assert.Equal(t, map[string]any{"tests": "green", "diff": "+1", "design": "v1"}, res.Resolution.Outputs)
	assert.Equal(t, []string{"no conflicts"}, res.Resolution.Path)
	assert.NotEmpty(t, res.SessionID)
	assert.GreaterOrEqual(t, res.Duration, time.Duration(0))
}

func TestRun_SequentialFailureStopsChain(t *testing.T) {
	c, w := setupCoordinator(t)

	res, err := run(t, c, Request{
		Mode:  ModeSequential,
		Tasks: []*models.Task{task("a", "dev", nil), failing("b", "dev"), task("c", "dev", nil), task("d", "qa", nil)},
		Edges: []Edge{{Task: "c", DependsOn: "b"}},
	})
	require.ErrorIs(t, err, ErrTaskFailed)

	var tf *TaskFailedError
	require.True(t, errors.As(err, &tf))
	assert.Equal(t, "b", tf.TaskID)
	assert.Equal(t, "asked to fail", tf.Reason)

	assert.Equal(t, []string{"a", "b"}, w.Order())
	for _, id := range []string{"c", "d"} {
		o, ok := res.Outcome(id)
		require.True(t, ok)
		assert.True(t, o.Skipped, id)
	}
	assert.Equal(t, []string{"b"}, res.Failed())
}

func TestRun_SequentialBestEffort(t *testing.T) {
	c, w := setupCoordinator(t)

	res, err := run(t, c, Request{
		Mode:       ModeSequential,
		BestEffort: true,
		Tasks:      []*models.Task{task("a", "dev", nil), failing("b", "dev"), task("c", "dev", nil), task("d", "qa", nil)},
		Edges:      []Edge{{Task: "c", DependsOn: "b"}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "d"}, w.Order())
	o, _ := res.Outcome("c")
	assert.True(t, o.Skipped)
	o, _ = res.Outcome("d")
	assert.Equal(t, models.TaskCompleted, o.Task.State)
}

func TestRun_ParallelWaves(t *testing.T) {
	c, w := setupCoordinator(t)

	res, err := run(t, c, Request{
		Mode: ModeParallel,
		Tasks: []*models.Task{
			task("a", "dev", map[string]any{"a": 1}),
			task("b", "dev", map[string]any{"b": 2}),
			task("merge", "architect", map[string]any{"merged": true}),
		},
		Edges: []Edge{{Task: "merge", DependsOn: "a"}, {Task: "merge", DependsOn: "b"}},
	})
	require.NoError(t, err)

	order := w.Order()
	require.Len(t, order, 3)
	assert.Equal(t, "merge", order[2])
	assert.Equal(t, map[string]any{"a": 1, "b": 2, "merged": true}, res.Resolution.Outputs)
}

func TestRun_ParallelFailureSkipsLaterWaves(t *testing.T) {
	c, _ := setupCoordinator(t)

	res, err := run(t, c, Request{
		Mode:  ModeParallel,
		Tasks: []*models.Task{failing("a", "dev"), task("b", "dev", nil), task("c", "qa", nil)},
		Edges: []Edge{{Task: "c", DependsOn: "b"}},
	})
	require.ErrorIs(t, err, ErrTaskFailed)

	o, _ := res.Outcome("b")
	assert.Equal(t, models.TaskCompleted, o.Task.State)
	o, _ = res.Outcome("c")
	assert.True(t, o.Skipped)
}

func TestRun_ConflictResolvedByAuthority(t *testing.T) {
	c, _ := setupCoordinator(t)

	res, err := run(t, c, Request{
		Mode: ModeParallel,
		Tasks: []*models.Task{
			task("dev-view", "dev", map[string]any{"database": "sqlite", "lang": "go"}),
			task("arch-view", "architect", map[string]any{"database": "postgres", "lang": "go"}),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "postgres", res.Resolution.Outputs["database"])
	assert.Equal(t, "go", res.Resolution.Outputs["lang"])
	require.Len(t, res.Resolution.Path, 1)
	assert.Contains(t, res.Resolution.Path[0], "arch-view")
}

func TestRun_ConflictRequiresHuman(t *testing.T) {
	tests := []struct {
		name  string
		roles [2]string
	}{
		{"unranked roles", [2]string{"intern", "contractor"}},
		{"same rank", [2]string{"dev", "dev"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := setupCoordinator(t)
			res, err := run(t, c, Request{
				Mode: ModeParallel,
				Tasks: []*models.Task{
					task("x", tt.roles[0], map[string]any{"api": "rest"}),
					task("y", tt.roles[1], map[string]any{"api": "grpc"}),
				},
			})
			require.ErrorIs(t, err, ErrRequireHumanDecision)

			var ce *ConflictError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, "api", ce.Key)
			assert.ElementsMatch(t, []string{"x", "y"}, ce.Tasks)

			require.NotNil(t, res)
			_, picked := res.Resolution.Outputs["api"]
			assert.False(t, picked)
		})
	}
}

func TestRun_Joint(t *testing.T) {
	c, _ := setupCoordinator(t)

	res, err := run(t, c, Request{
		Mode:    ModeJoint,
		Primary: "lead",
		Tasks: []*models.Task{
			task("lead", "architect", map[string]any{"plan": "A"}),
			task("review", "qa", map[string]any{"plan": "B", "risk": "low"}),
			failing("flaky", "dev"),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "lead", res.Resolution.Winner)
	assert.Equal(t, map[string]any{"plan": "A"}, res.Resolution.Outputs)
	assert.Equal(t, map[string]any{"plan": "B", "risk": "low"}, res.Resolution.Annotations["review"])
}

func TestRun_JointPrimaryFailure(t *testing.T) {
	c, _ := setupCoordinator(t)
	_, err := run(t, c, Request{
		Mode:    ModeJoint,
		Primary: "lead",
		Tasks:   []*models.Task{failing("lead", "architect"), task("review", "qa", nil)},
	})
	assert.ErrorIs(t, err, ErrTaskFailed)
}

func TestRun_Competitive(t *testing.T) {
	c, _ := setupCoordinator(t)

	scorer := func(_ context.Context, snap models.TaskSnapshot) (float64, error) {
		q, _ := snap.Result.Outputs()["quality"].(float64)
		return q, nil
	}
	res, err := run(t, c, Request{
		Mode:   ModeCompetitive,
		Scorer: scorer,
		Tasks: []*models.Task{
			task("draft-1", "dev", map[string]any{"quality": 0.4, "text": "one"}),
			task("draft-2", "dev", map[string]any{"quality": 0.9, "text": "two"}),
			failing("draft-3", "dev"),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "draft-2", res.Resolution.Winner)
	assert.Equal(t, "two", res.Resolution.Outputs["text"])
	assert.Contains(t, res.Resolution.Path[0], "draft-1")
}

func TestRun_CompetitiveScorerError(t *testing.T) {
	c, _ := setupCoordinator(t)
	boom := errors.New("judge unavailable")

	_, err := run(t, c, Request{
		Mode:   ModeCompetitive,
		Scorer: func(context.Context, models.TaskSnapshot) (float64, error) { return 0, boom },
		Tasks:  []*models.Task{task("a", "dev", nil)},
	})
	assert.ErrorIs(t, err, boom)
}

func TestRun_CompetitiveNoWinner(t *testing.T) {
	c, _ := setupCoordinator(t)
	_, err := run(t, c, Request{
		Mode:   ModeCompetitive,
		Scorer: func(context.Context, models.TaskSnapshot) (float64, error) { return 1, nil },
		Tasks:  []*models.Task{failing("a", "dev")},
	})
	assert.ErrorIs(t, err, ErrNoWinner)
}

func TestRun_ApprovalGate(t *testing.T) {
	router, err := decision.New(config.Default().Decisions)
	require.NoError(t, err)
	t.Cleanup(router.Close)

	c, w := setupCoordinator(t, WithRouter(router))
	low := 0.1
	res, err := run(t, c, Request{
		Mode:  ModeParallel,
		Tasks: []*models.Task{task("a", "dev", nil)},
		Proposal: &decision.Proposal{
			Action: "rewrite everything",
			Factors: decision.Factors{
				HistoricalAccuracy: &low,
				Complexity:         1,
			},
		},
	})
	require.ErrorIs(t, err, ErrApprovalRequired)
	require.NotNil(t, res.Decision)
	assert.Equal(t, decision.BandApproval, res.Decision.Band)
	assert.Empty(t, w.Order())
	assert.Len(t, router.Pending(), 1)

	high := 1.0
	_, err = run(t, c, Request{
		Mode:  ModeParallel,
		Tasks: []*models.Task{task("b", "dev", nil)},
		Proposal: &decision.Proposal{
			Action: "format code",
			Factors: decision.Factors{
				Similarity: 1, UpstreamValidation: 1, TestCoverage: 1,
				HistoricalAccuracy: &high,
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, w.Order())
}

func TestRun_DegradedRoleBypassed(t *testing.T) {
	degraded := map[string]bool{"dev": true}
	c, w := setupCoordinator(t, WithDegradedCheck(func(role string) bool { return degraded[role] }))

	for _, mode := range []Mode{ModeSequential, ModeParallel} {
		t.Run(string(mode), func(t *testing.T) {
			res, err := run(t, c, Request{
				Mode: mode,
				Tasks: []*models.Task{
					task(string(mode)+"-design", "architect", map[string]any{"design": "v1"}),
					task(string(mode)+"-code", "dev", map[string]any{"diff": "+1"}),
					task(string(mode)+"-test", "qa", map[string]any{"tests": "green"}),
				},
				Edges: []Edge{
					{Task: string(mode) + "-code", DependsOn: string(mode) + "-design"},
					{Task: string(mode) + "-test", DependsOn: string(mode) + "-code"},
				},
			})
			require.NoError(t, err)

			assert.NotContains(t, w.Order(), string(mode)+"-code")
			assert.Contains(t, w.Order(), string(mode)+"-test")

			code, ok := res.Outcome(string(mode) + "-code")
			require.True(t, ok)
			assert.True(t, code.Skipped)
			assert.True(t, code.Degraded)
			assert.Equal(t, models.TaskCancelled, code.Task.State)

			tested, _ := res.Outcome(string(mode) + "-test")
			assert.Equal(t, models.TaskCompleted, tested.Task.State)
			assert.Empty(t, res.Failed())

			assert.Equal(t, map[string]any{"design": "v1", "tests": "green"}, res.Resolution.Outputs)
			assert.Equal(t, []string{"degraded: skipped " + string(mode) + "-code (dev)", "no conflicts"}, res.Resolution.Path)
		})
	}
}

func TestRun_DegradedCheckedPerSession(t *testing.T) {
	var mu sync.Mutex
	degraded := true
	c, w := setupCoordinator(t, WithDegradedCheck(func(role string) bool {
		mu.Lock()
		defer mu.Unlock()
		return role == "analyst" && degraded
	}))

	_, err := run(t, c, Request{Mode: ModeParallel, Tasks: []*models.Task{task("brief-1", "analyst", nil)}})
	require.NoError(t, err)
	assert.Empty(t, w.Order())

	mu.Lock()
	degraded = false
	mu.Unlock()

	_, err = run(t, c, Request{Mode: ModeParallel, Tasks: []*models.Task{task("brief-2", "analyst", nil)}})
	require.NoError(t, err)
	assert.Equal(t, []string{"brief-2"}, w.Order())
}

func TestRun_DegradedJointPrimary(t *testing.T) {
	c, w := setupCoordinator(t, WithDegradedCheck(func(role string) bool { return role == "architect" }))

	res, err := run(t, c, Request{
		Mode:    ModeJoint,
		Primary: "lead",
		Tasks: []*models.Task{
			task("lead", "architect", map[string]any{"design": "v1"}),
			task("helper", "dev", map[string]any{"note": "ok"}),
		},
	})
	var failed *TaskFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "lead", failed.TaskID)
	assert.Equal(t, "role degraded", failed.Reason)
	assert.Equal(t, []string{"helper"}, w.Order())
	assert.Equal(t, []string{"degraded: skipped lead (architect)"}, res.Resolution.Path)
}

func TestRun_CompetitiveTieRecorded(t *testing.T) {
	c, _ := setupCoordinator(t)

	flat := func(context.Context, models.TaskSnapshot) (float64, error) { return 0.5, nil }
	res, err := run(t, c, Request{
		Mode:   ModeCompetitive,
		Scorer: flat,
		Tasks: []*models.Task{
			task("draft-a", "dev", map[string]any{"text": "a"}),
			task("draft-b", "dev", map[string]any{"text": "b"}),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "draft-a", res.Resolution.Winner)
	require.Len(t, res.Resolution.Path, 2)
	assert.Equal(t, "tie at 0.500 broken by execution order: draft-a before draft-b", res.Resolution.Path[1])
}
