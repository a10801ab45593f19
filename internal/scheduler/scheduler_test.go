package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/cadence/internal/config"
	"github.com/ShayCichocki/cadence/internal/metrics"
	"github.com/ShayCichocki/cadence/internal/state"
	"github.com/ShayCichocki/cadence/pkg/models"
)

var idle = SamplerFunc(func(context.Context) (Usage, error) { return Usage{}, nil })

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testConfig(maxConcurrency int) config.SchedulerConfig {
	cfg := config.Default().Scheduler
	cfg.MaxConcurrency = maxConcurrency
	cfg.SampleInterval = 5 * time.Millisecond
	cfg.ThrottleBackoff = 5 * time.Millisecond
	return cfg
}

func setupScheduler(t *testing.T, cfg config.SchedulerConfig, workers Registry, opts ...Option) *Scheduler {
	t.Helper()
	opts = append([]Option{WithSampler(idle)}, opts...)
	s := New(cfg, workers, opts...)
	t.Cleanup(s.Close)
	return s
}

func start(t *testing.T, s *Scheduler) {
	t.Helper()
	require.NoError(t, s.Start(context.Background()))
}

func awaitAll(t *testing.T, s *Scheduler, handles []Handle) []models.TaskSnapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snaps, err := s.AwaitAll(ctx, handles)
	require.NoError(t, err)
	return snaps
}

func submit(t *testing.T, s *Scheduler, task *models.Task) Handle {
	t.Helper()
	h, err := s.Submit(task)
	require.NoError(t, err)
	return h
}

// orderRecorder records task IDs in execution order.
type orderRecorder struct {
	mu    sync.Mutex
	order []string
}

func (o *orderRecorder) Execute(_ context.Context, task *models.Task) models.Result {
	o.mu.Lock()
	o.order = append(o.order, task.ID)
	o.mu.Unlock()
	return models.Result{Success: true}
}

func (o *orderRecorder) Order() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.order...)
}

func TestSubmit_InvalidPriority(t *testing.T) {
	s := setupScheduler(t, testConfig(1), Workers{})
	_, err := s.Submit(&models.Task{Role: "dev", Priority: models.Priority(9)})
	assert.ErrorIs(t, err, ErrInvalidPriority)
}

func TestSubmit_AssignsIDAndDefaults(t *testing.T) {
	s := setupScheduler(t, testConfig(1), Workers{})
	task := &models.Task{Role: "dev"}
	h := submit(t, s, task)

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, Handle(task.ID), h)
	assert.Equal(t, models.ModeFireAndForget, task.Mode)

	snap, err := s.Status(h)
	require.NoError(t, err)
	assert.Equal(t, models.TaskQueued, snap.State)
}

func TestSubmit_AfterClose(t *testing.T) {
	s := setupScheduler(t, testConfig(1), Workers{})
	s.Close()
	_, err := s.Submit(&models.Task{Role: "dev"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPriorityOrder_SingleSlot(t *testing.T) {
	rec := &orderRecorder{}
	s := setupScheduler(t, testConfig(1), Workers{"dev": rec})

	handles := []Handle{
		submit(t, s, &models.Task{ID: "low", Role: "dev", Priority: models.PriorityLow}),
		submit(t, s, &models.Task{ID: "critical", Role: "dev", Priority: models.PriorityCritical}),
		submit(t, s, &models.Task{ID: "medium", Role: "dev", Priority: models.PriorityMedium}),
	}
	start(t, s)
	awaitAll(t, s, handles)

	assert.Equal(t, []string{"critical", "medium", "low"}, rec.Order())
}

func TestPriorityOrder_FIFOWithinTier(t *testing.T) {
	rec := &orderRecorder{}
	s := setupScheduler(t, testConfig(1), Workers{"dev": rec})

	var handles []Handle
	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		handles = append(handles, submit(t, s, &models.Task{ID: id, Role: "dev", Priority: models.PriorityHigh}))
	}
	handles = append(handles, submit(t, s, &models.Task{ID: "bg", Role: "dev", Priority: models.PriorityBackground}))
	start(t, s)
	awaitAll(t, s, handles)

	assert.Equal(t, append(ids, "bg"), rec.Order())
}

func TestMaxConcurrency_NeverExceeded(t *testing.T) {
	var current, peak atomic.Int32
	worker := models.WorkerFunc(func(ctx context.Context, task *models.Task) models.Result {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		current.Add(-1)
		return models.Result{Success: true}
	})

	m := metrics.New()
	s := setupScheduler(t, testConfig(3), Workers{"dev": worker}, WithMetrics(m))
	start(t, s)

	var handles []Handle
	for i := 0; i < 30; i++ {
		handles = append(handles, submit(t, s, &models.Task{Role: "dev", Priority: models.Priority(i % 5)}))
	}
	snaps := awaitAll(t, s, handles)

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Greater(t, peak.Load(), int32(0))
	for _, snap := range snaps {
		assert.Equal(t, models.TaskCompleted, snap.State)
		assert.Equal(t, 1.0, snap.Progress)
	}
	assert.Equal(t, 30.0, testutil.ToFloat64(m.TasksFinished.WithLabelValues("completed")))
}

// blocker runs until released or cancelled.
type blocker struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlocker() *blocker {
	return &blocker{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blocker) Execute(ctx context.Context, _ *models.Task) models.Result {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
		return models.Result{Success: true}
	case <-ctx.Done():
		return models.Result{Error: ctx.Err().Error()}
	}
}

func TestCancel_QueuedAndRunning(t *testing.T) {
	b := newBlocker()
	s := setupScheduler(t, testConfig(1), Workers{"dev": b})
	start(t, s)

	running := submit(t, s, &models.Task{Role: "dev", Priority: models.PriorityHigh})
	<-b.started
	queued := submit(t, s, &models.Task{Role: "dev", Priority: models.PriorityLow})

	require.NoError(t, s.Cancel(queued))
	snap, err := s.Status(queued)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, snap.State)
	assert.Nil(t, snap.StartedAt)

	require.NoError(t, s.Cancel(running))
	q, r := s.Stats()
	assert.Zero(t, q)
	assert.Zero(t, r)

	snap, err = s.Status(running)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, snap.State)

	assert.ErrorIs(t, s.Cancel(running), ErrNotCancellable)
	assert.ErrorIs(t, s.Cancel("missing"), ErrNotFound)
}

func TestCancel_FreesSlotImmediately(t *testing.T) {
	stubborn := models.WorkerFunc(func(ctx context.Context, task *models.Task) models.Result {
		if task.ID == "stubborn" {
			// Ignores cancellation for a while.
			time.Sleep(200 * time.Millisecond)
		}
		return models.Result{Success: true}
	})
	s := setupScheduler(t, testConfig(1), Workers{"dev": stubborn})
	start(t, s)

	first := submit(t, s, &models.Task{ID: "stubborn", Role: "dev"})
	require.Eventually(t, func() bool {
		snap, _ := s.Status(first)
		return snap.State == models.TaskRunning
	}, time.Second, time.Millisecond)

	require.NoError(t, s.Cancel(first))
	next := submit(t, s, &models.Task{ID: "next", Role: "dev"})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	snaps, err := s.AwaitAll(ctx, []Handle{next})
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, snaps[0].State)

	// The stubborn result never overrides the cancellation.
	time.Sleep(250 * time.Millisecond)
	snap, err := s.Status(first)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, snap.State)
}

func TestPrune_StatusNotFoundAndAwaitUnknown(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig(2)
	cfg.Retention = time.Minute
	s := setupScheduler(t, cfg, Workers{"dev": &orderRecorder{}}, WithClock(clock.Now))
	start(t, s)

	h := submit(t, s, &models.Task{Role: "dev"})
	awaitAll(t, s, []Handle{h})

	assert.Zero(t, s.Prune())
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, s.Prune())

	_, err := s.Status(h)
	assert.ErrorIs(t, err, ErrNotFound)

	snaps := awaitAll(t, s, []Handle{h})
	assert.Equal(t, models.TaskUnknown, snaps[0].State)
}

func TestPrune_KeepsActiveRecords(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig(1)
	cfg.Retention = 0
	s := setupScheduler(t, cfg, Workers{}, WithClock(clock.Now))
	h := submit(t, s, &models.Task{Role: "dev"})

	clock.Advance(time.Hour)
	assert.Zero(t, s.Prune())
	_, err := s.Status(h)
	assert.NoError(t, err)
}

func TestThrottle_PausesUntilBelowCeiling(t *testing.T) {
	var calls atomic.Int32
	sampler := SamplerFunc(func(context.Context) (Usage, error) {
		if calls.Add(1) <= 10 {
			return Usage{CPUPercent: 99}, nil
		}
		return Usage{CPUPercent: 10}, nil
	})

	m := metrics.New()
	cfg := testConfig(2)
	cfg.CPUCeilingPercent = 85
	s := setupScheduler(t, cfg, Workers{"dev": &orderRecorder{}}, WithSampler(sampler), WithMetrics(m))
	start(t, s)

	h := submit(t, s, &models.Task{Role: "dev"})
	snaps := awaitAll(t, s, []Handle{h})
	assert.Equal(t, models.TaskCompleted, snaps[0].State)
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.ThrottlePauses), 1.0)
}

func TestThrottle_MemoryCeiling(t *testing.T) {
	assert.True(t, overCeiling(Usage{MemoryMB: 2048}, 0, 1024))
	assert.False(t, overCeiling(Usage{MemoryMB: 2048, CPUPercent: 99}, 0, 0))
	assert.True(t, overCeiling(Usage{CPUPercent: 90}, 85, 0))
}

type progressWorker struct{}

func (progressWorker) Execute(ctx context.Context, task *models.Task) models.Result {
	return models.Result{Success: true}
}

func (progressWorker) ExecuteWithProgress(_ context.Context, _ *models.Task, report func(float64)) models.Result {
	report(0.25)
	report(0.5)
	return models.Result{Success: true, Output: map[string]any{"summary": "done"}}
}

func TestWatched_ProgressEventsInOrder(t *testing.T) {
	s := setupScheduler(t, testConfig(1), Workers{"analyst": progressWorker{}})
	sub := s.Subscribe()
	defer sub.Close()
	start(t, s)

	h := submit(t, s, &models.Task{Role: "analyst", Mode: models.ModeWatched})

	var kinds []EventKind
	var progress []float64
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-sub.C():
			if ev.Task.ID != string(h) {
				continue
			}
			kinds = append(kinds, ev.Kind)
			if ev.Kind == EventProgress {
				progress = append(progress, ev.Task.Progress)
			}
			done = ev.Kind == EventCompleted
		case <-timeout:
			t.Fatalf("events so far: %v", kinds)
		}
	}

	assert.Equal(t, []EventKind{EventQueued, EventStarted, EventProgress, EventProgress, EventCompleted}, kinds)
	assert.Equal(t, []float64{0.25, 0.5}, progress)

	snap, err := s.Status(h)
	require.NoError(t, err)
	require.NotNil(t, snap.Result)
	assert.Equal(t, "done", snap.Result.Outputs()["summary"])
}

func TestCallback_OnDone(t *testing.T) {
	s := setupScheduler(t, testConfig(1), Workers{"dev": &orderRecorder{}})
	start(t, s)

	got := make(chan models.TaskSnapshot, 1)
	submit(t, s, &models.Task{
		Role:   "dev",
		Mode:   models.ModeCallback,
		OnDone: func(snap models.TaskSnapshot) { got <- snap },
	})

	select {
	case snap := <-got:
		assert.Equal(t, models.TaskCompleted, snap.State)
	case <-time.After(2 * time.Second):
		t.Fatal("OnDone not called")
	}
}

func TestFailures(t *testing.T) {
	panicky := models.WorkerFunc(func(context.Context, *models.Task) models.Result {
		panic("kaboom")
	})
	slow := models.WorkerFunc(func(ctx context.Context, _ *models.Task) models.Result {
		<-ctx.Done()
		return models.Result{Error: ctx.Err().Error()}
	})
	s := setupScheduler(t, testConfig(3), Workers{"panicky": panicky, "slow": slow})
	start(t, s)

	handles := []Handle{
		submit(t, s, &models.Task{Role: "nobody"}),
		submit(t, s, &models.Task{Role: "panicky"}),
		submit(t, s, &models.Task{Role: "slow", Timeout: 10 * time.Millisecond}),
	}
	snaps := awaitAll(t, s, handles)

	wantErr := []string{"no worker registered", "worker panic: kaboom", "deadline exceeded"}
	for i, snap := range snaps {
		assert.Equal(t, models.TaskFailed, snap.State)
		require.NotNil(t, snap.Result)
		assert.Contains(t, snap.Result.Error, wantErr[i])
	}
}

func TestAging_BoostsWaitingTasks(t *testing.T) {
	tests := []struct {
		name  string
		aging time.Duration
		want  []string
	}{
		{"disabled", 0, []string{"high", "low"}},
		{"enabled", time.Minute, []string{"low", "high"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			cfg := testConfig(1)
			cfg.AgingInterval = tt.aging
			rec := &orderRecorder{}
			s := setupScheduler(t, cfg, Workers{"dev": rec}, WithClock(clock.Now))

			low := submit(t, s, &models.Task{ID: "low", Role: "dev", Priority: models.PriorityLow})
			clock.Advance(3 * time.Minute)
			high := submit(t, s, &models.Task{ID: "high", Role: "dev", Priority: models.PriorityHigh})

			start(t, s)
			awaitAll(t, s, []Handle{low, high})
			assert.Equal(t, tt.want, rec.Order())
		})
	}
}

func TestAudit_RecordsTaskRuns(t *testing.T) {
	db, err := state.OpenAndMigrate(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer db.Close()

	s := setupScheduler(t, testConfig(2), Workers{"dev": &orderRecorder{}}, WithAudit(db))
	start(t, s)
	h := submit(t, s, &models.Task{Role: "dev", Priority: models.PriorityHigh})
	awaitAll(t, s, []Handle{h})

	require.Eventually(t, func() bool {
		row, err := db.GetTaskRun(string(h))
		return err == nil && row != nil && row.State == "completed"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAwaitAll_ContextCancelled(t *testing.T) {
	b := newBlocker()
	s := setupScheduler(t, testConfig(1), Workers{"dev": b})
	start(t, s)
	h := submit(t, s, &models.Task{Role: "dev"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.AwaitAll(ctx, []Handle{h})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The scheduler itself keeps running.
	close(b.release)
	snaps := awaitAll(t, s, []Handle{h})
	assert.Equal(t, models.TaskCompleted, snaps[0].State)
}

func TestClose_CancelsOutstanding(t *testing.T) {
	b := newBlocker()
	s := New(testConfig(1), Workers{"dev": b}, WithSampler(idle))
	require.NoError(t, s.Start(context.Background()))

	running := submit(t, s, &models.Task{Role: "dev"})
	<-b.started
	queued := submit(t, s, &models.Task{Role: "dev"})

	s.Close()
	for _, h := range []Handle{running, queued} {
		snap, err := s.Status(h)
		require.NoError(t, err)
		assert.Equal(t, models.TaskCancelled, snap.State)
	}
}
