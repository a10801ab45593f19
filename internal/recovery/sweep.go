package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ShayCichocki/cadence/internal/state"
	"github.com/ShayCichocki/cadence/internal/store"
)

// ErrStale is reported by checks that find data older than allowed.
var ErrStale = errors.New("stale data")

// MaintenanceTask is one proactive check run by the Sweeper.
type MaintenanceTask interface {
	Name() string
	Run(ctx context.Context) error
}

// TaskFunc adapts a function to MaintenanceTask.
type TaskFunc struct {
	TaskName string
	Fn       func(ctx context.Context) error
}

// Name returns the task name.
func (t TaskFunc) Name() string { return t.TaskName }

// Run calls Fn.
func (t TaskFunc) Run(ctx context.Context) error { return t.Fn(ctx) }

// SweepResult summarises one sweep.
type SweepResult struct {
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

// Sweeper runs maintenance tasks on a cron schedule.
type Sweeper struct {
	cron   *cron.Cron
	tasks  []MaintenanceTask
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	last    SweepResult
	started bool
	cancel  context.CancelFunc
	ctx     context.Context
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepLogger sets the sweeper logger.
func WithSweepLogger(l *zap.Logger) SweeperOption {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSweepClock overrides the sweeper clock.
func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper schedules tasks on schedule, a standard cron spec or a
// descriptor such as "@every 1h".
func NewSweeper(schedule string, tasks []MaintenanceTask, opts ...SweeperOption) (*Sweeper, error) {
	s := &Sweeper{
		tasks:  tasks,
		logger: zap.NewNop(),
		now:    time.Now,
		cron:   cron.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if _, err := s.cron.AddFunc(schedule, func() {
		if err := s.RunOnce(s.ctx); err != nil {
			s.logger.Warn("maintenance sweep found issues", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the schedule. Stop or cancelling ctx ends it.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.cron.Start()
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.ctx.Done():
		}
	}()
}

// Stop ends the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// RunOnce runs every task and returns their combined errors.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	start := s.now()
	var err error
	for _, t := range s.tasks {
		if ctx.Err() != nil {
			err = multierr.Append(err, ctx.Err())
			break
		}
		if terr := t.Run(ctx); terr != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", t.Name(), terr))
		}
	}

	res := SweepResult{StartedAt: start, Duration: s.now().Sub(start), Err: err}
	s.mu.Lock()
	s.last = res
	s.mu.Unlock()

	s.logger.Debug("maintenance sweep",
		zap.Int("tasks", len(s.tasks)),
		zap.Duration("duration", res.Duration),
		zap.Int("issues", len(multierr.Errors(err))))
	return err
}

// Last returns the most recent sweep result.
func (s *Sweeper) Last() SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// TempFileCleanup removes interrupted atomic-write leftovers (".tmp-*")
// older than maxAge from dirs. A nil now uses time.Now.
func TempFileCleanup(maxAge time.Duration, now func() time.Time, dirs ...string) MaintenanceTask {
	if now == nil {
		now = time.Now
	}
	return TaskFunc{TaskName: "temp-file-cleanup", Fn: func(ctx context.Context) error {
		cutoff := now().Add(-maxAge)
		var err error
		for _, dir := range dirs {
			entries, rerr := os.ReadDir(dir)
			if rerr != nil {
				if !os.IsNotExist(rerr) {
					err = multierr.Append(err, rerr)
				}
				continue
			}
			for _, e := range entries {
				if e.IsDir() || !strings.HasPrefix(e.Name(), ".tmp-") {
					continue
				}
				info, ierr := e.Info()
				if ierr != nil || info.ModTime().After(cutoff) {
					continue
				}
				if rerr := os.Remove(filepath.Join(dir, e.Name())); rerr != nil && !os.IsNotExist(rerr) {
					err = multierr.Append(err, rerr)
				}
			}
		}
		return err
	}}
}

// BackupLister lists state snapshots, newest first.
type BackupLister interface {
	Backups() ([]store.Backup, error)
}

// BackupFreshness checks that the newest snapshot is no older than
// staleAfter. No snapshots at all is not an issue. A stale snapshot is
// refreshed by calling snapshot when it is non-nil; otherwise, or when the
// refresh fails, ErrStale is reported.
func BackupFreshness(l BackupLister, staleAfter time.Duration, now func() time.Time, snapshot func() error, logger *zap.Logger) MaintenanceTask {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return TaskFunc{TaskName: "backup-freshness", Fn: func(ctx context.Context) error {
		backups, err := l.Backups()
		if err != nil {
			return err
		}
		if len(backups) == 0 {
			return nil
		}
		age := now().Sub(backups[0].TakenAt)
		if age <= staleAfter {
			return nil
		}
		stale := fmt.Errorf("%w: newest snapshot %s is %s old", ErrStale, backups[0].Name, age.Round(time.Second))
		if snapshot == nil {
			return stale
		}
		if err := snapshot(); err != nil {
			return fmt.Errorf("%w; refresh failed: %w", stale, err)
		}
		logger.Info("stale snapshot refreshed",
			zap.String("previous", backups[0].Name),
			zap.Duration("age", age))
		return nil
	}}
}

// AuditRetention purges audit rows older than retention.
func AuditRetention(db *state.DB, retention time.Duration, logger *zap.Logger) MaintenanceTask {
	if logger == nil {
		logger = zap.NewNop()
	}
	return TaskFunc{TaskName: "audit-retention", Fn: func(ctx context.Context) error {
		n, err := db.Purge(retention)
		if n > 0 {
			logger.Info("purged audit rows", zap.Int64("rows", n))
		}
		return err
	}}
}
