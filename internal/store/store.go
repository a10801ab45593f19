// Package store provides durable snapshot persistence for workflow state.
//
// Each Save writes a timestamped backup first and the primary file second,
// both via write-to-temp + rename, so a crash mid-write never corrupts both
// copies. Backups form a ring bounded to the most recent N snapshots.
// A store opened for writing holds an exclusive file lock on its directory:
// there is exactly one writer per state directory.
package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

const (
	primaryName   = "state.json"
	backupDirName = "backups"
	lockName      = ".lock"
	backupPrefix  = "state-"
	backupSuffix  = ".json"
	// backupStamp sorts lexicographically in time order.
	backupStamp = "20060102T150405.000000000Z"
)

var (
	// ErrNotExist is returned by Load when nothing has been saved yet.
	ErrNotExist = errors.New("state does not exist")
	// ErrLocked is returned by Open when another writer holds the directory.
	ErrLocked = errors.New("state directory is locked by another writer")
	// ErrReadOnly is returned by Save on a read-only store.
	ErrReadOnly = errors.New("state store is read-only")
)

// Backup describes one snapshot in the backup ring.
type Backup struct {
	Name    string
	Path    string
	TakenAt time.Time
	// Seq orders backups taken within the same clock tick.
	Seq int
}

// Store persists a single JSON document with backup rotation.
type Store struct {
	dir      string
	ringSize int
	readOnly bool
	logger   *zap.Logger
	now      func() time.Time

	lock *flock.Flock

	mu       sync.Mutex
	lastHash [sha256.Size]byte
}

// Option configures a Store.
type Option func(*Store)

// WithRingSize sets how many backups are retained. Values below 1 are ignored.
func WithRingSize(n int) Option {
	return func(s *Store) {
		if n >= 1 {
			s.ringSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the clock used for backup names.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// ReadOnly opens the store without taking the writer lock.
func ReadOnly() Option {
	return func(s *Store) { s.readOnly = true }
}

// Open opens (creating if needed) the state directory.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:      dir,
		ringSize: 10,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Join(dir, backupDirName), 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	if !s.readOnly {
		s.lock = flock.New(filepath.Join(dir, lockName))
		ok, err := s.lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("lock state directory: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
		}
	}

	return s, nil
}

// Close releases the writer lock.
func (s *Store) Close() error {
	if s.lock == nil {
		return nil
	}
	return s.lock.Unlock()
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

// BackupDir returns the backup ring directory.
func (s *Store) BackupDir() string {
	return filepath.Join(s.dir, backupDirName)
}

// Path returns the primary state file path.
func (s *Store) Path() string {
	return filepath.Join(s.dir, primaryName)
}

// Exists reports whether a primary state file or any backup exists.
func (s *Store) Exists() bool {
	if _, err := os.Stat(s.Path()); err == nil {
		return true
	}
	backups, err := s.Backups()
	return err == nil && len(backups) > 0
}

// Save persists v. The backup snapshot is written before the primary file.
func (s *Store) Save(v any) error {
	if s.readOnly {
		return ErrReadOnly
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	backupPath, err := s.nextBackupPath()
	if err != nil {
		return err
	}
	if err := writeAtomic(backupPath, data); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	// Recorded before the rename so the watcher never sees our own write as foreign.
	s.lastHash = sha256.Sum256(data)
	if err := writeAtomic(s.Path(), data); err != nil {
		return fmt.Errorf("write state: %w", err)
	}

	if err := s.pruneLocked(); err != nil {
		// The snapshot itself is durable; a failed prune only leaves extra backups.
		s.logger.Warn("prune backups failed", zap.Error(err))
	}
	return nil
}

// Load decodes the primary state into v. If the primary is missing or
// unreadable, the newest decodable backup is used instead.
func (s *Store) Load(v any) error {
	data, err := os.ReadFile(s.Path())
	if err == nil {
		if err = json.Unmarshal(data, v); err == nil {
			s.mu.Lock()
			s.lastHash = sha256.Sum256(data)
			s.mu.Unlock()
			return nil
		}
		s.logger.Warn("primary state unreadable, falling back to backups",
			zap.String("path", s.Path()), zap.Error(err))
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read state: %w", err)
	}

	backups, berr := s.Backups()
	if berr != nil {
		return berr
	}
	for _, b := range backups {
		if rerr := s.Restore(b.Name, v); rerr == nil {
			s.logger.Info("state restored from backup", zap.String("backup", b.Name))
			return nil
		}
	}

	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("decode state: %w", err)
	}
	return ErrNotExist
}

// Restore decodes the named backup into v. It does not touch the primary file.
func (s *Store) Restore(name string, v any) error {
	if filepath.Base(name) != name {
		return fmt.Errorf("invalid backup name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, backupDirName, name))
	if err != nil {
		return fmt.Errorf("read backup %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode backup %s: %w", name, err)
	}
	return nil
}

// Backups lists retained snapshots, newest first.
func (s *Store) Backups() ([]Backup, error) {
	dir := filepath.Join(s.dir, backupDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list backups: %w", err)
	}

	var backups []Backup
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), backupSuffix)
		seq := 0
		if i := strings.IndexByte(stamp, '-'); i >= 0 {
			n, err := strconv.Atoi(stamp[i+1:])
			if err != nil {
				continue
			}
			stamp, seq = stamp[:i], n
		}
		takenAt, err := time.Parse(backupStamp, stamp)
		if err != nil {
			continue
		}
		backups = append(backups, Backup{Name: name, Path: filepath.Join(dir, name), TakenAt: takenAt, Seq: seq})
	}

	sort.Slice(backups, func(i, j int) bool {
		if !backups[i].TakenAt.Equal(backups[j].TakenAt) {
			return backups[i].TakenAt.After(backups[j].TakenAt)
		}
		return backups[i].Seq > backups[j].Seq
	})
	return backups, nil
}

// nextBackupPath returns a fresh backup path. Backups taken in the same clock
// tick get a sequence number above every retained one for that tick, so a
// pruned name is never reused out of order. Caller must hold s.mu.
func (s *Store) nextBackupPath() (string, error) {
	taken := s.now().UTC()
	stamp := taken.Format(backupStamp)
	existing, err := s.Backups()
	if err != nil {
		return "", err
	}
	seq := 0
	for _, b := range existing {
		if b.TakenAt.Format(backupStamp) == stamp && b.Seq >= seq {
			seq = b.Seq + 1
		}
	}
	name := fmt.Sprintf("%s%s-%03d%s", backupPrefix, stamp, seq, backupSuffix)
	return filepath.Join(s.dir, backupDirName, name), nil
}

// pruneLocked removes backups beyond the ring size. Caller must hold s.mu.
func (s *Store) pruneLocked() error {
	backups, err := s.Backups()
	if err != nil {
		return err
	}
	var errs []error
	for _, b := range backups[min(len(backups), s.ringSize):] {
		if err := os.Remove(b.Path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ownWrite reports whether data matches the last snapshot this store wrote or read.
func (s *Store) ownWrite(data []byte) bool {
	h := sha256.Sum256(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Equal(h[:], s.lastHash[:])
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
