package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reports edits to the primary state file made by anyone other than
// this store. The channel is closed when ctx is done. Bursts of events are
// coalesced: at most one notification is pending at a time.
func (s *Store) Watch(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: atomic renames replace the file inode.
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", s.dir, err)
	}

	changed := make(chan struct{}, 1)
	primary := filepath.Clean(s.Path())

	go func() {
		defer close(changed)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != primary {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				data, err := os.ReadFile(primary)
				if err != nil || s.ownWrite(data) {
					continue
				}
				s.logger.Info("state file changed externally", zap.String("path", primary))
				select {
				case changed <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("state watcher error", zap.Error(err))
			}
		}
	}()

	return changed, nil
}
