package taskstore

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/t77yq/animus/internal/events"
)

// Watch observes the store tree and emits added for task documents that appear
// from outside this process. It returns once the watcher is installed; the
// watch loop runs until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := s.addWatchRecursive(watcher, s.root); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch store: %w", err)
	}

	s.logger.Info("Watching task store", zap.String("root", s.root))
	go s.watchLoop(ctx, watcher)
	return nil
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("Watch error", zap.Error(err))
		}
	}
}

func (s *Store) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := s.addWatchRecursive(watcher, event.Name); err != nil {
				s.logger.Warn("Failed to watch directory", zap.String("path", event.Name), zap.Error(err))
			}
			// Documents may have landed before the watch was installed
			s.sweep(event.Name)
			return
		}
	}

	if isTaskDocument(filepath.Base(event.Name)) {
		s.announce(event.Name)
	}
}

// announce emits added for an externally written document the first time it parses
func (s *Store) announce(path string) {
	if s.isAnnounced(path) {
		return
	}
	if id := s.idFromPath(path); exists(s.resultPath(id)) || exists(s.errorPath(id)) {
		return
	}

	task, err := s.readTask(path)
	if err != nil {
		// Partially written; a later write event retries
		s.logger.Debug("Task document not readable yet", zap.String("path", path), zap.Error(err))
		return
	}
	if !s.claimAnnouncement(path) {
		return
	}

	s.logger.Info("Observed external task", zap.String("task_id", task.ID))
	s.emitter.Emit(events.Event{Kind: events.KindAdded, Task: task})
}

func (s *Store) sweep(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && isTaskDocument(d.Name()) {
			s.announce(path)
		}
		return nil
	})
}

func (s *Store) addWatchRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
