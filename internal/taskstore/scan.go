package taskstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/animus/internal/events"
)

// Scan walks the whole store and emits unblocked for every incomplete task
// that has no pending children. It reports whether any incomplete task was found.
func (s *Store) Scan(ctx context.Context) (bool, error) {
	return s.ScanDir(ctx, s.root)
}

// ScanDir scans the subtree rooted at dir. A missing or unreadable directory
// counts as empty; unreadable task documents are reported but do not stop the walk.
func (s *Store) ScanDir(ctx context.Context, dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, nil
	}

	names := make(map[string]bool, len(entries))
	for _, entry := range entries {
		names[entry.Name()] = entry.IsDir()
	}

	var (
		incomplete bool
		errs       []error
	)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return incomplete, err
		}

		name := entry.Name()
		if entry.IsDir() || !isTaskDocument(name) {
			continue
		}

		base := strings.TrimSuffix(name, docExt)
		if _, ok := names[base+resultExt]; ok {
			continue
		}
		if _, ok := names[base+errorExt]; ok {
			continue
		}

		// Every task past this point is incomplete, whether blocked or runnable
		incomplete = true

		if isDir := names[base]; isDir {
			blocked, err := s.ScanDir(ctx, filepath.Join(dir, base))
			if err != nil {
				errs = append(errs, err)
			}
			if blocked {
				continue
			}
		}

		path := filepath.Join(dir, name)
		task, err := s.readTask(path)
		if err != nil {
			s.logger.Warn("Skipping unreadable task", zap.String("path", path), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		state, err := s.GetState(ctx, task.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		s.markAnnounced(path)
		s.logger.Info("Recovered runnable task", zap.String("task_id", task.ID))
		s.emitter.Emit(events.Event{Kind: events.KindUnblocked, Task: task, State: state})
	}

	return incomplete, errors.Join(errs...)
}
