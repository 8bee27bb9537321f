// Package taskstore persists tasks and their outcomes as a directory tree.
//
// Layout under the store root R:
//
//	R/<id>.json         task document
//	R/<id>.result.json  result artifact
//	R/<id>.error.json   error artifact
//	R/<id>/<key>.json   child task of <id>
//
// The tree is at once a durable queue, the parent/child dependency graph and,
// through Watch, an event source.
package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/animus/internal/events"
	"github.com/t77yq/animus/internal/model"
)

const (
	docExt      = ".json"
	resultExt   = model.ResultSuffix + docExt
	errorExt    = model.ErrorSuffix + docExt
	dirPerm     = 0o755
	filePerm    = 0o644
	tempPattern = ".*.tmp"
)

// Store is the file backed task store
type Store struct {
	root    string
	logger  *zap.Logger
	emitter *events.Emitter

	mu        sync.Mutex
	announced map[string]struct{} // unsettled task documents already reported as added
}

// New creates a store rooted at dir, creating it if needed
func New(dir string, logger *zap.Logger) (*Store, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve store root: %w", err)
	}
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}

	return &Store{
		root:      root,
		logger:    logger.Named("task-store"),
		emitter:   events.NewEmitter(),
		announced: make(map[string]struct{}),
	}, nil
}

// Root returns the absolute store root
func (s *Store) Root() string {
	return s.root
}

// Subscribe registers h for added and unblocked events
func (s *Store) Subscribe(h events.Handler) func() {
	return s.emitter.Subscribe(h)
}

// Add persists a new task document and emits added. Task ids are unique
// within the store: an id that already has a document yields ErrTaskExists.
func (s *Store) Add(ctx context.Context, task *model.Task) error {
	if err := model.ValidateTask(task); err != nil {
		return err
	}

	path := s.taskPath(task.ID)
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}
	if exists(path) {
		return fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
	}

	s.markAnnounced(path)
	if err := s.createJSON(path, task); err != nil {
		s.forget(path)
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
		}
		return fmt.Errorf("failed to write task %s: %w", task.ID, err)
	}

	s.logger.Debug("Task added", zap.String("task_id", task.ID))
	s.emitter.Emit(events.Event{Kind: events.KindAdded, Task: task})
	return nil
}

// Get loads a task document
func (s *Store) Get(ctx context.Context, id string) (*model.Task, error) {
	if err := model.ValidateTaskID(id); err != nil {
		return nil, err
	}
	return s.readTask(s.taskPath(id))
}

// GetState reconstructs a task's dependency state from its child directory
func (s *Store) GetState(ctx context.Context, id string) (model.State, error) {
	if err := model.ValidateTaskID(id); err != nil {
		return nil, err
	}

	state := model.State{}
	entries, err := os.ReadDir(s.childDir(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return state, nil
		}
		return nil, fmt.Errorf("failed to read child directory of %s: %w", id, err)
	}

	dir := s.childDir(id)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, docExt) || strings.HasPrefix(name, ".") {
			continue
		}

		switch {
		case strings.HasSuffix(name, resultExt):
			key := strings.TrimSuffix(name, resultExt)
			raw, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				return nil, fmt.Errorf("failed to read result of %s: %w", model.ChildID(id, key), err)
			}
			if !json.Valid(raw) {
				return nil, fmt.Errorf("failed to parse result of %s: invalid JSON", model.ChildID(id, key))
			}
			state[key] = model.ValueEntry(raw)

		case strings.HasSuffix(name, errorExt):
			key := strings.TrimSuffix(name, errorExt)
			taskErr, err := readError(filepath.Join(dir, name))
			if err != nil {
				return nil, fmt.Errorf("failed to read error of %s: %w", model.ChildID(id, key), err)
			}
			// A result artifact wins over an error artifact for the same key
			if existing := state[key]; existing == nil || existing.Error != nil {
				state[key] = &model.Entry{Error: taskErr}
			}

		default:
			key := strings.TrimSuffix(name, docExt)
			if _, ok := state[key]; !ok {
				state[key] = nil
			}
		}
	}

	return state, nil
}

// Finished persists the result artifact and runs the parent unblock check
func (s *Store) Finished(ctx context.Context, task *model.Task, result any) error {
	if err := s.writeJSON(s.resultPath(task.ID), result); err != nil {
		return fmt.Errorf("failed to write result of %s: %w", task.ID, err)
	}
	s.forget(s.taskPath(task.ID))
	return s.checkParent(ctx, task)
}

// Failed persists the error artifact and runs the parent unblock check
func (s *Store) Failed(ctx context.Context, task *model.Task, taskErr *model.TaskError) error {
	if err := s.writeJSON(s.errorPath(task.ID), taskErr); err != nil {
		return fmt.Errorf("failed to write error of %s: %w", task.ID, err)
	}
	s.forget(s.taskPath(task.ID))
	return s.checkParent(ctx, task)
}

// checkParent emits unblocked for the parent once none of its children is pending.
// It is derived from disk every time, so duplicate calls are harmless.
func (s *Store) checkParent(ctx context.Context, task *model.Task) error {
	if task.ParentID == "" {
		return nil
	}

	state, err := s.GetState(ctx, task.ParentID)
	if err != nil {
		return fmt.Errorf("failed to check parent %s: %w", task.ParentID, err)
	}
	if pending := state.Pending(); len(pending) > 0 {
		s.logger.Debug("Parent still blocked",
			zap.String("task_id", task.ParentID),
			zap.Strings("pending", pending))
		return nil
	}

	parent, err := s.Get(ctx, task.ParentID)
	if err != nil {
		return fmt.Errorf("failed to load parent %s: %w", task.ParentID, err)
	}

	s.logger.Debug("Parent unblocked", zap.String("task_id", parent.ID))
	s.emitter.Emit(events.Event{Kind: events.KindUnblocked, Task: parent, State: state})
	return nil
}

// Status materializes a task's status from its artifacts
func (s *Store) Status(ctx context.Context, id string) (model.TaskStatus, error) {
	if err := model.ValidateTaskID(id); err != nil {
		return "", err
	}
	switch {
	case exists(s.resultPath(id)):
		return model.TaskStatusComplete, nil
	case exists(s.errorPath(id)):
		return model.TaskStatusFailed, nil
	case !exists(s.taskPath(id)):
		return "", fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	state, err := s.GetState(ctx, id)
	if err != nil {
		return "", err
	}
	if state.Blocked() {
		return model.TaskStatusBlocked, nil
	}
	return model.TaskStatusPending, nil
}

// Result returns the raw result artifact of a task
func (s *Store) Result(ctx context.Context, id string) (json.RawMessage, error) {
	if err := model.ValidateTaskID(id); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.resultPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoArtifact, id)
		}
		return nil, fmt.Errorf("failed to read result of %s: %w", id, err)
	}
	return raw, nil
}

// Error returns the error artifact of a task
func (s *Store) Error(ctx context.Context, id string) (*model.TaskError, error) {
	if err := model.ValidateTaskID(id); err != nil {
		return nil, err
	}
	taskErr, err := readError(s.errorPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoArtifact, id)
		}
		return nil, err
	}
	return taskErr, nil
}

// readTask parses a task document and checks its id against its location
func (s *Store) readTask(path string) (*model.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, s.idFromPath(path))
		}
		return nil, fmt.Errorf("failed to read task: %w", err)
	}

	var task model.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to parse task %s: %w", s.idFromPath(path), err)
	}

	want := s.idFromPath(path)
	if task.ID == "" {
		task.ID = want
	}
	if task.ID != want {
		return nil, fmt.Errorf("%w: document %s declares id %s", ErrIDMismatch, want, task.ID)
	}
	return &task, nil
}

func readError(path string) (*model.TaskError, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var taskErr model.TaskError
	if err := json.Unmarshal(raw, &taskErr); err != nil || taskErr.Message == "" {
		// Foreign error payloads are kept verbatim
		return &model.TaskError{Message: strings.TrimSpace(string(raw))}, nil
	}
	return &taskErr, nil
}

// writeJSON writes v next to path and renames it into place
func (s *Store) writeJSON(path string, v any) error {
	tmpName, err := writeTemp(path, v)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// createJSON is writeJSON for new files: it links the temp file into place
// and fails with fs.ErrExist when path is already taken
func (s *Store) createJSON(path string, v any) error {
	tmpName, err := writeTemp(path, v)
	if err != nil {
		return err
	}
	defer os.Remove(tmpName)
	return os.Link(tmpName, path)
}

func writeTemp(path string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+tempPattern)
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	return tmpName, nil
}

func (s *Store) markAnnounced(path string) {
	s.mu.Lock()
	s.announced[path] = struct{}{}
	s.mu.Unlock()
}

// claimAnnouncement returns true the first time it is called for path
func (s *Store) claimAnnouncement(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.announced[path]; ok {
		return false
	}
	s.announced[path] = struct{}{}
	return true
}

// forget drops path from the announced set once the task has settled
func (s *Store) forget(path string) {
	s.mu.Lock()
	delete(s.announced, path)
	s.mu.Unlock()
}

func (s *Store) isAnnounced(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.announced[path]
	return ok
}

func (s *Store) taskPath(id string) string   { return s.childDir(id) + docExt }
func (s *Store) resultPath(id string) string { return s.childDir(id) + resultExt }
func (s *Store) errorPath(id string) string  { return s.childDir(id) + errorExt }

func (s *Store) childDir(id string) string {
	return filepath.Join(s.root, filepath.FromSlash(id))
}

func (s *Store) idFromPath(path string) string {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(strings.TrimSuffix(rel, docExt))
}

// isTaskDocument reports whether name is a task document rather than an artifact or temp file
func isTaskDocument(name string) bool {
	return strings.HasSuffix(name, docExt) &&
		!strings.HasSuffix(name, resultExt) &&
		!strings.HasSuffix(name, errorExt) &&
		!strings.HasPrefix(name, ".")
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
