// Package orchestrator binds runnable tasks to tools and drives each
// execution attempt to completion, suspension or failure.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/animus/internal/events"
	"github.com/t77yq/animus/internal/model"
	"github.com/t77yq/animus/internal/storage"
	"github.com/t77yq/animus/internal/tool"
)

// TaskStore is the durable side of the orchestrator
type TaskStore interface {
	Subscribe(h events.Handler) func()
	Watch(ctx context.Context) error
	Scan(ctx context.Context) (bool, error)
	Add(ctx context.Context, task *model.Task) error
	GetState(ctx context.Context, id string) (model.State, error)
	Finished(ctx context.Context, task *model.Task, result any) error
	Failed(ctx context.Context, task *model.Task, taskErr *model.TaskError) error
	Status(ctx context.Context, id string) (model.TaskStatus, error)
}

// Loader resolves tool names to handlers
type Loader interface {
	Get(name string) (tool.Tool, error)
	Has(name string) bool
}

// DataLookup resolves owner scoped data references
type DataLookup interface {
	Get(ctx context.Context, location, owner string) (json.RawMessage, error)
}

// Stats are running counters since the orchestrator was created
type Stats struct {
	Started   int64 `json:"started"`
	Finished  int64 `json:"finished"`
	Blocked   int64 `json:"blocked"`
	Failed    int64 `json:"failed"`
	Unmatched int64 `json:"unmatched"`
	InFlight  int64 `json:"in_flight"`
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithHistory records every execution attempt
func WithHistory(history storage.History) Option {
	return func(o *Orchestrator) {
		o.history = history
	}
}

// WithPublisher mirrors lifecycle events to pub while running
func WithPublisher(pub events.Publisher) Option {
	return func(o *Orchestrator) {
		o.publisher = pub
	}
}

// WithoutWatch disables observation of externally added tasks
func WithoutWatch() Option {
	return func(o *Orchestrator) {
		o.watch = false
	}
}

// WithMaxConcurrent caps the number of attempts running at once. Tasks
// beyond the cap wait for a slot; n <= 0 means no cap.
func WithMaxConcurrent(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.slots = make(chan struct{}, n)
		}
	}
}

// Orchestrator reacts to task store events by executing matching tools
type Orchestrator struct {
	store     TaskStore
	catalog   Catalog
	loader    Loader
	lookup    DataLookup
	logger    *zap.Logger
	history   storage.History
	publisher events.Publisher
	watch     bool
	emitter   *events.Emitter
	slots     chan struct{}

	execMu    sync.Mutex
	executing map[string]int // task id -> attempts in flight

	mu          sync.Mutex
	running     bool
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe []func()
	wg          sync.WaitGroup

	started   atomic.Int64
	finished  atomic.Int64
	blocked   atomic.Int64
	failed    atomic.Int64
	unmatched atomic.Int64
	inFlight  atomic.Int64
}

// New creates an orchestrator. lookup may be nil when no tool prefetches state.
func New(store TaskStore, catalog Catalog, loader Loader, lookup DataLookup, logger *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:   store,
		catalog: catalog,
		loader:  loader,
		lookup:  lookup,
		logger:  logger.Named("orchestrator"),
		watch:   true,
		emitter: events.NewEmitter(),

		executing: make(map[string]int),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Subscribe registers h for every lifecycle event, including the store's
// added and unblocked events. A parent's blocked event is delivered before
// any event of the child it spawned.
func (o *Orchestrator) Subscribe(h events.Handler) func() {
	return o.emitter.Subscribe(h)
}

// Start subscribes to the store, starts observing it and reconciles on-disk
// state by scanning for runnable tasks
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already started")
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.running = true
	o.unsubscribe = append(o.unsubscribe, o.store.Subscribe(o.handleStoreEvent))
	if o.publisher != nil {
		o.unsubscribe = append(o.unsubscribe, events.Forward(o.emitter, o.publisher, o.logger))
	}
	runCtx := o.ctx
	o.mu.Unlock()

	if o.watch {
		if err := o.store.Watch(runCtx); err != nil {
			o.Stop()
			return fmt.Errorf("failed to watch task store: %w", err)
		}
	}

	incomplete, err := o.store.Scan(runCtx)
	if err != nil {
		o.logger.Warn("Task store scan reported errors", zap.Error(err))
	}

	o.logger.Info("Orchestrator started", zap.Bool("incomplete_tasks", incomplete))
	return nil
}

// Stop detaches from the store and waits for in-flight executions
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	unsubscribe := o.unsubscribe
	o.unsubscribe = nil
	o.mu.Unlock()

	// Detach from the store first so no new work is scheduled
	for _, unsub := range unsubscribe[:1] {
		unsub()
	}
	o.wg.Wait()
	for _, unsub := range unsubscribe[1:] {
		unsub()
	}
	o.cancel()

	o.logger.Info("Orchestrator stopped")
}

// Wait blocks until every scheduled execution, and everything it caused, has settled
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Stats returns a snapshot of the execution counters
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Started:   o.started.Load(),
		Finished:  o.finished.Load(),
		Blocked:   o.blocked.Load(),
		Failed:    o.failed.Load(),
		Unmatched: o.unmatched.Load(),
		InFlight:  o.inFlight.Load(),
	}
}

// AddTask persists a task for execution. It returns ErrStopped unless the
// orchestrator is running, since nothing would pick the task up.
func (o *Orchestrator) AddTask(ctx context.Context, task *model.Task) error {
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()
	if !running {
		return fmt.Errorf("%w: cannot add %s", ErrStopped, task.ID)
	}
	return o.store.Add(ctx, task)
}

// Status reports in-progress while an attempt on id is executing and the
// store's materialized status otherwise
func (o *Orchestrator) Status(ctx context.Context, id string) (model.TaskStatus, error) {
	o.execMu.Lock()
	n := o.executing[id]
	o.execMu.Unlock()
	if n > 0 {
		return model.TaskStatusInProgress, nil
	}
	return o.store.Status(ctx, id)
}

// Dispatch runs task synchronously when exactly one tool serves it.
// It reports false without executing anything otherwise.
func (o *Orchestrator) Dispatch(ctx context.Context, task *model.Task, state model.State) (Outcome, bool, error) {
	meta, ok := MatchStrict(o.catalog, task)
	if !ok {
		o.logger.Debug("No unique tool for dispatch", zap.String("task_id", task.ID))
		return Outcome{}, false, nil
	}

	out, err := o.attempt(ctx, meta, task, state)
	return out, true, err
}

// Match returns the single descriptor serving task
func (o *Orchestrator) Match(task *model.Task) (*model.ToolMetadata, error) {
	return Match(o.catalog, task)
}

// MatchStrict is Match reporting a miss instead of an error
func (o *Orchestrator) MatchStrict(task *model.Task) (*model.ToolMetadata, bool) {
	return MatchStrict(o.catalog, task)
}

func (o *Orchestrator) handleStoreEvent(ev events.Event) {
	o.emitter.Emit(ev)

	switch ev.Kind {
	case events.KindAdded, events.KindUnblocked:
		o.schedule(ev.Task, ev.State)
	}
}

func (o *Orchestrator) schedule(task *model.Task, state model.State) {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	ctx := o.ctx
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		o.run(ctx, task, state)
	}()
}

func (o *Orchestrator) run(ctx context.Context, task *model.Task, state model.State) {
	meta, err := Match(o.catalog, task)
	if err != nil {
		o.unmatched.Add(1)
		o.logger.Warn("Task not executed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}

	if o.slots != nil {
		select {
		case o.slots <- struct{}{}:
			defer func() { <-o.slots }()
		case <-ctx.Done():
			o.logger.Warn("Task not executed", zap.String("task_id", task.ID), zap.Error(ctx.Err()))
			return
		}
	}

	if _, err := o.attempt(ctx, meta, task, state); err != nil {
		o.logger.Error("Failed to settle task", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// attempt executes task once and applies the outcome to the store
func (o *Orchestrator) attempt(ctx context.Context, meta *model.ToolMetadata, task *model.Task, state model.State) (Outcome, error) {
	o.started.Add(1)
	o.inFlight.Add(1)
	defer o.inFlight.Add(-1)

	o.markExecuting(task.ID, 1)
	defer o.markExecuting(task.ID, -1)

	o.logger.Info("Executing task", zap.String("task_id", task.ID), zap.String("tool", meta.Name))
	o.emitter.Emit(events.Event{Kind: events.KindStarted, Task: task, Tool: meta.Name})

	record := o.recordStart(ctx, meta, task)
	out := o.Execute(ctx, meta, task, state)
	err := o.apply(ctx, meta, task, out)
	o.recordOutcome(ctx, record, out)

	return out, err
}

func (o *Orchestrator) markExecuting(id string, delta int) {
	o.execMu.Lock()
	defer o.execMu.Unlock()

	if n := o.executing[id] + delta; n > 0 {
		o.executing[id] = n
	} else {
		delete(o.executing, id)
	}
}

// Execute builds the execution context for task and runs its tool.
// A nil state is loaded from the store. Nothing is persisted.
func (o *Orchestrator) Execute(ctx context.Context, meta *model.ToolMetadata, task *model.Task, state model.State) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Failed(fmt.Errorf("tool %s panicked: %v", meta.Name, r))
		}
	}()

	if state == nil {
		loaded, err := o.store.GetState(ctx, task.ID)
		if err != nil {
			return Failed(fmt.Errorf("failed to load state: %w", err))
		}
		state = loaded
	} else {
		state = state.Clone()
	}

	if err := o.prefetch(ctx, meta, task, state); err != nil {
		return Failed(err)
	}

	handler, err := o.loader.Get(meta.Name)
	if err != nil {
		return Failed(err)
	}

	logger := o.logger.With(zap.String("task_id", task.ID), zap.String("tool", meta.Name))
	c := tool.NewContext(task, state, o.invokers(meta), logger)

	result, err := handler.Execute(ctx, c)
	if err != nil {
		if s, ok := tool.AsSuspension(err); ok {
			return Suspended(s)
		}
		return Failed(err)
	}
	return Done(result)
}

// prefetch resolves the descriptor's state references that are not settled yet
func (o *Orchestrator) prefetch(ctx context.Context, meta *model.ToolMetadata, task *model.Task, state model.State) error {
	for key, location := range meta.State {
		if state.Resolved(key) {
			continue
		}
		if o.lookup == nil {
			return fmt.Errorf("%w: %s needs %s", ErrNoLookup, meta.Name, location)
		}

		raw, err := o.lookup.Get(ctx, location, task.Requester)
		if err != nil {
			return fmt.Errorf("failed to resolve state %s from %s: %w", key, location, err)
		}
		state[key] = model.ValueEntry(raw)
	}
	return nil
}

// invokers builds the alias table of a descriptor's sub-tools. Registered
// inline tools with a loadable handler run in-process; the rest become child tasks.
func (o *Orchestrator) invokers(meta *model.ToolMetadata) map[string]tool.Invoker {
	invokers := make(map[string]tool.Invoker, len(meta.Tools))
	for alias, name := range meta.Tools {
		sub, ok := o.catalog.Lookup(name)
		if !ok {
			invokers[alias] = tool.Deferred(name, "")
			continue
		}
		if !sub.Inline || !o.loader.Has(name) {
			invokers[alias] = tool.Deferred(name, sub.Type)
			continue
		}

		inline := o.inline(sub)
		invokers[alias] = func(data any) tool.Call {
			return tool.Call{Target: sub.Name, Type: sub.Type, Data: data, Inline: inline}
		}
	}
	return invokers
}

func (o *Orchestrator) inline(meta *model.ToolMetadata) tool.Tool {
	return tool.Func(func(ctx context.Context, c *tool.Context) (any, error) {
		out := o.Execute(ctx, meta, c.Task, c.State)
		switch out.Kind {
		case OutcomeDone:
			return out.Result, nil
		case OutcomeSuspended:
			return nil, out.Suspension
		default:
			return nil, out.Err
		}
	})
}

// apply persists an outcome and emits the matching lifecycle event
func (o *Orchestrator) apply(ctx context.Context, meta *model.ToolMetadata, task *model.Task, out Outcome) error {
	switch out.Kind {
	case OutcomeDone:
		if err := o.store.Finished(ctx, task, out.Result); err != nil {
			return fmt.Errorf("failed to record result: %w", err)
		}
		o.finished.Add(1)
		o.logger.Info("Task finished", zap.String("task_id", task.ID), zap.String("tool", meta.Name))
		o.emitter.Emit(events.Event{Kind: events.KindFinished, Task: task, Tool: meta.Name})

	case OutcomeSuspended:
		child := out.Suspension.Child
		o.blocked.Add(1)
		o.logger.Info("Task blocked",
			zap.String("task_id", task.ID),
			zap.String("key", out.Suspension.Key),
			zap.String("child_id", child.ID))
		// blocked goes out before the child exists so it precedes the child's events
		o.emitter.Emit(events.Event{Kind: events.KindBlocked, Task: task, Child: child, Tool: meta.Name})

		if err := o.store.Add(ctx, child); err != nil {
			if errors.Is(err, model.ErrTaskExists) {
				o.logger.Debug("Child already pending", zap.String("child_id", child.ID))
				return nil
			}
			return fmt.Errorf("failed to add child task: %w", err)
		}

	case OutcomeFailed:
		taskErr := &model.TaskError{Message: out.Err.Error(), Tool: meta.Name}
		if err := o.store.Failed(ctx, task, taskErr); err != nil {
			return fmt.Errorf("failed to record error: %w", err)
		}
		o.failed.Add(1)
		o.logger.Error("Task failed",
			zap.String("task_id", task.ID),
			zap.String("tool", meta.Name),
			zap.Error(out.Err))
		o.emitter.Emit(events.Event{Kind: events.KindFailed, Task: task, Tool: meta.Name, Error: taskErr})
	}
	return nil
}

func (o *Orchestrator) recordStart(ctx context.Context, meta *model.ToolMetadata, task *model.Task) *storage.ExecutionRecord {
	if o.history == nil {
		return nil
	}

	record := &storage.ExecutionRecord{
		ID:        uuid.New().String(),
		TaskID:    task.ID,
		Tool:      meta.Name,
		Outcome:   storage.OutcomeRunning,
		StartedAt: time.Now(),
	}
	if err := o.history.Store(ctx, record); err != nil {
		o.logger.Error("Failed to store execution record", zap.String("task_id", task.ID), zap.Error(err))
		return nil
	}
	return record
}

func (o *Orchestrator) recordOutcome(ctx context.Context, record *storage.ExecutionRecord, out Outcome) {
	if record == nil {
		return
	}

	completed := time.Now()
	record.Outcome = out.historyOutcome()
	record.CompletedAt = &completed
	record.Duration = completed.Sub(record.StartedAt)

	switch out.Kind {
	case OutcomeDone:
		if raw, err := json.Marshal(out.Result); err == nil {
			record.Result = raw
		}
	case OutcomeSuspended:
		record.ChildID = out.Suspension.Child.ID
	case OutcomeFailed:
		record.Error = out.Err.Error()
	}

	if err := o.history.Update(ctx, record); err != nil {
		o.logger.Error("Failed to update execution record", zap.String("task_id", record.TaskID), zap.Error(err))
	}
}
