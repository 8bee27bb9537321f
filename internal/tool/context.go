package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/animus/internal/model"
)

// Call describes the child task that would resolve a state key
type Call struct {
	Target         string            `json:"target,omitempty"`
	Type           string            `json:"@type,omitempty"`
	Description    string            `json:"description,omitempty"`
	RequestFormat  map[string]string `json:"requestFormat,omitempty"`
	ResponseFormat map[string]string `json:"responseFormat,omitempty"`
	Data           any               `json:"data,omitempty"`

	// Inline, when set, resolves the call in-process instead of creating a child
	Inline Tool `json:"-"`
}

// Invoker turns sub-tool input into a call
type Invoker func(data any) Call

// Deferred returns an invoker that always yields a child task for target
func Deferred(target, typ string) Invoker {
	return func(data any) Call {
		return Call{Target: target, Type: typ, Data: data}
	}
}

// Suspension signals that a task cannot finish until Child resolves Key
type Suspension struct {
	Key   string
	Child *model.Task
}

func (s *Suspension) Error() string {
	return fmt.Sprintf("suspended on %s (child %s)", s.Key, s.Child.ID)
}

// AsSuspension extracts a suspension from an error chain
func AsSuspension(err error) (*Suspension, bool) {
	var s *Suspension
	if errors.As(err, &s) {
		return s, true
	}
	return nil, false
}

// Context is the per-invocation view a tool executes against. It is built
// fresh for every execution attempt and discarded afterwards.
type Context struct {
	Task   *model.Task
	State  model.State
	Tools  map[string]Invoker
	Logger *zap.Logger

	suspension *Suspension
}

// NewContext creates an execution context. A nil state is treated as empty.
func NewContext(task *model.Task, state model.State, tools map[string]Invoker, logger *zap.Logger) *Context {
	if state == nil {
		state = model.State{}
	}
	if tools == nil {
		tools = map[string]Invoker{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Context{
		Task:   task,
		State:  state,
		Tools:  tools,
		Logger: logger,
	}
}

// Invoke builds the call for a declared sub-tool alias
func (c *Context) Invoke(alias string, data any) (Call, error) {
	inv, ok := c.Tools[alias]
	if !ok {
		return Call{}, fmt.Errorf("%w: %s", ErrUnknownAlias, alias)
	}
	return inv(data), nil
}

// Request makes sure key is resolved in the state before the tool continues.
//
// A resolved key returns nil so replays are no-ops. A key whose child failed
// returns ErrDependencyFailed. Inline calls are executed immediately and their
// result stored under key. Anything else returns a *Suspension carrying the
// child task; further unresolved requests in the same context return that
// same suspension.
func (c *Context) Request(ctx context.Context, key string, call Call) error {
	if entry := c.State[key]; entry != nil {
		if entry.Failed() {
			return fmt.Errorf("%w: %s: %s", ErrDependencyFailed, key, entry.Error.Message)
		}
		return nil
	}

	if c.suspension != nil {
		return c.suspension
	}

	child, err := c.child(key, call)
	if err != nil {
		return err
	}

	if call.Inline != nil {
		result, err := call.Inline.Execute(ctx, NewContext(child, nil, nil, c.Logger))
		switch {
		case err == nil:
			if err := c.State.Set(key, result); err != nil {
				return err
			}
			c.Logger.Debug("Resolved inline dependency",
				zap.String("task_id", c.Task.ID),
				zap.String("key", key),
				zap.String("tool", call.Target))
			return nil
		case isSuspension(err):
			// The inline tool has its own dependencies; run it as a durable child
		default:
			return fmt.Errorf("inline %s for %s failed: %w", call.Target, key, err)
		}
	}

	c.suspension = &Suspension{Key: key, Child: child}
	return c.suspension
}

// Suspended returns the suspension raised in this context, if any
func (c *Context) Suspended() *Suspension {
	return c.suspension
}

func (c *Context) child(key string, call Call) (*model.Task, error) {
	if key == "" || strings.Contains(key, model.IDSeparator) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	child := &model.Task{
		Context:        c.Task.Context,
		Type:           call.Type,
		ID:             model.ChildID(c.Task.ID, key),
		ParentID:       c.Task.ID,
		Requester:      c.Task.Requester,
		Description:    call.Description,
		Target:         call.Target,
		RequestFormat:  call.RequestFormat,
		ResponseFormat: call.ResponseFormat,
	}
	if err := model.ValidateTaskID(child.ID); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidKey, key, err)
	}

	if call.Data != nil {
		data, err := json.Marshal(call.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request data for %s: %w", key, err)
		}
		child.Data = data
	}
	return child, nil
}

func isSuspension(err error) bool {
	_, ok := AsSuspension(err)
	return ok
}
