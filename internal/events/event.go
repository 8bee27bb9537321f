// Package events carries task lifecycle notifications between the task store,
// the orchestrator and optional out-of-process subscribers.
package events

import (
	"sync"
	"time"

	"github.com/t77yq/animus/internal/model"
)

// Kind identifies a lifecycle event
type Kind string

const (
	// Emitted by the task store
	KindAdded     Kind = "added"
	KindUnblocked Kind = "unblocked"

	// Emitted by the orchestrator
	KindStarted  Kind = "started"
	KindFinished Kind = "finished"
	KindBlocked  Kind = "blocked"
	KindFailed   Kind = "failed"
)

// Event is a single lifecycle notification
type Event struct {
	Kind  Kind             `json:"kind"`
	Task  *model.Task      `json:"task"`
	State model.State      `json:"state,omitempty"`
	Child *model.Task      `json:"child,omitempty"`
	Tool  string           `json:"tool,omitempty"`
	Error *model.TaskError `json:"error,omitempty"`
	Time  time.Time        `json:"time"`
}

// Handler receives events. Handlers run on the emitting goroutine and must not block.
type Handler func(Event)

// Emitter fans events out to subscribed handlers
type Emitter struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
}

// NewEmitter creates an emitter with no subscribers
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[int]Handler)}
}

// Subscribe registers h and returns a function that removes it
func (e *Emitter) Subscribe(h Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	e.handlers[id] = h

	return func() {
		e.mu.Lock()
		delete(e.handlers, id)
		e.mu.Unlock()
	}
}

// Emit stamps the event and delivers it to every handler
func (e *Emitter) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	e.mu.RLock()
	handlers := make([]Handler, 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
