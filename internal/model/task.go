package model

import (
	"encoding/json"
	"strings"
)

// TaskStatus represents the materialized status of a task. The task store
// derives pending, blocked, complete and failed from artifacts on disk;
// in-progress only exists while an orchestrator has an attempt in flight.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in-progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusComplete   TaskStatus = "complete"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether no further execution happens in this status
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusComplete || s == TaskStatusFailed
}

// IDSeparator separates a parent task id from a child key
const IDSeparator = "/"

// Task represents a unit of requested work
type Task struct {
	Context        string            `json:"@context,omitempty"`
	Type           string            `json:"@type,omitempty"`
	ID             string            `json:"id" validate:"required"`
	ParentID       string            `json:"parentId,omitempty"`
	Requester      string            `json:"requester,omitempty"`
	Description    string            `json:"description,omitempty"`
	Target         string            `json:"target,omitempty"`
	RequestFormat  map[string]string `json:"requestFormat,omitempty"`
	ResponseFormat map[string]string `json:"responseFormat,omitempty"`
	Data           json.RawMessage   `json:"data,omitempty"`
}

// ChildID returns the id of the child task that resolves key for parentID
func ChildID(parentID, key string) string {
	return parentID + IDSeparator + key
}

// Key returns the last segment of the task id
func (t *Task) Key() string {
	if i := strings.LastIndex(t.ID, IDSeparator); i >= 0 {
		return t.ID[i+1:]
	}
	return t.ID
}

// HasQualifiedTarget reports whether the target names a single tool (owner/tool)
func (t *Task) HasQualifiedTarget() bool {
	return strings.Contains(t.Target, IDSeparator)
}

// DecodeData unmarshals the task payload into v
func (t *Task) DecodeData(v any) error {
	if len(t.Data) == 0 {
		return ErrEmptyPayload
	}
	return json.Unmarshal(t.Data, v)
}

// Clone returns a deep copy of the task
func (t *Task) Clone() *Task {
	c := *t
	c.RequestFormat = cloneFormat(t.RequestFormat)
	c.ResponseFormat = cloneFormat(t.ResponseFormat)
	if t.Data != nil {
		c.Data = append(json.RawMessage(nil), t.Data...)
	}
	return &c
}

func cloneFormat(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// TaskError is the payload persisted as a task's error artifact
type TaskError struct {
	Message string `json:"message"`
	Tool    string `json:"tool,omitempty"`
}

func (e *TaskError) Error() string {
	if e.Tool != "" {
		return e.Tool + ": " + e.Message
	}
	return e.Message
}
