package model

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Entry is a settled state value. Error is set when the child task failed.
type Entry struct {
	Value json.RawMessage `json:"value,omitempty"`
	Error *TaskError      `json:"error,omitempty"`
}

// Failed reports whether the entry was settled by an error artifact
func (e *Entry) Failed() bool {
	return e != nil && e.Error != nil
}

// ValueEntry wraps raw JSON as a resolved entry
func ValueEntry(raw json.RawMessage) *Entry {
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return &Entry{Value: raw}
}

// State maps a dependency key to its entry. A nil entry is pending.
type State map[string]*Entry

// Pending returns the sorted keys that have not settled
func (s State) Pending() []string {
	var keys []string
	for k, v := range s {
		if v == nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Blocked reports whether any key is still pending
func (s State) Blocked() bool {
	for _, v := range s {
		if v == nil {
			return true
		}
	}
	return false
}

// Resolved reports whether key has settled, either with a value or an error
func (s State) Resolved(key string) bool {
	return s[key] != nil
}

// Decode unmarshals the value stored under key into v
func (s State) Decode(key string, v any) error {
	e := s[key]
	if e == nil {
		return fmt.Errorf("%w: %s", ErrStateKeyPending, key)
	}
	if e.Error != nil {
		return fmt.Errorf("%w: %s: %s", ErrStateKeyFailed, key, e.Error.Message)
	}
	return json.Unmarshal(e.Value, v)
}

// Set stores v under key as a resolved value
func (s State) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal state %s: %w", key, err)
	}
	s[key] = ValueEntry(raw)
	return nil
}

// Clone returns a shallow copy; entries are treated as immutable
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
