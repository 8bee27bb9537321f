package orchestrator

import (
	"fmt"
	"strings"

	"github.com/t77yq/animus/internal/model"
)

// Catalog answers capability lookups
type Catalog interface {
	Lookup(name string) (*model.ToolMetadata, bool)
	All() []*model.ToolMetadata
}

// Candidates returns every descriptor that could serve task.
// A qualified target is looked up directly and bypasses the other checks.
func Candidates(catalog Catalog, task *model.Task) []*model.ToolMetadata {
	if task.HasQualifiedTarget() {
		if meta, ok := catalog.Lookup(task.Target); ok {
			return []*model.ToolMetadata{meta}
		}
		return nil
	}

	var matches []*model.ToolMetadata
	for _, meta := range catalog.All() {
		if meta.Type != task.Type {
			continue
		}
		if task.Target != "" && !strings.HasPrefix(meta.Name, task.Target) {
			continue
		}
		if !meta.AcceptsRequest(task.RequestFormat) || !meta.ProducesResponse(task.ResponseFormat) {
			continue
		}
		matches = append(matches, meta)
	}
	return matches
}

// Match returns the single descriptor serving task
func Match(catalog Catalog, task *model.Task) (*model.ToolMetadata, error) {
	matches := Candidates(catalog, task)
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s (type %q, target %q)", ErrNoMatch, task.ID, task.Type, task.Target)
	case 1:
		return matches[0], nil
	}

	names := make([]string, len(matches))
	for i, meta := range matches {
		names[i] = meta.Name
	}
	return nil, fmt.Errorf("%w: %s matches %s", ErrAmbiguousMatch, task.ID, strings.Join(names, ", "))
}

// MatchStrict is Match with "not exactly one" reported as a plain miss
func MatchStrict(catalog Catalog, task *model.Task) (*model.ToolMetadata, bool) {
	meta, err := Match(catalog, task)
	return meta, err == nil
}
