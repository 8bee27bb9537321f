package model

import "sort"

// ToolMetadata is the capability descriptor of a registered tool
type ToolMetadata struct {
	Context        string            `json:"@context,omitempty" yaml:"@context,omitempty"`
	Type           string            `json:"@type" yaml:"@type" validate:"required"`
	Name           string            `json:"name" yaml:"name" validate:"required"`
	Description    string            `json:"description,omitempty" yaml:"description,omitempty"`
	RequestFormat  map[string]string `json:"requestFormat,omitempty" yaml:"requestFormat,omitempty"`
	ResponseFormat map[string]string `json:"responseFormat,omitempty" yaml:"responseFormat,omitempty"`

	// State maps a local state key to an external data path fetched before execution
	State map[string]string `json:"state,omitempty" yaml:"state,omitempty"`

	// Tools maps a local alias to the fully qualified name of a sub-capability
	Tools map[string]string `json:"tools,omitempty" yaml:"tools,omitempty"`

	// Inline tools run inside the caller's execution instead of as a child task
	Inline bool `json:"inline,omitempty" yaml:"inline,omitempty"`

	RequestFormats  []string `json:"-" yaml:"-"`
	ResponseFormats []string `json:"-" yaml:"-"`
}

// Flatten derives the request/response format tag lists used for matching
func (m *ToolMetadata) Flatten() {
	m.RequestFormats = formatTags(m.RequestFormat)
	m.ResponseFormats = formatTags(m.ResponseFormat)
}

// AcceptsRequest reports whether every tag in format is an accepted request format
func (m *ToolMetadata) AcceptsRequest(format map[string]string) bool {
	return containsAll(m.RequestFormats, format)
}

// ProducesResponse reports whether every tag in format is a produced response format
func (m *ToolMetadata) ProducesResponse(format map[string]string) bool {
	return containsAll(m.ResponseFormats, format)
}

func formatTags(format map[string]string) []string {
	if len(format) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(format))
	tags := make([]string, 0, len(format))
	for _, tag := range format {
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func containsAll(tags []string, format map[string]string) bool {
	for _, want := range format {
		i := sort.SearchStrings(tags, want)
		if i >= len(tags) || tags[i] != want {
			return false
		}
	}
	return true
}
