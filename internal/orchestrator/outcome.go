package orchestrator

import (
	"github.com/t77yq/animus/internal/storage"
	"github.com/t77yq/animus/internal/tool"
)

// OutcomeKind tags an Outcome
type OutcomeKind int

const (
	OutcomeDone OutcomeKind = iota
	OutcomeSuspended
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeDone:
		return "done"
	case OutcomeSuspended:
		return "suspended"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// Outcome is the result of one execution attempt. Exactly one of Result,
// Suspension or Err is meaningful, selected by Kind.
type Outcome struct {
	Kind       OutcomeKind
	Result     any
	Suspension *tool.Suspension
	Err        error
}

// Done wraps a tool result
func Done(result any) Outcome {
	return Outcome{Kind: OutcomeDone, Result: result}
}

// Suspended wraps a pending dependency
func Suspended(s *tool.Suspension) Outcome {
	return Outcome{Kind: OutcomeSuspended, Suspension: s}
}

// Failed wraps a fatal error
func Failed(err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err}
}

func (o Outcome) historyOutcome() storage.ExecutionOutcome {
	switch o.Kind {
	case OutcomeDone:
		return storage.OutcomeDone
	case OutcomeSuspended:
		return storage.OutcomeSuspended
	default:
		return storage.OutcomeFailed
	}
}
