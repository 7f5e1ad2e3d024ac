package provision

import (
	"github.com/sidkik/provision/pkg/content"
	"github.com/sidkik/provision/pkg/instruction"
)

// State is the progress of a unit instruction through an operation.
type State int

const (
	// Pending units haven't been looked at yet.
	Pending State = iota
	// ConditionsChecked units passed their version and extra conditions.
	ConditionsChecked
	// ContentApplied units had all of their items applied or skipped.
	ContentApplied
	// Skipped units were already in the desired state.
	Skipped
	// Failed units caused the operation to fail.
	Failed
	// Committed units were recorded in the environment.
	Committed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case ConditionsChecked:
		return "conditions checked"
	case ContentApplied:
		return "content applied"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	case Committed:
		return "committed"
	default:
		return "unknown"
	}
}

// UnitResult describes what happened to a single unit.
type UnitResult struct {
	Name  string
	Kind  instruction.UnitKind
	State State

	// Changed are the paths that were mutated, or that would be mutated when
	// checking.
	Changed []content.Path

	// Unchanged are the paths that were already in the desired state, or
	// whose conflicts were ignored by policy.
	Unchanged []content.Path
}

// Result describes the outcome of an operation.
type Result struct {
	// Entry is the ID of the history entry that was pushed or popped. It's
	// empty when the operation didn't change anything.
	Entry string

	Units []UnitResult

	// TaskErrors are the errors returned by post-apply tasks. Tasks run after
	// the apply commits, so they don't cause it to fail.
	TaskErrors []error
}

// Unit returns the result for the named unit.
func (r Result) Unit(name string) (UnitResult, bool) {
	for _, u := range r.Units {
		if u.Name == name {
			return u, true
		}
	}
	return UnitResult{}, false
}

// Changed returns the number of paths that were changed.
func (r Result) Changed() int {
	var n int
	for _, u := range r.Units {
		n += len(u.Changed)
	}
	return n
}
