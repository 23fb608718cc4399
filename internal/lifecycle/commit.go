package lifecycle

import (
	"annotd/internal/layer"
	"annotd/pkg/annotation"
)

// State is the controller's working state. Element, ModifiedTarget and
// Baseline are only meaningful while Selected is set; clearState resets
// all of them together.
type State struct {
	// Selected is the annotation currently under interaction.
	Selected *annotation.Annotation
	// Element is the layer object rendering the selection.
	Element layer.Element
	// ModifiedTarget is a pending geometry change not yet merged into
	// the selection.
	ModifiedTarget *annotation.Target
	// Baseline snapshots the annotation as it stood before the first
	// headless programmatic edit, so the eventual commit can report an
	// accurate previous value.
	Baseline *annotation.Annotation
}

// HasSelection reports whether an annotation is open.
func (s State) HasSelection() bool { return s.Selected != nil }

// commitKind classifies what a commit resolves to.
type commitKind int

const (
	// commitNone: no selection, the operation is a defined no-op.
	commitNone commitKind = iota
	// commitCreate: the selection is a draft and commits as a creation.
	commitCreate
	// commitUpdate: the selection is committed and commits as an update.
	commitUpdate
	// commitCancel: nothing actually changed; the commit degrades to a
	// cancellation to avoid a spurious no-op update.
	commitCancel
)

// commitPlan is the pure outcome of a commit decision: what to do, the
// value to land and, for updates, the previous value to report.
type commitPlan struct {
	kind     commitKind
	result   annotation.Annotation
	previous annotation.Annotation
}

// planCommit decides the outcome of a save for the given state.
//
// supplied is the full annotation provided by the editor surface or by
// UpdateSelected; it wins over any pending target merge. With no
// supplied value the result is the selection merged with the pending
// target, or the selection as-is.
func planCommit(headless bool, s State, supplied *annotation.Annotation) commitPlan {
	if s.Selected == nil {
		return commitPlan{kind: commitNone}
	}

	var result annotation.Annotation
	switch {
	case supplied != nil:
		result = supplied.Clone()
	case s.ModifiedTarget != nil:
		result = s.Selected.WithTarget(*s.ModifiedTarget)
	default:
		result = s.Selected.Clone()
	}

	if s.Selected.IsDraft() {
		return commitPlan{kind: commitCreate, result: result.ToAnnotation()}
	}

	// Headless commits are implicit (selection switches); when nothing
	// changed there is nothing to save.
	if headless && supplied == nil && s.ModifiedTarget == nil && s.Baseline == nil {
		return commitPlan{kind: commitCancel, result: s.Selected.Clone()}
	}

	var previous annotation.Annotation
	if s.Baseline != nil {
		previous = s.Baseline.Clone()
	} else {
		previous = s.Selected.Clone()
	}
	return commitPlan{kind: commitUpdate, result: result, previous: previous}
}
