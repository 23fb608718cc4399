// Package annotation defines the annotation value type and its target
// encoding. Annotations are immutable by convention: every modification
// goes through a clone-with-changed-fields helper, never in-place
// mutation, so values can safely cross API and event boundaries.
package annotation

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind distinguishes committed annotations from in-progress drafts.
type Kind string

const (
	// KindAnnotation is a committed annotation.
	KindAnnotation Kind = "Annotation"
	// KindSelection is a draft still under construction; it becomes a
	// committed annotation only through ToAnnotation.
	KindSelection Kind = "Selection"
)

// Body is a single content body attached to an annotation, typically a
// comment or a tag.
type Body struct {
	Type    string `json:"type,omitempty"`
	Purpose string `json:"purpose,omitempty"`
	Value   string `json:"value"`
}

// Annotation is a committed or draft annotation anchored to a target
// region of the annotated surface.
type Annotation struct {
	ID       string `json:"id,omitempty"`
	Kind     Kind   `json:"type"`
	Bodies   []Body `json:"body,omitempty"`
	Target   Target `json:"target"`
	ReadOnly bool   `json:"readOnly,omitempty"`
}

// NewDraft creates a draft annotation for the given target. Drafts have
// no identifier until promoted.
func NewDraft(target Target) Annotation {
	return Annotation{Kind: KindSelection, Target: target}
}

// IsDraft reports whether the annotation is still an unpromoted draft.
func (a Annotation) IsDraft() bool { return a.Kind == KindSelection }

// Clone returns a structurally independent copy of the annotation.
func (a Annotation) Clone() Annotation {
	out := a
	out.Target = a.Target.Clone()
	if a.Bodies != nil {
		out.Bodies = make([]Body, len(a.Bodies))
		copy(out.Bodies, a.Bodies)
	}
	return out
}

// WithID returns a copy of the annotation with the identifier replaced.
func (a Annotation) WithID(id string) Annotation {
	out := a.Clone()
	out.ID = id
	return out
}

// WithTarget returns a copy of the annotation with the target replaced.
func (a Annotation) WithTarget(t Target) Annotation {
	out := a.Clone()
	out.Target = t.Clone()
	return out
}

// WithBodies returns a copy of the annotation with the bodies replaced.
func (a Annotation) WithBodies(bodies ...Body) Annotation {
	out := a.Clone()
	out.Bodies = make([]Body, len(bodies))
	copy(out.Bodies, bodies)
	return out
}

// WithReadOnly returns a copy of the annotation with the read-only flag set.
func (a Annotation) WithReadOnly(ro bool) Annotation {
	out := a.Clone()
	out.ReadOnly = ro
	return out
}

// ToAnnotation promotes a draft to a committed annotation, assigning a
// fresh identifier if the draft has none. Promoting a committed
// annotation returns an unchanged clone.
func (a Annotation) ToAnnotation() Annotation {
	out := a.Clone()
	out.Kind = KindAnnotation
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	return out
}

// Equal reports whether two annotations are structurally identical.
func (a Annotation) Equal(other Annotation) bool {
	if a.ID != other.ID || a.Kind != other.Kind || a.ReadOnly != other.ReadOnly {
		return false
	}
	if !a.Target.Equal(other.Target) {
		return false
	}
	if len(a.Bodies) != len(other.Bodies) {
		return false
	}
	for i := range a.Bodies {
		if a.Bodies[i] != other.Bodies[i] {
			return false
		}
	}
	return true
}

// SameIdentity reports whether two annotations refer to the same
// underlying annotation. Identified annotations compare by ID; drafts
// without identifiers compare structurally.
func (a Annotation) SameIdentity(other Annotation) bool {
	if a.ID != "" && other.ID != "" {
		return a.ID == other.ID
	}
	return a.Equal(other)
}

// Validate checks structural well-formedness: a known kind and a
// parseable target selector. It performs no semantic geometry checks.
func (a Annotation) Validate() error {
	switch a.Kind {
	case KindAnnotation, KindSelection:
	default:
		return fmt.Errorf("annotation %q: unknown kind %q", a.ID, a.Kind)
	}
	if _, err := a.Target.Shape(); err != nil {
		return fmt.Errorf("annotation %q: %w", a.ID, err)
	}
	return nil
}
