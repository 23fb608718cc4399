// Package layer owns the annotation registry and its interaction
// surface: hit-testing, selection bookkeeping and drawing tools. The
// lifecycle controller drives a Layer through commands and receives
// interaction events through the Sink it registers.
package layer

import (
	"errors"
	"image"

	"annotd/pkg/annotation"
	"annotd/pkg/shape"
)

var (
	// ErrNotFound is returned when an annotation id is not registered.
	ErrNotFound = errors.New("annotation not found")
	// ErrDuplicateID is returned when an id is already registered.
	ErrDuplicateID = errors.New("duplicate annotation id")
	// ErrDraft is returned when an unpromoted draft is offered to the
	// committed registry.
	ErrDraft = errors.New("draft annotation cannot be stored")
	// ErrUnknownTool is returned for unregistered drawing tool names.
	ErrUnknownTool = errors.New("unknown drawing tool")
	// ErrNoSelection is returned by operations that need an open selection.
	ErrNoSelection = errors.New("no selection")
	// ErrNoImage is returned when no source image is configured.
	ErrNoImage = errors.New("no source image configured")
	// ErrDestroyed is returned by commands issued after Destroy.
	ErrDestroyed = errors.New("layer destroyed")
)

// Element is the opaque handle to the visual element backing an
// annotation or draft. Editor surfaces position themselves from it;
// snippets crop by it.
type Element interface {
	AnnotationID() string
	Bounds() shape.Rect
}

// Selection is the payload of a select notification. A nil Annotation
// means the surface was deselected. SkipEvent requests that no public
// selection event is fired (silent programmatic reselection).
type Selection struct {
	Annotation *annotation.Annotation
	Element    Element
	SkipEvent  bool
}

// Sink receives interaction events emitted by a Layer. The lifecycle
// controller implements it. Implementations may call back into the
// emitting Layer; the Layer never holds internal locks across Sink calls.
type Sink interface {
	HandleSelect(sel Selection)
	HandleUpdateTarget(el Element, target annotation.Target)
	HandleHoverEnter(a annotation.Annotation)
	HandleHoverLeave(a annotation.Annotation)
}

// Layer is the annotation layer contract: the authoritative registry of
// committed annotations plus the command surface the controller and
// facade drive.
type Layer interface {
	// Init replaces the registry content. It clears any selection and
	// emits nothing.
	Init(list []annotation.Annotation) error
	// AddOrUpdate upserts a committed annotation. When previous carries
	// a different id, the entry under the old id is replaced.
	AddOrUpdate(a annotation.Annotation, previous *annotation.Annotation) error
	// Remove deletes an annotation by id.
	Remove(id string) error
	// OverrideID rebinds an annotation to a new identifier in place.
	OverrideID(oldID, newID string) error
	// Select marks an annotation as selected and notifies the Sink.
	Select(id string, skipEvent bool) error
	// Deselect clears the selection without notifying the Sink. Idempotent.
	Deselect()

	Annotations() []annotation.Annotation
	Get(id string) (annotation.Annotation, bool)
	Selected() (annotation.Annotation, bool)
	SelectedElement() Element

	// Snippet extracts the image region under the current selection.
	Snippet() (image.Image, error)

	SetTool(name string) error
	AddTool(t Tool) error
	Tools() []string

	SetVisible(visible bool)
	Visible() bool

	// Destroy releases the layer; further interaction is ignored.
	Destroy()
}
