package annotator

import (
	"annotd/internal/editor"
	"annotd/internal/events"
)

// Aliases re-export the event and editor vocabulary so embedders never
// import internal packages.
type (
	// Event is a lifecycle notification. Payloads are deep-cloned per
	// handler and safe to retain or mutate.
	Event = events.Event
	// EventType discriminates lifecycle notifications.
	EventType = events.Type
	// Handler consumes lifecycle notifications.
	Handler = events.Handler

	// EditorProps is the state handed to an editor surface.
	EditorProps = editor.Props
	// EditorSurface renders the editing UI for the open selection.
	EditorSurface = editor.Surface
	// EditorActions are the controller-side handlers for surface
	// actions.
	EditorActions = editor.Actions
)

// Lifecycle event types.
const (
	SelectionCreated   = events.SelectionCreated
	SelectionOpened    = events.SelectionOpened
	SelectionCancelled = events.SelectionCancelled
	TargetChanged      = events.TargetChanged
	AnnotationCreated  = events.AnnotationCreated
	AnnotationUpdated  = events.AnnotationUpdated
	AnnotationDeleted  = events.AnnotationDeleted
	HoverEnter         = events.HoverEnter
	HoverLeave         = events.HoverLeave
)

// ParseEventType resolves a wire name like "annotation.created" to its
// event type.
func ParseEventType(name string) (EventType, bool) { return events.ParseType(name) }

// On registers a handler for one event type and returns its
// unsubscribe function.
func (a *Annotator) On(t EventType, h Handler) func() { return a.bus.On(t, h) }

// OnAny registers a handler for every event type and returns its
// unsubscribe function.
func (a *Annotator) OnAny(h Handler) func() { return a.bus.OnAny(h) }
