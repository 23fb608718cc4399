// Package events carries the public annotation lifecycle events from the
// controller to consumer callbacks.
//
// Dispatch is synchronous and in registration order: transition ordering
// guarantees (finalize events before new-selection events) rely on
// handlers running to completion on the emitting goroutine. Every handler
// receives its own deep-cloned annotation payloads, so consumers can
// never observe or cause mutation through a shared reference.
package events

import (
	"sync"

	"annotd/pkg/annotation"
)

// Type identifies a lifecycle event.
type Type int

const (
	// SelectionCreated fires when a new draft selection is opened.
	SelectionCreated Type = iota
	// SelectionOpened fires when an existing annotation is selected.
	SelectionOpened
	// SelectionCancelled fires when a selection is discarded.
	SelectionCancelled
	// TargetChanged fires on every pending target edit of the open selection.
	TargetChanged
	// AnnotationCreated fires when a draft is committed.
	AnnotationCreated
	// AnnotationUpdated fires when a committed annotation is changed.
	AnnotationUpdated
	// AnnotationDeleted fires when an annotation is removed.
	AnnotationDeleted
	// HoverEnter fires when the pointer enters an annotation.
	HoverEnter
	// HoverLeave fires when the pointer leaves an annotation.
	HoverLeave
)

var typeNames = map[Type]string{
	SelectionCreated:   "selection.created",
	SelectionOpened:    "selection.opened",
	SelectionCancelled: "selection.cancelled",
	TargetChanged:      "target.changed",
	AnnotationCreated:  "annotation.created",
	AnnotationUpdated:  "annotation.updated",
	AnnotationDeleted:  "annotation.deleted",
	HoverEnter:         "hover.enter",
	HoverLeave:         "hover.leave",
}

// String returns the event's wire name.
func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "unknown"
}

// ParseType resolves a wire name back to a Type.
func ParseType(name string) (Type, bool) {
	for t, n := range typeNames {
		if n == name {
			return t, true
		}
	}
	return 0, false
}

// Event is a single lifecycle notification.
type Event struct {
	Type       Type
	Annotation annotation.Annotation
	// Previous carries the pre-change value on AnnotationUpdated.
	Previous *annotation.Annotation
	// Target carries the pending target on TargetChanged.
	Target *annotation.Target
	// OverrideID is set on AnnotationCreated and lets the consumer
	// retroactively replace the generated identifier.
	OverrideID func(newID string) error
}

// Handler consumes events.
type Handler func(Event)

// anyType subscribes a handler to every event type.
const anyType Type = -1

type subscription struct {
	id  int
	typ Type
	fn  Handler
}

// Bus is a synchronous event dispatcher.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// On registers a handler for one event type and returns its
// unsubscribe function.
func (b *Bus) On(t Type, fn Handler) func() {
	return b.subscribe(t, fn)
}

// OnAny registers a handler for every event type.
func (b *Bus) OnAny(fn Handler) func() {
	return b.subscribe(anyType, fn)
}

func (b *Bus) subscribe(t Type, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, typ: t, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit dispatches the event to all matching handlers in registration
// order. Payloads are cloned per handler.
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	matched := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.typ == anyType || s.typ == e.Type {
			matched = append(matched, s.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range matched {
		fn(cloneEvent(e))
	}
}

func cloneEvent(e Event) Event {
	out := e
	out.Annotation = e.Annotation.Clone()
	if e.Previous != nil {
		prev := e.Previous.Clone()
		out.Previous = &prev
	}
	if e.Target != nil {
		tgt := e.Target.Clone()
		out.Target = &tgt
	}
	return out
}
