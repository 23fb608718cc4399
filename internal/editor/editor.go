// Package editor defines the editor surface contract: the form UI shown
// for the open selection when the annotator is not headless. Concrete
// surfaces live with their shells (the gio client renders one); the
// Recorder here backs tests and the daemon's introspection.
package editor

import (
	"sync"

	"annotd/internal/layer"
	"annotd/pkg/annotation"
)

// Props is everything a surface needs to render the open selection.
type Props struct {
	Annotation annotation.Annotation
	// ModifiedTarget is the pending, uncommitted geometry change, if any.
	ModifiedTarget *annotation.Target
	// Element is the visual element the surface positions itself against.
	Element layer.Element
	// ReadOnly disables the mutating actions.
	ReadOnly bool
}

// Clone returns a structurally independent copy of the props.
func (p Props) Clone() Props {
	out := p
	out.Annotation = p.Annotation.Clone()
	if p.ModifiedTarget != nil {
		t := p.ModifiedTarget.Clone()
		out.ModifiedTarget = &t
	}
	return out
}

// ReadOnlyFor computes the effective read-only flag for a selection:
// the global configuration wins, otherwise the annotation's own flag.
func ReadOnlyFor(global bool, a annotation.Annotation) bool {
	return global || a.ReadOnly
}

// Actions are the user operations a surface forwards back into the
// lifecycle controller.
type Actions interface {
	// Save commits the surface's edited annotation (create or update).
	Save(updated annotation.Annotation) error
	// Delete removes the open selection.
	Delete() error
	// Cancel discards pending edits and closes the selection.
	Cancel() error
}

// Surface is a form UI bound to the open selection. The controller
// calls Open when a selection appears, Update when its props change and
// Close when the selection is finalized. Calls arrive on the
// controller's goroutine; surfaces must not call back into the
// controller from within them.
type Surface interface {
	Open(p Props)
	Update(p Props)
	Close()
}

// Noop is the surface used when no UI is attached.
type Noop struct{}

func (Noop) Open(Props)   {}
func (Noop) Update(Props) {}
func (Noop) Close()       {}

// Recorder is a Surface that records the call sequence. It backs
// controller tests and the daemon's editor introspection.
type Recorder struct {
	mu      sync.Mutex
	opens   []Props
	updates []Props
	closes  int
	current *Props
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Open implements Surface.
func (r *Recorder) Open(p Props) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := p.Clone()
	r.opens = append(r.opens, c)
	r.current = &c
}

// Update implements Surface.
func (r *Recorder) Update(p Props) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := p.Clone()
	r.updates = append(r.updates, c)
	r.current = &c
}

// Close implements Surface.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes++
	r.current = nil
}

// IsOpen reports whether a selection is currently shown.
func (r *Recorder) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// Current returns the props of the shown selection.
func (r *Recorder) Current() (Props, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return Props{}, false
	}
	return r.current.Clone(), true
}

// Opens returns the recorded Open calls.
func (r *Recorder) Opens() []Props {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Props, len(r.opens))
	copy(out, r.opens)
	return out
}

// Updates returns the recorded Update calls.
func (r *Recorder) Updates() []Props {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Props, len(r.updates))
	copy(out, r.updates)
	return out
}

// Closes returns the number of recorded Close calls.
func (r *Recorder) Closes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}
