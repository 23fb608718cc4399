// Package lifecycle owns the selection and edit state machine. It
// receives selection and geometry events from the annotation layer,
// drives the editor surface, lands commits back into the layer and
// publishes the outward event stream.
//
// A single mutex serializes every transition, so callers observe each
// operation as a blocking call that has fully completed (state updated,
// layer mutated) by the time it returns. Events and surface calls are
// queued during the locked phase and dispatched after the lock is
// released, in order, on the calling goroutine; event handlers may
// therefore call back into the controller without deadlocking, though
// such nested calls run as separate transitions.
package lifecycle

import (
	"fmt"
	"log/slog"
	"sync"

	"annotd/internal/editor"
	"annotd/internal/events"
	"annotd/internal/layer"
	"annotd/pkg/annotation"
)

// Options configure a Controller for its lifetime. Headless disables
// the editor surface and makes selection switches save implicitly;
// ReadOnly marks every annotation read-only for editor purposes.
type Options struct {
	Headless bool
	ReadOnly bool
}

// Controller mediates between the annotation layer, the editor surface
// and the event bus. It implements layer.Sink for layer-originated
// events and editor.Actions for surface-originated ones.
type Controller struct {
	mu        sync.Mutex
	state     State
	opts      Options
	layer     layer.Layer
	bus       *events.Bus
	surface   editor.Surface
	log       *slog.Logger
	destroyed bool
}

// New creates a controller bound to the given layer and bus. The editor
// surface defaults to editor.Noop and can be replaced with SetSurface
// before interaction starts.
func New(l layer.Layer, bus *events.Bus, log *slog.Logger, opts Options) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		opts:    opts,
		layer:   l,
		bus:     bus,
		surface: editor.Noop{},
		log:     log,
	}
}

// SetSurface replaces the editor surface. Call before interaction
// starts; the surface is never invoked in headless mode.
func (c *Controller) SetSurface(s editor.Surface) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s == nil {
		s = editor.Noop{}
	}
	c.surface = s
}

// Headless reports whether the controller runs without an editor
// surface.
func (c *Controller) Headless() bool { return c.opts.Headless }

// Selected returns a clone of the open annotation, if any. Pending
// programmatic edits are reflected; a pending target change is not
// merged until commit.
func (c *Controller) Selected() (annotation.Annotation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Selected == nil {
		return annotation.Annotation{}, false
	}
	return c.state.Selected.Clone(), true
}

// effects queues event emissions and surface calls accumulated during
// a locked transition, to be run after the lock is released.
type effects struct {
	steps []func()
}

func (fx *effects) add(f func()) { fx.steps = append(fx.steps, f) }

func (fx *effects) run() {
	for _, f := range fx.steps {
		f()
	}
}

func (c *Controller) queueEvent(fx *effects, ev events.Event) {
	bus := c.bus
	fx.add(func() { bus.Emit(ev) })
}

// ============================================================================
// Layer sink
// ============================================================================

// HandleSelect processes a selection change from the layer. A nil
// annotation finalizes the open selection via the cancel path; an
// incoming annotation finalizes the previous selection first (save in
// headless mode, cancel otherwise), then becomes the open selection.
// Reselecting the annotation that is already open only refreshes the
// tracked element and fires no events.
func (c *Controller) HandleSelect(sel layer.Selection) {
	fx := &effects{}
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}

	if sel.Annotation == nil {
		c.cancelLocked(false, fx)
		c.mu.Unlock()
		fx.run()
		return
	}

	incoming := sel.Annotation.Clone()
	if c.state.Selected != nil && c.state.Selected.SameIdentity(incoming) {
		c.state.Element = sel.Element
		if !c.opts.Headless {
			props := c.propsLocked()
			surface := c.surface
			fx.add(func() { surface.Update(props) })
		}
		c.mu.Unlock()
		fx.run()
		return
	}

	if c.state.Selected != nil {
		// The incoming selection owns the layer's visual state, so the
		// finalize path must not deselect the layer.
		if c.opts.Headless {
			if err := c.commitLocked(nil, true, fx); err != nil {
				c.log.Warn("implicit save on selection switch failed", "error", err)
				c.cancelLocked(true, fx)
			}
		} else {
			c.cancelLocked(true, fx)
		}
	}

	c.state = State{Selected: &incoming, Element: sel.Element}

	if !sel.SkipEvent {
		if incoming.IsDraft() {
			c.queueEvent(fx, events.Event{Type: events.SelectionCreated, Annotation: incoming.Clone()})
		} else {
			c.queueEvent(fx, events.Event{Type: events.SelectionOpened, Annotation: incoming.Clone()})
		}
	}
	if !c.opts.Headless {
		props := c.propsLocked()
		surface := c.surface
		fx.add(func() { surface.Open(props) })
	}

	c.mu.Unlock()
	fx.run()
}

// HandleUpdateTarget records a pending geometry change for the open
// selection and forwards it outward. The change is not merged into the
// annotation until commit.
func (c *Controller) HandleUpdateTarget(el layer.Element, target annotation.Target) {
	fx := &effects{}
	c.mu.Lock()
	if c.destroyed || c.state.Selected == nil {
		c.mu.Unlock()
		return
	}

	t := target.Clone()
	c.state.ModifiedTarget = &t
	c.state.Element = el

	forwarded := t.Clone()
	c.queueEvent(fx, events.Event{
		Type:       events.TargetChanged,
		Annotation: c.state.Selected.Clone(),
		Target:     &forwarded,
	})
	if !c.opts.Headless {
		props := c.propsLocked()
		surface := c.surface
		fx.add(func() { surface.Update(props) })
	}

	c.mu.Unlock()
	fx.run()
}

// HandleHoverEnter forwards a pointer-enter notification.
func (c *Controller) HandleHoverEnter(a annotation.Annotation) {
	fx := &effects{}
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.queueEvent(fx, events.Event{Type: events.HoverEnter, Annotation: a.Clone()})
	c.mu.Unlock()
	fx.run()
}

// HandleHoverLeave forwards a pointer-leave notification.
func (c *Controller) HandleHoverLeave(a annotation.Annotation) {
	fx := &effects{}
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.queueEvent(fx, events.Event{Type: events.HoverLeave, Annotation: a.Clone()})
	c.mu.Unlock()
	fx.run()
}

// ============================================================================
// Editor actions
// ============================================================================

// Save commits the open selection with the full annotation supplied by
// the editor surface. The supplied value wins over any pending target
// change.
func (c *Controller) Save(updated annotation.Annotation) error {
	fx := &effects{}
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	err := c.commitLocked(&updated, false, fx)
	c.mu.Unlock()
	fx.run()
	return err
}

// Delete removes the open selection. The editor closes and controller
// state clears before the layer removal; a draft was never added to the
// layer, so only its selection is released. The deletion event fires in
// both cases.
func (c *Controller) Delete() error {
	fx := &effects{}
	c.mu.Lock()
	if c.destroyed || c.state.Selected == nil {
		c.mu.Unlock()
		return nil
	}

	removed := c.state.Selected.Clone()
	c.clearStateLocked(fx)

	if removed.IsDraft() {
		c.layer.Deselect()
	} else if err := c.layer.Remove(removed.ID); err != nil {
		c.mu.Unlock()
		fx.run()
		return fmt.Errorf("delete selected: %w", err)
	}

	c.queueEvent(fx, events.Event{Type: events.AnnotationDeleted, Annotation: removed})
	c.mu.Unlock()
	fx.run()
	return nil
}

// Cancel discards the open selection without saving.
func (c *Controller) Cancel() error {
	fx := &effects{}
	c.mu.Lock()
	if !c.destroyed {
		c.cancelLocked(false, fx)
	}
	c.mu.Unlock()
	fx.run()
	return nil
}

// ============================================================================
// Programmatic operations
// ============================================================================

// SaveSelected commits the open selection, merging any pending target
// change. Without a selection it is a no-op.
func (c *Controller) SaveSelected() error {
	fx := &effects{}
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	err := c.commitLocked(nil, false, fx)
	c.mu.Unlock()
	fx.run()
	return err
}

// UpdateSelected replaces the open selection's value. With
// saveImmediately the replacement commits at once; otherwise it stays
// pending and the original value is snapshotted once so the eventual
// commit reports it as the previous value.
func (c *Controller) UpdateSelected(a annotation.Annotation, saveImmediately bool) error {
	fx := &effects{}
	c.mu.Lock()
	if c.destroyed || c.state.Selected == nil {
		c.mu.Unlock()
		return nil
	}

	if saveImmediately {
		err := c.commitLocked(&a, false, fx)
		c.mu.Unlock()
		fx.run()
		return err
	}

	if c.state.Baseline == nil {
		b := c.state.Selected.Clone()
		c.state.Baseline = &b
	}
	next := a.Clone()
	c.state.Selected = &next

	if !c.opts.Headless {
		props := c.propsLocked()
		surface := c.surface
		fx.add(func() { surface.Update(props) })
	}
	c.mu.Unlock()
	fx.run()
	return nil
}

// RemoveAnnotation deletes an annotation by id. When it is the open
// selection the editor closes first; otherwise the layer entry is
// removed directly.
func (c *Controller) RemoveAnnotation(id string) error {
	fx := &effects{}
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}

	if c.state.Selected != nil && c.state.Selected.ID == id && id != "" {
		removed := c.state.Selected.Clone()
		c.clearStateLocked(fx)
		if err := c.layer.Remove(id); err != nil {
			c.mu.Unlock()
			fx.run()
			return fmt.Errorf("remove annotation: %w", err)
		}
		c.queueEvent(fx, events.Event{Type: events.AnnotationDeleted, Annotation: removed})
		c.mu.Unlock()
		fx.run()
		return nil
	}

	removed, ok := c.layer.Get(id)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("remove annotation: %w", layer.ErrNotFound)
	}
	if err := c.layer.Remove(id); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("remove annotation: %w", err)
	}
	c.queueEvent(fx, events.Event{Type: events.AnnotationDeleted, Annotation: removed})
	c.mu.Unlock()
	fx.run()
	return nil
}

// OverrideID renames an annotation, typically after a backing store
// assigned the authoritative id for a locally created one. If the
// annotation is still the open selection the editor closes and state
// clears before the rename, so no stale id lingers.
func (c *Controller) OverrideID(oldID, newID string) error {
	fx := &effects{}
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}

	if c.state.Selected != nil && c.state.Selected.ID == oldID && oldID != "" {
		c.clearStateLocked(fx)
		c.layer.Deselect()
	}
	err := c.layer.OverrideID(oldID, newID)
	c.mu.Unlock()
	fx.run()
	if err != nil {
		return fmt.Errorf("override id: %w", err)
	}
	return nil
}

// Escape cancels the open selection in headless mode. With an editor
// surface attached, Escape is the surface's concern and this is a
// no-op.
func (c *Controller) Escape() {
	if !c.opts.Headless {
		return
	}
	_ = c.Cancel()
}

// Destroy tears the controller down. The open selection, if any, is
// discarded without finalize events.
func (c *Controller) Destroy() {
	fx := &effects{}
	c.mu.Lock()
	if !c.destroyed {
		c.destroyed = true
		c.clearStateLocked(fx)
	}
	c.mu.Unlock()
	fx.run()
}

// ============================================================================
// Internals
// ============================================================================

// commitLocked lands the open selection into the layer and emits the
// created or updated event. keepLayerSelection suppresses the layer
// deselect when an incoming selection already owns the layer's visual
// state. Callers hold c.mu.
func (c *Controller) commitLocked(supplied *annotation.Annotation, keepLayerSelection bool, fx *effects) error {
	plan := planCommit(c.opts.Headless, c.state, supplied)
	switch plan.kind {
	case commitNone:
		return nil

	case commitCancel:
		c.cancelLocked(keepLayerSelection, fx)
		return nil

	case commitCreate:
		if err := c.layer.AddOrUpdate(plan.result, nil); err != nil {
			return fmt.Errorf("commit create: %w", err)
		}
		created := plan.result
		c.queueEvent(fx, events.Event{
			Type:       events.AnnotationCreated,
			Annotation: created,
			OverrideID: c.overrideFunc(created.ID),
		})

	case commitUpdate:
		previous := plan.previous
		if err := c.layer.AddOrUpdate(plan.result, &previous); err != nil {
			return fmt.Errorf("commit update: %w", err)
		}
		c.queueEvent(fx, events.Event{
			Type:       events.AnnotationUpdated,
			Annotation: plan.result,
			Previous:   &previous,
		})
	}

	if !keepLayerSelection && !c.opts.Headless {
		c.layer.Deselect()
	}
	c.clearStateLocked(fx)
	return nil
}

// cancelLocked discards the open selection. The cancellation event
// fires in every mode; the layer deselect is skipped in headless mode
// and when an incoming selection owns the layer state. Callers hold
// c.mu.
func (c *Controller) cancelLocked(keepLayerSelection bool, fx *effects) {
	if c.state.Selected == nil {
		return
	}
	cancelled := c.state.Selected.Clone()
	if !keepLayerSelection && !c.opts.Headless {
		c.layer.Deselect()
	}
	c.queueEvent(fx, events.Event{Type: events.SelectionCancelled, Annotation: cancelled})
	c.clearStateLocked(fx)
}

// clearStateLocked resets the working state and closes the editor
// surface if it was open. Callers hold c.mu.
func (c *Controller) clearStateLocked(fx *effects) {
	hadSelection := c.state.Selected != nil
	c.state = State{}
	if hadSelection && !c.opts.Headless {
		surface := c.surface
		fx.add(func() { surface.Close() })
	}
}

// propsLocked builds the editor props for the current state. Callers
// hold c.mu and must have a selection.
func (c *Controller) propsLocked() editor.Props {
	p := editor.Props{
		Annotation: c.state.Selected.Clone(),
		Element:    c.state.Element,
		ReadOnly:   editor.ReadOnlyFor(c.opts.ReadOnly, *c.state.Selected),
	}
	if c.state.ModifiedTarget != nil {
		t := c.state.ModifiedTarget.Clone()
		p.ModifiedTarget = &t
	}
	return p
}

func (c *Controller) overrideFunc(id string) func(string) error {
	return func(newID string) error {
		return c.OverrideID(id, newID)
	}
}
