// Package annotator is the embeddable entry point: it assembles the
// annotation layer, the selection controller and the event bus into a
// single facade whose operations mirror user interaction. Every
// mutating call has fully applied its layer mutations and delivered its
// events by the time it returns, so callers can chain operations
// without extra synchronization.
package annotator

import (
	"image"
	"io"
	"log/slog"

	"annotd/internal/editor"
	"annotd/internal/events"
	"annotd/internal/layer"
	"annotd/internal/lifecycle"
	"annotd/pkg/annotation"
)

// Options configure a new Annotator.
type Options struct {
	// Source identifies the annotated surface and is stamped into the
	// targets of drawn annotations.
	Source string

	// Image optionally supplies pixel data so SelectedImageSnippet can
	// crop the selected region.
	Image image.Image

	// DisableEditor runs the annotator headless: no editor surface is
	// driven and selection switches implicitly save pending edits.
	DisableEditor bool

	// ReadOnly marks every annotation read-only for editor purposes.
	ReadOnly bool

	// Surface is the editor surface to drive. Ignored when
	// DisableEditor is set; defaults to a no-op surface.
	Surface editor.Surface

	// Logger receives diagnostics. Defaults to a discarding logger.
	Logger *slog.Logger
}

// Annotator coordinates a single annotated surface.
type Annotator struct {
	layer *layer.Registry
	bus   *events.Bus
	ctrl  *lifecycle.Controller
	log   *slog.Logger
}

// New assembles an annotator from the given options.
func New(opts Options) *Annotator {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	reg := layer.NewRegistry()
	reg.SetSource(opts.Source)
	if opts.Image != nil {
		reg.SetImage(opts.Image)
	}

	bus := events.NewBus()
	ctrl := lifecycle.New(reg, bus, log, lifecycle.Options{
		Headless: opts.DisableEditor,
		ReadOnly: opts.ReadOnly,
	})
	if opts.Surface != nil {
		ctrl.SetSurface(opts.Surface)
	}
	reg.SetSink(ctrl)

	return &Annotator{layer: reg, bus: bus, ctrl: ctrl, log: log}
}

// Headless reports whether the annotator runs without an editor
// surface.
func (a *Annotator) Headless() bool { return a.ctrl.Headless() }

// SetSurface replaces the editor surface. Construct the surface with
// the value returned by EditorActions so its save, delete and cancel
// controls reach the controller.
func (a *Annotator) SetSurface(s editor.Surface) { a.ctrl.SetSurface(s) }

// EditorActions returns the controller-side handlers for editor
// surface actions.
func (a *Annotator) EditorActions() editor.Actions { return a.ctrl }

// SetSource rebinds the annotator to a different surface. Newly drawn
// annotations are stamped with the new source; existing annotations
// are untouched, so swap the collection with SetAnnotations as well.
func (a *Annotator) SetSource(source string) { a.layer.SetSource(source) }

// SetImage replaces the pixel data used for snippet cropping.
func (a *Annotator) SetImage(img image.Image) { a.layer.SetImage(img) }

// ============================================================================
// Collection
// ============================================================================

// SetAnnotations replaces the whole collection. An open selection is
// cancelled first so no editor state survives the swap.
func (a *Annotator) SetAnnotations(list []annotation.Annotation) error {
	if _, ok := a.ctrl.Selected(); ok {
		if err := a.ctrl.Cancel(); err != nil {
			return err
		}
	}
	return a.layer.Init(list)
}

// ClearAnnotations removes every annotation, cancelling any open
// selection first.
func (a *Annotator) ClearAnnotations() error {
	return a.SetAnnotations(nil)
}

// Annotations returns the committed collection in insertion order.
func (a *Annotator) Annotations() []annotation.Annotation {
	return a.layer.Annotations()
}

// GetAnnotation looks up a committed annotation by id.
func (a *Annotator) GetAnnotation(id string) (annotation.Annotation, bool) {
	return a.layer.Get(id)
}

// AddAnnotation adds or replaces a committed annotation without firing
// lifecycle events; use it to load externally produced annotations.
func (a *Annotator) AddAnnotation(ann annotation.Annotation) error {
	return a.layer.AddOrUpdate(ann, nil)
}

// RemoveAnnotation deletes an annotation by id, closing the editor if
// it was selected, and fires the deletion event.
func (a *Annotator) RemoveAnnotation(id string) error {
	return a.ctrl.RemoveAnnotation(id)
}

// OverrideAnnotationID renames an annotation, closing the editor
// first when it is still selected. Use it when an external store
// assigns the authoritative identifier.
func (a *Annotator) OverrideAnnotationID(oldID, newID string) error {
	return a.ctrl.OverrideID(oldID, newID)
}

// ============================================================================
// Selection
// ============================================================================

// SelectAnnotation opens an annotation programmatically. The selection
// is silent: no selection event fires, but the editor still opens in
// non-headless mode. An open selection is finalized first.
func (a *Annotator) SelectAnnotation(id string) error {
	return a.layer.Select(id, true)
}

// Deselect finalizes the open selection through the cancel path.
func (a *Annotator) Deselect() error {
	if err := a.ctrl.Cancel(); err != nil {
		return err
	}
	a.layer.Deselect()
	return nil
}

// Selected returns a clone of the open annotation, if any.
func (a *Annotator) Selected() (annotation.Annotation, bool) {
	return a.ctrl.Selected()
}

// UpdateSelected replaces the open selection's value, committing at
// once when saveImmediately is set. Without a selection it is a no-op.
func (a *Annotator) UpdateSelected(ann annotation.Annotation, saveImmediately bool) error {
	return a.ctrl.UpdateSelected(ann, saveImmediately)
}

// SaveSelected commits the open selection, merging any pending target
// change. Without a selection it is a no-op.
func (a *Annotator) SaveSelected() error { return a.ctrl.SaveSelected() }

// CancelSelected discards the open selection without saving.
func (a *Annotator) CancelSelected() error { return a.ctrl.Cancel() }

// SelectedImageSnippet crops the surface image to the selected region.
func (a *Annotator) SelectedImageSnippet() (image.Image, error) {
	return a.layer.Snippet()
}

// ============================================================================
// Drawing tools
// ============================================================================

// SetDrawingTool activates a registered drawing tool by name.
func (a *Annotator) SetDrawingTool(name string) error { return a.layer.SetTool(name) }

// AddDrawingTool registers an additional drawing tool.
func (a *Annotator) AddDrawingTool(t layer.Tool) error { return a.layer.AddTool(t) }

// DrawingTools lists the registered tool names.
func (a *Annotator) DrawingTools() []string { return a.layer.Tools() }

// ActiveDrawingTool returns the name of the active tool.
func (a *Annotator) ActiveDrawingTool() string { return a.layer.ActiveTool() }

// ============================================================================
// Interaction passthrough
// ============================================================================

// Click simulates a pointer click at surface coordinates: a hit opens
// the topmost annotation under the point, a miss deselects.
func (a *Annotator) Click(x, y float64) { a.layer.Click(x, y) }

// BeginDraw starts a drawing gesture with the active tool.
func (a *Annotator) BeginDraw(x, y float64) { a.layer.BeginDraw(x, y) }

// DragTo extends the drawing gesture.
func (a *Annotator) DragTo(x, y float64) { a.layer.DragTo(x, y) }

// EndDraw finishes the gesture and opens the drawn draft as the
// selection.
func (a *Annotator) EndDraw() error { return a.layer.EndDraw() }

// MoveTo updates the hover position, firing enter and leave events.
func (a *Annotator) MoveTo(x, y float64) { a.layer.MoveTo(x, y) }

// EditSelectedTarget applies a geometry change to the open selection.
// The change stays pending until commit.
func (a *Annotator) EditSelectedTarget(target annotation.Target) error {
	return a.layer.EditTarget(target)
}

// PressEscape cancels the open selection in headless mode. With an
// editor surface attached, Escape handling belongs to the surface.
func (a *Annotator) PressEscape() { a.ctrl.Escape() }

// ============================================================================
// Visibility and teardown
// ============================================================================

// SetVisible toggles the annotation layer. A hidden layer ignores
// pointer interaction.
func (a *Annotator) SetVisible(visible bool) { a.layer.SetVisible(visible) }

// Visible reports whether the layer is shown.
func (a *Annotator) Visible() bool { return a.layer.Visible() }

// Destroy tears the annotator down. The open selection, if any, is
// discarded without finalize events.
func (a *Annotator) Destroy() {
	a.ctrl.Destroy()
	a.layer.Destroy()
}
