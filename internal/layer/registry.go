package layer

import (
	"fmt"
	"image"
	"sync"

	"annotd/internal/snippet"
	"annotd/pkg/annotation"
	"annotd/pkg/shape"
)

// element is the Registry's Element implementation. Drafts carry an
// empty annotation id.
type element struct {
	id     string
	bounds shape.Rect
}

func (e element) AnnotationID() string { return e.id }
func (e element) Bounds() shape.Rect   { return e.bounds }

// Registry is the in-memory Layer implementation: an ordered annotation
// registry with hit-testing, selection bookkeeping, hover tracking and
// drawing tools. Pointer gestures (Click, BeginDraw/DragTo/EndDraw,
// MoveTo) drive the registered Sink the way a rendering surface would.
//
// Internal locks are never held across Sink calls, so Sink
// implementations are free to call back into the Registry.
type Registry struct {
	mu sync.Mutex

	source string
	img    image.Image
	sink   Sink

	annotations map[string]annotation.Annotation
	order       []string
	shapes      map[string]shape.Shape

	selectedID    string
	selectedDraft *annotation.Annotation
	selectedEl    Element

	hovered   string
	visible   bool
	destroyed bool

	tool      string
	tools     map[string]Tool
	toolOrder []string

	drawing bool
	gesture []shape.Point
}

// NewRegistry creates an empty registry with the built-in rect and
// polygon tools, rect active.
func NewRegistry() *Registry {
	r := &Registry{
		annotations: make(map[string]annotation.Annotation),
		shapes:      make(map[string]shape.Shape),
		tools:       make(map[string]Tool),
		visible:     true,
	}
	r.AddTool(RectTool{})
	r.AddTool(PolygonTool{})
	r.tool = RectTool{}.Name()
	return r
}

// SetSink registers the interaction event receiver.
func (r *Registry) SetSink(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = s
}

// SetSource sets the source URI stamped into drafted targets.
func (r *Registry) SetSource(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.source = source
}

// SetImage sets the surface image used for snippets.
func (r *Registry) SetImage(img image.Image) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.img = img
}

// Init implements Layer.
func (r *Registry) Init(list []annotation.Annotation) error {
	annotations := make(map[string]annotation.Annotation, len(list))
	shapes := make(map[string]shape.Shape, len(list))
	order := make([]string, 0, len(list))

	for i, a := range list {
		if a.IsDraft() {
			return fmt.Errorf("init: entry %d: %w", i, ErrDraft)
		}
		if a.ID == "" {
			return fmt.Errorf("init: entry %d has no id", i)
		}
		if _, dup := annotations[a.ID]; dup {
			return fmt.Errorf("init: %q: %w", a.ID, ErrDuplicateID)
		}
		annotations[a.ID] = a.Clone()
		order = append(order, a.ID)
		if s, err := a.Target.Shape(); err == nil {
			shapes[a.ID] = s
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return ErrDestroyed
	}
	r.annotations = annotations
	r.shapes = shapes
	r.order = order
	r.clearSelectionLocked()
	r.hovered = ""
	r.drawing = false
	r.gesture = nil
	return nil
}

// AddOrUpdate implements Layer.
func (r *Registry) AddOrUpdate(a annotation.Annotation, previous *annotation.Annotation) error {
	if a.IsDraft() {
		return ErrDraft
	}
	if a.ID == "" {
		return fmt.Errorf("add annotation: missing id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return ErrDestroyed
	}

	// An update may change the identifier; retire the old entry but
	// keep its position.
	if previous != nil && previous.ID != "" && previous.ID != a.ID {
		if _, ok := r.annotations[previous.ID]; ok {
			delete(r.annotations, previous.ID)
			delete(r.shapes, previous.ID)
			for i, id := range r.order {
				if id == previous.ID {
					r.order[i] = a.ID
					break
				}
			}
			if r.selectedID == previous.ID {
				r.selectedID = a.ID
			}
			if r.hovered == previous.ID {
				r.hovered = a.ID
			}
		}
	}

	if _, exists := r.annotations[a.ID]; !exists && !contains(r.order, a.ID) {
		r.order = append(r.order, a.ID)
	}
	r.annotations[a.ID] = a.Clone()

	if s, err := a.Target.Shape(); err == nil {
		r.shapes[a.ID] = s
	} else {
		delete(r.shapes, a.ID)
	}

	if r.selectedID == a.ID {
		r.selectedEl = element{id: a.ID, bounds: r.boundsLocked(a.ID)}
	}
	return nil
}

// Remove implements Layer.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return ErrDestroyed
	}
	if _, ok := r.annotations[id]; !ok {
		return fmt.Errorf("remove %q: %w", id, ErrNotFound)
	}

	delete(r.annotations, id)
	delete(r.shapes, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.selectedID == id {
		r.clearSelectionLocked()
	}
	if r.hovered == id {
		r.hovered = ""
	}
	return nil
}

// OverrideID implements Layer.
func (r *Registry) OverrideID(oldID, newID string) error {
	if newID == "" {
		return fmt.Errorf("override id: empty new id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return ErrDestroyed
	}

	a, ok := r.annotations[oldID]
	if !ok {
		return fmt.Errorf("override id %q: %w", oldID, ErrNotFound)
	}
	if _, taken := r.annotations[newID]; taken {
		return fmt.Errorf("override id %q -> %q: %w", oldID, newID, ErrDuplicateID)
	}

	delete(r.annotations, oldID)
	r.annotations[newID] = a.WithID(newID)

	if s, ok := r.shapes[oldID]; ok {
		delete(r.shapes, oldID)
		r.shapes[newID] = s
	}
	for i, id := range r.order {
		if id == oldID {
			r.order[i] = newID
			break
		}
	}
	if r.selectedID == oldID {
		r.selectedID = newID
		r.selectedEl = element{id: newID, bounds: r.boundsLocked(newID)}
	}
	if r.hovered == oldID {
		r.hovered = newID
	}
	return nil
}

// Select implements Layer.
func (r *Registry) Select(id string, skipEvent bool) error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return ErrDestroyed
	}
	a, ok := r.annotations[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("select %q: %w", id, ErrNotFound)
	}

	clone := a.Clone()
	el := element{id: id, bounds: r.boundsLocked(id)}
	r.selectedID = id
	r.selectedDraft = nil
	r.selectedEl = el
	sink := r.sink
	r.mu.Unlock()

	if sink != nil {
		sink.HandleSelect(Selection{Annotation: &clone, Element: el, SkipEvent: skipEvent})
	}
	return nil
}

// Deselect implements Layer.
func (r *Registry) Deselect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearSelectionLocked()
}

// Click simulates a pointer click: a hit selects the topmost annotation
// under the point, a miss deselects.
func (r *Registry) Click(x, y float64) {
	r.mu.Lock()
	if r.destroyed || !r.visible {
		r.mu.Unlock()
		return
	}

	id, hit := r.hitTestLocked(x, y)
	if !hit && r.selectedID == "" && r.selectedDraft == nil {
		r.mu.Unlock()
		return
	}

	var sel Selection
	if hit {
		a := r.annotations[id].Clone()
		el := element{id: id, bounds: r.boundsLocked(id)}
		r.selectedID = id
		r.selectedDraft = nil
		r.selectedEl = el
		sel = Selection{Annotation: &a, Element: el}
	} else {
		r.clearSelectionLocked()
	}
	sink := r.sink
	r.mu.Unlock()

	if sink != nil {
		sink.HandleSelect(sel)
	}
}

// BeginDraw starts a drawing gesture with the active tool.
func (r *Registry) BeginDraw(x, y float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed || !r.visible {
		return
	}
	r.drawing = true
	r.gesture = []shape.Point{{X: x, Y: y}}
}

// DragTo extends the current drawing gesture.
func (r *Registry) DragTo(x, y float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.drawing {
		return
	}
	r.gesture = append(r.gesture, shape.Point{X: x, Y: y})
}

// EndDraw completes the gesture: the active tool drafts a target and
// the draft becomes the selection.
func (r *Registry) EndDraw() error {
	r.mu.Lock()
	if !r.drawing {
		r.mu.Unlock()
		return fmt.Errorf("end draw: no drawing in progress")
	}
	tool := r.tools[r.tool]
	pts := r.gesture
	source := r.source
	r.drawing = false
	r.gesture = nil
	r.mu.Unlock()

	target, err := tool.Draft(source, pts)
	if err != nil {
		return fmt.Errorf("end draw: %w", err)
	}

	draft := annotation.NewDraft(target)
	el := element{bounds: target.Bounds()}

	r.mu.Lock()
	stored := draft.Clone()
	r.selectedID = ""
	r.selectedDraft = &stored
	r.selectedEl = el
	sink := r.sink
	r.mu.Unlock()

	if sink != nil {
		emitted := draft.Clone()
		sink.HandleSelect(Selection{Annotation: &emitted, Element: el})
	}
	return nil
}

// MoveTo simulates pointer movement and drives hover transitions.
func (r *Registry) MoveTo(x, y float64) {
	r.mu.Lock()
	if r.destroyed || !r.visible {
		r.mu.Unlock()
		return
	}

	id, hit := r.hitTestLocked(x, y)
	if !hit {
		id = ""
	}

	var leave, enter *annotation.Annotation
	if id != r.hovered {
		if r.hovered != "" {
			if old, ok := r.annotations[r.hovered]; ok {
				c := old.Clone()
				leave = &c
			}
		}
		if id != "" {
			c := r.annotations[id].Clone()
			enter = &c
		}
		r.hovered = id
	}
	sink := r.sink
	r.mu.Unlock()

	if sink == nil {
		return
	}
	if leave != nil {
		sink.HandleHoverLeave(*leave)
	}
	if enter != nil {
		sink.HandleHoverEnter(*enter)
	}
}

// EditTarget simulates dragging the selection's geometry: the element
// tracks the new bounds and the Sink is notified of the pending target.
// The stored annotation is untouched until a commit lands it.
func (r *Registry) EditTarget(target annotation.Target) error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return ErrDestroyed
	}
	if r.selectedID == "" && r.selectedDraft == nil {
		r.mu.Unlock()
		return ErrNoSelection
	}

	el := element{id: r.selectedID, bounds: target.Bounds()}
	r.selectedEl = el
	sink := r.sink
	r.mu.Unlock()

	if sink != nil {
		sink.HandleUpdateTarget(el, target.Clone())
	}
	return nil
}

// Annotations implements Layer.
func (r *Registry) Annotations() []annotation.Annotation {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]annotation.Annotation, 0, len(r.order))
	for _, id := range r.order {
		if a, ok := r.annotations[id]; ok {
			out = append(out, a.Clone())
		}
	}
	return out
}

// Get implements Layer.
func (r *Registry) Get(id string) (annotation.Annotation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.annotations[id]
	if !ok {
		return annotation.Annotation{}, false
	}
	return a.Clone(), true
}

// Selected implements Layer.
func (r *Registry) Selected() (annotation.Annotation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.selectedDraft != nil {
		return r.selectedDraft.Clone(), true
	}
	if r.selectedID != "" {
		if a, ok := r.annotations[r.selectedID]; ok {
			return a.Clone(), true
		}
	}
	return annotation.Annotation{}, false
}

// SelectedElement implements Layer.
func (r *Registry) SelectedElement() Element {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selectedEl
}

// Snippet implements Layer.
func (r *Registry) Snippet() (image.Image, error) {
	r.mu.Lock()
	img := r.img
	el := r.selectedEl
	r.mu.Unlock()

	if img == nil {
		return nil, ErrNoImage
	}
	if el == nil {
		return nil, ErrNoSelection
	}
	return snippet.Crop(img, el.Bounds())
}

// SetTool implements Layer.
func (r *Registry) SetTool(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tools[name]; !ok {
		return fmt.Errorf("%q: %w", name, ErrUnknownTool)
	}
	r.tool = name
	return nil
}

// AddTool implements Layer.
func (r *Registry) AddTool(t Tool) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("add tool: missing name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.tools[t.Name()]; dup {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	r.toolOrder = append(r.toolOrder, t.Name())
	return nil
}

// Tools implements Layer.
func (r *Registry) Tools() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.toolOrder))
	copy(out, r.toolOrder)
	return out
}

// ActiveTool returns the name of the active drawing tool.
func (r *Registry) ActiveTool() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tool
}

// SetVisible implements Layer. A hidden layer ignores pointer
// interaction but keeps responding to commands.
func (r *Registry) SetVisible(visible bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.visible = visible
}

// Visible implements Layer.
func (r *Registry) Visible() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.visible
}

// Destroy implements Layer.
func (r *Registry) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.destroyed = true
	r.annotations = make(map[string]annotation.Annotation)
	r.shapes = make(map[string]shape.Shape)
	r.order = nil
	r.clearSelectionLocked()
	r.hovered = ""
	r.sink = nil
	r.img = nil
}

func (r *Registry) clearSelectionLocked() {
	r.selectedID = ""
	r.selectedDraft = nil
	r.selectedEl = nil
}

// hitTestLocked returns the topmost annotation under the point:
// the smallest shape containing it.
func (r *Registry) hitTestLocked(x, y float64) (string, bool) {
	var (
		bestID   string
		bestArea float64
		found    bool
	)
	for _, id := range r.order {
		s, ok := r.shapes[id]
		if !ok || !s.Contains(x, y) {
			continue
		}
		if !found || s.Area() < bestArea {
			bestID = id
			bestArea = s.Area()
			found = true
		}
	}
	return bestID, found
}

func (r *Registry) boundsLocked(id string) shape.Rect {
	if s, ok := r.shapes[id]; ok {
		return s.Bounds()
	}
	return shape.Rect{}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
