package annotation

import (
	"annotd/pkg/shape"
)

// Selector is the serialized form of a target region.
type Selector struct {
	Type       string `json:"type"`
	ConformsTo string `json:"conformsTo,omitempty"`
	Value      string `json:"value"`
}

// Target anchors an annotation to a region of a source image.
type Target struct {
	Source   string   `json:"source,omitempty"`
	Selector Selector `json:"selector"`
}

// RectTarget builds a target from a rectangle.
func RectTarget(source string, r shape.Rect) Target {
	return Target{
		Source: source,
		Selector: Selector{
			Type:       shape.TypeFragment,
			ConformsTo: shape.FragmentConformsTo,
			Value:      shape.FormatFragment(r),
		},
	}
}

// PolygonTarget builds a target from a polygon.
func PolygonTarget(source string, p shape.Polygon) Target {
	return Target{
		Source: source,
		Selector: Selector{
			Type:  shape.TypeSVG,
			Value: shape.FormatSVGPolygon(p),
		},
	}
}

// Shape parses the target's selector into hit-testable geometry.
func (t Target) Shape() (shape.Shape, error) {
	return shape.Parse(t.Selector.Type, t.Selector.Value)
}

// Bounds returns the bounding box of the target's geometry, or the zero
// rectangle if the selector does not parse.
func (t Target) Bounds() shape.Rect {
	s, err := t.Shape()
	if err != nil {
		return shape.Rect{}
	}
	return s.Bounds()
}

// Clone returns an independent copy of the target.
func (t Target) Clone() Target {
	// All fields are value strings; the struct copy is already deep.
	return t
}

// Equal reports whether two targets are identical.
func (t Target) Equal(other Target) bool {
	return t == other
}
