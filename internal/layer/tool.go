package layer

import (
	"fmt"

	"annotd/pkg/annotation"
	"annotd/pkg/shape"
)

// Tool turns a pointer gesture into a draft annotation target.
type Tool interface {
	Name() string
	Draft(source string, points []shape.Point) (annotation.Target, error)
}

// RectTool drafts axis-aligned rectangles from the gesture's bounding box.
type RectTool struct{}

// Name implements Tool.
func (RectTool) Name() string { return "rect" }

// Draft implements Tool.
func (RectTool) Draft(source string, points []shape.Point) (annotation.Target, error) {
	if len(points) < 2 {
		return annotation.Target{}, fmt.Errorf("rect tool: need at least 2 points, got %d", len(points))
	}

	r := shape.Polygon(points).Bounds()
	if r.Empty() {
		return annotation.Target{}, fmt.Errorf("rect tool: degenerate gesture %+v", r)
	}
	return annotation.RectTarget(source, r), nil
}

// PolygonTool drafts closed polygons from the gesture's vertices.
type PolygonTool struct{}

// Name implements Tool.
func (PolygonTool) Name() string { return "polygon" }

// Draft implements Tool.
func (PolygonTool) Draft(source string, points []shape.Point) (annotation.Target, error) {
	if len(points) < 3 {
		return annotation.Target{}, fmt.Errorf("polygon tool: need at least 3 points, got %d", len(points))
	}

	poly := shape.Polygon(points).Clone()
	if poly.Area() == 0 {
		return annotation.Target{}, fmt.Errorf("polygon tool: degenerate gesture")
	}
	return annotation.PolygonTarget(source, poly), nil
}
