// Package shape provides the geometric primitives annotations are anchored
// to: rectangles, polygons and the selector encodings used on the wire.
package shape

import "math"

// Kind identifies the geometry class of a shape.
type Kind string

const (
	KindRect    Kind = "rect"
	KindPolygon Kind = "polygon"
)

// Shape is a hit-testable region on the annotated surface.
type Shape interface {
	Kind() Kind
	Bounds() Rect
	Contains(x, y float64) bool
	// Area orders overlapping shapes for hit-testing (smallest wins).
	Area() float64
}

// Point is a 2D point in image coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is an axis-aligned rectangle.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// NewRect creates a rectangle from origin and extent.
func NewRect(x, y, w, h float64) Rect {
	return Rect{X: x, Y: y, W: w, H: h}
}

// Kind implements Shape.
func (r Rect) Kind() Kind { return KindRect }

// Bounds implements Shape.
func (r Rect) Bounds() Rect { return r }

// Contains reports whether the point lies inside the rectangle.
// Edges count as inside.
func (r Rect) Contains(x, y float64) bool {
	return x >= r.X && x <= r.X+r.W && y >= r.Y && y <= r.Y+r.H
}

// Area returns the rectangle's area.
func (r Rect) Area() float64 { return r.W * r.H }

// Empty reports whether the rectangle has no extent.
func (r Rect) Empty() bool { return r.W <= 0 || r.H <= 0 }

// Intersects reports whether two rectangles overlap.
func (r Rect) Intersects(other Rect) bool {
	return r.X < other.X+other.W && r.X+r.W > other.X &&
		r.Y < other.Y+other.H && r.Y+r.H > other.Y
}

// Intersect returns the overlapping region of two rectangles.
// The result is Empty when they do not overlap.
func (r Rect) Intersect(other Rect) Rect {
	x1 := math.Max(r.X, other.X)
	y1 := math.Max(r.Y, other.Y)
	x2 := math.Min(r.X+r.W, other.X+other.W)
	y2 := math.Min(r.Y+r.H, other.Y+other.H)
	if x2 <= x1 || y2 <= y1 {
		return Rect{}
	}
	return Rect{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}
}

// Union returns the smallest rectangle containing both rectangles.
func (r Rect) Union(other Rect) Rect {
	x := math.Min(r.X, other.X)
	y := math.Min(r.Y, other.Y)
	x2 := math.Max(r.X+r.W, other.X+other.W)
	y2 := math.Max(r.Y+r.H, other.Y+other.H)
	return Rect{X: x, Y: y, W: x2 - x, H: y2 - y}
}

// Center returns the rectangle's center point.
func (r Rect) Center() Point {
	return Point{X: r.X + r.W/2, Y: r.Y + r.H/2}
}

// Polygon is a closed polygon given as an ordered vertex list.
type Polygon []Point

// Kind implements Shape.
func (p Polygon) Kind() Kind { return KindPolygon }

// Bounds returns the axis-aligned bounding box of the polygon.
func (p Polygon) Bounds() Rect {
	if len(p) == 0 {
		return Rect{}
	}
	minX, minY := p[0].X, p[0].Y
	maxX, maxY := minX, minY
	for _, pt := range p[1:] {
		minX = math.Min(minX, pt.X)
		maxX = math.Max(maxX, pt.X)
		minY = math.Min(minY, pt.Y)
		maxY = math.Max(maxY, pt.Y)
	}
	return Rect{X: minX, Y: minY, W: maxX - minX, H: maxY - minY}
}

// Contains reports whether the point lies inside the polygon,
// using the even-odd ray casting rule.
func (p Polygon) Contains(x, y float64) bool {
	if len(p) < 3 {
		return false
	}
	inside := false
	j := len(p) - 1
	for i := 0; i < len(p); i++ {
		pi, pj := p[i], p[j]
		if (pi.Y > y) != (pj.Y > y) &&
			x < (pj.X-pi.X)*(y-pi.Y)/(pj.Y-pi.Y)+pi.X {
			inside = !inside
		}
		j = i
	}
	return inside
}

// Area returns the polygon's area (shoelace formula).
func (p Polygon) Area() float64 {
	if len(p) < 3 {
		return 0
	}
	var sum float64
	j := len(p) - 1
	for i := 0; i < len(p); i++ {
		sum += (p[j].X + p[i].X) * (p[j].Y - p[i].Y)
		j = i
	}
	return math.Abs(sum) / 2
}

// Clone returns an independent copy of the polygon.
func (p Polygon) Clone() Polygon {
	if p == nil {
		return nil
	}
	out := make(Polygon, len(p))
	copy(out, p)
	return out
}
