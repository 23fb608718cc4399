package shape

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// Rect
// =============================================================================

func TestRectContains(t *testing.T) {
	r := NewRect(10, 10, 100, 50)

	tests := []struct {
		name string
		x, y float64
		want bool
	}{
		{"center", 60, 35, true},
		{"top left corner", 10, 10, true},
		{"bottom right corner", 110, 60, true},
		{"left of rect", 9.9, 35, false},
		{"below rect", 60, 60.1, false},
		{"far away", -100, -100, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Contains(tt.x, tt.y))
		})
	}
}

func TestRectIntersect(t *testing.T) {
	a := NewRect(0, 0, 10, 10)

	overlap := a.Intersect(NewRect(5, 5, 10, 10))
	assert.Equal(t, NewRect(5, 5, 5, 5), overlap)

	disjoint := a.Intersect(NewRect(20, 20, 5, 5))
	assert.True(t, disjoint.Empty())

	assert.True(t, a.Intersects(NewRect(9, 9, 10, 10)))
	assert.False(t, a.Intersects(NewRect(10, 10, 5, 5))) // touching edges only
}

func TestRectUnion(t *testing.T) {
	a := NewRect(0, 0, 10, 10)
	b := NewRect(20, 5, 10, 10)
	assert.Equal(t, NewRect(0, 0, 30, 15), a.Union(b))
}

// =============================================================================
// Polygon
// =============================================================================

func TestPolygonContains(t *testing.T) {
	// Right triangle at origin.
	tri := Polygon{{0, 0}, {10, 0}, {0, 10}}

	assert.True(t, tri.Contains(2, 2))
	assert.False(t, tri.Contains(8, 8))
	assert.False(t, tri.Contains(-1, 5))

	// Degenerate polygons never contain anything.
	assert.False(t, Polygon{{0, 0}, {10, 10}}.Contains(5, 5))
}

func TestPolygonBounds(t *testing.T) {
	p := Polygon{{3, 7}, {12, 1}, {8, 15}}
	assert.Equal(t, Rect{X: 3, Y: 1, W: 9, H: 14}, p.Bounds())
	assert.Equal(t, Rect{}, Polygon{}.Bounds())
}

func TestPolygonArea(t *testing.T) {
	square := Polygon{{0, 0}, {10, 0}, {10, 10}, {0, 10}}
	assert.InDelta(t, 100, square.Area(), 1e-9)

	tri := Polygon{{0, 0}, {10, 0}, {0, 10}}
	assert.InDelta(t, 50, tri.Area(), 1e-9)
}

func TestPolygonClone(t *testing.T) {
	p := Polygon{{1, 2}, {3, 4}, {5, 6}}
	q := p.Clone()
	q[0].X = 99
	assert.Equal(t, 1.0, p[0].X)

	assert.Nil(t, Polygon(nil).Clone())
}
