package shape

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFragment(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    Rect
		wantErr bool
	}{
		{"with pixel unit", "xywh=pixel:10,20,100,50", Rect{10, 20, 100, 50}, false},
		{"without unit", "xywh=10,20,100,50", Rect{10, 20, 100, 50}, false},
		{"decimal coords", "xywh=pixel:10.5,20.25,99.5,0.5", Rect{10.5, 20.25, 99.5, 0.5}, false},
		{"surrounding space", " xywh=pixel:1, 2, 3, 4 ", Rect{1, 2, 3, 4}, false},
		{"missing prefix", "10,20,100,50", Rect{}, true},
		{"too few values", "xywh=pixel:10,20,100", Rect{}, true},
		{"not a number", "xywh=pixel:a,b,c,d", Rect{}, true},
		{"zero width", "xywh=pixel:10,20,0,50", Rect{}, true},
		{"negative height", "xywh=pixel:10,20,100,-5", Rect{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFragment(tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatFragment(t *testing.T) {
	assert.Equal(t, "xywh=pixel:10,20,100,50", FormatFragment(Rect{10, 20, 100, 50}))
	assert.Equal(t, "xywh=pixel:10.5,20,100,50", FormatFragment(Rect{10.5, 20, 100, 50}))
}

func TestFragmentRoundTrip(t *testing.T) {
	orig := Rect{X: 12.5, Y: 0, W: 300, H: 42.75}
	parsed, err := ParseFragment(FormatFragment(orig))
	require.NoError(t, err)
	assert.Equal(t, orig, parsed)
}

func TestParseSVGPolygon(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    Polygon
		wantErr bool
	}{
		{
			"triangle",
			`<svg><polygon points="0,0 10,0 5,8"></polygon></svg>`,
			Polygon{{0, 0}, {10, 0}, {5, 8}},
			false,
		},
		{
			"self closing",
			`<svg><polygon points="1,1 2,2 3,1"/></svg>`,
			Polygon{{1, 1}, {2, 2}, {3, 1}},
			false,
		},
		{"not xml", "xywh=pixel:1,2,3,4", nil, true},
		{"no polygon", "<svg><rect/></svg>", nil, true},
		{"two points", `<svg><polygon points="0,0 10,10"/></svg>`, nil, true},
		{"malformed point", `<svg><polygon points="0,0 10 5,8"/></svg>`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSVGPolygon(tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSVGPolygonRoundTrip(t *testing.T) {
	orig := Polygon{{0, 0}, {100.5, 0}, {100.5, 60}, {0, 60}}
	parsed, err := ParseSVGPolygon(FormatSVGPolygon(orig))
	require.NoError(t, err)
	assert.Equal(t, orig, parsed)
}

func TestParseDispatch(t *testing.T) {
	s, err := Parse(TypeFragment, "xywh=pixel:1,2,3,4")
	require.NoError(t, err)
	assert.Equal(t, KindRect, s.Kind())

	s, err = Parse(TypeSVG, `<svg><polygon points="0,0 4,0 4,4"/></svg>`)
	require.NoError(t, err)
	assert.Equal(t, KindPolygon, s.Kind())

	_, err = Parse("PointSelector", "whatever")
	assert.ErrorIs(t, err, ErrUnknownSelector)
}

func TestFormatDispatch(t *testing.T) {
	typ, val, err := Format(Rect{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, TypeFragment, typ)
	assert.Equal(t, "xywh=pixel:1,2,3,4", val)

	typ, val, err = Format(Polygon{{0, 0}, {4, 0}, {4, 4}})
	require.NoError(t, err)
	assert.Equal(t, TypeSVG, typ)
	assert.Contains(t, val, "polygon points")
}
