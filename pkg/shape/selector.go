package shape

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Selector type names as they appear in serialized annotation targets.
const (
	TypeFragment = "FragmentSelector"
	TypeSVG      = "SvgSelector"
)

// FragmentConformsTo is the media-fragment spec a FragmentSelector declares.
const FragmentConformsTo = "http://www.w3.org/TR/media-frags/"

var (
	// ErrUnknownSelector is returned for selector types this package
	// does not understand.
	ErrUnknownSelector = errors.New("unknown selector type")
)

// Parse decodes a selector value into a Shape. selectorType must be one
// of TypeFragment or TypeSVG.
func Parse(selectorType, value string) (Shape, error) {
	switch selectorType {
	case TypeFragment:
		return ParseFragment(value)
	case TypeSVG:
		return ParseSVGPolygon(value)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSelector, selectorType)
	}
}

// Format encodes a Shape into its selector type name and value.
func Format(s Shape) (selectorType, value string, err error) {
	switch sh := s.(type) {
	case Rect:
		return TypeFragment, FormatFragment(sh), nil
	case Polygon:
		return TypeSVG, FormatSVGPolygon(sh), nil
	default:
		return "", "", fmt.Errorf("%w: %T", ErrUnknownSelector, s)
	}
}

// ParseFragment parses a media-fragment rectangle of the form
// "xywh=pixel:x,y,w,h". The "pixel:" unit prefix is optional.
func ParseFragment(value string) (Rect, error) {
	v, ok := strings.CutPrefix(strings.TrimSpace(value), "xywh=")
	if !ok {
		return Rect{}, fmt.Errorf("fragment selector %q: missing xywh= prefix", value)
	}
	v = strings.TrimPrefix(v, "pixel:")

	parts := strings.Split(v, ",")
	if len(parts) != 4 {
		return Rect{}, fmt.Errorf("fragment selector %q: want 4 values, got %d", value, len(parts))
	}

	var nums [4]float64
	for i, p := range parts {
		n, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Rect{}, fmt.Errorf("fragment selector %q: %w", value, err)
		}
		nums[i] = n
	}

	r := Rect{X: nums[0], Y: nums[1], W: nums[2], H: nums[3]}
	if r.W <= 0 || r.H <= 0 {
		return Rect{}, fmt.Errorf("fragment selector %q: non-positive extent", value)
	}
	return r, nil
}

// FormatFragment encodes a rectangle as "xywh=pixel:x,y,w,h". Whole
// coordinates are written without a decimal point.
func FormatFragment(r Rect) string {
	return fmt.Sprintf("xywh=pixel:%s,%s,%s,%s",
		formatCoord(r.X), formatCoord(r.Y), formatCoord(r.W), formatCoord(r.H))
}

func formatCoord(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// svgDoc models the polygon subset of SVG selectors.
type svgDoc struct {
	XMLName xml.Name   `xml:"svg"`
	Polygon svgPolygon `xml:"polygon"`
}

type svgPolygon struct {
	Points string `xml:"points,attr"`
}

// ParseSVGPolygon parses an SVG selector of the form
// <svg><polygon points="x1,y1 x2,y2 ..."/></svg>. Only the polygon
// subset is supported; any other SVG content is an error.
func ParseSVGPolygon(value string) (Polygon, error) {
	var doc svgDoc
	if err := xml.Unmarshal([]byte(value), &doc); err != nil {
		return nil, fmt.Errorf("svg selector: %w", err)
	}
	if doc.Polygon.Points == "" {
		return nil, errors.New("svg selector: no polygon points")
	}

	fields := strings.Fields(doc.Polygon.Points)
	if len(fields) < 3 {
		return nil, fmt.Errorf("svg selector: want at least 3 points, got %d", len(fields))
	}

	poly := make(Polygon, 0, len(fields))
	for _, f := range fields {
		xy := strings.Split(f, ",")
		if len(xy) != 2 {
			return nil, fmt.Errorf("svg selector: malformed point %q", f)
		}
		x, err := strconv.ParseFloat(xy[0], 64)
		if err != nil {
			return nil, fmt.Errorf("svg selector: point %q: %w", f, err)
		}
		y, err := strconv.ParseFloat(xy[1], 64)
		if err != nil {
			return nil, fmt.Errorf("svg selector: point %q: %w", f, err)
		}
		poly = append(poly, Point{X: x, Y: y})
	}
	return poly, nil
}

// FormatSVGPolygon encodes a polygon as an SVG selector value.
func FormatSVGPolygon(p Polygon) string {
	pts := make([]string, len(p))
	for i, pt := range p {
		pts[i] = formatCoord(pt.X) + "," + formatCoord(pt.Y)
	}
	return `<svg><polygon points="` + strings.Join(pts, " ") + `"></polygon></svg>`
}
