// Package snippet extracts image regions for selected annotations.
package snippet

import (
	"errors"
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"

	"annotd/pkg/shape"
)

// ErrEmptyRegion is returned when the requested region does not
// intersect the image.
var ErrEmptyRegion = errors.New("snippet region outside image bounds")

// Crop returns the part of img covered by r, clamped to the image
// bounds. The returned image shares no pixels with the source.
func Crop(img image.Image, r shape.Rect) (image.Image, error) {
	if img == nil {
		return nil, errors.New("nil source image")
	}
	if r.Empty() {
		return nil, fmt.Errorf("snippet: empty region %+v", r)
	}

	region := image.Rect(int(r.X), int(r.Y), int(r.X+r.W+0.5), int(r.Y+r.H+0.5))
	region = region.Intersect(img.Bounds())
	if region.Empty() {
		return nil, ErrEmptyRegion
	}

	out := image.NewRGBA(image.Rect(0, 0, region.Dx(), region.Dy()))
	xdraw.Draw(out, out.Bounds(), img, region.Min, xdraw.Src)
	return out, nil
}

// Scale resizes img so its longer edge is at most maxEdge, preserving
// aspect ratio. Images already within the limit are returned unchanged.
func Scale(img image.Image, maxEdge int) image.Image {
	if img == nil || maxEdge <= 0 {
		return img
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxEdge && h <= maxEdge {
		return img
	}

	var outW, outH int
	if w >= h {
		outW = maxEdge
		outH = h * maxEdge / w
	} else {
		outH = maxEdge
		outW = w * maxEdge / h
	}
	if outW < 1 {
		outW = 1
	}
	if outH < 1 {
		outH = 1
	}

	out := image.NewRGBA(image.Rect(0, 0, outW, outH))
	xdraw.ApproxBiLinear.Scale(out, out.Bounds(), img, b, xdraw.Src, nil)
	return out
}
