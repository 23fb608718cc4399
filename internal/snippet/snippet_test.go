package snippet

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"annotd/pkg/shape"
)

// testImage builds a 100x80 image with a distinct pixel at (25, 25).
func testImage(t *testing.T) image.Image {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 100, 80))
	img.Set(25, 25, color.RGBA{R: 255, A: 255})
	return img
}

func TestCrop(t *testing.T) {
	img := testImage(t)

	out, err := Crop(img, shape.NewRect(20, 20, 30, 25))
	require.NoError(t, err)

	assert.Equal(t, 30, out.Bounds().Dx())
	assert.Equal(t, 25, out.Bounds().Dy())

	// The marked source pixel (25,25) lands at (5,5) in the crop.
	r, _, _, _ := out.At(5, 5).RGBA()
	assert.NotZero(t, r)
}

func TestCropClampsToImage(t *testing.T) {
	img := testImage(t)

	out, err := Crop(img, shape.NewRect(90, 70, 50, 50))
	require.NoError(t, err)
	assert.Equal(t, 10, out.Bounds().Dx())
	assert.Equal(t, 10, out.Bounds().Dy())
}

func TestCropErrors(t *testing.T) {
	img := testImage(t)

	_, err := Crop(img, shape.NewRect(0, 0, 0, 10))
	assert.Error(t, err)

	_, err = Crop(img, shape.NewRect(500, 500, 10, 10))
	assert.ErrorIs(t, err, ErrEmptyRegion)

	_, err = Crop(nil, shape.NewRect(0, 0, 10, 10))
	assert.Error(t, err)
}

func TestScale(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 200, 100))

	out := Scale(img, 50)
	assert.Equal(t, 50, out.Bounds().Dx())
	assert.Equal(t, 25, out.Bounds().Dy())

	// Already small enough: returned as-is.
	small := image.NewRGBA(image.Rect(0, 0, 30, 20))
	assert.Equal(t, small, Scale(small, 50))

	// Extreme aspect ratios never collapse to zero.
	thin := image.NewRGBA(image.Rect(0, 0, 1000, 1))
	out = Scale(thin, 10)
	assert.Equal(t, 1, out.Bounds().Dy())
}
