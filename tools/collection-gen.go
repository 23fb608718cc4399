// collection-gen generates a synthetic image collection with sidecar
// annotation files for exercising the daemon, the watcher and the CLI
// without hand-annotating real images.
//
// Usage:
//
//	go run tools/collection-gen.go -dir /tmp/collection -images 10
//	go run tools/collection-gen.go -dir /tmp/collection -images 50 -annotations 8 -seed 7
//
// The tool is self-contained on purpose: it writes the sidecar JSON
// shape directly so it can double as a fixture generator for foreign
// implementations reading the same format.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
)

// document mirrors the sidecar file layout.
type document struct {
	Version     int          `json:"version"`
	Source      string       `json:"source"`
	Annotations []annotation `json:"annotations"`
}

type annotation struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Body   []body `json:"body,omitempty"`
	Target target `json:"target"`
}

type body struct {
	Type    string `json:"type,omitempty"`
	Purpose string `json:"purpose,omitempty"`
	Value   string `json:"value"`
}

type target struct {
	Source   string   `json:"source,omitempty"`
	Selector selector `json:"selector"`
}

type selector struct {
	Type       string `json:"type"`
	ConformsTo string `json:"conformsTo,omitempty"`
	Value      string `json:"value"`
}

var comments = []string{
	"check the lighting here",
	"crop this region",
	"possible artifact",
	"needs a second look",
	"reference point",
	"color calibration target",
	"text is illegible",
	"duplicate of an earlier page",
}

func main() {
	dir := flag.String("dir", "./collection", "output directory")
	images := flag.Int("images", 10, "number of images to generate")
	annotations := flag.Int("annotations", 4, "annotations per image (0..n, randomized)")
	width := flag.Int("width", 640, "image width in pixels")
	height := flag.Int("height", 480, "image height in pixels")
	bare := flag.Float64("bare", 0.2, "fraction of images without a sidecar")
	suffix := flag.String("suffix", ".annotations.json", "sidecar suffix")
	seed := flag.Int64("seed", 42, "random seed")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))

	if err := os.MkdirAll(*dir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var sidecars int
	for i := 0; i < *images; i++ {
		name := fmt.Sprintf("page-%03d.png", i+1)
		imgPath := filepath.Join(*dir, name)

		if err := writeImage(imgPath, *width, *height, rng); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", imgPath, err)
			os.Exit(1)
		}

		if rng.Float64() < *bare {
			continue
		}

		n := rng.Intn(*annotations + 1)
		doc := document{
			Version:     1,
			Source:      name,
			Annotations: makeAnnotations(imgPath, n, *width, *height, rng),
		}
		if len(doc.Annotations) == 0 {
			continue
		}

		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding sidecar for %s: %v\n", name, err)
			os.Exit(1)
		}
		data = append(data, '\n')

		sidecarPath := imgPath + *suffix
		if err := os.WriteFile(sidecarPath, data, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", sidecarPath, err)
			os.Exit(1)
		}
		sidecars++
	}

	fmt.Printf("Generated %d images (%d with sidecars) in %s\n", *images, sidecars, *dir)
}

// writeImage renders a banded gradient with a few random blocks so
// snippet extraction has visible structure to cut out.
func writeImage(path string, w, h int, rng *rand.Rand) error {
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	baseR := uint8(rng.Intn(128))
	baseG := uint8(rng.Intn(128))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: baseR + uint8((x*96)/w),
				G: baseG + uint8((y*96)/h),
				B: uint8(64 + (x+y)%96),
				A: 0xFF,
			})
		}
	}

	for i := 0; i < 3+rng.Intn(4); i++ {
		bw, bh := 8+rng.Intn(w/6), 8+rng.Intn(h/6)
		bx, by := rng.Intn(w-bw), rng.Intn(h-bh)
		c := color.RGBA{R: uint8(rng.Intn(256)), G: uint8(rng.Intn(256)), B: uint8(rng.Intn(256)), A: 0xFF}
		for y := by; y < by+bh; y++ {
			for x := bx; x < bx+bw; x++ {
				img.Set(x, y, c)
			}
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

func makeAnnotations(imgPath string, n, w, h int, rng *rand.Rand) []annotation {
	anns := make([]annotation, 0, n)
	for i := 0; i < n; i++ {
		rw := 16 + rng.Intn(w/4)
		rh := 16 + rng.Intn(h/4)
		rx := rng.Intn(w - rw)
		ry := rng.Intn(h - rh)

		anns = append(anns, annotation{
			ID:   fmt.Sprintf("gen-%s-%d", filepath.Base(imgPath), i+1),
			Type: "Annotation",
			Body: []body{{
				Type:    "TextualBody",
				Purpose: "commenting",
				Value:   comments[rng.Intn(len(comments))],
			}},
			Target: target{
				Source: imgPath,
				Selector: selector{
					Type:       "FragmentSelector",
					ConformsTo: "http://www.w3.org/TR/media-frags/",
					Value:      fmt.Sprintf("xywh=pixel:%d,%d,%d,%d", rx, ry, rw, rh),
				},
			},
		})
	}
	return anns
}
