package matcher

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"

	dErrors "biovote/pkg/domain-errors"
)

// GridSize is the side of the square grid every subject region is resampled to.
const GridSize = 128

// FeatureLen is the length of every extracted feature vector.
const FeatureLen = GridSize * GridSize

// Detector finds candidate subject regions in a grayscale frame.
type Detector interface {
	Detect(img *image.Gray) []image.Rectangle
}

// MaxSampleSide bounds each dimension of a decoded sample. Decoding cost is
// driven by the declared dimensions, not the payload size.
const MaxSampleSide = 4096

// decodeGray decodes PNG, JPEG or GIF bytes into an 8-bit grayscale image.
func decodeGray(sample []byte) (*image.Gray, error) {
	if len(sample) == 0 {
		return nil, dErrors.New(dErrors.CodeMalformedInput, "empty sample")
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(sample))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeMalformedInput, "sample is not a decodable image")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, dErrors.New(dErrors.CodeMalformedInput, "sample image is empty")
	}
	if cfg.Width > MaxSampleSide || cfg.Height > MaxSampleSide {
		return nil, dErrors.New(dErrors.CodeMalformedInput,
			fmt.Sprintf("sample image exceeds %dx%d pixels", MaxSampleSide, MaxSampleSide))
	}

	src, _, err := image.Decode(bytes.NewReader(sample))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeMalformedInput, "sample is not a decodable image")
	}
	b := src.Bounds()
	if b.Empty() {
		return nil, dErrors.New(dErrors.CodeMalformedInput, "sample image is empty")
	}
	if g, ok := src.(*image.Gray); ok {
		return g, nil
	}
	gray := image.NewGray(b)
	draw.Draw(gray, b, src, b.Min, draw.Src)
	return gray, nil
}

// extract runs detect, crop, resize, equalise, normalise and flatten.
// It is deterministic and has no side effects. ctx is checked between
// stages so an abandoned extraction stops early.
func extract(ctx context.Context, sample []byte, det Detector) ([]float32, error) {
	gray, err := decodeGray(sample)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "feature extraction cancelled")
	}
	regions := det.Detect(gray)
	switch {
	case len(regions) == 0:
		return nil, dErrors.New(dErrors.CodeNoSubjectDetected, "no subject detected in sample")
	case len(regions) > 1:
		return nil, dErrors.New(dErrors.CodeAmbiguousSubject, "multiple subjects detected in sample")
	}
	region := regions[0].Intersect(gray.Bounds())
	if region.Empty() {
		return nil, dErrors.New(dErrors.CodeNoSubjectDetected, "subject region outside the frame")
	}
	if err := ctx.Err(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "feature extraction cancelled")
	}

	grid := image.NewGray(image.Rect(0, 0, GridSize, GridSize))
	draw.BiLinear.Scale(grid, grid.Bounds(), gray, region, draw.Src, nil)
	equalize(grid)

	out := make([]float32, 0, FeatureLen)
	for y := 0; y < GridSize; y++ {
		row := grid.Pix[y*grid.Stride : y*grid.Stride+GridSize]
		for _, p := range row {
			out = append(out, float32(p)/255)
		}
	}
	return out, nil
}

// equalize applies histogram equalisation in place. A single-valued image is left as is.
func equalize(img *image.Gray) {
	var hist [256]int
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	for y := 0; y < h; y++ {
		for _, p := range img.Pix[y*img.Stride : y*img.Stride+w] {
			hist[p]++
		}
	}
	total := w * h
	var cdfMin, cum int
	for _, c := range hist {
		if c > 0 {
			cdfMin = c
			break
		}
	}
	if total == cdfMin {
		return
	}
	var lut [256]uint8
	for v, c := range hist {
		cum += c
		if cum < cdfMin {
			continue
		}
		lut[v] = uint8((float64(cum-cdfMin)*255)/float64(total-cdfMin) + 0.5)
	}
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w]
		for i, p := range row {
			row[i] = lut[p]
		}
	}
}
