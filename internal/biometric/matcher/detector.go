package matcher

import (
	"fmt"
	"image"
	"math"
	"os"

	pigo "github.com/esimov/pigo/core"
)

// PigoDetector finds faces with a pigo cascade classifier.
type PigoDetector struct {
	classifier *pigo.Pigo
	minSize    int
	maxSize    int
	shift      float64
	scale      float64
	iou        float64
	minQuality float32
}

// NewPigoDetector unpacks the cascade file at path.
func NewPigoDetector(path string) (*PigoDetector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read face cascade: %w", err)
	}
	classifier, err := pigo.NewPigo().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("unpack face cascade: %w", err)
	}
	return &PigoDetector{
		classifier: classifier,
		minSize:    40,
		maxSize:    2000,
		shift:      0.1,
		scale:      1.1,
		iou:        0.2,
		minQuality: 5.0,
	}, nil
}

func (d *PigoDetector) Detect(img *image.Gray) []image.Rectangle {
	b := img.Bounds()
	cols, rows := b.Dx(), b.Dy()
	pixels := img.Pix
	if img.Stride != cols || b.Min != (image.Point{}) {
		pixels = make([]uint8, 0, cols*rows)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			off := img.PixOffset(b.Min.X, y)
			pixels = append(pixels, img.Pix[off:off+cols]...)
		}
	}
	params := pigo.CascadeParams{
		MinSize:     d.minSize,
		MaxSize:     min(d.maxSize, max(cols, rows)),
		ShiftFactor: d.shift,
		ScaleFactor: d.scale,
		ImageParams: pigo.ImageParams{
			Pixels: pixels,
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}
	dets := d.classifier.ClusterDetections(d.classifier.RunCascade(params, 0.0), d.iou)

	var out []image.Rectangle
	for _, det := range dets {
		if det.Q < d.minQuality {
			continue
		}
		half := det.Scale / 2
		r := image.Rect(det.Col-half, det.Row-half, det.Col+half, det.Row+half).Add(b.Min)
		out = append(out, r)
	}
	return out
}

// FrameDetector treats the whole frame as the subject, as fingerprint scanners
// deliver a pre-framed capture. A frame without contrast is reported as empty.
type FrameDetector struct {
	// MinStdDev is the pixel standard deviation below which the frame is blank.
	MinStdDev float64
}

func (d FrameDetector) Detect(img *image.Gray) []image.Rectangle {
	b := img.Bounds()
	n := float64(b.Dx() * b.Dy())
	if n == 0 {
		return nil
	}
	var sum, sumSq float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := img.PixOffset(b.Min.X, y)
		for _, p := range img.Pix[off : off+b.Dx()] {
			v := float64(p)
			sum += v
			sumSq += v * v
		}
	}
	mean := sum / n
	std := math.Sqrt(max(sumSq/n-mean*mean, 0))
	if std < d.MinStdDev {
		return nil
	}
	return []image.Rectangle{b}
}
