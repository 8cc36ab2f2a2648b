// Package fallback finds text lines on a grayscale page without a trained
// model: binarize, dilate horizontally, label connected components and keep
// the line-shaped ones.
package fallback

import (
	"image"

	"github.com/adverant/nexus/linedetect-worker/internal/geometry"
)

// Stats describes the work of one Detect call.
type Stats struct {
	Components int
	Kept       int
	Blank      bool
}

// Detector is the heuristic line detector. It holds no state, so one value
// may serve concurrent pages.
type Detector struct{}

// New returns a Detector.
func New() *Detector {
	return &Detector{}
}

// Detect returns candidate line boxes for gray in page coordinates (relative
// to gray.Bounds().Min). The order of operations is fixed: binarize, dilate,
// label, filter. Output order is unspecified; callers sort.
//
// A page without contrast yields no boxes.
func (d *Detector) Detect(gray *image.Gray, opts Options) []geometry.Box {
	boxes, _ := d.DetectWithStats(gray, opts)
	return boxes
}

// DetectWithStats is Detect that also reports component counts.
func (d *Detector) DetectWithStats(gray *image.Gray, opts Options) ([]geometry.Box, Stats) {
	if gray == nil {
		return nil, Stats{Blank: true}
	}
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, Stats{Blank: true}
	}
	opts = opts.resolved(w, h)

	mask, ok := binarize(gray, opts)
	if !ok {
		return nil, Stats{Blank: true}
	}
	mask = dilate(mask, w, h, opts.DilateWidth, opts.DilateHeight)

	found := components(mask, w, h)
	maxHeight := opts.MaxHeightRatio * float64(h)

	var kept []geometry.Box
	for _, c := range found {
		cw, ch := c.Width(), c.Height()
		if cw*ch < opts.MinArea {
			continue
		}
		if float64(cw) < opts.MinAspect*float64(ch) {
			continue
		}
		if float64(ch) > maxHeight {
			continue
		}
		kept = append(kept, c)
	}

	return kept, Stats{Components: len(found), Kept: len(kept)}
}
