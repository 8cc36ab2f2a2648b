// Package detection produces the ordered line regions of one page. It runs
// the primary engine, judges its output against a Policy and falls back to
// the heuristic detector when the primary result is too weak.
package detection

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/adverant/nexus/linedetect-worker/internal/geometry"
)

var (
	// ErrDetectorUnavailable marks a primary engine that failed or is absent.
	// It is recovered through the fallback path and never returned by
	// Orchestrator.DetectPageLines.
	ErrDetectorUnavailable = errors.New("primary detector unavailable")

	// ErrFallbackExhausted is reported by DetectionResult.Err when neither
	// path produced a usable line.
	ErrFallbackExhausted = errors.New("fallback detector produced no lines")

	// ErrInvalidRaster is returned for pages without a usable grayscale image.
	ErrInvalidRaster = errors.New("invalid page raster")
)

// Origin names the path that produced a region.
type Origin string

const (
	OriginPrimary  Origin = "primary"
	OriginFallback Origin = "fallback"
)

// Representation names the image handed to the primary engine.
type Representation string

const (
	RepresentationGray  Representation = "gray"
	RepresentationColor Representation = "color"
	RepresentationNone  Representation = "none"
)

// PageRaster is one page in two co-registered representations. Color may be
// nil, in which case the colour retry is skipped.
type PageRaster struct {
	Number int
	Color  image.Image
	Gray   *image.Gray
}

// Validate checks that Gray is present, non-empty and anchored at (0,0), and
// that Color, if set, has the same bounds. All region coordinates are page
// pixels relative to that origin.
func (p PageRaster) Validate() error {
	if p.Gray == nil {
		return fmt.Errorf("%w: page %d has no grayscale image", ErrInvalidRaster, p.Number)
	}
	b := p.Gray.Bounds()
	if b.Empty() {
		return fmt.Errorf("%w: page %d is empty", ErrInvalidRaster, p.Number)
	}
	if b.Min != (image.Point{}) {
		return fmt.Errorf("%w: page %d origin %v is not (0,0)", ErrInvalidRaster, p.Number, b.Min)
	}
	if p.Color != nil && p.Color.Bounds() != b {
		return fmt.Errorf("%w: page %d colour bounds %v differ from gray bounds %v",
			ErrInvalidRaster, p.Number, p.Color.Bounds(), b)
	}
	return nil
}

// Size returns the page width and height in pixels.
func (p PageRaster) Size() (int, int) {
	b := p.Gray.Bounds()
	return b.Dx(), b.Dy()
}

// LineRegion is one text line handed to cropping and recognition.
type LineRegion struct {
	geometry.Box
	Origin     Origin  `json:"origin"`
	Index      int     `json:"index"`
	Confidence float64 `json:"confidence"`
}

// DetectionResult is the ordered line sequence of one page.
type DetectionResult struct {
	Page     int          `json:"page"`
	Width    int          `json:"width"`
	Height   int          `json:"height"`
	Regions  []LineRegion `json:"regions"`
	Origin   Origin       `json:"origin"`
	Coverage float64      `json:"coverage"`

	// Primary path summary, filled whenever the primary path ran.
	Engine          string         `json:"engine,omitempty"`
	Representation  Representation `json:"representation"`
	PrimaryLines    int            `json:"primary_lines"`
	PrimaryCoverage float64        `json:"primary_coverage"`

	// RejectReason is set when Origin is fallback.
	RejectReason string `json:"reject_reason,omitempty"`

	// Exhausted is true when the fallback also found nothing.
	Exhausted bool `json:"exhausted"`

	Duration time.Duration `json:"duration_ns"`
}

// Err returns ErrFallbackExhausted for exhausted pages and nil otherwise.
func (r *DetectionResult) Err() error {
	if r != nil && r.Exhausted {
		return fmt.Errorf("page %d: %w", r.Page, ErrFallbackExhausted)
	}
	return nil
}

// Boxes returns the region boxes in reading order.
func (r *DetectionResult) Boxes() []geometry.Box {
	out := make([]geometry.Box, len(r.Regions))
	for i, reg := range r.Regions {
		out[i] = reg.Box
	}
	return out
}
