/**
 * Fallback line detector options.
 *
 * Zero values select automatic sizing from the page dimensions, so the
 * same Options value works across scan resolutions.
 */

package fallback

import "fmt"

// Mode selects the binarization method.
type Mode string

const (
	// ModeOtsu uses a single global threshold chosen from the histogram.
	ModeOtsu Mode = "otsu"
	// ModeAdaptive compares each pixel to the mean of its neighbourhood.
	ModeAdaptive Mode = "adaptive"
)

// ParseMode maps a configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeOtsu, ModeAdaptive:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown binarization mode %q (want otsu or adaptive)", s)
	}
}

// Options configures Detector.Detect.
type Options struct {
	Mode Mode

	// MinContrast is the smallest max-min intensity spread treated as content.
	// Flatter pages binarize to nothing.
	MinContrast int

	// AdaptiveBlock is the odd side length of the adaptive mean window.
	AdaptiveBlock int
	// AdaptiveOffset is subtracted from the local mean before comparison.
	AdaptiveOffset int

	// DilateWidth and DilateHeight size the closing rectangle. Zero width
	// means page width / 100 (at least 3); zero height means 1.
	DilateWidth  int
	DilateHeight int

	// MinArea is the minimum bounding-box area in pixels. Zero means
	// 0.00005 × page area (at least 16).
	MinArea int

	// MinAspect is the minimum width/height ratio of a line.
	MinAspect float64

	// MaxHeightRatio rejects components taller than this fraction of the page.
	MaxHeightRatio float64
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Mode:           ModeOtsu,
		MinContrast:    32,
		AdaptiveBlock:  31,
		AdaptiveOffset: 10,
		MinAspect:      1.5,
		MaxHeightRatio: 0.1,
	}
}

// Validate checks option ranges.
func (o Options) Validate() error {
	if _, err := ParseMode(string(o.Mode)); err != nil {
		return err
	}
	if o.MinContrast < 0 || o.MinContrast > 255 {
		return fmt.Errorf("min_contrast must be within [0,255], got %d", o.MinContrast)
	}
	if o.Mode == ModeAdaptive && (o.AdaptiveBlock < 3 || o.AdaptiveBlock%2 == 0) {
		return fmt.Errorf("adaptive_block must be an odd number >= 3, got %d", o.AdaptiveBlock)
	}
	if o.DilateWidth < 0 || o.DilateHeight < 0 {
		return fmt.Errorf("dilation size must not be negative")
	}
	if o.DilateWidth > 0 && o.DilateHeight > 0 && o.DilateWidth <= o.DilateHeight {
		return fmt.Errorf("dilation must be wider than tall, got %dx%d", o.DilateWidth, o.DilateHeight)
	}
	if o.MinArea < 0 {
		return fmt.Errorf("min_area must not be negative, got %d", o.MinArea)
	}
	if o.MinAspect < 0 {
		return fmt.Errorf("min_aspect must not be negative, got %v", o.MinAspect)
	}
	if o.MaxHeightRatio <= 0 || o.MaxHeightRatio > 1 {
		return fmt.Errorf("max_height_ratio must be within (0,1], got %v", o.MaxHeightRatio)
	}
	return nil
}

// resolved fills automatic values for a width×height page.
func (o Options) resolved(width, height int) Options {
	if o.Mode == "" {
		o.Mode = ModeOtsu
	}
	if o.DilateWidth == 0 {
		o.DilateWidth = width / 100
		if o.DilateWidth < 3 {
			o.DilateWidth = 3
		}
	}
	if o.DilateHeight == 0 {
		o.DilateHeight = 1
	}
	if o.MinArea == 0 {
		o.MinArea = int(0.00005 * float64(width*height))
		if o.MinArea < 16 {
			o.MinArea = 16
		}
	}
	if o.AdaptiveBlock < 3 {
		o.AdaptiveBlock = 31
	}
	if o.AdaptiveBlock%2 == 0 {
		o.AdaptiveBlock++
	}
	if o.MaxHeightRatio <= 0 {
		o.MaxHeightRatio = 1
	}
	return o
}
