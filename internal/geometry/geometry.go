// Package geometry holds the box primitives shared by the detectors and the
// line consolidation stages. All coordinates are integer pixels with the
// origin in the upper-left corner; X0/Y0 are inclusive and X1/Y1 exclusive.
package geometry

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidGeometry is returned for boxes with X1<=X0 or Y1<=Y0.
var ErrInvalidGeometry = errors.New("invalid geometry")

// Box is an axis-aligned pixel rectangle.
type Box struct {
	X0 int `json:"x0"`
	Y0 int `json:"y0"`
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
}

// ScoredBox is a Box reported by a detector together with its confidence in [0,1].
type ScoredBox struct {
	Box
	Confidence float64 `json:"confidence"`
}

// NewBox builds a box and validates it.
func NewBox(x0, y0, x1, y1 int) (Box, error) {
	b := Box{X0: x0, Y0: y0, X1: x1, Y1: y1}
	if err := b.Validate(); err != nil {
		return Box{}, err
	}
	return b, nil
}

// Validate reports whether the box has positive width and height.
func (b Box) Validate() error {
	if b.X1 <= b.X0 || b.Y1 <= b.Y0 {
		return fmt.Errorf("%w: (%d,%d,%d,%d)", ErrInvalidGeometry, b.X0, b.Y0, b.X1, b.Y1)
	}
	return nil
}

// Width returns X1-X0.
func (b Box) Width() int { return b.X1 - b.X0 }

// Height returns Y1-Y0.
func (b Box) Height() int { return b.Y1 - b.Y0 }

// CenterY returns the vertical midpoint.
func (b Box) CenterY() float64 { return float64(b.Y0+b.Y1) / 2 }

// Clip intersects the box with a width×height page. The second result is
// false when nothing of the box remains on the page.
func (b Box) Clip(width, height int) (Box, bool) {
	c := Box{
		X0: maxInt(b.X0, 0),
		Y0: maxInt(b.Y0, 0),
		X1: minInt(b.X1, width),
		Y1: minInt(b.Y1, height),
	}
	if c.X1 <= c.X0 || c.Y1 <= c.Y0 {
		return Box{}, false
	}
	return c, true
}

// Less orders boxes by (Y0, X0, Y1, X1). It gives every sort in the module a
// tie-break that depends only on coordinates, never on input position.
func (b Box) Less(o Box) bool {
	if b.Y0 != o.Y0 {
		return b.Y0 < o.Y0
	}
	if b.X0 != o.X0 {
		return b.X0 < o.X0
	}
	if b.Y1 != o.Y1 {
		return b.Y1 < o.Y1
	}
	return b.X1 < o.X1
}

// VerticalIoU is the intersection over union of the [Y0,Y1] intervals of a and b.
// Disjoint intervals yield 0.
func VerticalIoU(a, b Box) (float64, error) {
	if err := validatePair(a, b); err != nil {
		return 0, err
	}
	return verticalIoU(a, b), nil
}

// CenterDistanceY is the absolute difference of the vertical midpoints.
func CenterDistanceY(a, b Box) (float64, error) {
	if err := validatePair(a, b); err != nil {
		return 0, err
	}
	return centerDistanceY(a, b), nil
}

// Union returns the smallest box enclosing a and b.
func Union(a, b Box) (Box, error) {
	if err := validatePair(a, b); err != nil {
		return Box{}, err
	}
	return union(a, b), nil
}

// Area returns (X1-X0)*(Y1-Y0).
func Area(a Box) (int, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	return a.Width() * a.Height(), nil
}

// UnionAll merges a non-empty slice of boxes.
func UnionAll(boxes []Box) (Box, error) {
	if len(boxes) == 0 {
		return Box{}, fmt.Errorf("%w: empty box set", ErrInvalidGeometry)
	}
	out := boxes[0]
	if err := out.Validate(); err != nil {
		return Box{}, err
	}
	for _, b := range boxes[1:] {
		var err error
		if out, err = Union(out, b); err != nil {
			return Box{}, err
		}
	}
	return out, nil
}

// Coverage returns the summed area of boxes divided by the page area, capped
// at 1. Boxes are assumed not to overlap.
func Coverage(boxes []Box, width, height int) (float64, error) {
	if width <= 0 || height <= 0 {
		return 0, fmt.Errorf("%w: page %dx%d", ErrInvalidGeometry, width, height)
	}
	total := 0
	for _, b := range boxes {
		a, err := Area(b)
		if err != nil {
			return 0, err
		}
		total += a
	}
	return math.Min(1, float64(total)/float64(width*height)), nil
}

func validatePair(a, b Box) error {
	if err := a.Validate(); err != nil {
		return err
	}
	return b.Validate()
}

func verticalIoU(a, b Box) float64 {
	inter := minInt(a.Y1, b.Y1) - maxInt(a.Y0, b.Y0)
	if inter <= 0 {
		return 0
	}
	uni := maxInt(a.Y1, b.Y1) - minInt(a.Y0, b.Y0)
	return float64(inter) / float64(uni)
}

func centerDistanceY(a, b Box) float64 {
	return math.Abs(a.CenterY() - b.CenterY())
}

func union(a, b Box) Box {
	return Box{
		X0: minInt(a.X0, b.X0),
		Y0: minInt(a.Y0, b.Y0),
		X1: maxInt(a.X1, b.X1),
		Y1: maxInt(a.Y1, b.Y1),
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
