package layout

import (
	"math"

	"github.com/adverant/nexus/linedetect-worker/internal/geometry"
)

const (
	signatureBins = 32

	// SignatureDims is the length of the vector returned by Signature.
	SignatureDims = 2 * signatureBins
)

// Signature summarises the line layout of a page as a fixed-length vector.
//
// The first 32 values are the horizontal ink coverage of 32 equal row
// strips; the last 32 count line starts in 32 equal column strips. The
// vector is L2-normalised so pages of different resolution compare under
// cosine distance. A page without lines yields the zero vector.
func Signature(lines []geometry.Box, width, height int) []float32 {
	vec := make([]float32, SignatureDims)
	if width <= 0 || height <= 0 || len(lines) == 0 {
		return vec
	}

	rows := make([]float64, signatureBins)
	cols := make([]float64, signatureBins)
	stripH := float64(height) / signatureBins

	for _, b := range lines {
		clipped, ok := b.Clip(width, height)
		if !ok {
			continue
		}
		fracW := float64(clipped.Width()) / float64(width)
		for i := range rows {
			top := float64(i) * stripH
			bottom := top + stripH
			overlap := math.Min(bottom, float64(clipped.Y1)) - math.Max(top, float64(clipped.Y0))
			if overlap > 0 {
				rows[i] += fracW * overlap / stripH
			}
		}
		col := clipped.X0 * signatureBins / width
		if col >= signatureBins {
			col = signatureBins - 1
		}
		cols[col]++
	}

	var norm float64
	for i := 0; i < signatureBins; i++ {
		norm += rows[i]*rows[i] + cols[i]*cols[i]
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := 0; i < signatureBins; i++ {
		vec[i] = float32(rows[i] / norm)
		vec[signatureBins+i] = float32(cols[i] / norm)
	}
	return vec
}
