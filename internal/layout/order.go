package layout

import (
	"math"
	"sort"

	"github.com/adverant/nexus/linedetect-worker/internal/geometry"
)

// OrderOptions controls row banding in SortReadingOrder.
type OrderOptions struct {
	// RowToleranceScale multiplies the median line height to obtain the
	// maximum midpoint difference inside one row band.
	RowToleranceScale float64
}

// DefaultOrderOptions returns the default banding tolerance.
func DefaultOrderOptions() OrderOptions {
	return OrderOptions{RowToleranceScale: 0.5}
}

type rowBand struct {
	boxes  []geometry.Box
	midSum float64
}

func (b *rowBand) mid() float64 { return b.midSum / float64(len(b.boxes)) }

// SortReadingOrder returns line boxes top-to-bottom, then left-to-right inside
// a row band. Bands are built greedily over boxes pre-sorted by Y0: a box
// opens a new band when its midpoint is at least the tolerance away from the
// running midpoint of the current band.
//
// Multi-column pages are not detected; their columns interleave row by row.
func SortReadingOrder(boxes []geometry.Box, opts OrderOptions) []geometry.Box {
	if len(boxes) == 0 {
		return nil
	}

	sorted := make([]geometry.Box, len(boxes))
	copy(sorted, boxes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	heights := make([]float64, len(sorted))
	for i, b := range sorted {
		heights[i] = float64(b.Height())
	}
	tolerance := opts.RowToleranceScale * median(heights)

	var bands []*rowBand
	for _, b := range sorted {
		mid := b.CenterY()
		if n := len(bands); n > 0 && math.Abs(mid-bands[n-1].mid()) < tolerance {
			cur := bands[n-1]
			cur.boxes = append(cur.boxes, b)
			cur.midSum += mid
			continue
		}
		bands = append(bands, &rowBand{boxes: []geometry.Box{b}, midSum: mid})
	}

	out := make([]geometry.Box, 0, len(sorted))
	for _, band := range bands {
		sort.Slice(band.boxes, func(i, j int) bool {
			a, b := band.boxes[i], band.boxes[j]
			if a.X0 != b.X0 {
				return a.X0 < b.X0
			}
			return a.Less(b)
		})
		out = append(out, band.boxes...)
	}
	return out
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	s := make([]float64, len(values))
	copy(s, values)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}
