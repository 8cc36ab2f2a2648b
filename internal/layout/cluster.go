// Package layout turns detector primitives into text lines and puts lines in
// reading order. It is pure computation over geometry values.
package layout

import (
	"sort"

	"github.com/adverant/nexus/linedetect-worker/internal/geometry"
)

// ClusterOptions holds the thresholds used to group primitive boxes into lines.
type ClusterOptions struct {
	// IoUThreshold is the vertical IoU above which two boxes share a line.
	IoUThreshold float64

	// YThresholdScale multiplies the median primitive height to obtain the
	// centre-distance threshold, which keeps the rule resolution independent.
	YThresholdScale float64

	// ConfMin discards primitives with a lower confidence before clustering.
	ConfMin float64
}

// DefaultClusterOptions returns the thresholds used when nothing is configured.
func DefaultClusterOptions() ClusterOptions {
	return ClusterOptions{
		IoUThreshold:    0.5,
		YThresholdScale: 0.5,
		ConfMin:         0.5,
	}
}

// Line is one merged text line.
type Line struct {
	// Box is the union of all member boxes.
	Box geometry.Box

	// Confidence is the lowest member confidence.
	Confidence float64

	// Members are the primitives of the line sorted by X0.
	Members []geometry.ScoredBox

	// Weakest is the index in Members of the first member holding Confidence.
	Weakest int
}

// ClusterLines partitions primitive boxes into lines and returns one merged
// line per group, sorted by (Y0, X0).
//
// Two primitives belong to the same line when their vertical IoU exceeds
// IoUThreshold or their vertical midpoints are closer than
// YThresholdScale × median height. Lines are the connected groups of that
// relation, with one exception: a straddler, a primitive linked to two
// neighbours on the same horizontal side that are not linked to each other,
// does not bridge bands. Bands are formed without straddlers, then each
// straddler joins the neighbouring band it overlaps most.
func ClusterLines(boxes []geometry.ScoredBox, opts ClusterOptions) ([]Line, error) {
	for _, b := range boxes {
		if err := b.Validate(); err != nil {
			return nil, err
		}
	}

	kept := make([]geometry.ScoredBox, 0, len(boxes))
	for _, b := range boxes {
		if b.Confidence >= opts.ConfMin {
			kept = append(kept, b)
		}
	}
	if len(kept) == 0 {
		return nil, nil
	}

	heights := make([]float64, len(kept))
	for i, b := range kept {
		heights[i] = float64(b.Height())
	}
	yThreshold := opts.YThresholdScale * median(heights)

	same := func(a, b geometry.Box) bool {
		iou, _ := geometry.VerticalIoU(a, b)
		dist, _ := geometry.CenterDistanceY(a, b)
		return iou > opts.IoUThreshold || dist < yThreshold
	}

	n := len(kept)
	adj := make([][]int, n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if same(kept[i].Box, kept[j].Box) {
				adj[i] = append(adj[i], j)
				adj[j] = append(adj[j], i)
			}
		}
	}

	straddles := make([]bool, n)
	for i := range kept {
		straddles[i] = straddling(kept, i, adj[i], same)
	}

	uf := newArena(n)
	for i := range kept {
		if straddles[i] {
			continue
		}
		for _, j := range adj[i] {
			if !straddles[j] {
				uf.union(i, j)
			}
		}
	}

	// Bands are frozen before any straddler joins so the outcome does not
	// depend on the order straddlers are visited.
	band := make([]int, n)
	members := make(map[int][]geometry.Box)
	for i, b := range kept {
		if !straddles[i] {
			band[i] = uf.find(i)
			members[band[i]] = append(members[band[i]], b.Box)
		}
	}
	extent := make(map[int]geometry.Box, len(members))
	for r, m := range members {
		extent[r], _ = geometry.UnionAll(m)
	}

	var joins [][2]int
	var orphans []int
	for s := range kept {
		if !straddles[s] {
			continue
		}
		best := -1
		for _, j := range adj[s] {
			if straddles[j] {
				continue
			}
			if best < 0 || closerBand(kept[s].Box, extent[band[j]], extent[best]) {
				best = band[j]
			}
		}
		if best < 0 {
			orphans = append(orphans, s)
			continue
		}
		joins = append(joins, [2]int{s, best})
	}
	for _, jn := range joins {
		uf.union(jn[0], jn[1])
	}
	// Straddlers linked only to other straddlers group among themselves.
	isOrphan := make(map[int]bool, len(orphans))
	for _, s := range orphans {
		isOrphan[s] = true
	}
	for _, s := range orphans {
		for _, j := range adj[s] {
			if isOrphan[j] {
				uf.union(s, j)
			}
		}
	}

	groups := make(map[int][]geometry.ScoredBox)
	for i, b := range kept {
		r := uf.find(i)
		groups[r] = append(groups[r], b)
	}

	lines := make([]Line, 0, len(groups))
	for _, m := range groups {
		lines = append(lines, mergeLine(m))
	}
	sort.Slice(lines, func(a, b int) bool {
		return lines[a].Box.Less(lines[b].Box)
	})
	return lines, nil
}

// straddling reports whether s has two neighbours on the same horizontal side
// that are not on the same line as each other.
func straddling(kept []geometry.ScoredBox, s int, neighbours []int, same func(a, b geometry.Box) bool) bool {
	ref := kept[s].Box
	for x := 0; x < len(neighbours); x++ {
		a := kept[neighbours[x]].Box
		for y := x + 1; y < len(neighbours); y++ {
			b := kept[neighbours[y]].Box
			if side(a, ref) == side(b, ref) && !same(a, b) {
				return true
			}
		}
	}
	return false
}

// side is -1, 0 or 1 as b's horizontal centre is left of, level with or
// right of ref's.
func side(b, ref geometry.Box) int {
	c, r := b.X0+b.X1, ref.X0+ref.X1
	switch {
	case c < r:
		return -1
	case c > r:
		return 1
	}
	return 0
}

// closerBand reports whether band a is a better home for s than band b:
// higher vertical IoU, then smaller centre distance, then box order.
func closerBand(s, a, b geometry.Box) bool {
	ia, _ := geometry.VerticalIoU(s, a)
	ib, _ := geometry.VerticalIoU(s, b)
	if ia != ib {
		return ia > ib
	}
	da, _ := geometry.CenterDistanceY(s, a)
	db, _ := geometry.CenterDistanceY(s, b)
	if da != db {
		return da < db
	}
	return a.Less(b)
}

func mergeLine(members []geometry.ScoredBox) Line {
	sort.Slice(members, func(a, b int) bool {
		if members[a].X0 != members[b].X0 {
			return members[a].X0 < members[b].X0
		}
		return scoredLess(members[a], members[b])
	})

	boxes := make([]geometry.Box, len(members))
	for i, m := range members {
		boxes[i] = m.Box
	}
	line := Line{
		Confidence: members[0].Confidence,
		Members:    members,
	}
	line.Box, _ = geometry.UnionAll(boxes)
	for i, m := range members[1:] {
		if m.Confidence < line.Confidence {
			line.Confidence = m.Confidence
			line.Weakest = i + 1
		}
	}
	return line
}

func scoredLess(a, b geometry.ScoredBox) bool {
	if a.Box != b.Box {
		return a.Box.Less(b.Box)
	}
	return a.Confidence < b.Confidence
}

// arena is a union-find over primitive positions.
type arena struct {
	parent []int
	rank   []int
}

func newArena(n int) *arena {
	a := &arena{parent: make([]int, n), rank: make([]int, n)}
	for i := range a.parent {
		a.parent[i] = i
	}
	return a
}

func (a *arena) find(i int) int {
	for a.parent[i] != i {
		a.parent[i] = a.parent[a.parent[i]]
		i = a.parent[i]
	}
	return i
}

func (a *arena) union(i, j int) {
	ri, rj := a.find(i), a.find(j)
	if ri == rj {
		return
	}
	switch {
	case a.rank[ri] < a.rank[rj]:
		ri, rj = rj, ri
	case a.rank[ri] == a.rank[rj]:
		a.rank[ri]++
	}
	a.parent[rj] = ri
}
