package fallback

import "github.com/adverant/nexus/linedetect-worker/internal/geometry"

// dilate grows ink by a kw×kh rectangle. The pass is separable: a
// nearest-ink scan along rows followed by one along columns.
func dilate(mask []byte, w, h, kw, kh int) []byte {
	if kw > 1 {
		mask = dilateRows(mask, w, h, kw)
	}
	if kh > 1 {
		mask = dilateCols(mask, w, h, kh)
	}
	return mask
}

func dilateRows(mask []byte, w, h, k int) []byte {
	left := k / 2
	right := k - 1 - left
	out := make([]byte, len(mask))
	for y := 0; y < h; y++ {
		row := mask[y*w : (y+1)*w]
		dst := out[y*w : (y+1)*w]
		// ink at p spreads to [p-right, p+left]
		last := -1 << 30
		for x := 0; x < w; x++ {
			if row[x] == 1 {
				last = x
			}
			if x-last <= left {
				dst[x] = 1
			}
		}
		next := 1 << 30
		for x := w - 1; x >= 0; x-- {
			if row[x] == 1 {
				next = x
			}
			if next-x <= right {
				dst[x] = 1
			}
		}
	}
	return out
}

func dilateCols(mask []byte, w, h, k int) []byte {
	up := k / 2
	down := k - 1 - up
	out := make([]byte, len(mask))
	for x := 0; x < w; x++ {
		last := -1 << 30
		for y := 0; y < h; y++ {
			if mask[y*w+x] == 1 {
				last = y
			}
			if y-last <= up {
				out[y*w+x] = 1
			}
		}
		next := 1 << 30
		for y := h - 1; y >= 0; y-- {
			if mask[y*w+x] == 1 {
				next = y
			}
			if next-y <= down {
				out[y*w+x] = 1
			}
		}
	}
	return out
}

// components labels 8-connected ink regions with an explicit stack and
// returns their bounding boxes in scan order.
func components(mask []byte, w, h int) []geometry.Box {
	visited := make([]bool, len(mask))
	var boxes []geometry.Box
	var stack []int

	for start := range mask {
		if mask[start] == 0 || visited[start] {
			continue
		}
		visited[start] = true
		stack = append(stack[:0], start)
		box := geometry.Box{X0: start % w, Y0: start / w, X1: start%w + 1, Y1: start/w + 1}

		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			cx, cy := idx%w, idx/w
			if cx < box.X0 {
				box.X0 = cx
			}
			if cx+1 > box.X1 {
				box.X1 = cx + 1
			}
			if cy+1 > box.Y1 {
				box.Y1 = cy + 1
			}

			for dy := -1; dy <= 1; dy++ {
				ny := cy + dy
				if ny < 0 || ny >= h {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					nx := cx + dx
					if (dx == 0 && dy == 0) || nx < 0 || nx >= w {
						continue
					}
					n := ny*w + nx
					if mask[n] == 1 && !visited[n] {
						visited[n] = true
						stack = append(stack, n)
					}
				}
			}
		}
		boxes = append(boxes, box)
	}
	return boxes
}
