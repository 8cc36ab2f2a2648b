package fallback

import "image"

// binarize returns a row-major mask of the bounds of gray where 1 marks ink
// (dark pixels). The second result is false for pages without enough
// contrast to hold any content.
func binarize(gray *image.Gray, opts Options) ([]byte, bool) {
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()

	lo, hi := 255, 0
	for y := 0; y < h; y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+w]
		for _, v := range row {
			if int(v) < lo {
				lo = int(v)
			}
			if int(v) > hi {
				hi = int(v)
			}
		}
	}
	if hi-lo < opts.MinContrast {
		return nil, false
	}

	if opts.Mode == ModeAdaptive {
		return adaptiveMask(gray, w, h, opts.AdaptiveBlock, opts.AdaptiveOffset), true
	}
	return otsuMask(gray, w, h), true
}

// otsuThreshold picks the level maximising between-class variance. Pixels at
// or below it are ink.
func otsuThreshold(hist *[256]int, total int) int {
	var sum float64
	for i, n := range hist {
		sum += float64(i * n)
	}

	var sumB float64
	wB := 0
	best := -1.0
	threshold := 0
	for i, n := range hist {
		wB += n
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(i * n)
		mB := sumB / float64(wB)
		mF := (sum - sumB) / float64(wF)
		between := float64(wB) * float64(wF) * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			threshold = i
		}
	}
	return threshold
}

func otsuMask(gray *image.Gray, w, h int) []byte {
	var hist [256]int
	for y := 0; y < h; y++ {
		for _, v := range gray.Pix[y*gray.Stride : y*gray.Stride+w] {
			hist[v]++
		}
	}
	t := otsuThreshold(&hist, w*h)

	mask := make([]byte, w*h)
	for y := 0; y < h; y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+w]
		for x, v := range row {
			if int(v) <= t {
				mask[y*w+x] = 1
			}
		}
	}
	return mask
}

// adaptiveMask marks pixels darker than their block mean minus offset, using
// an integral image so the cost is independent of block size.
func adaptiveMask(gray *image.Gray, w, h, block, offset int) []byte {
	iw := w + 1
	integral := make([]int64, iw*(h+1))
	for y := 0; y < h; y++ {
		var rowSum int64
		for x := 0; x < w; x++ {
			rowSum += int64(gray.Pix[y*gray.Stride+x])
			integral[(y+1)*iw+x+1] = integral[y*iw+x+1] + rowSum
		}
	}

	r := block / 2
	mask := make([]byte, w*h)
	for y := 0; y < h; y++ {
		y0, y1 := clamp(y-r, 0, h), clamp(y+r+1, 0, h)
		for x := 0; x < w; x++ {
			x0, x1 := clamp(x-r, 0, w), clamp(x+r+1, 0, w)
			area := int64((x1 - x0) * (y1 - y0))
			sum := integral[y1*iw+x1] - integral[y0*iw+x1] - integral[y1*iw+x0] + integral[y0*iw+x0]
			if int64(gray.Pix[y*gray.Stride+x])*area < sum-int64(offset)*area {
				mask[y*w+x] = 1
			}
		}
	}
	return mask
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
