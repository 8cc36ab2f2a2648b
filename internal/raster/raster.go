// Package raster decodes page images and prepares the representations used
// by detection: a zero-origin colour image and its grayscale twin.
package raster

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/adverant/nexus/linedetect-worker/internal/detection"
)

// ErrUnsupportedFormat is returned for bytes no registered decoder accepts.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// Decode reads one image and reports its format name.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, "", fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	return img, format, nil
}

// DecodeBytes decodes an in-memory image.
func DecodeBytes(data []byte) (image.Image, string, error) {
	return Decode(bytes.NewReader(data))
}

// DecodeFile decodes an image from disk.
func DecodeFile(path string) (image.Image, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}

// NewPageRaster builds both representations of img, moved to a zero origin.
func NewPageRaster(number int, img image.Image) (detection.PageRaster, error) {
	if img == nil || img.Bounds().Empty() {
		return detection.PageRaster{}, fmt.Errorf("%w: page %d has no pixels", detection.ErrInvalidRaster, number)
	}
	b := img.Bounds()
	dst := image.Rect(0, 0, b.Dx(), b.Dy())

	color := img
	if b.Min != (image.Point{}) {
		rgba := image.NewRGBA(dst)
		draw.Draw(rgba, dst, img, b.Min, draw.Src)
		color = rgba
	}

	gray, ok := img.(*image.Gray)
	if !ok || b.Min != (image.Point{}) {
		gray = image.NewGray(dst)
		draw.Draw(gray, dst, img, b.Min, draw.Src)
	}

	return detection.PageRaster{Number: number, Color: color, Gray: gray}, nil
}

// EncodePNG serialises img for engines that take encoded bytes.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// Scale resizes img so that its longer side is at most maxSide pixels. Images
// already small enough are returned unchanged along with factor 1.
func Scale(img image.Image, maxSide int) (image.Image, float64) {
	b := img.Bounds()
	longest := b.Dx()
	if b.Dy() > longest {
		longest = b.Dy()
	}
	if maxSide <= 0 || longest <= maxSide {
		return img, 1
	}
	factor := float64(maxSide) / float64(longest)
	w := int(float64(b.Dx())*factor + 0.5)
	h := int(float64(b.Dy())*factor + 0.5)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(out, out.Bounds(), img, b, draw.Src, nil)
	return out, factor
}
