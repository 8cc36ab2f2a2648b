package raster

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"golang.org/x/image/bmp"

	"github.com/adverant/nexus/linedetect-worker/internal/detection"
	"github.com/adverant/nexus/linedetect-worker/internal/geometry"
)

func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	return img
}

func TestDecodeFormats(t *testing.T) {
	src := testImage(32, 16)

	pngBytes, err := EncodePNG(src)
	if err != nil {
		t.Fatalf("EncodePNG failed: %v", err)
	}
	var jpg, bm bytes.Buffer
	if err := jpeg.Encode(&jpg, src, nil); err != nil {
		t.Fatalf("jpeg encode: %v", err)
	}
	if err := bmp.Encode(&bm, src); err != nil {
		t.Fatalf("bmp encode: %v", err)
	}

	for name, data := range map[string][]byte{"png": pngBytes, "jpeg": jpg.Bytes(), "bmp": bm.Bytes()} {
		t.Run(name, func(t *testing.T) {
			img, format, err := DecodeBytes(data)
			if err != nil {
				t.Fatalf("DecodeBytes failed: %v", err)
			}
			if format != name {
				t.Errorf("format = %q, want %q", format, name)
			}
			if img.Bounds().Dx() != 32 || img.Bounds().Dy() != 16 {
				t.Errorf("bounds = %v", img.Bounds())
			}
		})
	}
}

func TestDecodeUnsupported(t *testing.T) {
	_, _, err := DecodeBytes([]byte("%PDF-1.7 not an image"))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestNewPageRaster(t *testing.T) {
	src := testImage(40, 20)
	page, err := NewPageRaster(3, src)
	if err != nil {
		t.Fatalf("NewPageRaster failed: %v", err)
	}
	if err := page.Validate(); err != nil {
		t.Fatalf("page invalid: %v", err)
	}
	if page.Number != 3 || page.Gray.Bounds() != src.Bounds() {
		t.Errorf("page = %d %v", page.Number, page.Gray.Bounds())
	}

	offset := src.SubImage(image.Rect(10, 5, 30, 15))
	moved, err := NewPageRaster(1, offset)
	if err != nil {
		t.Fatalf("NewPageRaster failed: %v", err)
	}
	if moved.Gray.Bounds() != image.Rect(0, 0, 20, 10) || moved.Color.Bounds() != moved.Gray.Bounds() {
		t.Errorf("offset image not moved to origin: %v %v", moved.Gray.Bounds(), moved.Color.Bounds())
	}
	r, _, _, _ := moved.Color.At(0, 0).RGBA()
	if r>>8 != 10 {
		t.Errorf("pixel (0,0) red = %d, want 10", r>>8)
	}

	if _, err := NewPageRaster(1, image.NewRGBA(image.Rectangle{})); !errors.Is(err, detection.ErrInvalidRaster) {
		t.Errorf("empty image err = %v", err)
	}
}

func TestCropRegions(t *testing.T) {
	src := testImage(100, 50)
	regions := []detection.LineRegion{
		{Box: geometry.Box{X0: 10, Y0: 10, X1: 60, Y1: 20}, Index: 0},
		{Box: geometry.Box{X0: 0, Y0: 40, X1: 100, Y1: 50}, Index: 1},
	}
	crops := CropRegions(src, regions, 2)
	if len(crops) != 2 {
		t.Fatalf("got %d crops, want 2", len(crops))
	}
	if got := crops[0].Image.Bounds(); got != image.Rect(8, 8, 62, 22) {
		t.Errorf("crop 0 bounds = %v", got)
	}
	if got := crops[1].Image.Bounds(); got != image.Rect(0, 38, 100, 50) {
		t.Errorf("crop 1 bounds = %v (padding must be clipped)", got)
	}
	if crops[1].Region.Index != 1 {
		t.Errorf("crop lost its region")
	}
}

func TestScale(t *testing.T) {
	src := testImage(400, 100)
	out, factor := Scale(src, 200)
	if factor != 0.5 || out.Bounds().Dx() != 200 || out.Bounds().Dy() != 50 {
		t.Errorf("Scale = %v, %v", out.Bounds(), factor)
	}
	same, factor := Scale(src, 1000)
	if factor != 1 || same != image.Image(src) {
		t.Error("small image must be returned unchanged")
	}
}
