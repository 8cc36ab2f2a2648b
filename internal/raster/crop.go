package raster

import (
	"image"

	"golang.org/x/image/draw"

	"github.com/adverant/nexus/linedetect-worker/internal/detection"
)

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// Crop is one region cut out of a page.
type Crop struct {
	Region detection.LineRegion
	Image  image.Image
}

// CropRegions cuts every region out of img, padded by pad pixels and clipped
// to the image. Crops share pixels with img when it supports SubImage.
func CropRegions(img image.Image, regions []detection.LineRegion, pad int) []Crop {
	bounds := img.Bounds()
	crops := make([]Crop, 0, len(regions))
	for _, reg := range regions {
		r := image.Rect(
			bounds.Min.X+reg.X0-pad, bounds.Min.Y+reg.Y0-pad,
			bounds.Min.X+reg.X1+pad, bounds.Min.Y+reg.Y1+pad,
		).Intersect(bounds)
		if r.Empty() {
			continue
		}
		crops = append(crops, Crop{Region: reg, Image: cut(img, r)})
	}
	return crops
}

func cut(img image.Image, r image.Rectangle) image.Image {
	if s, ok := img.(subImager); ok {
		return s.SubImage(r)
	}
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Bounds(), img, r.Min, draw.Src)
	return out
}
