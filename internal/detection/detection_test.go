package detection

import (
	"context"
	"errors"
	"image"
	"image/color"
	"strings"
	"sync"
	"testing"

	"github.com/adverant/nexus/linedetect-worker/internal/geometry"
)

type fakeEngine struct {
	mu    sync.Mutex
	gray  []geometry.ScoredBox
	color []geometry.ScoredBox
	err   error
	calls []Representation
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) DetectBoxes(ctx context.Context, img image.Image) ([]geometry.ScoredBox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := img.(*image.Gray); ok {
		f.calls = append(f.calls, RepresentationGray)
		if f.err != nil {
			return nil, f.err
		}
		return f.gray, nil
	}
	f.calls = append(f.calls, RepresentationColor)
	if f.err != nil {
		return nil, f.err
	}
	return f.color, nil
}

func blankPage(w, h int) PageRaster {
	g := image.NewGray(image.Rect(0, 0, w, h))
	for i := range g.Pix {
		g.Pix[i] = 255
	}
	c := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range c.Pix {
		c.Pix[i] = 255
	}
	return PageRaster{Number: 1, Color: c, Gray: g}
}

// inkedPage draws three text-like lines of 8px glyphs separated by 3px gaps.
func inkedPage() PageRaster {
	p := blankPage(400, 300)
	for _, y := range []int{160, 40, 100} {
		for i := 0; i < 10; i++ {
			x := 20 + i*11
			for yy := y; yy < y+10; yy++ {
				for xx := x; xx < x+8; xx++ {
					p.Gray.SetGray(xx, yy, color.Gray{Y: 0})
				}
			}
		}
	}
	return p
}

// words lays out lines×5 word boxes, 40px apart vertically.
func words(lines int, conf float64) []geometry.ScoredBox {
	var out []geometry.ScoredBox
	for l := 0; l < lines; l++ {
		for w := 0; w < 5; w++ {
			x, y := 10+w*60, 10+40*l
			out = append(out, geometry.ScoredBox{Box: geometry.Box{X0: x, Y0: y, X1: x + 50, Y1: y + 20}, Confidence: conf})
		}
	}
	return out
}

func policyWith(minLines int, minCoverage float64) Policy {
	p := DefaultPolicy()
	p.MinLines = minLines
	p.MinCoverage = minCoverage
	p.Fallback.DilateWidth = 9
	return p
}

func TestPrimaryPrefersGray(t *testing.T) {
	eng := &fakeEngine{gray: words(2, 0.9), color: words(3, 0.9)}
	out := NewPrimaryAdapter(eng, nil).Detect(context.Background(), blankPage(400, 300), DefaultPolicy())

	if out.Representation != RepresentationGray {
		t.Errorf("Representation = %s, want gray", out.Representation)
	}
	if len(out.Boxes) != 10 {
		t.Errorf("got %d boxes, want 10", len(out.Boxes))
	}
	if len(eng.calls) != 1 {
		t.Errorf("engine called %d times, want 1", len(eng.calls))
	}
}

func TestPrimaryRetriesOnColor(t *testing.T) {
	eng := &fakeEngine{gray: words(2, 0.3), color: words(3, 0.9)}
	out := NewPrimaryAdapter(eng, nil).Detect(context.Background(), blankPage(400, 300), DefaultPolicy())

	if out.Representation != RepresentationColor {
		t.Fatalf("Representation = %s, want color", out.Representation)
	}
	if len(out.Boxes) != 15 {
		t.Errorf("got %d boxes, want 15 (color only, never merged)", len(out.Boxes))
	}
	if len(out.Attempts) != 2 || out.Attempts[0].Raw != 10 || out.Attempts[0].Accepted != 0 {
		t.Errorf("attempts = %+v", out.Attempts)
	}
}

func TestPrimaryNoColorImage(t *testing.T) {
	page := blankPage(400, 300)
	page.Color = nil
	eng := &fakeEngine{}
	out := NewPrimaryAdapter(eng, nil).Detect(context.Background(), page, DefaultPolicy())
	if out.Representation != RepresentationNone || len(eng.calls) != 1 {
		t.Errorf("outcome = %+v, calls = %v", out, eng.calls)
	}
}

func TestPrimaryUnavailable(t *testing.T) {
	eng := &fakeEngine{err: errors.New("model crashed")}
	out := NewPrimaryAdapter(eng, nil).Detect(context.Background(), blankPage(400, 300), DefaultPolicy())
	if !out.Unavailable || !errors.Is(out.Err, ErrDetectorUnavailable) {
		t.Errorf("outcome = %+v", out)
	}
	if len(eng.calls) != 1 {
		t.Errorf("colour retry attempted after engine error: %v", eng.calls)
	}

	none := NewPrimaryAdapter(nil, nil).Detect(context.Background(), blankPage(10, 10), DefaultPolicy())
	if !none.Unavailable || !errors.Is(none.Err, ErrDetectorUnavailable) {
		t.Errorf("nil engine outcome = %+v", none)
	}
}

func TestPrimaryClipsToPage(t *testing.T) {
	eng := &fakeEngine{gray: []geometry.ScoredBox{
		{Box: geometry.Box{X0: -10, Y0: 5, X1: 50, Y1: 25}, Confidence: 0.9},
		{Box: geometry.Box{X0: 500, Y0: 5, X1: 550, Y1: 25}, Confidence: 0.9},
	}}
	out := NewPrimaryAdapter(eng, nil).Detect(context.Background(), blankPage(400, 300), DefaultPolicy())
	if len(out.Boxes) != 1 || out.Boxes[0].Box != (geometry.Box{X0: 0, Y0: 5, X1: 50, Y1: 25}) {
		t.Errorf("boxes = %+v", out.Boxes)
	}
}

func TestDetectPageLinesPrimaryAccepted(t *testing.T) {
	eng := &fakeEngine{gray: words(4, 0.9)}
	res, err := NewOrchestrator(eng, nil).DetectPageLines(context.Background(), blankPage(400, 300), policyWith(4, 0.02))
	if err != nil {
		t.Fatalf("DetectPageLines failed: %v", err)
	}
	if res.Origin != OriginPrimary {
		t.Fatalf("Origin = %s (%s), want primary", res.Origin, res.RejectReason)
	}
	if len(res.Regions) != 4 {
		t.Fatalf("got %d regions, want 4", len(res.Regions))
	}
	for i, r := range res.Regions {
		if r.Index != i {
			t.Errorf("region %d has index %d", i, r.Index)
		}
		if i > 0 && r.Y0 <= res.Regions[i-1].Y0 {
			t.Errorf("regions not top-to-bottom at %d", i)
		}
		if r.Origin != OriginPrimary || r.Confidence != 0.9 {
			t.Errorf("region %d = %+v", i, r)
		}
	}
	if res.Err() != nil {
		t.Errorf("Err() = %v", res.Err())
	}
}

func TestDetectPageLinesMinLinesBoundary(t *testing.T) {
	tests := []struct {
		name     string
		minLines int
		want     Origin
	}{
		{"exactly MinLines", 4, OriginPrimary},
		{"one below MinLines", 5, OriginFallback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{gray: words(4, 0.9)}
			res, err := NewOrchestrator(eng, nil).DetectPageLines(context.Background(), inkedPage(), policyWith(tt.minLines, 0))
			if err != nil {
				t.Fatalf("DetectPageLines failed: %v", err)
			}
			if res.Origin != tt.want {
				t.Errorf("Origin = %s, want %s", res.Origin, tt.want)
			}
			if res.PrimaryLines != 4 {
				t.Errorf("PrimaryLines = %d, want 4", res.PrimaryLines)
			}
			if tt.want == OriginFallback && !strings.Contains(res.RejectReason, "too few lines") {
				t.Errorf("RejectReason = %q", res.RejectReason)
			}
		})
	}
}

func TestDetectPageLinesMinCoverageBoundary(t *testing.T) {
	// page area 100000, MinCoverage 0.02 needs 2000 px
	tests := []struct {
		name string
		box  geometry.Box
		want Origin
	}{
		{"exactly MinCoverage", geometry.Box{X0: 0, Y0: 0, X1: 200, Y1: 10}, OriginPrimary},
		{"just below MinCoverage", geometry.Box{X0: 0, Y0: 0, X1: 199, Y1: 10}, OriginFallback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{gray: []geometry.ScoredBox{{Box: tt.box, Confidence: 1}}}
			res, err := NewOrchestrator(eng, nil).DetectPageLines(context.Background(), blankPage(1000, 100), policyWith(1, 0.02))
			if err != nil {
				t.Fatalf("DetectPageLines failed: %v", err)
			}
			if res.Origin != tt.want {
				t.Errorf("Origin = %s (coverage %v), want %s", res.Origin, res.PrimaryCoverage, tt.want)
			}
		})
	}
}

func TestDetectPageLinesSparsePrimaryFallsBack(t *testing.T) {
	eng := &fakeEngine{gray: []geometry.ScoredBox{
		{Box: geometry.Box{X0: 0, Y0: 0, X1: 100, Y1: 34}, Confidence: 0.9},
		{Box: geometry.Box{X0: 0, Y0: 100, X1: 100, Y1: 133}, Confidence: 0.9},
		{Box: geometry.Box{X0: 0, Y0: 200, X1: 100, Y1: 233}, Confidence: 0.9},
	}}
	res, err := NewOrchestrator(eng, nil).DetectPageLines(context.Background(), blankPage(1000, 1000), policyWith(3, 0.02))
	if err != nil {
		t.Fatalf("DetectPageLines failed: %v", err)
	}
	if res.PrimaryCoverage != 0.01 {
		t.Errorf("PrimaryCoverage = %v, want 0.01", res.PrimaryCoverage)
	}
	if res.Origin != OriginFallback || !strings.Contains(res.RejectReason, "coverage") {
		t.Errorf("Origin = %s, RejectReason = %q", res.Origin, res.RejectReason)
	}
}

func TestDetectPageLinesBlankPage(t *testing.T) {
	res, err := NewOrchestrator(&fakeEngine{}, nil).DetectPageLines(context.Background(), blankPage(200, 100), DefaultPolicy())
	if err != nil {
		t.Fatalf("blank page must not error: %v", err)
	}
	if res.Origin != OriginFallback || len(res.Regions) != 0 || res.Coverage != 0 {
		t.Errorf("result = %+v", res)
	}
	if !res.Exhausted || !errors.Is(res.Err(), ErrFallbackExhausted) {
		t.Errorf("Exhausted = %v, Err() = %v", res.Exhausted, res.Err())
	}
}

func TestDetectPageLinesFullPageCoverage(t *testing.T) {
	eng := &fakeEngine{gray: []geometry.ScoredBox{{Box: geometry.Box{X0: 0, Y0: 0, X1: 200, Y1: 100}, Confidence: 1}}}
	res, err := NewOrchestrator(eng, nil).DetectPageLines(context.Background(), blankPage(200, 100), policyWith(1, 0.02))
	if err != nil {
		t.Fatalf("DetectPageLines failed: %v", err)
	}
	if res.Origin != OriginPrimary || res.Coverage != 1.0 {
		t.Errorf("Origin = %s, Coverage = %v", res.Origin, res.Coverage)
	}
}

func TestDetectPageLinesUnavailableUsesFallback(t *testing.T) {
	eng := &fakeEngine{err: errors.New("connection refused")}
	res, err := NewOrchestrator(eng, nil).DetectPageLines(context.Background(), inkedPage(), policyWith(15, 0.02))
	if err != nil {
		t.Fatalf("engine failure must not surface: %v", err)
	}
	if res.Origin != OriginFallback || res.RejectReason != "primary detector unavailable" {
		t.Errorf("Origin = %s, RejectReason = %q", res.Origin, res.RejectReason)
	}
	if len(res.Regions) != 3 {
		t.Fatalf("got %d fallback regions, want 3", len(res.Regions))
	}
	for i, r := range res.Regions {
		if r.Index != i || r.Origin != OriginFallback {
			t.Errorf("region %d = %+v", i, r)
		}
		if i > 0 && r.Y0 <= res.Regions[i-1].Y0 {
			t.Errorf("fallback regions not in reading order")
		}
		if r.X0 < 0 || r.Y0 < 0 || r.X1 > res.Width || r.Y1 > res.Height {
			t.Errorf("region %+v outside the page", r.Box)
		}
	}
	if res.Coverage <= 0 || res.Coverage > 1 {
		t.Errorf("Coverage = %v", res.Coverage)
	}
}

func TestDetectPageLinesInvalidInput(t *testing.T) {
	o := NewOrchestrator(&fakeEngine{}, nil)

	if _, err := o.DetectPageLines(context.Background(), PageRaster{Number: 2}, DefaultPolicy()); !errors.Is(err, ErrInvalidRaster) {
		t.Errorf("missing gray: err = %v", err)
	}

	page := blankPage(100, 100)
	page.Color = image.NewRGBA(image.Rect(0, 0, 50, 50))
	if _, err := o.DetectPageLines(context.Background(), page, DefaultPolicy()); !errors.Is(err, ErrInvalidRaster) {
		t.Errorf("mismatched bounds: err = %v", err)
	}

	shifted := PageRaster{Number: 3, Gray: image.NewGray(image.Rect(10, 20, 110, 120))}
	if _, err := o.DetectPageLines(context.Background(), shifted, DefaultPolicy()); !errors.Is(err, ErrInvalidRaster) {
		t.Errorf("non-zero origin: err = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := o.DetectPageLines(ctx, blankPage(100, 100), DefaultPolicy()); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled context: err = %v", err)
	}

	bad := DefaultPolicy()
	bad.MinCoverage = 2
	if _, err := o.DetectPageLines(context.Background(), blankPage(100, 100), bad); err == nil {
		t.Error("expected error for invalid policy")
	}
}
