package detection

import (
	"context"
	"fmt"
	"image"

	"github.com/adverant/nexus/linedetect-worker/internal/geometry"
	"github.com/adverant/nexus/linedetect-worker/internal/logging"
)

// Engine is an external word or line detector. Implementations return boxes
// in the pixel coordinates of img; engines without scores report 1.0.
type Engine interface {
	Name() string
	DetectBoxes(ctx context.Context, img image.Image) ([]geometry.ScoredBox, error)
}

// Attempt records one engine call.
type Attempt struct {
	Representation Representation
	Raw            int
	Accepted       int
	Err            error
}

// PrimaryOutcome is the result of PrimaryAdapter.Detect.
type PrimaryOutcome struct {
	Engine         string
	Representation Representation
	Boxes          []geometry.ScoredBox
	Attempts       []Attempt
	Unavailable    bool
	Err            error
}

// PrimaryAdapter runs an Engine gray first and retries once on colour.
type PrimaryAdapter struct {
	engine Engine
	logger *logging.Logger
}

// NewPrimaryAdapter wraps engine. A nil engine makes every call unavailable.
func NewPrimaryAdapter(engine Engine, logger *logging.Logger) *PrimaryAdapter {
	if logger == nil {
		logger = logging.NewLogger("PrimaryDetector")
	}
	return &PrimaryAdapter{engine: engine, logger: logger}
}

// Detect runs the two-attempt sequence. Attempt 1 uses the grayscale image;
// only if it yields no box at or above the confidence floor does attempt 2
// run on the colour image. Results are never merged across attempts. An
// engine error ends the sequence with Unavailable set.
func (a *PrimaryAdapter) Detect(ctx context.Context, page PageRaster, policy Policy) PrimaryOutcome {
	out := PrimaryOutcome{Representation: RepresentationNone}
	if a.engine == nil {
		out.Unavailable = true
		out.Err = fmt.Errorf("%w: no engine configured", ErrDetectorUnavailable)
		return out
	}
	out.Engine = a.engine.Name()

	steps := []struct {
		rep Representation
		img image.Image
	}{
		{RepresentationGray, page.Gray},
		{RepresentationColor, page.Color},
	}
	for _, step := range steps {
		if step.img == nil {
			continue
		}
		boxes, attempt := a.run(ctx, page, step.rep, step.img, policy.Cluster.ConfMin)
		out.Attempts = append(out.Attempts, attempt)
		if attempt.Err != nil {
			out.Unavailable = true
			out.Err = fmt.Errorf("%w: %s on %s page %d: %v",
				ErrDetectorUnavailable, out.Engine, step.rep, page.Number, attempt.Err)
			a.logger.Warn("Primary detector failed", "engine", out.Engine, "page", page.Number,
				"representation", step.rep, "error", attempt.Err)
			return out
		}
		if len(boxes) > 0 {
			out.Representation = step.rep
			out.Boxes = boxes
			return out
		}
		a.logger.Debug("Primary attempt yielded no usable boxes", "engine", out.Engine,
			"page", page.Number, "representation", step.rep, "raw", attempt.Raw)
	}
	return out
}

func (a *PrimaryAdapter) run(ctx context.Context, page PageRaster, rep Representation, img image.Image, confMin float64) ([]geometry.ScoredBox, Attempt) {
	attempt := Attempt{Representation: rep}

	// Inference is not interruptible; cancellation is honoured between pages.
	raw, err := a.engine.DetectBoxes(context.WithoutCancel(ctx), img)
	if err != nil {
		attempt.Err = err
		return nil, attempt
	}
	attempt.Raw = len(raw)

	w, h := page.Size()
	accepted := make([]geometry.ScoredBox, 0, len(raw))
	for _, b := range raw {
		if b.Confidence < confMin {
			continue
		}
		clipped, ok := b.Box.Clip(w, h)
		if !ok {
			continue
		}
		accepted = append(accepted, geometry.ScoredBox{Box: clipped, Confidence: b.Confidence})
	}
	attempt.Accepted = len(accepted)
	return accepted, attempt
}
