package detection

import (
	"context"
	"fmt"
	"time"

	"github.com/adverant/nexus/linedetect-worker/internal/fallback"
	"github.com/adverant/nexus/linedetect-worker/internal/geometry"
	"github.com/adverant/nexus/linedetect-worker/internal/layout"
	"github.com/adverant/nexus/linedetect-worker/internal/logging"
)

// fallbackConfidence is reported for heuristic regions, which carry no score.
const fallbackConfidence = 1.0

// Orchestrator sequences primary detection, acceptance, fallback, ordering
// and indexing for one page. It holds no per-page state and is safe for
// concurrent use.
type Orchestrator struct {
	primary  *PrimaryAdapter
	fallback *fallback.Detector
	logger   *logging.Logger
}

// NewOrchestrator builds an orchestrator around engine, which may be nil.
func NewOrchestrator(engine Engine, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NewLogger("Orchestrator")
	}
	return &Orchestrator{
		primary:  NewPrimaryAdapter(engine, logger),
		fallback: fallback.New(),
		logger:   logger,
	}
}

// DetectPageLines returns the ordered line regions of page.
//
// The primary result is accepted as a whole or rejected as a whole. It is
// rejected when the engine is unavailable, when it has fewer than
// policy.MinLines lines, or when its coverage is below policy.MinCoverage.
// A rejected page is run through the fallback detector on the grayscale
// image. Detector failures never surface as errors; only malformed rasters,
// invalid policies, geometry errors and a context cancelled before work
// starts do.
func (o *Orchestrator) DetectPageLines(ctx context.Context, page PageRaster, policy Policy) (*DetectionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := page.Validate(); err != nil {
		return nil, err
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid detection policy: %w", err)
	}

	start := time.Now()
	w, h := page.Size()
	result := &DetectionResult{Page: page.Number, Width: w, Height: h}

	outcome := o.primary.Detect(ctx, page, policy)
	result.Engine = outcome.Engine
	result.Representation = outcome.Representation

	var lines []layout.Line
	if len(outcome.Boxes) > 0 {
		var err error
		if lines, err = layout.ClusterLines(outcome.Boxes, policy.Cluster); err != nil {
			return nil, err
		}
		boxes := make([]geometry.Box, len(lines))
		for i, l := range lines {
			boxes[i] = l.Box
		}
		if result.PrimaryCoverage, err = geometry.Coverage(boxes, w, h); err != nil {
			return nil, err
		}
	}
	result.PrimaryLines = len(lines)

	reason := policy.rejectReason(outcome.Unavailable, len(lines), result.PrimaryCoverage)
	if reason == "" {
		result.Origin = OriginPrimary
		result.Coverage = result.PrimaryCoverage
		result.Regions = orderRegions(lines, OriginPrimary, policy.Order)
	} else {
		result.Origin = OriginFallback
		result.RejectReason = reason
		if err := o.runFallback(page, policy, result); err != nil {
			return nil, err
		}
	}
	result.Duration = time.Since(start)

	o.logger.Debug("Page lines detected",
		"page", page.Number,
		"origin", result.Origin,
		"regions", len(result.Regions),
		"coverage", fmt.Sprintf("%.4f", result.Coverage),
		"primary_lines", result.PrimaryLines,
		"reject_reason", result.RejectReason)
	return result, nil
}

func (o *Orchestrator) runFallback(page PageRaster, policy Policy, result *DetectionResult) error {
	boxes, stats := o.fallback.DetectWithStats(page.Gray, policy.Fallback)
	o.logger.Debug("Fallback detector finished",
		"page", page.Number,
		"components", stats.Components,
		"kept", stats.Kept,
		"blank", stats.Blank)
	if len(boxes) == 0 {
		result.Exhausted = true
		result.Coverage = 0
		result.Regions = []LineRegion{}
		return nil
	}

	coverage, err := geometry.Coverage(boxes, result.Width, result.Height)
	if err != nil {
		return err
	}
	result.Coverage = coverage

	lines := make([]layout.Line, len(boxes))
	for i, b := range boxes {
		lines[i] = layout.Line{Box: b, Confidence: fallbackConfidence}
	}
	result.Regions = orderRegions(lines, OriginFallback, policy.Order)
	return nil
}

// orderRegions sorts lines into reading order and assigns ordinals.
func orderRegions(lines []layout.Line, origin Origin, opts layout.OrderOptions) []LineRegion {
	confidences := make(map[geometry.Box][]float64, len(lines))
	boxes := make([]geometry.Box, len(lines))
	for i, l := range lines {
		boxes[i] = l.Box
		confidences[l.Box] = append(confidences[l.Box], l.Confidence)
	}

	ordered := layout.SortReadingOrder(boxes, opts)
	regions := make([]LineRegion, len(ordered))
	for i, b := range ordered {
		queue := confidences[b]
		regions[i] = LineRegion{Box: b, Origin: origin, Index: i, Confidence: queue[0]}
		confidences[b] = queue[1:]
	}
	return regions
}
