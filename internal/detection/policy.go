package detection

import (
	"fmt"

	"github.com/adverant/nexus/linedetect-worker/internal/fallback"
	"github.com/adverant/nexus/linedetect-worker/internal/layout"
)

// Policy is the explicit configuration of one detection call.
type Policy struct {
	// MinLines is the fewest primary lines accepted before falling back.
	MinLines int

	// MinCoverage is the smallest primary line area / page area accepted.
	MinCoverage float64

	Cluster  layout.ClusterOptions
	Order    layout.OrderOptions
	Fallback fallback.Options
}

// DefaultPolicy returns MIN_LINES=15, MIN_COVERAGE=0.02 and the default
// clustering, ordering and fallback options.
func DefaultPolicy() Policy {
	return Policy{
		MinLines:    15,
		MinCoverage: 0.02,
		Cluster:     layout.DefaultClusterOptions(),
		Order:       layout.DefaultOrderOptions(),
		Fallback:    fallback.DefaultOptions(),
	}
}

// Validate checks every threshold.
func (p Policy) Validate() error {
	if p.MinLines < 0 {
		return fmt.Errorf("min_lines must not be negative, got %d", p.MinLines)
	}
	if p.MinCoverage < 0 || p.MinCoverage > 1 {
		return fmt.Errorf("min_coverage must be within [0,1], got %v", p.MinCoverage)
	}
	if p.Cluster.IoUThreshold < 0 || p.Cluster.IoUThreshold > 1 {
		return fmt.Errorf("iou_threshold must be within [0,1], got %v", p.Cluster.IoUThreshold)
	}
	if p.Cluster.YThresholdScale < 0 {
		return fmt.Errorf("y_threshold_scale must not be negative, got %v", p.Cluster.YThresholdScale)
	}
	if p.Cluster.ConfMin < 0 || p.Cluster.ConfMin > 1 {
		return fmt.Errorf("conf_min must be within [0,1], got %v", p.Cluster.ConfMin)
	}
	if p.Order.RowToleranceScale < 0 {
		return fmt.Errorf("row_tolerance_scale must not be negative, got %v", p.Order.RowToleranceScale)
	}
	if err := p.Fallback.Validate(); err != nil {
		return fmt.Errorf("fallback: %w", err)
	}
	return nil
}

// rejectReason applies the acceptance rule to a primary result. It returns
// "" when the primary result is accepted.
func (p Policy) rejectReason(unavailable bool, lines int, coverage float64) string {
	switch {
	case unavailable:
		return "primary detector unavailable"
	case lines < p.MinLines:
		return fmt.Sprintf("too few lines: %d < %d", lines, p.MinLines)
	case coverage < p.MinCoverage:
		return fmt.Sprintf("coverage too low: %.4f < %.4f", coverage, p.MinCoverage)
	}
	return ""
}
