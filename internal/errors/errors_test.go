package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/adverant/nexus/linedetect-worker/internal/detection"
	"github.com/adverant/nexus/linedetect-worker/internal/geometry"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ""},
		{"geometry", fmt.Errorf("cluster: %w", geometry.ErrInvalidGeometry), ErrorInvalidGeometry},
		{"exhausted", (&detection.DetectionResult{Page: 3, Exhausted: true}).Err(), ErrorFallbackExhausted},
		{"unavailable", fmt.Errorf("%w: boom", detection.ErrDetectorUnavailable), ErrorDetectorUnavailable},
		{"raster", fmt.Errorf("%w: empty", detection.ErrInvalidRaster), ErrorPageLoadFailed},
		{"deadline", fmt.Errorf("page 1: %w", context.DeadlineExceeded), ErrorProcessingTimeout},
		{"processing error", fmt.Errorf("wrap: %w", NewStorageFailedError("j", stderrors.New("db down"))), ErrorStorageFailed},
		{"other", stderrors.New("unexpected"), ErrorInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProcessingErrorToMap(t *testing.T) {
	cause := stderrors.New("deadline")
	err := NewProcessingTimeoutError("job-9", 2*time.Second, cause)

	m := err.ToMap()
	if m["error_code"] != "PROCESSING_TIMEOUT" {
		t.Errorf("error_code = %v", m["error_code"])
	}
	if m["timeout_duration"] != "2s" {
		t.Errorf("timeout_duration = %v", m["timeout_duration"])
	}
	if m["cause"] != "deadline" {
		t.Errorf("cause = %v", m["cause"])
	}
	if !stderrors.Is(err, cause) {
		t.Error("Unwrap does not expose the cause")
	}
}

func TestNewPageErrorClassifies(t *testing.T) {
	err := NewPageError("job-1", 4, (&detection.DetectionResult{Page: 4, Exhausted: true}).Err())
	if err.Code != ErrorFallbackExhausted {
		t.Errorf("Code = %s", err.Code)
	}
	if err.Details["page"] != 4 {
		t.Errorf("page detail = %v", err.Details["page"])
	}
}
