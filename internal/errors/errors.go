package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/adverant/nexus/linedetect-worker/internal/detection"
	"github.com/adverant/nexus/linedetect-worker/internal/geometry"
)

/**
 * Custom error types for the line detection worker
 *
 * Design Pattern: Factory Pattern for error creation
 * Sentinels from the detection packages are classified with CodeOf.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Detection errors
	ErrorInvalidGeometry     ErrorCode = "INVALID_GEOMETRY"
	ErrorDetectorUnavailable ErrorCode = "DETECTOR_UNAVAILABLE"
	ErrorFallbackExhausted   ErrorCode = "FALLBACK_EXHAUSTED"

	// Processing errors
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
	ErrorPageLoadFailed    ErrorCode = "PAGE_LOAD_FAILED"

	// Storage errors
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"

	// Anything unclassified
	ErrorInternal ErrorCode = "INTERNAL"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Factory functions for common errors

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewUnsupportedFormatError(jobID string, format string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorUnsupportedFormat,
		Message:   fmt.Sprintf("Unsupported image format: %s", format),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"format": format,
		},
	}
}

func NewPageLoadError(jobID string, page int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorPageLoadFailed,
		Message:   fmt.Sprintf("Failed to load page %d", page),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"page": page,
		},
		Cause: cause,
	}
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store detection results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// NewPageError wraps a per-page detection failure, classifying cause.
func NewPageError(jobID string, page int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      CodeOf(cause),
		Message:   fmt.Sprintf("Line detection failed on page %d", page),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"page": page,
		},
		Cause: cause,
	}
}

// CodeOf maps an error chain to its ErrorCode. A ProcessingError anywhere in
// the chain wins over the sentinels below it.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	switch {
	case stderrors.Is(err, geometry.ErrInvalidGeometry):
		return ErrorInvalidGeometry
	case stderrors.Is(err, detection.ErrFallbackExhausted):
		return ErrorFallbackExhausted
	case stderrors.Is(err, detection.ErrDetectorUnavailable):
		return ErrorDetectorUnavailable
	case stderrors.Is(err, detection.ErrInvalidRaster):
		return ErrorPageLoadFailed
	case stderrors.Is(err, context.DeadlineExceeded):
		return ErrorProcessingTimeout
	}
	return ErrorInternal
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
