/**
 * Document Processor for the line detection worker
 *
 * Runs every page of a job through the detection pipeline:
 * - load page bytes (inline buffer, URL download with retry, or local file)
 * - decode and build the gray/colour page raster
 * - primary detection with acceptance check and heuristic fallback
 * - crop the ordered line regions for the downstream recognizer
 * - persist page rows and layout signatures
 *
 * Pages run concurrently up to PageConcurrency; a failing page never
 * aborts the others.
 */

package processor

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adverant/nexus/linedetect-worker/internal/detection"
	"github.com/adverant/nexus/linedetect-worker/internal/errors"
	"github.com/adverant/nexus/linedetect-worker/internal/logging"
	"github.com/adverant/nexus/linedetect-worker/internal/raster"
	"github.com/adverant/nexus/linedetect-worker/internal/storage"
)

// DocumentProcessorInterface defines the interface for document processing
type DocumentProcessorInterface interface {
	ProcessDocument(ctx context.Context, req *ProcessRequest) (*ProcessResult, error)
}

// ResultStore persists job and page results. *storage.StorageManager
// satisfies it.
type ResultStore interface {
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
	StorePageResult(ctx context.Context, input *storage.PageResultInput) (*storage.PageRecord, error)
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Engine            detection.Engine // nil runs every page through the fallback
	Policy            detection.Policy
	Store             ResultStore // optional
	PageConcurrency   int
	MaxFileSize       int64
	ProcessingTimeout time.Duration
	CropPadding       int
	HTTPClient        *http.Client
	Download          DownloadOptions
}

// PageInput is one page of a job. Exactly one source is used, in the order
// Data, URL, Path.
type PageInput struct {
	Number int
	Data   []byte
	URL    string
	Path   string
}

// ProcessRequest represents a document processing request
type ProcessRequest struct {
	JobID    string
	Pages    []PageInput
	Metadata map[string]interface{}
}

// PageOutcome is the per-page result of a job.
type PageOutcome struct {
	Page      int                        `json:"page"`
	Result    *detection.DetectionResult `json:"result,omitempty"`
	Crops     []raster.Crop              `json:"-"`
	RecordID  string                     `json:"recordId,omitempty"`
	ErrorCode string                     `json:"errorCode,omitempty"`
	Error     string                     `json:"error,omitempty"`
	err       error
}

// Err returns the page failure, if any.
func (o *PageOutcome) Err() error { return o.err }

func (o *PageOutcome) fail(err error) {
	o.err = err
	o.ErrorCode = string(errors.CodeOf(err))
	o.Error = err.Error()
}

// ProcessResult represents the processing result
type ProcessResult struct {
	JobID            string        `json:"jobId"`
	Engine           string        `json:"engine"`
	Pages            []PageOutcome `json:"pages"`
	PagesFailed      int           `json:"pagesFailed"`
	FallbackPages    int           `json:"fallbackPages"`
	LineCount        int           `json:"lineCount"`
	ProcessingTimeMs int64         `json:"processingTimeMs"`
}

// DocumentProcessor handles document processing
type DocumentProcessor struct {
	config       *ProcessorConfig
	orchestrator *detection.Orchestrator
	loader       *pageLoader
	engineName   string
	logger       *logging.Logger
}

// NewDocumentProcessor creates a new document processor
func NewDocumentProcessor(cfg *ProcessorConfig) (*DocumentProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid detection policy: %w", err)
	}

	if cfg.PageConcurrency <= 0 {
		cfg.PageConcurrency = runtime.NumCPU()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}

	engineName := "none"
	if cfg.Engine != nil {
		engineName = cfg.Engine.Name()
	}

	logger := logging.NewLogger("DocumentProcessor")
	return &DocumentProcessor{
		config:       cfg,
		orchestrator: detection.NewOrchestrator(cfg.Engine, logging.NewLogger("Orchestrator")),
		loader:       newPageLoader(httpClient, cfg.MaxFileSize, cfg.Download, logger),
		engineName:   engineName,
		logger:       logger,
	}, nil
}

// ProcessDocument detects the text lines of every page in req.
//
// Page failures are recorded on the page outcome. The returned error is set
// only for an invalid request, a job timeout or cancellation; the partial
// result is still returned in the latter two cases.
func (p *DocumentProcessor) ProcessDocument(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	if req == nil || req.JobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}
	if len(req.Pages) == 0 {
		return nil, fmt.Errorf("job %s has no pages", req.JobID)
	}

	logger := p.logger.WithJob(req.JobID)
	start := time.Now()

	if p.config.ProcessingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.ProcessingTimeout)
		defer cancel()
	}

	p.updateJob(ctx, &storage.JobUpdate{
		JobID:     req.JobID,
		Status:    storage.JobStatusProcessing,
		PageCount: len(req.Pages),
		Engine:    p.engineName,
		Metadata:  req.Metadata,
	})

	logger.Info("Starting line detection",
		"pages", len(req.Pages),
		"engine", p.engineName,
		"concurrency", p.config.PageConcurrency)

	outcomes := make([]PageOutcome, len(req.Pages))
	var g errgroup.Group
	g.SetLimit(p.config.PageConcurrency)

	for i := range req.Pages {
		i := i
		page := req.Pages[i]
		outcomes[i].Page = page.Number
		if ctx.Err() != nil {
			outcomes[i].fail(p.ctxError(ctx, req.JobID))
			continue
		}
		g.Go(func() error {
			outcomes[i] = p.processPage(ctx, req.JobID, page)
			return nil
		})
	}
	_ = g.Wait()

	result := &ProcessResult{
		JobID:  req.JobID,
		Engine: p.engineName,
		Pages:  outcomes,
	}

	for i := range result.Pages {
		p.storePage(ctx, req.JobID, &result.Pages[i])
		o := &result.Pages[i]
		if o.err != nil {
			result.PagesFailed++
		}
		if o.Result != nil {
			result.LineCount += len(o.Result.Regions)
			if o.Result.Origin == detection.OriginFallback {
				result.FallbackPages++
			}
		}
	}
	result.ProcessingTimeMs = time.Since(start).Milliseconds()

	jobErr := ctx.Err()
	if jobErr != nil {
		jobErr = p.ctxError(ctx, req.JobID)
	}

	final := &storage.JobUpdate{
		JobID:            req.JobID,
		Status:           storage.JobStatusCompleted,
		PageCount:        len(req.Pages),
		PagesFailed:      result.PagesFailed,
		FallbackPages:    result.FallbackPages,
		ProcessingTimeMs: result.ProcessingTimeMs,
		Engine:           p.engineName,
		Metadata: map[string]interface{}{
			"lineCount": result.LineCount,
		},
	}
	switch {
	case jobErr != nil:
		final.Status = storage.JobStatusFailed
		final.ErrorCode = string(errors.CodeOf(jobErr))
		final.ErrorMessage = jobErr.Error()
	case result.PagesFailed == len(req.Pages):
		final.Status = storage.JobStatusFailed
		final.ErrorCode = result.Pages[0].ErrorCode
		final.ErrorMessage = fmt.Sprintf("all %d pages failed", len(req.Pages))
	}
	// The job context may be spent; the final status is written regardless.
	p.updateJob(context.WithoutCancel(ctx), final)

	logger.Info("Line detection complete",
		"status", final.Status,
		"lines", result.LineCount,
		"pagesFailed", result.PagesFailed,
		"fallbackPages", result.FallbackPages,
		"durationMs", result.ProcessingTimeMs)

	return result, jobErr
}

func (p *DocumentProcessor) processPage(ctx context.Context, jobID string, page PageInput) PageOutcome {
	out := PageOutcome{Page: page.Number}
	if ctx.Err() != nil {
		out.fail(p.ctxError(ctx, jobID))
		return out
	}

	data, err := p.loader.load(ctx, jobID, page)
	if err != nil {
		out.fail(errors.NewPageLoadError(jobID, page.Number, err))
		return out
	}

	img, _, err := raster.DecodeBytes(data)
	if err != nil {
		if stderrors.Is(err, raster.ErrUnsupportedFormat) {
			format := detectMimeTypeFromMagicBytes(data)
			if format == "" {
				format = "unknown"
			}
			out.fail(errors.NewUnsupportedFormatError(jobID, format))
		} else {
			out.fail(errors.NewPageLoadError(jobID, page.Number, err))
		}
		return out
	}

	pr, err := raster.NewPageRaster(page.Number, img)
	if err != nil {
		out.fail(errors.NewPageLoadError(jobID, page.Number, err))
		return out
	}

	res, err := p.orchestrator.DetectPageLines(ctx, pr, p.config.Policy)
	if err != nil {
		out.fail(errors.NewPageError(jobID, page.Number, err))
		return out
	}
	if ctx.Err() != nil {
		// Finished after the job ended; the result is dropped.
		out.fail(p.ctxError(ctx, jobID))
		return out
	}

	out.Result = res
	if err := res.Err(); err != nil {
		out.fail(errors.NewPageError(jobID, page.Number, err))
		return out
	}

	out.Crops = raster.CropRegions(pr.Color, res.Regions, p.config.CropPadding)
	return out
}

func (p *DocumentProcessor) storePage(ctx context.Context, jobID string, o *PageOutcome) {
	if p.config.Store == nil || ctx.Err() != nil {
		return
	}
	rec, err := p.config.Store.StorePageResult(ctx, &storage.PageResultInput{
		JobID:     jobID,
		Page:      o.Page,
		Result:    o.Result,
		ErrorCode: o.ErrorCode,
		Err:       o.err,
	})
	if err != nil {
		p.logger.WithJob(jobID).Error("Failed to store page result", "page", o.Page, "error", err)
		if o.err == nil {
			o.fail(errors.NewStorageFailedError(jobID, err))
		}
		return
	}
	o.RecordID = rec.ID
}

func (p *DocumentProcessor) updateJob(ctx context.Context, update *storage.JobUpdate) {
	if p.config.Store == nil {
		return
	}
	if err := p.config.Store.UpdateJobStatus(ctx, update); err != nil {
		p.logger.WithJob(update.JobID).Warn("Failed to update job status",
			"status", update.Status, "error", err)
	}
}

func (p *DocumentProcessor) ctxError(ctx context.Context, jobID string) error {
	err := ctx.Err()
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewProcessingTimeoutError(jobID, p.config.ProcessingTimeout, err)
	}
	return err
}

// ProcessFiles is a convenience for local runs: every path becomes one page,
// numbered from 1.
func (p *DocumentProcessor) ProcessFiles(ctx context.Context, jobID string, paths []string) (*ProcessResult, error) {
	pages := make([]PageInput, len(paths))
	for i, path := range paths {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("page %d: %w", i+1, err)
		}
		pages[i] = PageInput{Number: i + 1, Path: path}
	}
	return p.ProcessDocument(ctx, &ProcessRequest{JobID: jobID, Pages: pages})
}

var _ ResultStore = (*storage.StorageManager)(nil)
