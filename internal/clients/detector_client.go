/**
 * Detector Client - remote text detection sidecar
 *
 * Sends page images to an HTTP detection service (for example a DB-style
 * text detector) and returns the word or line boxes it reports. The client
 * implements detection.Engine so it can replace the local Tesseract engine.
 *
 * Modes:
 * - synchronous: POST /api/detect returns boxes directly
 * - asynchronous: POST returns 202 with a taskId that is polled until done
 */

package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/adverant/nexus/linedetect-worker/internal/geometry"
	"github.com/adverant/nexus/linedetect-worker/internal/logging"
	"github.com/adverant/nexus/linedetect-worker/internal/raster"
)

// DetectorClient handles communication with the detection service
type DetectorClient struct {
	baseURL      string
	httpClient   *http.Client
	logger       *logging.Logger
	async        bool
	pollInterval time.Duration
	maxWait      time.Duration
	maxSide      int
}

// DetectorOptions configures NewDetectorClient.
type DetectorOptions struct {
	Timeout      time.Duration
	Async        bool
	PollInterval time.Duration
	// MaxWait bounds one DetectBoxes call, including task polling, whether
	// or not the caller's context can be cancelled. Defaults to Timeout.
	MaxWait time.Duration
	// MaxSide downsizes images whose longer side exceeds it before upload.
	// Returned boxes are mapped back to the original resolution.
	MaxSide int
}

// DetectRequest represents a request to detect text regions in an image
type DetectRequest struct {
	Image    string                 `json:"image"`  // Base64 encoded PNG
	Format   string                 `json:"format"` // always "base64"
	Async    bool                   `json:"async,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// DetectedBox is one region in the service response. Either Box
// ([x0,y0,x1,y1]) or Points (a polygon) is set.
type DetectedBox struct {
	Box    []float64    `json:"box,omitempty"`
	Points [][2]float64 `json:"points,omitempty"`
	Score  *float64     `json:"score,omitempty"`
}

// DetectData contains the detected boxes and metadata
type DetectData struct {
	Boxes          []DetectedBox `json:"boxes"`
	ModelUsed      string        `json:"modelUsed"`
	ProcessingTime int64         `json:"processingTime"` // milliseconds
}

// DetectResponse represents a synchronous response from the detect endpoint
type DetectResponse struct {
	Success bool       `json:"success"`
	Data    DetectData `json:"data"`
	Message string     `json:"message"`
}

// DetectAsyncResponse represents an async (202 Accepted) response with taskId
type DetectAsyncResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		TaskID string `json:"taskId"`
	} `json:"data"`
}

// TaskStatusResponse represents the response from polling /api/tasks/:taskId
type TaskStatusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		Task TaskInfo `json:"task"`
	} `json:"data"`
}

// TaskInfo contains detailed task information
type TaskInfo struct {
	ID       string      `json:"id"`
	Status   string      `json:"status"`   // "pending", "processing", "completed", "failed"
	Progress int         `json:"progress"` // 0-100
	Result   *DetectData `json:"result,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// NewDetectorClient creates a new detection service client
func NewDetectorClient(baseURL string, opts DetectorOptions) *DetectorClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = opts.Timeout
	}
	return &DetectorClient{
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: opts.Timeout},
		logger:       logging.NewLogger("DetectorClient"),
		async:        opts.Async,
		pollInterval: opts.PollInterval,
		maxWait:      opts.MaxWait,
		maxSide:      opts.MaxSide,
	}
}

func (c *DetectorClient) Name() string { return "detector-service" }

// DetectBoxes implements detection.Engine.
func (c *DetectorClient) DetectBoxes(ctx context.Context, img image.Image) ([]geometry.ScoredBox, error) {
	scaled, factor := raster.Scale(img, c.maxSide)
	data, err := raster.EncodePNG(scaled)
	if err != nil {
		return nil, err
	}

	req := &DetectRequest{
		Image:  base64.StdEncoding.EncodeToString(data),
		Format: "base64",
		Metadata: map[string]interface{}{
			"source":    "linedetect-worker",
			"timestamp": time.Now().Unix(),
		},
	}

	ctx, cancel := context.WithTimeout(ctx, c.maxWait)
	defer cancel()

	var result *DetectData
	if c.async {
		result, err = c.detectAsync(ctx, req)
	} else {
		result, err = c.Detect(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	origin := img.Bounds().Min
	boxes := make([]geometry.ScoredBox, 0, len(result.Boxes))
	for _, d := range result.Boxes {
		box, ok := d.toBox(factor)
		if !ok {
			continue
		}
		box.X0 -= origin.X
		box.X1 -= origin.X
		box.Y0 -= origin.Y
		box.Y1 -= origin.Y
		conf := 1.0
		if d.Score != nil {
			conf = math.Max(0, math.Min(1, *d.Score))
		}
		boxes = append(boxes, geometry.ScoredBox{Box: box, Confidence: conf})
	}
	return boxes, nil
}

// Detect sends one synchronous detection request.
func (c *DetectorClient) Detect(ctx context.Context, req *DetectRequest) (*DetectData, error) {
	req.Async = false
	body, status, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("detector returned error status %d: %s", status, string(body))
	}

	var resp DetectResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("detector operation failed: %s", resp.Message)
	}

	c.logger.Debug("Detection complete",
		"modelUsed", resp.Data.ModelUsed,
		"boxes", len(resp.Data.Boxes),
		"processingTime", resp.Data.ProcessingTime)
	return &resp.Data, nil
}

func (c *DetectorClient) detectAsync(ctx context.Context, req *DetectRequest) (*DetectData, error) {
	req.Async = true
	body, status, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusAccepted {
		return nil, fmt.Errorf("detector returned unexpected status %d: %s", status, string(body))
	}

	var accepted DetectAsyncResponse
	if err := json.Unmarshal(body, &accepted); err != nil {
		return nil, fmt.Errorf("failed to parse async response: %w", err)
	}
	if !accepted.Success || accepted.Data.TaskID == "" {
		return nil, fmt.Errorf("detector async operation failed: %s", accepted.Message)
	}
	return c.WaitForTask(ctx, accepted.Data.TaskID)
}

func (c *DetectorClient) post(ctx context.Context, req *DetectRequest) ([]byte, int, error) {
	endpoint := fmt.Sprintf("%s/api/detect", c.baseURL)

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "linedetect-worker")
	httpReq.Header.Set("X-Request-ID", fmt.Sprintf("detect-%d", time.Now().UnixNano()))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("request to detector failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, resp.StatusCode, nil
}

// GetTaskStatus polls for the status of an async task
func (c *DetectorClient) GetTaskStatus(ctx context.Context, taskID string) (*TaskStatusResponse, error) {
	endpoint := fmt.Sprintf("%s/api/tasks/%s", c.baseURL, taskID)

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create status request: %w", err)
	}
	req.Header.Set("X-Source", "linedetect-worker")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read status response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status check failed with status %d: %s", resp.StatusCode, string(body))
	}

	var statusResp TaskStatusResponse
	if err := json.Unmarshal(body, &statusResp); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w", err)
	}
	return &statusResp, nil
}

// WaitForTask polls the task status until completion or context end
func (c *DetectorClient) WaitForTask(ctx context.Context, taskID string) (*DetectData, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled while waiting for task: %w", ctx.Err())

		case <-ticker.C:
			status, err := c.GetTaskStatus(ctx, taskID)
			if err != nil {
				c.logger.Warn("Failed to get task status", "taskId", taskID, "error", err)
				continue
			}

			switch status.Data.Task.Status {
			case "completed":
				if status.Data.Task.Result == nil {
					return &DetectData{}, nil
				}
				return status.Data.Task.Result, nil
			case "failed":
				return nil, fmt.Errorf("task failed: %s", status.Data.Task.Error)
			case "pending", "processing":
				continue
			default:
				c.logger.Warn("Unknown task status", "status", status.Data.Task.Status)
			}
		}
	}
}

// HealthCheck verifies the detection service is available
func (c *DetectorClient) HealthCheck(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/api/health", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// toBox converts a response box to page pixels, undoing the upload scale.
func (d DetectedBox) toBox(factor float64) (geometry.Box, bool) {
	var x0, y0, x1, y1 float64
	switch {
	case len(d.Box) == 4:
		x0, y0, x1, y1 = d.Box[0], d.Box[1], d.Box[2], d.Box[3]
	case len(d.Points) > 0:
		x0, y0 = math.Inf(1), math.Inf(1)
		x1, y1 = math.Inf(-1), math.Inf(-1)
		for _, p := range d.Points {
			x0, x1 = math.Min(x0, p[0]), math.Max(x1, p[0])
			y0, y1 = math.Min(y0, p[1]), math.Max(y1, p[1])
		}
	default:
		return geometry.Box{}, false
	}
	if factor <= 0 {
		factor = 1
	}
	b := geometry.Box{
		X0: int(math.Floor(x0 / factor)),
		Y0: int(math.Floor(y0 / factor)),
		X1: int(math.Ceil(x1 / factor)),
		Y1: int(math.Ceil(y1 / factor)),
	}
	if b.Validate() != nil {
		return geometry.Box{}, false
	}
	return b, true
}
