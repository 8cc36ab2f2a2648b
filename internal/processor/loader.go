package processor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/adverant/nexus/linedetect-worker/internal/logging"
)

// DownloadOptions controls page downloads from URLs.
type DownloadOptions struct {
	MaxRetries     int           // default 5
	InitialBackoff time.Duration // default 1s, doubled per attempt
	MaxBackoff     time.Duration // default 32s
}

type pageLoader struct {
	client      *http.Client
	maxFileSize int64
	opts        DownloadOptions
	logger      *logging.Logger
}

func newPageLoader(client *http.Client, maxFileSize int64, opts DownloadOptions, logger *logging.Logger) *pageLoader {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 32 * time.Second
	}
	return &pageLoader{client: client, maxFileSize: maxFileSize, opts: opts, logger: logger}
}

// load returns the encoded page bytes from the first available source.
func (l *pageLoader) load(ctx context.Context, jobID string, page PageInput) ([]byte, error) {
	switch {
	case len(page.Data) > 0:
		if err := l.checkSize(int64(len(page.Data))); err != nil {
			return nil, err
		}
		return page.Data, nil
	case page.URL != "":
		return l.download(ctx, jobID, page.URL)
	case page.Path != "":
		info, err := os.Stat(page.Path)
		if err != nil {
			return nil, err
		}
		if err := l.checkSize(info.Size()); err != nil {
			return nil, err
		}
		return os.ReadFile(page.Path)
	}
	return nil, fmt.Errorf("no page source provided (buffer, URL or path)")
}

func (l *pageLoader) checkSize(n int64) error {
	if l.maxFileSize > 0 && n > l.maxFileSize {
		return fmt.Errorf("file size exceeds maximum: %d > %d bytes", n, l.maxFileSize)
	}
	return nil
}

// download fetches url with exponential backoff. Oversized bodies fail
// without retry.
func (l *pageLoader) download(ctx context.Context, jobID string, url string) ([]byte, error) {
	logger := l.logger.WithJob(jobID)
	var lastErr error

	for attempt := 1; attempt <= l.opts.MaxRetries; attempt++ {
		data, retry, err := l.fetch(ctx, url)
		if err == nil {
			logger.Debug("Download successful", "attempt", attempt, "bytes", len(data))
			return data, nil
		}
		lastErr = err
		logger.Warn("Download attempt failed", "attempt", attempt, "url", url, "error", err)
		if !retry || attempt == l.opts.MaxRetries {
			break
		}

		backoff := time.Duration(float64(l.opts.InitialBackoff) * math.Pow(2, float64(attempt-1)))
		if backoff > l.opts.MaxBackoff {
			backoff = l.opts.MaxBackoff
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
		}
	}

	return nil, fmt.Errorf("failed to download page: %w", lastErr)
}

func (l *pageLoader) fetch(ctx context.Context, url string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Client errors will not improve on retry.
		retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, retry, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	if err := l.checkSize(resp.ContentLength); err != nil {
		return nil, false, err
	}

	limit := l.maxFileSize
	if limit <= 0 {
		limit = 1 << 30
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, false, fmt.Errorf("file size exceeds maximum: more than %d bytes", limit)
	}
	return data, false, nil
}

// detectMimeTypeFromMagicBytes names the format of page bytes no image
// decoder accepted, for error reporting.
func detectMimeTypeFromMagicBytes(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	switch {
	case bytes.HasPrefix(data, []byte("%PDF")):
		return "application/pdf"
	case len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png"
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return "image/gif"
	case len(data) > 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP":
		return "image/webp"
	case bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}), bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}):
		return "image/tiff"
	case bytes.HasPrefix(data, []byte("BM")):
		return "image/bmp"
	case bytes.HasPrefix(data, []byte{0x50, 0x4B, 0x03, 0x04}):
		return "application/zip"
	case len(data) >= 8 && bytes.HasPrefix(data, []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}):
		return "application/msword"
	}
	return ""
}
