package processor

import (
	"context"
	"image"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adverant/nexus/linedetect-worker/internal/detection"
	"github.com/adverant/nexus/linedetect-worker/internal/errors"
	"github.com/adverant/nexus/linedetect-worker/internal/geometry"
	"github.com/adverant/nexus/linedetect-worker/internal/raster"
	"github.com/adverant/nexus/linedetect-worker/internal/storage"
)

type wordEngine struct {
	boxes []geometry.ScoredBox
}

func (e *wordEngine) Name() string { return "words" }

func (e *wordEngine) DetectBoxes(ctx context.Context, img image.Image) ([]geometry.ScoredBox, error) {
	return e.boxes, nil
}

// fourLines returns 20 word boxes laid out as four lines of five words.
func fourLines() []geometry.ScoredBox {
	var boxes []geometry.ScoredBox
	for l := 0; l < 4; l++ {
		y := 20 + l*60
		for w := 0; w < 5; w++ {
			x := 20 + w*70
			boxes = append(boxes, geometry.ScoredBox{
				Box:        geometry.Box{X0: x, Y0: y, X1: x + 50, Y1: y + 20},
				Confidence: 0.9,
			})
		}
	}
	return boxes
}

type recordingStore struct {
	mu      sync.Mutex
	updates []storage.JobUpdate
	pages   []storage.PageResultInput
}

func (s *recordingStore) UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, *update)
	return nil
}

func (s *recordingStore) StorePageResult(ctx context.Context, input *storage.PageResultInput) (*storage.PageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = append(s.pages, *input)
	return &storage.PageRecord{ID: "rec-" + string(rune('0'+input.Page))}, nil
}

func (s *recordingStore) lastStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.updates) == 0 {
		return ""
	}
	return s.updates[len(s.updates)-1].Status
}

func whitePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	g := image.NewGray(image.Rect(0, 0, w, h))
	for i := range g.Pix {
		g.Pix[i] = 255
	}
	data, err := raster.EncodePNG(g)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

// barsPNG draws three solid line-shaped bars on a white 400x300 page.
func barsPNG(t *testing.T) []byte {
	t.Helper()
	g := image.NewGray(image.Rect(0, 0, 400, 300))
	for i := range g.Pix {
		g.Pix[i] = 255
	}
	for _, y0 := range []int{40, 100, 160} {
		for y := y0; y < y0+10; y++ {
			for x := 16; x < 131; x++ {
				g.Pix[y*g.Stride+x] = 0
			}
		}
	}
	data, err := raster.EncodePNG(g)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func newProcessor(t *testing.T, cfg *ProcessorConfig) *DocumentProcessor {
	t.Helper()
	if cfg.Policy.MinLines == 0 && cfg.Policy.MinCoverage == 0 {
		cfg.Policy = detection.DefaultPolicy()
	}
	p, err := NewDocumentProcessor(cfg)
	if err != nil {
		t.Fatalf("NewDocumentProcessor failed: %v", err)
	}
	return p
}

func TestProcessDocumentPrimary(t *testing.T) {
	store := &recordingStore{}
	policy := detection.DefaultPolicy()
	policy.MinLines = 4
	p := newProcessor(t, &ProcessorConfig{
		Engine:          &wordEngine{boxes: fourLines()},
		Policy:          policy,
		Store:           store,
		PageConcurrency: 2,
	})

	res, err := p.ProcessDocument(context.Background(), &ProcessRequest{
		JobID: "job-1",
		Pages: []PageInput{{Number: 1, Data: whitePNG(t, 400, 300)}},
	})
	if err != nil {
		t.Fatalf("ProcessDocument failed: %v", err)
	}
	if res.PagesFailed != 0 || res.FallbackPages != 0 || res.LineCount != 4 {
		t.Fatalf("result = %+v", res)
	}
	page := res.Pages[0]
	if page.Result.Origin != detection.OriginPrimary || len(page.Crops) != 4 {
		t.Errorf("page = %+v", page)
	}
	if page.Crops[0].Image.Bounds().Dx() != 330 {
		t.Errorf("first crop width = %d, want 330", page.Crops[0].Image.Bounds().Dx())
	}
	if page.RecordID == "" {
		t.Error("page record ID not set")
	}
	if len(store.pages) != 1 || store.lastStatus() != storage.JobStatusCompleted {
		t.Errorf("store pages=%d status=%q", len(store.pages), store.lastStatus())
	}
	if store.updates[0].Status != storage.JobStatusProcessing || store.updates[0].PageCount != 1 {
		t.Errorf("first update = %+v", store.updates[0])
	}
}

func TestProcessDocumentPageFailures(t *testing.T) {
	store := &recordingStore{}
	p := newProcessor(t, &ProcessorConfig{Store: store})

	res, err := p.ProcessDocument(context.Background(), &ProcessRequest{
		JobID: "job-2",
		Pages: []PageInput{
			{Number: 1, Data: barsPNG(t)},
			{Number: 2, Data: []byte("%PDF-1.7 not an image")},
			{Number: 3},
			{Number: 4, Data: whitePNG(t, 200, 100)},
		},
	})
	if err != nil {
		t.Fatalf("ProcessDocument failed: %v", err)
	}

	wantCodes := []string{"", "UNSUPPORTED_FORMAT", "PAGE_LOAD_FAILED", "FALLBACK_EXHAUSTED"}
	for i, want := range wantCodes {
		if got := res.Pages[i].ErrorCode; got != want {
			t.Errorf("page %d error code = %q, want %q", i+1, got, want)
		}
	}
	if n := len(res.Pages[0].Result.Regions); n != 3 {
		t.Errorf("page 1 has %d regions, want 3", n)
	}
	if res.Pages[0].Result.Origin != detection.OriginFallback {
		t.Errorf("page 1 origin = %q", res.Pages[0].Result.Origin)
	}
	if r := res.Pages[3].Result; r == nil || !r.Exhausted {
		t.Errorf("page 4 should keep its exhausted result, got %+v", r)
	}
	if res.PagesFailed != 3 || res.FallbackPages != 2 {
		t.Errorf("pagesFailed=%d fallbackPages=%d", res.PagesFailed, res.FallbackPages)
	}
	if len(store.pages) != 4 || store.lastStatus() != storage.JobStatusCompleted {
		t.Errorf("store pages=%d status=%q", len(store.pages), store.lastStatus())
	}
}

func TestProcessDocumentAllPagesFail(t *testing.T) {
	store := &recordingStore{}
	p := newProcessor(t, &ProcessorConfig{Store: store})

	res, err := p.ProcessDocument(context.Background(), &ProcessRequest{
		JobID: "job-3",
		Pages: []PageInput{{Number: 1, Data: whitePNG(t, 50, 50)}},
	})
	if err != nil {
		t.Fatalf("ProcessDocument failed: %v", err)
	}
	if res.PagesFailed != 1 {
		t.Errorf("pagesFailed = %d", res.PagesFailed)
	}
	last := store.updates[len(store.updates)-1]
	if last.Status != storage.JobStatusFailed || last.ErrorCode != "FALLBACK_EXHAUSTED" {
		t.Errorf("final update = %+v", last)
	}
}

func TestProcessDocumentCancelled(t *testing.T) {
	store := &recordingStore{}
	p := newProcessor(t, &ProcessorConfig{Store: store})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := p.ProcessDocument(ctx, &ProcessRequest{
		JobID: "job-4",
		Pages: []PageInput{{Number: 1, Data: barsPNG(t)}, {Number: 2, Data: barsPNG(t)}},
	})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if res == nil || res.PagesFailed != 2 {
		t.Fatalf("result = %+v", res)
	}
	for _, page := range res.Pages {
		if page.Result != nil {
			t.Errorf("page %d kept a result after cancellation", page.Page)
		}
	}
	if len(store.pages) != 0 || store.lastStatus() != storage.JobStatusFailed {
		t.Errorf("store pages=%d status=%q", len(store.pages), store.lastStatus())
	}
}

func TestProcessDocumentDeadlineExceeded(t *testing.T) {
	store := &recordingStore{}
	p := newProcessor(t, &ProcessorConfig{Store: store})

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	res, err := p.ProcessDocument(ctx, &ProcessRequest{
		JobID: "job-5",
		Pages: []PageInput{{Number: 1, Data: barsPNG(t)}},
	})
	if code := errors.CodeOf(err); code != errors.ErrorProcessingTimeout {
		t.Fatalf("error code = %q (%v), want %s", code, err, errors.ErrorProcessingTimeout)
	}
	if res == nil || res.Pages[0].ErrorCode != string(errors.ErrorProcessingTimeout) {
		t.Errorf("result = %+v", res)
	}
}

func TestProcessDocumentInvalidRequest(t *testing.T) {
	p := newProcessor(t, &ProcessorConfig{})
	if _, err := p.ProcessDocument(context.Background(), &ProcessRequest{Pages: []PageInput{{Number: 1}}}); err == nil {
		t.Error("expected error without job ID")
	}
	if _, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "j"}); err == nil {
		t.Error("expected error without pages")
	}
	bad := detection.DefaultPolicy()
	bad.MinCoverage = 2
	if _, err := NewDocumentProcessor(&ProcessorConfig{Policy: bad}); err == nil {
		t.Error("expected error for invalid policy")
	}
}

func TestProcessDocumentDownload(t *testing.T) {
	page := barsPNG(t)
	var flaky, missing int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/flaky.png":
			if atomic.AddInt32(&flaky, 1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write(page)
		case "/missing.png":
			atomic.AddInt32(&missing, 1)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	p := newProcessor(t, &ProcessorConfig{
		Download: DownloadOptions{MaxRetries: 3, InitialBackoff: time.Millisecond},
	})
	res, err := p.ProcessDocument(context.Background(), &ProcessRequest{
		JobID: "job-5",
		Pages: []PageInput{
			{Number: 1, URL: server.URL + "/flaky.png"},
			{Number: 2, URL: server.URL + "/missing.png"},
		},
	})
	if err != nil {
		t.Fatalf("ProcessDocument failed: %v", err)
	}
	if res.Pages[0].Err() != nil {
		t.Errorf("flaky page failed: %v", res.Pages[0].Err())
	}
	if res.Pages[1].ErrorCode != "PAGE_LOAD_FAILED" {
		t.Errorf("missing page code = %q", res.Pages[1].ErrorCode)
	}
	if n := atomic.LoadInt32(&flaky); n != 2 {
		t.Errorf("flaky page fetched %d times, want 2", n)
	}
	if n := atomic.LoadInt32(&missing); n != 1 {
		t.Errorf("404 page fetched %d times, want 1", n)
	}
}

func TestProcessFilesMaxSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "page.png")
	if err := os.WriteFile(path, barsPNG(t), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	p := newProcessor(t, &ProcessorConfig{MaxFileSize: 64})
	res, err := p.ProcessFiles(context.Background(), "job-6", []string{path})
	if err != nil {
		t.Fatalf("ProcessFiles failed: %v", err)
	}
	if res.Pages[0].ErrorCode != "PAGE_LOAD_FAILED" {
		t.Errorf("oversized page code = %q", res.Pages[0].ErrorCode)
	}

	if _, err := p.ProcessFiles(context.Background(), "job-7", []string{filepath.Join(dir, "nope.png")}); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDetectMimeTypeFromMagicBytes(t *testing.T) {
	tests := map[string]struct {
		data []byte
		want string
	}{
		"pdf":   {[]byte("%PDF-1.4"), "application/pdf"},
		"tiff":  {[]byte{0x49, 0x49, 0x2A, 0x00, 0x08}, "image/tiff"},
		"zip":   {[]byte{0x50, 0x4B, 0x03, 0x04, 0x14}, "application/zip"},
		"short": {[]byte("BM"), ""},
		"text":  {[]byte("hello world"), ""},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if got := detectMimeTypeFromMagicBytes(tt.data); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
