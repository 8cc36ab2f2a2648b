/**
 * Storage Manager for the line detection worker
 *
 * Coordinates storage operations across PostgreSQL (job and page rows) and
 * Qdrant (layout signatures). A page row never references a signature point
 * that failed to store, and a failed row insert removes its point again.
 */

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/linedetect-worker/internal/detection"
	"github.com/adverant/nexus/linedetect-worker/internal/layout"
)

var (
	nullEscapePattern    = regexp.MustCompile(`\\u0000`)
	controlEscapePattern = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

type detectionRows interface {
	UpdateJobStatus(ctx context.Context, update *JobUpdate) error
	InsertPageDetection(ctx context.Context, rec *PageRecord) error
	GetPageDetections(ctx context.Context, jobID string) ([]*PageRecord, error)
	GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error)
	Close() error
}

type signatureIndex interface {
	UpsertVector(ctx context.Context, point *VectorPoint) error
	DeleteVector(ctx context.Context, id string) error
	SearchVectors(ctx context.Context, queryVector []float32, limit int, minScore float32) ([]*VectorPoint, error)
	GetCollectionInfo(ctx context.Context) (map[string]interface{}, error)
	Close() error
}

// StorageManager coordinates PostgreSQL and Qdrant operations
type StorageManager struct {
	rows    detectionRows
	vectors signatureIndex // nil when no Qdrant address is configured
}

// PageResultInput is one processed page handed to StorePageResult.
type PageResultInput struct {
	JobID  string
	Page   int
	Result *detection.DetectionResult // nil when the page failed before detection
	// ErrorCode and Err describe a page failure.
	ErrorCode string
	Err       error
}

// LayoutMatch is a stored page whose layout resembles a query signature.
type LayoutMatch struct {
	PageRecordID  string
	JobID         string
	Page          int
	Origin        string
	LineCount     int64
	QdrantPointID string
	Score         float32
}

// NewStorageManager creates a new storage manager. An empty qdrantAddress
// disables signature indexing.
func NewStorageManager(postgresURL string, qdrantAddress string, qdrantCollection string) (*StorageManager, error) {
	postgres, err := NewPostgresClient(postgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := postgres.EnsureSchema(ctx); err != nil {
		postgres.Close()
		return nil, err
	}

	sm := &StorageManager{rows: postgres}
	if qdrantAddress == "" {
		return sm, nil
	}

	qdrant, err := NewQdrantClient(qdrantAddress, qdrantCollection, layout.SignatureDims)
	if err != nil {
		postgres.Close()
		return nil, fmt.Errorf("failed to initialize Qdrant client: %w", err)
	}
	sm.vectors = qdrant
	return sm, nil
}

// NewPageRecord builds the row for one page. The signature is computed from
// the region boxes; failed and exhausted pages carry none.
func NewPageRecord(input *PageResultInput) *PageRecord {
	rec := &PageRecord{
		ID:        uuid.New().String(),
		JobID:     input.JobID,
		Page:      input.Page,
		ErrorCode: input.ErrorCode,
	}
	if input.Err != nil {
		rec.ErrorMessage = input.Err.Error()
	}

	res := input.Result
	if res == nil {
		return rec
	}
	rec.Width = res.Width
	rec.Height = res.Height
	rec.Origin = string(res.Origin)
	rec.Coverage = res.Coverage
	rec.PrimaryLines = res.PrimaryLines
	rec.PrimaryCoverage = res.PrimaryCoverage
	rec.RejectReason = res.RejectReason
	rec.Exhausted = res.Exhausted
	rec.Regions = res.Regions
	if len(res.Regions) > 0 {
		rec.Signature = layout.Signature(res.Boxes(), res.Width, res.Height)
	}
	return rec
}

// StorePageResult stores the page row and, when indexing is enabled and the
// page has lines, its layout signature.
func (sm *StorageManager) StorePageResult(ctx context.Context, input *PageResultInput) (*PageRecord, error) {
	if input == nil {
		return nil, fmt.Errorf("input is required")
	}

	if input.JobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	rec := NewPageRecord(input)

	if sm.vectors != nil && !isZeroVector(rec.Signature) {
		pointID := uuid.New().String()
		point := &VectorPoint{
			ID:     pointID,
			Vector: rec.Signature,
			Metadata: map[string]interface{}{
				"job_id":         rec.JobID,
				"page":           rec.Page,
				"page_record_id": rec.ID,
				"origin":         rec.Origin,
				"line_count":     len(rec.Regions),
			},
			Timestamp: time.Now().Unix(),
		}
		if err := sm.vectors.UpsertVector(ctx, point); err != nil {
			return nil, fmt.Errorf("failed to store layout signature in Qdrant: %w", err)
		}
		rec.SignaturePointID = pointID
	}

	if err := sm.rows.InsertPageDetection(ctx, rec); err != nil {
		if rec.SignaturePointID != "" {
			// Rollback
			_ = sm.vectors.DeleteVector(ctx, rec.SignaturePointID)
		}
		return nil, fmt.Errorf("failed to store page in PostgreSQL: %w", err)
	}

	return rec, nil
}

// SearchSimilarLayouts finds stored pages whose layout signature is close to
// signature.
func (sm *StorageManager) SearchSimilarLayouts(ctx context.Context, signature []float32, limit int, minScore float32) ([]*LayoutMatch, error) {
	if sm.vectors == nil {
		return nil, fmt.Errorf("layout index is not configured")
	}
	if len(signature) != layout.SignatureDims {
		return nil, fmt.Errorf("invalid signature dimensions: expected %d, got %d", layout.SignatureDims, len(signature))
	}

	points, err := sm.vectors.SearchVectors(ctx, signature, limit, minScore)
	if err != nil {
		return nil, fmt.Errorf("failed to search layouts: %w", err)
	}

	matches := make([]*LayoutMatch, 0, len(points))
	for _, point := range points {
		m := &LayoutMatch{QdrantPointID: point.ID, Score: point.Score}
		m.PageRecordID, _ = point.Metadata["page_record_id"].(string)
		m.JobID, _ = point.Metadata["job_id"].(string)
		m.Origin, _ = point.Metadata["origin"].(string)
		if page, ok := point.Metadata["page"].(int64); ok {
			m.Page = int(page)
		}
		m.LineCount, _ = point.Metadata["line_count"].(int64)
		if m.PageRecordID == "" {
			continue
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// UpdateJobStatus updates job status in PostgreSQL
func (sm *StorageManager) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	return sm.rows.UpdateJobStatus(ctx, update)
}

// GetJobByID retrieves job by ID
func (sm *StorageManager) GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error) {
	return sm.rows.GetJobByID(ctx, jobID)
}

// GetPageDetections returns the stored pages of a job.
func (sm *StorageManager) GetPageDetections(ctx context.Context, jobID string) ([]*PageRecord, error) {
	return sm.rows.GetPageDetections(ctx, jobID)
}

// GetStats returns statistics from both systems
func (sm *StorageManager) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := map[string]interface{}{}

	if pg, ok := sm.rows.(*PostgresClient); ok {
		pgStats := pg.GetStats()
		stats["postgres"] = poolStats(pgStats)
	}

	if sm.vectors != nil {
		qdrantStats, err := sm.vectors.GetCollectionInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get Qdrant stats: %w", err)
		}
		stats["qdrant"] = qdrantStats
	}

	return stats, nil
}

// Close closes all connections
func (sm *StorageManager) Close() error {
	var pgErr, qdErr error

	if sm.rows != nil {
		pgErr = sm.rows.Close()
	}

	if sm.vectors != nil {
		qdErr = sm.vectors.Close()
	}

	if pgErr != nil {
		return fmt.Errorf("failed to close PostgreSQL: %w", pgErr)
	}

	if qdErr != nil {
		return fmt.Errorf("failed to close Qdrant: %w", qdErr)
	}

	return nil
}

func poolStats(s sql.DBStats) map[string]interface{} {
	return map[string]interface{}{
		"max_open_connections": s.MaxOpenConnections,
		"open_connections":     s.OpenConnections,
		"in_use":               s.InUse,
		"idle":                 s.Idle,
		"wait_count":           s.WaitCount,
		"wait_duration":        s.WaitDuration.String(),
	}
}

func isZeroVector(v []float32) bool {
	for _, x := range v {
		if math.Abs(float64(x)) > 0 {
			return false
		}
	}
	return true
}

// sanitizeJSONForPostgres removes escape sequences PostgreSQL JSONB rejects.
// \u0000 is dropped and other control escapes become a space.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscapePattern.ReplaceAll(jsonBytes, []byte{})
	return controlEscapePattern.ReplaceAll(result, []byte(" "))
}
