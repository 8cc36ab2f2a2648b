/**
 * PostgreSQL Client for the line detection worker
 *
 * Handles job persistence and per-page detection rows.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/adverant/nexus/linedetect-worker/internal/detection"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// Job statuses
const (
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID            string
	Status           string
	PageCount        int
	PagesFailed      int
	FallbackPages    int
	ProcessingTimeMs int64
	Engine           string
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
}

// PageRecord is one stored page detection.
type PageRecord struct {
	ID               string
	JobID            string
	Page             int
	Width            int
	Height           int
	Origin           string
	Coverage         float64
	PrimaryLines     int
	PrimaryCoverage  float64
	RejectReason     string
	Exhausted        bool
	Regions          []detection.LineRegion
	Signature        []float32
	SignaturePointID string
	ErrorCode        string
	ErrorMessage     string
	CreatedAt        time.Time
}

const schemaDDL = `
	CREATE SCHEMA IF NOT EXISTS linedetect;

	CREATE TABLE IF NOT EXISTS linedetect.detection_jobs (
		id                 UUID PRIMARY KEY,
		status             TEXT NOT NULL,
		page_count         INTEGER NOT NULL DEFAULT 0,
		pages_failed       INTEGER NOT NULL DEFAULT 0,
		fallback_pages     INTEGER NOT NULL DEFAULT 0,
		processing_time_ms BIGINT,
		engine             TEXT,
		error_code         TEXT,
		error_message      TEXT,
		metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS linedetect.page_detections (
		id                 UUID PRIMARY KEY,
		job_id             UUID NOT NULL,
		page_number        INTEGER NOT NULL,
		width              INTEGER NOT NULL DEFAULT 0,
		height             INTEGER NOT NULL DEFAULT 0,
		origin             TEXT,
		coverage           NUMERIC(5,4),
		primary_lines      INTEGER NOT NULL DEFAULT 0,
		primary_coverage   NUMERIC(5,4),
		reject_reason      TEXT,
		exhausted          BOOLEAN NOT NULL DEFAULT FALSE,
		line_count         INTEGER NOT NULL DEFAULT 0,
		regions            JSONB NOT NULL DEFAULT '[]'::jsonb,
		layout_signature   REAL[],
		signature_point_id UUID,
		error_code         TEXT,
		error_message      TEXT,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (job_id, page_number)
	);
`

// sanitizeConfidence rounds a [0,1] ratio to 4 decimal places so it fits
// NUMERIC(5,4) columns, clamping out-of-range values.
func sanitizeConfidence(confidence float64) float64 {
	if confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// EnsureSchema creates the linedetect schema and tables if missing.
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// UpdateJobStatus upserts the job row. The first update creates it.
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	metadataJSON, err := json.Marshal(update.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	metadataJSON = sanitizeJSONForPostgres(metadataJSON)

	query := `
		INSERT INTO linedetect.detection_jobs (
			id, status, page_count, pages_failed, fallback_pages,
			processing_time_ms, engine, error_code, error_message, metadata,
			created_at, updated_at
		) VALUES (
			$1::uuid, $2, $3, $4, $5,
			NULLIF($6, 0), NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''),
			COALESCE(NULLIF($10, 'null')::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			page_count = GREATEST(EXCLUDED.page_count, linedetect.detection_jobs.page_count),
			pages_failed = EXCLUDED.pages_failed,
			fallback_pages = EXCLUDED.fallback_pages,
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, linedetect.detection_jobs.processing_time_ms),
			engine = COALESCE(EXCLUDED.engine, linedetect.detection_jobs.engine),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = linedetect.detection_jobs.metadata || EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING id
	`

	var returnedID string
	err = p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,            // $1
		update.Status,           // $2
		update.PageCount,        // $3
		update.PagesFailed,      // $4
		update.FallbackPages,    // $5
		update.ProcessingTimeMs, // $6
		update.Engine,           // $7
		update.ErrorCode,        // $8
		update.ErrorMessage,     // $9
		string(metadataJSON),    // $10
	).Scan(&returnedID)

	if err == sql.ErrNoRows {
		return fmt.Errorf("job not found: %s", update.JobID)
	}

	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s): %w",
			update.JobID, update.Status, err)
	}

	return nil
}

// InsertPageDetection stores a page row, replacing an earlier row for the
// same job and page (retries overwrite).
func (p *PostgresClient) InsertPageDetection(ctx context.Context, rec *PageRecord) error {
	if rec.ID == "" || rec.JobID == "" {
		return fmt.Errorf("page record ID and job ID are required")
	}

	regions := rec.Regions
	if regions == nil {
		regions = []detection.LineRegion{}
	}
	regionsJSON, err := json.Marshal(regions)
	if err != nil {
		return fmt.Errorf("failed to marshal regions: %w", err)
	}

	var signature interface{}
	if len(rec.Signature) > 0 {
		signature = pq.Array(rec.Signature)
	}

	query := `
		INSERT INTO linedetect.page_detections (
			id, job_id, page_number, width, height, origin,
			coverage, primary_lines, primary_coverage, reject_reason, exhausted,
			line_count, regions, layout_signature, signature_point_id,
			error_code, error_message, created_at
		) VALUES (
			$1::uuid, $2::uuid, $3, $4, $5, NULLIF($6, ''),
			$7::NUMERIC(5,4), $8, $9::NUMERIC(5,4), NULLIF($10, ''), $11,
			$12, $13::jsonb, $14,
			CASE WHEN $15 = '' THEN NULL ELSE $15::uuid END,
			NULLIF($16, ''), NULLIF($17, ''), NOW()
		)
		ON CONFLICT (job_id, page_number) DO UPDATE SET
			id = EXCLUDED.id,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			origin = EXCLUDED.origin,
			coverage = EXCLUDED.coverage,
			primary_lines = EXCLUDED.primary_lines,
			primary_coverage = EXCLUDED.primary_coverage,
			reject_reason = EXCLUDED.reject_reason,
			exhausted = EXCLUDED.exhausted,
			line_count = EXCLUDED.line_count,
			regions = EXCLUDED.regions,
			layout_signature = EXCLUDED.layout_signature,
			signature_point_id = EXCLUDED.signature_point_id,
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			created_at = NOW()
		RETURNING created_at
	`

	err = p.db.QueryRowContext(
		ctx,
		query,
		rec.ID,
		rec.JobID,
		rec.Page,
		rec.Width,
		rec.Height,
		rec.Origin,
		sanitizeConfidence(rec.Coverage),
		rec.PrimaryLines,
		sanitizeConfidence(rec.PrimaryCoverage),
		rec.RejectReason,
		rec.Exhausted,
		len(regions),
		string(regionsJSON),
		signature,
		rec.SignaturePointID,
		rec.ErrorCode,
		rec.ErrorMessage,
	).Scan(&rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store page detection (job=%s, page=%d): %w", rec.JobID, rec.Page, err)
	}
	return nil
}

// GetPageDetections returns the stored pages of a job ordered by page number.
func (p *PostgresClient) GetPageDetections(ctx context.Context, jobID string) ([]*PageRecord, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT
			id, job_id, page_number, width, height, origin,
			coverage, primary_lines, primary_coverage, reject_reason, exhausted,
			regions, layout_signature, signature_point_id,
			error_code, error_message, created_at
		FROM linedetect.page_detections
		WHERE job_id = $1::uuid
		ORDER BY page_number
	`

	rows, err := p.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query page detections: %w", err)
	}
	defer rows.Close()

	var records []*PageRecord
	for rows.Next() {
		var (
			rec                           PageRecord
			origin, rejectReason, pointID sql.NullString
			errorCode, errorMessage       sql.NullString
			coverage, primaryCoverage     sql.NullFloat64
			regionsJSON                   []byte
			signature                     pq.Float32Array
		)
		if err := rows.Scan(
			&rec.ID, &rec.JobID, &rec.Page, &rec.Width, &rec.Height, &origin,
			&coverage, &rec.PrimaryLines, &primaryCoverage, &rejectReason, &rec.Exhausted,
			&regionsJSON, &signature, &pointID,
			&errorCode, &errorMessage, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan page detection: %w", err)
		}
		if err := json.Unmarshal(regionsJSON, &rec.Regions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal regions: %w", err)
		}
		rec.Origin = origin.String
		rec.Coverage = coverage.Float64
		rec.PrimaryCoverage = primaryCoverage.Float64
		rec.RejectReason = rejectReason.String
		rec.SignaturePointID = pointID.String
		rec.ErrorCode = errorCode.String
		rec.ErrorMessage = errorMessage.String
		rec.Signature = []float32(signature)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate page detections: %w", err)
	}
	return records, nil
}

// GetJobByID retrieves a job by ID
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT
			id, status, page_count, pages_failed, fallback_pages,
			processing_time_ms, engine, error_code, error_message,
			metadata, created_at, updated_at
		FROM linedetect.detection_jobs
		WHERE id = $1::uuid
	`

	var (
		id, status                        string
		pageCount, pagesFailed, fallbacks int
		processingTimeMs                  sql.NullInt64
		engine, errorCode, errorMessage   sql.NullString
		metadataJSON                      []byte
		createdAt, updatedAt              time.Time
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&id, &status, &pageCount, &pagesFailed, &fallbacks,
		&processingTimeMs, &engine, &errorCode, &errorMessage,
		&metadataJSON, &createdAt, &updatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var metadata map[string]interface{}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	result := map[string]interface{}{
		"id":            id,
		"status":        status,
		"pageCount":     pageCount,
		"pagesFailed":   pagesFailed,
		"fallbackPages": fallbacks,
		"createdAt":     createdAt,
		"updatedAt":     updatedAt,
		"metadata":      metadata,
	}

	if processingTimeMs.Valid {
		result["processingTimeMs"] = processingTimeMs.Int64
	}
	if engine.Valid {
		result["engine"] = engine.String
	}
	if errorCode.Valid {
		result["errorCode"] = errorCode.String
	}
	if errorMessage.Valid {
		result["errorMessage"] = errorMessage.String
	}

	return result, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
