/**
 * PostgreSQL Client for the form extraction worker
 *
 * Persists job status and one extraction row per processed form image.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID            string
	Status           string
	Confidence       float64
	ProcessingTimeMs int64
	ImageName        string
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
}

// Extraction is the stored outcome of one form image.
type Extraction struct {
	ID               string
	JobID            string
	ImageName        string
	Aligned          bool
	Fields           map[string]interface{}
	Confidences      map[string]float64
	Sources          map[string][]string
	InvalidFields    []string
	ProcessingTimeMs int64
	CreatedAt        time.Time
}

const schemaDDL = `
	CREATE SCHEMA IF NOT EXISTS forms;

	CREATE TABLE IF NOT EXISTS forms.jobs (
		id                 UUID PRIMARY KEY,
		image_name         TEXT,
		status             TEXT NOT NULL,
		confidence         NUMERIC(5,4),
		processing_time_ms BIGINT,
		error_code         TEXT,
		error_message      TEXT,
		metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS forms.extractions (
		id                 UUID PRIMARY KEY,
		job_id             UUID,
		image_name         TEXT NOT NULL,
		aligned            BOOLEAN NOT NULL,
		fields             JSONB NOT NULL,
		confidences        JSONB NOT NULL,
		sources            JSONB NOT NULL DEFAULT '{}'::jsonb,
		invalid_fields     TEXT[] NOT NULL DEFAULT '{}',
		processing_time_ms BIGINT,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS extractions_job_id_idx ON forms.extractions (job_id);
`

// sanitizeConfidence rounds confidence to 4 decimal places and clamps it to
// [0.0, 1.0] so it fits NUMERIC(5,4).
func sanitizeConfidence(confidence float64) float64 {
	if confidence != confidence || confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}

func sanitizeConfidences(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = sanitizeConfidence(v)
	}
	return out
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

// EnsureSchema creates the forms schema and tables when missing.
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

	sanitizedConfidence := sanitizeConfidence(update.Confidence)

	metadataJSON, err := json.Marshal(update.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO forms.jobs (
			id, image_name, status, confidence, processing_time_ms,
			error_code, error_message, metadata, created_at, updated_at
		) VALUES (
			$1::uuid, NULLIF($2, ''), $3, NULLIF($4::NUMERIC(5,4), 0), NULLIF($5, 0),
			NULLIF($6, ''), NULLIF($7, ''), COALESCE($8::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			image_name = COALESCE(EXCLUDED.image_name, forms.jobs.image_name),
			confidence = COALESCE(EXCLUDED.confidence, forms.jobs.confidence),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, forms.jobs.processing_time_ms),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = forms.jobs.metadata || EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING id
	`

	var returnedID string
	err = p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,            // $1
		update.ImageName,        // $2
		update.Status,           // $3
		sanitizedConfidence,     // $4 (sanitized to 4 decimals)
		update.ProcessingTimeMs, // $5
		update.ErrorCode,        // $6
		update.ErrorMessage,     // $7
		nullJSON(metadataJSON),  // $8
	).Scan(&returnedID)

	if err == sql.ErrNoRows {
		return fmt.Errorf("job not found: %s", update.JobID)
	}
	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s, confidence=%.4f): %w",
			update.JobID, update.Status, sanitizedConfidence, err)
	}

	return nil
}

// SaveExtraction stores one image's extraction and returns its row id.
func (p *PostgresClient) SaveExtraction(ctx context.Context, e *Extraction) (string, error) {
	if e.ImageName == "" {
		return "", fmt.Errorf("image name is required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	fieldsJSON, err := json.Marshal(e.Fields)
	if err != nil {
		return "", fmt.Errorf("failed to marshal fields: %w", err)
	}
	confJSON, err := json.Marshal(sanitizeConfidences(e.Confidences))
	if err != nil {
		return "", fmt.Errorf("failed to marshal confidences: %w", err)
	}
	sourcesJSON, err := json.Marshal(e.Sources)
	if err != nil {
		return "", fmt.Errorf("failed to marshal sources: %w", err)
	}

	invalid := e.InvalidFields
	if invalid == nil {
		invalid = []string{}
	}

	query := `
		INSERT INTO forms.extractions (
			id, job_id, image_name, aligned, fields, confidences, sources,
			invalid_fields, processing_time_ms, created_at
		) VALUES (
			$1::uuid, CASE WHEN $2 = '' THEN NULL ELSE $2::uuid END, $3, $4,
			$5::jsonb, $6::jsonb, COALESCE($7::jsonb, '{}'::jsonb), $8, NULLIF($9, 0), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			aligned = EXCLUDED.aligned,
			fields = EXCLUDED.fields,
			confidences = EXCLUDED.confidences,
			sources = EXCLUDED.sources,
			invalid_fields = EXCLUDED.invalid_fields,
			processing_time_ms = EXCLUDED.processing_time_ms
		RETURNING id
	`

	var id string
	err = p.db.QueryRowContext(
		ctx,
		query,
		e.ID,
		e.JobID,
		e.ImageName,
		e.Aligned,
		string(fieldsJSON),
		string(confJSON),
		nullJSON(sourcesJSON),
		pq.Array(invalid),
		e.ProcessingTimeMs,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to save extraction (image=%s): %w", e.ImageName, err)
	}

	return id, nil
}

// GetExtraction retrieves an extraction by ID
func (p *PostgresClient) GetExtraction(ctx context.Context, id string) (*Extraction, error) {
	if id == "" {
		return nil, fmt.Errorf("extraction ID is required")
	}

	query := `
		SELECT id, job_id, image_name, aligned, fields, confidences, sources,
		       invalid_fields, processing_time_ms, created_at
		FROM forms.extractions
		WHERE id = $1::uuid
	`

	var (
		e                             Extraction
		jobID                         sql.NullString
		fieldsJSON, confJSON, srcJSON []byte
		invalid                       pq.StringArray
		processingTimeMs              sql.NullInt64
	)

	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&e.ID, &jobID, &e.ImageName, &e.Aligned,
		&fieldsJSON, &confJSON, &srcJSON,
		&invalid, &processingTimeMs, &e.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("extraction not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get extraction: %w", err)
	}

	e.JobID = jobID.String
	e.ProcessingTimeMs = processingTimeMs.Int64
	e.InvalidFields = []string(invalid)

	if err := json.Unmarshal(fieldsJSON, &e.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}
	if err := json.Unmarshal(confJSON, &e.Confidences); err != nil {
		return nil, fmt.Errorf("failed to unmarshal confidences: %w", err)
	}
	if len(srcJSON) > 0 {
		if err := json.Unmarshal(srcJSON, &e.Sources); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sources: %w", err)
		}
	}

	return &e, nil
}

// GetJobByID retrieves a job by ID
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT id, image_name, status, confidence, processing_time_ms,
		       error_code, error_message, metadata, created_at, updated_at
		FROM forms.jobs
		WHERE id = $1::uuid
	`

	var (
		id, status                         string
		imageName, errorCode, errorMessage sql.NullString
		confidence                         sql.NullFloat64
		processingTimeMs                   sql.NullInt64
		metadataJSON                       []byte
		createdAt, updatedAt               time.Time
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&id, &imageName, &status, &confidence, &processingTimeMs,
		&errorCode, &errorMessage, &metadataJSON, &createdAt, &updatedAt,
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
		"id":        id,
		"status":    status,
		"createdAt": createdAt,
		"updatedAt": updatedAt,
		"metadata":  metadata,
	}
	if imageName.Valid {
		result["imageName"] = imageName.String
	}
	if confidence.Valid {
		result["confidence"] = confidence.Float64
	}
	if processingTimeMs.Valid {
		result["processingTimeMs"] = processingTimeMs.Int64
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

// nullJSON maps a marshalled nil map to SQL NULL.
func nullJSON(b []byte) interface{} {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return string(b)
}
