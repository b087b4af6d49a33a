/**
 * PostgreSQL Client for the Vision OCR worker
 *
 * Handles job persistence: status transitions, extraction results and
 * failure details for asynchronous OCR jobs.
 */

package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"time"

	_ "github.com/lib/pq"
)

// ErrJobNotFound is returned when no job exists for an ID
var ErrJobNotFound = errors.New("job not found")

// Job statuses
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Job kinds
const (
	KindExtract = "extract"
	KindBatch   = "batch"
)

const schemaSQL = `
	CREATE SCHEMA IF NOT EXISTS visionocr;

	CREATE TABLE IF NOT EXISTS visionocr.ocr_jobs (
		id                 UUID PRIMARY KEY,
		kind               TEXT NOT NULL DEFAULT 'extract',
		status             TEXT NOT NULL,
		provider           TEXT,
		model              TEXT,
		output_format      TEXT,
		average_confidence NUMERIC(7,4),
		total_elements     INTEGER,
		processing_time_ms BIGINT,
		error_code         TEXT,
		error_message      TEXT,
		result             JSONB,
		metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS ocr_jobs_status_idx ON visionocr.ocr_jobs (status);
`

const jobColumns = `
	id, kind, status, provider, model, output_format,
	average_confidence, total_elements, processing_time_ms,
	error_code, error_message, result, metadata, created_at, updated_at
`

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID             string
	Kind              string
	Status            string
	Provider          string
	Model             string
	Format            string
	AverageConfidence float64 // 0-100
	TotalElements     int
	ProcessingTimeMs  int64
	ErrorCode         string
	ErrorMessage      string
	Result            json.RawMessage
	Metadata          map[string]interface{}
}

// JobRecord is the stored state of an OCR job
type JobRecord struct {
	ID                string                 `json:"id"`
	Kind              string                 `json:"kind"`
	Status            string                 `json:"status"`
	Provider          string                 `json:"provider,omitempty"`
	Model             string                 `json:"model,omitempty"`
	Format            string                 `json:"format,omitempty"`
	AverageConfidence float64                `json:"averageConfidence,omitempty"`
	TotalElements     int                    `json:"totalElements,omitempty"`
	ProcessingTimeMs  int64                  `json:"processingTimeMs,omitempty"`
	ErrorCode         string                 `json:"errorCode,omitempty"`
	ErrorMessage      string                 `json:"errorMessage,omitempty"`
	Result            json.RawMessage        `json:"result,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt         time.Time              `json:"createdAt"`
	UpdatedAt         time.Time              `json:"updatedAt"`
}

// Terminal reports whether the job has finished
func (j *JobRecord) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// sanitizeConfidence rounds confidence to 4 decimal places and clamps it to
// [0, 100] so it fits the NUMERIC(7,4) column.
func sanitizeConfidence(confidence float64) float64 {
	if math.IsNaN(confidence) || confidence < 0.0 {
		return 0.0
	}
	if confidence > 100.0 {
		return 100.0
	}
	return math.Round(confidence*10000) / 10000
}

// controlEscapePattern matches a run of backslashes ending in a \u00XX control
// escape. Only an odd run is a real escape; an even run is escaped backslashes
// followed by literal text.
var controlEscapePattern = regexp.MustCompile(`\\+u00[01][0-9a-fA-F]`)

// sanitizeJSONForPostgres strips escape sequences that JSONB rejects.
// \u0000 is removed; other C0 control escapes become a space.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	return controlEscapePattern.ReplaceAllFunc(jsonBytes, func(m []byte) []byte {
		escape := bytes.LastIndexByte(m, '\\')
		if escape%2 == 1 {
			return m
		}
		out := append([]byte{}, m[:escape]...)
		if bytes.Equal(m[escape:], []byte(`\u0000`)) {
			return out
		}
		return append(out, ' ')
	})
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

// EnsureSchema creates the job table when missing
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// UpdateJobStatus upserts the job row and returns its new state.
// Zero-valued fields keep the stored value, except error fields which are
// cleared when the update carries none.
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) (*JobRecord, error) {
	if update.JobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}
	if update.Status == "" {
		return nil, fmt.Errorf("status is required")
	}

	metadataJSON, err := json.Marshal(update.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if update.Metadata == nil {
		metadataJSON = nil
	}

	var resultJSON []byte
	if len(update.Result) > 0 {
		resultJSON = sanitizeJSONForPostgres(update.Result)
	}

	kind := update.Kind
	if kind == "" {
		kind = KindExtract
	}

	query := `
		INSERT INTO visionocr.ocr_jobs (
			id, kind, status, provider, model, output_format,
			average_confidence, total_elements, processing_time_ms,
			error_code, error_message, result, metadata,
			created_at, updated_at
		) VALUES (
			$1::uuid, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''),
			NULLIF($7::NUMERIC(7,4), 0), NULLIF($8::INTEGER, 0), NULLIF($9::BIGINT, 0),
			NULLIF($10, ''), NULLIF($11, ''), $12::jsonb,
			COALESCE($13::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			provider = COALESCE(EXCLUDED.provider, visionocr.ocr_jobs.provider),
			model = COALESCE(EXCLUDED.model, visionocr.ocr_jobs.model),
			output_format = COALESCE(EXCLUDED.output_format, visionocr.ocr_jobs.output_format),
			average_confidence = COALESCE(EXCLUDED.average_confidence, visionocr.ocr_jobs.average_confidence),
			total_elements = COALESCE(EXCLUDED.total_elements, visionocr.ocr_jobs.total_elements),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, visionocr.ocr_jobs.processing_time_ms),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			result = COALESCE(EXCLUDED.result, visionocr.ocr_jobs.result),
			metadata = CASE WHEN $13::jsonb IS NULL THEN visionocr.ocr_jobs.metadata ELSE EXCLUDED.metadata END,
			updated_at = NOW()
		RETURNING ` + jobColumns

	metadataArg := nullableJSON(sanitizeJSONForPostgres(metadataJSON))

	row := p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,                                 // $1 - id
		kind,                                         // $2 - kind
		update.Status,                                // $3 - status
		update.Provider,                              // $4 - provider
		update.Model,                                 // $5 - model
		update.Format,                                // $6 - output_format
		sanitizeConfidence(update.AverageConfidence), // $7 - average_confidence
		update.TotalElements,                         // $8 - total_elements
		update.ProcessingTimeMs,                      // $9 - processing_time_ms
		update.ErrorCode,                             // $10 - error_code
		update.ErrorMessage,                          // $11 - error_message
		nullableJSON(resultJSON),                     // $12 - result
		metadataArg,                                  // $13 - metadata
	)

	record, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("failed to update job status (job=%s, status=%s): %w",
			update.JobID, update.Status, err)
	}

	return record, nil
}

// GetJobByID retrieves a job by ID
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID string) (*JobRecord, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `SELECT ` + jobColumns + ` FROM visionocr.ocr_jobs WHERE id = $1::uuid`

	record, err := scanJob(p.db.QueryRowContext(ctx, query, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return record, nil
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

func scanJob(row *sql.Row) (*JobRecord, error) {
	var (
		record                   JobRecord
		provider, model, format  sql.NullString
		confidence               sql.NullFloat64
		totalElements            sql.NullInt64
		processingTimeMs         sql.NullInt64
		errorCode, errorMessage  sql.NullString
		resultJSON, metadataJSON []byte
	)

	err := row.Scan(
		&record.ID, &record.Kind, &record.Status, &provider, &model, &format,
		&confidence, &totalElements, &processingTimeMs,
		&errorCode, &errorMessage, &resultJSON, &metadataJSON,
		&record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Provider = provider.String
	record.Model = model.String
	record.Format = format.String
	record.AverageConfidence = confidence.Float64
	record.TotalElements = int(totalElements.Int64)
	record.ProcessingTimeMs = processingTimeMs.Int64
	record.ErrorCode = errorCode.String
	record.ErrorMessage = errorMessage.String
	if len(resultJSON) > 0 {
		record.Result = json.RawMessage(resultJSON)
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &record.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &record, nil
}

// nullableJSON maps an empty document to SQL NULL
func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
