/**
 * Storage Manager for the Vision OCR worker
 *
 * Coordinates job storage across PostgreSQL (source of truth) and Redis
 * (short-lived result cache read by status polling).
 */

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	ocrerrors "github.com/adverant/nexus/vision-ocr/internal/errors"
	"github.com/adverant/nexus/vision-ocr/internal/logging"
)

// JobRepository is the durable job store
type JobRepository interface {
	UpdateJobStatus(ctx context.Context, update *JobUpdate) (*JobRecord, error)
	GetJobByID(ctx context.Context, jobID string) (*JobRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

// StorageManager coordinates PostgreSQL and Redis operations
type StorageManager struct {
	jobs   JobRepository
	cache  *ResultCache
	logger *logging.Logger
}

// NewStorageManager connects to PostgreSQL and Redis and ensures the job schema
func NewStorageManager(ctx context.Context, postgresURL, redisURL string, ttl time.Duration) (*StorageManager, error) {
	postgres, err := NewPostgresClient(postgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
	}

	if err := postgres.EnsureSchema(ctx); err != nil {
		postgres.Close()
		return nil, err
	}

	cache, err := NewResultCacheFromURL(ctx, redisURL, ttl)
	if err != nil {
		postgres.Close() // Cleanup on failure
		return nil, fmt.Errorf("failed to initialize result cache: %w", err)
	}

	return NewStorageManagerWith(postgres, cache), nil
}

// NewStorageManagerWith builds a manager from existing stores. cache may be nil.
func NewStorageManagerWith(jobs JobRepository, cache *ResultCache) *StorageManager {
	return &StorageManager{
		jobs:   jobs,
		cache:  cache,
		logger: logging.NewLogger("StorageManager"),
	}
}

// CreateJob records a new queued job with a fresh ID
func (sm *StorageManager) CreateJob(ctx context.Context, kind string, metadata map[string]interface{}) (*JobRecord, error) {
	return sm.UpdateJobStatus(ctx, &JobUpdate{
		JobID:    uuid.New().String(),
		Kind:     kind,
		Status:   StatusQueued,
		Metadata: metadata,
	})
}

// UpdateJobStatus writes the update to PostgreSQL, then refreshes the cache.
// A cache failure is logged; the durable write decides the outcome.
func (sm *StorageManager) UpdateJobStatus(ctx context.Context, update *JobUpdate) (*JobRecord, error) {
	if update == nil {
		return nil, fmt.Errorf("update is required")
	}

	record, err := sm.jobs.UpdateJobStatus(ctx, update)
	if err != nil {
		return nil, ocrerrors.NewStorageFailedError(update.JobID, err)
	}

	if sm.cache != nil {
		if err := sm.cache.Set(ctx, record); err != nil {
			sm.logger.Warn("Failed to cache job record", "jobId", record.ID, "error", err)
		}
	}

	return record, nil
}

// GetJob returns the job from the cache, falling back to PostgreSQL.
// Unknown IDs yield an error matching ErrJobNotFound.
func (sm *StorageManager) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, fmt.Errorf("%w: invalid job ID %q", ErrJobNotFound, jobID)
	}

	if sm.cache != nil {
		record, err := sm.cache.Get(ctx, jobID)
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, ErrJobNotFound) {
			sm.logger.Warn("Result cache read failed", "jobId", jobID, "error", err)
		}
	}

	record, err := sm.jobs.GetJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return nil, err
		}
		return nil, ocrerrors.NewStorageFailedError(jobID, err)
	}

	if sm.cache != nil {
		if err := sm.cache.Set(ctx, record); err != nil {
			sm.logger.Warn("Failed to cache job record", "jobId", jobID, "error", err)
		}
	}

	return record, nil
}

// HealthCheck checks health of both storage systems
func (sm *StorageManager) HealthCheck(ctx context.Context) error {
	if err := sm.jobs.Ping(ctx); err != nil {
		return fmt.Errorf("PostgreSQL health check failed: %w", err)
	}
	if sm.cache != nil {
		if err := sm.cache.Ping(ctx); err != nil {
			return fmt.Errorf("Redis health check failed: %w", err)
		}
	}
	return nil
}

// Stats reports connection pool usage when the repository exposes it
func (sm *StorageManager) Stats() map[string]interface{} {
	stats := map[string]interface{}{"cache": sm.cache != nil}
	if pool, ok := sm.jobs.(interface{ GetStats() sql.DBStats }); ok {
		s := pool.GetStats()
		stats["openConnections"] = s.OpenConnections
		stats["inUse"] = s.InUse
		stats["idle"] = s.Idle
		stats["waitCount"] = s.WaitCount
	}
	return stats
}

// Close closes all storage connections
func (sm *StorageManager) Close() error {
	var errs []error

	if err := sm.jobs.Close(); err != nil {
		errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
	}
	if sm.cache != nil {
		if err := sm.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("Redis close error: %w", err))
		}
	}

	return errors.Join(errs...)
}
