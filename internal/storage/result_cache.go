package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const resultKeyPrefix = "visionocr:job:"

// ResultCache keeps recent job records in Redis so status polling does not
// hit PostgreSQL. Entries expire after the configured TTL.
type ResultCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewResultCache wraps an existing Redis client
func NewResultCache(client *redis.Client, ttl time.Duration) *ResultCache {
	return &ResultCache{client: client, ttl: ttl}
}

// NewResultCacheFromURL connects to the Redis instance at redisURL
func NewResultCacheFromURL(ctx context.Context, redisURL string, ttl time.Duration) (*ResultCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewResultCache(client, ttl), nil
}

func resultKey(jobID string) string {
	return resultKeyPrefix + jobID
}

// Set stores the record under its job ID
func (c *ResultCache) Set(ctx context.Context, record *JobRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal job record: %w", err)
	}
	if err := c.client.Set(ctx, resultKey(record.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache job %s: %w", record.ID, err)
	}
	return nil
}

// Get returns the cached record, or ErrJobNotFound on a miss
func (c *ResultCache) Get(ctx context.Context, jobID string) (*JobRecord, error) {
	data, err := c.client.Get(ctx, resultKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached job %s: %w", jobID, err)
	}

	var record JobRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached job %s: %w", jobID, err)
	}
	return &record, nil
}

// Delete removes a cached record
func (c *ResultCache) Delete(ctx context.Context, jobID string) error {
	return c.client.Del(ctx, resultKey(jobID)).Err()
}

// Ping checks Redis connectivity
func (c *ResultCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *ResultCache) Close() error {
	return c.client.Close()
}
