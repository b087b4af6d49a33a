/**
 * Queue Consumer for the Vision OCR worker
 *
 * Consumes ocr:extract and ocr:batch tasks from Redis via Asynq, runs the
 * extraction engine and records job progress in the job store.
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	ocrerrors "github.com/adverant/nexus/vision-ocr/internal/errors"
	"github.com/adverant/nexus/vision-ocr/internal/logging"
	"github.com/adverant/nexus/vision-ocr/internal/ocr"
	"github.com/adverant/nexus/vision-ocr/internal/processor"
	"github.com/adverant/nexus/vision-ocr/internal/storage"
)

// DefaultProcessingTimeout bounds a whole job
const DefaultProcessingTimeout = 5 * time.Minute

// Extractor is the part of the engine the consumer drives
type Extractor interface {
	ExtractText(ctx context.Context, input interface{}, opts processor.ExtractOptions) (*ocr.Extraction, error)
	BatchProcess(ctx context.Context, inputs []interface{}, opts processor.ExtractOptions, concurrency int) []ocr.BatchItem
	Provider() string
	Model() string
}

// JobStore persists job status transitions
type JobStore interface {
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) (*storage.JobRecord, error)
}

// Consumer handles job consumption from Redis queue
type Consumer struct {
	server   *asynq.Server
	mux      *asynq.ServeMux
	engine   Extractor
	store    JobStore
	defaults processor.ExtractOptions
	timeout  time.Duration
	config   *ConsumerConfig
	logger   *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Engine            Extractor
	Store             JobStore
	Defaults          processor.ExtractOptions
	ProcessingTimeout time.Duration // whole job (default: 5 minutes)
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	consumer, err := newConsumer(cfg)
	if err != nil {
		return nil, err
	}

	consumer.server = asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10, // Priority 10 for main queue
				"default":     1,  // Priority 1 for fallback
			},
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				consumer.logger.Error("Task processing error", "type", task.Type(), "error", err)
			}),
		},
	)

	return consumer, nil
}

// newConsumer builds the handler side without a server
func newConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("Engine is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("Store is required")
	}

	timeout := cfg.ProcessingTimeout
	if timeout <= 0 {
		timeout = DefaultProcessingTimeout
	}

	c := &Consumer{
		mux:      asynq.NewServeMux(),
		engine:   cfg.Engine,
		store:    cfg.Store,
		defaults: cfg.Defaults,
		timeout:  timeout,
		config:   cfg,
		logger:   logging.NewLogger("QueueConsumer"),
	}

	c.mux.HandleFunc(TypeExtract, c.HandleExtract)
	c.mux.HandleFunc(TypeBatch, c.HandleBatch)

	return c, nil
}

// retryDelay is exponential backoff: 5s, 10s, 20s ... capped at 60s
func retryDelay(n int, err error, task *asynq.Task) time.Duration {
	delay := time.Duration(5*(1<<uint(n))) * time.Second
	if delay > 60*time.Second {
		delay = 60 * time.Second
	}
	return delay
}

// Start starts processing in the background
func (c *Consumer) Start() error {
	c.logger.Info("Starting queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}
	return nil
}

// Stop waits for in-flight tasks and stops the consumer
func (c *Consumer) Stop() {
	c.logger.Info("Stopping queue consumer")
	c.server.Shutdown()
	c.logger.Info("Queue consumer stopped")
}

// HandleExtract processes an ocr:extract task
func (c *Consumer) HandleExtract(ctx context.Context, task *asynq.Task) error {
	startTime := time.Now()

	var payload ExtractPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal extract payload: %v: %w", err, asynq.SkipRetry)
	}
	logger := c.logger.With("jobId", payload.JobID)

	opts, err := payload.Options.Apply(c.defaults)
	if err != nil {
		return c.reject(ctx, payload.JobID, storage.KindExtract, err)
	}
	input, err := payload.Image.Input()
	if err != nil {
		return c.reject(ctx, payload.JobID, storage.KindExtract, err)
	}

	logger.Info("Processing image", "source", payload.Image.Label(), "format", opts.Format)
	c.markProcessing(ctx, payload.JobID, storage.KindExtract)

	processCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	extraction, err := c.engine.ExtractText(processCtx, input, opts)
	duration := time.Since(startTime)
	if err != nil {
		return c.fail(ctx, processCtx, payload.JobID, storage.KindExtract, err, duration)
	}

	result, err := json.Marshal(extraction)
	if err != nil {
		return c.fail(ctx, processCtx, payload.JobID, storage.KindExtract, err, duration)
	}

	update := c.completedUpdate(payload.JobID, storage.KindExtract, opts.Format, result, duration)
	if extraction.Result != nil {
		update.TotalElements = extraction.Result.Metadata.TotalElements
		update.AverageConfidence = extraction.Result.Metadata.AverageConfidence
	}
	c.updateStatus(ctx, update)

	logger.Info("Processing completed", "duration", duration, "elements", update.TotalElements)
	return nil
}

// HandleBatch processes an ocr:batch task. Per-image failures are part of
// the stored result; the job itself only fails on timeout.
func (c *Consumer) HandleBatch(ctx context.Context, task *asynq.Task) error {
	startTime := time.Now()

	var payload BatchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal batch payload: %v: %w", err, asynq.SkipRetry)
	}
	logger := c.logger.With("jobId", payload.JobID)

	opts, err := payload.Options.Apply(c.defaults)
	if err != nil {
		return c.reject(ctx, payload.JobID, storage.KindBatch, err)
	}
	if len(payload.Images) == 0 {
		return c.reject(ctx, payload.JobID, storage.KindBatch, fmt.Errorf("batch requires at least one image"))
	}

	inputs := make([]interface{}, len(payload.Images))
	for i, img := range payload.Images {
		input, err := img.Input()
		if err != nil {
			return c.reject(ctx, payload.JobID, storage.KindBatch, fmt.Errorf("image %d: %w", i, err))
		}
		inputs[i] = input
	}

	logger.Info("Processing batch", "images", len(inputs), "concurrency", payload.Concurrency)
	c.markProcessing(ctx, payload.JobID, storage.KindBatch)

	processCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	items := c.engine.BatchProcess(processCtx, inputs, opts, payload.Concurrency)
	duration := time.Since(startTime)

	if processCtx.Err() == context.DeadlineExceeded {
		return c.fail(ctx, processCtx, payload.JobID, storage.KindBatch, processCtx.Err(), duration)
	}

	failed, elements := 0, 0
	confidenceSum, scored := 0.0, 0
	for i := range items {
		if items[i].Failed() {
			failed++
			items[i].Image = payload.Images[i].Label()
			continue
		}
		if r := items[i].Extraction.Result; r != nil {
			elements += r.Metadata.TotalElements
			if r.Metadata.TotalElements > 0 {
				confidenceSum += r.Metadata.AverageConfidence
				scored++
			}
		}
	}

	result, err := json.Marshal(items)
	if err != nil {
		return c.fail(ctx, processCtx, payload.JobID, storage.KindBatch, err, duration)
	}

	update := c.completedUpdate(payload.JobID, storage.KindBatch, opts.Format, result, duration)
	update.TotalElements = elements
	if scored > 0 {
		update.AverageConfidence = confidenceSum / float64(scored)
	}
	update.Metadata = map[string]interface{}{
		"images": len(items),
		"failed": failed,
	}
	c.updateStatus(ctx, update)

	logger.Info("Batch completed", "duration", duration, "images", len(items), "failed", failed)
	return nil
}

func (c *Consumer) completedUpdate(jobID, kind string, format ocr.Format, result []byte, duration time.Duration) *storage.JobUpdate {
	return &storage.JobUpdate{
		JobID:            jobID,
		Kind:             kind,
		Status:           storage.StatusCompleted,
		Provider:         c.engine.Provider(),
		Model:            c.engine.Model(),
		Format:           string(format),
		ProcessingTimeMs: duration.Milliseconds(),
		Result:           result,
	}
}

func (c *Consumer) markProcessing(ctx context.Context, jobID, kind string) {
	c.updateStatus(ctx, &storage.JobUpdate{
		JobID:    jobID,
		Kind:     kind,
		Status:   storage.StatusProcessing,
		Provider: c.engine.Provider(),
		Model:    c.engine.Model(),
	})
}

// reject fails a job whose payload can never succeed
func (c *Consumer) reject(ctx context.Context, jobID, kind string, cause error) error {
	c.logger.Warn("Rejecting invalid task", "jobId", jobID, "error", cause)

	c.updateStatus(ctx, &storage.JobUpdate{
		JobID:        jobID,
		Kind:         kind,
		Status:       storage.StatusFailed,
		ErrorCode:    string(ocrerrors.ErrorInvalidInput),
		ErrorMessage: cause.Error(),
	})

	return fmt.Errorf("invalid task for job %s: %v: %w", jobID, cause, asynq.SkipRetry)
}

// fail records a failed attempt. Invalid input is not retried.
func (c *Consumer) fail(ctx, processCtx context.Context, jobID, kind string, err error, duration time.Duration) error {
	if processCtx.Err() == context.DeadlineExceeded {
		c.logger.Error("Processing timed out", "jobId", jobID, "duration", duration, "timeout", c.timeout)
		err = ocrerrors.NewProcessingTimeoutError(jobID, c.timeout, err)
	} else {
		c.logger.Error("Processing failed", "jobId", jobID, "duration", duration, "error", err)
	}

	update := &storage.JobUpdate{
		JobID:            jobID,
		Kind:             kind,
		Status:           storage.StatusFailed,
		ProcessingTimeMs: duration.Milliseconds(),
		ErrorCode:        string(ocrerrors.ErrorOCRExtraction),
		ErrorMessage:     ocrerrors.Message(err),
	}
	var pe *ocrerrors.ProcessingError
	if stderrors.As(err, &pe) {
		update.ErrorCode = string(pe.Code)
		update.Metadata = pe.ToMap()
	}
	c.updateStatus(ctx, update)

	if ocrerrors.HasCode(err, ocrerrors.ErrorInvalidInput) {
		return fmt.Errorf("job %s: %w: %w", jobID, err, asynq.SkipRetry)
	}
	return fmt.Errorf("job %s: %w", jobID, err)
}

func (c *Consumer) updateStatus(ctx context.Context, update *storage.JobUpdate) {
	if _, err := c.store.UpdateJobStatus(ctx, update); err != nil {
		c.logger.Warn("Failed to update job status", "jobId", update.JobID, "status", update.Status, "error", err)
	}
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
		"timeout":     c.timeout.String(),
	}
}
