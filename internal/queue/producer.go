package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	defaultMaxRetry  = 3
	defaultRetention = 24 * time.Hour
)

// Producer enqueues OCR tasks for the worker
type Producer struct {
	client    *asynq.Client
	queueName string
}

// NewProducer creates a producer for queueName on the Redis at redisURL
func NewProducer(redisURL, queueName string) (*Producer, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if queueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	return &Producer{
		client:    asynq.NewClient(redisOpt),
		queueName: queueName,
	}, nil
}

// EnqueueExtract schedules a single-image extraction
func (p *Producer) EnqueueExtract(ctx context.Context, payload *ExtractPayload) error {
	task, err := NewExtractTask(payload)
	if err != nil {
		return err
	}
	return p.enqueue(ctx, task, payload.JobID)
}

// EnqueueBatch schedules a batch extraction
func (p *Producer) EnqueueBatch(ctx context.Context, payload *BatchPayload) error {
	task, err := NewBatchTask(payload)
	if err != nil {
		return err
	}
	return p.enqueue(ctx, task, payload.JobID)
}

// enqueue uses the job ID as task ID so a job is never queued twice
func (p *Producer) enqueue(ctx context.Context, task *asynq.Task, jobID string) error {
	_, err := p.client.EnqueueContext(ctx, task,
		asynq.Queue(p.queueName),
		asynq.TaskID(jobID),
		asynq.MaxRetry(defaultMaxRetry),
		asynq.Retention(defaultRetention),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s task for job %s: %w", task.Type(), jobID, err)
	}
	return nil
}

// Close closes the underlying client
func (p *Producer) Close() error {
	return p.client.Close()
}
