/**
 * Direct Redis Queue Consumer for the form extraction worker
 *
 * Jobs are IDs on a Redis LIST with their JSON in <queue>:data. Status is
 * tracked in the <queue>:processing/completed/failed sets, results in
 * <queue>:results and events are published on <queue>:events.
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/MonsieurNam/handwriting-recognition/internal/errors"
	"github.com/MonsieurNam/handwriting-recognition/internal/logging"
	"github.com/MonsieurNam/handwriting-recognition/internal/processor"
)

var errNoJobs = stderrors.New("no jobs available")

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client    *redis.Client
	processor processor.FormProcessorInterface
	config    *RedisConsumerConfig
	logger    *logging.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.FormProcessorInterface
	ProcessingTimeout int64 // milliseconds
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newRedisConsumer(client, cfg), nil
}

func newRedisConsumer(client *redis.Client, cfg *RedisConsumerConfig) *RedisConsumer {
	if cfg.QueueName == "" {
		cfg.QueueName = "forms:jobs"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	consumerCtx, cancel := context.WithCancel(context.Background())
	return &RedisConsumer{
		client:    client,
		processor: cfg.Processor,
		config:    cfg,
		logger:    logging.NewLogger("RedisConsumer"),
		ctx:       consumerCtx,
		cancel:    cancel,
	}
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Info("Starting Redis queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}
	return nil
}

// Stop gracefully stops the consumer
func (c *RedisConsumer) Stop() error {
	c.logger.Info("Stopping queue consumer")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

// worker is a goroutine that processes jobs
func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	c.logger.Debug("Worker started", "worker", id)

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Debug("Worker stopping", "worker", id)
			return
		default:
		}

		if err := c.processNextJob(); err != nil {
			if stderrors.Is(err, errNoJobs) || c.ctx.Err() != nil {
				continue
			}
			c.logger.Warn("Worker error", "worker", id, "error", err)
			select {
			case <-time.After(time.Second):
			case <-c.ctx.Done():
			}
		}
	}
}

func (c *RedisConsumer) key(suffix string) string {
	return fmt.Sprintf("%s:%s", c.config.QueueName, suffix)
}

// Enqueue stores the job data and pushes its ID onto the queue.
func (c *RedisConsumer) Enqueue(ctx context.Context, payload *JobPayload, maxRetries int) (string, error) {
	return EnqueueRedisJob(ctx, c.client, c.config.QueueName, payload, maxRetries)
}

// EnqueueRedisJob stores payload under <queue>:data and LPUSHes its ID.
func EnqueueRedisJob(ctx context.Context, client redis.Cmdable, queueName string, payload *JobPayload, maxRetries int) (string, error) {
	if payload.JobID == "" {
		payload.JobID = uuid.NewString()
	}
	if err := payload.Validate(); err != nil {
		return "", err
	}

	job := RedisJobData{
		ID:         payload.JobID,
		Type:       TypeExtractForm,
		Payload:    *payload,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: maxRetries,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := client.TxPipeline()
	pipe.HSet(ctx, queueName+":data", job.ID, data)
	pipe.LPush(ctx, queueName, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job.ID, nil
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	// Block for up to 5 seconds waiting for a job
	result, err := c.client.BRPop(c.ctx, 5*time.Second, c.config.QueueName).Result()
	if err != nil {
		if err == redis.Nil {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}
	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	jobID := result[1]

	jobData, err := c.client.HGet(c.ctx, c.key("data"), jobID).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data: %w", err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		c.updateJobStatus(jobID, "failed", map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = job.ID
	}

	c.updateJobStatus(job.Payload.JobID, "processing", nil)

	summary, err := c.processJob(&job)
	if err != nil {
		c.logger.Warn("Job failed", "jobId", job.Payload.JobID, "error", err)

		job.Attempts++
		if job.Attempts < job.MaxRetries && !IsPermanent(err) {
			updatedData, _ := json.Marshal(job)
			c.client.HSet(c.ctx, c.key("data"), job.ID, updatedData)
			c.client.LPush(c.ctx, c.config.QueueName, job.ID)
			c.logger.Info("Job re-queued for retry", "jobId", job.Payload.JobID, "attempt", job.Attempts, "maxRetries", job.MaxRetries)
		} else {
			failure := map[string]interface{}{
				"error":    err.Error(),
				"attempts": job.Attempts,
			}
			if code := errors.CodeOf(err); code != "" {
				failure["error_code"] = string(code)
			}
			c.updateJobStatus(job.Payload.JobID, "failed", failure)
		}
		return nil
	}

	c.updateJobStatus(job.Payload.JobID, "completed", summary)
	c.logger.Info("Job completed", "jobId", job.Payload.JobID)
	return nil
}

// processJob runs one job through the processor under the processing timeout
func (c *RedisConsumer) processJob(job *RedisJobData) (map[string]interface{}, error) {
	startTime := time.Now()

	if err := job.Payload.Validate(); err != nil {
		return nil, permanent(err)
	}

	timeout := processingTimeout(c.config.ProcessingTimeout)
	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()

	result, err := c.processor.ProcessForm(ctx, job.Payload.Request())
	duration := time.Since(startTime)

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			c.logger.Error("Processing timed out", "jobId", job.Payload.JobID, "duration", duration, "timeout", timeout)
			return nil, fmt.Errorf("processing timeout: %w", errors.NewProcessingTimeoutError(job.Payload.JobID, timeout, err))
		}
		if errors.CodeOf(err) == errors.ErrorImageDecode {
			return nil, permanent(err)
		}
		return nil, err
	}

	c.logger.Info("Processing completed", "jobId", job.Payload.JobID, "duration", duration, "aligned", result.Aligned)
	return ResultSummary(result), nil
}

// updateJobStatus updates the status of a job in both Redis and the result store
func (c *RedisConsumer) updateJobStatus(jobID string, status string, result map[string]interface{}) {
	switch status {
	case "processing":
		c.client.SAdd(c.ctx, c.key("processing"), jobID)
	case "completed":
		c.client.SRem(c.ctx, c.key("processing"), jobID)
		c.client.SAdd(c.ctx, c.key("completed"), jobID)
		if result != nil {
			resultData, _ := json.Marshal(result)
			c.client.HSet(c.ctx, c.key("results"), jobID, resultData)
		}
	case "failed":
		c.client.SRem(c.ctx, c.key("processing"), jobID)
		c.client.SAdd(c.ctx, c.key("failed"), jobID)
		if result != nil {
			errorData, _ := json.Marshal(result)
			c.client.HSet(c.ctx, c.key("errors"), jobID, errorData)
		}
	}

	progress := 0
	if status != "processing" {
		progress = 100
	}
	if err := c.processor.UpdateJobStatus(c.ctx, jobID, status, progress, result); err != nil {
		c.logger.Warn("Failed to update job status in store", "jobId", jobID, "status", status, "error", err)
	}

	event := map[string]interface{}{
		"event":     fmt.Sprintf("job:%s", status),
		"jobId":     jobID,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	eventData, _ := json.Marshal(event)
	c.client.Publish(c.ctx, c.key("events"), eventData)
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats() (map[string]int64, error) {
	ctx := context.Background()

	waiting, err := c.client.LLen(ctx, c.config.QueueName).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue length: %w", err)
	}
	processing, _ := c.client.SCard(ctx, c.key("processing")).Result()
	completed, _ := c.client.SCard(ctx, c.key("completed")).Result()
	failed, _ := c.client.SCard(ctx, c.key("failed")).Result()

	return map[string]int64{
		"waiting":    waiting,
		"processing": processing,
		"completed":  completed,
		"failed":     failed,
	}, nil
}
