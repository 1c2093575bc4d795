/**
 * Asynq Queue Consumer for the form extraction worker
 *
 * Consumes extract-form tasks from Redis through asynq and runs them through
 * the form processor.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/MonsieurNam/handwriting-recognition/internal/errors"
	"github.com/MonsieurNam/handwriting-recognition/internal/logging"
	"github.com/MonsieurNam/handwriting-recognition/internal/processor"
)

// Consumer handles task consumption from an asynq queue
type Consumer struct {
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor processor.FormProcessorInterface
	config    *ConsumerConfig
	logger    *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.FormProcessorInterface
	ProcessingTimeout int64 // milliseconds
}

// NewConsumer creates a new asynq queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := logging.NewLogger("AsynqConsumer")

	client := asynq.NewClient(redisOpt)
	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			// Exponential backoff: 5s, 10s, 20s, capped at 60s
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				delay := time.Duration(5*(1<<uint(n))) * time.Second
				if delay > 60*time.Second {
					delay = 60 * time.Second
				}
				return delay
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task processing error", "type", task.Type(), "error", err)
			}),
			Logger: asynqLogger{logger},
		},
	)

	consumer := &Consumer{
		client:    client,
		server:    server,
		mux:       asynq.NewServeMux(),
		processor: cfg.Processor,
		config:    cfg,
		logger:    logger,
	}
	consumer.mux.HandleFunc(TypeExtractForm, consumer.handleExtractForm)

	return consumer, nil
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)
	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping queue consumer")
	c.server.Shutdown()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}

	c.logger.Info("Queue consumer stopped")
	return nil
}

// Enqueue submits a form image on the consumer's queue.
func (c *Consumer) Enqueue(ctx context.Context, payload *JobPayload) (*asynq.TaskInfo, error) {
	task, err := NewExtractFormTask(payload, asynq.Queue(c.config.QueueName))
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// handleExtractForm processes one extract-form task
func (c *Consumer) handleExtractForm(ctx context.Context, task *asynq.Task) error {
	startTime := time.Now()

	var payload JobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return permanent(fmt.Errorf("failed to unmarshal job payload: %w", err))
	}
	if err := payload.Validate(); err != nil {
		return permanent(err)
	}

	logger := c.logger.With("jobId", payload.JobID, "image", payload.ImageName)
	logger.Info("Processing form image", "bytes", len(payload.ImageBuffer), "path", payload.ImagePath, "url", payload.ImageURL)

	if err := c.processor.UpdateJobStatus(ctx, payload.JobID, "processing", 0, map[string]interface{}{
		"imageName": payload.ImageName,
	}); err != nil {
		logger.Warn("Failed to update status to processing", "error", err)
	}

	timeout := processingTimeout(c.config.ProcessingTimeout)
	processCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := c.processor.ProcessForm(processCtx, payload.Request())
	duration := time.Since(startTime)

	if err != nil {
		if processCtx.Err() == context.DeadlineExceeded {
			logger.Error("Processing timed out", "duration", duration, "timeout", timeout)
			timeoutErr := errors.NewProcessingTimeoutError(payload.JobID, timeout, err)
			if updateErr := c.processor.UpdateJobStatus(ctx, payload.JobID, "failed", 100, timeoutErr.ToMap()); updateErr != nil {
				logger.Warn("Failed to update status to failed", "error", updateErr)
			}
			return fmt.Errorf("processing timeout: %w", timeoutErr)
		}

		logger.Error("Processing failed", "duration", duration, "error", err)
		failure := map[string]interface{}{
			"error":          err.Error(),
			"processingTime": duration.Milliseconds(),
		}
		if code := errors.CodeOf(err); code != "" {
			failure["error_code"] = string(code)
		}
		if updateErr := c.processor.UpdateJobStatus(ctx, payload.JobID, "failed", 100, failure); updateErr != nil {
			logger.Warn("Failed to update status to failed", "error", updateErr)
		}

		if errors.CodeOf(err) == errors.ErrorImageDecode {
			return permanent(err)
		}
		return fmt.Errorf("form processing failed: %w", err)
	}

	logger.Info("Processing completed",
		"duration", duration,
		"aligned", result.Aligned,
		"confidence", result.MeanConfidence(),
		"invalid", result.InvalidFields())

	if err := c.processor.UpdateJobStatus(ctx, payload.JobID, "completed", 100, ResultSummary(result)); err != nil {
		logger.Warn("Failed to update status to completed", "error", err)
	}

	if w := task.ResultWriter(); w != nil {
		if data, err := json.Marshal(ResultSummary(result)); err == nil {
			if _, err := w.Write(data); err != nil {
				logger.Debug("Failed to write task result", "error", err)
			}
		}
	}

	return nil
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
	}
}

// asynqLogger routes asynq's internal logs through the worker logger.
type asynqLogger struct {
	l *logging.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) {
	a.l.Error(fmt.Sprint(args...))
	logging.Sync()
	os.Exit(1)
}
