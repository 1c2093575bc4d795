package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/MonsieurNam/handwriting-recognition/internal/queue"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [image or directory]...",
	Short: "Submit images to the worker queue",
	Long: `Submit form photographs as extraction jobs for the worker.

By default jobs reference the image by absolute path, which the worker must be
able to read. Use --inline to send the image bytes in the job instead.

Examples:
  # Through the backend named by QUEUE_BACKEND
  formextract enqueue Data_Input/

  # As asynq tasks, inlining the image bytes
  formextract enqueue --backend asynq --inline scan.jpg`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEnqueue,
}

func init() {
	rootCmd.AddCommand(enqueueCmd)

	enqueueCmd.Flags().String("backend", "", "queue backend, redis or asynq (default QUEUE_BACKEND)")
	enqueueCmd.Flags().Bool("inline", false, "send image bytes instead of paths")
	enqueueCmd.Flags().Int("max-retries", 3, "retries before a job is marked failed")
}

// jobSubmitter enqueues one payload and returns its job ID.
type jobSubmitter func(ctx context.Context, payload *queue.JobPayload) (string, error)

func runEnqueue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	backend, _ := cmd.Flags().GetString("backend")
	if backend == "" {
		backend = cfg.QueueBackend
	}
	inline, _ := cmd.Flags().GetBool("inline")
	maxRetries, _ := cmd.Flags().GetInt("max-retries")

	images, err := collectImages(args)
	if err != nil {
		return err
	}

	var submit jobSubmitter
	switch backend {
	case "asynq":
		redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		client := asynq.NewClient(redisOpt)
		defer client.Close()

		submit = func(ctx context.Context, payload *queue.JobPayload) (string, error) {
			task, err := queue.NewExtractFormTask(payload, asynq.Queue(cfg.QueueName), asynq.MaxRetry(maxRetries))
			if err != nil {
				return "", err
			}
			info, err := client.EnqueueContext(ctx, task)
			if err != nil {
				return "", err
			}
			return info.ID, nil
		}
	case "redis":
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		client := redis.NewClient(opt)
		defer client.Close()

		submit = func(ctx context.Context, payload *queue.JobPayload) (string, error) {
			return queue.EnqueueRedisJob(ctx, client, cfg.QueueName, payload, maxRetries)
		}
	default:
		return fmt.Errorf("unknown queue backend %q", backend)
	}

	out := cmd.OutOrStdout()
	for _, path := range images {
		payload, err := newPayload(path, inline)
		if err != nil {
			return err
		}
		id, err := submit(cmd.Context(), payload)
		if err != nil {
			return fmt.Errorf("failed to enqueue %s: %w", path, err)
		}
		fmt.Fprintf(out, "%s  %s\n", id, path)
	}
	fmt.Fprintf(out, "\n%d jobs enqueued on %s (%s)\n", len(images), cfg.QueueName, backend)
	return nil
}

func newPayload(path string, inline bool) (*queue.JobPayload, error) {
	payload := &queue.JobPayload{ImageName: filepath.Base(path)}
	if inline {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		payload.ImageBuffer = data
		payload.ImageSize = int64(len(data))
		return payload, nil
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	payload.ImagePath = abs
	return payload, nil
}
