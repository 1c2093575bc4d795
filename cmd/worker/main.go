/**
 * Form Extraction Worker - Main Entry Point
 *
 * Go worker that turns photographed paper forms into validated field values.
 *
 * Architecture:
 * - Redis list or asynq consumer for the form job queue
 * - Page location and perspective alignment onto the reference template
 * - Per-field restoration, recognizer ensemble and consensus voting
 * - PostgreSQL persistence for extraction results (optional)
 * - Prometheus metrics on METRICS_ADDR
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MonsieurNam/handwriting-recognition/internal/config"
	"github.com/MonsieurNam/handwriting-recognition/internal/logging"
	"github.com/MonsieurNam/handwriting-recognition/internal/processor"
	"github.com/MonsieurNam/handwriting-recognition/internal/queue"
	"github.com/MonsieurNam/handwriting-recognition/internal/storage"
)

// consumer is the part of the two queue backends main needs.
type consumer interface {
	Start() error
	Stop() error
}

// asynqConsumer adapts queue.Consumer to consumer.
type asynqConsumer struct {
	*queue.Consumer
}

func (a asynqConsumer) Start() error { return a.Consumer.Start(context.Background()) }
func (a asynqConsumer) Stop() error  { return a.Consumer.Stop(context.Background()) }

func main() {
	envErr := godotenv.Load(".env.forms")

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Configure(cfg.LogLevel, cfg.IsProduction()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	logger := logging.NewLogger("Worker")
	if envErr != nil {
		logger.Warn(".env.forms not found, using system environment variables")
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Worker failed", "error", err)
		logging.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	logger.Info("Form extraction worker starting",
		"queueBackend", cfg.QueueBackend,
		"queue", cfg.QueueName,
		"workers", cfg.WorkerConcurrency,
		"fieldConcurrency", cfg.FieldConcurrency)

	routing, err := config.LoadRouting(cfg.RoutingConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load routing config: %w", err)
	}

	// Persistence is optional; without a database results are only published on the queue.
	var store processor.ResultStore
	if cfg.DatabaseURL != "" {
		logger.Info("Connecting to PostgreSQL...")
		db, err := storage.NewPostgresClient(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = db.EnsureSchema(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
		store = db
		logger.Info("PostgreSQL result store ready")
	}

	proc, err := processor.NewFromConfig(cfg, routing, store, logging.NewLogger("FormProcessor"))
	if err != nil {
		return fmt.Errorf("failed to initialize form processor: %w", err)
	}
	logger.Info("Form processor initialized",
		"fields", len(proc.Template().Fields),
		"policy", routing.Policy,
		"voting", routing.Voting)

	qc, err := newConsumer(cfg, proc)
	if err != nil {
		return fmt.Errorf("failed to initialize queue consumer: %w", err)
	}
	if err := qc.Start(); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(store), ReadHeaderTimeout: 5 * time.Second}
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
	}

	logger.Info("Form extraction worker is READY, waiting for jobs", "metrics", cfg.MetricsAddr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal, initiating graceful shutdown", "signal", sig.String())

	if err := qc.Stop(); err != nil {
		logger.Warn("Error stopping queue consumer", "error", err)
	} else {
		logger.Info("Queue consumer stopped")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Warn("Error stopping metrics server", "error", err)
	}

	logger.Info("Shutdown complete")
	return nil
}

func newConsumer(cfg *config.Config, proc processor.FormProcessorInterface) (consumer, error) {
	switch cfg.QueueBackend {
	case "asynq":
		c, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
		})
		if err != nil {
			return nil, err
		}
		return asynqConsumer{c}, nil
	default:
		return queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
		})
	}
}

// metricsMux serves /metrics and a /health check that pings the store when one is configured.
func metricsMux(store processor.ResultStore) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := healthCheck(r.Context(), store); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func healthCheck(ctx context.Context, store processor.ResultStore) error {
	db, ok := store.(*storage.PostgresClient)
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}
