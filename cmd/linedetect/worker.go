package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/linedetect-worker/internal/queue"
	"github.com/adverant/nexus/linedetect-worker/internal/storage"
)

var workerCmd = &cobra.Command{
	Use:          "worker",
	Short:        "Consume line detection jobs from the queue",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

type stopper interface {
	stop() error
}

type redisWorker struct{ c *queue.RedisConsumer }

func (w redisWorker) stop() error { return w.c.Stop() }

type asynqWorker struct{ c *queue.Consumer }

func (w asynqWorker) stop() error { return w.c.Stop(context.Background()) }

func runWorker(cmd *cobra.Command, args []string) error {
	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Line detection worker starting",
		"queueMode", cfg.QueueMode,
		"queue", cfg.QueueName,
		"engine", cfg.DetectorEngine,
		"workers", cfg.WorkerConcurrency,
		"pageConcurrency", cfg.PageConcurrency)

	storageManager, err := storage.NewStorageManager(cfg.DatabaseURL, cfg.QdrantURL, cfg.QdrantCollection)
	if err != nil {
		return fmt.Errorf("failed to initialize storage manager: %w", err)
	}
	defer storageManager.Close()
	logger.Info("Storage manager initialized", "qdrant", cfg.QdrantURL != "")

	proc, err := newProcessor(ctx, storageManager)
	if err != nil {
		return fmt.Errorf("failed to initialize document processor: %w", err)
	}

	var running stopper
	switch cfg.QueueMode {
	case "asynq":
		consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:    cfg.RedisURL,
			QueueName:   cfg.QueueName,
			Concurrency: cfg.WorkerConcurrency,
			Processor:   proc,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize queue consumer: %w", err)
		}
		if err := consumer.Start(ctx); err != nil {
			return err
		}
		running = asynqWorker{consumer}
	default:
		consumer, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:    cfg.RedisURL,
			QueueName:   cfg.QueueName,
			Concurrency: cfg.WorkerConcurrency,
			Processor:   proc,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize queue consumer: %w", err)
		}
		if err := consumer.Start(); err != nil {
			return err
		}
		running = redisWorker{consumer}
	}

	logger.Info("Worker is ready, waiting for jobs")
	<-ctx.Done()
	logger.Info("Shutdown signal received, stopping")

	done := make(chan error, 1)
	go func() { done <- running.stop() }()
	select {
	case err := <-done:
		if err != nil {
			logger.Error("Error stopping queue consumer", "error", err)
		}
	case <-time.After(cfg.ProcessingTimeoutDuration() + 30*time.Second):
		logger.Warn("Queue consumer did not stop in time")
	}

	logger.Info("Shutdown complete")
	return nil
}
