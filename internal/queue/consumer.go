/**
 * Queue Consumer for the line detection worker
 *
 * Consumes detect-lines tasks with Asynq. Job status in PostgreSQL is
 * maintained by the processor; the task result holds the page outcomes.
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/linedetect-worker/internal/errors"
	"github.com/adverant/nexus/linedetect-worker/internal/logging"
	"github.com/adverant/nexus/linedetect-worker/internal/processor"
)

// Consumer handles job consumption from Redis queue
type Consumer struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor processor.DocumentProcessorInterface
	config    *ConsumerConfig
	logger    *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL    string
	QueueName   string
	Concurrency int
	Processor   processor.DocumentProcessorInterface
}

// NewConsumer creates a new queue consumer
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

	logger := logging.NewLogger("Consumer")

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			// Exponential backoff: 5s, 10s, 20s, capped at 60s
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task processing error",
					"type", task.Type(),
					"code", string(errors.CodeOf(err)),
					"error", err)
			}),
			Logger: logging.NewLogger("asynq").Entry(),
		},
	)

	consumer := &Consumer{
		server:    server,
		mux:       asynq.NewServeMux(),
		processor: cfg.Processor,
		config:    cfg,
		logger:    logger,
	}
	consumer.mux.HandleFunc(TaskTypeDetectLines, consumer.handleDetectLines)

	return consumer, nil
}

func retryDelay(n int, err error, task *asynq.Task) time.Duration {
	delay := time.Duration(5*(1<<uint(n))) * time.Second
	if delay > 60*time.Second {
		delay = 60 * time.Second
	}
	return delay
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting queue consumer",
		"concurrency", c.config.Concurrency,
		"queue", c.config.QueueName)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping queue consumer")
	c.server.Shutdown()
	c.logger.Info("Queue consumer stopped")
	return nil
}

// handleDetectLines processes one line detection job
func (c *Consumer) handleDetectLines(ctx context.Context, task *asynq.Task) error {
	var payload JobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal job payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := payload.Normalize(); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	logger := c.logger.WithJob(payload.JobID)
	logger.Info("Processing job", "pages", len(payload.Pages))

	result, err := c.processor.ProcessDocument(ctx, payload.Request())
	if result != nil {
		if data, mErr := json.Marshal(result); mErr == nil && task.ResultWriter() != nil {
			if _, wErr := task.ResultWriter().Write(data); wErr != nil {
				logger.Warn("Failed to write task result", "error", wErr)
			}
		}
	}

	if err != nil {
		var pe *errors.ProcessingError
		if stderrors.As(err, &pe) && pe.Code == errors.ErrorProcessingTimeout {
			logger.Error("Processing timed out", "error", err)
			return fmt.Errorf("processing timeout: %w", err)
		}
		logger.Error("Processing failed", "error", err)
		return fmt.Errorf("line detection failed: %w", err)
	}

	logger.Info("Processing completed",
		"lines", result.LineCount,
		"pagesFailed", result.PagesFailed,
		"fallbackPages", result.FallbackPages,
		"durationMs", result.ProcessingTimeMs)
	return nil
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
	}
}

// Producer submits line detection tasks through Asynq.
type Producer struct {
	client    *asynq.Client
	queueName string
}

// NewProducer creates an Asynq producer for queueName.
func NewProducer(redisURL, queueName string) (*Producer, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return &Producer{client: asynq.NewClient(redisOpt), queueName: queueName}, nil
}

// NewDetectLinesTask builds the task for payload after normalizing it.
func NewDetectLinesTask(payload *JobPayload) (*asynq.Task, error) {
	if err := payload.Normalize(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	return asynq.NewTask(TaskTypeDetectLines, data), nil
}

// Submit enqueues payload. The processing timeout bounds the task run.
func (p *Producer) Submit(ctx context.Context, payload *JobPayload, timeout time.Duration, maxRetry int) (*asynq.TaskInfo, error) {
	task, err := NewDetectLinesTask(payload)
	if err != nil {
		return nil, err
	}
	opts := []asynq.Option{
		asynq.Queue(p.queueName),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(maxRetry),
		asynq.Retention(24 * time.Hour),
	}
	if timeout > 0 {
		// Leave room for the final status write after the job deadline.
		opts = append(opts, asynq.Timeout(timeout+30*time.Second))
	}
	info, err := p.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job %s: %w", payload.JobID, err)
	}
	return info, nil
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.client.Close()
}
