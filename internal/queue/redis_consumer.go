/**
 * Direct Redis Queue Consumer for the line detection worker
 *
 * Compatible with the TypeScript RedisQueue implementation: job IDs are
 * pushed on a LIST, job bodies live in the <queue>:data hash, and status
 * is tracked in <queue>:processing / :completed / :failed sets. Every
 * status change is published on <queue>:events.
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

	"github.com/adverant/nexus/linedetect-worker/internal/errors"
	"github.com/adverant/nexus/linedetect-worker/internal/logging"
	"github.com/adverant/nexus/linedetect-worker/internal/processor"
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
	processor processor.DocumentProcessorInterface
	config    *RedisConsumerConfig
	logger    *logging.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL    string
	QueueName   string
	Concurrency int
	Processor   processor.DocumentProcessorInterface
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		cfg.QueueName = "linedetect:jobs"
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	client, err := NewRedisClient(context.Background(), cfg.RedisURL)
	if err != nil {
		return nil, err
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client:    client,
		processor: cfg.Processor,
		config:    cfg,
		logger:    logging.NewLogger("RedisConsumer"),
		ctx:       consumerCtx,
		cancel:    cancel,
	}, nil
}

// NewRedisClient parses redisURL and checks the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Info("Starting Redis queue consumer",
		"concurrency", c.config.Concurrency,
		"queue", c.config.QueueName)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	return nil
}

// Stop gracefully stops the consumer. Jobs in flight run to completion.
func (c *RedisConsumer) Stop() error {
	c.logger.Info("Stopping queue consumer")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	c.logger.Debug("Worker started", "worker", id)

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Debug("Worker stopping", "worker", id)
			return
		default:
			if err := c.processNextJob(); err != nil {
				if !stderrors.Is(err, errNoJobs) && c.ctx.Err() == nil {
					c.logger.Error("Worker error", "worker", id, "error", err)
					time.Sleep(time.Second)
				}
			}
		}
	}
}

func (c *RedisConsumer) dataKey() string { return c.config.QueueName + ":data" }

func (c *RedisConsumer) processNextJob() error {
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

	id := result[1]
	jobData, err := c.client.HGet(c.ctx, c.dataKey(), id).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data: %w", err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		c.updateJobStatus(id, "failed", map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if err := job.Payload.Normalize(); err != nil {
		c.updateJobStatus(id, "failed", map[string]interface{}{"error": err.Error()})
		return err
	}

	c.updateJobStatus(job.ID, "processing", nil)
	logger := c.logger.WithJob(job.Payload.JobID)
	logger.Info("Processing job", "pages", len(job.Payload.Pages), "attempt", job.Attempts+1)

	// Jobs in flight finish even when the consumer is stopping.
	processResult, err := c.processor.ProcessDocument(context.WithoutCancel(c.ctx), job.Payload.Request())
	if err != nil {
		logger.Error("Job failed", "error", err)

		job.Attempts++
		if job.Attempts < job.MaxRetries && errors.CodeOf(err) != errors.ErrorProcessingTimeout {
			updatedData, _ := json.Marshal(job)
			c.client.HSet(c.ctx, c.dataKey(), job.ID, updatedData)
			c.client.LPush(c.ctx, c.config.QueueName, job.ID)
			logger.Info("Job re-queued for retry", "attempt", job.Attempts, "maxRetries", job.MaxRetries)
			return nil
		}

		failure := map[string]interface{}{
			"error":    err.Error(),
			"attempts": job.Attempts,
		}
		var pe *errors.ProcessingError
		if stderrors.As(err, &pe) {
			for k, v := range pe.ToMap() {
				failure[k] = v
			}
		}
		c.updateJobStatus(job.ID, "failed", failure)
		return nil
	}

	c.updateJobStatus(job.ID, "completed", processResult)
	logger.Info("Job completed", "lines", processResult.LineCount, "pagesFailed", processResult.PagesFailed)
	return nil
}

// updateJobStatus moves a job between the status sets and publishes the
// change.
func (c *RedisConsumer) updateJobStatus(jobID string, status string, result interface{}) {
	ctx := context.WithoutCancel(c.ctx)
	q := c.config.QueueName

	switch status {
	case "processing":
		c.client.SAdd(ctx, q+":processing", jobID)
	case "completed":
		c.client.SRem(ctx, q+":processing", jobID)
		c.client.SAdd(ctx, q+":completed", jobID)
		if result != nil {
			resultData, _ := json.Marshal(result)
			c.client.HSet(ctx, q+":results", jobID, resultData)
		}
	case "failed":
		c.client.SRem(ctx, q+":processing", jobID)
		c.client.SAdd(ctx, q+":failed", jobID)
		if result != nil {
			errorData, _ := json.Marshal(result)
			c.client.HSet(ctx, q+":errors", jobID, errorData)
		}
	}

	event := map[string]interface{}{
		"event":     fmt.Sprintf("job:%s", status),
		"jobId":     jobID,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	eventData, _ := json.Marshal(event)
	c.client.Publish(ctx, q+":events", eventData)
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	return QueueStats(ctx, c.client, c.config.QueueName)
}

// QueueStats counts the jobs of a Redis LIST queue by status.
func QueueStats(ctx context.Context, client *redis.Client, queueName string) (map[string]int64, error) {
	pipe := client.Pipeline()
	waiting := pipe.LLen(ctx, queueName)
	processing := pipe.SCard(ctx, queueName+":processing")
	completed := pipe.SCard(ctx, queueName+":completed")
	failed := pipe.SCard(ctx, queueName+":failed")
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}

// SubmitRedisJob stores payload in the data hash and pushes its ID on the
// queue, the way the TypeScript producer does.
func SubmitRedisJob(ctx context.Context, client *redis.Client, queueName string, payload *JobPayload, maxRetries int) (string, error) {
	if err := payload.Normalize(); err != nil {
		return "", err
	}
	job := RedisJobData{
		ID:         uuid.New().String(),
		Type:       TaskTypeDetectLines,
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
		return "", fmt.Errorf("failed to enqueue job %s: %w", payload.JobID, err)
	}
	return job.ID, nil
}
