package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/linedetect-worker/internal/queue"
)

var submitCmd = &cobra.Command{
	Use:   "submit [image-or-url...]",
	Short: "Enqueue a line detection job",
	Long: `Enqueue one job whose pages are the given images, in order. Local files
are sent inline; http(s) URLs are downloaded by the worker.`,
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE:         runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().String("job-id", "", "job ID (default: random UUID)")
	submitCmd.Flags().Int("max-retry", 3, "attempts before the job is marked failed")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jobID, _ := cmd.Flags().GetString("job-id")
	maxRetry, _ := cmd.Flags().GetInt("max-retry")

	payload := &queue.JobPayload{JobID: jobID}
	for i, arg := range args {
		page := queue.PagePayload{Number: i + 1}
		if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") {
			page.URL = arg
		} else {
			data, err := os.ReadFile(arg)
			if err != nil {
				return fmt.Errorf("page %d: %w", i+1, err)
			}
			if int64(len(data)) > cfg.MaxFileSize {
				return fmt.Errorf("page %d: file size exceeds maximum: %d > %d bytes", i+1, len(data), cfg.MaxFileSize)
			}
			page.Data = data
		}
		payload.Pages = append(payload.Pages, page)
	}

	switch cfg.QueueMode {
	case "asynq":
		producer, err := queue.NewProducer(cfg.RedisURL, cfg.QueueName)
		if err != nil {
			return err
		}
		defer producer.Close()
		info, err := producer.Submit(ctx, payload, cfg.ProcessingTimeoutDuration(), maxRetry)
		if err != nil {
			return err
		}
		logger.Info("Job enqueued", "jobId", payload.JobID, "taskId", info.ID, "queue", info.Queue)
	default:
		client, err := queue.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		id, err := queue.SubmitRedisJob(ctx, client, cfg.QueueName, payload, maxRetry)
		if err != nil {
			return err
		}
		logger.Info("Job enqueued", "jobId", payload.JobID, "queueId", id, "queue", cfg.QueueName)
	}

	fmt.Println(payload.JobID)
	return nil
}
