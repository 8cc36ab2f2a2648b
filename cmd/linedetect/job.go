package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/linedetect-worker/internal/queue"
	"github.com/adverant/nexus/linedetect-worker/internal/storage"
)

var jobCmd = &cobra.Command{
	Use:          "job <job-id>",
	Short:        "Show a stored job with its pages",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runJob,
}

var statsCmd = &cobra.Command{
	Use:          "stats",
	Short:        "Show queue and storage statistics",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runStats,
}

func init() {
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(statsCmd)

	jobCmd.Flags().Int("similar", 0, "list up to N stored pages with a similar layout for each page")
	jobCmd.Flags().Float32("min-score", 0.9, "minimum layout similarity for --similar")
}

type pageView struct {
	*storage.PageRecord
	Similar []*storage.LayoutMatch `json:"similar,omitempty"`
}

func openStorage() (*storage.StorageManager, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	return storage.NewStorageManager(cfg.DatabaseURL, cfg.QdrantURL, cfg.QdrantCollection)
}

func runJob(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	similar, _ := cmd.Flags().GetInt("similar")
	minScore, _ := cmd.Flags().GetFloat32("min-score")

	sm, err := openStorage()
	if err != nil {
		return err
	}
	defer sm.Close()

	job, err := sm.GetJobByID(ctx, args[0])
	if err != nil {
		return err
	}
	records, err := sm.GetPageDetections(ctx, args[0])
	if err != nil {
		return err
	}

	pages := make([]pageView, 0, len(records))
	for _, rec := range records {
		view := pageView{PageRecord: rec}
		if similar > 0 && len(rec.Signature) > 0 {
			// The page itself is the best match; ask for one more.
			matches, err := sm.SearchSimilarLayouts(ctx, rec.Signature, similar+1, minScore)
			if err != nil {
				return err
			}
			for _, m := range matches {
				if m.PageRecordID != rec.ID && len(view.Similar) < similar {
					view.Similar = append(view.Similar, m)
				}
			}
		}
		pages = append(pages, view)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{"job": job, "pages": pages})
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := map[string]interface{}{}

	if cfg.QueueMode == "redis" {
		client, err := queue.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		stats, err := queue.QueueStats(ctx, client, cfg.QueueName)
		if err != nil {
			return err
		}
		out["queue"] = stats
	}

	if cfg.DatabaseURL != "" {
		sm, err := openStorage()
		if err != nil {
			return err
		}
		defer sm.Close()
		stats, err := sm.GetStats(ctx)
		if err != nil {
			return err
		}
		out["storage"] = stats
	}

	if len(out) == 0 {
		return fmt.Errorf("nothing to report: set REDIS_URL with QUEUE_MODE=redis or DATABASE_URL")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
