package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/adverant/nexus/linedetect-worker/internal/processor"
	"github.com/adverant/nexus/linedetect-worker/internal/raster"
	"github.com/adverant/nexus/linedetect-worker/internal/storage"
)

var detectCmd = &cobra.Command{
	Use:   "detect [image...]",
	Short: "Detect text lines in local page images",
	Long: `Detect the text lines of local page images and print the result as JSON.
Each file is one page, numbered in argument order.

Examples:
  linedetect detect scan-1.png scan-2.tiff
  linedetect detect page.png --engine none --crops-dir ./lines`,
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE:         runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)

	detectCmd.Flags().StringP("output", "o", "", "output file (default: stdout)")
	detectCmd.Flags().String("crops-dir", "", "directory to write one PNG per detected line")
	detectCmd.Flags().String("job-id", "", "job ID (default: random UUID)")
	detectCmd.Flags().Bool("store", false, "persist results to PostgreSQL and Qdrant")
}

func runDetect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	outputFile, _ := cmd.Flags().GetString("output")
	cropsDir, _ := cmd.Flags().GetString("crops-dir")
	jobID, _ := cmd.Flags().GetString("job-id")
	persist, _ := cmd.Flags().GetBool("store")

	if jobID == "" {
		jobID = uuid.New().String()
	}

	var store processor.ResultStore
	if persist {
		if cfg.DatabaseURL == "" {
			return errors.New("--store needs DATABASE_URL")
		}
		sm, err := storage.NewStorageManager(cfg.DatabaseURL, cfg.QdrantURL, cfg.QdrantCollection)
		if err != nil {
			return err
		}
		defer sm.Close()
		store = sm
	}

	proc, err := newProcessor(ctx, store)
	if err != nil {
		return err
	}

	result, err := proc.ProcessFiles(ctx, jobID, args)
	if err != nil && result == nil {
		return err
	}

	if cropsDir != "" {
		if cErr := writeCrops(cropsDir, result); cErr != nil {
			return cErr
		}
	}

	var out io.Writer = os.Stdout
	if outputFile != "" {
		f, fErr := os.Create(outputFile)
		if fErr != nil {
			return fmt.Errorf("failed to create output file: %w", fErr)
		}
		defer f.Close()
		out = f
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(result); encErr != nil {
		return fmt.Errorf("failed to write result: %w", encErr)
	}
	return err
}

func writeCrops(dir string, result *processor.ProcessResult) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create crops directory: %w", err)
	}
	for _, page := range result.Pages {
		for _, crop := range page.Crops {
			data, err := raster.EncodePNG(crop.Image)
			if err != nil {
				return err
			}
			name := fmt.Sprintf("page%03d_line%03d_%s.png", page.Page, crop.Region.Index, crop.Region.Origin)
			if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
				return fmt.Errorf("failed to write crop: %w", err)
			}
		}
	}
	return nil
}
