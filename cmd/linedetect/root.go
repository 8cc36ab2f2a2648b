package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/adverant/nexus/linedetect-worker/internal/clients"
	"github.com/adverant/nexus/linedetect-worker/internal/config"
	"github.com/adverant/nexus/linedetect-worker/internal/detection"
	"github.com/adverant/nexus/linedetect-worker/internal/logging"
	"github.com/adverant/nexus/linedetect-worker/internal/processor"
	"github.com/adverant/nexus/linedetect-worker/internal/tesseract"
)

var (
	cfg    *config.Config
	logger = logging.NewLogger("linedetect")
)

var rootCmd = &cobra.Command{
	Use:   "linedetect",
	Short: "Detect text lines on scanned document pages",
	Long: `Detect the text lines of scanned document pages and return them in
reading order, falling back to a morphology detector when the primary
engine finds too little.

Examples:
  linedetect detect page-1.png page-2.png
  linedetect worker
  linedetect submit https://files.example.com/scan/p1.png`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().String("env-file", ".env.linedetect", "environment file to load")
	rootCmd.PersistentFlags().String("detection-config", "", "YAML file with detection thresholds (overrides DETECTION_CONFIG_FILE)")
	rootCmd.PersistentFlags().String("engine", "", "primary detector: tesseract, service or none (overrides DETECTOR_ENGINE)")
}

func setup(cmd *cobra.Command, args []string) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := godotenv.Load(envFile); err != nil {
		logger.Debug("Environment file not loaded, using system environment", "file", envFile)
	}

	if path, _ := cmd.Flags().GetString("detection-config"); path != "" {
		os.Setenv("DETECTION_CONFIG_FILE", path)
	}
	if engine, _ := cmd.Flags().GetString("engine"); engine != "" {
		os.Setenv("DETECTOR_ENGINE", engine)
	}

	var err error
	cfg, err = config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	return logging.Configure(cfg.LogLevel, cfg.LogFormat)
}

// newEngine builds the configured primary detector. It returns nil for
// "none", which sends every page through the fallback.
func newEngine(ctx context.Context) (detection.Engine, error) {
	switch cfg.DetectorEngine {
	case "tesseract":
		return tesseract.NewEngine(tesseract.Config{
			Languages: tesseract.ParseLanguages(cfg.OCRLang),
			PSM:       cfg.OCRPSM,
			DPI:       cfg.PDFDPI,
			Level:     tesseract.LevelWord,
		}), nil
	case "service":
		if cfg.DetectorURL == "" {
			return nil, fmt.Errorf("DETECTOR_URL is required for the service engine")
		}
		client := clients.NewDetectorClient(cfg.DetectorURL, clients.DetectorOptions{
			Async:   cfg.DetectorAsync,
			MaxWait: cfg.ProcessingTimeoutDuration(),
			MaxSide: cfg.DetectorMaxSide,
		})
		hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.HealthCheck(hctx); err != nil {
			// Pages still complete through the fallback while the service is down.
			logger.Warn("Detector health check failed", "url", cfg.DetectorURL, "error", err)
		} else {
			logger.Info("Detector connection verified", "url", cfg.DetectorURL)
		}
		return client, nil
	case "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown detector engine %q", cfg.DetectorEngine)
}

func newProcessor(ctx context.Context, store processor.ResultStore) (*processor.DocumentProcessor, error) {
	engine, err := newEngine(ctx)
	if err != nil {
		return nil, err
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	return processor.NewDocumentProcessor(&processor.ProcessorConfig{
		Engine:            engine,
		Policy:            policy,
		Store:             store,
		PageConcurrency:   cfg.PageConcurrency,
		MaxFileSize:       cfg.MaxFileSize,
		ProcessingTimeout: cfg.ProcessingTimeoutDuration(),
		CropPadding:       cfg.CropPadding,
	})
}
