/**
 * Configuration for the line detection worker
 *
 * Loads configuration from environment variables matching .env.linedetect.
 * Detection thresholds may also come from a YAML file named by
 * DETECTION_CONFIG_FILE; values present in the file override the environment.
 */

package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/adverant/nexus/linedetect-worker/internal/detection"
	"github.com/adverant/nexus/linedetect-worker/internal/fallback"
	"github.com/adverant/nexus/linedetect-worker/internal/layout"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL  string
	QueueMode string // "redis" (LIST consumer) or "asynq"
	QueueName string

	// PostgreSQL configuration
	DatabaseURL string

	// Qdrant vector database configuration
	QdrantURL        string
	QdrantCollection string

	// Primary detector
	DetectorEngine  string // "tesseract", "service" or "none"
	DetectorURL     string
	DetectorAsync   bool
	DetectorMaxSide int

	// Tesseract configuration
	OCRLang string
	OCRPSM  int
	PDFDPI  int

	// Worker configuration
	WorkerConcurrency int
	PageConcurrency   int
	MaxFileSize       int64
	ProcessingTimeout int // milliseconds
	CropPadding       int

	// Logging
	LogLevel  string
	LogFormat string

	DetectionConfigFile string
	Detection           DetectionConfig
}

// DetectionConfig holds the per-page detection thresholds.
type DetectionConfig struct {
	MinLines          int     `yaml:"min_lines"`
	MinCoverage       float64 `yaml:"min_coverage"`
	IoUThreshold      float64 `yaml:"iou_threshold"`
	YThresholdScale   float64 `yaml:"y_threshold_scale"`
	ConfMin           float64 `yaml:"conf_min"`
	RowToleranceScale float64 `yaml:"row_tolerance_scale"`
	BinarizationMode  string  `yaml:"binarization_mode"`

	Fallback FallbackConfig `yaml:"fallback"`
}

// FallbackConfig sizes the heuristic detector. Zero sizes mean automatic.
type FallbackConfig struct {
	MinContrast    int     `yaml:"min_contrast"`
	AdaptiveBlock  int     `yaml:"adaptive_block"`
	AdaptiveOffset int     `yaml:"adaptive_offset"`
	DilateWidth    int     `yaml:"dilate_width"`
	DilateHeight   int     `yaml:"dilate_height"`
	MinArea        int     `yaml:"min_area"`
	MinAspect      float64 `yaml:"min_aspect"`
	MaxHeightRatio float64 `yaml:"max_height_ratio"`
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	fb := fallback.DefaultOptions()
	cfg := &Config{
		RedisURL:          getEnvOrDefault("REDIS_URL", "redis://nexus-redis:6379"),
		QueueMode:         getEnvOrDefault("QUEUE_MODE", "redis"),
		QueueName:         getEnvOrDefault("QUEUE_NAME", "linedetect:jobs"),
		DatabaseURL:       getEnvOrDefault("DATABASE_URL", ""),
		QdrantURL:         getEnvOrDefault("QDRANT_URL", "nexus-qdrant:6334"),
		QdrantCollection:  getEnvOrDefault("QDRANT_COLLECTION", "linedetect_layouts"),
		DetectorEngine:    getEnvOrDefault("DETECTOR_ENGINE", "tesseract"),
		DetectorURL:       getEnvOrDefault("DETECTOR_URL", "http://nexus-text-detector:8866"),
		DetectorAsync:     getEnvAsBoolOrDefault("DETECTOR_ASYNC", false),
		DetectorMaxSide:   getEnvAsIntOrDefault("DETECTOR_MAX_SIDE", 0),
		OCRLang:           getEnvOrDefault("OCR_LANG", "vie+eng"),
		OCRPSM:            getEnvAsIntOrDefault("OCR_PSM", 6),
		PDFDPI:            getEnvAsIntOrDefault("PDF_DPI", 300),
		WorkerConcurrency: getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		PageConcurrency:   getEnvAsIntOrDefault("PAGE_CONCURRENCY", runtime.NumCPU()),
		MaxFileSize:       getEnvAsInt64OrDefault("MAX_FILE_SIZE", 104857600), // 100MB
		ProcessingTimeout: getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 300000), // 5 minutes
		CropPadding:       getEnvAsIntOrDefault("CROP_PADDING", 2),
		LogLevel:          getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:         getEnvOrDefault("LOG_FORMAT", "text"),

		DetectionConfigFile: getEnvOrDefault("DETECTION_CONFIG_FILE", ""),
		Detection: DetectionConfig{
			MinLines:          getEnvAsIntOrDefault("MIN_LINES", 15),
			MinCoverage:       getEnvAsFloatOrDefault("MIN_COVERAGE", 0.02),
			IoUThreshold:      getEnvAsFloatOrDefault("IOU_THRESHOLD", 0.5),
			YThresholdScale:   getEnvAsFloatOrDefault("Y_THRESHOLD_SCALE", 0.5),
			ConfMin:           getEnvAsFloatOrDefault("CONF_MIN", 0.5),
			RowToleranceScale: getEnvAsFloatOrDefault("ROW_TOLERANCE_SCALE", 0.5),
			BinarizationMode:  getEnvOrDefault("BINARIZATION_MODE", string(fallback.ModeOtsu)),
			Fallback: FallbackConfig{
				MinContrast:    getEnvAsIntOrDefault("FALLBACK_MIN_CONTRAST", fb.MinContrast),
				AdaptiveBlock:  getEnvAsIntOrDefault("FALLBACK_ADAPTIVE_BLOCK", fb.AdaptiveBlock),
				AdaptiveOffset: getEnvAsIntOrDefault("FALLBACK_ADAPTIVE_OFFSET", fb.AdaptiveOffset),
				DilateWidth:    getEnvAsIntOrDefault("FALLBACK_DILATE_WIDTH", 0),
				DilateHeight:   getEnvAsIntOrDefault("FALLBACK_DILATE_HEIGHT", 0),
				MinArea:        getEnvAsIntOrDefault("FALLBACK_MIN_AREA", 0),
				MinAspect:      getEnvAsFloatOrDefault("FALLBACK_MIN_ASPECT", fb.MinAspect),
				MaxHeightRatio: getEnvAsFloatOrDefault("FALLBACK_MAX_HEIGHT_RATIO", fb.MaxHeightRatio),
			},
		},
	}

	if cfg.DetectionConfigFile != "" {
		if err := cfg.LoadDetectionFile(cfg.DetectionConfigFile); err != nil {
			return nil, err
		}
	}

	// Validate detection fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadDetectionFile overlays detection thresholds from a YAML file. Keys
// missing from the file keep their current values.
func (c *Config) LoadDetectionFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read detection config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c.Detection); err != nil {
		return fmt.Errorf("failed to parse detection config %s: %w", path, err)
	}
	return nil
}

// Policy converts the detection thresholds into a detection.Policy.
func (c *Config) Policy() (detection.Policy, error) {
	mode, err := fallback.ParseMode(c.Detection.BinarizationMode)
	if err != nil {
		return detection.Policy{}, err
	}
	fb := c.Detection.Fallback
	p := detection.Policy{
		MinLines:    c.Detection.MinLines,
		MinCoverage: c.Detection.MinCoverage,
		Cluster: layout.ClusterOptions{
			IoUThreshold:    c.Detection.IoUThreshold,
			YThresholdScale: c.Detection.YThresholdScale,
			ConfMin:         c.Detection.ConfMin,
		},
		Order: layout.OrderOptions{RowToleranceScale: c.Detection.RowToleranceScale},
		Fallback: fallback.Options{
			Mode:           mode,
			MinContrast:    fb.MinContrast,
			AdaptiveBlock:  fb.AdaptiveBlock,
			AdaptiveOffset: fb.AdaptiveOffset,
			DilateWidth:    fb.DilateWidth,
			DilateHeight:   fb.DilateHeight,
			MinArea:        fb.MinArea,
			MinAspect:      fb.MinAspect,
			MaxHeightRatio: fb.MaxHeightRatio,
		},
	}
	return p, p.Validate()
}

// ProcessingTimeoutDuration returns PROCESSING_TIMEOUT as a duration.
func (c *Config) ProcessingTimeoutDuration() time.Duration {
	return time.Duration(c.ProcessingTimeout) * time.Millisecond
}

// Validate checks the values every command needs.
func (c *Config) Validate() error {
	if _, err := c.Policy(); err != nil {
		return fmt.Errorf("invalid detection settings: %w", err)
	}

	switch c.DetectorEngine {
	case "tesseract", "none":
	case "service":
		if c.DetectorURL == "" {
			return fmt.Errorf("DETECTOR_URL is required when DETECTOR_ENGINE=service")
		}
	default:
		return fmt.Errorf("DETECTOR_ENGINE must be tesseract, service or none, got %q", c.DetectorEngine)
	}

	if c.PageConcurrency < 1 || c.PageConcurrency > 256 {
		return fmt.Errorf("PAGE_CONCURRENCY must be between 1 and 256, got %d", c.PageConcurrency)
	}

	if c.ProcessingTimeout < 1000 {
		return fmt.Errorf("PROCESSING_TIMEOUT must be at least 1000ms, got %d", c.ProcessingTimeout)
	}

	if c.CropPadding < 0 {
		return fmt.Errorf("CROP_PADDING must not be negative, got %d", c.CropPadding)
	}

	return nil
}

// ValidateWorker checks the values the queue worker additionally needs.
func (c *Config) ValidateWorker() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	switch c.QueueMode {
	case "redis", "asynq":
	default:
		return fmt.Errorf("QUEUE_MODE must be redis or asynq, got %q", c.QueueMode)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.MaxFileSize < 1024 || c.MaxFileSize > 10737418240 { // 1KB to 10GB
		return fmt.Errorf("MAX_FILE_SIZE must be between 1KB and 10GB, got %d", c.MaxFileSize)
	}

	return nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsFloatOrDefault gets environment variable as float64 or returns default
func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsBoolOrDefault accepts true/false/1/0/yes/no
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return defaultValue
}
