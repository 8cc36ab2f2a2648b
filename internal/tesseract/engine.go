/**
 * Tesseract word detector - offline primary engine
 *
 * Runs Tesseract layout analysis through gosseract and reports the word
 * (or text-line) boxes it finds. Recognition output is ignored; only the
 * geometry and confidence are used.
 */

package tesseract

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/linedetect-worker/internal/geometry"
	"github.com/adverant/nexus/linedetect-worker/internal/raster"
)

// Level selects the Tesseract iterator level reported as boxes.
type Level string

const (
	LevelWord Level = "word"
	LevelLine Level = "line"
)

// Config holds Tesseract configuration
type Config struct {
	Languages []string
	PSM       int
	DPI       int
	Level     Level
	Variables map[string]string
}

// DefaultConfig matches the settings used for Vietnamese/English financial scans.
func DefaultConfig() Config {
	return Config{
		Languages: []string{"vie", "eng"},
		PSM:       int(gosseract.PSM_SINGLE_BLOCK),
		DPI:       300,
		Level:     LevelWord,
	}
}

// ParseLanguages splits "vie+eng" style language lists.
func ParseLanguages(s string) []string {
	var out []string
	for _, l := range strings.FieldsFunc(s, func(r rune) bool { return r == '+' || r == ',' }) {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// Engine handles box detection using Tesseract. A new client is created per
// call because gosseract clients are not safe for concurrent use.
type Engine struct {
	cfg           Config
	clientFactory func() *gosseract.Client
}

// NewEngine creates a new Tesseract engine
func NewEngine(cfg Config) *Engine {
	if len(cfg.Languages) == 0 {
		cfg.Languages = DefaultConfig().Languages
	}
	if cfg.Level == "" {
		cfg.Level = LevelWord
	}
	return &Engine{cfg: cfg, clientFactory: gosseract.NewClient}
}

func (e *Engine) Name() string { return "tesseract" }

// DetectBoxes runs Tesseract on img and returns its boxes with confidences
// scaled from 0-100 to 0-1.
func (e *Engine) DetectBoxes(ctx context.Context, img image.Image) ([]geometry.ScoredBox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := raster.EncodePNG(img)
	if err != nil {
		return nil, err
	}

	client := e.clientFactory()
	defer client.Close()

	if err := e.configure(client); err != nil {
		return nil, err
	}
	if err := client.SetImageFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	level := gosseract.RIL_WORD
	if e.cfg.Level == LevelLine {
		level = gosseract.RIL_TEXTLINE
	}
	found, err := client.GetBoundingBoxes(level)
	if err != nil {
		return nil, fmt.Errorf("tesseract layout analysis failed: %w", err)
	}

	origin := img.Bounds().Min
	boxes := make([]geometry.ScoredBox, 0, len(found))
	for _, b := range found {
		if strings.TrimSpace(b.Word) == "" {
			continue
		}
		r := b.Box.Sub(origin)
		box, err := geometry.NewBox(r.Min.X, r.Min.Y, r.Max.X, r.Max.Y)
		if err != nil {
			continue
		}
		conf := b.Confidence / 100.0
		if conf < 0 {
			conf = 0
		}
		if conf > 1 {
			conf = 1
		}
		boxes = append(boxes, geometry.ScoredBox{Box: box, Confidence: conf})
	}
	return boxes, nil
}

func (e *Engine) configure(client *gosseract.Client) error {
	if err := client.SetLanguage(e.cfg.Languages...); err != nil {
		return fmt.Errorf("set languages: %w", err)
	}
	if e.cfg.PSM > 0 {
		if err := client.SetPageSegMode(gosseract.PageSegMode(e.cfg.PSM)); err != nil {
			return fmt.Errorf("set page segmentation mode: %w", err)
		}
	}
	if e.cfg.DPI > 0 {
		if err := client.SetVariable(gosseract.SettableVariable("user_defined_dpi"), fmt.Sprint(e.cfg.DPI)); err != nil {
			return fmt.Errorf("set dpi: %w", err)
		}
	}
	for k, v := range e.cfg.Variables {
		if err := client.SetVariable(gosseract.SettableVariable(k), v); err != nil {
			return fmt.Errorf("set variable %s: %w", k, err)
		}
	}
	return nil
}
