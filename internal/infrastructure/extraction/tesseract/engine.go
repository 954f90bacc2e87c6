package tesseract

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/extraction"
)

const Priority = 60

type Config struct {
	Tesseract string // binary name or absolute path; default "tesseract"
	Pdftoppm  string // binary name or absolute path; default "pdftoppm"
	Lang      string // default "eng"
	DPI       int    // rasterisation DPI for PDFs, default 300
	MaxPages  int    // 0 = no limit

	// RasterizePDF enables PDF input; it requires pdftoppm.
	RasterizePDF bool
}

// Engine is the general OCR engine. Confidence is the mean word confidence
// reported by tesseract's TSV output.
type Engine struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return NewEngineWithRunner(cfg, execRunner{logger: logger}, logger)
}

func NewEngineWithRunner(cfg Config, runner Runner, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tesseract == "" {
		cfg.Tesseract = "tesseract"
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.Lang == "" {
		cfg.Lang = "eng"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	return &Engine{cfg: cfg, runner: runner, logger: logger}
}

func (e *Engine) Name() string { return domain.CapabilityTesseract }

func (e *Engine) Priority() int { return Priority }

func (e *Engine) Supports(mimeType string) bool {
	if extraction.IsImage(mimeType) {
		return true
	}
	return e.cfg.RasterizePDF && mimeType == extraction.MimePDF
}

func (e *Engine) Extract(ctx context.Context, in extraction.Input) (extraction.Output, error) {
	if len(in.Content) == 0 {
		return extraction.Output{}, nil
	}

	tmpDir, err := os.MkdirTemp("", "docpipe-ocr-*")
	if err != nil {
		return extraction.Output{}, fmt.Errorf("create temp dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			e.logger.Warn("ocr_temp_cleanup_failed", "dir", tmpDir, "error", err)
		}
	}()

	src := filepath.Join(tmpDir, "input")
	if err := os.WriteFile(src, in.Content, 0o600); err != nil {
		return extraction.Output{}, fmt.Errorf("write ocr input: %w", err)
	}

	images := []string{src}
	if in.MimeType == extraction.MimePDF {
		images, err = e.rasterize(ctx, src, tmpDir)
		if err != nil {
			return extraction.Output{}, err
		}
	}

	var (
		b        strings.Builder
		confSum  float64
		confN    int
		failures []string
	)
	for _, img := range images {
		page, err := e.recognize(ctx, img)
		if err != nil {
			if ctx.Err() != nil {
				return extraction.Output{}, ctx.Err()
			}
			failures = append(failures, err.Error())
			continue
		}
		if page.text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\f\n")
		}
		b.WriteString(page.text)
		confSum += page.confSum
		confN += page.words
	}
	if b.Len() == 0 && len(failures) > 0 {
		return extraction.Output{}, fmt.Errorf("tesseract failed on all pages: %s", strings.Join(failures, "; "))
	}

	confidence := 0.0
	if confN > 0 {
		confidence = confSum / float64(confN) / 100.0
	}
	return extraction.Output{
		Text:       b.String(),
		Confidence: confidence,
		Pages:      len(images),
	}, nil
}

func (e *Engine) rasterize(ctx context.Context, pdfPath, dir string) ([]string, error) {
	prefix := filepath.Join(dir, "page")
	args := []string{"-r", strconv.Itoa(e.cfg.DPI), "-png"}
	if e.cfg.MaxPages > 0 {
		args = append(args, "-l", strconv.Itoa(e.cfg.MaxPages))
	}
	args = append(args, pdfPath, prefix)
	if _, errb, err := e.runner.Run(ctx, e.cfg.Pdftoppm, args...); err != nil {
		return nil, fmt.Errorf("pdftoppm: %w: %s", err, strings.TrimSpace(string(errb)))
	}

	matches, _ := filepath.Glob(prefix + "-*.png")
	sort.Strings(matches)
	if len(matches) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no images")
	}
	return matches, nil
}

type pageText struct {
	text    string
	confSum float64
	words   int
}

func (e *Engine) recognize(ctx context.Context, imagePath string) (pageText, error) {
	// tesseract <img> stdout -l eng tsv
	out, errb, err := e.runner.Run(ctx, e.cfg.Tesseract, imagePath, "stdout", "-l", e.cfg.Lang, "tsv")
	if err != nil {
		return pageText{}, fmt.Errorf("tesseract: %w: %s", err, strings.TrimSpace(string(errb)))
	}
	return parseTSV(string(out)), nil
}

// parseTSV rebuilds lines from word rows (level 5) and sums word confidences.
// Columns: level page_num block_num par_num line_num word_num left top width height conf text
func parseTSV(raw string) pageText {
	var (
		res      pageText
		lines    []string
		current  []string
		lastLine string
	)
	for i, row := range strings.Split(raw, "\n") {
		if i == 0 || strings.TrimSpace(row) == "" {
			continue
		}
		cols := strings.Split(row, "\t")
		if len(cols) < 12 || cols[0] != "5" {
			continue
		}
		word := strings.TrimSpace(cols[11])
		if word == "" {
			continue
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil || conf < 0 {
			continue
		}
		key := cols[1] + "/" + cols[2] + "/" + cols[3] + "/" + cols[4]
		if key != lastLine && len(current) > 0 {
			lines = append(lines, strings.Join(current, " "))
			current = current[:0]
		}
		lastLine = key
		current = append(current, word)
		res.confSum += conf
		res.words++
	}
	if len(current) > 0 {
		lines = append(lines, strings.Join(current, " "))
	}
	res.text = strings.Join(lines, "\n")
	return res
}
