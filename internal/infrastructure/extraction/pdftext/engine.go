package pdftext

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/extraction"
)

const Priority = 90

// Engine reads the embedded text layer of a PDF. Scanned PDFs have no text
// layer and yield empty output, leaving them to the OCR engines.
type Engine struct {
	maxPages int
}

func NewEngine(maxPages int) *Engine {
	return &Engine{maxPages: maxPages}
}

func (e *Engine) Name() string { return domain.CapabilityPDFText }

func (e *Engine) Priority() int { return Priority }

func (e *Engine) Supports(mimeType string) bool { return mimeType == extraction.MimePDF }

func (e *Engine) Extract(ctx context.Context, in extraction.Input) (out extraction.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse pdf: malformed document: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(in.Content), int64(len(in.Content)))
	if err != nil {
		return extraction.Output{}, fmt.Errorf("open pdf: %w", err)
	}

	total := reader.NumPage()
	limit := total
	if e.maxPages > 0 && limit > e.maxPages {
		limit = e.maxPages
	}

	var b strings.Builder
	pages := 0
	for i := 1; i <= limit; i++ {
		if err := ctx.Err(); err != nil {
			return extraction.Output{}, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return extraction.Output{}, fmt.Errorf("read pdf page %d: %w", i, err)
		}
		pages++
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\f\n")
		}
		b.WriteString(text)
	}

	joined := b.String()
	return extraction.Output{
		Text:       joined,
		Confidence: extraction.EstimateConfidence(joined),
		Pages:      pages,
	}, nil
}
