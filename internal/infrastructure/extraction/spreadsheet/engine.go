package spreadsheet

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/extraction"
)

const Priority = 50

// Engine flattens workbook sheets into tab-separated lines. Cell values are
// exact, so confidence only reflects how much of the output reads as text.
type Engine struct {
	maxRows int
}

func NewEngine(maxRows int) *Engine {
	if maxRows <= 0 {
		maxRows = 5000
	}
	return &Engine{maxRows: maxRows}
}

func (e *Engine) Name() string { return domain.CapabilitySpreadsheet }

func (e *Engine) Priority() int { return Priority }

func (e *Engine) Supports(mimeType string) bool { return mimeType == extraction.MimeXLSX }

func (e *Engine) Extract(ctx context.Context, in extraction.Input) (extraction.Output, error) {
	book, err := excelize.OpenReader(bytes.NewReader(in.Content))
	if err != nil {
		return extraction.Output{}, fmt.Errorf("open workbook: %w", err)
	}
	defer func() {
		_ = book.Close()
	}()

	var b strings.Builder
	sheets := book.GetSheetList()
	rowsSeen := 0
	for _, sheet := range sheets {
		if err := ctx.Err(); err != nil {
			return extraction.Output{}, err
		}
		rows, err := book.GetRows(sheet)
		if err != nil {
			return extraction.Output{}, fmt.Errorf("read sheet %q: %w", sheet, err)
		}
		for _, row := range rows {
			if rowsSeen >= e.maxRows {
				break
			}
			line := strings.TrimSpace(strings.Join(row, "\t"))
			if line == "" {
				continue
			}
			rowsSeen++
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}

	text := strings.TrimSpace(b.String())
	return extraction.Output{
		Text:       text,
		Confidence: extraction.EstimateConfidence(text),
		Pages:      len(sheets),
	}, nil
}
