package plaintext

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/extraction"
)

const Priority = 10

// Engine decodes textual content as UTF-8. Binary formats such as PDF,
// spreadsheets and images are left to their own engines so a damaged file
// never passes as text.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) Name() string { return domain.CapabilityPlaintext }

func (e *Engine) Priority() int { return Priority }

// Supports accepts text/* and structured text types. Generic types are sniffed
// by the extractor first, so undeclared text arrives here as text/plain.
func (e *Engine) Supports(mimeType string) bool {
	switch {
	case strings.HasPrefix(mimeType, "text/"):
		return true
	case mimeType == "application/json", mimeType == "application/xml":
		return true
	case strings.HasSuffix(mimeType, "+json"), strings.HasSuffix(mimeType, "+xml"):
		return true
	default:
		return false
	}
}

func (e *Engine) Extract(_ context.Context, in extraction.Input) (extraction.Output, error) {
	if !utf8.Valid(in.Content) {
		return extraction.Output{}, fmt.Errorf("content is not valid utf-8 text (%s)", in.MimeType)
	}

	text := strings.TrimSpace(string(in.Content))
	if text == "" {
		return extraction.Output{}, nil
	}
	return extraction.Output{
		Text:       text,
		Confidence: extraction.EstimateConfidence(text),
		Pages:      1,
	}, nil
}
