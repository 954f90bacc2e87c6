package htmltext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/extraction"
)

const Priority = 40

// Engine strips markup and returns visible text, one block per line.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) Name() string { return domain.CapabilityHTML }

func (e *Engine) Priority() int { return Priority }

func (e *Engine) Supports(mimeType string) bool {
	return mimeType == extraction.MimeHTML || mimeType == extraction.MimeXHTML
}

func (e *Engine) Extract(ctx context.Context, in extraction.Input) (extraction.Output, error) {
	tokenizer := html.NewTokenizer(bytes.NewReader(in.Content))
	var (
		b        strings.Builder
		skipping int
	)

	for {
		if err := ctx.Err(); err != nil {
			return extraction.Output{}, err
		}
		switch tokenizer.Next() {
		case html.ErrorToken:
			if err := tokenizer.Err(); err != nil && !errors.Is(err, io.EOF) {
				return extraction.Output{}, fmt.Errorf("tokenize html: %w", err)
			}
			text := collapseBlankLines(b.String())
			return extraction.Output{
				Text:       text,
				Confidence: extraction.EstimateConfidence(text),
				Pages:      1,
			}, nil
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			if isInvisible(string(name)) {
				skipping++
			}
			if isBlock(string(name)) {
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if isInvisible(string(name)) && skipping > 0 {
				skipping--
			}
			if isBlock(string(name)) {
				b.WriteByte('\n')
			}
		case html.TextToken:
			if skipping > 0 {
				continue
			}
			chunk := strings.Join(strings.Fields(string(tokenizer.Text())), " ")
			if chunk == "" {
				continue
			}
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
				b.WriteByte(' ')
			}
			b.WriteString(chunk)
		}
	}
}

func isInvisible(tag string) bool {
	switch tag {
	case "script", "style", "noscript", "template", "head":
		return true
	default:
		return false
	}
}

func isBlock(tag string) bool {
	switch tag {
	case "p", "div", "br", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6", "section", "article", "table", "td", "th":
		return true
	default:
		return false
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
