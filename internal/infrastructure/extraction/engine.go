// Package extraction runs a prioritised chain of text extraction engines and
// picks the first result that clears the confidence threshold.
package extraction

import (
	"context"
	"mime"
	"net/http"
	"strings"
)

// Input is what every engine receives. Content is shared and must not be modified.
type Input struct {
	MimeType string
	Filename string
	Content  []byte
}

type Output struct {
	Text       string
	Confidence float64
	Pages      int
}

// Engine is one pluggable extraction implementation. Implementations must be
// safe for concurrent use; they are created once and shared by all workers.
type Engine interface {
	Name() string
	Priority() int
	Supports(mimeType string) bool
	Extract(ctx context.Context, in Input) (Output, error)
}

const (
	MimePDF   = "application/pdf"
	MimeXLSX  = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	MimeHTML  = "text/html"
	MimeXHTML = "application/xhtml+xml"
	MimeText  = "text/plain"
	MimeOctet = "application/octet-stream"
)

// NormalizeMIME lowercases the declared type, drops parameters and sniffs the
// content when the declared type is missing or generic.
func NormalizeMIME(declared string, content []byte) string {
	mt := strings.ToLower(strings.TrimSpace(declared))
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		mt = parsed
	}
	if mt == "" || mt == MimeOctet {
		sniffed := http.DetectContentType(content)
		if parsed, _, err := mime.ParseMediaType(sniffed); err == nil {
			return parsed
		}
		return sniffed
	}
	return mt
}

func IsImage(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/")
}
