package pdftext

import (
	"context"
	"testing"

	"github.com/kirillkom/document-pipeline/internal/infrastructure/extraction"
)

func TestExtractRejectsCorruptPDF(t *testing.T) {
	_, err := NewEngine(0).Extract(context.Background(), extraction.Input{
		MimeType: extraction.MimePDF,
		Content:  []byte("%PDF-1.4 this is not really a pdf"),
	})
	if err == nil {
		t.Fatalf("expected error for corrupt pdf")
	}
}

func TestExtractRejectsEmptyContent(t *testing.T) {
	_, err := NewEngine(0).Extract(context.Background(), extraction.Input{MimeType: extraction.MimePDF})
	if err == nil {
		t.Fatalf("expected error for zero-byte pdf")
	}
}

func TestSupportsOnlyPDF(t *testing.T) {
	e := NewEngine(5)
	if !e.Supports(extraction.MimePDF) || e.Supports("image/png") {
		t.Fatalf("unexpected Supports result")
	}
}
