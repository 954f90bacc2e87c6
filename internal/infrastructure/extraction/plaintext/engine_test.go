package plaintext

import (
	"context"
	"testing"

	"github.com/kirillkom/document-pipeline/internal/infrastructure/extraction"
)

func TestExtractReturnsTrimmedText(t *testing.T) {
	out, err := NewEngine().Extract(context.Background(), extraction.Input{
		MimeType: "text/plain",
		Content:  []byte("  Patient John Doe\n"),
	})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if out.Text != "Patient John Doe" {
		t.Fatalf("unexpected text %q", out.Text)
	}
	if out.Confidence != 1 {
		t.Fatalf("expected full confidence for clean text, got %v", out.Confidence)
	}
}

func TestSupportsOnlyTextualTypes(t *testing.T) {
	e := NewEngine()
	for _, mt := range []string{"text/plain", "text/csv", "text/markdown", "application/json", "application/fhir+json", "application/xml"} {
		if !e.Supports(mt) {
			t.Fatalf("expected %s to be supported", mt)
		}
	}
	for _, mt := range []string{
		extraction.MimePDF,
		extraction.MimeXLSX,
		extraction.MimeOctet,
		"image/png",
		"application/zip",
	} {
		if e.Supports(mt) {
			t.Fatalf("binary type %s must be left to its own engine", mt)
		}
	}
}

func TestExtractScoresMarkupNoiseBelowProse(t *testing.T) {
	prose, _ := NewEngine().Extract(context.Background(), extraction.Input{
		MimeType: "text/plain",
		Content:  []byte("Blood pressure within normal range, follow up in two weeks."),
	})
	noise, _ := NewEngine().Extract(context.Background(), extraction.Input{
		MimeType: "text/plain",
		Content:  []byte("<< /Type /Catalog >> %% 0 0 R [] {} <<>> ## ;; $$ //"),
	})
	if noise.Confidence >= prose.Confidence || noise.Confidence >= extraction.DefaultConfidenceThreshold {
		t.Fatalf("expected noise (%v) to score below prose (%v) and the threshold", noise.Confidence, prose.Confidence)
	}
}

func TestExtractRejectsInvalidUTF8(t *testing.T) {
	_, err := NewEngine().Extract(context.Background(), extraction.Input{
		MimeType: "text/plain",
		Content:  []byte{0xff, 0xfe, 0x00, 0x81},
	})
	if err == nil {
		t.Fatalf("expected error for invalid utf-8")
	}
}

func TestExtractEmptyContentYieldsNoText(t *testing.T) {
	out, err := NewEngine().Extract(context.Background(), extraction.Input{MimeType: "text/plain"})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if out.Text != "" {
		t.Fatalf("expected empty text, got %q", out.Text)
	}
}
