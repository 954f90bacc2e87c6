package spreadsheet

import (
	"context"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/document-pipeline/internal/infrastructure/extraction"
)

func buildWorkbook(t *testing.T) []byte {
	t.Helper()
	book := excelize.NewFile()
	defer book.Close()

	sheet := book.GetSheetName(0)
	rows := [][]any{
		{"Test", "Result", "Units"},
		{"Hemoglobin", 13.5, "g/dL"},
		{"Glucose", 92, "mg/dL"},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("cell name: %v", err)
		}
		if err := book.SetSheetRow(sheet, cell, &row); err != nil {
			t.Fatalf("SetSheetRow() error = %v", err)
		}
	}
	buf, err := book.WriteToBuffer()
	if err != nil {
		t.Fatalf("WriteToBuffer() error = %v", err)
	}
	return buf.Bytes()
}

func TestExtractFlattensRows(t *testing.T) {
	out, err := NewEngine(0).Extract(context.Background(), extraction.Input{
		MimeType: extraction.MimeXLSX,
		Content:  buildWorkbook(t),
	})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if !strings.Contains(out.Text, "Hemoglobin\t13.5\tg/dL") {
		t.Fatalf("unexpected text %q", out.Text)
	}
	if out.Pages != 1 {
		t.Fatalf("expected 1 sheet, got %d", out.Pages)
	}
}

func TestExtractRejectsNonWorkbook(t *testing.T) {
	_, err := NewEngine(0).Extract(context.Background(), extraction.Input{
		MimeType: extraction.MimeXLSX,
		Content:  []byte("not a zip"),
	})
	if err == nil {
		t.Fatalf("expected error")
	}
}
