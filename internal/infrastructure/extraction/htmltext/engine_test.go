package htmltext

import (
	"context"
	"strings"
	"testing"

	"github.com/kirillkom/document-pipeline/internal/infrastructure/extraction"
)

func TestExtractDropsScriptsAndKeepsBlocks(t *testing.T) {
	page := `<html><head><title>ignored</title><style>p{}</style></head>
<body><h1>Discharge Summary</h1><p>Patient was   stable.</p><script>alert(1)</script><p>Follow up in 2 weeks.</p></body></html>`

	out, err := NewEngine().Extract(context.Background(), extraction.Input{MimeType: "text/html", Content: []byte(page)})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	want := "Discharge Summary\nPatient was stable.\nFollow up in 2 weeks."
	if out.Text != want {
		t.Fatalf("unexpected text:\n%q\nwant\n%q", out.Text, want)
	}
	if strings.Contains(out.Text, "alert") || strings.Contains(out.Text, "ignored") {
		t.Fatalf("invisible content leaked: %q", out.Text)
	}
	if out.Confidence < 0.9 {
		t.Fatalf("expected high confidence, got %v", out.Confidence)
	}
}

func TestSupportsOnlyHTML(t *testing.T) {
	e := NewEngine()
	if !e.Supports("text/html") || e.Supports("text/plain") {
		t.Fatalf("unexpected Supports result")
	}
}
