package entities

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
)

func TestExtractEntitiesFromPrescriptionNote(t *testing.T) {
	ex := New(nil)

	bundle, err := ex.ExtractEntities(context.Background(), "Patient John Doe, DOB 01/02/1980, prescribed Amoxicillin 500mg")
	if err != nil {
		t.Fatalf("ExtractEntities() error = %v", err)
	}
	if bundle.Partial() {
		t.Fatalf("unexpected detector failures: %v", bundle.Failures)
	}
	assertEntities(t, bundle, domain.EntityNames, "John Doe")
	assertEntities(t, bundle, domain.EntityDates, "01/02/1980")
	assertEntities(t, bundle, domain.EntityMedicalTerms, "Amoxicillin", "500mg")
	if len(bundle.Entities) != len(DefaultDetectors()) {
		t.Fatalf("expected a list for every entity type, got %v", bundle.Entities)
	}
	if got := bundle.Entities[domain.EntityAmounts]; got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil amounts, got %#v", got)
	}
}

func TestExtractEntitiesCoversAllDetectors(t *testing.T) {
	text := strings.Join([]string{
		"Invoice #INV-20931 issued by St. Mary Hospital on March 3, 2024.",
		"Billed to Mrs. Alice Martin, 42 Oak Tree Road, Springfield, IL 62704.",
		"SSN 123-45-6789. Policy number: PX-77812. Enrolled in NCT01234567.",
		"Amount due: $1,250.00 (or 1250.00 USD). Diagnosis: hypertension, blood pressure 150/95.",
		"Follow-up with Dr. Patel at Acme Labs on 2024-04-01.",
	}, "\n")

	bundle, err := New(nil).ExtractEntities(context.Background(), text)
	if err != nil {
		t.Fatalf("ExtractEntities() error = %v", err)
	}

	assertEntities(t, bundle, domain.EntityDates, "March 3, 2024", "2024-04-01")
	assertEntities(t, bundle, domain.EntityNames, "Alice Martin", "Patel")
	assertEntities(t, bundle, domain.EntityAmounts, "$1,250.00", "1250.00 USD")
	assertEntities(t, bundle, domain.EntityIdentifiers, "INV-20931", "123-45-6789", "PX-77812", "NCT01234567")
	assertEntities(t, bundle, domain.EntityMedicalTerms, "hypertension", "blood pressure")
	assertEntities(t, bundle, domain.EntityOrganizations, "St. Mary Hospital", "Acme Labs")
	assertEntities(t, bundle, domain.EntityLocations, "42 Oak Tree Road", "Springfield, IL 62704")
}

func TestExtractEntitiesDeduplicatesInSourceOrder(t *testing.T) {
	text := "Seen on 2024-01-05 and 2023-12-30. Next visit 2024-01-05. Prior visit 2023-12-30."
	bundle, err := New(nil).ExtractEntities(context.Background(), text)
	if err != nil {
		t.Fatalf("ExtractEntities() error = %v", err)
	}
	want := []string{"2024-01-05", "2023-12-30"}
	if got := bundle.Entities[domain.EntityDates]; !reflect.DeepEqual(got, want) {
		t.Fatalf("dates = %v, want %v", got, want)
	}
}

func TestFailingDetectorIsIsolated(t *testing.T) {
	detectors := []Detector{
		{Type: domain.EntityDates, Detect: detectDates},
		{Type: domain.EntityNames, Detect: func(string) ([]string, error) { panic("index out of range") }},
		{Type: domain.EntityMedicalTerms, Detect: detectMedicalTerms},
	}
	bundle, err := New(nil, detectors...).ExtractEntities(context.Background(), "Dated 01/02/1980: aspirin daily")
	if err != nil {
		t.Fatalf("ExtractEntities() error = %v", err)
	}
	if !bundle.Partial() || !strings.Contains(bundle.Failures[domain.EntityNames], "panicked") {
		t.Fatalf("expected names failure to be recorded, got %v", bundle.Failures)
	}
	if got := bundle.Entities[domain.EntityNames]; got == nil || len(got) != 0 {
		t.Fatalf("failed detector must yield an empty list, got %#v", got)
	}
	assertEntities(t, bundle, domain.EntityDates, "01/02/1980")
	assertEntities(t, bundle, domain.EntityMedicalTerms, "aspirin")
}

func TestDetectorErrorIsRecordedAsFailure(t *testing.T) {
	detectors := []Detector{
		{Type: domain.EntityDates, Detect: detectDates},
		{Type: domain.EntityOrganizations, Detect: func(string) ([]string, error) {
			return []string{"half a result"}, errors.New("lexicon unavailable")
		}},
		{Type: domain.EntityMedicalTerms, Detect: detectMedicalTerms},
	}
	bundle, err := New(nil, detectors...).ExtractEntities(context.Background(), "Dated 01/02/1980: aspirin daily")
	if err != nil {
		t.Fatalf("ExtractEntities() error = %v", err)
	}
	if got := bundle.Failures[domain.EntityOrganizations]; !strings.Contains(got, "lexicon unavailable") {
		t.Fatalf("expected organizations failure to be recorded, got %v", bundle.Failures)
	}
	if got := bundle.Entities[domain.EntityOrganizations]; got == nil || len(got) != 0 {
		t.Fatalf("partial output of a failed detector must be dropped, got %#v", got)
	}
	if len(bundle.Failures) != 1 {
		t.Fatalf("other detectors must succeed, got failures %v", bundle.Failures)
	}
	assertEntities(t, bundle, domain.EntityDates, "01/02/1980")
	assertEntities(t, bundle, domain.EntityMedicalTerms, "aspirin")
}

func TestOversizedTextFailsPatternDetectors(t *testing.T) {
	if _, err := detectDates(strings.Repeat("a", maxScanBytes+1)); err == nil {
		t.Fatalf("expected scan limit error")
	}
	found, err := detectDates("seen 2024-01-05")
	if err != nil || len(found) != 1 {
		t.Fatalf("detectDates() = %v, %v", found, err)
	}
}

func TestConcurrentExtractionsDoNotShareState(t *testing.T) {
	ex := New(nil)
	texts := []string{
		"Patient John Doe, DOB 01/02/1980, prescribed Amoxicillin 500mg",
		"Patient Mary Major, DOB 12/11/1975, diagnosed with asthma",
	}
	want := []string{"John Doe", "Mary Major"}

	var wg sync.WaitGroup
	errs := make(chan string, 100)
	for i := 0; i < 50; i++ {
		for idx := range texts {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				bundle, err := ex.ExtractEntities(context.Background(), texts[idx])
				if err != nil {
					errs <- err.Error()
					return
				}
				names := bundle.Entities[domain.EntityNames]
				if len(names) != 1 || names[0] != want[idx] {
					errs <- strings.Join(names, ",")
				}
			}(idx)
		}
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Fatalf("unexpected names: %s", e)
	}
}

func TestExtractEntitiesHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(nil).ExtractEntities(ctx, "text"); err == nil {
		t.Fatalf("expected context error")
	}
}

func assertEntities(t *testing.T, bundle domain.EntityBundle, entityType string, want ...string) {
	t.Helper()
	got := bundle.Entities[entityType]
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("%s = %q, want %q", entityType, got, want)
	}
}
