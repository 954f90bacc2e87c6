package domain

import "math"

type DocumentType string

const (
	TypeMedicalReport  DocumentType = "medical_report"
	TypeLabResult      DocumentType = "lab_result"
	TypePrescription   DocumentType = "prescription"
	TypeClinicalTrial  DocumentType = "clinical_trial"
	TypeConsentForm    DocumentType = "consent_form"
	TypeInsurance      DocumentType = "insurance"
	TypeBilling        DocumentType = "billing"
	TypeAdministrative DocumentType = "administrative"
	TypeOther          DocumentType = "other"
)

// DocumentTypes is the fixed label set in tie-break order.
var DocumentTypes = []DocumentType{
	TypeMedicalReport,
	TypeLabResult,
	TypePrescription,
	TypeClinicalTrial,
	TypeConsentForm,
	TypeInsurance,
	TypeBilling,
	TypeAdministrative,
	TypeOther,
}

// Rank returns the position of t in DocumentTypes, or len(DocumentTypes) for unknown labels.
func (t DocumentType) Rank() int {
	for i, known := range DocumentTypes {
		if known == t {
			return i
		}
	}
	return len(DocumentTypes)
}

func (t DocumentType) Valid() bool {
	return t.Rank() < len(DocumentTypes)
}

type EngineAttempt struct {
	Engine     string  `json:"engine"`
	Confidence float64 `json:"confidence"`
	Skipped    bool    `json:"skipped,omitempty"`
	Error      string  `json:"error,omitempty"`
}

type ExtractionResult struct {
	Text       string          `json:"text"`
	Confidence float64         `json:"confidence"`
	Engine     string          `json:"engine"`
	WordCount  int             `json:"word_count"`
	Pages      int             `json:"pages,omitempty"`
	Degraded   bool            `json:"degraded"`
	Attempts   []EngineAttempt `json:"attempts,omitempty"`
}

type ClassificationCandidate struct {
	Type       DocumentType `json:"type"`
	Confidence float64      `json:"confidence"`
}

const (
	MethodNaiveBayes   = "naive_bayes"
	MethodKeywordRules = "keyword_rules"
)

type ClassificationResult struct {
	DocumentType    DocumentType              `json:"document_type"`
	Confidence      float64                   `json:"confidence"`
	Method          string                    `json:"method"`
	Degraded        bool                      `json:"degraded"`
	LowConfidence   bool                      `json:"low_confidence"`
	ReasoningTokens []string                  `json:"reasoning_tokens,omitempty"`
	Alternatives    []ClassificationCandidate `json:"alternatives"`
}

// Entity type names produced by the entity extractor.
const (
	EntityDates         = "dates"
	EntityNames         = "names"
	EntityAmounts       = "amounts"
	EntityIdentifiers   = "identifiers"
	EntityMedicalTerms  = "medical_terms"
	EntityOrganizations = "organizations"
	EntityLocations     = "locations"
)

type EntityBundle struct {
	Entities map[string][]string `json:"entities"`
	Failures map[string]string   `json:"failures,omitempty"`
}

// Partial reports whether at least one detector failed.
func (b EntityBundle) Partial() bool {
	return len(b.Failures) > 0
}

func (b EntityBundle) Clone() EntityBundle {
	out := EntityBundle{Entities: make(map[string][]string, len(b.Entities))}
	for k, v := range b.Entities {
		out.Entities[k] = append([]string(nil), v...)
	}
	if len(b.Failures) > 0 {
		out.Failures = make(map[string]string, len(b.Failures))
		for k, v := range b.Failures {
			out.Failures[k] = v
		}
	}
	return out
}

const (
	SummaryStrategyExtractive = "extractive_tf_position"
	SummaryStrategyLead       = "lead"
)

type SummaryResult struct {
	Text      string `json:"text"`
	Strategy  string `json:"strategy"`
	WordCount int    `json:"word_count"`
}

// ClampConfidence maps NaN to 0 and bounds v to [0,1].
func ClampConfidence(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
