package entities

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
)

// DefaultDetectors returns the built-in detectors in their fixed run order.
func DefaultDetectors() []Detector {
	return []Detector{
		{Type: domain.EntityDates, Detect: detectDates},
		{Type: domain.EntityNames, Detect: detectNames},
		{Type: domain.EntityAmounts, Detect: detectAmounts},
		{Type: domain.EntityIdentifiers, Detect: detectIdentifiers},
		{Type: domain.EntityMedicalTerms, Detect: detectMedicalTerms},
		{Type: domain.EntityOrganizations, Detect: detectOrganizations},
		{Type: domain.EntityLocations, Detect: detectLocations},
	}
}

const monthNames = `(?:Jan(?:uary)?|Feb(?:ruary)?|Mar(?:ch)?|Apr(?:il)?|May|Jun(?:e)?|Jul(?:y)?|Aug(?:ust)?|Sep(?:t(?:ember)?)?|Oct(?:ober)?|Nov(?:ember)?|Dec(?:ember)?)`

var (
	datePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`),
		regexp.MustCompile(`\b\d{1,2}[/.-]\d{1,2}[/.-]\d{2,4}\b`),
		regexp.MustCompile(`\b` + monthNames + `\.? \d{1,2}(?:st|nd|rd|th)?,? \d{4}\b`),
		regexp.MustCompile(`\b\d{1,2}(?:st|nd|rd|th)? ` + monthNames + `\.?,? \d{4}\b`),
	}

	namePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(?i:patient|name|physician|doctor|provider|prescriber|signed by|attending)\s*:?\s+([A-Z][a-z]+(?: [A-Z][a-z'-]+){1,2})`),
		regexp.MustCompile(`\b(?:Dr|Mr|Mrs|Ms|Prof)\.?\s+([A-Z][a-z]+(?: [A-Z][a-z'-]+){0,2})`),
	}

	amountPatterns = []*regexp.Regexp{
		regexp.MustCompile(`[$€£]\s?\d+(?:,\d{3})*(?:\.\d{2})?`),
		regexp.MustCompile(`\b\d+(?:,\d{3})*(?:\.\d{2})?\s?(?:USD|EUR|GBP|dollars)\b`),
	}

	ssnPattern         = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	trialIDPattern     = regexp.MustCompile(`\bNCT\d{8}\b`)
	labeledIDPattern   = regexp.MustCompile(`(?i)\b(?:MRN|policy|claim|invoice|member|account|patient id|record)\s*(?:#|no\.?|number)?\s*[:#]?\s*([A-Z0-9][A-Z0-9-]{3,})\b`)
	identifierHasDigit = regexp.MustCompile(`\d`)

	dosagePattern = regexp.MustCompile(`(?i)\b\d+(?:\.\d+)?\s?(?:mg|mcg|ml|g|iu|units)\b`)

	organizationPattern = regexp.MustCompile(
		`\b(?:[A-Z][A-Za-z&'.-]+ ){1,4}(?:Hospital|Clinic|Medical Center|Health System|Healthcare|Laboratories|Labs|Pharmacy|Insurance|University|Inc\.?|LLC|Ltd\.?|Corp\.?)`)

	locationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b\d{1,5} (?:[A-Z][a-z]+ ){1,3}(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Way|Court|Ct)\b\.?`),
		regexp.MustCompile(`\b[A-Z][a-z]+(?: [A-Z][a-z]+)*, [A-Z]{2} \d{5}(?:-\d{4})?\b`),
	}
)

var medicalLexicon = []string{
	"amoxicillin", "azithromycin", "ibuprofen", "acetaminophen", "paracetamol", "metformin",
	"insulin", "lisinopril", "atorvastatin", "omeprazole", "warfarin", "aspirin",
	"prednisone", "albuterol", "hypertension", "diabetes", "asthma", "pneumonia",
	"influenza", "bronchitis", "hyperlipidemia", "anemia", "arrhythmia", "migraine",
	"fracture", "infection", "allergy", "myocardial infarction", "blood pressure",
	"hemoglobin", "glucose", "cholesterol", "creatinine", "biopsy", "mri", "ct scan",
	"x-ray", "ultrasound", "ecg", "chemotherapy", "radiotherapy", "vaccination",
	"antibiotic", "placebo",
}

var medicalLexiconPattern = func() *regexp.Regexp {
	terms := append([]string(nil), medicalLexicon...)
	// Longest first so phrases win over their prefixes.
	sort.SliceStable(terms, func(i, j int) bool { return len(terms[i]) > len(terms[j]) })
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = regexp.QuoteMeta(t)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}()

// maxScanBytes bounds the text a pattern detector scans.
const maxScanBytes = 8 << 20

type span struct {
	start, end int
	value      string
}

// collect merges matches from several patterns in source order. Overlapping
// matches keep the one that starts first, then the longer one.
func collect(text string, patterns []*regexp.Regexp, group int) ([]string, error) {
	if len(text) > maxScanBytes {
		return nil, fmt.Errorf("text of %d bytes exceeds the %d byte scan limit", len(text), maxScanBytes)
	}
	var spans []span
	for _, re := range patterns {
		for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
			if 2*group+1 >= len(loc) || loc[2*group] < 0 {
				continue
			}
			s, e := loc[2*group], loc[2*group+1]
			spans = append(spans, span{start: s, end: e, value: text[s:e]})
		}
	}
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})

	out := make([]string, 0, len(spans))
	lastEnd := -1
	for _, sp := range spans {
		if sp.start < lastEnd {
			continue
		}
		out = append(out, strings.TrimSpace(sp.value))
		lastEnd = sp.end
	}
	return out, nil
}

func detectDates(text string) ([]string, error) {
	return collect(text, datePatterns, 0)
}

func detectNames(text string) ([]string, error) {
	return collect(text, namePatterns, 1)
}

func detectAmounts(text string) ([]string, error) {
	return collect(text, amountPatterns, 0)
}

func detectIdentifiers(text string) ([]string, error) {
	found, err := collect(text, []*regexp.Regexp{ssnPattern, trialIDPattern}, 0)
	if err != nil {
		return nil, err
	}
	labeled, err := collect(text, []*regexp.Regexp{labeledIDPattern}, 1)
	if err != nil {
		return nil, err
	}
	ordered := orderBySource(text, append(found, labeled...))
	out := ordered[:0]
	for _, id := range ordered {
		if identifierHasDigit.MatchString(id) {
			out = append(out, id)
		}
	}
	return out, nil
}

func detectMedicalTerms(text string) ([]string, error) {
	return collect(text, []*regexp.Regexp{medicalLexiconPattern, dosagePattern}, 0)
}

func detectOrganizations(text string) ([]string, error) {
	return collect(text, []*regexp.Regexp{organizationPattern}, 0)
}

func detectLocations(text string) ([]string, error) {
	return collect(text, locationPatterns, 0)
}

// orderBySource sorts values by their first position in text.
func orderBySource(text string, values []string) []string {
	out := append([]string(nil), values...)
	sort.SliceStable(out, func(i, j int) bool {
		return strings.Index(text, out[i]) < strings.Index(text, out[j])
	})
	return out
}
