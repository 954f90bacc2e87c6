package classification

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
)

// Rule lists the evidence for one label. A keyword ending in "*" matches any
// token with that prefix; a keyword containing spaces matches a token phrase.
type Rule struct {
	Type     domain.DocumentType `yaml:"type"`
	Keywords []string            `yaml:"keywords"`
	Patterns []string            `yaml:"patterns"`
}

type RulesFile struct {
	Rules []Rule `yaml:"rules"`
}

type compiledRule struct {
	label    domain.DocumentType
	exact    map[string]struct{}
	prefixes []string
	phrases  []string
	patterns []*regexp.Regexp
}

// DefaultRules is the built-in rule set used when no rules file is configured.
func DefaultRules() []Rule {
	return []Rule{
		{
			Type: domain.TypeMedicalReport,
			Keywords: []string{
				"patient", "diagnos*", "history", "examination", "assessment", "impression",
				"physician", "symptom*", "admitted", "discharge*", "chief complaint", "radiolog*",
				"findings", "treatment", "dob",
			},
		},
		{
			Type: domain.TypeLabResult,
			Keywords: []string{
				"lab", "laboratory", "specimen", "reference range", "hemoglobin", "glucose",
				"cholesterol", "panel", "assay", "culture", "wbc", "rbc", "platelet*", "result*",
			},
			Patterns: []string{`\b\d+(\.\d+)?\s?(mmol/l|mg/dl|g/dl|u/l|iu/l)\b`},
		},
		{
			Type: domain.TypePrescription,
			Keywords: []string{
				"prescri*", "rx", "dosage", "dose", "tablet*", "capsule*", "refill*", "pharmac*",
				"sig", "take", "daily", "twice", "amoxicillin", "ibuprofen", "metformin",
				"lisinopril", "atorvastatin", "omeprazole", "azithromycin",
			},
			Patterns: []string{`\b\d+\s?(mg|mcg|ml)\b`},
		},
		{
			Type: domain.TypeClinicalTrial,
			Keywords: []string{
				"trial", "protocol", "randomi*", "placebo", "cohort", "enrollment", "endpoint*",
				"investigator", "arm", "phase", "inclusion criteria", "exclusion criteria",
			},
			Patterns: []string{`\bNCT\d{8}\b`},
		},
		{
			Type: domain.TypeConsentForm,
			Keywords: []string{
				"consent", "authoriz*", "voluntar*", "withdraw", "signature", "risks",
				"benefits", "acknowledge", "agree", "participant", "guardian",
			},
		},
		{
			Type: domain.TypeInsurance,
			Keywords: []string{
				"insurance", "insurer", "policy", "policyholder", "coverage", "premium",
				"deductible", "copay*", "claim*", "beneficiary", "member id", "preauthoriz*",
			},
		},
		{
			Type: domain.TypeBilling,
			Keywords: []string{
				"invoice", "bill*", "amount due", "balance", "payment", "paid", "charge*",
				"total", "statement", "remit*", "account number", "due date",
			},
			Patterns: []string{`[$€£]\s?\d[\d,]*(\.\d{2})?`},
		},
		{
			Type: domain.TypeAdministrative,
			Keywords: []string{
				"memo", "meeting", "schedule", "policy update", "department", "staff",
				"notice", "agenda", "minutes", "administrat*", "registration", "appointment",
			},
		},
	}
}

func LoadRules(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read classifier rules: %w", err)
	}
	var file RulesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse classifier rules: %w", err)
	}
	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("classifier rules: %s defines no rules", path)
	}
	return file.Rules, nil
}

// compileRules orders rules by label rank so scoring never depends on file order.
func compileRules(rules []Rule) ([]compiledRule, error) {
	byLabel := make(map[domain.DocumentType]*compiledRule, len(rules))
	for _, r := range rules {
		if !r.Type.Valid() || r.Type == domain.TypeOther {
			return nil, fmt.Errorf("classifier rules: invalid label %q", r.Type)
		}
		cr, ok := byLabel[r.Type]
		if !ok {
			cr = &compiledRule{label: r.Type, exact: make(map[string]struct{})}
			byLabel[r.Type] = cr
		}
		for _, kw := range r.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			switch {
			case kw == "":
			case strings.HasSuffix(kw, "*"):
				cr.prefixes = append(cr.prefixes, strings.TrimSuffix(kw, "*"))
			case strings.Contains(kw, " "):
				cr.phrases = append(cr.phrases, strings.Join(strings.Fields(kw), " "))
			default:
				cr.exact[kw] = struct{}{}
			}
		}
		for _, p := range r.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("classifier rules: %s pattern %q: %w", r.Type, p, err)
			}
			cr.patterns = append(cr.patterns, re)
		}
	}

	out := make([]compiledRule, 0, len(byLabel))
	for _, label := range domain.DocumentTypes {
		if cr, ok := byLabel[label]; ok {
			out = append(out, *cr)
		}
	}
	return out, nil
}

// match counts keyword hits in tokens and pattern hits in the raw text.
// Matched evidence is returned in first-occurrence order.
func (r compiledRule) match(text string, tokens []string, joined string) (int, []string) {
	hits := 0
	var evidence []string
	seen := make(map[string]struct{})
	note := func(s string) {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			evidence = append(evidence, s)
		}
	}

	for _, tok := range tokens {
		if _, ok := r.exact[tok]; ok {
			hits++
			note(tok)
			continue
		}
		for _, p := range r.prefixes {
			if strings.HasPrefix(tok, p) {
				hits++
				note(tok)
				break
			}
		}
	}
	for _, phrase := range r.phrases {
		if n := strings.Count(joined, " "+phrase+" "); n > 0 {
			hits += n
			note(phrase)
		}
	}
	for _, re := range r.patterns {
		for _, m := range re.FindAllString(text, -1) {
			hits++
			note(strings.ToLower(m))
		}
	}
	return hits, evidence
}
