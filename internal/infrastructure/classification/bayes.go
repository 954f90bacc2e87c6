package classification

import (
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/textproc"
)

// Sample is one labelled training document.
type Sample struct {
	Type domain.DocumentType
	Text string
}

// ClassCounts is the serialised form of a trained class: how many documents
// were seen and how often each term occurred across them.
type ClassCounts struct {
	Documents int            `yaml:"documents"`
	Terms     map[string]int `yaml:"terms"`
}

// ModelFile is the YAML layout read by LoadModel.
type ModelFile struct {
	Classes map[domain.DocumentType]ClassCounts `yaml:"classes"`
}

// Model is a multinomial naive Bayes classifier with Laplace smoothing.
// It is immutable after construction and safe for concurrent use.
type Model struct {
	classes       []domain.DocumentType
	logPrior      map[domain.DocumentType]float64
	logLikelihood map[domain.DocumentType]map[string]float64
	logUnseen     map[domain.DocumentType]float64
	vocabulary    map[string]struct{}
}

// Train counts stopword-filtered term frequencies per label.
func Train(samples []Sample) (*Model, error) {
	file := ModelFile{Classes: make(map[domain.DocumentType]ClassCounts)}
	for _, s := range samples {
		counts := file.Classes[s.Type]
		if counts.Terms == nil {
			counts.Terms = make(map[string]int)
		}
		counts.Documents++
		for term, n := range textproc.TermFrequency(textproc.Tokenize(s.Text), true) {
			counts.Terms[term] += n
		}
		file.Classes[s.Type] = counts
	}
	return NewModel(file)
}

func LoadModel(path string) (*Model, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read classifier model: %w", err)
	}
	var file ModelFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse classifier model: %w", err)
	}
	return NewModel(file)
}

func NewModel(file ModelFile) (*Model, error) {
	m := &Model{
		logPrior:      make(map[domain.DocumentType]float64),
		logLikelihood: make(map[domain.DocumentType]map[string]float64),
		logUnseen:     make(map[domain.DocumentType]float64),
		vocabulary:    make(map[string]struct{}),
	}

	totalDocs := 0
	for label, counts := range file.Classes {
		if !label.Valid() {
			return nil, fmt.Errorf("classifier model: unknown class %q", label)
		}
		if counts.Documents <= 0 {
			continue
		}
		totalDocs += counts.Documents
		for term := range counts.Terms {
			m.vocabulary[term] = struct{}{}
		}
	}
	if totalDocs == 0 {
		return nil, fmt.Errorf("classifier model: no training documents")
	}

	vocabSize := float64(len(m.vocabulary))
	for _, label := range domain.DocumentTypes {
		counts, ok := file.Classes[label]
		if !ok || counts.Documents <= 0 {
			continue
		}
		m.classes = append(m.classes, label)
		m.logPrior[label] = math.Log(float64(counts.Documents) / float64(totalDocs))

		termTotal := 0
		for _, n := range counts.Terms {
			termTotal += n
		}
		denom := float64(termTotal) + vocabSize
		likelihood := make(map[string]float64, len(counts.Terms))
		for term, n := range counts.Terms {
			likelihood[term] = math.Log((float64(n) + 1) / denom)
		}
		m.logLikelihood[label] = likelihood
		m.logUnseen[label] = math.Log(1 / denom)
	}
	if len(m.classes) < 2 {
		return nil, fmt.Errorf("classifier model: need at least two classes, got %d", len(m.classes))
	}
	return m, nil
}

// Prediction holds per-class posteriors in m.classes order.
type Prediction struct {
	Candidates []domain.ClassificationCandidate
	Tokens     []string
}

// Predict scores text against every class. Terms outside the training
// vocabulary are ignored; text with no known term falls back to the priors.
func (m *Model) Predict(text string) Prediction {
	tf := textproc.TermFrequency(textproc.Tokenize(text), true)
	terms := make([]string, 0, len(tf))
	for term := range tf {
		if _, ok := m.vocabulary[term]; ok {
			terms = append(terms, term)
		}
	}
	sort.Strings(terms)

	logScores := make([]float64, len(m.classes))
	for i, label := range m.classes {
		score := m.logPrior[label]
		for _, term := range terms {
			score += float64(tf[term]) * m.termLog(label, term)
		}
		logScores[i] = score
	}

	probs := softmax(logScores)
	out := Prediction{Candidates: make([]domain.ClassificationCandidate, len(m.classes))}
	best := 0
	for i, label := range m.classes {
		out.Candidates[i] = domain.ClassificationCandidate{Type: label, Confidence: probs[i]}
		if probs[i] > probs[best] {
			best = i
		}
	}
	out.Tokens = m.evidence(m.classes[best], terms, tf, maxReasoningTokens)
	return out
}

// evidence ranks terms by how much more likely they are under label than on
// average under the other classes.
func (m *Model) evidence(label domain.DocumentType, terms []string, tf map[string]int, limit int) []string {
	type weighted struct {
		term   string
		weight float64
	}
	ranked := make([]weighted, 0, len(terms))
	for _, term := range terms {
		var others float64
		for _, other := range m.classes {
			if other != label {
				others += m.termLog(other, term)
			}
		}
		others /= float64(len(m.classes) - 1)
		w := float64(tf[term]) * (m.termLog(label, term) - others)
		if w > 0 {
			ranked = append(ranked, weighted{term: term, weight: w})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].weight > ranked[j].weight })
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]string, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, r.term)
	}
	return out
}

func (m *Model) termLog(label domain.DocumentType, term string) float64 {
	if v, ok := m.logLikelihood[label][term]; ok {
		return v
	}
	return m.logUnseen[label]
}

func softmax(logScores []float64) []float64 {
	out := make([]float64, len(logScores))
	if len(logScores) == 0 {
		return out
	}
	maxScore := logScores[0]
	for _, s := range logScores[1:] {
		maxScore = math.Max(maxScore, s)
	}
	var sum float64
	for i, s := range logScores {
		out[i] = math.Exp(s - maxScore)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
