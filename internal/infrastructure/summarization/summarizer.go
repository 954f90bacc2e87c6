// Package summarization builds deterministic extractive summaries.
package summarization

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/textproc"
)

const (
	positionWeight = 0.4
	termWeight     = 0.6
)

type Summarizer struct {
	maxChars int
}

// New caps summaries at maxChars; zero or less disables the cap.
func New(maxChars int) *Summarizer {
	return &Summarizer{maxChars: maxChars}
}

func (s *Summarizer) Summarize(ctx context.Context, text string, maxSentences int) (domain.SummaryResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.SummaryResult{}, err
	}
	if maxSentences <= 0 {
		maxSentences = 1
	}

	sentences := textproc.SplitSentences(text)
	if len(sentences) == 0 {
		return domain.SummaryResult{Strategy: domain.SummaryStrategyLead}, nil
	}
	if len(sentences) <= maxSentences {
		return s.result(sentences, domain.SummaryStrategyLead), nil
	}

	scores := scoreSentences(sentences)
	order := make([]int, len(sentences))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	picked := append([]int(nil), order[:maxSentences]...)
	sort.Ints(picked)
	selected := make([]string, 0, len(picked))
	for _, idx := range picked {
		selected = append(selected, sentences[idx])
	}
	return s.result(selected, domain.SummaryStrategyExtractive), nil
}

// scoreSentences combines 1/sqrt(i+1) position weight with each sentence's
// mean document-level term frequency, normalised to the best sentence.
func scoreSentences(sentences []string) []float64 {
	tokenized := make([][]string, len(sentences))
	docTF := make(map[string]int)
	for i, sentence := range sentences {
		for _, tok := range textproc.Tokenize(sentence) {
			if textproc.IsStopword(tok) {
				continue
			}
			tokenized[i] = append(tokenized[i], tok)
			docTF[tok]++
		}
	}

	termScores := make([]float64, len(sentences))
	maxTerm := 0.0
	for i, toks := range tokenized {
		if len(toks) == 0 {
			continue
		}
		sum := 0
		for _, tok := range toks {
			sum += docTF[tok]
		}
		termScores[i] = float64(sum) / float64(len(toks))
		maxTerm = math.Max(maxTerm, termScores[i])
	}

	scores := make([]float64, len(sentences))
	for i := range sentences {
		norm := 0.0
		if maxTerm > 0 {
			norm = termScores[i] / maxTerm
		}
		scores[i] = positionWeight/math.Sqrt(float64(i+1)) + termWeight*norm
	}
	return scores
}

func (s *Summarizer) result(sentences []string, strategy string) domain.SummaryResult {
	text := truncateAtWord(strings.Join(sentences, " "), s.maxChars)
	return domain.SummaryResult{
		Text:      text,
		Strategy:  strategy,
		WordCount: len(strings.Fields(text)),
	}
}

// truncateAtWord cuts text to at most maxChars runes, backing off to the
// last word boundary and appending an ellipsis.
func truncateAtWord(text string, maxChars int) string {
	runes := []rune(text)
	if maxChars <= 0 || len(runes) <= maxChars {
		return text
	}
	limit := maxChars - 1
	if limit <= 0 {
		return string(runes[:maxChars])
	}
	cut := limit
	for cut > 0 && runes[cut] != ' ' {
		cut--
	}
	if cut == 0 {
		cut = limit
	}
	return strings.TrimRight(string(runes[:cut]), " ,;:") + "…"
}
