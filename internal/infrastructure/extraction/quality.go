package extraction

import (
	"strings"
	"unicode"
)

// EstimateConfidence scores how much decoded text looks like real prose:
// the share of printable runes and the share of word-shaped tokens.
func EstimateConfidence(text string) float64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}

	var total, printable int
	for _, r := range text {
		total++
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			printable++
		}
	}
	printableRatio := float64(printable) / float64(total)

	words := strings.Fields(text)
	wordLike := 0
	for _, w := range words {
		if isWordLike(w) {
			wordLike++
		}
	}
	wordRatio := 0.0
	if len(words) > 0 {
		wordRatio = float64(wordLike) / float64(len(words))
	}

	score := 0.6*printableRatio + 0.4*wordRatio
	if score > 1 {
		score = 1
	}
	return score
}

func isWordLike(token string) bool {
	runes := []rune(token)
	if len(runes) == 0 || len(runes) > 30 {
		return false
	}
	alnum := 0
	for _, r := range runes {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			alnum++
		}
	}
	return float64(alnum)/float64(len(runes)) >= 0.6
}

func WordCount(text string) int {
	return len(strings.Fields(text))
}
