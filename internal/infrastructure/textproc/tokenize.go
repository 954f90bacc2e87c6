// Package textproc holds the tokenisation shared by the classifier and the
// summarizer. Both must be deterministic, so nothing here depends on locale
// or map iteration order.
package textproc

import (
	"strings"
	"unicode"
)

// Tokenize lowercases s and splits it into runs of ASCII letters and digits.
func Tokenize(s string) []string {
	if s == "" {
		return nil
	}
	out := make([]string, 0, 24)
	var b strings.Builder
	for _, r := range s {
		r = unicode.ToLower(r)
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			out = append(out, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

// TermFrequency counts tokens, skipping stopwords when skipStop is set.
func TermFrequency(tokens []string, skipStop bool) map[string]int {
	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		if skipStop && IsStopword(t) {
			continue
		}
		tf[t]++
	}
	return tf
}

var stopwords = func() map[string]struct{} {
	words := strings.Fields(`
a about above after again against all am an and any are as at be because been
before being below between both but by can could did do does doing down during
each few for from further had has have having he her here hers herself him
himself his how i if in into is it its itself just me more most my myself no nor
not now of off on once only or other our ours ourselves out over own same she
should so some such than that the their theirs them themselves then there these
they this those through to too under until up very was we were what when where
which while who whom why will with would you your yours yourself yourselves
also may per via`)
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}()

func IsStopword(token string) bool {
	_, ok := stopwords[token]
	return ok
}
