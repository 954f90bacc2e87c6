package textproc

import (
	"strings"
	"unicode"
)

// abbreviations never end a sentence even when followed by a capital.
var abbreviations = map[string]struct{}{
	"dr": {}, "mr": {}, "mrs": {}, "ms": {}, "prof": {}, "st": {}, "jr": {}, "sr": {},
	"no": {}, "vs": {}, "etc": {}, "inc": {}, "ltd": {}, "co": {}, "e.g": {}, "i.e": {},
	"approx": {}, "dept": {}, "fig": {}, "mg": {}, "ml": {},
}

// SplitSentences breaks text on terminal punctuation followed by whitespace
// and on blank lines. Returned sentences are trimmed and never empty.
func SplitSentences(text string) []string {
	runes := []rune(text)
	var (
		out   []string
		start int
	)
	emit := func(end int) {
		s := strings.Join(strings.Fields(string(runes[start:end])), " ")
		if s != "" {
			out = append(out, s)
		}
		start = end
	}

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '\n':
			if i+1 < len(runes) && runes[i+1] == '\n' || isLineBreakBoundary(runes, i) {
				emit(i + 1)
			}
		case r == '.' || r == '!' || r == '?':
			j := i + 1
			for j < len(runes) && (runes[j] == '"' || runes[j] == '\'' || runes[j] == ')') {
				j++
			}
			if j < len(runes) && !unicode.IsSpace(runes[j]) {
				continue
			}
			if r == '.' && isAbbreviation(runes[start:i]) {
				continue
			}
			emit(j)
			i = j - 1
		}
	}
	if start < len(runes) {
		emit(len(runes))
	}
	return out
}

// isLineBreakBoundary treats a single newline as a boundary when the line
// before it looks like a heading or list item rather than wrapped prose.
func isLineBreakBoundary(runes []rune, i int) bool {
	lineStart := i
	for lineStart > 0 && runes[lineStart-1] != '\n' {
		lineStart--
	}
	line := strings.TrimSpace(string(runes[lineStart:i]))
	if line == "" {
		return false
	}
	last := []rune(line)[len([]rune(line))-1]
	return last == ':' || len(strings.Fields(line)) <= 4
}

func isAbbreviation(prefix []rune) bool {
	end := len(prefix)
	begin := end
	for begin > 0 && !unicode.IsSpace(prefix[begin-1]) {
		begin--
	}
	word := strings.ToLower(strings.Trim(string(prefix[begin:end]), "(\"'"))
	if word == "" {
		return false
	}
	if _, ok := abbreviations[word]; ok {
		return true
	}
	// Single initials such as "J." in "J. Smith".
	r := []rune(word)
	return len(r) == 1 && unicode.IsLetter(r[0])
}
