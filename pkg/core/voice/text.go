package voice

import (
	"regexp"
)

var (
	sentenceRe = regexp.MustCompile(`[^.!?]+[.!?]+\s*`)
	wordRe     = regexp.MustCompile(`\S+\s*|\s+`)
)

// SplitSentences splits text into sentence-like segments for synthesis.
// Each segment keeps its terminating punctuation and trailing whitespace,
// and any text after the last terminator becomes a final segment, so the
// segments always concatenate back to text.
func SplitSentences(text string) []string {
	if text == "" {
		return nil
	}

	var out []string
	last := 0
	for _, loc := range sentenceRe.FindAllStringIndex(text, -1) {
		if loc[0] > last {
			// Leading terminators ("...hi") are not matched by the class; keep them.
			out = append(out, text[last:loc[0]])
		}
		out = append(out, text[loc[0]:loc[1]])
		last = loc[1]
	}
	if last < len(text) {
		out = append(out, text[last:])
	}
	return out
}

// SplitWords splits text into whitespace-delimited words, each carrying its
// trailing whitespace. Leading whitespace is returned as its own token.
func SplitWords(text string) []string {
	if text == "" {
		return nil
	}
	return wordRe.FindAllString(text, -1)
}
