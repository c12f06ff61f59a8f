package speech

import (
	"regexp"
	"strings"
)

// Sentence boundaries are terminal punctuation followed by whitespace or end
// of text. Punctuation stays attached to its sentence so synthesized
// fragments keep their prosody.
var sentenceEnd = regexp.MustCompile(`[.!?]+(?:\s+|$)`)

// SplitSentences breaks text into the fragments streamed through one
// synthesis context. Text without terminal punctuation comes back whole.
func SplitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var out []string
	start := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		frag := strings.TrimSpace(text[start:loc[1]])
		if frag != "" {
			out = append(out, frag)
		}
		start = loc[1]
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}
