package util

import (
	"strings"
	"unicode"
)

// SplitSentences cuts on terminal punctuation, keeping the punctuation.
func SplitSentences(s string) []string {
	out := make([]string, 0, 8)
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		b.WriteRune(r)
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		// "3.5" and "e.g.x" stay inside one sentence.
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		x := strings.TrimSpace(b.String())
		if x != "" {
			out = append(out, x)
		}
		b.Reset()
	}
	rest := strings.TrimSpace(b.String())
	if rest != "" {
		out = append(out, rest)
	}
	return out
}

// CollapseWhitespace replaces newlines and whitespace runs with single spaces.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// CountTokens approximates model tokens with whitespace-delimited words.
func CountTokens(s string) int {
	return len(strings.Fields(s))
}

// WordWindows splits text into consecutive windows of at most maxWords words.
func WordWindows(text string, maxWords int) []string {
	words := strings.Fields(text)
	if maxWords <= 0 || len(words) <= maxWords {
		if len(words) == 0 {
			return nil
		}
		return []string{strings.Join(words, " ")}
	}
	out := make([]string, 0, len(words)/maxWords+1)
	for i := 0; i < len(words); i += maxWords {
		end := i + maxWords
		if end > len(words) {
			end = len(words)
		}
		out = append(out, strings.Join(words[i:end], " "))
	}
	return out
}
