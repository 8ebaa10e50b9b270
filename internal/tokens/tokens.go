// Package tokens estimates prompt sizes for context-window budgeting.
package tokens

import (
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/llms"
)

// Estimate counts tokens for the given model. Hosts without the encoding
// data available fall back to a rune heuristic instead of failing.
func Estimate(model, text string) int {
	if text == "" {
		return 0
	}
	if n := llms.CountTokens(model, text); n > 0 {
		return n
	}
	return heuristic(text)
}

func heuristic(text string) int {
	// Roughly four runes per token for latin text; the word count keeps
	// short whitespace-heavy strings from rounding to zero.
	est := utf8.RuneCountInString(text) / 4
	if words := len(strings.Fields(text)); words > est {
		est = words
	}
	if est == 0 {
		est = 1
	}
	return est
}
