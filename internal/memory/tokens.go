package memory

import (
	"unicode/utf8"

	"aichat/internal/types"
)

// HeuristicTokenizer estimates tokens at roughly four characters per token.
// Good enough for budget accounting; swap in a model tokenizer for exact
// counts.
type HeuristicTokenizer struct{}

func (HeuristicTokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	n := utf8.RuneCountInString(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

func sumTurnTokens(turns []types.Turn) int {
	total := 0
	for _, t := range turns {
		total += t.TokenCount
	}
	return total
}

func summaryTokens(tok types.Tokenizer, sum *types.Summary) int {
	if sum == nil {
		return 0
	}
	return tok.CountTokens(sum.Narrative) + tok.CountTokens(sum.EmotionalArc)
}
