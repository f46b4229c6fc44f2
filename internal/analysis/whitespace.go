package analysis

import "unicode"

// WhitespaceAnalyzer splits on whitespace only, preserving case and
// punctuation. It suits value streams normalised upstream, where the
// producer already decided what a token is.
type WhitespaceAnalyzer struct{}

func NewWhitespaceAnalyzer() *WhitespaceAnalyzer {
	return &WhitespaceAnalyzer{}
}

func (a *WhitespaceAnalyzer) Analyze(_ string, text string) []Token {
	return scanRuns(text, classifyNonSpace, nil, 0)
}

func classifyNonSpace(r rune) int {
	if unicode.IsSpace(r) {
		return 0
	}
	return 1
}
