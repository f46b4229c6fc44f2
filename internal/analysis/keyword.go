package analysis

// KeywordAnalyzer emits the whole value as one untokenised term. Identifier
// fields (DOIs, ISBNs, tags) index through it so exact lookups hit without
// any normalisation.
type KeywordAnalyzer struct{}

func NewKeywordAnalyzer() *KeywordAnalyzer {
	return &KeywordAnalyzer{}
}

func (a *KeywordAnalyzer) Analyze(_ string, text string) []Token {
	if text == "" {
		return nil
	}
	return []Token{{
		Term:    text,
		EndByte: len(text),
	}}
}
