package analysis

import (
	"strings"
	"testing"
	"unicode"
)

// checkStreamInvariants verifies what every analyzer must guarantee:
// contiguous positions, in-bounds ordered offsets and non-empty terms.
func checkStreamInvariants(t *testing.T, input string, tokens []Token) {
	t.Helper()
	for i, tok := range tokens {
		if tok.Position != i {
			t.Errorf("token %d position = %d, want %d", i, tok.Position, i)
		}
		if tok.StartByte < 0 || tok.EndByte > len(input) || tok.StartByte > tok.EndByte {
			t.Errorf("invalid byte offsets: start=%d end=%d input_len=%d", tok.StartByte, tok.EndByte, len(input))
		}
		if tok.Term == "" {
			t.Error("empty term produced")
		}
	}
}

func FuzzStandardAnalyzer(f *testing.F) {
	f.Add("Hello World")
	f.Add("")
	f.Add("  spaces  everywhere  ")
	f.Add("café résumé naïve")
	f.Add("hello-world foo_bar")
	f.Add("123 456 789")

	f.Fuzz(func(t *testing.T, input string) {
		tokens := NewStandardAnalyzer().Analyze("field", input)
		checkStreamInvariants(t, input, tokens)
		for _, tok := range tokens {
			if tok.Term != strings.ToLower(tok.Term) {
				t.Errorf("term %q not lowercased", tok.Term)
			}
		}
	})
}

func FuzzSummaAnalyzer(f *testing.F) {
	f.Add("Headcrab Mk2")
	f.Add("abc123def")
	f.Add("978-3-16-148410-0")
	f.Add(strings.Repeat("x", MaxTermLength+10))

	f.Fuzz(func(t *testing.T, input string) {
		tokens := NewSummaAnalyzer().Analyze("field", input)
		checkStreamInvariants(t, input, tokens)
		for _, tok := range tokens {
			if len(tok.Term) > MaxTermLength {
				t.Errorf("term longer than MaxTermLength: %d bytes", len(tok.Term))
			}
			// One term never mixes letters and digits.
			hasLetter := strings.IndexFunc(tok.Term, unicode.IsLetter) >= 0
			hasDigit := strings.IndexFunc(tok.Term, unicode.IsDigit) >= 0
			if hasLetter && hasDigit {
				t.Errorf("term %q mixes letters and digits", tok.Term)
			}
		}
	})
}

func FuzzWhitespaceAnalyzer(f *testing.F) {
	f.Add("Hello World")
	f.Add("")
	f.Add("\t\n\r mixed whitespace")

	f.Fuzz(func(t *testing.T, input string) {
		tokens := NewWhitespaceAnalyzer().Analyze("field", input)
		checkStreamInvariants(t, input, tokens)
		for _, tok := range tokens {
			if strings.IndexFunc(tok.Term, unicode.IsSpace) >= 0 {
				t.Errorf("term %q contains whitespace", tok.Term)
			}
		}
	})
}
