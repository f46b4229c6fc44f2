package collectors

import (
	"sort"
	"strings"

	"github.com/summa-search/summa/internal/index"
	"github.com/summa-search/summa/internal/query"
	"github.com/summa-search/summa/internal/schema"
)

// SnippetGeneratorConfig carries the query terms relevant to each
// snippeted field plus the per-field character budget.
type SnippetGeneratorConfig struct {
	searcher   *index.Searcher
	maxChars   map[string]uint32
	fieldTerms map[string]map[string]bool
}

// NewSnippetGeneratorConfig mines the resolved query for the terms of each
// snippeted field.
func NewSnippetGeneratorConfig(searcher *index.Searcher, resolved query.Query, configs map[string]uint32) *SnippetGeneratorConfig {
	c := &SnippetGeneratorConfig{
		searcher:   searcher,
		maxChars:   configs,
		fieldTerms: make(map[string]map[string]bool, len(configs)),
	}
	for field := range configs {
		c.fieldTerms[field] = make(map[string]bool)
	}
	c.mine(resolved)
	return c
}

func (c *SnippetGeneratorConfig) addTerm(field, term string) {
	if terms, ok := c.fieldTerms[field]; ok {
		terms[term] = true
	}
}

func (c *SnippetGeneratorConfig) mine(q query.Query) {
	switch v := q.(type) {
	case *query.TermQuery:
		c.addTerm(v.Field, v.Value)
	case *query.PhraseQuery:
		field, ok := c.searcher.Schema.Field(v.Field)
		if !ok {
			return
		}
		analyzer, err := c.searcher.Analyzers().Get(field.Tokenizer)
		if err != nil {
			return
		}
		for _, token := range analyzer.Analyze(v.Field, v.Value) {
			c.addTerm(v.Field, token.Term)
		}
	case *query.BooleanQuery:
		for _, clause := range v.Subqueries {
			if clause.Occur != query.MustNot {
				c.mine(clause.Query)
			}
		}
	case *query.DisjunctionMaxQuery:
		for _, disjunct := range v.Disjuncts {
			c.mine(disjunct)
		}
	case *query.BoostQuery:
		c.mine(v.Query)
	}
}

// Generate produces the per-field snippets of one document.
func (c *SnippetGeneratorConfig) Generate(doc *schema.Document) map[string]Snippet {
	if len(c.maxChars) == 0 {
		return nil
	}
	out := make(map[string]Snippet, len(c.maxChars))
	for fieldName, limit := range c.maxChars {
		field, ok := c.searcher.Schema.Field(fieldName)
		if !ok || field.Type != schema.TypeText {
			continue
		}
		value, ok := doc.Get(fieldName)
		if !ok {
			continue
		}
		snippet := makeSnippet(c.searcher, field, value.Str, c.fieldTerms[fieldName], int(limit))
		out[fieldName] = snippet
	}
	return out
}

// makeSnippet picks the window with the most query-term hits, clamped to
// maxChars, and reports highlight ranges relative to the fragment.
func makeSnippet(searcher *index.Searcher, field schema.FieldDef, text string, terms map[string]bool, maxChars int) Snippet {
	if maxChars <= 0 || text == "" {
		return Snippet{}
	}
	analyzer, err := searcher.Analyzers().Get(field.Tokenizer)
	if err != nil {
		return Snippet{Fragment: clampChars(text, maxChars)}
	}

	tokens := analyzer.Analyze(field.Name, text)
	type hit struct{ start, end int }
	var hits []hit
	for _, token := range tokens {
		if terms[token.Term] {
			hits = append(hits, hit{start: token.StartByte, end: token.EndByte})
		}
	}
	if len(hits) == 0 {
		return Snippet{Fragment: clampChars(text, maxChars)}
	}

	// Slide a window over the hits; keep the one covering most of them.
	best := 0
	bestCount := 0
	for i := range hits {
		count := 0
		for j := i; j < len(hits) && hits[j].end-hits[i].start <= maxChars; j++ {
			count++
		}
		if count > bestCount {
			bestCount = count
			best = i
		}
	}

	windowStart := hits[best].start
	// Pull the window back to the start of the space-delimited word that
	// holds the first hit, so a hit inside a word keeps its leading part.
	if lead := strings.LastIndexByte(text[:windowStart], ' '); lead >= 0 && windowStart-lead < maxChars/4 {
		windowStart = lead + 1
	}
	windowEnd := windowStart + maxChars
	if windowEnd > len(text) {
		windowEnd = len(text)
	}
	fragment := text[windowStart:windowEnd]

	var highlights [][2]int
	for _, h := range hits {
		if h.start >= windowStart && h.end <= windowEnd {
			highlights = append(highlights, [2]int{h.start - windowStart, h.end - windowStart})
		}
	}
	sort.Slice(highlights, func(i, j int) bool { return highlights[i][0] < highlights[j][0] })
	return Snippet{Fragment: fragment, Highlights: highlights}
}

func clampChars(text string, maxChars int) string {
	if len(text) <= maxChars {
		return text
	}
	return text[:maxChars]
}

// ToHTML renders the snippet with <b> highlight markers.
func (s Snippet) ToHTML() string {
	if len(s.Highlights) == 0 {
		return s.Fragment
	}
	var b strings.Builder
	prev := 0
	for _, h := range s.Highlights {
		if h[0] < prev || h[1] > len(s.Fragment) {
			continue
		}
		b.WriteString(s.Fragment[prev:h[0]])
		b.WriteString("<b>")
		b.WriteString(s.Fragment[h[0]:h[1]])
		b.WriteString("</b>")
		prev = h[1]
	}
	b.WriteString(s.Fragment[prev:])
	return b.String()
}
