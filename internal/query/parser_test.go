package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/summa-search/summa/internal/analysis"
	"github.com/summa-search/summa/internal/schema"
)

func parserSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.NewSchema([]schema.FieldDef{
		{Name: "title", Type: schema.TypeText, Tokenizer: "summa", Record: schema.RecordPositions, Indexed: true, Stored: true},
		{Name: "body", Type: schema.TypeText, Tokenizer: "summa", Record: schema.RecordPositions, Indexed: true, Stored: true},
		{Name: "timestamp", Type: schema.TypeI64, Indexed: true, Fast: true},
		{Name: "doi", Type: schema.TypeText, Tokenizer: "keyword", Indexed: true},
		{Name: "isbns", Type: schema.TypeText, Tokenizer: "keyword", Indexed: true},
	})
	require.NoError(t, err)
	return s
}

func newTestParser(t *testing.T, config ParserConfig) *Parser {
	t.Helper()
	if config.DefaultFields == nil {
		config.DefaultFields = []string{"title"}
	}
	p, err := NewParser(parserSchema(t), analysis.NewRegistry(), config)
	require.NoError(t, err)
	return p
}

func TestParseOccurPrefixes(t *testing.T) {
	p := newTestParser(t, ParserConfig{})
	parsed, err := p.ParseText("+search -engine")
	require.NoError(t, err)

	boolean, ok := parsed.(*BooleanQuery)
	require.True(t, ok, "got %T", parsed)
	require.Len(t, boolean.Subqueries, 2)

	must := boolean.Subqueries[0]
	assert.Equal(t, Must, must.Occur)
	term, ok := must.Query.(*TermQuery)
	require.True(t, ok, "got %T", must.Query)
	assert.Equal(t, "title", term.Field)
	assert.Equal(t, "search", term.Value)

	mustNot := boolean.Subqueries[1]
	assert.Equal(t, MustNot, mustNot.Occur)
	term, ok = mustNot.Query.(*TermQuery)
	require.True(t, ok, "got %T", mustNot.Query)
	assert.Equal(t, "engine", term.Value)
}

func TestParseFieldPhraseWithSlopAndBoost(t *testing.T) {
	p := newTestParser(t, ParserConfig{})
	parsed, err := p.ParseText(`body:"search engine"~3^2.0`)
	require.NoError(t, err)

	boost, ok := parsed.(*BoostQuery)
	require.True(t, ok, "got %T", parsed)
	assert.Equal(t, float32(2.0), boost.Score)

	phrase, ok := boost.Query.(*PhraseQuery)
	require.True(t, ok, "got %T", boost.Query)
	assert.Equal(t, "body", phrase.Field)
	assert.Equal(t, "search engine", phrase.Value)
	assert.Equal(t, uint32(3), phrase.Slop)
}

func TestParseRange(t *testing.T) {
	p := newTestParser(t, ParserConfig{})
	parsed, err := p.ParseText("timestamp:[1000 TO 2000]")
	require.NoError(t, err)

	rangeQuery, ok := parsed.(*RangeQuery)
	require.True(t, ok, "got %T", parsed)
	assert.Equal(t, "timestamp", rangeQuery.Field)
	assert.Equal(t, "1000", rangeQuery.Left)
	assert.Equal(t, "2000", rangeQuery.Right)
	assert.True(t, rangeQuery.IncludingLeft)
	assert.True(t, rangeQuery.IncludingRight)
}

func TestParseUnboundedRange(t *testing.T) {
	p := newTestParser(t, ParserConfig{})
	parsed, err := p.ParseText("timestamp:[* TO 2000]")
	require.NoError(t, err)
	rangeQuery, ok := parsed.(*RangeQuery)
	require.True(t, ok)
	assert.Equal(t, "*", rangeQuery.Left)
}

func TestParseRegex(t *testing.T) {
	p := newTestParser(t, ParserConfig{})
	parsed, err := p.ParseText("title:/head.*/")
	require.NoError(t, err)
	regex, ok := parsed.(*RegexQuery)
	require.True(t, ok, "got %T", parsed)
	assert.Equal(t, "head.*", regex.Value)
}

func TestParseEmptyQuery(t *testing.T) {
	p := newTestParser(t, ParserConfig{})
	parsed, err := p.ParseText("")
	require.NoError(t, err)
	_, ok := parsed.(*EmptyQuery)
	assert.True(t, ok, "got %T", parsed)
}

func TestResolveEmptyMatch(t *testing.T) {
	p := newTestParser(t, ParserConfig{})
	resolved, err := p.Resolve(&MatchQuery{Value: ""})
	require.NoError(t, err)
	_, ok := resolved.(*EmptyQuery)
	assert.True(t, ok, "got %T", resolved)
}

func TestDefaultFieldsBooleanMode(t *testing.T) {
	p := newTestParser(t, ParserConfig{DefaultFields: []string{"title", "body"}})
	parsed, err := p.ParseText("headcrab")
	require.NoError(t, err)

	boolean, ok := parsed.(*BooleanQuery)
	require.True(t, ok, "got %T", parsed)
	require.Len(t, boolean.Subqueries, 2)
	for _, clause := range boolean.Subqueries {
		assert.Equal(t, Should, clause.Occur)
	}
}

func TestDefaultFieldsDisjunctionMaxMode(t *testing.T) {
	p := newTestParser(t, ParserConfig{
		DefaultFields: []string{"title", "body"},
		DefaultMode:   ModeDisjunctionMax,
		TieBreaker:    0.5,
	})
	parsed, err := p.ParseText("headcrab")
	require.NoError(t, err)

	disMax, ok := parsed.(*DisjunctionMaxQuery)
	require.True(t, ok, "got %T", parsed)
	assert.Len(t, disMax.Disjuncts, 2)
	assert.Equal(t, float32(0.5), disMax.TieBreaker)
}

func TestMustTermTransposesOverDefaultFields(t *testing.T) {
	p := newTestParser(t, ParserConfig{DefaultFields: []string{"title", "body"}})
	parsed, err := p.ParseText("+headcrab")
	require.NoError(t, err)

	// The term must match in at least one default field.
	boolean, ok := parsed.(*BooleanQuery)
	require.True(t, ok, "got %T", parsed)
	require.Len(t, boolean.Subqueries, 1)
	require.Equal(t, Must, boolean.Subqueries[0].Occur)

	inner, ok := boolean.Subqueries[0].Query.(*BooleanQuery)
	require.True(t, ok, "got %T", boolean.Subqueries[0].Query)
	assert.Len(t, inner.Subqueries, 2)
	for _, clause := range inner.Subqueries {
		assert.Equal(t, Should, clause.Occur)
	}
}

func TestMissingFieldPolicies(t *testing.T) {
	remove := newTestParser(t, ParserConfig{MissingFieldPolicy: MissingFieldRemove})
	parsed, err := remove.ParseText("nosuchfield:value")
	require.NoError(t, err)
	_, ok := parsed.(*EmptyQuery)
	assert.True(t, ok, "remove policy yields Empty, got %T", parsed)

	fail := newTestParser(t, ParserConfig{MissingFieldPolicy: MissingFieldFail})
	_, err = fail.ParseText("nosuchfield:value")
	assert.ErrorIs(t, err, ErrInvalidSyntax)

	asTerms := newTestParser(t, ParserConfig{MissingFieldPolicy: MissingFieldAsUsualTerms})
	parsed, err = asTerms.ParseText("nosuchfield:value")
	require.NoError(t, err)
	boolean, ok := parsed.(*BooleanQuery)
	require.True(t, ok, "got %T", parsed)
	assert.Len(t, boolean.Subqueries, 2, "field name and term become two ordinary tokens")
}

func TestFieldAliases(t *testing.T) {
	p := newTestParser(t, ParserConfig{
		FieldAliases: map[string]string{"headline": "title"},
	})
	parsed, err := p.ParseText("headline:casters")
	require.NoError(t, err)
	term, ok := parsed.(*TermQuery)
	require.True(t, ok, "got %T", parsed)
	assert.Equal(t, "title", term.Field)
}

func TestFieldBoosts(t *testing.T) {
	p := newTestParser(t, ParserConfig{
		FieldBoosts: map[string]float32{"title": 2.0},
	})
	parsed, err := p.ParseText("casters")
	require.NoError(t, err)
	boost, ok := parsed.(*BoostQuery)
	require.True(t, ok, "got %T", parsed)
	assert.Equal(t, float32(2.0), boost.Score)
}

func TestExactMatchesPromoter(t *testing.T) {
	p := newTestParser(t, ParserConfig{
		DefaultFields:        []string{"title"},
		ExactMatchesPromoter: &ExactMatchesPromoter{Slop: 1, Boost: 2.0},
	})
	parsed, err := p.ParseText("hello world")
	require.NoError(t, err)

	boolean, ok := parsed.(*BooleanQuery)
	require.True(t, ok, "got %T", parsed)

	var promoted *PhraseQuery
	for _, clause := range boolean.Subqueries {
		if boost, ok := clause.Query.(*BoostQuery); ok {
			if phrase, ok := boost.Query.(*PhraseQuery); ok {
				promoted = phrase
				assert.Equal(t, float32(2.0), boost.Score)
			}
		}
	}
	require.NotNil(t, promoted, "expected a promoted phrase clause")
	assert.Equal(t, "hello world", promoted.Value)
	assert.Equal(t, uint32(1), promoted.Slop)
}

func TestISBNExtraction(t *testing.T) {
	p := newTestParser(t, ParserConfig{})
	parsed, err := p.ParseText("978-3-16-148410-0")
	require.NoError(t, err)
	term, ok := parsed.(*TermQuery)
	require.True(t, ok, "got %T", parsed)
	assert.Equal(t, "isbns", term.Field)
	assert.Equal(t, "9783161484100", term.Value)
}

func TestDOIExtraction(t *testing.T) {
	p := newTestParser(t, ParserConfig{})
	parsed, err := p.ParseText("10.1000/abc123")
	require.NoError(t, err)
	term, ok := parsed.(*TermQuery)
	require.True(t, ok, "got %T", parsed)
	assert.Equal(t, "doi", term.Field)
	assert.Equal(t, "10.1000/abc123", term.Value)
}

func TestDOIWithEmbeddedISBN(t *testing.T) {
	p := newTestParser(t, ParserConfig{})
	parsed, err := p.ParseText("10.1036/9780071393720.ch1")
	require.NoError(t, err)

	boolean, ok := parsed.(*BooleanQuery)
	require.True(t, ok, "got %T", parsed)

	var sawIsbn bool
	var sawBoostedOriginal bool
	for _, clause := range boolean.Subqueries {
		switch q := clause.Query.(type) {
		case *TermQuery:
			if q.Field == "isbns" {
				sawIsbn = true
				assert.Equal(t, "9780071393720", q.Value)
			}
		case *BoostQuery:
			sawBoostedOriginal = true
			assert.Equal(t, float32(3.0), q.Score)
		}
	}
	assert.True(t, sawIsbn)
	assert.True(t, sawBoostedOriginal)
}

func TestGrouping(t *testing.T) {
	p := newTestParser(t, ParserConfig{})
	parsed, err := p.ParseText("title:(+red -blue)")
	require.NoError(t, err)
	boolean, ok := parsed.(*BooleanQuery)
	require.True(t, ok, "got %T", parsed)
	require.Len(t, boolean.Subqueries, 2)
	assert.Equal(t, Must, boolean.Subqueries[0].Occur)
	assert.Equal(t, MustNot, boolean.Subqueries[1].Occur)
}

func TestTermLimit(t *testing.T) {
	p := newTestParser(t, ParserConfig{TermLimit: 2})
	parsed, err := p.ParseText("one two three four")
	require.NoError(t, err)
	boolean, ok := parsed.(*BooleanQuery)
	require.True(t, ok, "got %T", parsed)
	assert.Len(t, boolean.Subqueries, 2)
}

func TestReduceCollapsesSingleShould(t *testing.T) {
	p := newTestParser(t, ParserConfig{})
	parsed, err := p.ParseText("solo")
	require.NoError(t, err)
	_, ok := parsed.(*TermQuery)
	assert.True(t, ok, "single bare term over one default field reduces to a TermQuery, got %T", parsed)
}
