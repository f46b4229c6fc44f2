package query_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/summa-search/summa/internal/index"
	"github.com/summa-search/summa/internal/query"
	"github.com/summa-search/summa/internal/testutil"
)

func searcherWithBooks(t *testing.T) (*index.Searcher, *query.Parser) {
	t.Helper()
	idx := testutil.NewRAMIndex(t, testutil.BookAttributes())
	writer, err := index.NewWriter(idx, index.WriterConfig{Threads: 1})
	require.NoError(t, err)
	testutil.IndexBooks(t, idx, writer, []map[string]any{
		{"id": 1, "title": "quick brown fox", "body": "jumps over the lazy dog", "issued_at": 100},
		{"id": 2, "title": "slow brown bear", "body": "sleeps under the quick tree", "issued_at": 200},
		{"id": 3, "title": "quick quick quick", "body": "repetition", "issued_at": 300},
	})

	reader, err := idx.NewReader(index.ReloadManual)
	require.NoError(t, err)
	t.Cleanup(reader.Close)

	parser, err := query.NewParser(idx.Schema(), idx.Analyzers(), query.ParserConfig{
		DefaultFields: []string{"title", "body"},
	})
	require.NoError(t, err)
	return reader.Searcher(), parser
}

func matchingDocs(t *testing.T, searcher *index.Searcher, parser *query.Parser, q query.Query) map[int][]uint32 {
	t.Helper()
	executable, err := parser.Compile(q, searcher)
	require.NoError(t, err)

	out := make(map[int][]uint32)
	for ord, segment := range searcher.Segments {
		scorer, err := executable.SegmentScorer(segment)
		require.NoError(t, err)
		for scorer.Next() {
			if segment.IsDeleted(scorer.DocID()) {
				continue
			}
			out[ord] = append(out[ord], scorer.DocID())
		}
	}
	return out
}

func countMatches(t *testing.T, searcher *index.Searcher, parser *query.Parser, q query.Query) int {
	total := 0
	for _, docs := range matchingDocs(t, searcher, parser, q) {
		total += len(docs)
	}
	return total
}

func TestExecuteMatchOverDefaultFields(t *testing.T) {
	searcher, parser := searcherWithBooks(t)
	// "quick" appears in title of 1 and 3 and body of 2.
	assert.Equal(t, 3, countMatches(t, searcher, parser, &query.MatchQuery{Value: "quick"}))
}

func TestExecuteBooleanMustNot(t *testing.T) {
	searcher, parser := searcherWithBooks(t)
	assert.Equal(t, 2, countMatches(t, searcher, parser, &query.MatchQuery{Value: "quick -fox"}))
}

func TestExecuteAllAndEmpty(t *testing.T) {
	searcher, parser := searcherWithBooks(t)
	assert.Equal(t, 3, countMatches(t, searcher, parser, &query.AllQuery{}))
	assert.Equal(t, 0, countMatches(t, searcher, parser, &query.EmptyQuery{}))
	assert.Equal(t, 0, countMatches(t, searcher, parser, &query.MatchQuery{Value: ""}))
}

func TestExecuteRegex(t *testing.T) {
	searcher, parser := searcherWithBooks(t)
	assert.Equal(t, 2, countMatches(t, searcher, parser, &query.RegexQuery{Field: "title", Value: "bro.n"}))
}

func TestExecuteExists(t *testing.T) {
	searcher, parser := searcherWithBooks(t)
	assert.Equal(t, 3, countMatches(t, searcher, parser, &query.ExistsQuery{Field: "title"}))
}

func TestExecuteRangeOnNumericField(t *testing.T) {
	searcher, parser := searcherWithBooks(t)
	matches := countMatches(t, searcher, parser, &query.RangeQuery{
		Field: "issued_at", Left: "150", Right: "*", IncludingLeft: true,
	})
	assert.Equal(t, 2, matches)
}

func TestExecuteUnknownFieldFails(t *testing.T) {
	searcher, parser := searcherWithBooks(t)
	_, err := parser.Compile(&query.TermQuery{Field: "nope", Value: "x"}, searcher)
	assert.ErrorIs(t, err, query.ErrMissingField)
}

func TestExecuteTermTypeMismatch(t *testing.T) {
	searcher, parser := searcherWithBooks(t)
	_, err := parser.Compile(&query.TermQuery{Field: "issued_at", Value: "not-a-number"}, searcher)
	assert.ErrorIs(t, err, query.ErrInvalidSyntax)
}

func TestExecuteMoreLikeThis(t *testing.T) {
	searcher, parser := searcherWithBooks(t)
	matches := countMatches(t, searcher, parser, &query.MoreLikeThisQuery{
		Document: `{"title": "quick brown"}`,
	})
	assert.GreaterOrEqual(t, matches, 2)
}

func TestExecuteDisjunctionMaxScores(t *testing.T) {
	searcher, parser := searcherWithBooks(t)
	executable, err := parser.Compile(&query.DisjunctionMaxQuery{
		Disjuncts: []query.Query{
			&query.TermQuery{Field: "title", Value: "quick"},
			&query.TermQuery{Field: "body", Value: "quick"},
		},
		TieBreaker: 0.3,
	}, searcher)
	require.NoError(t, err)

	matched := 0
	for _, segment := range searcher.Segments {
		scorer, err := executable.SegmentScorer(segment)
		require.NoError(t, err)
		for scorer.Next() {
			matched++
			assert.Greater(t, scorer.Score(), float32(0))
		}
	}
	assert.Equal(t, 3, matched)
}
