package scoring

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/summa-search/summa/internal/schema"
)

func evalSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.NewSchema([]schema.FieldDef{
		{Name: "issued_at", Type: schema.TypeI64, Indexed: true, Fast: true},
		{Name: "title", Type: schema.TypeText, Tokenizer: "summa", Indexed: true},
	})
	require.NoError(t, err)
	return s
}

func TestNewEvalScorerValidatesVariables(t *testing.T) {
	s := evalSchema(t)

	_, err := NewEvalScorer("issued_at * 2", s)
	assert.NoError(t, err)

	_, err = NewEvalScorer("original_score + fastsigm(now - issued_at, 86400)", s)
	assert.NoError(t, err, "reserved identifiers need no schema entry")

	_, err = NewEvalScorer("title * 2", s)
	var fastErr *RequiredFastFieldError
	require.ErrorAs(t, err, &fastErr)
	assert.Equal(t, "title", fastErr.Field)

	_, err = NewEvalScorer("unknown_field + 1", s)
	assert.ErrorIs(t, err, schema.ErrUnknownField)

	_, err = NewEvalScorer("issued_at +* 2", s)
	assert.Error(t, err)
}

func TestFastsigm(t *testing.T) {
	assert.Equal(t, 0.0, fastsigm(0, 86400))
	assert.InDelta(t, 0.5, fastsigm(86400, 86400), 1e-9)
	assert.Less(t, fastsigm(100, 86400), fastsigm(1000000, 86400))
	assert.Greater(t, 1.0, fastsigm(1e12, 86400))
	// The magnitude is taken first: a future-dated document (negative age)
	// scores like one the same distance in the past.
	assert.Equal(t, fastsigm(1000, 86400), fastsigm(-1000, 86400))
	assert.GreaterOrEqual(t, fastsigm(-1000, 86400), 0.0)
}

func TestIqprInvertsQuantisation(t *testing.T) {
	for _, rank := range []float64{0.5, 1, 3, 10, 100} {
		quantized := schema.QuantizePageRank(rank)
		recovered := iqpr(float64(quantized))
		assert.InDelta(t, rank, recovered, rank*0.05+0.05, "rank %v", rank)
	}
	assert.Equal(t, iqpr(32), iqpr(-32), "iqpr works on the magnitude")
}

func TestFastValueAsFloat(t *testing.T) {
	assert.Equal(t, -5.0, FastValueAsFloat(schema.TypeI64, uint64(18446744073709551611)))
	assert.Equal(t, 2.5, FastValueAsFloat(schema.TypeF64, math.Float64bits(2.5)))
	assert.Equal(t, 7.0, FastValueAsFloat(schema.TypeU64, 7))
}

func TestBM25Monotonicity(t *testing.T) {
	bm25 := NewBM25(1000)
	rare := bm25.IDF(1)
	common := bm25.IDF(900)
	assert.Greater(t, rare, common)

	idf := bm25.IDF(10)
	assert.Less(t, bm25.Score(idf, 1), bm25.Score(idf, 5))
}
