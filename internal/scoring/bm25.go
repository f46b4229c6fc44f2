// Package scoring provides the relevance scorers: BM25 for text queries
// and the expression-compiled eval scorer over fast fields.
package scoring

import "math"

// Default BM25 parameters.
const (
	DefaultK1 = 1.2
	DefaultB  = 0.75
)

// BM25 computes term weights from collection statistics. Statistics are
// taken over the whole searcher so scores are comparable across segments.
type BM25 struct {
	K1 float32
	B  float32

	DocCount uint64
}

// NewBM25 creates a scorer with default parameters over a collection of the
// given size.
func NewBM25(docCount uint64) *BM25 {
	return &BM25{K1: DefaultK1, B: DefaultB, DocCount: docCount}
}

// IDF computes the inverse document frequency of a term:
//
//	IDF(qi) = ln(1 + (N - n(qi) + 0.5) / (n(qi) + 0.5))
func (s *BM25) IDF(docFreq uint64) float32 {
	n := float64(docFreq)
	N := float64(s.DocCount)
	return float32(math.Log(1 + (N-n+0.5)/(n+0.5)))
}

// Score computes the BM25 contribution of one term occurrence. Document
// length normalisation uses the neutral length, which keeps scoring
// monotonic in term frequency without per-document norms.
func (s *BM25) Score(idf float32, termFreq uint32) float32 {
	tf := float32(termFreq)
	return idf * tf * (s.K1 + 1) / (tf + s.K1)
}
