// Package collectors implements the collector/fruit-extractor pipeline: a
// collector describes what to compute during a search, a fruit is the raw
// value it produces, and an extractor shapes the fruit into the response,
// fetching stored documents and generating snippets where needed.
package collectors

import (
	"encoding/json"

	"github.com/summa-search/summa/internal/errkind"
)

var (
	ErrInvalidAggregation = errkind.New(errkind.InvalidArgument, "invalid aggregation")
	ErrUnknownCollector   = errkind.New(errkind.InvalidArgument, "unknown collector")
)

// Request is a tagged union: exactly one member is set.
type Request struct {
	TopDocs           *TopDocsRequest           `json:"top_docs,omitempty" yaml:"top_docs,omitempty"`
	ReservoirSampling *ReservoirSamplingRequest `json:"reservoir_sampling,omitempty" yaml:"reservoir_sampling,omitempty"`
	Count             *CountRequest             `json:"count,omitempty" yaml:"count,omitempty"`
	Facet             *FacetRequest             `json:"facet,omitempty" yaml:"facet,omitempty"`
	Aggregation       *AggregationRequest       `json:"aggregation,omitempty" yaml:"aggregation,omitempty"`
}

// Scorer selects how TopDocs orders documents. Nil means relevance order.
type Scorer struct {
	// EvalExpr is a scoring expression over fast fields.
	EvalExpr string `json:"eval_expr,omitempty" yaml:"eval_expr,omitempty"`
	// OrderBy names a fast field whose value becomes the score.
	OrderBy string `json:"order_by,omitempty" yaml:"order_by,omitempty"`
}

// TopDocsRequest collects the top-ranked documents.
type TopDocsRequest struct {
	Limit          uint32            `json:"limit" yaml:"limit"`
	Offset         uint32            `json:"offset" yaml:"offset"`
	Scorer         *Scorer           `json:"scorer,omitempty" yaml:"scorer,omitempty"`
	SnippetConfigs map[string]uint32 `json:"snippet_configs,omitempty" yaml:"snippet_configs,omitempty"`
	Fields         []string          `json:"fields,omitempty" yaml:"fields,omitempty"`
	ExcludedFields []string          `json:"excluded_fields,omitempty" yaml:"excluded_fields,omitempty"`
}

// ReservoirSamplingRequest samples matching documents uniformly.
type ReservoirSamplingRequest struct {
	Limit  uint32   `json:"limit" yaml:"limit"`
	Fields []string `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// CountRequest counts matching documents.
type CountRequest struct{}

// FacetRequest counts facet paths of matching documents.
type FacetRequest struct {
	Field  string   `json:"field" yaml:"field"`
	Facets []string `json:"facets,omitempty" yaml:"facets,omitempty"`
}

// AggregationRequest computes named aggregations over matching documents.
type AggregationRequest struct {
	Aggregations map[string]Aggregation `json:"aggregations" yaml:"aggregations"`
}

// Aggregation is a tagged union of bucket and metric aggregations. Bucket
// aggregations may nest sub-aggregations.
type Aggregation struct {
	Histogram *HistogramAggregation `json:"histogram,omitempty" yaml:"histogram,omitempty"`
	Range     *RangeAggregation     `json:"range,omitempty" yaml:"range,omitempty"`
	Terms     *TermsAggregation     `json:"terms,omitempty" yaml:"terms,omitempty"`
	Average   *AverageAggregation   `json:"avg,omitempty" yaml:"avg,omitempty"`
	Stats     *StatsAggregation     `json:"stats,omitempty" yaml:"stats,omitempty"`

	Aggregations map[string]Aggregation `json:"aggs,omitempty" yaml:"aggs,omitempty"`
}

type HistogramAggregation struct {
	Field    string  `json:"field" yaml:"field"`
	Interval float64 `json:"interval" yaml:"interval"`
	Offset   float64 `json:"offset,omitempty" yaml:"offset,omitempty"`
}

type RangeBound struct {
	From *float64 `json:"from,omitempty" yaml:"from,omitempty"`
	To   *float64 `json:"to,omitempty" yaml:"to,omitempty"`
	Key  string   `json:"key,omitempty" yaml:"key,omitempty"`
}

type RangeAggregation struct {
	Field  string       `json:"field" yaml:"field"`
	Ranges []RangeBound `json:"ranges" yaml:"ranges"`
}

type TermsAggregation struct {
	Field string `json:"field" yaml:"field"`
	Size  uint32 `json:"size,omitempty" yaml:"size,omitempty"`
}

type AverageAggregation struct {
	Field string `json:"field" yaml:"field"`
}

type StatsAggregation struct {
	Field string `json:"field" yaml:"field"`
}

// DocAddress identifies a document inside one searcher snapshot.
type DocAddress struct {
	Segment int
	DocID   uint32
}

// ScoredDocAddress is a matched document with its optional score.
type ScoredDocAddress struct {
	Address DocAddress
	Score   float64
	// Segment is not set by the collectors; scoredLess breaks score ties on
	// Address (segment, then doc id).
	Segment int
}

// Snippet is a highlighted fragment of one stored field.
type Snippet struct {
	Fragment   string   `json:"fragment"`
	Highlights [][2]int `json:"highlights,omitempty"`
}

// ScoredDocument is one fully materialised hit.
type ScoredDocument struct {
	IndexAlias string             `json:"index_alias"`
	Document   json.RawMessage    `json:"document"`
	Score      float64            `json:"score"`
	Position   uint32             `json:"position"`
	Snippets   map[string]Snippet `json:"snippets,omitempty"`
}

// TopDocsOutput is the terminal TopDocs result.
type TopDocsOutput struct {
	ScoredDocuments []ScoredDocument `json:"scored_documents"`
	HasNext         bool             `json:"has_next"`
}

type CountOutput struct {
	Count uint64 `json:"count"`
}

type FacetOutput struct {
	FacetCounts map[string]uint64 `json:"facet_counts"`
}

type ReservoirSamplingOutput struct {
	Documents []ScoredDocument `json:"documents"`
}

// AggregationResult is a tagged union mirroring the request shape.
type AggregationResult struct {
	Buckets []Bucket    `json:"buckets,omitempty"`
	Value   *float64    `json:"value,omitempty"`
	Stats   *StatsValue `json:"stats,omitempty"`
}

type Bucket struct {
	Key          string                       `json:"key"`
	DocCount     uint64                       `json:"doc_count"`
	Aggregations map[string]AggregationResult `json:"aggs,omitempty"`
}

type StatsValue struct {
	Count uint64  `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

type AggregationOutput struct {
	AggregationResults map[string]AggregationResult `json:"aggregation_results"`
}

// Output is the terminal collector result; exactly one member is set.
type Output struct {
	TopDocs           *TopDocsOutput           `json:"top_docs,omitempty"`
	ReservoirSampling *ReservoirSamplingOutput `json:"reservoir_sampling,omitempty"`
	Count             *CountOutput             `json:"count,omitempty"`
	Facet             *FacetOutput             `json:"facet,omitempty"`
	Aggregation       *AggregationOutput       `json:"aggregation,omitempty"`
}
