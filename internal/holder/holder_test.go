package holder

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/summa-search/summa/internal/collectors"
	"github.com/summa-search/summa/internal/config"
	"github.com/summa-search/summa/internal/query"
	"github.com/summa-search/summa/internal/schema"
)

func bookFields() []schema.FieldDef {
	return []schema.FieldDef{
		{Name: "id", Type: schema.TypeI64, Indexed: true, Stored: true, Fast: true},
		{Name: "title", Type: schema.TypeText, Tokenizer: "summa", Record: schema.RecordPositions, Indexed: true, Stored: true},
		{Name: "body", Type: schema.TypeText, Tokenizer: "summa", Record: schema.RecordPositions, Indexed: true, Stored: true},
		{Name: "issued_at", Type: schema.TypeI64, Indexed: true, Stored: true, Fast: true},
		{Name: "category", Type: schema.TypeFacet, Indexed: true, Stored: true},
	}
}

func newTestHolder(t *testing.T, attrs schema.Attributes) *Holder {
	t.Helper()
	s, err := schema.NewSchema(bookFields())
	require.NoError(t, err)
	if attrs.DefaultFields == nil {
		attrs.DefaultFields = []string{"title", "body"}
	}
	engine := config.IndexEngineConfig{Memory: &config.MemoryEngineConfig{Schema: bookFields()}}
	h, err := Create("test_index", engine, s, attrs, Options{Core: testCore()})
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return h
}

func testCore() config.Core {
	return config.Core{
		DocStoreCacheNumBlocks: 16,
		WriterHeapSizeBytes:    16 * 1024 * 1024,
		WriterThreads:          &config.WriterThreads{N: 1},
		CollectorCache:         collectors.CacheConfig{Size: 64, TTLIntervalMs: 60_000},
	}
}

func ingest(t *testing.T, h *Holder, docs ...string) {
	t.Helper()
	for _, raw := range docs {
		require.NoError(t, h.IndexDocument([]byte(raw)))
	}
	require.NoError(t, h.Commit(""))
}

func search(t *testing.T, h *Holder, q query.Query, requests ...collectors.Request) []collectors.Output {
	t.Helper()
	outputs, err := h.Search(context.Background(), "", q, requests, "")
	require.NoError(t, err)
	return outputs
}

func topDocs(limit uint32) collectors.Request {
	return collectors.Request{TopDocs: &collectors.TopDocsRequest{Limit: limit}}
}

func docID(t *testing.T, scored collectors.ScoredDocument) int64 {
	t.Helper()
	var obj map[string]any
	require.NoError(t, json.Unmarshal(scored.Document, &obj))
	id, ok := obj["id"].(float64)
	require.True(t, ok, "document %s has no id", scored.Document)
	return int64(id)
}

// Basic index + search: one document, match on a tokenised body term.
func TestBasicIndexAndSearch(t *testing.T) {
	h := newTestHolder(t, schema.Attributes{})
	ingest(t, h,
		`{"id": 1, "title": "Headcrab", "body": "Physically, headcrabs are frail: a few bullets or a single crowbar strike will dispatch one.", "issued_at": 1652986134}`)

	outputs := search(t, h, &query.MatchQuery{Value: "headcrabs"}, topDocs(10))
	require.Len(t, outputs, 1)
	result := outputs[0].TopDocs
	require.NotNil(t, result)
	require.Len(t, result.ScoredDocuments, 1)
	assert.Equal(t, int64(1), docID(t, result.ScoredDocuments[0]))
	assert.False(t, result.HasNext)
	assert.Equal(t, "test_index", result.ScoredDocuments[0].IndexAlias)
}

// Custom ranking: an eval-expression scorer over a fast field reorders
// hits; negating the expression reverses the order.
func TestEvalScorerOrdering(t *testing.T) {
	h := newTestHolder(t, schema.Attributes{})
	ingest(t, h,
		`{"id": 1, "issued_at": 100, "title": "term1 term2", "body": "term3 term4 term5 term6"}`,
		`{"id": 2, "issued_at": 110, "title": "term2 term3", "body": "term1 term7 term8 term9 term10"}`)

	ascending := collectors.Request{TopDocs: &collectors.TopDocsRequest{
		Limit:  10,
		Scorer: &collectors.Scorer{EvalExpr: "issued_at"},
	}}
	outputs := search(t, h, &query.MatchQuery{Value: "term1"}, ascending)
	docs := outputs[0].TopDocs.ScoredDocuments
	require.Len(t, docs, 2)
	assert.Equal(t, int64(2), docID(t, docs[0]))
	assert.Equal(t, float64(110), docs[0].Score)
	assert.Equal(t, int64(1), docID(t, docs[1]))
	assert.Equal(t, float64(100), docs[1].Score)

	negated := collectors.Request{TopDocs: &collectors.TopDocsRequest{
		Limit:  10,
		Scorer: &collectors.Scorer{EvalExpr: "-issued_at"},
	}}
	outputs = search(t, h, &query.MatchQuery{Value: "term1"}, negated)
	docs = outputs[0].TopDocs.ScoredDocuments
	require.Len(t, docs, 2)
	assert.Equal(t, int64(1), docID(t, docs[0]))
	assert.Equal(t, int64(2), docID(t, docs[1]))
}

func TestEvalScorerRejectsNonFastField(t *testing.T) {
	h := newTestHolder(t, schema.Attributes{})
	ingest(t, h, `{"id": 1, "title": "x"}`)
	_, err := h.Search(context.Background(), "", &query.MatchQuery{Value: "x"}, []collectors.Request{
		{TopDocs: &collectors.TopDocsRequest{Limit: 1, Scorer: &collectors.Scorer{EvalExpr: "title * 2"}}},
	}, "")
	require.Error(t, err)
}

// Primary-key dedup: re-indexing id=1 replaces the earlier document.
func TestPrimaryKeyDedup(t *testing.T) {
	h := newTestHolder(t, schema.Attributes{PrimaryKey: "id"})
	require.NoError(t, h.IndexDocument([]byte(`{"id": 1, "title": "A"}`)))
	require.NoError(t, h.IndexDocument([]byte(`{"id": 1, "title": "B"}`)))
	require.NoError(t, h.Commit(""))

	outputs := search(t, h, &query.MatchQuery{Value: "A"}, topDocs(10))
	assert.Empty(t, outputs[0].TopDocs.ScoredDocuments)

	outputs = search(t, h, &query.MatchQuery{Value: "B"}, topDocs(10))
	require.Len(t, outputs[0].TopDocs.ScoredDocuments, 1)
	assert.Equal(t, int64(1), docID(t, outputs[0].TopDocs.ScoredDocuments[0]))
}

func TestPrimaryKeyDedupAcrossCommits(t *testing.T) {
	h := newTestHolder(t, schema.Attributes{PrimaryKey: "id"})
	ingest(t, h, `{"id": 7, "title": "first version"}`)
	ingest(t, h, `{"id": 7, "title": "second version"}`)

	outputs := search(t, h, &query.MatchQuery{Value: "version"}, topDocs(10))
	require.Len(t, outputs[0].TopDocs.ScoredDocuments, 1, "one live document per primary key")
}

func TestDeleteByPrimaryKey(t *testing.T) {
	h := newTestHolder(t, schema.Attributes{PrimaryKey: "id"})
	ingest(t, h, `{"id": 1, "title": "doomed"}`)

	err := h.WithWriter(func(w *WriterHolder) error {
		return w.DeleteDocumentByPrimaryKey(schema.Value{Type: schema.TypeI64, I64: 1})
	})
	require.NoError(t, err)
	require.NoError(t, h.Commit(""))

	outputs := search(t, h, &query.MatchQuery{Value: "doomed"}, topDocs(10))
	assert.Empty(t, outputs[0].TopDocs.ScoredDocuments)
}

// limit = 0 returns no hits but has_next reports whether any match exists.
func TestTopDocsLimitZero(t *testing.T) {
	h := newTestHolder(t, schema.Attributes{})
	ingest(t, h, `{"id": 1, "title": "present"}`)

	outputs := search(t, h, &query.MatchQuery{Value: "present"}, topDocs(0))
	result := outputs[0].TopDocs
	assert.Empty(t, result.ScoredDocuments)
	assert.True(t, result.HasNext)

	outputs = search(t, h, &query.MatchQuery{Value: "absent"}, topDocs(0))
	result = outputs[0].TopDocs
	assert.Empty(t, result.ScoredDocuments)
	assert.False(t, result.HasNext)
}

func TestCountAndFacetCollectors(t *testing.T) {
	h := newTestHolder(t, schema.Attributes{})
	ingest(t, h,
		`{"id": 1, "title": "alpha", "category": "/science/physics"}`,
		`{"id": 2, "title": "alpha", "category": "/science/biology"}`,
		`{"id": 3, "title": "beta", "category": "/science/physics"}`)

	outputs := search(t, h, &query.MatchQuery{Value: "alpha"},
		collectors.Request{Count: &collectors.CountRequest{}},
		collectors.Request{Facet: &collectors.FacetRequest{Field: "category"}})

	require.NotNil(t, outputs[0].Count)
	assert.Equal(t, uint64(2), outputs[0].Count.Count)

	require.NotNil(t, outputs[1].Facet)
	assert.Equal(t, uint64(1), outputs[1].Facet.FacetCounts["/science/physics"])
	assert.Equal(t, uint64(1), outputs[1].Facet.FacetCounts["/science/biology"])
}

func TestAggregationCollector(t *testing.T) {
	h := newTestHolder(t, schema.Attributes{})
	ingest(t, h,
		`{"id": 1, "title": "x", "issued_at": 10}`,
		`{"id": 2, "title": "x", "issued_at": 20}`,
		`{"id": 3, "title": "x", "issued_at": 30}`)

	outputs := search(t, h, &query.MatchQuery{Value: "x"}, collectors.Request{
		Aggregation: &collectors.AggregationRequest{Aggregations: map[string]collectors.Aggregation{
			"issued_stats": {Stats: &collectors.StatsAggregation{Field: "issued_at"}},
			"issued_histogram": {Histogram: &collectors.HistogramAggregation{
				Field:    "issued_at",
				Interval: 15,
			}},
		}},
	})

	result := outputs[0].Aggregation
	require.NotNil(t, result)
	stats := result.AggregationResults["issued_stats"].Stats
	require.NotNil(t, stats)
	assert.Equal(t, uint64(3), stats.Count)
	assert.Equal(t, float64(10), stats.Min)
	assert.Equal(t, float64(30), stats.Max)
	assert.Equal(t, float64(20), stats.Avg)

	histogram := result.AggregationResults["issued_histogram"].Buckets
	require.Len(t, histogram, 3)
}

func TestReservoirSampling(t *testing.T) {
	h := newTestHolder(t, schema.Attributes{})
	ingest(t, h,
		`{"id": 1, "title": "sample"}`,
		`{"id": 2, "title": "sample"}`,
		`{"id": 3, "title": "sample"}`,
		`{"id": 4, "title": "sample"}`)

	outputs := search(t, h, &query.MatchQuery{Value: "sample"},
		collectors.Request{ReservoirSampling: &collectors.ReservoirSamplingRequest{Limit: 2}})
	require.NotNil(t, outputs[0].ReservoirSampling)
	assert.Len(t, outputs[0].ReservoirSampling.Documents, 2)
}

func TestSnippets(t *testing.T) {
	h := newTestHolder(t, schema.Attributes{})
	ingest(t, h, `{"id": 1, "title": "irrelevant", "body": "the crowbar is the iconic weapon and headcrabs fear the crowbar greatly"}`)

	outputs := search(t, h, &query.MatchQuery{Value: "crowbar"}, collectors.Request{
		TopDocs: &collectors.TopDocsRequest{
			Limit:          10,
			SnippetConfigs: map[string]uint32{"body": 40},
		},
	})
	docs := outputs[0].TopDocs.ScoredDocuments
	require.Len(t, docs, 1)
	snippet, ok := docs[0].Snippets["body"]
	require.True(t, ok)
	assert.NotEmpty(t, snippet.Fragment)
	assert.LessOrEqual(t, len(snippet.Fragment), 40)
	require.NotEmpty(t, snippet.Highlights)
	first := snippet.Highlights[0]
	assert.Equal(t, "crowbar", snippet.Fragment[first[0]:first[1]])
}

func TestFieldFilters(t *testing.T) {
	h := newTestHolder(t, schema.Attributes{})
	ingest(t, h, `{"id": 1, "title": "keep me", "body": "drop me"}`)

	outputs := search(t, h, &query.MatchQuery{Value: "keep"}, collectors.Request{
		TopDocs: &collectors.TopDocsRequest{Limit: 1, Fields: []string{"id", "title"}},
	})
	var obj map[string]any
	require.NoError(t, json.Unmarshal(outputs[0].TopDocs.ScoredDocuments[0].Document, &obj))
	assert.Contains(t, obj, "title")
	assert.NotContains(t, obj, "body")

	outputs = search(t, h, &query.MatchQuery{Value: "keep"}, collectors.Request{
		TopDocs: &collectors.TopDocsRequest{Limit: 1, ExcludedFields: []string{"body"}},
	})
	require.NoError(t, json.Unmarshal(outputs[0].TopDocs.ScoredDocuments[0].Document, &obj))
	assert.NotContains(t, obj, "body")
}

func TestMultiFieldsRenderAsArrays(t *testing.T) {
	h := newTestHolder(t, schema.Attributes{MultiFields: []string{"title"}})
	ingest(t, h, `{"id": 1, "title": "solo"}`)

	outputs := search(t, h, &query.MatchQuery{Value: "solo"}, topDocs(1))
	var obj map[string]any
	require.NoError(t, json.Unmarshal(outputs[0].TopDocs.ScoredDocuments[0].Document, &obj))
	_, isArray := obj["title"].([]any)
	assert.True(t, isArray)
}

// Collector-cache property: a cached block re-sliced to any window inside
// the block equals a fresh execution of that window.
func TestCollectorCacheSliceEquivalence(t *testing.T) {
	h := newTestHolder(t, schema.Attributes{})
	var docs []string
	for i := 0; i < 30; i++ {
		docs = append(docs, fmt.Sprintf(`{"id": %d, "title": "common", "issued_at": %d}`, i, 1000+i))
	}
	ingest(t, h, docs...)

	request := func(offset, limit uint32) collectors.Request {
		return collectors.Request{TopDocs: &collectors.TopDocsRequest{
			Offset: offset,
			Limit:  limit,
			Scorer: &collectors.Scorer{OrderBy: "issued_at"},
		}}
	}
	q := &query.MatchQuery{Value: "common"}

	// Fill the cache with fingerprint f.
	first, err := h.Search(context.Background(), "", q, []collectors.Request{request(0, 10)}, "f")
	require.NoError(t, err)

	for _, window := range [][2]uint32{{0, 10}, {5, 10}, {20, 10}, {0, 30}} {
		cached, err := h.Search(context.Background(), "", q, []collectors.Request{request(window[0], window[1])}, "f")
		require.NoError(t, err)
		fresh, err := h.Search(context.Background(), "", q, []collectors.Request{request(window[0], window[1])}, "")
		require.NoError(t, err)
		require.Equal(t, len(fresh[0].TopDocs.ScoredDocuments), len(cached[0].TopDocs.ScoredDocuments), "window %v", window)
		for i := range fresh[0].TopDocs.ScoredDocuments {
			assert.Equal(t, docID(t, fresh[0].TopDocs.ScoredDocuments[i]), docID(t, cached[0].TopDocs.ScoredDocuments[i]))
		}
		assert.Equal(t, fresh[0].TopDocs.HasNext, cached[0].TopDocs.HasNext)
	}
	_ = first
}

func TestWarmup(t *testing.T) {
	h := newTestHolder(t, schema.Attributes{})
	ingest(t, h, `{"id": 1, "title": "warm"}`)
	require.NoError(t, h.Warmup(context.Background()))
}

func TestFreezeProducesFrozenSegmentsAndHotcache(t *testing.T) {
	h := newTestHolder(t, schema.Attributes{})
	ingest(t, h, `{"id": 1, "title": "one"}`)
	ingest(t, h, `{"id": 2, "title": "two"}`)

	require.NoError(t, h.Freeze())

	meta := h.Index().Meta()
	require.Len(t, meta.Segments, 1)
	assert.True(t, meta.Segments[0].IsFrozen())

	exists, err := h.Index().Directory().Exists("hotcache.bin")
	require.NoError(t, err)
	assert.True(t, exists)

	// A second freeze is a no-op at the segment level.
	require.NoError(t, h.Freeze())
	assert.Len(t, h.Index().Meta().Segments, 1)
}

func TestPhraseQueryAndSlop(t *testing.T) {
	h := newTestHolder(t, schema.Attributes{})
	ingest(t, h,
		`{"id": 1, "body": "quick brown fox"}`,
		`{"id": 2, "body": "quick red brown fox"}`)

	outputs := search(t, h, &query.PhraseQuery{Field: "body", Value: "quick brown"}, topDocs(10))
	require.Len(t, outputs[0].TopDocs.ScoredDocuments, 1)
	assert.Equal(t, int64(1), docID(t, outputs[0].TopDocs.ScoredDocuments[0]))

	outputs = search(t, h, &query.PhraseQuery{Field: "body", Value: "quick brown", Slop: 1}, topDocs(10))
	assert.Len(t, outputs[0].TopDocs.ScoredDocuments, 2)
}

func TestRangeQueryExecution(t *testing.T) {
	h := newTestHolder(t, schema.Attributes{})
	ingest(t, h,
		`{"id": 1, "title": "a", "issued_at": 500}`,
		`{"id": 2, "title": "b", "issued_at": 1500}`,
		`{"id": 3, "title": "c", "issued_at": 2500}`)

	outputs := search(t, h, &query.RangeQuery{
		Field: "issued_at", Left: "1000", Right: "2000",
		IncludingLeft: true, IncludingRight: true,
	}, topDocs(10))
	docs := outputs[0].TopDocs.ScoredDocuments
	require.Len(t, docs, 1)
	assert.Equal(t, int64(2), docID(t, docs[0]))

	// Unbounded left side.
	outputs = search(t, h, &query.RangeQuery{
		Field: "issued_at", Left: "*", Right: "2000",
		IncludingRight: true,
	}, topDocs(10))
	assert.Len(t, outputs[0].TopDocs.ScoredDocuments, 2)
}

func TestRemoteEngineIsReadOnly(t *testing.T) {
	engine := config.IndexEngineConfig{Remote: &config.RemoteEngineConfig{
		URLTemplate: "http://127.0.0.1:1/{file_name}",
	}}
	assert.True(t, engine.ReadOnly())
}
