package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := NewSchema([]FieldDef{
		{Name: "id", Type: TypeI64, Indexed: true, Stored: true, Fast: true},
		{Name: "title", Type: TypeText, Tokenizer: "summa", Indexed: true, Stored: true},
		{Name: "tags", Type: TypeText, Tokenizer: "keyword", Indexed: true, Stored: true},
		{Name: "rank", Type: TypeF64, Stored: true},
		{Name: "published", Type: TypeBool, Indexed: true, Stored: true},
		{Name: "issued_at", Type: TypeDate, Indexed: true, Stored: true},
		{Name: "payload", Type: TypeBytes, Stored: true},
		{Name: "category", Type: TypeFacet, Indexed: true, Stored: true},
		{Name: "extra", Type: TypeJSON, Stored: true},
		{Name: "addr", Type: TypeIP, Stored: true},
	})
	require.NoError(t, err)
	return s
}

func TestParseDocumentTypes(t *testing.T) {
	s := testSchema(t)
	doc, err := ParseDocument(s, []byte(`{
		"id": 42,
		"title": "Headcrab",
		"rank": 0.5,
		"published": true,
		"issued_at": "2022-05-19T18:08:54Z",
		"payload": "aGVsbG8=",
		"category": "/science/biology",
		"extra": {"a": 1},
		"addr": "192.168.0.1",
		"unknown_field": "ignored"
	}`))
	require.NoError(t, err)

	id, ok := doc.Get("id")
	require.True(t, ok)
	assert.Equal(t, int64(42), id.I64)

	issued, ok := doc.Get("issued_at")
	require.True(t, ok)
	assert.Equal(t, int64(1652983734), issued.I64)

	payload, ok := doc.Get("payload")
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), payload.Bytes)

	_, ok = doc.Get("unknown_field")
	assert.False(t, ok)
}

func TestParseDocumentDateAsEpoch(t *testing.T) {
	s := testSchema(t)
	doc, err := ParseDocument(s, []byte(`{"issued_at": 1652986134}`))
	require.NoError(t, err)
	issued, ok := doc.Get("issued_at")
	require.True(t, ok)
	assert.Equal(t, int64(1652986134), issued.I64)
}

func TestParseDocumentTypeMismatch(t *testing.T) {
	s := testSchema(t)

	cases := []struct {
		name string
		doc  string
	}{
		{"string for integer", `{"id": "42"}`},
		{"number for bool", `{"published": 1}`},
		{"bad base64", `{"payload": "!!"}`},
		{"bad facet", `{"category": "no-slash"}`},
		{"bad ip", `{"addr": "not-an-ip"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDocument(s, []byte(tc.doc))
			var valueErr *ValueError
			require.ErrorAs(t, err, &valueErr)
		})
	}
}

func TestParseDocumentInvalidJSON(t *testing.T) {
	_, err := ParseDocument(testSchema(t), []byte(`{`))
	assert.ErrorIs(t, err, ErrInvalidJSON)
}

func TestParseDocumentArraysAndNulls(t *testing.T) {
	s := testSchema(t)
	doc, err := ParseDocument(s, []byte(`{"tags": ["a", null, "b"], "rank": null}`))
	require.NoError(t, err)

	tags := doc.GetAll("tags")
	require.Len(t, tags, 2)
	assert.Equal(t, "a", tags[0].Str)
	assert.Equal(t, "b", tags[1].Str)

	_, ok := doc.Get("rank")
	assert.False(t, ok, "null values are skipped, not stored")
}

func TestParseDocumentPreTokenized(t *testing.T) {
	s := testSchema(t)
	doc, err := ParseDocument(s, []byte(`{"title": {
		"text": "Hello World",
		"tokens": [
			{"offset_from": 0, "offset_to": 5, "position": 0, "text": "hello"},
			{"offset_from": 6, "offset_to": 11, "position": 1, "text": "world"}
		]
	}}`))
	require.NoError(t, err)
	title, ok := doc.Get("title")
	require.True(t, ok)
	require.NotNil(t, title.PreTokenized)
	assert.Equal(t, "Hello World", title.Str)
	assert.Len(t, title.PreTokenized.Tokens, 2)
}

func TestStoredRoundTrip(t *testing.T) {
	s := testSchema(t)
	original := `{
		"id": 7,
		"title": "Round Trip",
		"rank": 2.25,
		"published": false,
		"payload": "Ym9keQ==",
		"category": "/a/b",
		"extra": {"k": "v"},
		"addr": "10.0.0.1"
	}`
	doc, err := ParseDocument(s, []byte(original))
	require.NoError(t, err)

	serialized, err := SerializeDocument(s, doc, nil)
	require.NoError(t, err)
	reparsed, err := ParseStoredDocument(s, serialized)
	require.NoError(t, err)

	for _, field := range []string{"id", "title", "rank", "published", "payload", "category", "addr"} {
		originalValue, ok := doc.Get(field)
		require.True(t, ok, field)
		reparsedValue, ok := reparsed.Get(field)
		require.True(t, ok, field)
		assert.Equal(t, originalValue.Type, reparsedValue.Type, field)
		assert.Equal(t, originalValue.Str, reparsedValue.Str, field)
		assert.Equal(t, originalValue.I64, reparsedValue.I64, field)
		assert.Equal(t, originalValue.F64, reparsedValue.F64, field)
		assert.Equal(t, originalValue.Bool, reparsedValue.Bool, field)
		assert.Equal(t, originalValue.Bytes, reparsedValue.Bytes, field)
	}
}

func TestSerializeMultiFields(t *testing.T) {
	s := testSchema(t)
	doc, err := ParseDocument(s, []byte(`{"tags": "solo", "title": "x"}`))
	require.NoError(t, err)

	rendered, err := SerializeDocument(s, doc, map[string]bool{"tags": true})
	require.NoError(t, err)
	var obj map[string]any
	require.NoError(t, json.Unmarshal(rendered, &obj))
	_, isArray := obj["tags"].([]any)
	assert.True(t, isArray, "multi fields render as arrays even with one value")
	_, isArray = obj["title"].([]any)
	assert.False(t, isArray)
}

func enrichmentSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := NewSchema([]FieldDef{
		{Name: "type", Type: TypeText, Tokenizer: "keyword", Stored: true},
		{Name: "updated_at", Type: TypeI64, Stored: true, Fast: true},
		{Name: "page_rank", Type: TypeF64, Stored: true},
		{Name: "quantized_page_rank", Type: TypeI64, Stored: true, Fast: true},
		{Name: "custom_score", Type: TypeF64, Stored: true, Fast: true},
	})
	require.NoError(t, err)
	return s
}

func TestEnrichmentRules(t *testing.T) {
	s := enrichmentSchema(t)
	previous := nowFunc
	nowFunc = func() int64 { return 1700000000 }
	defer func() { nowFunc = previous }()

	doc, err := ParseDocument(s, []byte(`{"type": "book-chapter", "page_rank": 3.0}`))
	require.NoError(t, err)

	updated, ok := doc.Get("updated_at")
	require.True(t, ok)
	assert.Equal(t, int64(1700000000), updated.I64)

	quantized, ok := doc.Get("quantized_page_rank")
	require.True(t, ok)
	assert.Equal(t, QuantizePageRank(3.0), quantized.I64)

	score, ok := doc.Get("custom_score")
	require.True(t, ok)
	assert.Equal(t, 0.85, score.F64)
}

func TestEnrichmentDefaultCustomScore(t *testing.T) {
	s := enrichmentSchema(t)
	doc, err := ParseDocument(s, []byte(`{"type": "article"}`))
	require.NoError(t, err)
	score, ok := doc.Get("custom_score")
	require.True(t, ok)
	assert.Equal(t, 1.0, score.F64)

	// An explicit custom_score is never overwritten.
	doc, err = ParseDocument(s, []byte(`{"custom_score": 0.5}`))
	require.NoError(t, err)
	score, _ = doc.Get("custom_score")
	assert.Equal(t, 0.5, score.F64)
}

func TestQuantizePageRank(t *testing.T) {
	assert.Equal(t, int64(0), QuantizePageRank(0))
	assert.Equal(t, int64(0), QuantizePageRank(-5))
	assert.Equal(t, int64(16), QuantizePageRank(1))
	assert.Less(t, QuantizePageRank(1), QuantizePageRank(10))
	assert.Less(t, QuantizePageRank(10), QuantizePageRank(100))
}
