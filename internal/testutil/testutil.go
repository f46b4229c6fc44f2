// Package testutil provides shared fixtures for engine tests.
package testutil

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/summa-search/summa/internal/analysis"
	"github.com/summa-search/summa/internal/directory"
	"github.com/summa-search/summa/internal/index"
	"github.com/summa-search/summa/internal/schema"
)

// BookSchema mirrors the canonical test schema: numeric id and timestamp
// as fast fields, two tokenised text fields.
func BookSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.NewSchema([]schema.FieldDef{
		{Name: "id", Type: schema.TypeI64, Indexed: true, Stored: true, Fast: true},
		{Name: "title", Type: schema.TypeText, Tokenizer: "summa", Record: schema.RecordPositions, Indexed: true, Stored: true},
		{Name: "body", Type: schema.TypeText, Tokenizer: "summa", Record: schema.RecordPositions, Indexed: true, Stored: true},
		{Name: "issued_at", Type: schema.TypeI64, Indexed: true, Stored: true, Fast: true},
	})
	require.NoError(t, err)
	return s
}

// BookAttributes returns the default-field attributes used with BookSchema.
func BookAttributes() schema.Attributes {
	return schema.Attributes{DefaultFields: []string{"title", "body"}}
}

// NewRAMIndex creates an empty in-memory index over BookSchema.
func NewRAMIndex(t *testing.T, attrs schema.Attributes) *index.Index {
	t.Helper()
	idx, err := index.Create(directory.NewRAMDirectory(), BookSchema(t), attrs, index.Options{
		Analyzers: analysis.NewRegistry(),
	})
	require.NoError(t, err)
	return idx
}

// Doc renders a JSON document from the given fields.
func Doc(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(fields)
	require.NoError(t, err)
	return raw
}

// ParseDoc parses a document against a schema, failing the test on error.
func ParseDoc(t *testing.T, s *schema.Schema, fields map[string]any) *schema.Document {
	t.Helper()
	doc, err := schema.ParseDocument(s, Doc(t, fields))
	require.NoError(t, err)
	return doc
}

// IndexBooks indexes the given documents through a writer and commits.
func IndexBooks(t *testing.T, idx *index.Index, writer *index.Writer, docs []map[string]any) {
	t.Helper()
	for _, fields := range docs {
		_, err := writer.AddDocument(ParseDoc(t, idx.Schema(), fields))
		require.NoError(t, err)
	}
	_, err := writer.Commit("")
	require.NoError(t, err)
}
