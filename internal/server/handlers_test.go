package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/summa-search/summa/internal/config"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.DataPath = t.TempDir()
	service, err := NewService(cfg, nil)
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewHandler(service, nil).RegisterRoutes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func do(t *testing.T, server *httptest.Server, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, server.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestIndexLifecycleOverHTTP(t *testing.T) {
	server := newTestServer(t)

	createBody := map[string]any{
		"name": "books",
		"fields": []map[string]any{
			{"name": "id", "type": "i64", "indexed": true, "stored": true, "fast": true},
			{"name": "title", "type": "text", "tokenizer": "summa", "record": "position", "indexed": true, "stored": true},
		},
		"attributes": map[string]any{
			"default_fields": []string{"title"},
			"primary_key":    "id",
		},
		"persistent": false,
	}
	resp, _ := do(t, server, http.MethodPost, "/indexes", createBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Duplicate creation conflicts.
	resp, _ = do(t, server, http.MethodPost, "/indexes", createBody)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body := do(t, server, http.MethodPost, "/indexes/books/documents", map[string]any{
		"documents": []map[string]any{
			{"id": 1, "title": "The Crowbar Manual"},
			{"id": 2, "title": "Headcrab Anatomy"},
			{"id": 2, "title": "Headcrab Anatomy, second edition"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), body["success"])
	assert.Equal(t, float64(0), body["failed"])

	resp, _ = do(t, server, http.MethodPost, "/indexes/books/commit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = do(t, server, http.MethodPost, "/search", map[string]any{
		"index_aliases": []string{"books"},
		"query":         map[string]any{"match": map[string]any{"value": "headcrab"}},
		"collectors":    []map[string]any{{"top_docs": map[string]any{"limit": 10}}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	outputs := body["collector_outputs"].([]any)
	topDocs := outputs[0].(map[string]any)["top_docs"].(map[string]any)
	docs := topDocs["scored_documents"].([]any)
	require.Len(t, docs, 1, "primary-key dedup keeps one edition")

	resp, _ = do(t, server, http.MethodGet, "/indexes/books", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, server, http.MethodDelete, "/indexes/books", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, server, http.MethodGet, "/indexes/books", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSearchErrorMapping(t *testing.T) {
	server := newTestServer(t)
	resp, _ := do(t, server, http.MethodPost, "/search", map[string]any{
		"index_aliases": []string{"absent"},
		"query":         map[string]any{"all": map[string]any{}},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
