package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRoundTrip(t *testing.T) {
	cfg := Default()
	rendered, err := cfg.Marshal()
	require.NoError(t, err)

	parsed, err := Parse(rendered)
	require.NoError(t, err)
	assert.Equal(t, cfg.HTTPAddr, parsed.HTTPAddr)
	assert.Equal(t, cfg.Core.WriterHeapSizeBytes, parsed.Core.WriterHeapSizeBytes)
}

func TestParseFullConfig(t *testing.T) {
	parsed, err := Parse([]byte(`
data_path: /var/lib/summa
http_addr: 0.0.0.0:8082
core:
  writer_threads:
    n: 8
  autocommit_interval_ms: 5000
  aliases:
    books: books_v2
  indices:
    books_v2:
      file:
        path: /var/lib/summa/books_v2
    covers:
      remote:
        method: GET
        url_template: "https://store/{file_name}"
        headers_template:
          - name: range
            value: "bytes={start}-{end}"
        chunked_cache_config:
          chunk_size_bytes: 65536
          cache_size_bytes: 262144
        hotcache: true
consumers:
  books_feed:
    index_name: books_v2
    bootstrap_servers: ["kafka-0:9092"]
    group_id: summa
    topics: [books]
    session_timeout_ms: 30000
`))
	require.NoError(t, err)
	assert.Equal(t, 8, parsed.Core.WriterThreads.Count())
	require.NotNil(t, parsed.Core.AutocommitIntervalMs)
	assert.Equal(t, uint64(5000), *parsed.Core.AutocommitIntervalMs)

	books := parsed.Core.Indices["books_v2"]
	require.NotNil(t, books.File)
	assert.False(t, books.ReadOnly())

	covers := parsed.Core.Indices["covers"]
	require.NotNil(t, covers.Remote)
	assert.True(t, covers.ReadOnly())
	require.NotNil(t, covers.Remote.ChunkedCacheConfig)
	assert.Equal(t, int64(65536), covers.Remote.ChunkedCacheConfig.ChunkSizeBytes)
}

func TestValidateRejectsDanglingAlias(t *testing.T) {
	_, err := Parse([]byte(`
core:
  aliases:
    books: missing_index
`))
	assert.ErrorIs(t, err, ErrAliasedIndex)
}

func TestValidateRejectsConsumerForUnknownIndex(t *testing.T) {
	_, err := Parse([]byte(`
consumers:
  feed:
    index_name: nope
    bootstrap_servers: ["k:9092"]
    group_id: g
    topics: [t]
`))
	require.Error(t, err)
}

func TestEngineConfigValidation(t *testing.T) {
	empty := IndexEngineConfig{}
	assert.ErrorIs(t, empty.Validate(), ErrUnknownEngine)

	both := IndexEngineConfig{
		File:   &FileEngineConfig{Path: "x"},
		Memory: &MemoryEngineConfig{},
	}
	assert.ErrorIs(t, both.Validate(), ErrUnknownEngine)

	remoteNoURL := IndexEngineConfig{Remote: &RemoteEngineConfig{}}
	assert.Error(t, remoteNoURL.Validate())
}

func TestWriterThreadsVariants(t *testing.T) {
	assert.Equal(t, 4, (*WriterThreads)(nil).Count(), "default")
	assert.Equal(t, 0, (&WriterThreads{SameThread: true}).Count())
	assert.Equal(t, 2, (&WriterThreads{N: 2}).Count())
}

func TestSaveAndLoad(t *testing.T) {
	cfg := Default()
	path := filepath.Join(t.TempDir(), "summa.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.DataPath, loaded.DataPath)
}
