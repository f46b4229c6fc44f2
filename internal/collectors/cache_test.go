package collectors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func topDocsRequest(offset, limit uint32) Request {
	return Request{TopDocs: &TopDocsRequest{Offset: offset, Limit: limit}}
}

func TestIsCachingEnabled(t *testing.T) {
	assert.True(t, IsCachingEnabled(topDocsRequest(0, 10)))
	assert.True(t, IsCachingEnabled(topDocsRequest(90, 10)))
	assert.True(t, IsCachingEnabled(topDocsRequest(100, 100)))
	assert.False(t, IsCachingEnabled(topDocsRequest(95, 10)), "window crossing a block boundary")
	assert.False(t, IsCachingEnabled(Request{ReservoirSampling: &ReservoirSamplingRequest{Limit: 5}}))
	assert.True(t, IsCachingEnabled(Request{Count: &CountRequest{}}))
}

func TestAdjustRequestSnapsToBlockGrid(t *testing.T) {
	adjusted := AdjustRequest(topDocsRequest(130, 20))
	assert.Equal(t, uint32(100), adjusted.TopDocs.Offset)
	assert.Equal(t, BlockSize, adjusted.TopDocs.Limit)

	// Non-TopDocs requests pass through untouched.
	count := Request{Count: &CountRequest{}}
	assert.Equal(t, count, AdjustRequest(count))
}

func TestAdjustResultReslicesBlock(t *testing.T) {
	addresses := make([]ScoredDocAddress, 30)
	for i := range addresses {
		addresses[i] = ScoredDocAddress{Address: DocAddress{DocID: uint32(i)}, Score: float64(100 - i)}
	}
	block := IntermediateResult{References: &PreparedDocumentReferences{
		ScoredDocAddresses: addresses,
		Offset:             0,
		Limit:              BlockSize,
		HasNext:            false,
	}}

	adjusted := AdjustResult(block, topDocsRequest(5, 10))
	refs := adjusted.References
	require.NotNil(t, refs)
	assert.Equal(t, uint32(5), refs.Offset)
	assert.Equal(t, uint32(10), refs.Limit)
	assert.True(t, refs.HasNext, "30 addresses extend past offset 5 + limit 10")
	assert.Len(t, refs.ScoredDocAddresses, 30, "addresses stay whole; slicing happens at materialisation")

	adjusted = AdjustResult(block, topDocsRequest(20, 10))
	assert.False(t, adjusted.References.HasNext)
}

func TestCachePutGet(t *testing.T) {
	cache := NewCache(CacheConfig{Size: 8, TTLIntervalMs: 60_000})
	request := topDocsRequest(3, 4)
	adjusted := AdjustRequest(request)

	_, ok := cache.Get("fp", adjusted, request)
	assert.False(t, ok)

	cache.Put("fp", adjusted, IntermediateResult{References: &PreparedDocumentReferences{
		ScoredDocAddresses: make([]ScoredDocAddress, 10),
		Limit:              BlockSize,
	}})

	result, ok := cache.Get("fp", adjusted, request)
	require.True(t, ok)
	assert.Equal(t, uint32(3), result.References.Offset)
	assert.Equal(t, uint32(4), result.References.Limit)

	// A different fingerprint misses.
	_, ok = cache.Get("other", adjusted, request)
	assert.False(t, ok)
}
