package collectors

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// BlockSize is the grid the cache normalises TopDocs windows onto: offsets
// are floored to a block boundary and the cached request spans one block.
const BlockSize uint32 = 100

// CacheConfig sizes the collector cache.
type CacheConfig struct {
	Size          int    `yaml:"size" json:"size"`
	TTLIntervalMs uint64 `yaml:"ttl_interval_ms" json:"ttl_interval_ms"`
}

// Cache holds intermediate collector results keyed by a caller-supplied
// fingerprint and the normalised collector request.
type Cache struct {
	cache *expirable.LRU[uint64, IntermediateResult]
}

func NewCache(config CacheConfig) *Cache {
	ttl := time.Duration(config.TTLIntervalMs) * time.Millisecond
	if config.TTLIntervalMs == 0 {
		ttl = 2 * time.Minute
	}
	size := config.Size
	if size <= 0 {
		size = 512
	}
	return &Cache{cache: expirable.NewLRU[uint64, IntermediateResult](size, nil, ttl)}
}

// IsCachingEnabled reports whether the request may be served from cache:
// reservoir samples never are, and TopDocs windows must lie inside one
// block.
func IsCachingEnabled(request Request) bool {
	switch {
	case request.ReservoirSampling != nil:
		return false
	case request.TopDocs != nil:
		left := request.TopDocs.Offset
		right := left + request.TopDocs.Limit
		blockLeft := left - left%BlockSize
		blockRight := blockLeft + BlockSize
		return blockLeft <= left && right <= blockRight
	default:
		return true
	}
}

// AdjustRequest normalises a TopDocs request onto the block grid so that
// nearby windows share one cache entry.
func AdjustRequest(request Request) Request {
	if request.TopDocs == nil {
		return request
	}
	adjusted := *request.TopDocs
	adjusted.Offset -= adjusted.Offset % BlockSize
	adjusted.Limit = BlockSize
	out := request
	out.TopDocs = &adjusted
	return out
}

// AdjustResult re-slices a cached block result back to the caller's window.
func AdjustResult(result IntermediateResult, request Request) IntermediateResult {
	if result.References == nil || request.TopDocs == nil {
		return result
	}
	refs := result.References.Clone()
	refs.Offset = request.TopDocs.Offset
	refs.Limit = request.TopDocs.Limit
	refs.HasNext = refs.HasNext || uint32(len(refs.ScoredDocAddresses)) > refs.Offset+refs.Limit
	refs.Fields = request.TopDocs.Fields
	refs.ExcludedFields = request.TopDocs.ExcludedFields
	return IntermediateResult{References: refs}
}

func cacheKey(fingerprint string, request Request) uint64 {
	encoded, err := json.Marshal(request)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%+v", request))
	}
	digest := xxhash.New()
	digest.WriteString(fingerprint)
	digest.Write([]byte{0})
	digest.Write(encoded)
	return digest.Sum64()
}

// Get returns the cached result for the normalised request, re-sliced to
// the caller's original request.
func (c *Cache) Get(fingerprint string, adjusted, original Request) (IntermediateResult, bool) {
	result, ok := c.cache.Get(cacheKey(fingerprint, adjusted))
	if !ok {
		return IntermediateResult{}, false
	}
	return AdjustResult(result, original), true
}

// Put stores the result of executing the normalised request.
func (c *Cache) Put(fingerprint string, adjusted Request, result IntermediateResult) {
	c.cache.Add(cacheKey(fingerprint, adjusted), result)
}
