package directory

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultChunkSize = 64 * 1024

// ChunkedCacheConfig configures the chunk cache in front of a slow inner
// directory.
type ChunkedCacheConfig struct {
	ChunkSizeBytes int64 `yaml:"chunk_size_bytes" json:"chunk_size_bytes"`
	CacheSizeBytes int64 `yaml:"cache_size_bytes" json:"cache_size_bytes"`
}

func (c ChunkedCacheConfig) chunkSize() int64 {
	if c.ChunkSizeBytes <= 0 {
		return DefaultChunkSize
	}
	return c.ChunkSizeBytes
}

type chunkKey struct {
	file  uint64
	index int64
}

// ChunkedCachingDirectory wraps an inner directory and splits every file
// into fixed-size immutable chunks held in an LRU cache. A read fetches only
// the missing chunks; concurrent readers of the same chunk trigger at most
// one inner fetch.
type ChunkedCachingDirectory struct {
	inner     Directory
	chunkSize int64
	cache     *lru.Cache[chunkKey, []byte]

	flightMu sync.Mutex
	flights  map[chunkKey]*chunkFlight
}

type chunkFlight struct {
	done chan struct{}
	data []byte
	err  error
}

func NewChunkedCachingDirectory(inner Directory, config ChunkedCacheConfig) (*ChunkedCachingDirectory, error) {
	chunkSize := config.chunkSize()
	entries := int(config.CacheSizeBytes / chunkSize)
	if entries < 1 {
		entries = 1
	}
	cache, err := lru.New[chunkKey, []byte](entries)
	if err != nil {
		return nil, fmt.Errorf("create chunk cache: %w", err)
	}
	return &ChunkedCachingDirectory{
		inner:     inner,
		chunkSize: chunkSize,
		cache:     cache,
		flights:   make(map[chunkKey]*chunkFlight),
	}, nil
}

func (d *ChunkedCachingDirectory) OpenRead(path string) (FileHandle, error) {
	inner, err := d.inner.OpenRead(path)
	if err != nil {
		return nil, err
	}
	return &chunkedHandle{
		dir:   d,
		inner: inner,
		file:  xxhash.Sum64String(path),
	}, nil
}

func (d *ChunkedCachingDirectory) OpenWrite(path string) (io.WriteCloser, error) {
	return d.inner.OpenWrite(path)
}

func (d *ChunkedCachingDirectory) AtomicRead(path string) ([]byte, error) {
	return d.inner.AtomicRead(path)
}

func (d *ChunkedCachingDirectory) AtomicWrite(path string, data []byte) error {
	return d.inner.AtomicWrite(path, data)
}

func (d *ChunkedCachingDirectory) Delete(path string) error         { return d.inner.Delete(path) }
func (d *ChunkedCachingDirectory) Exists(path string) (bool, error) { return d.inner.Exists(path) }
func (d *ChunkedCachingDirectory) List() ([]string, error)          { return d.inner.List() }
func (d *ChunkedCachingDirectory) Sync() error                      { return d.inner.Sync() }

func (d *ChunkedCachingDirectory) Watch(callback func()) (WatchCancel, error) {
	return d.inner.Watch(callback)
}

// fetchChunk returns the chunk's bytes, deduplicating concurrent fetches of
// the same chunk.
func (d *ChunkedCachingDirectory) fetchChunk(ctx context.Context, inner FileHandle, key chunkKey) ([]byte, error) {
	if data, ok := d.cache.Get(key); ok {
		return data, nil
	}

	d.flightMu.Lock()
	if data, ok := d.cache.Get(key); ok {
		d.flightMu.Unlock()
		return data, nil
	}
	if flight, ok := d.flights[key]; ok {
		d.flightMu.Unlock()
		select {
		case <-flight.done:
			return flight.data, flight.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	flight := &chunkFlight{done: make(chan struct{})}
	d.flights[key] = flight
	d.flightMu.Unlock()

	start := key.index * d.chunkSize
	end := start + d.chunkSize
	if length := inner.Len(); end > length {
		end = length
	}
	data, err := inner.ReadBytesCtx(ctx, start, end)

	if err == nil {
		d.cache.Add(key, data)
	}
	flight.data, flight.err = data, err
	close(flight.done)
	d.flightMu.Lock()
	delete(d.flights, key)
	d.flightMu.Unlock()
	return data, err
}

type chunkedHandle struct {
	dir   *ChunkedCachingDirectory
	inner FileHandle
	file  uint64
}

func (h *chunkedHandle) Len() int64 { return h.inner.Len() }

func (h *chunkedHandle) ReadBytes(start, end int64) ([]byte, error) {
	return h.ReadBytesCtx(context.Background(), start, end)
}

func (h *chunkedHandle) ReadBytesCtx(ctx context.Context, start, end int64) ([]byte, error) {
	if err := checkRange(start, end, h.inner.Len()); err != nil {
		return nil, err
	}
	if start == end {
		return []byte{}, nil
	}

	chunkSize := h.dir.chunkSize
	firstChunk := start / chunkSize
	lastChunk := (end - 1) / chunkSize

	out := make([]byte, 0, end-start)
	for index := firstChunk; index <= lastChunk; index++ {
		chunk, err := h.dir.fetchChunk(ctx, h.inner, chunkKey{file: h.file, index: index})
		if err != nil {
			return nil, err
		}
		chunkStart := index * chunkSize
		from := int64(0)
		if start > chunkStart {
			from = start - chunkStart
		}
		to := int64(len(chunk))
		if end < chunkStart+to {
			to = end - chunkStart
		}
		if from > to {
			return nil, fmt.Errorf("%w: chunk %d shorter than requested range", ErrTruncated, index)
		}
		out = append(out, chunk[from:to]...)
	}
	return out, nil
}

func (h *chunkedHandle) Close() error { return h.inner.Close() }
