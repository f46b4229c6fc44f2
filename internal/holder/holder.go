package holder

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/summa-search/summa/internal/collectors"
	"github.com/summa-search/summa/internal/config"
	"github.com/summa-search/summa/internal/directory"
	"github.com/summa-search/summa/internal/errkind"
	"github.com/summa-search/summa/internal/index"
	"github.com/summa-search/summa/internal/metrics"
	"github.com/summa-search/summa/internal/query"
	"github.com/summa-search/summa/internal/schema"
)

var (
	ErrReadOnlyIndex = errkind.New(errkind.PermissionDenied, "index engine is read-only")
)

// BuildDirectory constructs the directory stack an engine config
// describes: local mmap, in-memory, or remote with optional chunk cache
// and hot-cache overlay.
func BuildDirectory(engine config.IndexEngineConfig, logger *zap.Logger) (directory.Directory, error) {
	if err := engine.Validate(); err != nil {
		return nil, err
	}
	switch {
	case engine.File != nil:
		return directory.OpenMmapDirectory(engine.File.Path)
	case engine.Memory != nil:
		return directory.NewRAMDirectory(), nil
	default:
		generator := directory.NewTemplateRequestGenerator(directory.RemoteConfig{
			Method:          engine.Remote.Method,
			URLTemplate:     engine.Remote.URLTemplate,
			HeadersTemplate: engine.Remote.HeadersTemplate,
		})
		var dir directory.Directory = directory.NewNetworkDirectory(generator, directory.NewHTTPExecutor(logger), logger)
		if engine.Remote.ChunkedCacheConfig != nil {
			cached, err := directory.NewChunkedCachingDirectory(dir, *engine.Remote.ChunkedCacheConfig)
			if err != nil {
				return nil, err
			}
			dir = cached
		}
		if engine.Remote.Hotcache {
			hot, err := directory.OpenHotDirectory(dir)
			if err != nil {
				return nil, err
			}
			dir = hot
		}
		return dir, nil
	}
}

// Holder is the per-index runtime: the index, its reader, writer, parser
// and collector cache.
type Holder struct {
	name   string
	idx    *index.Index
	engine config.IndexEngineConfig
	reader *index.Reader
	logger *zap.Logger

	// writerMu follows the consumer lock discipline: consumers index under
	// the read side; commits, merges and vacuum take the write side.
	writerMu sync.RWMutex
	writer   *WriterHolder

	parserMu sync.RWMutex
	parser   *query.Parser

	cache *collectors.Cache
}

// Options collects the engine-level settings a holder needs.
type Options struct {
	Core   config.Core
	Logger *zap.Logger
}

func (o Options) indexOptions() index.Options {
	return index.Options{
		DocStoreCompressThreads: o.Core.DocStoreCompressThreads,
		DocStoreCacheNumBlocks:  o.Core.DocStoreCacheNumBlocks,
		Logger:                  o.Logger,
	}
}

func (o Options) writerConfig() index.WriterConfig {
	return index.WriterConfig{
		Threads:       o.Core.WriterThreads.Count(),
		HeapSizeBytes: int64(o.Core.WriterHeapSizeBytes),
	}
}

// Create initialises a fresh index under the engine config and returns its
// holder.
func Create(name string, engine config.IndexEngineConfig, s *schema.Schema, attrs schema.Attributes, opts Options) (*Holder, error) {
	dir, err := BuildDirectory(engine, opts.Logger)
	if err != nil {
		return nil, err
	}
	idx, err := index.Create(dir, s, attrs, opts.indexOptions())
	if err != nil {
		return nil, err
	}
	return newHolder(name, idx, engine, opts)
}

// Open loads an existing index under the engine config.
func Open(name string, engine config.IndexEngineConfig, opts Options) (*Holder, error) {
	dir, err := BuildDirectory(engine, opts.Logger)
	if err != nil {
		return nil, err
	}
	idx, err := index.Open(dir, opts.indexOptions())
	if err != nil {
		return nil, err
	}
	return newHolder(name, idx, engine, opts)
}

// newHolder registers tokenizers, builds the parser from the index
// attributes, opens the reader with on-commit reload and, for writable
// engines, the writer holder.
func newHolder(name string, idx *index.Index, engine config.IndexEngineConfig, opts Options) (*Holder, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Holder{
		name:   name,
		idx:    idx,
		engine: engine,
		logger: logger.With(zap.String("index_name", name)),
		cache:  collectors.NewCache(opts.Core.CollectorCache),
	}

	parser, err := buildParser(idx)
	if err != nil {
		return nil, err
	}
	h.parser = parser

	reader, err := idx.NewReader(index.ReloadOnCommit)
	if err != nil {
		return nil, err
	}
	h.reader = reader

	if !engine.ReadOnly() {
		writer, err := NewWriterHolder(name, idx, opts.writerConfig(), logger)
		if err != nil {
			return nil, err
		}
		h.writer = writer
	}
	return h, nil
}

func buildParser(idx *index.Index) (*query.Parser, error) {
	attrs := idx.Attributes()
	return query.NewParser(idx.Schema(), idx.Analyzers(), query.ParserConfig{
		DefaultFields:      attrs.DefaultFields,
		MissingFieldPolicy: query.MissingFieldRemove,
	})
}

// Name returns the index name. Holders hash and compare by name.
func (h *Holder) Name() string { return h.name }

// Index returns the underlying index.
func (h *Holder) Index() *index.Index { return h.idx }

// EngineConfig returns the engine config the holder was built from.
func (h *Holder) EngineConfig() config.IndexEngineConfig { return h.engine }

// Schema returns the index schema.
func (h *Holder) Schema() *schema.Schema { return h.idx.Schema() }

// Parser returns the current query parser.
func (h *Holder) Parser() *query.Parser {
	h.parserMu.RLock()
	defer h.parserMu.RUnlock()
	return h.parser
}

// SetParserConfig swaps the parser, letting tokenizer or default-field
// updates apply without restarting the holder.
func (h *Holder) SetParserConfig(cfg query.ParserConfig) error {
	parser, err := query.NewParser(h.idx.Schema(), h.idx.Analyzers(), cfg)
	if err != nil {
		return err
	}
	h.parserMu.Lock()
	h.parser = parser
	h.parserMu.Unlock()
	return nil
}

// WithWriter runs fn under the writer read lock, the side consumers hold
// while indexing. It fails for read-only engines.
func (h *Holder) WithWriter(fn func(w *WriterHolder) error) error {
	if h.writer == nil {
		return ErrReadOnlyIndex
	}
	h.writerMu.RLock()
	defer h.writerMu.RUnlock()
	return fn(h.writer)
}

// WithWriterExclusive runs fn under the writer write lock, blocking until
// every consumer yields. Commits and merges go through here.
func (h *Holder) WithWriterExclusive(fn func(w *WriterHolder) error) error {
	if h.writer == nil {
		return ErrReadOnlyIndex
	}
	h.writerMu.Lock()
	defer h.writerMu.Unlock()
	return fn(h.writer)
}

// IndexDocument parses and indexes one JSON document.
func (h *Holder) IndexDocument(raw []byte) error {
	doc, err := schema.ParseDocument(h.idx.Schema(), raw)
	if err != nil {
		return err
	}
	return h.WithWriter(func(w *WriterHolder) error {
		return w.IndexDocument(doc)
	})
}

// IndexBulk indexes a batch, counting per-document failures instead of
// aborting. It returns (success, failed).
func (h *Holder) IndexBulk(documents [][]byte) (uint64, uint64) {
	var success, failed uint64
	for _, raw := range documents {
		if err := h.IndexDocument(raw); err != nil {
			failed++
			h.logger.Warn("bulk document rejected", zap.Error(err))
			continue
		}
		success++
	}
	return success, failed
}

// Commit flushes buffered writes under the exclusive lock and reloads the
// reader so the commit is immediately visible to new searches.
func (h *Holder) Commit(payload string) error {
	if err := h.WithWriterExclusive(func(w *WriterHolder) error {
		_, err := w.Commit(payload)
		return err
	}); err != nil {
		return err
	}
	return h.reader.Reload()
}

// Warmup primes the term dictionaries of every segment for the default
// fields, so first queries avoid cold reads. Errors surface to the caller.
func (h *Holder) Warmup(ctx context.Context) error {
	searcher := h.reader.Searcher()
	for _, segment := range searcher.Segments {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := segment.LoadTerms(); err != nil {
			return err
		}
	}
	return nil
}

// Search parses, compiles and executes a query with the given collectors.
// The fingerprint, when non-empty, keys the collector cache.
func (h *Holder) Search(ctx context.Context, alias string, q query.Query, requests []collectors.Request, fingerprint string) ([]collectors.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	metrics.Queries.WithLabelValues(h.name).Inc()
	if alias == "" {
		alias = h.name
	}

	parser := h.Parser()
	searcher := h.reader.Searcher()

	resolved, err := parser.Resolve(q)
	if err != nil {
		return nil, err
	}
	executable, err := parser.Compile(resolved, searcher)
	if err != nil {
		return nil, err
	}

	results, err := h.executeWithCache(alias, searcher, executable, resolved, requests, fingerprint)
	if err != nil {
		return nil, err
	}
	return collectors.Materialize(results, requests)
}

// executeWithCache serves collector requests from the cache where allowed
// and executes the rest in a single pass.
func (h *Holder) executeWithCache(alias string, searcher *index.Searcher, executable *query.Executable, resolved query.Query, requests []collectors.Request, fingerprint string) ([]collectors.IntermediateResult, error) {
	results := make([]collectors.IntermediateResult, len(requests))
	var missIndexes []int
	var missRequests []collectors.Request

	for i, request := range requests {
		if fingerprint == "" || !collectors.IsCachingEnabled(request) {
			missIndexes = append(missIndexes, i)
			missRequests = append(missRequests, request)
			continue
		}
		adjusted := collectors.AdjustRequest(request)
		if cached, ok := h.cache.Get(fingerprint, adjusted, request); ok {
			results[i] = cached
			continue
		}
		missIndexes = append(missIndexes, i)
		missRequests = append(missRequests, adjusted)
	}

	if len(missRequests) > 0 {
		executed, err := collectors.Execute(alias, searcher, executable, resolved, missRequests)
		if err != nil {
			return nil, err
		}
		for j, result := range executed {
			i := missIndexes[j]
			original := requests[i]
			if fingerprint != "" && collectors.IsCachingEnabled(original) {
				h.cache.Put(fingerprint, missRequests[j], result)
				result = collectors.AdjustResult(result, original)
			}
			results[i] = result
		}
	}
	return results, nil
}

// Freeze vacuums every non-frozen segment into one frozen segment and
// rebuilds the hotcache sidecar, yielding the publishable form of the
// index.
func (h *Holder) Freeze() error {
	return h.WithWriterExclusive(func(w *WriterHolder) error {
		if err := w.Vacuum(map[string]any{index.AttrFrozen: true}); err != nil {
			return err
		}
		if err := h.reader.Reload(); err != nil {
			return err
		}
		return w.RebuildHotcache()
	})
}

// Close stops reader reloads.
func (h *Holder) Close() {
	h.reader.Close()
}

// Delete closes the holder and removes the on-disk directory of
// file-backed indices.
func (h *Holder) Delete() error {
	h.Close()
	if h.engine.File != nil {
		if err := os.RemoveAll(h.engine.File.Path); err != nil {
			return fmt.Errorf("delete index directory %s: %w", h.engine.File.Path, err)
		}
		return nil
	}
	if h.engine.Memory != nil {
		files, err := h.idx.Directory().List()
		if err != nil {
			return err
		}
		for _, file := range files {
			if err := h.idx.Directory().Delete(file); err != nil {
				return err
			}
		}
	}
	return nil
}
