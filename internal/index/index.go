package index

import (
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/summa-search/summa/internal/analysis"
	"github.com/summa-search/summa/internal/directory"
	"github.com/summa-search/summa/internal/errkind"
	"github.com/summa-search/summa/internal/schema"
)

var (
	ErrIndexExists  = errkind.New(errkind.AlreadyExists, "index already exists")
	ErrIndexMissing = errkind.New(errkind.NotFound, "index does not exist")
)

// Options tune an opened index.
type Options struct {
	// DocStoreCompressThreads bounds zstd encoder concurrency; 0 uses the
	// encoder default.
	DocStoreCompressThreads int

	// DocStoreCacheNumBlocks sizes the decompressed store-block cache.
	DocStoreCacheNumBlocks int

	Analyzers *analysis.Registry
	Logger    *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.DocStoreCacheNumBlocks <= 0 {
		o.DocStoreCacheNumBlocks = 128
	}
	if o.Analyzers == nil {
		o.Analyzers = analysis.NewRegistry()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Index is one inverted index over a directory.
type Index struct {
	dir       directory.Directory
	opts      Options
	analyzers *analysis.Registry
	logger    *zap.Logger

	metaMu sync.RWMutex
	meta   *Meta

	storeCache *lru.Cache[storeBlockKey, [][]byte]
}

// Exists reports whether the directory holds an index.
func Exists(dir directory.Directory) (bool, error) {
	return dir.Exists(directory.MetaFileName)
}

// Create initialises an empty index in the directory.
func Create(dir directory.Directory, s *schema.Schema, attrs schema.Attributes, opts Options) (*Index, error) {
	exists, err := Exists(dir)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrIndexExists
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if err := attrs.ValidateAgainst(s); err != nil {
		return nil, err
	}
	meta := &Meta{Generation: 1, Schema: s, Attributes: attrs}
	if err := SaveMeta(dir, meta); err != nil {
		return nil, err
	}
	return newIndex(dir, meta, opts)
}

// Open loads an existing index from the directory.
func Open(dir directory.Directory, opts Options) (*Index, error) {
	meta, err := LoadMeta(dir)
	if err != nil {
		if errors.Is(err, ErrMetaMissing) {
			return nil, ErrIndexMissing
		}
		return nil, err
	}
	return newIndex(dir, meta, opts)
}

func newIndex(dir directory.Directory, meta *Meta, opts Options) (*Index, error) {
	opts = opts.withDefaults()
	storeCache, err := lru.New[storeBlockKey, [][]byte](opts.DocStoreCacheNumBlocks)
	if err != nil {
		return nil, fmt.Errorf("create doc store cache: %w", err)
	}
	return &Index{
		dir:        dir,
		opts:       opts,
		analyzers:  opts.Analyzers,
		logger:     opts.Logger,
		meta:       meta,
		storeCache: storeCache,
	}, nil
}

// Directory returns the backing directory.
func (i *Index) Directory() directory.Directory { return i.dir }

// Analyzers returns the analyzer registry used by this index.
func (i *Index) Analyzers() *analysis.Registry { return i.analyzers }

// Schema returns the index schema.
func (i *Index) Schema() *schema.Schema {
	i.metaMu.RLock()
	defer i.metaMu.RUnlock()
	return i.meta.Schema
}

// Attributes returns the index attributes.
func (i *Index) Attributes() schema.Attributes {
	i.metaMu.RLock()
	defer i.metaMu.RUnlock()
	return i.meta.Attributes
}

// Meta returns a copy of the current meta.
func (i *Index) Meta() *Meta {
	i.metaMu.RLock()
	defer i.metaMu.RUnlock()
	return i.meta.Clone()
}

// SetAttributes replaces the index attributes and persists them.
func (i *Index) SetAttributes(attrs schema.Attributes) error {
	i.metaMu.Lock()
	defer i.metaMu.Unlock()
	if err := attrs.ValidateAgainst(i.meta.Schema); err != nil {
		return err
	}
	meta := i.meta.Clone()
	meta.Attributes = attrs
	if err := SaveMeta(i.dir, meta); err != nil {
		return err
	}
	i.meta = meta
	return nil
}

// reloadMeta re-reads meta.json; used after external changes.
func (i *Index) reloadMeta() error {
	meta, err := LoadMeta(i.dir)
	if err != nil {
		return err
	}
	i.metaMu.Lock()
	i.meta = meta
	i.metaMu.Unlock()
	return nil
}

// replaceMeta installs an already-persisted meta.
func (i *Index) replaceMeta(meta *Meta) {
	i.metaMu.Lock()
	i.meta = meta
	i.metaMu.Unlock()
}

func (i *Index) openSegments(meta *Meta) ([]*SegmentReader, error) {
	segments := make([]*SegmentReader, 0, len(meta.Segments))
	for _, segMeta := range meta.Segments {
		reader, err := openSegmentReader(i.dir, meta.Schema, segMeta, i.storeCache)
		if err != nil {
			return nil, err
		}
		segments = append(segments, reader)
	}
	return segments, nil
}

// ReloadPolicy controls when a Reader picks up committed changes.
type ReloadPolicy int

const (
	// ReloadOnCommit reloads the reader whenever the meta file changes.
	ReloadOnCommit ReloadPolicy = iota
	// ReloadManual reloads only on explicit Reload calls.
	ReloadManual
)

// Reader provides point-in-time searchers over the index.
type Reader struct {
	idx *Index

	mu       sync.RWMutex
	searcher *Searcher

	cancelWatch directory.WatchCancel
}

// NewReader opens a reader positioned at the current committed state.
func (i *Index) NewReader(policy ReloadPolicy) (*Reader, error) {
	reader := &Reader{idx: i}
	if err := reader.Reload(); err != nil {
		return nil, err
	}
	if policy == ReloadOnCommit {
		cancel, err := i.dir.Watch(func() {
			if err := reader.Reload(); err != nil {
				i.logger.Warn("reader reload failed", zap.Error(err))
			}
		})
		if err != nil && !errors.Is(err, directory.ErrWatchUnsupported) {
			return nil, err
		}
		reader.cancelWatch = cancel
	}
	return reader, nil
}

// Reload re-reads meta and swaps in fresh segment readers.
func (r *Reader) Reload() error {
	if err := r.idx.reloadMeta(); err != nil {
		return err
	}
	meta := r.idx.Meta()
	segments, err := r.idx.openSegments(meta)
	if err != nil {
		return err
	}
	searcher := &Searcher{
		Segments:   segments,
		Schema:     meta.Schema,
		Attributes: meta.Attributes,
		analyzers:  r.idx.analyzers,
	}
	r.mu.Lock()
	r.searcher = searcher
	r.mu.Unlock()
	return nil
}

// Searcher returns the current point-in-time searcher. Searchers stay valid
// after a reload; they pin the segment set they were created with.
func (r *Reader) Searcher() *Searcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.searcher
}

// Close stops commit-driven reloads.
func (r *Reader) Close() {
	if r.cancelWatch != nil {
		r.cancelWatch()
		r.cancelWatch = nil
	}
}

// Searcher is an immutable snapshot of the index at one generation.
type Searcher struct {
	Segments   []*SegmentReader
	Schema     *schema.Schema
	Attributes schema.Attributes

	analyzers *analysis.Registry
}

// Analyzers exposes the analyzer registry for query-time tokenisation.
func (s *Searcher) Analyzers() *analysis.Registry { return s.analyzers }

// NumDocs returns the number of live documents across segments.
func (s *Searcher) NumDocs() uint64 {
	var total uint64
	for _, segment := range s.Segments {
		total += uint64(segment.Meta.Alive())
	}
	return total
}

// DocFreq sums the term's document frequency across segments; tombstoned
// documents are included, matching the statistics used for scoring.
func (s *Searcher) DocFreq(term Term) (uint64, error) {
	var total uint64
	for _, segment := range s.Segments {
		freq, err := segment.DocFreq(term)
		if err != nil {
			return 0, err
		}
		total += uint64(freq)
	}
	return total, nil
}
