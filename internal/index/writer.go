package index

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/summa-search/summa/internal/schema"
)

// Writer limits.
const (
	DefaultWriterHeapSize = 128 * 1024 * 1024
	MaxWriterThreads      = 64
)

var (
	ErrInvalidThreads = errors.New("invalid writer thread count")
	ErrUnknownSegment = errors.New("unknown segment")
)

// WriterConfig selects the writer flavour. Threads == 0 yields the
// single-segment writer: one worker, one segment per commit, no background
// merges. Threads > 0 yields the threaded writer with round-robin workers.
type WriterConfig struct {
	Threads       int
	HeapSizeBytes int64
}

type deleteOp struct {
	term    Term
	opstamp uint64
}

// Writer buffers documents and deletions and turns them into segments at
// commit time. AddDocument and DeleteTerm may be called concurrently;
// Commit, Merge and the merge policy are serialised internally.
type Writer struct {
	idx    *Index
	config WriterConfig
	logger *zap.Logger
	policy MergePolicy
	single bool

	workers []*WriteBuffer
	rr      atomic.Uint64

	delMu   sync.Mutex
	deletes []deleteOp

	opstamp atomic.Uint64

	commitMu sync.Mutex
	merges   sync.WaitGroup
}

// NewWriter creates a writer over the index.
func NewWriter(idx *Index, config WriterConfig) (*Writer, error) {
	if config.Threads < 0 || config.Threads > MaxWriterThreads {
		return nil, fmt.Errorf("%w: %d", ErrInvalidThreads, config.Threads)
	}
	if config.HeapSizeBytes <= 0 {
		config.HeapSizeBytes = DefaultWriterHeapSize
	}
	workerCount := config.Threads
	single := workerCount == 0
	if single {
		workerCount = 1
	}

	w := &Writer{
		idx:    idx,
		config: config,
		logger: idx.logger,
		single: single,
	}
	if !single {
		w.policy = NewFrozenLogMergePolicy()
	}
	for n := 0; n < workerCount; n++ {
		w.workers = append(w.workers, NewWriteBuffer(idx.Schema(), idx.analyzers))
	}
	w.opstamp.Store(idx.Meta().Opstamp)
	return w, nil
}

// Opstamp returns the last assigned operation stamp.
func (w *Writer) Opstamp() uint64 { return w.opstamp.Load() }

// AddDocument buffers a typed document. It becomes searchable after the
// next commit.
func (w *Writer) AddDocument(doc *schema.Document) (uint64, error) {
	opstamp := w.opstamp.Add(1)
	worker := w.workers[w.rr.Add(1)%uint64(len(w.workers))]
	if _, err := worker.AddDocument(doc, opstamp); err != nil {
		return 0, err
	}
	return opstamp, nil
}

// DeleteTerm buffers the deletion of every document containing the term.
// The deletion applies to documents added before this call; later additions
// are unaffected.
func (w *Writer) DeleteTerm(term Term) uint64 {
	opstamp := w.opstamp.Add(1)
	w.delMu.Lock()
	w.deletes = append(w.deletes, deleteOp{term: term, opstamp: opstamp})
	w.delMu.Unlock()
	return opstamp
}

// MemoryUsed sums buffered memory across workers.
func (w *Writer) MemoryUsed() int64 {
	var total int64
	for _, worker := range w.workers {
		total += worker.MemoryUsed()
	}
	return total
}

// Commit makes every buffered addition and deletion durable and visible to
// newly opened readers. The optional payload is attached to the index meta.
func (w *Writer) Commit(payload string) (uint64, error) {
	w.commitMu.Lock()
	defer w.commitMu.Unlock()

	w.delMu.Lock()
	deletes := w.deletes
	w.deletes = nil
	w.delMu.Unlock()

	opstamp := w.opstamp.Load()
	meta := w.idx.Meta()

	w.logger.Info("committing index",
		zap.Uint64("opstamp", opstamp),
		zap.Int("pending_deletes", len(deletes)))

	// Apply deletions to already-committed segments first: every document
	// there predates every buffered delete.
	for i := range meta.Segments {
		if len(deletes) == 0 {
			break
		}
		if err := w.applyDeletes(&meta.Segments[i], deletes); err != nil {
			return 0, err
		}
	}

	for _, worker := range w.workers {
		segMeta, err := w.flushBuffer(worker, deletes)
		if err != nil {
			return 0, err
		}
		if segMeta != nil {
			meta.Segments = append(meta.Segments, *segMeta)
		}
	}

	meta.Generation++
	meta.Opstamp = opstamp
	meta.Payload = payload
	if err := SaveMeta(w.idx.dir, meta); err != nil {
		return 0, err
	}
	w.idx.replaceMeta(meta)
	if err := w.idx.dir.Sync(); err != nil {
		return 0, err
	}

	w.logger.Info("committed index",
		zap.Uint64("generation", meta.Generation),
		zap.Uint64("opstamp", opstamp))

	if w.policy != nil {
		w.considerMerges()
	}
	return opstamp, nil
}

// applyDeletes extends the segment's tombstones with documents matching any
// buffered delete term.
func (w *Writer) applyDeletes(segMeta *SegmentMeta, deletes []deleteOp) error {
	reader, err := openSegmentReader(w.idx.dir, w.idx.Schema(), *segMeta, w.idx.storeCache)
	if err != nil {
		return err
	}
	deleted := make([]bool, segMeta.NumDocs)
	count := uint32(0)
	for docID := uint32(0); docID < segMeta.NumDocs; docID++ {
		if reader.IsDeleted(docID) {
			deleted[docID] = true
			count++
		}
	}

	changed := false
	for _, del := range deletes {
		postings, ok, err := reader.Postings(del.term)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		for postings.Next() {
			if !deleted[postings.DocID()] {
				deleted[postings.DocID()] = true
				count++
				changed = true
			}
		}
	}
	if !changed {
		return nil
	}
	if err := writeTombstones(w.idx.dir, segMeta.ID, deleted); err != nil {
		return err
	}
	segMeta.NumDeleted = count
	return nil
}

// flushBuffer turns one worker's buffer into a segment, dropping buffered
// documents deleted by a later buffered delete.
func (w *Writer) flushBuffer(buf *WriteBuffer, deletes []deleteOp) (*SegmentMeta, error) {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if len(buf.docs) == 0 {
		return nil, nil
	}

	remap := make([]int64, len(buf.docs))
	alive := uint32(0)
	for docID, buffered := range buf.docs {
		remap[docID] = -1
		if docDeleted(buffered, deletes) {
			continue
		}
		remap[docID] = int64(alive)
		alive++
	}
	if alive == 0 {
		buf.resetLocked()
		return nil, nil
	}

	builder := newSegmentBuilder(buf.schema, w.idx.opts.DocStoreCompressThreads)
	for docID, buffered := range buf.docs {
		if remap[docID] < 0 {
			continue
		}
		if err := builder.addDocument(buffered.doc); err != nil {
			return nil, err
		}
	}
	for _, postings := range buf.postings {
		entries := make([]postingEntry, 0, len(postings.entries))
		for _, entry := range postings.entries {
			newID := remap[entry.docID]
			if newID < 0 {
				continue
			}
			entries = append(entries, postingEntry{
				docID:     uint32(newID),
				freq:      entry.freq,
				positions: entry.positions,
			})
		}
		if len(entries) > 0 {
			builder.addTerm(postings.term, entries)
		}
	}

	id := uuid.NewString()
	if err := builder.write(w.idx.dir, id); err != nil {
		return nil, err
	}
	buf.resetLocked()
	w.logger.Debug("flushed segment", zap.String("segment", id), zap.Uint32("docs", alive))
	return &SegmentMeta{ID: id, NumDocs: alive}, nil
}

// docDeleted reports whether a buffered document is deleted by a buffered
// delete issued after it.
func docDeleted(buffered bufferedDoc, deletes []deleteOp) bool {
	for _, del := range deletes {
		if del.opstamp <= buffered.opstamp {
			continue
		}
		for _, value := range buffered.doc.GetAll(del.term.Field) {
			if TermFromValue(del.term.Field, value).Equal(del.term) {
				return true
			}
		}
	}
	return false
}

// considerMerges runs the merge policy and executes candidate merges in the
// background. WaitMergingThreads blocks until they finish.
func (w *Writer) considerMerges() {
	candidates := w.policy.ComputeMergeCandidates(w.idx.Meta().Segments)
	for _, candidate := range candidates {
		ids := candidate
		w.merges.Add(1)
		go func() {
			defer w.merges.Done()
			if _, err := w.Merge(ids, nil); err != nil {
				w.logger.Warn("background merge failed", zap.Strings("segments", ids), zap.Error(err))
			}
		}()
	}
}

// WaitMergingThreads blocks until outstanding background merges complete.
func (w *Writer) WaitMergingThreads() {
	w.merges.Wait()
}

// resetLocked clears the buffer; the caller holds buf.mu.
func (b *WriteBuffer) resetLocked() {
	b.postings = make(map[termKey]*bufferPostings)
	b.docs = nil
	b.memory = 0
}
