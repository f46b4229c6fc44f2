// Package holder ties the engine together: per-index writer holders with
// primary-key deduplication, the index holder runtime (reader, parser,
// collector cache, warm-up, search) and the consumer-driven updater.
package holder

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/summa-search/summa/internal/directory"
	"github.com/summa-search/summa/internal/errkind"
	"github.com/summa-search/summa/internal/index"
	"github.com/summa-search/summa/internal/metrics"
	"github.com/summa-search/summa/internal/schema"
)

var (
	ErrMissingPrimaryKey     = errkind.New(errkind.InvalidArgument, "document has no primary key value")
	ErrInvalidPrimaryKeyType = errkind.New(errkind.InvalidArgument, "invalid primary key type")
)

// WriterHolder wraps the index writer and maintains the primary-key
// invariant: at most one live document per primary-key value. It does so by
// deleting the key's term before every add.
type WriterHolder struct {
	idx        *index.Index
	writer     *index.Writer
	primaryKey *schema.FieldDef
	indexName  string
	logger     *zap.Logger
}

// NewWriterHolder builds the writer and resolves the primary key from the
// index attributes. Only i64 and text primary keys are supported.
func NewWriterHolder(indexName string, idx *index.Index, config index.WriterConfig, logger *zap.Logger) (*WriterHolder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	writer, err := index.NewWriter(idx, config)
	if err != nil {
		return nil, err
	}
	h := &WriterHolder{
		idx:       idx,
		writer:    writer,
		indexName: indexName,
		logger:    logger.With(zap.String("index_name", indexName)),
	}
	if primaryKey := idx.Attributes().PrimaryKey; primaryKey != "" {
		field, ok := idx.Schema().Field(primaryKey)
		if !ok {
			return nil, fmt.Errorf("primary key: %w: %q", schema.ErrUnknownField, primaryKey)
		}
		if field.Type != schema.TypeI64 && field.Type != schema.TypeText {
			return nil, fmt.Errorf("%w: %q is %s", ErrInvalidPrimaryKeyType, primaryKey, field.Type)
		}
		h.primaryKey = &field
	}
	return h, nil
}

// Index returns the underlying index.
func (h *WriterHolder) Index() *index.Index { return h.idx }

// primaryKeyTerm derives the delete term for a document's primary key.
func (h *WriterHolder) primaryKeyTerm(doc *schema.Document) (index.Term, error) {
	value, ok := doc.Get(h.primaryKey.Name)
	if !ok {
		return index.Term{}, fmt.Errorf("%w: %q", ErrMissingPrimaryKey, h.primaryKey.Name)
	}
	switch value.Type {
	case schema.TypeI64:
		return index.I64Term(h.primaryKey.Name, value.I64), nil
	case schema.TypeText:
		return index.TextTerm(h.primaryKey.Name, value.Str), nil
	default:
		return index.Term{}, fmt.Errorf("%w: %s", ErrInvalidPrimaryKeyType, value.Type)
	}
}

// IndexDocument puts a document into the index, deleting any existing
// document with the same primary key first. The document becomes
// searchable after the next commit.
func (h *WriterHolder) IndexDocument(doc *schema.Document) error {
	if h.primaryKey != nil {
		term, err := h.primaryKeyTerm(doc)
		if err != nil {
			return err
		}
		h.writer.DeleteTerm(term)
	}
	if _, err := h.writer.AddDocument(doc); err != nil {
		metrics.IndexedDocuments.WithLabelValues(h.indexName, "error").Inc()
		return err
	}
	metrics.IndexedDocuments.WithLabelValues(h.indexName, "ok").Inc()
	return nil
}

// AddDocument puts a document without touching existing primary keys; the
// caller vouches for uniqueness.
func (h *WriterHolder) AddDocument(doc *schema.Document) error {
	if _, err := h.writer.AddDocument(doc); err != nil {
		metrics.IndexedDocuments.WithLabelValues(h.indexName, "error").Inc()
		return err
	}
	metrics.IndexedDocuments.WithLabelValues(h.indexName, "ok").Inc()
	return nil
}

// DeleteDocumentByPrimaryKey buffers the deletion of the document carrying
// the value.
func (h *WriterHolder) DeleteDocumentByPrimaryKey(value schema.Value) error {
	if h.primaryKey == nil {
		return fmt.Errorf("%w: index has no primary key", ErrMissingPrimaryKey)
	}
	switch value.Type {
	case schema.TypeI64:
		h.writer.DeleteTerm(index.I64Term(h.primaryKey.Name, value.I64))
	case schema.TypeText:
		h.writer.DeleteTerm(index.TextTerm(h.primaryKey.Name, value.Str))
	default:
		return fmt.Errorf("%w: %s", ErrInvalidPrimaryKeyType, value.Type)
	}
	return nil
}

// Commit makes buffered operations durable, attaching the optional payload
// to the index meta.
func (h *WriterHolder) Commit(payload string) (uint64, error) {
	start := time.Now()
	opstamp, err := h.writer.Commit(payload)
	if err != nil {
		return 0, err
	}
	metrics.CommitSeconds.WithLabelValues(h.indexName).Observe(time.Since(start).Seconds())
	return opstamp, nil
}

// Merge merges the segments into one, attaching the attribute blob to the
// merged segment.
func (h *WriterHolder) Merge(segmentIDs []string, attributes map[string]any) (*index.SegmentMeta, error) {
	return h.writer.Merge(segmentIDs, attributes)
}

// Vacuum merges every non-frozen segment, least-deleted first, attaching
// the attribute blob to the result. Repeating it leaves the same documents
// in one segment: when the result is frozen a second vacuum finds nothing to
// merge, otherwise it rewrites the single remaining segment.
func (h *WriterHolder) Vacuum(attributes map[string]any) error {
	segments := h.idx.Meta().Segments
	candidates := make([]index.SegmentMeta, 0, len(segments))
	for _, segment := range segments {
		if segment.IsFrozen() {
			continue
		}
		candidates = append(candidates, segment)
	}
	if len(candidates) == 0 {
		return nil
	}
	sortSegmentsByDeletes(candidates)

	ids := make([]string, 0, len(candidates))
	for _, segment := range candidates {
		ids = append(ids, segment.ID)
	}
	h.logger.Info("vacuuming index", zap.Strings("segments", ids))
	_, err := h.writer.Merge(ids, attributes)
	return err
}

func sortSegmentsByDeletes(segments []index.SegmentMeta) {
	for i := 1; i < len(segments); i++ {
		for j := i; j > 0 && segments[j].NumDeleted < segments[j-1].NumDeleted; j-- {
			segments[j], segments[j-1] = segments[j-1], segments[j]
		}
	}
}

// WaitMergingThreads blocks until background merges complete.
func (h *WriterHolder) WaitMergingThreads() {
	h.writer.WaitMergingThreads()
}

// RebuildHotcache re-opens the index through a recording directory and
// serialises the recorded reads (term dictionaries, fast and store
// headers) into hotcache.bin. Combined with a frozen vacuum this produces
// the publishable form served by the network directory.
func (h *WriterHolder) RebuildHotcache() error {
	recorder := directory.NewRecordingDirectory(h.idx.Directory())
	meta := h.idx.Meta()
	for _, segMeta := range meta.Segments {
		reader, err := index.OpenSegment(recorder, meta.Schema, segMeta)
		if err != nil {
			return err
		}
		if err := reader.LoadTerms(); err != nil {
			return err
		}
		if err := reader.PrimeHeaders(); err != nil {
			return err
		}
	}
	encoded := directory.EncodeHotcache(recorder.Hotcache())
	if err := h.idx.Directory().AtomicWrite(directory.HotcacheFileName, encoded); err != nil {
		return err
	}
	h.logger.Info("rebuilt hotcache", zap.Int("bytes", len(encoded)))
	return nil
}
