package index

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Merge combines the given segments into one, dropping tombstoned documents
// and recompressing the doc store. The optional attribute blob is attached
// to the merged segment's meta. Passing a single segment id is a valid way
// to expunge deletes.
func (w *Writer) Merge(segmentIDs []string, attributes map[string]any) (*SegmentMeta, error) {
	w.commitMu.Lock()
	defer w.commitMu.Unlock()

	if len(segmentIDs) == 0 {
		return nil, fmt.Errorf("merge requires at least one segment")
	}

	meta := w.idx.Meta()
	sources := make([]*SegmentReader, 0, len(segmentIDs))
	for _, id := range segmentIDs {
		segMeta, ok := meta.Segment(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSegment, id)
		}
		reader, err := openSegmentReader(w.idx.dir, meta.Schema, segMeta, w.idx.storeCache)
		if err != nil {
			return nil, err
		}
		sources = append(sources, reader)
	}

	w.logger.Info("merging segments", zap.Strings("segments", segmentIDs))

	merged, err := w.mergeSources(meta, sources, attributes)
	if err != nil {
		return nil, err
	}

	drop := make(map[string]bool, len(segmentIDs))
	for _, id := range segmentIDs {
		drop[id] = true
	}
	kept := meta.Segments[:0]
	for _, segMeta := range meta.Segments {
		if !drop[segMeta.ID] {
			kept = append(kept, segMeta)
		}
	}
	meta.Segments = kept
	if merged != nil {
		meta.Segments = append(meta.Segments, *merged)
	}
	meta.Generation++
	if err := SaveMeta(w.idx.dir, meta); err != nil {
		return nil, err
	}
	w.idx.replaceMeta(meta)

	for id := range drop {
		w.deleteSegmentFiles(id)
	}
	w.logger.Info("merged segments", zap.Strings("segments", segmentIDs))
	return merged, nil
}

func (w *Writer) mergeSources(meta *Meta, sources []*SegmentReader, attributes map[string]any) (*SegmentMeta, error) {
	// Remap live documents to contiguous ids across sources in order.
	remaps := make([][]int64, len(sources))
	next := uint32(0)
	for s, source := range sources {
		remap := make([]int64, source.NumDocs())
		for docID := uint32(0); docID < source.NumDocs(); docID++ {
			if source.IsDeleted(docID) {
				remap[docID] = -1
				continue
			}
			remap[docID] = int64(next)
			next++
		}
		remaps[s] = remap
	}
	if next == 0 {
		return nil, nil
	}

	builder := newSegmentBuilder(meta.Schema, w.idx.opts.DocStoreCompressThreads)

	// Stored documents and fast columns are copied in remap order.
	for s, source := range sources {
		fastColumns := make(map[string][]uint64)
		for name := range builder.fast {
			column, err := source.FastColumn(name)
			if err != nil {
				return nil, err
			}
			fastColumns[name] = column
		}
		for docID := uint32(0); docID < source.NumDocs(); docID++ {
			if remaps[s][docID] < 0 {
				continue
			}
			raw, err := source.RawStoredDocument(docID)
			if err != nil {
				return nil, err
			}
			builder.storedDocs = append(builder.storedDocs, raw)
			for name, column := range fastColumns {
				var bits uint64
				if int(docID) < len(column) {
					bits = column[docID]
				}
				builder.fast[name] = append(builder.fast[name], bits)
			}
		}
	}

	// K-way term merge: gather each source's sorted dictionary, then group
	// equal terms and concatenate their remapped postings.
	type sourceTerm struct {
		source int
		entry  termEntry
	}
	var all []sourceTerm
	for s, source := range sources {
		if err := source.LoadTerms(); err != nil {
			return nil, err
		}
		for _, entry := range source.terms {
			all = append(all, sourceTerm{source: s, entry: entry})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].entry.field != all[j].entry.field {
			return all[i].entry.field < all[j].entry.field
		}
		if cmp := bytes.Compare(all[i].entry.key, all[j].entry.key); cmp != 0 {
			return cmp < 0
		}
		return all[i].source < all[j].source
	})

	for start := 0; start < len(all); {
		end := start + 1
		for end < len(all) &&
			all[end].entry.field == all[start].entry.field &&
			bytes.Equal(all[end].entry.key, all[start].entry.key) {
			end++
		}

		var entries []postingEntry
		for _, st := range all[start:end] {
			postings, err := sources[st.source].decodePostings(st.entry)
			if err != nil {
				return nil, err
			}
			for postings.Next() {
				newID := remaps[st.source][postings.DocID()]
				if newID < 0 {
					continue
				}
				entries = append(entries, postingEntry{
					docID:     uint32(newID),
					freq:      postings.Freq(),
					positions: append([]uint32(nil), postings.Positions()...),
				})
			}
		}
		if len(entries) > 0 {
			term := Term{Field: all[start].entry.field, Key: append([]byte(nil), all[start].entry.key...)}
			builder.addTerm(term, entries)
		}
		start = end
	}

	id := uuid.NewString()
	if err := builder.write(w.idx.dir, id); err != nil {
		return nil, err
	}
	return &SegmentMeta{ID: id, NumDocs: next, Attributes: attributes}, nil
}

func (w *Writer) deleteSegmentFiles(id string) {
	for _, path := range append(segmentFiles(id), id+delSuffix) {
		if err := w.idx.dir.Delete(path); err != nil {
			continue
		}
	}
}
