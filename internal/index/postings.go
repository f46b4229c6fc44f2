package index

// PostingsIterator iterates a decoded postings list in document id order.
type PostingsIterator struct {
	docIDs    []uint32
	freqs     []uint32
	positions [][]uint32
	pos       int
}

// NewPostingsIterator creates an iterator from parallel slices. docIDs must
// be sorted ascending; freqs and positions may be nil.
func NewPostingsIterator(docIDs, freqs []uint32, positions [][]uint32) *PostingsIterator {
	return &PostingsIterator{
		docIDs:    docIDs,
		freqs:     freqs,
		positions: positions,
		pos:       -1,
	}
}

// Next advances to the next document. Returns false when exhausted.
func (it *PostingsIterator) Next() bool {
	it.pos++
	return it.pos < len(it.docIDs)
}

// DocID returns the current document id. Valid only after Next returned
// true.
func (it *PostingsIterator) DocID() uint32 {
	return it.docIDs[it.pos]
}

// Freq returns the term frequency in the current document.
func (it *PostingsIterator) Freq() uint32 {
	if it.freqs == nil || it.pos >= len(it.freqs) {
		return 1
	}
	return it.freqs[it.pos]
}

// Positions returns the in-document token positions of the current posting.
func (it *PostingsIterator) Positions() []uint32 {
	if it.positions == nil || it.pos >= len(it.positions) {
		return nil
	}
	return it.positions[it.pos]
}

// Advance moves to the first document >= target. Returns false if no such
// document exists.
func (it *PostingsIterator) Advance(target uint32) bool {
	if it.pos >= 0 && it.pos < len(it.docIDs) && it.docIDs[it.pos] >= target {
		return true
	}
	for it.pos+1 < len(it.docIDs) {
		it.pos++
		if it.docIDs[it.pos] >= target {
			return true
		}
	}
	it.pos = len(it.docIDs)
	return false
}

// Cost estimates the remaining documents.
func (it *PostingsIterator) Cost() int64 {
	remaining := len(it.docIDs) - it.pos - 1
	if remaining < 0 {
		return 0
	}
	return int64(remaining)
}
