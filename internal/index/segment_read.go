package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/summa-search/summa/internal/directory"
	"github.com/summa-search/summa/internal/schema"
)

// termEntry is one parsed term-dictionary entry.
type termEntry struct {
	field      string
	key        []byte
	postOffset uint64
	postLength uint32
	docFreq    uint32
}

// storeBlock locates one compressed doc-store block.
type storeBlock struct {
	offset   uint64
	length   uint64
	firstDoc uint32
	docCount uint32
}

type storeBlockKey struct {
	segment string
	block   int
}

// SegmentReader serves reads of one immutable segment. The term dictionary
// is loaded fully on first use; postings, fast columns and store blocks are
// read lazily through the directory.
type SegmentReader struct {
	Meta   SegmentMeta
	schema *schema.Schema
	dir    directory.Directory

	termsOnce sync.Once
	termsErr  error
	terms     []termEntry
	fieldSpan map[string][2]int

	storeOnce   sync.Once
	storeErr    error
	storeBlocks []storeBlock
	storeCache  *lru.Cache[storeBlockKey, [][]byte]

	fastOnce sync.Once
	fastErr  error
	fastDirs map[string][2]uint64 // field → (offset, length)
	fastMu   sync.Mutex
	fastCols map[string][]uint64

	deleted []byte
}

var storeDecoder, _ = zstd.NewReader(nil)

// openSegmentReader loads the segment's tombstones and prepares lazy access
// to the rest.
func openSegmentReader(dir directory.Directory, s *schema.Schema, meta SegmentMeta, storeCache *lru.Cache[storeBlockKey, [][]byte]) (*SegmentReader, error) {
	reader := &SegmentReader{
		Meta:       meta,
		schema:     s,
		dir:        dir,
		storeCache: storeCache,
		fastCols:   make(map[string][]uint64),
	}
	if meta.NumDeleted > 0 {
		bitmap, err := dir.AtomicRead(meta.ID + delSuffix)
		if err != nil {
			return nil, fmt.Errorf("read tombstones of %s: %w", meta.ID, err)
		}
		reader.deleted = bitmap
	}
	return reader, nil
}

// NumDocs returns the segment's total document count including deleted
// documents.
func (r *SegmentReader) NumDocs() uint32 { return r.Meta.NumDocs }

// IsDeleted reports whether the document carries a tombstone.
func (r *SegmentReader) IsDeleted(docID uint32) bool {
	if r.deleted == nil {
		return false
	}
	byteIndex := int(docID / 8)
	if byteIndex >= len(r.deleted) {
		return false
	}
	return r.deleted[byteIndex]&(1<<(docID%8)) != 0
}

// OpenSegment opens a reader over one segment through an arbitrary
// directory. Used for hotcache building and external inspection; readers
// serving queries come from Index.NewReader.
func OpenSegment(dir directory.Directory, s *schema.Schema, meta SegmentMeta) (*SegmentReader, error) {
	return openSegmentReader(dir, s, meta, nil)
}

// PrimeHeaders loads the fast-column and doc-store directories so their
// reads land in a recording wrapper.
func (r *SegmentReader) PrimeHeaders() error {
	r.fastOnce.Do(func() { r.fastErr = r.loadFastDirectory() })
	if r.fastErr != nil {
		return r.fastErr
	}
	r.storeOnce.Do(func() { r.storeErr = r.loadStoreDirectory() })
	return r.storeErr
}

// LoadTerms forces the term dictionary into memory. Warm-up calls this for
// every segment so that the first query pays no dictionary latency.
func (r *SegmentReader) LoadTerms() error {
	r.termsOnce.Do(func() { r.termsErr = r.loadTerms() })
	return r.termsErr
}

func (r *SegmentReader) loadTerms() error {
	handle, err := r.dir.OpenRead(r.Meta.ID + termsSuffix)
	if err != nil {
		return fmt.Errorf("open term dictionary of %s: %w", r.Meta.ID, err)
	}
	defer handle.Close()
	data, err := handle.ReadBytes(0, handle.Len())
	if err != nil {
		return fmt.Errorf("read term dictionary of %s: %w", r.Meta.ID, err)
	}

	if len(data) < 4 {
		return fmt.Errorf("term dictionary of %s too short", r.Meta.ID)
	}
	count := binary.LittleEndian.Uint32(data[:4])
	pos := 4
	r.terms = make([]termEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if pos+2 > len(data) {
			return fmt.Errorf("term dictionary of %s truncated", r.Meta.ID)
		}
		fieldLen := int(binary.LittleEndian.Uint16(data[pos:]))
		pos += 2
		field := string(data[pos : pos+fieldLen])
		pos += fieldLen
		keyLen := int(binary.LittleEndian.Uint16(data[pos:]))
		pos += 2
		key := data[pos : pos+keyLen]
		pos += keyLen
		entry := termEntry{
			field:      field,
			key:        key,
			postOffset: binary.LittleEndian.Uint64(data[pos:]),
			postLength: binary.LittleEndian.Uint32(data[pos+8:]),
			docFreq:    binary.LittleEndian.Uint32(data[pos+12:]),
		}
		pos += 16
		r.terms = append(r.terms, entry)
	}

	r.fieldSpan = make(map[string][2]int)
	for i, entry := range r.terms {
		span, ok := r.fieldSpan[entry.field]
		if !ok {
			span = [2]int{i, i + 1}
		} else {
			span[1] = i + 1
		}
		r.fieldSpan[entry.field] = span
	}
	return nil
}

// findTerm returns the dictionary entry for the term.
func (r *SegmentReader) findTerm(term Term) (termEntry, bool, error) {
	if err := r.LoadTerms(); err != nil {
		return termEntry{}, false, err
	}
	span, ok := r.fieldSpan[term.Field]
	if !ok {
		return termEntry{}, false, nil
	}
	entries := r.terms[span[0]:span[1]]
	i := sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].key, term.Key) >= 0
	})
	if i < len(entries) && bytes.Equal(entries[i].key, term.Key) {
		return entries[i], true, nil
	}
	return termEntry{}, false, nil
}

// DocFreq returns the number of documents containing the term, tombstones
// included.
func (r *SegmentReader) DocFreq(term Term) (uint32, error) {
	entry, ok, err := r.findTerm(term)
	if err != nil || !ok {
		return 0, err
	}
	return entry.docFreq, nil
}

// Postings returns an iterator over the term's postings, or ok=false when
// the term is absent.
func (r *SegmentReader) Postings(term Term) (*PostingsIterator, bool, error) {
	entry, ok, err := r.findTerm(term)
	if err != nil || !ok {
		return nil, false, err
	}
	it, err := r.decodePostings(entry)
	if err != nil {
		return nil, false, err
	}
	return it, true, nil
}

func (r *SegmentReader) decodePostings(entry termEntry) (*PostingsIterator, error) {
	handle, err := r.dir.OpenRead(r.Meta.ID + postSuffix)
	if err != nil {
		return nil, fmt.Errorf("open postings of %s: %w", r.Meta.ID, err)
	}
	defer handle.Close()
	data, err := handle.ReadBytes(int64(entry.postOffset), int64(entry.postOffset)+int64(entry.postLength))
	if err != nil {
		return nil, fmt.Errorf("read postings of %s: %w", r.Meta.ID, err)
	}

	docIDs := make([]uint32, 0, entry.docFreq)
	freqs := make([]uint32, 0, entry.docFreq)
	positions := make([][]uint32, 0, entry.docFreq)
	pos := 0
	prevDoc := uint32(0)
	for i := uint32(0); i < entry.docFreq; i++ {
		delta, n := binary.Uvarint(data[pos:])
		if n <= 0 {
			return nil, fmt.Errorf("postings of %s corrupt", r.Meta.ID)
		}
		pos += n
		docID := prevDoc + uint32(delta)
		if i == 0 {
			docID = uint32(delta)
		}
		prevDoc = docID

		freq, n := binary.Uvarint(data[pos:])
		if n <= 0 {
			return nil, fmt.Errorf("postings of %s corrupt", r.Meta.ID)
		}
		pos += n
		posCount, n := binary.Uvarint(data[pos:])
		if n <= 0 {
			return nil, fmt.Errorf("postings of %s corrupt", r.Meta.ID)
		}
		pos += n
		var termPositions []uint32
		prevPos := uint32(0)
		for j := uint64(0); j < posCount; j++ {
			posDelta, n := binary.Uvarint(data[pos:])
			if n <= 0 {
				return nil, fmt.Errorf("postings of %s corrupt", r.Meta.ID)
			}
			pos += n
			p := prevPos + uint32(posDelta)
			if j == 0 {
				p = uint32(posDelta)
			}
			prevPos = p
			termPositions = append(termPositions, p)
		}
		docIDs = append(docIDs, docID)
		freqs = append(freqs, freq32(freq))
		positions = append(positions, termPositions)
	}
	return NewPostingsIterator(docIDs, freqs, positions), nil
}

func freq32(v uint64) uint32 {
	if v > 1<<31 {
		return 1 << 31
	}
	return uint32(v)
}

// TermsOfField iterates the dictionary entries of a field in key order.
// Each visit receives the term key and its doc frequency; returning false
// stops the scan.
func (r *SegmentReader) TermsOfField(field string, visit func(key []byte, docFreq uint32) bool) error {
	if err := r.LoadTerms(); err != nil {
		return err
	}
	span, ok := r.fieldSpan[field]
	if !ok {
		return nil
	}
	for _, entry := range r.terms[span[0]:span[1]] {
		if !visit(entry.key, entry.docFreq) {
			return nil
		}
	}
	return nil
}

// TermRange iterates entries of a field whose keys fall in the given
// bounds. Nil bounds are unbounded.
func (r *SegmentReader) TermRange(field string, low, high []byte, includeLow, includeHigh bool, visit func(key []byte) bool) error {
	if err := r.LoadTerms(); err != nil {
		return err
	}
	span, ok := r.fieldSpan[field]
	if !ok {
		return nil
	}
	for _, entry := range r.terms[span[0]:span[1]] {
		if low != nil {
			cmp := bytes.Compare(entry.key, low)
			if cmp < 0 || (cmp == 0 && !includeLow) {
				continue
			}
		}
		if high != nil {
			cmp := bytes.Compare(entry.key, high)
			if cmp > 0 || (cmp == 0 && !includeHigh) {
				break
			}
		}
		if !visit(entry.key) {
			return nil
		}
	}
	return nil
}

// FastColumn returns the raw 8-byte-per-document column of a fast field.
func (r *SegmentReader) FastColumn(field string) ([]uint64, error) {
	def, ok := r.schema.Field(field)
	if !ok {
		return nil, fmt.Errorf("%w: %q", schema.ErrUnknownField, field)
	}
	if !def.Fast {
		return nil, fmt.Errorf("%w: %q", schema.ErrNotFast, field)
	}

	r.fastOnce.Do(func() { r.fastErr = r.loadFastDirectory() })
	if r.fastErr != nil {
		return nil, r.fastErr
	}

	r.fastMu.Lock()
	if column, ok := r.fastCols[field]; ok {
		r.fastMu.Unlock()
		return column, nil
	}
	r.fastMu.Unlock()

	span, ok := r.fastDirs[field]
	if !ok {
		// Fast field added to the schema after this segment was written.
		return make([]uint64, r.Meta.NumDocs), nil
	}
	handle, err := r.dir.OpenRead(r.Meta.ID + fastSuffix)
	if err != nil {
		return nil, fmt.Errorf("open fast columns of %s: %w", r.Meta.ID, err)
	}
	defer handle.Close()
	data, err := handle.ReadBytes(int64(span[0]), int64(span[0]+span[1]))
	if err != nil {
		return nil, fmt.Errorf("read fast column %q of %s: %w", field, r.Meta.ID, err)
	}
	column := make([]uint64, len(data)/8)
	for i := range column {
		column[i] = binary.LittleEndian.Uint64(data[i*8:])
	}

	r.fastMu.Lock()
	r.fastCols[field] = column
	r.fastMu.Unlock()
	return column, nil
}

func (r *SegmentReader) loadFastDirectory() error {
	handle, err := r.dir.OpenRead(r.Meta.ID + fastSuffix)
	if err != nil {
		return fmt.Errorf("open fast columns of %s: %w", r.Meta.ID, err)
	}
	defer handle.Close()
	lenBytes, err := handle.ReadBytes(0, 8)
	if err != nil {
		return fmt.Errorf("read fast header length of %s: %w", r.Meta.ID, err)
	}
	headerLen := int64(binary.LittleEndian.Uint64(lenBytes))
	header, err := handle.ReadBytes(8, 8+headerLen)
	if err != nil {
		return fmt.Errorf("read fast header of %s: %w", r.Meta.ID, err)
	}

	count := int(binary.LittleEndian.Uint16(header[:2]))
	pos := 2
	r.fastDirs = make(map[string][2]uint64, count)
	for i := 0; i < count; i++ {
		nameLen := int(binary.LittleEndian.Uint16(header[pos:]))
		pos += 2
		name := string(header[pos : pos+nameLen])
		pos += nameLen
		offset := binary.LittleEndian.Uint64(header[pos:])
		length := binary.LittleEndian.Uint64(header[pos+8:])
		pos += 16
		r.fastDirs[name] = [2]uint64{offset, length}
	}
	return nil
}

// StoredDocument fetches and parses the stored fields of a document.
func (r *SegmentReader) StoredDocument(docID uint32) (*schema.Document, error) {
	raw, err := r.RawStoredDocument(docID)
	if err != nil {
		return nil, err
	}
	return schema.ParseStoredDocument(r.schema, raw)
}

// RawStoredDocument fetches the stored JSON bytes of a document.
func (r *SegmentReader) RawStoredDocument(docID uint32) ([]byte, error) {
	r.storeOnce.Do(func() { r.storeErr = r.loadStoreDirectory() })
	if r.storeErr != nil {
		return nil, r.storeErr
	}
	if docID >= r.Meta.NumDocs {
		return nil, fmt.Errorf("doc %d out of range in segment %s", docID, r.Meta.ID)
	}

	blockIndex := sort.Search(len(r.storeBlocks), func(i int) bool {
		return r.storeBlocks[i].firstDoc+r.storeBlocks[i].docCount > docID
	})
	if blockIndex == len(r.storeBlocks) {
		return nil, fmt.Errorf("doc %d beyond store blocks in segment %s", docID, r.Meta.ID)
	}
	block := r.storeBlocks[blockIndex]

	docs, err := r.storeBlockDocs(blockIndex, block)
	if err != nil {
		return nil, err
	}
	return docs[docID-block.firstDoc], nil
}

func (r *SegmentReader) storeBlockDocs(blockIndex int, block storeBlock) ([][]byte, error) {
	cacheKey := storeBlockKey{segment: r.Meta.ID, block: blockIndex}
	if r.storeCache != nil {
		if docs, ok := r.storeCache.Get(cacheKey); ok {
			return docs, nil
		}
	}

	handle, err := r.dir.OpenRead(r.Meta.ID + storeSuffix)
	if err != nil {
		return nil, fmt.Errorf("open doc store of %s: %w", r.Meta.ID, err)
	}
	defer handle.Close()
	compressed, err := handle.ReadBytes(int64(block.offset), int64(block.offset+block.length))
	if err != nil {
		return nil, fmt.Errorf("read doc store block of %s: %w", r.Meta.ID, err)
	}
	raw, err := storeDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress doc store block of %s: %w", r.Meta.ID, err)
	}

	docs := make([][]byte, 0, block.docCount)
	pos := 0
	for i := uint32(0); i < block.docCount; i++ {
		if pos+4 > len(raw) {
			return nil, fmt.Errorf("doc store block of %s corrupt", r.Meta.ID)
		}
		docLen := int(binary.LittleEndian.Uint32(raw[pos:]))
		pos += 4
		docs = append(docs, raw[pos:pos+docLen])
		pos += docLen
	}
	if r.storeCache != nil {
		r.storeCache.Add(cacheKey, docs)
	}
	return docs, nil
}

func (r *SegmentReader) loadStoreDirectory() error {
	handle, err := r.dir.OpenRead(r.Meta.ID + storeSuffix)
	if err != nil {
		return fmt.Errorf("open doc store of %s: %w", r.Meta.ID, err)
	}
	defer handle.Close()
	lenBytes, err := handle.ReadBytes(0, 8)
	if err != nil {
		return fmt.Errorf("read doc store header length of %s: %w", r.Meta.ID, err)
	}
	headerLen := int64(binary.LittleEndian.Uint64(lenBytes))
	header, err := handle.ReadBytes(8, 8+headerLen)
	if err != nil {
		return fmt.Errorf("read doc store header of %s: %w", r.Meta.ID, err)
	}

	count := int(binary.LittleEndian.Uint32(header[:4]))
	pos := 4
	r.storeBlocks = make([]storeBlock, 0, count)
	for i := 0; i < count; i++ {
		block := storeBlock{
			offset:   binary.LittleEndian.Uint64(header[pos:]),
			length:   binary.LittleEndian.Uint64(header[pos+8:]),
			firstDoc: binary.LittleEndian.Uint32(header[pos+16:]),
			docCount: binary.LittleEndian.Uint32(header[pos+20:]),
		}
		pos += 24
		r.storeBlocks = append(r.storeBlocks, block)
	}
	return nil
}
