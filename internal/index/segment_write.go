package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/klauspost/compress/zstd"

	"github.com/summa-search/summa/internal/directory"
	"github.com/summa-search/summa/internal/schema"
)

// Segment file suffixes.
const (
	termsSuffix = ".terms"
	postSuffix  = ".post"
	fastSuffix  = ".fast"
	storeSuffix = ".store"
	delSuffix   = ".del"
)

// storeBlockDocs bounds how many documents share one compressed store
// block.
const storeBlockDocs = 128

func segmentFiles(id string) []string {
	return []string{id + termsSuffix, id + postSuffix, id + fastSuffix, id + storeSuffix}
}

// builderTerm is a term with its final postings, doc ids already remapped.
type builderTerm struct {
	term    Term
	entries []postingEntry
}

// segmentBuilder accumulates the final shape of one segment before writing.
// It is fed either from a WriteBuffer flush or from a merge.
type segmentBuilder struct {
	schema          *schema.Schema
	terms           []builderTerm
	storedDocs      [][]byte
	fast            map[string][]uint64
	compressThreads int
}

func newSegmentBuilder(s *schema.Schema, compressThreads int) *segmentBuilder {
	builder := &segmentBuilder{schema: s, fast: make(map[string][]uint64)}
	builder.compressThreads = compressThreads
	for _, field := range s.Fields {
		if field.Fast {
			builder.fast[field.Name] = nil
		}
	}
	return builder
}

// addDocument appends one document's stored bytes and fast values; the
// document's id is its append position.
func (b *segmentBuilder) addDocument(doc *schema.Document) error {
	stored, err := schema.SerializeDocument(b.schema, doc, nil)
	if err != nil {
		return err
	}
	b.storedDocs = append(b.storedDocs, stored)
	for name := range b.fast {
		var bits uint64
		if v, ok := doc.Get(name); ok {
			bits = fastBits(v)
		}
		b.fast[name] = append(b.fast[name], bits)
	}
	return nil
}

func (b *segmentBuilder) addTerm(term Term, entries []postingEntry) {
	b.terms = append(b.terms, builderTerm{term: term, entries: entries})
}

func (b *segmentBuilder) numDocs() uint32 { return uint32(len(b.storedDocs)) }

// write flushes the segment files. The caller owns the segment id and the
// subsequent meta update.
func (b *segmentBuilder) write(dir directory.Directory, id string) error {
	sort.Slice(b.terms, func(i, j int) bool {
		if b.terms[i].term.Field != b.terms[j].term.Field {
			return b.terms[i].term.Field < b.terms[j].term.Field
		}
		return bytes.Compare(b.terms[i].term.Key, b.terms[j].term.Key) < 0
	})

	if err := b.writePostingsAndTerms(dir, id); err != nil {
		return err
	}
	if err := b.writeFast(dir, id); err != nil {
		return err
	}
	if err := b.writeStore(dir, id); err != nil {
		return err
	}
	return nil
}

func (b *segmentBuilder) writePostingsAndTerms(dir directory.Directory, id string) error {
	var postings bytes.Buffer
	var terms bytes.Buffer
	var scratch [binary.MaxVarintLen64]byte

	writeUvarint := func(buf *bytes.Buffer, v uint64) {
		n := binary.PutUvarint(scratch[:], v)
		buf.Write(scratch[:n])
	}

	binaryWriteU32(&terms, uint32(len(b.terms)))
	for _, t := range b.terms {
		entries := t.entries
		sort.Slice(entries, func(i, j int) bool { return entries[i].docID < entries[j].docID })

		offset := uint64(postings.Len())
		prevDoc := uint32(0)
		for i, e := range entries {
			delta := e.docID
			if i > 0 {
				delta = e.docID - prevDoc
			}
			prevDoc = e.docID
			writeUvarint(&postings, uint64(delta))
			writeUvarint(&postings, uint64(e.freq))
			writeUvarint(&postings, uint64(len(e.positions)))
			prevPos := uint32(0)
			for j, p := range e.positions {
				posDelta := p
				if j > 0 {
					posDelta = p - prevPos
				}
				prevPos = p
				writeUvarint(&postings, uint64(posDelta))
			}
		}
		length := uint64(postings.Len()) - offset

		binaryWriteU16(&terms, uint16(len(t.term.Field)))
		terms.WriteString(t.term.Field)
		binaryWriteU16(&terms, uint16(len(t.term.Key)))
		terms.Write(t.term.Key)
		binaryWriteU64(&terms, offset)
		binaryWriteU32(&terms, uint32(length))
		binaryWriteU32(&terms, uint32(len(entries)))
	}

	if err := writeSegmentFile(dir, id+postSuffix, postings.Bytes()); err != nil {
		return err
	}
	return writeSegmentFile(dir, id+termsSuffix, terms.Bytes())
}

func (b *segmentBuilder) writeFast(dir directory.Directory, id string) error {
	names := make([]string, 0, len(b.fast))
	for name := range b.fast {
		names = append(names, name)
	}
	sort.Strings(names)

	var header bytes.Buffer
	binaryWriteU16(&header, uint16(len(names)))
	headerLen := 2
	for _, name := range names {
		headerLen += 2 + len(name) + 16
	}
	dataOffset := uint64(8 + headerLen)

	var data bytes.Buffer
	for _, name := range names {
		column := b.fast[name]
		binaryWriteU16(&header, uint16(len(name)))
		header.WriteString(name)
		binaryWriteU64(&header, dataOffset+uint64(data.Len()))
		binaryWriteU64(&header, uint64(len(column)*8))
		for _, bits := range column {
			binaryWriteU64(&data, bits)
		}
	}

	var file bytes.Buffer
	binaryWriteU64(&file, uint64(header.Len()))
	file.Write(header.Bytes())
	file.Write(data.Bytes())
	return writeSegmentFile(dir, id+fastSuffix, file.Bytes())
}

func (b *segmentBuilder) writeStore(dir directory.Directory, id string) error {
	encoderOpts := []zstd.EOption{}
	if b.compressThreads > 0 {
		encoderOpts = append(encoderOpts, zstd.WithEncoderConcurrency(b.compressThreads))
	}
	encoder, err := zstd.NewWriter(nil, encoderOpts...)
	if err != nil {
		return fmt.Errorf("create store encoder: %w", err)
	}
	defer encoder.Close()

	type blockMeta struct {
		offset   uint64
		length   uint64
		firstDoc uint32
		docCount uint32
	}
	var blocks []blockMeta
	var data bytes.Buffer

	for start := 0; start < len(b.storedDocs); start += storeBlockDocs {
		end := start + storeBlockDocs
		if end > len(b.storedDocs) {
			end = len(b.storedDocs)
		}
		var raw bytes.Buffer
		for _, doc := range b.storedDocs[start:end] {
			binaryWriteU32(&raw, uint32(len(doc)))
			raw.Write(doc)
		}
		compressed := encoder.EncodeAll(raw.Bytes(), nil)
		blocks = append(blocks, blockMeta{
			offset:   uint64(data.Len()),
			length:   uint64(len(compressed)),
			firstDoc: uint32(start),
			docCount: uint32(end - start),
		})
		data.Write(compressed)
	}

	var header bytes.Buffer
	binaryWriteU32(&header, uint32(len(blocks)))
	dataStart := uint64(8 + 4 + len(blocks)*24)
	for _, block := range blocks {
		binaryWriteU64(&header, dataStart+block.offset)
		binaryWriteU64(&header, block.length)
		binaryWriteU32(&header, block.firstDoc)
		binaryWriteU32(&header, block.docCount)
	}

	var file bytes.Buffer
	binaryWriteU64(&file, uint64(header.Len()))
	file.Write(header.Bytes())
	file.Write(data.Bytes())
	return writeSegmentFile(dir, id+storeSuffix, file.Bytes())
}

// writeTombstones replaces the segment's deletion bitmap.
func writeTombstones(dir directory.Directory, id string, deleted []bool) error {
	bitmap := make([]byte, (len(deleted)+7)/8)
	for docID, dead := range deleted {
		if dead {
			bitmap[docID/8] |= 1 << (docID % 8)
		}
	}
	return dir.AtomicWrite(id+delSuffix, bitmap)
}

func writeSegmentFile(dir directory.Directory, path string, data []byte) error {
	w, err := dir.OpenWrite(path)
	if err != nil {
		return fmt.Errorf("open segment file %s: %w", path, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write segment file %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close segment file %s: %w", path, err)
	}
	return nil
}

func binaryWriteU16(buf *bytes.Buffer, v uint16) {
	var scratch [2]byte
	binary.LittleEndian.PutUint16(scratch[:], v)
	buf.Write(scratch[:])
}

func binaryWriteU32(buf *bytes.Buffer, v uint32) {
	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], v)
	buf.Write(scratch[:])
}

func binaryWriteU64(buf *bytes.Buffer, v uint64) {
	var scratch [8]byte
	binary.LittleEndian.PutUint64(scratch[:], v)
	buf.Write(scratch[:])
}
