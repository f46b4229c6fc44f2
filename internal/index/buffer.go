package index

import (
	"fmt"
	"sync"

	"github.com/summa-search/summa/internal/analysis"
	"github.com/summa-search/summa/internal/schema"
)

// Buffer limits.
const (
	DefaultBufferMemoryLimit = 64 * 1024 * 1024
)

// postingEntry is a single in-buffer posting for a term.
type postingEntry struct {
	docID     uint32
	freq      uint32
	positions []uint32
}

// bufferedDoc keeps what is needed to flush one document: its opstamp for
// delete ordering, its stored fields and its fast values.
type bufferedDoc struct {
	opstamp uint64
	doc     *schema.Document
}

// WriteBuffer accumulates documents before they are flushed into a segment.
// One buffer belongs to one writer worker; its mutex serialises concurrent
// adds and the flush.
type WriteBuffer struct {
	schema    *schema.Schema
	analyzers *analysis.Registry

	mu       sync.Mutex
	postings map[termKey]*bufferPostings
	docs     []bufferedDoc
	memory   int64
}

// termKey is the comparable form of a Term used for map lookups.
type termKey struct {
	field string
	key   string
}

// bufferPostings pairs the original term with its accumulated postings.
type bufferPostings struct {
	term    Term
	entries []postingEntry
}

func NewWriteBuffer(s *schema.Schema, analyzers *analysis.Registry) *WriteBuffer {
	return &WriteBuffer{
		schema:    s,
		analyzers: analyzers,
		postings:  make(map[termKey]*bufferPostings),
	}
}

// AddDocument indexes a typed document into the buffer under the given
// opstamp. It returns the internal doc id within this buffer.
func (b *WriteBuffer) AddDocument(doc *schema.Document, opstamp uint64) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	docID := uint32(len(b.docs))
	b.docs = append(b.docs, bufferedDoc{opstamp: opstamp, doc: doc})

	for _, field := range b.schema.Fields {
		if !field.Indexed {
			continue
		}
		values := doc.GetAll(field.Name)
		if len(values) == 0 {
			continue
		}
		switch field.Type {
		case schema.TypeText:
			if err := b.indexTextField(field, docID, values); err != nil {
				return 0, err
			}
		case schema.TypeJSON:
			// JSON fields are stored only; no terms are indexed for them,
			// so term and exists queries on them match nothing.
		default:
			for _, v := range values {
				b.addPosting(TermFromValue(field.Name, v), docID, 1, nil)
			}
		}
	}
	return docID, nil
}

func (b *WriteBuffer) indexTextField(field schema.FieldDef, docID uint32, values []schema.Value) error {
	withPositions := field.Record == schema.RecordPositions
	for _, v := range values {
		var tokens []analysis.Token
		if v.PreTokenized != nil {
			for _, t := range v.PreTokenized.Tokens {
				tokens = append(tokens, analysis.Token{Term: t.Text, Position: t.Position, StartByte: t.OffsetFrom, EndByte: t.OffsetTo})
			}
		} else {
			analyzer, err := b.analyzers.Get(field.Tokenizer)
			if err != nil {
				return fmt.Errorf("field %q: %w", field.Name, err)
			}
			tokens = analyzer.Analyze(field.Name, v.Str)
		}

		freqs := make(map[string]uint32, len(tokens))
		positions := make(map[string][]uint32, len(tokens))
		for _, token := range tokens {
			freqs[token.Term]++
			if withPositions {
				positions[token.Term] = append(positions[token.Term], uint32(token.Position))
			}
		}
		for term, freq := range freqs {
			b.addPosting(TextTerm(field.Name, term), docID, freq, positions[term])
		}
	}
	return nil
}

func (b *WriteBuffer) addPosting(term Term, docID, freq uint32, positions []uint32) {
	key := termKey{field: term.Field, key: string(term.Key)}
	postings, ok := b.postings[key]
	if !ok {
		postings = &bufferPostings{term: term}
		b.postings[key] = postings
		b.memory += int64(len(term.Field) + len(term.Key))
	}
	postings.entries = append(postings.entries, postingEntry{docID: docID, freq: freq, positions: positions})
	b.memory += int64(16 + 4*len(positions))
}

// NumDocs returns the number of buffered documents.
func (b *WriteBuffer) NumDocs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.docs)
}

// MemoryUsed returns the approximate buffered memory in bytes.
func (b *WriteBuffer) MemoryUsed() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.memory
}

// Reset clears the buffer for reuse after a flush.
func (b *WriteBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.postings = make(map[termKey]*bufferPostings)
	b.docs = nil
	b.memory = 0
}
