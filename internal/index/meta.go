package index

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/summa-search/summa/internal/directory"
	"github.com/summa-search/summa/internal/schema"
)

// AttrFrozen marks segments excluded from vacuum-driven merges.
const AttrFrozen = "is_frozen"

var (
	ErrMetaCorrupt = errors.New("index meta failed validation")
	ErrMetaMissing = errors.New("index meta not found")
)

// SegmentMeta describes one immutable segment.
type SegmentMeta struct {
	ID         string         `json:"id"`
	NumDocs    uint32         `json:"num_docs"`
	NumDeleted uint32         `json:"num_deleted"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Alive returns the number of live documents.
func (m *SegmentMeta) Alive() uint32 {
	return m.NumDocs - m.NumDeleted
}

// IsFrozen reads the frozen flag from the attribute blob.
func (m *SegmentMeta) IsFrozen() bool {
	v, ok := m.Attributes[AttrFrozen]
	if !ok {
		return false
	}
	frozen, ok := v.(bool)
	return ok && frozen
}

// Meta is the persisted state of an index: its segments, schema, attributes
// and the last commit payload. It is replaced atomically on every commit.
type Meta struct {
	Generation uint64            `json:"generation"`
	Opstamp    uint64            `json:"opstamp"`
	Segments   []SegmentMeta     `json:"segments"`
	Schema     *schema.Schema    `json:"schema"`
	Attributes schema.Attributes `json:"attributes"`
	Payload    string            `json:"payload,omitempty"`
}

// Clone returns a deep-enough copy for mutation during commit.
func (m *Meta) Clone() *Meta {
	out := *m
	out.Segments = make([]SegmentMeta, len(m.Segments))
	copy(out.Segments, m.Segments)
	for i := range out.Segments {
		if m.Segments[i].Attributes != nil {
			attrs := make(map[string]any, len(m.Segments[i].Attributes))
			for k, v := range m.Segments[i].Attributes {
				attrs[k] = v
			}
			out.Segments[i].Attributes = attrs
		}
	}
	return &out
}

// Segment returns the meta of the segment with the given id.
func (m *Meta) Segment(id string) (SegmentMeta, bool) {
	for _, seg := range m.Segments {
		if seg.ID == id {
			return seg, true
		}
	}
	return SegmentMeta{}, false
}

// LoadMeta reads and validates meta.json from a directory.
func LoadMeta(dir directory.Directory) (*Meta, error) {
	data, err := dir.AtomicRead(directory.MetaFileName)
	if err != nil {
		if errors.Is(err, directory.ErrDoesNotExist) {
			return nil, ErrMetaMissing
		}
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetaCorrupt, err)
	}
	if meta.Schema == nil {
		return nil, fmt.Errorf("%w: missing schema", ErrMetaCorrupt)
	}
	if err := meta.Schema.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetaCorrupt, err)
	}
	meta.Schema.BuildIndex()
	if err := meta.Attributes.ValidateAgainst(meta.Schema); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetaCorrupt, err)
	}
	seen := make(map[string]bool, len(meta.Segments))
	for _, seg := range meta.Segments {
		if seg.ID == "" || seen[seg.ID] {
			return nil, fmt.Errorf("%w: bad segment id %q", ErrMetaCorrupt, seg.ID)
		}
		seen[seg.ID] = true
		if seg.NumDeleted > seg.NumDocs {
			return nil, fmt.Errorf("%w: segment %s has %d deletes of %d docs", ErrMetaCorrupt, seg.ID, seg.NumDeleted, seg.NumDocs)
		}
	}
	return &meta, nil
}

// SaveMeta atomically replaces meta.json.
func SaveMeta(dir directory.Directory, meta *Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index meta: %w", err)
	}
	if err := dir.AtomicWrite(directory.MetaFileName, data); err != nil {
		return fmt.Errorf("write index meta: %w", err)
	}
	return nil
}
