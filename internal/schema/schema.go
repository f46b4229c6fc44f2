// Package schema defines index schemas, index attributes and the JSON
// document adapter.
package schema

import (
	"fmt"

	"github.com/summa-search/summa/internal/errkind"
)

// FieldType names follow the index meta JSON.
type FieldType string

const (
	TypeText  FieldType = "text"
	TypeI64   FieldType = "i64"
	TypeU64   FieldType = "u64"
	TypeF64   FieldType = "f64"
	TypeBool  FieldType = "bool"
	TypeDate  FieldType = "date" // stored as seconds since epoch
	TypeFacet FieldType = "facet"
	TypeBytes FieldType = "bytes"
	TypeJSON  FieldType = "json"
	TypeIP    FieldType = "ip"
)

// Index record options for text fields.
const (
	RecordBasic     = "basic"
	RecordWithFreqs = "freqs"
	RecordPositions = "position"
)

// Schema limits.
const (
	MaxFieldsPerSchema = 256
	MaxFieldNameLength = 255
)

var (
	ErrInvalidType      = errkind.New(errkind.InvalidArgument, "invalid field type")
	ErrDuplicateField   = errkind.New(errkind.InvalidArgument, "duplicate field name")
	ErrFieldLimit       = errkind.New(errkind.InvalidArgument, "schema exceeds maximum field count")
	ErrFieldNameTooLong = errkind.New(errkind.InvalidArgument, "field name exceeds maximum length")
	ErrMissingTokenizer = errkind.New(errkind.InvalidArgument, "text field requires a tokenizer")
	ErrUnknownField     = errkind.New(errkind.InvalidArgument, "unknown field")
	ErrNotFast          = errkind.New(errkind.InvalidArgument, "field is not a fast field")
)

// FieldDef defines a single field in the schema.
type FieldDef struct {
	Name       string    `json:"name" yaml:"name"`
	Type       FieldType `json:"type" yaml:"type"`
	Tokenizer  string    `json:"tokenizer,omitempty" yaml:"tokenizer,omitempty"`
	Record     string    `json:"record,omitempty" yaml:"record,omitempty"`
	Indexed    bool      `json:"indexed" yaml:"indexed"`
	Stored     bool      `json:"stored" yaml:"stored"`
	Fast       bool      `json:"fast,omitempty" yaml:"fast,omitempty"`
	FieldNorms bool      `json:"field_norms,omitempty" yaml:"field_norms,omitempty"`
}

// Schema is the ordered field list of an index. Attribute-only fields
// (stored but not indexed) are allowed.
type Schema struct {
	Fields []FieldDef `json:"fields" yaml:"fields"`

	byName map[string]int
}

// NewSchema builds and validates a schema.
func NewSchema(fields []FieldDef) (*Schema, error) {
	s := &Schema{Fields: fields}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	s.index()
	return s, nil
}

func (s *Schema) index() {
	s.byName = make(map[string]int, len(s.Fields))
	for i, f := range s.Fields {
		s.byName[f.Name] = i
	}
}

// BuildIndex precomputes the name lookup table. Deserialised schemas call
// this once before being shared across goroutines.
func (s *Schema) BuildIndex() {
	if s.byName == nil {
		s.index()
	}
}

// Field returns the definition of the named field.
func (s *Schema) Field(name string) (FieldDef, bool) {
	if s.byName == nil {
		s.index()
	}
	i, ok := s.byName[name]
	if !ok {
		return FieldDef{}, false
	}
	return s.Fields[i], true
}

// Has reports whether the schema contains the named field.
func (s *Schema) Has(name string) bool {
	_, ok := s.Field(name)
	return ok
}

// Validate checks the schema for correctness.
func (s *Schema) Validate() error {
	if len(s.Fields) > MaxFieldsPerSchema {
		return fmt.Errorf("%w: %d fields (max %d)", ErrFieldLimit, len(s.Fields), MaxFieldsPerSchema)
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if seen[f.Name] {
			return fmt.Errorf("%w: %q", ErrDuplicateField, f.Name)
		}
		seen[f.Name] = true
		if len(f.Name) > MaxFieldNameLength {
			return fmt.Errorf("%w: %q", ErrFieldNameTooLong, f.Name)
		}
		switch f.Type {
		case TypeText, TypeI64, TypeU64, TypeF64, TypeBool, TypeDate, TypeFacet, TypeBytes, TypeJSON, TypeIP:
		default:
			return fmt.Errorf("field %q: %w: %q", f.Name, ErrInvalidType, f.Type)
		}
		if f.Type == TypeText && f.Indexed && f.Tokenizer == "" {
			return fmt.Errorf("field %q: %w", f.Name, ErrMissingTokenizer)
		}
	}
	return nil
}

// Attributes is the per-index metadata persisted in index meta.
type Attributes struct {
	// DefaultFields are scanned by bare-token text queries.
	DefaultFields []string `json:"default_fields,omitempty" yaml:"default_fields,omitempty"`

	// MultiFields are returned as arrays even when holding one value.
	MultiFields []string `json:"multi_fields,omitempty" yaml:"multi_fields,omitempty"`

	// PrimaryKey, when set, must name an i64 or text field.
	PrimaryKey string `json:"primary_key,omitempty" yaml:"primary_key,omitempty"`

	UniqueFields []string `json:"unique_fields,omitempty" yaml:"unique_fields,omitempty"`

	// Description is an opaque index-level payload.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ValidateAgainst checks the attributes against the schema.
func (a *Attributes) ValidateAgainst(s *Schema) error {
	for _, name := range a.DefaultFields {
		if !s.Has(name) {
			return fmt.Errorf("default field: %w: %q", ErrUnknownField, name)
		}
	}
	for _, name := range a.MultiFields {
		if !s.Has(name) {
			return fmt.Errorf("multi field: %w: %q", ErrUnknownField, name)
		}
	}
	if a.PrimaryKey != "" {
		f, ok := s.Field(a.PrimaryKey)
		if !ok {
			return fmt.Errorf("primary key: %w: %q", ErrUnknownField, a.PrimaryKey)
		}
		if f.Type != TypeI64 && f.Type != TypeText {
			return fmt.Errorf("primary key %q: unsupported type %q (only i64 and text)", a.PrimaryKey, f.Type)
		}
	}
	return nil
}
