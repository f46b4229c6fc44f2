package schema

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"strings"
	"time"

	"github.com/summa-search/summa/internal/errkind"
)

var (
	ErrInvalidJSON = errkind.New(errkind.InvalidArgument, "document is not valid JSON")

	// errNullValue is an internal sentinel: null values are skipped, not
	// stored.
	errNullValue = errors.New("null value")
)

// ValueError reports a field value that does not match its schema type.
type ValueError struct {
	Field  string
	Reason string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("field %q could not be parsed: %s", e.Field, e.Reason)
}

func (e *ValueError) Kind() errkind.Kind { return errkind.InvalidArgument }

// Value is one typed field value.
type Value struct {
	Type FieldType

	Str   string
	I64   int64
	U64   uint64
	F64   float64
	Bool  bool
	Bytes []byte
	JSON  map[string]any

	// PreTokenized carries caller-supplied tokens for text values.
	PreTokenized *PreTokenizedText
}

// PreTokenizedText is a text value with externally computed tokens.
type PreTokenizedText struct {
	Text   string  `json:"text"`
	Tokens []Token `json:"tokens"`
}

// Token is one pre-computed token.
type Token struct {
	OffsetFrom int    `json:"offset_from"`
	OffsetTo   int    `json:"offset_to"`
	Position   int    `json:"position"`
	Text       string `json:"text"`
}

// FieldValue binds a value to its field name.
type FieldValue struct {
	Field string
	Value Value
}

// Document is a parsed, schema-typed document.
type Document struct {
	Fields []FieldValue
}

// Get returns the first value of the named field.
func (d *Document) Get(field string) (Value, bool) {
	for _, fv := range d.Fields {
		if fv.Field == field {
			return fv.Value, true
		}
	}
	return Value{}, false
}

// GetAll returns every value of the named field.
func (d *Document) GetAll(field string) []Value {
	var out []Value
	for _, fv := range d.Fields {
		if fv.Field == field {
			out = append(out, fv.Value)
		}
	}
	return out
}

// Add appends a value to the document.
func (d *Document) Add(field string, value Value) {
	d.Fields = append(d.Fields, FieldValue{Field: field, Value: value})
}

// ParseDocument parses a JSON object into a typed document, applying the
// dynamic enrichment rules first. Fields absent from the schema are ignored;
// null values are skipped.
func ParseDocument(s *Schema, raw []byte) (*Document, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	EnrichDocument(s, obj)
	return objectToDocument(s, obj)
}

func decodeObject(raw []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var obj map[string]any
	if err := decoder.Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return obj, nil
}

func objectToDocument(s *Schema, obj map[string]any) (*Document, error) {
	doc := &Document{}
	for _, field := range s.Fields {
		raw, ok := obj[field.Name]
		if !ok {
			continue
		}
		items, isArray := raw.([]any)
		if !isArray {
			items = []any{raw}
		}
		for _, item := range items {
			value, err := valueFromJSON(field.Type, item)
			if err != nil {
				if errors.Is(err, errNullValue) {
					continue
				}
				return nil, &ValueError{Field: field.Name, Reason: err.Error()}
			}
			doc.Add(field.Name, value)
		}
	}
	return doc, nil
}

func valueFromJSON(fieldType FieldType, raw any) (Value, error) {
	switch v := raw.(type) {
	case nil:
		return Value{}, errNullValue
	case string:
		return valueFromString(fieldType, v)
	case json.Number:
		return valueFromNumber(fieldType, v)
	case bool:
		if fieldType != TypeBool {
			return Value{}, fmt.Errorf("expected %s, got boolean %v", fieldType, v)
		}
		return Value{Type: TypeBool, Bool: v}, nil
	case map[string]any:
		switch fieldType {
		case TypeJSON:
			return Value{Type: TypeJSON, JSON: v}, nil
		case TypeText:
			pre, err := preTokenizedFromObject(v)
			if err != nil {
				return Value{}, err
			}
			return Value{Type: TypeText, Str: pre.Text, PreTokenized: pre}, nil
		default:
			return Value{}, fmt.Errorf("expected %s, got object", fieldType)
		}
	default:
		return Value{}, fmt.Errorf("expected %s, got %T", fieldType, raw)
	}
}

func valueFromString(fieldType FieldType, v string) (Value, error) {
	switch fieldType {
	case TypeText:
		return Value{Type: TypeText, Str: v}, nil
	case TypeFacet:
		if !strings.HasPrefix(v, "/") {
			return Value{}, fmt.Errorf("facet path must start with '/': %q", v)
		}
		return Value{Type: TypeFacet, Str: v}, nil
	case TypeBytes:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return Value{}, fmt.Errorf("invalid base64: %q", v)
		}
		return Value{Type: TypeBytes, Bytes: decoded}, nil
	case TypeDate:
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return Value{}, fmt.Errorf("expected rfc3339 date, got %q", v)
		}
		return Value{Type: TypeDate, I64: parsed.Unix()}, nil
	case TypeIP:
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return Value{}, fmt.Errorf("invalid ip address %q: %v", v, err)
		}
		return Value{Type: TypeIP, Str: addr.String()}, nil
	case TypeI64, TypeU64, TypeF64:
		return Value{}, fmt.Errorf("expected a number, got string %q", v)
	case TypeBool:
		return Value{}, fmt.Errorf("expected a boolean, got string %q", v)
	default:
		return Value{}, fmt.Errorf("expected %s, got string", fieldType)
	}
}

func valueFromNumber(fieldType FieldType, v json.Number) (Value, error) {
	switch fieldType {
	case TypeI64, TypeDate:
		i, err := v.Int64()
		if err != nil {
			return Value{}, fmt.Errorf("expected an i64, got %s", v)
		}
		return Value{Type: fieldType, I64: i}, nil
	case TypeU64:
		i, err := v.Int64()
		if err != nil || i < 0 {
			return Value{}, fmt.Errorf("expected a u64, got %s", v)
		}
		return Value{Type: TypeU64, U64: uint64(i)}, nil
	case TypeF64:
		f, err := v.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("expected a f64, got %s", v)
		}
		return Value{Type: TypeF64, F64: f}, nil
	case TypeText, TypeFacet, TypeBytes:
		return Value{}, fmt.Errorf("expected a string, got number %s", v)
	default:
		return Value{}, fmt.Errorf("expected %s, got number %s", fieldType, v)
	}
}

func preTokenizedFromObject(obj map[string]any) (*PreTokenizedText, error) {
	encoded, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("invalid pre-tokenized text: %v", err)
	}
	var pre PreTokenizedText
	if err := json.Unmarshal(encoded, &pre); err != nil || pre.Text == "" {
		return nil, fmt.Errorf("expected a string or a pre-tokenized string")
	}
	return &pre, nil
}

// ParseStoredDocument parses stored-field JSON back into a typed document
// without applying enrichment. It is used when reading the doc store.
func ParseStoredDocument(s *Schema, raw []byte) (*Document, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	return objectToDocument(s, obj)
}

// nowFunc is swapped in tests.
var nowFunc = func() int64 { return time.Now().Unix() }

// EnrichDocument applies the dynamic field rules in place. Each rule fires
// only when the schema carries the corresponding fields.
func EnrichDocument(s *Schema, obj map[string]any) {
	if s.Has("updated_at") {
		obj["updated_at"] = json.Number(fmt.Sprintf("%d", nowFunc()))
	}
	if s.Has("page_rank") && s.Has("quantized_page_rank") {
		if raw, ok := obj["page_rank"]; ok {
			if number, ok := raw.(json.Number); ok {
				if pageRank, err := number.Float64(); err == nil {
					obj["quantized_page_rank"] = json.Number(fmt.Sprintf("%d", QuantizePageRank(pageRank)))
				}
			}
		}
	}
	if s.Has("custom_score") {
		if _, present := obj["custom_score"]; !present {
			score := 1.0
			if docType, ok := obj["type"].(string); ok && docType == "book-chapter" {
				score = 0.85
			}
			obj["custom_score"] = json.Number(fmt.Sprintf("%g", score))
		}
	}
}

// QuantizePageRank maps a page-rank float onto a small integer bucket on a
// logarithmic scale, so that ranking differences below noise collapse into
// one bucket.
func QuantizePageRank(v float64) int64 {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	return int64(math.Round(math.Log2(1+v) * 16))
}

// SerializeDocument renders stored field values back to a JSON object.
// Fields listed in multiFields are emitted as arrays even when they hold a
// single value.
func SerializeDocument(s *Schema, doc *Document, multiFields map[string]bool) ([]byte, error) {
	obj := make(map[string]any, len(s.Fields))
	for _, field := range s.Fields {
		if !field.Stored {
			continue
		}
		values := doc.GetAll(field.Name)
		if len(values) == 0 {
			continue
		}
		rendered := make([]any, 0, len(values))
		for _, v := range values {
			rendered = append(rendered, renderValue(v))
		}
		if multiFields[field.Name] {
			obj[field.Name] = rendered
		} else if len(rendered) == 1 {
			obj[field.Name] = rendered[0]
		} else {
			obj[field.Name] = rendered
		}
	}
	return json.Marshal(obj)
}

func renderValue(v Value) any {
	switch v.Type {
	case TypeText, TypeFacet, TypeIP:
		return v.Str
	case TypeI64, TypeDate:
		return v.I64
	case TypeU64:
		return v.U64
	case TypeF64:
		return v.F64
	case TypeBool:
		return v.Bool
	case TypeBytes:
		return base64.StdEncoding.EncodeToString(v.Bytes)
	case TypeJSON:
		return v.JSON
	default:
		return nil
	}
}
