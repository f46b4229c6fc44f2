// Package index is the embedded segmented inverted-index library: write
// buffers are flushed into immutable segments (term dictionary, postings
// with positions, fast-field columns, compressed doc store, tombstones),
// tracked by a JSON meta file with per-segment attribute blobs. All file
// access goes through the directory layer.
package index

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/summa-search/summa/internal/schema"
)

// Term is a field plus an order-preserving key. Keys of numeric fields are
// encoded so that their byte order matches their numeric order, which makes
// range scans over the term dictionary correct.
type Term struct {
	Field string
	Key   []byte
}

func (t Term) Equal(other Term) bool {
	return t.Field == other.Field && bytes.Equal(t.Key, other.Key)
}

func TextTerm(field, token string) Term {
	return Term{Field: field, Key: []byte(token)}
}

func I64Term(field string, v int64) Term {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(v)^(1<<63))
	return Term{Field: field, Key: key[:]}
}

func U64Term(field string, v uint64) Term {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], v)
	return Term{Field: field, Key: key[:]}
}

func F64Term(field string, v float64) Term {
	bits := math.Float64bits(v)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], bits)
	return Term{Field: field, Key: key[:]}
}

func BoolTerm(field string, v bool) Term {
	if v {
		return Term{Field: field, Key: []byte{1}}
	}
	return Term{Field: field, Key: []byte{0}}
}

func DateTerm(field string, epochSeconds int64) Term {
	return I64Term(field, epochSeconds)
}

func BytesTerm(field string, v []byte) Term {
	return Term{Field: field, Key: append([]byte(nil), v...)}
}

func FacetTerm(field, path string) Term {
	return Term{Field: field, Key: []byte(path)}
}

func IPTerm(field, addr string) Term {
	return Term{Field: field, Key: []byte(addr)}
}

// TermFromValue derives the index term for a typed value.
func TermFromValue(field string, v schema.Value) Term {
	switch v.Type {
	case schema.TypeText:
		return TextTerm(field, v.Str)
	case schema.TypeI64, schema.TypeDate:
		return I64Term(field, v.I64)
	case schema.TypeU64:
		return U64Term(field, v.U64)
	case schema.TypeF64:
		return F64Term(field, v.F64)
	case schema.TypeBool:
		return BoolTerm(field, v.Bool)
	case schema.TypeFacet:
		return FacetTerm(field, v.Str)
	case schema.TypeBytes:
		return BytesTerm(field, v.Bytes)
	case schema.TypeIP:
		return IPTerm(field, v.Str)
	default:
		return Term{Field: field}
	}
}

// fastBits renders a value into its 8-byte fast-column representation.
func fastBits(v schema.Value) uint64 {
	switch v.Type {
	case schema.TypeI64, schema.TypeDate:
		return uint64(v.I64)
	case schema.TypeU64:
		return v.U64
	case schema.TypeF64:
		return math.Float64bits(v.F64)
	case schema.TypeBool:
		if v.Bool {
			return 1
		}
		return 0
	default:
		return 0
	}
}
