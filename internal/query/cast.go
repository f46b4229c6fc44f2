package query

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/summa-search/summa/internal/errkind"
	"github.com/summa-search/summa/internal/index"
	"github.com/summa-search/summa/internal/schema"
)

var (
	ErrInvalidSyntax = errkind.New(errkind.InvalidArgument, "invalid query syntax")
	ErrMissingField  = errkind.New(errkind.InvalidArgument, "missing field")
	ErrMissingRange  = errkind.New(errkind.InvalidArgument, "missing range")
	ErrNotIndexed    = errkind.New(errkind.InvalidArgument, "field is not indexed")
)

// SyntaxError attaches the original input to a syntax failure.
type SyntaxError struct {
	Input  string
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid query syntax in %q: %s", e.Input, e.Reason)
}

func (e *SyntaxError) Unwrap() error { return ErrInvalidSyntax }

// castTerm converts a textual value into the typed index term of a field.
func castTerm(field schema.FieldDef, value string) (index.Term, error) {
	switch field.Type {
	case schema.TypeText:
		return index.TextTerm(field.Name, value), nil
	case schema.TypeI64:
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return index.Term{}, &SyntaxError{Input: value, Reason: fmt.Sprintf("field %q expects an i64", field.Name)}
		}
		return index.I64Term(field.Name, v), nil
	case schema.TypeU64:
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return index.Term{}, &SyntaxError{Input: value, Reason: fmt.Sprintf("field %q expects a u64", field.Name)}
		}
		return index.U64Term(field.Name, v), nil
	case schema.TypeF64:
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return index.Term{}, &SyntaxError{Input: value, Reason: fmt.Sprintf("field %q expects a f64", field.Name)}
		}
		return index.F64Term(field.Name, v), nil
	case schema.TypeBool:
		v, err := strconv.ParseBool(value)
		if err != nil {
			return index.Term{}, &SyntaxError{Input: value, Reason: fmt.Sprintf("field %q expects a bool", field.Name)}
		}
		return index.BoolTerm(field.Name, v), nil
	case schema.TypeDate:
		if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
			return index.DateTerm(field.Name, seconds), nil
		}
		parsed, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return index.Term{}, &SyntaxError{Input: value, Reason: fmt.Sprintf("field %q expects epoch seconds or rfc3339", field.Name)}
		}
		return index.DateTerm(field.Name, parsed.Unix()), nil
	case schema.TypeBytes:
		decoded, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return index.Term{}, &SyntaxError{Input: value, Reason: fmt.Sprintf("field %q expects base64", field.Name)}
		}
		return index.BytesTerm(field.Name, decoded), nil
	case schema.TypeFacet:
		return index.FacetTerm(field.Name, value), nil
	case schema.TypeIP:
		return index.IPTerm(field.Name, value), nil
	default:
		return index.Term{}, &SyntaxError{Input: value, Reason: fmt.Sprintf("field %q cannot be queried by term", field.Name)}
	}
}
