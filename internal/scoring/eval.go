package scoring

import (
	"fmt"
	"math"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"

	"github.com/summa-search/summa/internal/errkind"
	"github.com/summa-search/summa/internal/index"
	"github.com/summa-search/summa/internal/schema"
)

// Reserved identifiers usable in scoring expressions besides fast fields.
var reservedEvalNames = map[string]bool{
	"original_score": true,
	"now":            true,
	"fastsigm":       true,
	"iqpr":           true,
}

// RequiredFastFieldError reports an expression variable that is not a fast
// field.
type RequiredFastFieldError struct {
	Field string
}

func (e *RequiredFastFieldError) Error() string {
	return fmt.Sprintf("scoring expression requires fast field: %q", e.Field)
}

func (e *RequiredFastFieldError) Kind() errkind.Kind { return errkind.InvalidArgument }

// EvalScorer compiles a scoring expression once per request and spawns one
// evaluator per segment.
type EvalScorer struct {
	program  *vm.Program
	schema   *schema.Schema
	varNames []string
}

// NewEvalScorer parses the expression, resolves its variables against the
// schema and compiles it. Every non-reserved variable must be a fast field.
func NewEvalScorer(evalExpr string, s *schema.Schema) (*EvalScorer, error) {
	tree, err := parser.Parse(evalExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid scoring expression %q: %w", evalExpr, err)
	}
	collector := &identifierCollector{seen: map[string]bool{}}
	ast.Walk(&tree.Node, collector)

	var varNames []string
	for _, name := range collector.names {
		if reservedEvalNames[name] {
			continue
		}
		field, ok := s.Field(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", schema.ErrUnknownField, name)
		}
		if !field.Fast {
			return nil, &RequiredFastFieldError{Field: name}
		}
		varNames = append(varNames, name)
	}

	program, err := expr.Compile(evalExpr)
	if err != nil {
		return nil, fmt.Errorf("compile scoring expression %q: %w", evalExpr, err)
	}
	return &EvalScorer{program: program, schema: s, varNames: varNames}, nil
}

type identifierCollector struct {
	names []string
	seen  map[string]bool
}

func (c *identifierCollector) Visit(node *ast.Node) {
	identifier, ok := (*node).(*ast.IdentifierNode)
	if !ok {
		return
	}
	if !c.seen[identifier.Value] {
		c.seen[identifier.Value] = true
		c.names = append(c.names, identifier.Value)
	}
}

// ForSegment builds a per-segment evaluator with the segment's fast columns
// resolved.
func (s *EvalScorer) ForSegment(segment *index.SegmentReader) (*SegmentEvalScorer, error) {
	columns := make(map[string]func(docID uint32) float64, len(s.varNames))
	for _, name := range s.varNames {
		field, _ := s.schema.Field(name)
		column, err := segment.FastColumn(name)
		if err != nil {
			return nil, err
		}
		columns[name] = columnAccessor(field.Type, column)
	}

	env := map[string]any{
		"now":      float64(time.Now().Unix()),
		"fastsigm": fastsigm,
		"iqpr":     iqpr,
	}
	return &SegmentEvalScorer{scorer: s, columns: columns, env: env}, nil
}

func columnAccessor(fieldType schema.FieldType, column []uint64) func(docID uint32) float64 {
	return func(docID uint32) float64 {
		if int(docID) >= len(column) {
			return 0
		}
		return FastValueAsFloat(fieldType, column[docID])
	}
}

// FastValueAsFloat interprets the raw 8-byte fast-column representation of
// a value as a float64.
func FastValueAsFloat(fieldType schema.FieldType, bits uint64) float64 {
	switch fieldType {
	case schema.TypeF64:
		return math.Float64frombits(bits)
	case schema.TypeI64, schema.TypeDate:
		return float64(int64(bits))
	default:
		return float64(bits)
	}
}

// SegmentEvalScorer evaluates the compiled expression for documents of one
// segment.
type SegmentEvalScorer struct {
	scorer  *EvalScorer
	columns map[string]func(docID uint32) float64
	env     map[string]any
}

// Score evaluates the expression for a document given its original score.
func (s *SegmentEvalScorer) Score(docID uint32, originalScore float32) (float64, error) {
	s.env["original_score"] = float64(originalScore)
	for name, accessor := range s.columns {
		s.env[name] = accessor(docID)
	}
	result, err := vm.Run(s.scorer.program, s.env)
	if err != nil {
		return 0, fmt.Errorf("evaluate scoring expression: %w", err)
	}
	switch v := result.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case float32:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("scoring expression returned %T, want a number", result)
	}
}

// fastsigm is a cheap sigmoid over the magnitude of x: |x| / (|x| + k),
// always in [0, 1). k controls the half-saturation point.
func fastsigm(x, k float64) float64 {
	if k <= 0 {
		k = 1
	}
	magnitude := math.Abs(x)
	return magnitude / (magnitude + k)
}

// iqpr inverts the page-rank quantisation of the magnitude back to an
// approximate rank.
func iqpr(quantized float64) float64 {
	return math.Exp2(math.Abs(quantized)/16) - 1
}
