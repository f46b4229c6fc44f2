package query

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/summa-search/summa/internal/analysis"
	"github.com/summa-search/summa/internal/schema"
)

// Default parser limits.
const DefaultTermLimit = 16

// Reserved-pattern extraction boosts exact identifier matches over plain
// term matching.
const reservedPatternBoost = 3.0

var (
	isbnPattern = regexp.MustCompile(`^(?:978|979)[-0-9]{10,14}$`)
	doiPattern  = regexp.MustCompile(`^10\.[0-9]{4,9}/\S+$`)
	doiIsbnPart = regexp.MustCompile(`^(10\.[0-9]+)/((?:cbo)?97[89][-0-9]{10,14})(.*)$`)
)

// Parser turns text queries and structured ASTs into resolved query trees
// for one index.
type Parser struct {
	schema    *schema.Schema
	analyzers *analysis.Registry
	config    ParserConfig
}

// NewParser validates the configuration against the schema.
func NewParser(s *schema.Schema, analyzers *analysis.Registry, config ParserConfig) (*Parser, error) {
	if config.TermLimit <= 0 {
		config.TermLimit = DefaultTermLimit
	}
	for _, name := range config.DefaultFields {
		if !s.Has(name) {
			return nil, fmt.Errorf("%w: default field %q", ErrMissingField, name)
		}
	}
	return &Parser{schema: s, analyzers: analyzers, config: config}, nil
}

// Config returns the parser configuration.
func (p *Parser) Config() ParserConfig { return p.config }

// Resolve expands MatchQuery nodes through the text grammar, leaving a tree
// of directly executable nodes.
func (p *Parser) Resolve(q Query) (Query, error) {
	switch v := q.(type) {
	case *MatchQuery:
		parser := p
		if v.ParserConfig != nil {
			merged, err := NewParser(p.schema, p.analyzers, p.config.Merge(v.ParserConfig))
			if err != nil {
				return nil, err
			}
			parser = merged
		}
		return parser.ParseText(v.Value)
	case *BooleanQuery:
		out := &BooleanQuery{Subqueries: make([]BooleanClause, 0, len(v.Subqueries))}
		for _, clause := range v.Subqueries {
			resolved, err := p.Resolve(clause.Query)
			if err != nil {
				return nil, err
			}
			out.Subqueries = append(out.Subqueries, BooleanClause{Occur: clause.Occur, Query: resolved})
		}
		return out, nil
	case *DisjunctionMaxQuery:
		out := &DisjunctionMaxQuery{TieBreaker: v.TieBreaker}
		for _, disjunct := range v.Disjuncts {
			resolved, err := p.Resolve(disjunct)
			if err != nil {
				return nil, err
			}
			out.Disjuncts = append(out.Disjuncts, resolved)
		}
		return out, nil
	case *BoostQuery:
		resolved, err := p.Resolve(v.Query)
		if err != nil {
			return nil, err
		}
		return &BoostQuery{Query: resolved, Score: v.Score}, nil
	default:
		return q, nil
	}
}

// ParseText parses a Summa QL string into a query tree.
func (p *Parser) ParseText(input string) (Query, error) {
	statements := parseQL(input)
	if len(statements) > p.config.TermLimit {
		statements = statements[:p.config.TermLimit]
	}

	var clauses []BooleanClause
	for _, st := range statements {
		parsed, err := p.parseStatement(st)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, BooleanClause{Occur: Should, Query: parsed})
	}

	if p.config.ExactMatchesPromoter != nil {
		promoted := p.promoteExactMatches(statements)
		clauses = append(clauses, promoted...)
	}

	return reduceQuery(&BooleanQuery{Subqueries: clauses}), nil
}

func (p *Parser) resolveFieldName(name string) string {
	if alias, ok := p.config.FieldAliases[name]; ok {
		return alias
	}
	return name
}

func (p *Parser) parseStatement(st statement) (Query, error) {
	// Reserved extraction: ISBNs and DOIs expand to identifier fields.
	if st.field == "" && st.pre.kind == preWord {
		if isbnPattern.MatchString(st.pre.text) {
			return p.parseISBN(st.pre.text), nil
		}
		if doiPattern.MatchString(st.pre.text) {
			return p.parseDOI(st.pre.text), nil
		}
	}

	if st.field == "" {
		return p.defaultFieldsTerm(st.occur, st.pre, st.boost)
	}

	fieldName := p.resolveFieldName(st.field)
	field, ok := p.schema.Field(fieldName)
	if !ok {
		switch p.config.MissingFieldPolicy {
		case MissingFieldAsUsualTerms:
			// Treat `name:term` as two ordinary tokens.
			nameQuery, err := p.defaultFieldsTerm(st.occur, preTerm{kind: preWord, text: st.field}, st.boost)
			if err != nil {
				return nil, err
			}
			if st.isGroup {
				clauses := []BooleanClause{{Occur: Should, Query: nameQuery}}
				for _, inner := range st.grouped {
					innerQuery, err := p.defaultFieldsTerm(inner.occur, inner.pre, st.boost)
					if err != nil {
						return nil, err
					}
					clauses = append(clauses, BooleanClause{Occur: Should, Query: innerQuery})
				}
				return &BooleanQuery{Subqueries: clauses}, nil
			}
			termQuery, err := p.defaultFieldsTerm(st.occur, st.pre, st.boost)
			if err != nil {
				return nil, err
			}
			return &BooleanQuery{Subqueries: []BooleanClause{
				{Occur: Should, Query: nameQuery},
				{Occur: Should, Query: termQuery},
			}}, nil
		case MissingFieldRemove:
			return &EmptyQuery{}, nil
		default:
			return nil, &SyntaxError{Input: st.field, Reason: "field does not exist"}
		}
	}

	if st.isGroup {
		var clauses []BooleanClause
		for _, inner := range st.grouped {
			queries, err := p.parsePreTerm(field, inner.pre, st.boost)
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, occurClauses(inner.occur, queries)...)
		}
		return &BooleanQuery{Subqueries: clauses}, nil
	}

	queries, err := p.parsePreTerm(field, st.pre, st.boost)
	if err != nil {
		return nil, err
	}
	return &BooleanQuery{Subqueries: occurClauses(st.occur, queries)}, nil
}

func occurClauses(occur Occur, queries []Query) []BooleanClause {
	clauses := make([]BooleanClause, 0, len(queries))
	for _, q := range queries {
		clauses = append(clauses, BooleanClause{Occur: occur, Query: q})
	}
	return clauses
}

// parsePreTerm yields the field-bound queries of one pre-term. A text word
// may tokenize into several term queries.
func (p *Parser) parsePreTerm(field schema.FieldDef, pre preTerm, boost *float32) ([]Query, error) {
	combined := p.combineBoosts(field.Name, boost)

	switch pre.kind {
	case preRange:
		q := &RangeQuery{
			Field:          field.Name,
			Left:           pre.left,
			Right:          pre.right,
			IncludingLeft:  true,
			IncludingRight: true,
		}
		return []Query{boostQuery(q, combined)}, nil
	case preRegex:
		if field.Type != schema.TypeText {
			return nil, &SyntaxError{Input: pre.text, Reason: fmt.Sprintf("field %q does not support regex", field.Name)}
		}
		return []Query{boostQuery(&RegexQuery{Field: field.Name, Value: pre.text}, combined)}, nil
	case prePhrase:
		if field.Type != schema.TypeText {
			return []Query{boostQuery(&TermQuery{Field: field.Name, Value: pre.text}, combined)}, nil
		}
		tokens := p.tokenize(field, pre.text)
		if len(tokens) == 0 {
			return []Query{&EmptyQuery{}}, nil
		}
		if len(tokens) == 1 {
			return []Query{boostQuery(&TermQuery{Field: field.Name, Value: tokens[0]}, combined)}, nil
		}
		return []Query{boostQuery(&PhraseQuery{Field: field.Name, Value: pre.text, Slop: pre.slop}, combined)}, nil
	default: // preWord
		if field.Type != schema.TypeText {
			return []Query{boostQuery(&TermQuery{Field: field.Name, Value: pre.text}, combined)}, nil
		}
		tokens := p.tokenize(field, pre.text)
		queries := make([]Query, 0, len(tokens))
		for _, token := range tokens {
			queries = append(queries, boostQuery(&TermQuery{Field: field.Name, Value: token}, combined))
		}
		if len(queries) == 0 {
			queries = append(queries, &EmptyQuery{})
		}
		return queries, nil
	}
}

func (p *Parser) tokenize(field schema.FieldDef, text string) []string {
	analyzer, err := p.analyzers.Get(field.Tokenizer)
	if err != nil {
		return []string{text}
	}
	tokens := analyzer.Analyze(field.Name, text)
	out := make([]string, 0, len(tokens))
	for _, token := range tokens {
		out = append(out, token.Term)
	}
	return out
}

func (p *Parser) combineBoosts(fieldName string, boost *float32) *float32 {
	fieldBoost, ok := p.config.FieldBoosts[fieldName]
	if !ok {
		return boost
	}
	if boost == nil {
		return &fieldBoost
	}
	combined := *boost * fieldBoost
	return &combined
}

func boostQuery(q Query, boost *float32) Query {
	if boost == nil {
		return q
	}
	return &BoostQuery{Query: q, Score: *boost}
}

// defaultFieldsTerm spreads a bare pre-term over the default fields with
// the configured combination mode.
func (p *Parser) defaultFieldsTerm(occur Occur, pre preTerm, boost *float32) (Query, error) {
	perField := make([][]Query, 0, len(p.config.DefaultFields))
	for _, fieldName := range p.config.DefaultFields {
		field, ok := p.schema.Field(fieldName)
		if !ok {
			continue
		}
		queries, err := p.parsePreTerm(field, pre, boost)
		if err != nil {
			return nil, err
		}
		perField = append(perField, queries)
	}
	if len(perField) == 0 {
		return &EmptyQuery{}, nil
	}

	switch occur {
	case Should:
		flat := flatten(perField)
		if p.config.DefaultMode == ModeDisjunctionMax {
			return &DisjunctionMaxQuery{Disjuncts: flat, TieBreaker: p.config.TieBreaker}, nil
		}
		return &BooleanQuery{Subqueries: occurClauses(Should, flat)}, nil
	case MustNot:
		return &BooleanQuery{Subqueries: occurClauses(MustNot, flatten(perField))}, nil
	default: // Must
		if len(perField) == 1 {
			return &BooleanQuery{Subqueries: occurClauses(Must, perField[0])}, nil
		}
		// Each token must match in at least one default field: transpose the
		// per-field token queries, then AND the per-token disjunctions.
		transposed := transpose(perField)
		clauses := make([]BooleanClause, 0, len(transposed))
		for _, tokenQueries := range transposed {
			clauses = append(clauses, BooleanClause{
				Occur: Must,
				Query: &BooleanQuery{Subqueries: occurClauses(Should, tokenQueries)},
			})
		}
		return &BooleanQuery{Subqueries: clauses}, nil
	}
}

func flatten(perField [][]Query) []Query {
	var out []Query
	for _, queries := range perField {
		out = append(out, queries...)
	}
	return out
}

// transpose regroups per-field token query lists into per-token field query
// lists. Ragged rows contribute to the positions they have.
func transpose(perField [][]Query) [][]Query {
	maxLen := 0
	for _, row := range perField {
		if len(row) > maxLen {
			maxLen = len(row)
		}
	}
	out := make([][]Query, maxLen)
	for _, row := range perField {
		for i, q := range row {
			out[i] = append(out[i], q)
		}
	}
	return out
}

// promoteExactMatches appends a boosted sloppy phrase over each text
// default field when the query is a plain bag of Should words.
func (p *Parser) promoteExactMatches(statements []statement) []BooleanClause {
	var words []string
	for _, st := range statements {
		if st.field != "" || st.isGroup || st.boost != nil || st.occur != Should || st.pre.kind != preWord {
			return nil
		}
		words = append(words, st.pre.text)
	}
	if len(words) < 2 {
		return nil
	}
	phrase := strings.Join(words, " ")
	promoter := p.config.ExactMatchesPromoter

	var clauses []BooleanClause
	for _, fieldName := range p.config.DefaultFields {
		field, ok := p.schema.Field(fieldName)
		if !ok || field.Type != schema.TypeText || field.Record != schema.RecordPositions {
			continue
		}
		if len(p.tokenize(field, phrase)) < 2 {
			continue
		}
		boost := promoter.Boost
		if fieldBoost, ok := p.config.FieldBoosts[fieldName]; ok {
			boost *= fieldBoost
		}
		var q Query = &PhraseQuery{Field: fieldName, Value: phrase, Slop: promoter.Slop}
		if boost != 0 && boost != 1 {
			q = &BoostQuery{Query: q, Score: boost}
		}
		clauses = append(clauses, BooleanClause{Occur: Should, Query: q})
	}
	return clauses
}

func (p *Parser) parseISBN(isbn string) Query {
	if !p.schema.Has("isbns") {
		return &EmptyQuery{}
	}
	normalized := strings.ReplaceAll(isbn, "-", "")
	return &TermQuery{Field: "isbns", Value: normalized}
}

func (p *Parser) parseDOI(doi string) Query {
	if !p.schema.Has("doi") {
		return &EmptyQuery{}
	}
	lowercased := strings.ToLower(doi)
	var clauses []BooleanClause
	boostOriginal := false

	if match := doiIsbnPart.FindStringSubmatch(lowercased); match != nil {
		prefix, isbn, tail := match[1], match[2], match[3]
		corrected := strings.ReplaceAll(strings.ReplaceAll(isbn, "-", ""), "cbo", "")
		if (len(corrected) == 10 || len(corrected) == 13) && prefix != "" {
			if tail != "" {
				clauses = append(clauses, BooleanClause{Occur: Should, Query: &TermQuery{Field: "doi", Value: prefix + "/" + isbn}})
			}
			if p.schema.Has("isbns") {
				clauses = append(clauses, BooleanClause{Occur: Should, Query: &TermQuery{Field: "isbns", Value: corrected}})
				boostOriginal = true
			}
		}
	}

	var original Query = &TermQuery{Field: "doi", Value: lowercased}
	if boostOriginal {
		original = &BoostQuery{Query: original, Score: reservedPatternBoost}
	}
	clauses = append(clauses, BooleanClause{Occur: Should, Query: original})
	return &BooleanQuery{Subqueries: clauses}
}

// reduceQuery flattens nested Should clauses and removes empty subqueries,
// collapsing an all-empty boolean to EmptyQuery.
func reduceQuery(q Query) Query {
	return reduceEmpty(reduceShould(q))
}

func reduceShould(q Query) Query {
	boolean, ok := q.(*BooleanQuery)
	if !ok {
		return q
	}
	var clauses []BooleanClause
	for _, clause := range boolean.Subqueries {
		reduced := reduceShould(clause.Query)
		if clause.Occur == Should {
			// A Should-wrapped boolean hoists its clauses, occurs included:
			// the wrapper only existed to group one statement.
			if inner, ok := reduced.(*BooleanQuery); ok {
				clauses = append(clauses, inner.Subqueries...)
				continue
			}
		}
		clauses = append(clauses, BooleanClause{Occur: clause.Occur, Query: reduced})
	}
	if len(clauses) == 1 && clauses[0].Occur == Should {
		return clauses[0].Query
	}
	return &BooleanQuery{Subqueries: clauses}
}

func reduceEmpty(q Query) Query {
	boolean, ok := q.(*BooleanQuery)
	if !ok {
		return q
	}
	clauses := make([]BooleanClause, 0, len(boolean.Subqueries))
	for _, clause := range boolean.Subqueries {
		reduced := reduceEmpty(clause.Query)
		if _, empty := reduced.(*EmptyQuery); empty {
			continue
		}
		clauses = append(clauses, BooleanClause{Occur: clause.Occur, Query: reduced})
	}
	if len(clauses) == 0 {
		return &EmptyQuery{}
	}
	if len(clauses) == 1 && clauses[0].Occur == Should {
		return clauses[0].Query
	}
	return &BooleanQuery{Subqueries: clauses}
}
