package query

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/summa-search/summa/internal/index"
	"github.com/summa-search/summa/internal/schema"
	"github.com/summa-search/summa/internal/scoring"
)

// Executable is a query compiled against one searcher snapshot.
type Executable struct {
	root     node
	searcher *index.Searcher
}

// SegmentScorer builds the scorer for one of the searcher's segments.
func (e *Executable) SegmentScorer(segment *index.SegmentReader) (Scorer, error) {
	return e.root.scorer(segment)
}

type node interface {
	scorer(segment *index.SegmentReader) (Scorer, error)
}

// Compile binds a resolved AST (Match nodes already expanded by the parser)
// to a searcher.
func (p *Parser) Compile(q Query, searcher *index.Searcher) (*Executable, error) {
	resolved, err := p.Resolve(q)
	if err != nil {
		return nil, err
	}
	c := &compiler{
		searcher: searcher,
		bm25:     scoring.NewBM25(searcher.NumDocs()),
	}
	root, err := c.compile(resolved)
	if err != nil {
		return nil, err
	}
	return &Executable{root: root, searcher: searcher}, nil
}

type compiler struct {
	searcher *index.Searcher
	bm25     *scoring.BM25
}

func (c *compiler) compile(q Query) (node, error) {
	switch v := q.(type) {
	case *AllQuery:
		return nAll{}, nil
	case *EmptyQuery:
		return nEmpty{}, nil
	case *BooleanQuery:
		return c.compileBoolean(v)
	case *DisjunctionMaxQuery:
		return c.compileDisMax(v)
	case *TermQuery:
		return c.compileTerm(v.Field, v.Value)
	case *PhraseQuery:
		return c.compilePhrase(v)
	case *RangeQuery:
		return c.compileRange(v)
	case *RegexQuery:
		return c.compileRegex(v)
	case *BoostQuery:
		inner, err := c.compile(v.Query)
		if err != nil {
			return nil, err
		}
		return &nBoost{inner: inner, boost: v.Score}, nil
	case *ExistsQuery:
		return c.compileExists(v)
	case *MoreLikeThisQuery:
		return c.compileMoreLikeThis(v)
	case *MatchQuery:
		return nil, fmt.Errorf("unresolved match query: %q", v.Value)
	default:
		return nil, fmt.Errorf("unsupported query node %T", q)
	}
}

type nAll struct{}

func (nAll) scorer(segment *index.SegmentReader) (Scorer, error) {
	return newAllScorer(segment.NumDocs()), nil
}

type nEmpty struct{}

func (nEmpty) scorer(*index.SegmentReader) (Scorer, error) {
	return emptyScorer{}, nil
}

type nTerm struct {
	term     index.Term
	idf      float32
	useFreqs bool
	bm25     *scoring.BM25
}

func (c *compiler) compileTerm(fieldName, value string) (node, error) {
	field, ok := c.searcher.Schema.Field(fieldName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingField, fieldName)
	}
	if !field.Indexed {
		return nil, fmt.Errorf("%w: %q", ErrNotIndexed, fieldName)
	}
	term, err := castTerm(field, value)
	if err != nil {
		return nil, err
	}
	return c.termNode(field, term)
}

func (c *compiler) termNode(field schema.FieldDef, term index.Term) (node, error) {
	docFreq, err := c.searcher.DocFreq(term)
	if err != nil {
		return nil, err
	}
	useFreqs := field.Type == schema.TypeText && field.Record != schema.RecordBasic
	return &nTerm{
		term:     term,
		idf:      c.bm25.IDF(docFreq),
		useFreqs: useFreqs,
		bm25:     c.bm25,
	}, nil
}

func (n *nTerm) scorer(segment *index.SegmentReader) (Scorer, error) {
	postings, ok, err := segment.Postings(n.term)
	if err != nil {
		return nil, err
	}
	if !ok {
		return emptyScorer{}, nil
	}
	var docIDs, freqs []uint32
	for postings.Next() {
		docIDs = append(docIDs, postings.DocID())
		freq := uint32(1)
		if n.useFreqs {
			freq = postings.Freq()
		}
		freqs = append(freqs, freq)
	}
	return newPostingsScorer(docIDs, freqs, func(freq uint32) float32 {
		return n.bm25.Score(n.idf, freq)
	}), nil
}

type nBoost struct {
	inner node
	boost float32
}

func (n *nBoost) scorer(segment *index.SegmentReader) (Scorer, error) {
	inner, err := n.inner.scorer(segment)
	if err != nil {
		return nil, err
	}
	return &boostScorer{inner: inner, boost: n.boost}, nil
}

type nBool struct {
	musts    []node
	shoulds  []node
	mustNots []node
}

func (c *compiler) compileBoolean(q *BooleanQuery) (node, error) {
	out := &nBool{}
	for _, clause := range q.Subqueries {
		child, err := c.compile(clause.Query)
		if err != nil {
			return nil, err
		}
		switch clause.Occur {
		case Must:
			out.musts = append(out.musts, child)
		case MustNot:
			out.mustNots = append(out.mustNots, child)
		default:
			out.shoulds = append(out.shoulds, child)
		}
	}
	return out, nil
}

func (n *nBool) scorer(segment *index.SegmentReader) (Scorer, error) {
	buildAll := func(nodes []node) ([]Scorer, error) {
		scorers := make([]Scorer, 0, len(nodes))
		for _, child := range nodes {
			s, err := child.scorer(segment)
			if err != nil {
				return nil, err
			}
			scorers = append(scorers, s)
		}
		return scorers, nil
	}

	musts, err := buildAll(n.musts)
	if err != nil {
		return nil, err
	}
	shoulds, err := buildAll(n.shoulds)
	if err != nil {
		return nil, err
	}

	var base Scorer
	switch {
	case len(musts) > 0 && len(shoulds) > 0:
		base = &optionalScorer{
			required: newConjunctionScorer(musts),
			optional: newDisjunctionScorer(shoulds, nil),
		}
	case len(musts) > 0:
		base = newConjunctionScorer(musts)
	case len(shoulds) > 0:
		base = newDisjunctionScorer(shoulds, nil)
	default:
		// Purely negative queries match nothing.
		return emptyScorer{}, nil
	}

	if len(n.mustNots) > 0 {
		mustNots, err := buildAll(n.mustNots)
		if err != nil {
			return nil, err
		}
		base = newExclusionScorer(base, newDisjunctionScorer(mustNots, nil))
	}
	return base, nil
}

// optionalScorer iterates the required scorer and adds the scores of
// optional clauses matching the same document.
type optionalScorer struct {
	required      Scorer
	optional      Scorer
	optionalDone  bool
	optionalMoved bool
}

func (s *optionalScorer) Next() bool                 { return s.required.Next() }
func (s *optionalScorer) Advance(target uint32) bool { return s.required.Advance(target) }
func (s *optionalScorer) DocID() uint32              { return s.required.DocID() }

func (s *optionalScorer) Score() float32 {
	score := s.required.Score()
	docID := s.required.DocID()
	if !s.optionalMoved {
		s.optionalMoved = true
		s.optionalDone = !s.optional.Next()
	}
	if !s.optionalDone && s.optional.DocID() < docID {
		s.optionalDone = !s.optional.Advance(docID)
	}
	if !s.optionalDone && s.optional.DocID() == docID {
		score += s.optional.Score()
	}
	return score
}

type nDisMax struct {
	children []node
	tie      float32
}

func (c *compiler) compileDisMax(q *DisjunctionMaxQuery) (node, error) {
	out := &nDisMax{tie: q.TieBreaker}
	for _, disjunct := range q.Disjuncts {
		child, err := c.compile(disjunct)
		if err != nil {
			return nil, err
		}
		out.children = append(out.children, child)
	}
	return out, nil
}

func (n *nDisMax) scorer(segment *index.SegmentReader) (Scorer, error) {
	scorers := make([]Scorer, 0, len(n.children))
	for _, child := range n.children {
		s, err := child.scorer(segment)
		if err != nil {
			return nil, err
		}
		scorers = append(scorers, s)
	}
	tie := n.tie
	return newDisjunctionScorer(scorers, func(scores []float32) float32 {
		var best, rest float32
		for i, score := range scores {
			if i == 0 || score > best {
				rest += best
				best = score
			} else {
				rest += score
			}
		}
		return best + tie*rest
	}), nil
}

type nPhrase struct {
	terms []index.Term
	slop  uint32
}

func (c *compiler) compilePhrase(q *PhraseQuery) (node, error) {
	field, ok := c.searcher.Schema.Field(q.Field)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingField, q.Field)
	}
	if !field.Indexed {
		return nil, fmt.Errorf("%w: %q", ErrNotIndexed, q.Field)
	}
	if field.Type != schema.TypeText {
		return nil, &SyntaxError{Input: q.Value, Reason: fmt.Sprintf("field %q does not support phrases", q.Field)}
	}
	analyzer, err := c.searcher.Analyzers().Get(field.Tokenizer)
	if err != nil {
		return nil, err
	}
	tokens := analyzer.Analyze(q.Field, q.Value)
	if len(tokens) == 0 {
		return nEmpty{}, nil
	}
	if len(tokens) == 1 {
		// A single post-tokenisation term collapses to a TermQuery.
		return c.termNode(field, index.TextTerm(q.Field, tokens[0].Term))
	}
	if field.Record != schema.RecordPositions {
		return nil, &SyntaxError{Input: q.Value, Reason: fmt.Sprintf("field %q has no positions indexed", q.Field)}
	}
	terms := make([]index.Term, 0, len(tokens))
	for _, token := range tokens {
		terms = append(terms, index.TextTerm(q.Field, token.Term))
	}
	return &nPhrase{terms: terms, slop: q.Slop}, nil
}

func (n *nPhrase) scorer(segment *index.SegmentReader) (Scorer, error) {
	iterators := make([]*index.PostingsIterator, 0, len(n.terms))
	scorers := make([]Scorer, 0, len(n.terms))
	for _, term := range n.terms {
		postings, ok, err := segment.Postings(term)
		if err != nil {
			return nil, err
		}
		if !ok {
			return emptyScorer{}, nil
		}
		iterators = append(iterators, postings)
		scorers = append(scorers, &postingsIteratorScorer{it: postings})
	}
	conjunction := newConjunctionScorer(scorers)
	return &phraseScorer{
		conjunction: conjunction,
		slop:        n.slop,
		score:       1,
		positions: func() [][]uint32 {
			out := make([][]uint32, len(iterators))
			for i, it := range iterators {
				out[i] = it.Positions()
			}
			return out
		},
	}, nil
}

// postingsIteratorScorer drives an index postings iterator directly so the
// phrase scorer can reach its positions.
type postingsIteratorScorer struct {
	it *index.PostingsIterator
}

func (s *postingsIteratorScorer) Next() bool                 { return s.it.Next() }
func (s *postingsIteratorScorer) Advance(target uint32) bool { return s.it.Advance(target) }
func (s *postingsIteratorScorer) DocID() uint32              { return s.it.DocID() }
func (s *postingsIteratorScorer) Score() float32             { return 1 }

// docSetNode materialises a per-segment document set (range, regex, exists
// expansions) with constant scores.
type docSetNode struct {
	collect func(segment *index.SegmentReader) ([]uint32, error)
}

func (n *docSetNode) scorer(segment *index.SegmentReader) (Scorer, error) {
	docIDs, err := n.collect(segment)
	if err != nil {
		return nil, err
	}
	sort.Slice(docIDs, func(i, j int) bool { return docIDs[i] < docIDs[j] })
	unique := docIDs[:0]
	for i, docID := range docIDs {
		if i == 0 || docID != docIDs[i-1] {
			unique = append(unique, docID)
		}
	}
	return newPostingsScorer(unique, nil, func(uint32) float32 { return 1 }), nil
}

func collectTermDocs(segment *index.SegmentReader, field string, keys [][]byte) ([]uint32, error) {
	var docIDs []uint32
	for _, key := range keys {
		postings, ok, err := segment.Postings(index.Term{Field: field, Key: key})
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		for postings.Next() {
			docIDs = append(docIDs, postings.DocID())
		}
	}
	return docIDs, nil
}

func (c *compiler) compileRange(q *RangeQuery) (node, error) {
	field, ok := c.searcher.Schema.Field(q.Field)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingField, q.Field)
	}
	if !field.Indexed && !field.Fast {
		return nil, fmt.Errorf("%w: %q", ErrNotIndexed, q.Field)
	}

	var low, high []byte
	if q.Left != "*" {
		term, err := castTerm(field, q.Left)
		if err != nil {
			return nil, err
		}
		low = term.Key
	}
	if q.Right != "*" {
		term, err := castTerm(field, q.Right)
		if err != nil {
			return nil, err
		}
		high = term.Key
	}
	includeLow, includeHigh := q.IncludingLeft, q.IncludingRight
	fieldName := field.Name

	return &docSetNode{collect: func(segment *index.SegmentReader) ([]uint32, error) {
		var keys [][]byte
		err := segment.TermRange(fieldName, low, high, includeLow, includeHigh, func(key []byte) bool {
			keys = append(keys, append([]byte(nil), key...))
			return true
		})
		if err != nil {
			return nil, err
		}
		return collectTermDocs(segment, fieldName, keys)
	}}, nil
}

func (c *compiler) compileRegex(q *RegexQuery) (node, error) {
	field, ok := c.searcher.Schema.Field(q.Field)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingField, q.Field)
	}
	if !field.Indexed {
		return nil, fmt.Errorf("%w: %q", ErrNotIndexed, q.Field)
	}
	pattern, err := regexp.Compile("^(?:" + q.Value + ")$")
	if err != nil {
		return nil, &SyntaxError{Input: q.Value, Reason: err.Error()}
	}
	fieldName := field.Name

	return &docSetNode{collect: func(segment *index.SegmentReader) ([]uint32, error) {
		var keys [][]byte
		err := segment.TermsOfField(fieldName, func(key []byte, _ uint32) bool {
			if pattern.Match(key) {
				keys = append(keys, append([]byte(nil), key...))
			}
			return true
		})
		if err != nil {
			return nil, err
		}
		return collectTermDocs(segment, fieldName, keys)
	}}, nil
}

func (c *compiler) compileExists(q *ExistsQuery) (node, error) {
	field, ok := c.searcher.Schema.Field(q.Field)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingField, q.Field)
	}
	if !field.Indexed {
		return nil, fmt.Errorf("%w: %q", ErrNotIndexed, q.Field)
	}
	fieldName := field.Name

	return &docSetNode{collect: func(segment *index.SegmentReader) ([]uint32, error) {
		var keys [][]byte
		err := segment.TermsOfField(fieldName, func(key []byte, _ uint32) bool {
			keys = append(keys, append([]byte(nil), key...))
			return true
		})
		if err != nil {
			return nil, err
		}
		return collectTermDocs(segment, fieldName, keys)
	}}, nil
}

// moreLikeThis thresholds applied when mining the example document.
const (
	defaultMaxQueryTerms = 25
)

func (c *compiler) compileMoreLikeThis(q *MoreLikeThisQuery) (node, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(q.Document), &obj); err != nil {
		return nil, &SyntaxError{Input: q.Document, Reason: "more-like-this document is not valid JSON"}
	}

	stopWords := make(map[string]bool, len(q.StopWords))
	for _, word := range q.StopWords {
		stopWords[word] = true
	}
	maxTerms := defaultMaxQueryTerms
	if q.MaxQueryTerms != nil {
		maxTerms = int(*q.MaxQueryTerms)
	}

	type minedTerm struct {
		term index.Term
		freq uint64
	}
	var mined []minedTerm
	for fieldName, raw := range obj {
		field, ok := c.searcher.Schema.Field(fieldName)
		if !ok || !field.Indexed || field.Type != schema.TypeText {
			continue
		}
		text, ok := raw.(string)
		if !ok {
			continue
		}
		analyzer, err := c.searcher.Analyzers().Get(field.Tokenizer)
		if err != nil {
			return nil, err
		}
		counts := make(map[string]uint64)
		for _, tok := range analyzer.Analyze(fieldName, text) {
			if stopWords[tok.Term] {
				continue
			}
			counts[tok.Term]++
		}
		for termText, termFreq := range counts {
			if q.MinTermFrequency != nil && termFreq < *q.MinTermFrequency {
				continue
			}
			term := index.TextTerm(fieldName, termText)
			docFreq, err := c.searcher.DocFreq(term)
			if err != nil {
				return nil, err
			}
			if q.MinDocFrequency != nil && docFreq < *q.MinDocFrequency {
				continue
			}
			if q.MaxDocFrequency != nil && docFreq > *q.MaxDocFrequency {
				continue
			}
			mined = append(mined, minedTerm{term: term, freq: termFreq})
		}
	}
	sort.Slice(mined, func(i, j int) bool { return mined[i].freq > mined[j].freq })
	if len(mined) > maxTerms {
		mined = mined[:maxTerms]
	}
	if len(mined) == 0 {
		return nEmpty{}, nil
	}

	out := &nBool{}
	for _, m := range mined {
		field, _ := c.searcher.Schema.Field(m.term.Field)
		child, err := c.termNode(field, m.term)
		if err != nil {
			return nil, err
		}
		out.shoulds = append(out.shoulds, child)
	}
	if q.Boost != nil {
		return &nBoost{inner: out, boost: *q.Boost}, nil
	}
	return out, nil
}
