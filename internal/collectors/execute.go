package collectors

import (
	"container/heap"
	"fmt"
	"math/rand"
	"strings"

	"github.com/summa-search/summa/internal/errkind"
	"github.com/summa-search/summa/internal/index"
	"github.com/summa-search/summa/internal/query"
	"github.com/summa-search/summa/internal/scoring"
)

// IntermediateResult is either a terminal output or prepared document
// references to be materialised later (and possibly cached).
type IntermediateResult struct {
	Ready      *Output
	References *PreparedDocumentReferences
}

// PreparedDocumentReferences defers stored-document fetches and snippet
// generation until after caching and cross-index merging.
type PreparedDocumentReferences struct {
	IndexAlias         string
	Searcher           *index.Searcher
	SnippetConfig      *SnippetGeneratorConfig
	ScoredDocAddresses []ScoredDocAddress
	HasNext            bool
	Limit              uint32
	Offset             uint32
	Fields             []string
	ExcludedFields     []string
}

// Clone returns a copy safe for slice adjustment.
func (r *PreparedDocumentReferences) Clone() *PreparedDocumentReferences {
	out := *r
	out.ScoredDocAddresses = append([]ScoredDocAddress(nil), r.ScoredDocAddresses...)
	return &out
}

// Execute runs the compiled query once over the searcher, feeding every
// collector, and returns one intermediate result per request in order.
func Execute(alias string, searcher *index.Searcher, executable *query.Executable, resolved query.Query, requests []Request) ([]IntermediateResult, error) {
	collectorsBuilt := make([]segmentCollector, 0, len(requests))
	for _, request := range requests {
		built, err := build(alias, searcher, resolved, request)
		if err != nil {
			return nil, err
		}
		collectorsBuilt = append(collectorsBuilt, built)
	}

	for ord, segment := range searcher.Segments {
		scorer, err := executable.SegmentScorer(segment)
		if err != nil {
			return nil, err
		}
		for _, collector := range collectorsBuilt {
			if err := collector.beginSegment(ord, segment); err != nil {
				return nil, err
			}
		}
		for scorer.Next() {
			docID := scorer.DocID()
			if segment.IsDeleted(docID) {
				continue
			}
			score := scorer.Score()
			for _, collector := range collectorsBuilt {
				if err := collector.collect(docID, score); err != nil {
					return nil, err
				}
			}
		}
	}

	results := make([]IntermediateResult, 0, len(collectorsBuilt))
	for _, collector := range collectorsBuilt {
		result, err := collector.fruit()
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

type segmentCollector interface {
	beginSegment(ord int, segment *index.SegmentReader) error
	collect(docID uint32, score float32) error
	fruit() (IntermediateResult, error)
}

func build(alias string, searcher *index.Searcher, resolved query.Query, request Request) (segmentCollector, error) {
	switch {
	case request.TopDocs != nil:
		return newTopDocsCollector(alias, searcher, resolved, request.TopDocs)
	case request.ReservoirSampling != nil:
		return newReservoirCollector(alias, searcher, request.ReservoirSampling), nil
	case request.Count != nil:
		return &countCollector{}, nil
	case request.Facet != nil:
		return newFacetCollector(searcher, request.Facet), nil
	case request.Aggregation != nil:
		return newAggregationCollector(searcher, request.Aggregation)
	default:
		return nil, ErrUnknownCollector
	}
}

// scoredHeap is a min-heap over (score, segment, doc) tuples so ties break
// deterministically.
type scoredHeap []ScoredDocAddress

func scoredLess(a, b ScoredDocAddress) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	if a.Address.Segment != b.Address.Segment {
		return a.Address.Segment > b.Address.Segment
	}
	return a.Address.DocID > b.Address.DocID
}

func (h scoredHeap) Len() int           { return len(h) }
func (h scoredHeap) Less(i, j int) bool { return scoredLess(h[i], h[j]) }
func (h scoredHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *scoredHeap) Push(x any)        { *h = append(*h, x.(ScoredDocAddress)) }
func (h *scoredHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topDocsCollector keeps the best limit+offset+1 documents; the extra one
// powers has_next.
type topDocsCollector struct {
	alias    string
	searcher *index.Searcher
	request  *TopDocsRequest

	k       int
	heap    scoredHeap
	matched uint64

	segmentOrd int

	evalSeed    *scoring.EvalScorer
	evalSegment *scoring.SegmentEvalScorer
	orderColumn []uint64
	orderField  string

	snippetConfig *SnippetGeneratorConfig
}

func newTopDocsCollector(alias string, searcher *index.Searcher, resolved query.Query, request *TopDocsRequest) (*topDocsCollector, error) {
	c := &topDocsCollector{
		alias:    alias,
		searcher: searcher,
		request:  request,
		k:        int(request.Offset) + int(request.Limit) + 1,
	}
	if request.Scorer != nil {
		switch {
		case request.Scorer.EvalExpr != "":
			seed, err := scoring.NewEvalScorer(request.Scorer.EvalExpr, searcher.Schema)
			if err != nil {
				return nil, err
			}
			c.evalSeed = seed
		case request.Scorer.OrderBy != "":
			c.orderField = request.Scorer.OrderBy
		}
	}
	if len(request.SnippetConfigs) > 0 {
		c.snippetConfig = NewSnippetGeneratorConfig(searcher, resolved, request.SnippetConfigs)
	}
	return c, nil
}

func (c *topDocsCollector) beginSegment(ord int, segment *index.SegmentReader) error {
	c.segmentOrd = ord
	if c.evalSeed != nil {
		evaluator, err := c.evalSeed.ForSegment(segment)
		if err != nil {
			return err
		}
		c.evalSegment = evaluator
	}
	if c.orderField != "" {
		column, err := segment.FastColumn(c.orderField)
		if err != nil {
			return err
		}
		c.orderColumn = column
	}
	return nil
}

func (c *topDocsCollector) collect(docID uint32, score float32) error {
	c.matched++
	effective := float64(score)
	switch {
	case c.evalSegment != nil:
		evaluated, err := c.evalSegment.Score(docID, score)
		if err != nil {
			return err
		}
		effective = evaluated
	case c.orderColumn != nil:
		if int(docID) < len(c.orderColumn) {
			effective = fastAsFloat(c.searcher, c.orderField, c.orderColumn[docID])
		} else {
			effective = 0
		}
	}

	entry := ScoredDocAddress{
		Address: DocAddress{Segment: c.segmentOrd, DocID: docID},
		Score:   effective,
	}
	if len(c.heap) < c.k {
		heap.Push(&c.heap, entry)
		return nil
	}
	if scoredLess(c.heap[0], entry) {
		c.heap[0] = entry
		heap.Fix(&c.heap, 0)
	}
	return nil
}

func (c *topDocsCollector) fruit() (IntermediateResult, error) {
	sorted := make([]ScoredDocAddress, len(c.heap))
	working := c.heap
	for i := len(sorted) - 1; i >= 0; i-- {
		sorted[i] = heap.Pop(&working).(ScoredDocAddress)
	}

	total := len(sorted)
	hasNext := total > int(c.request.Offset)+int(c.request.Limit)
	if hasNext {
		sorted = sorted[:int(c.request.Offset)+int(c.request.Limit)]
	}

	return IntermediateResult{References: &PreparedDocumentReferences{
		IndexAlias:         c.alias,
		Searcher:           c.searcher,
		SnippetConfig:      c.snippetConfig,
		ScoredDocAddresses: sorted,
		HasNext:            hasNext,
		Limit:              c.request.Limit,
		Offset:             c.request.Offset,
		Fields:             c.request.Fields,
		ExcludedFields:     c.request.ExcludedFields,
	}}, nil
}

func fastAsFloat(searcher *index.Searcher, field string, bits uint64) float64 {
	def, ok := searcher.Schema.Field(field)
	if !ok {
		return float64(bits)
	}
	return scoring.FastValueAsFloat(def.Type, bits)
}

// reservoirCollector samples matching doc addresses uniformly.
type reservoirCollector struct {
	alias    string
	searcher *index.Searcher
	request  *ReservoirSamplingRequest

	segmentOrd int
	seen       uint64
	sample     []ScoredDocAddress
	rng        *rand.Rand
}

func newReservoirCollector(alias string, searcher *index.Searcher, request *ReservoirSamplingRequest) *reservoirCollector {
	return &reservoirCollector{
		alias:    alias,
		searcher: searcher,
		request:  request,
		rng:      rand.New(rand.NewSource(rand.Int63())),
	}
}

func (c *reservoirCollector) beginSegment(ord int, _ *index.SegmentReader) error {
	c.segmentOrd = ord
	return nil
}

func (c *reservoirCollector) collect(docID uint32, _ float32) error {
	address := ScoredDocAddress{Address: DocAddress{Segment: c.segmentOrd, DocID: docID}}
	c.seen++
	if uint32(len(c.sample)) < c.request.Limit {
		c.sample = append(c.sample, address)
		return nil
	}
	if c.request.Limit == 0 {
		return nil
	}
	if slot := c.rng.Int63n(int64(c.seen)); slot < int64(c.request.Limit) {
		c.sample[slot] = address
	}
	return nil
}

func (c *reservoirCollector) fruit() (IntermediateResult, error) {
	return IntermediateResult{References: &PreparedDocumentReferences{
		IndexAlias:         c.alias,
		Searcher:           c.searcher,
		ScoredDocAddresses: c.sample,
		Limit:              c.request.Limit,
		Fields:             c.request.Fields,
	}}, nil
}

type countCollector struct {
	count uint64
}

func (c *countCollector) beginSegment(int, *index.SegmentReader) error { return nil }

func (c *countCollector) collect(uint32, float32) error {
	c.count++
	return nil
}

func (c *countCollector) fruit() (IntermediateResult, error) {
	return IntermediateResult{Ready: &Output{Count: &CountOutput{Count: c.count}}}, nil
}

// facetCollector remembers matched documents per segment and intersects
// them with the facet field's postings at fruit time.
type facetCollector struct {
	searcher *index.Searcher
	request  *FacetRequest

	segmentOrd int
	matched    []map[uint32]bool
}

func newFacetCollector(searcher *index.Searcher, request *FacetRequest) *facetCollector {
	return &facetCollector{
		searcher: searcher,
		request:  request,
		matched:  make([]map[uint32]bool, len(searcher.Segments)),
	}
}

func (c *facetCollector) beginSegment(ord int, _ *index.SegmentReader) error {
	c.segmentOrd = ord
	if c.matched[ord] == nil {
		c.matched[ord] = make(map[uint32]bool)
	}
	return nil
}

func (c *facetCollector) collect(docID uint32, _ float32) error {
	c.matched[c.segmentOrd][docID] = true
	return nil
}

func (c *facetCollector) fruit() (IntermediateResult, error) {
	counts := make(map[string]uint64)
	for ord, segment := range c.searcher.Segments {
		matched := c.matched[ord]
		if len(matched) == 0 {
			continue
		}
		var scanErr error
		err := segment.TermsOfField(c.request.Field, func(key []byte, _ uint32) bool {
			path := string(key)
			if !c.wantFacet(path) {
				return true
			}
			postings, ok, err := segment.Postings(index.FacetTerm(c.request.Field, path))
			if err != nil {
				scanErr = err
				return false
			}
			if !ok {
				return true
			}
			for postings.Next() {
				if matched[postings.DocID()] {
					counts[path]++
				}
			}
			return true
		})
		if err != nil {
			return IntermediateResult{}, err
		}
		if scanErr != nil {
			return IntermediateResult{}, scanErr
		}
	}
	return IntermediateResult{Ready: &Output{Facet: &FacetOutput{FacetCounts: counts}}}, nil
}

func (c *facetCollector) wantFacet(path string) bool {
	if len(c.request.Facets) == 0 {
		return true
	}
	for _, root := range c.request.Facets {
		if strings.HasPrefix(path, root) {
			return true
		}
	}
	return false
}

// Require an informative error when a collector references an absent field.
func fieldError(field string) error {
	return errkind.Tag(errkind.InvalidArgument, fmt.Errorf("collector references unknown field %q", field))
}
