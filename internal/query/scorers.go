package query

import (
	"sort"
)

// Scorer iterates the matching documents of one segment in doc-id order,
// producing a score for each.
type Scorer interface {
	// Next advances to the next matching document.
	Next() bool
	// Advance moves to the first matching document >= target.
	Advance(target uint32) bool
	// DocID returns the current document. Valid after Next/Advance returned
	// true.
	DocID() uint32
	// Score returns the current document's score.
	Score() float32
}

type emptyScorer struct{}

func (emptyScorer) Next() bool          { return false }
func (emptyScorer) Advance(uint32) bool { return false }
func (emptyScorer) DocID() uint32       { return 0 }
func (emptyScorer) Score() float32      { return 0 }

type allScorer struct {
	numDocs uint32
	current int64
	score   float32
}

func newAllScorer(numDocs uint32) *allScorer {
	return &allScorer{numDocs: numDocs, current: -1, score: 1}
}

func (s *allScorer) Next() bool {
	s.current++
	return s.current < int64(s.numDocs)
}

func (s *allScorer) Advance(target uint32) bool {
	if s.current < int64(target) {
		s.current = int64(target)
	}
	return s.current < int64(s.numDocs)
}

func (s *allScorer) DocID() uint32  { return uint32(s.current) }
func (s *allScorer) Score() float32 { return s.score }

// postingsScorer adapts a postings iterator, weighting term frequency.
type postingsScorer struct {
	docIDs []uint32
	freqs  []uint32
	pos    int
	weight func(freq uint32) float32
}

func newPostingsScorer(docIDs, freqs []uint32, weight func(freq uint32) float32) *postingsScorer {
	return &postingsScorer{docIDs: docIDs, freqs: freqs, pos: -1, weight: weight}
}

func (s *postingsScorer) Next() bool {
	s.pos++
	return s.pos < len(s.docIDs)
}

func (s *postingsScorer) Advance(target uint32) bool {
	if s.pos >= 0 && s.pos < len(s.docIDs) && s.docIDs[s.pos] >= target {
		return true
	}
	i := sort.Search(len(s.docIDs), func(i int) bool { return s.docIDs[i] >= target })
	s.pos = i
	return s.pos < len(s.docIDs)
}

func (s *postingsScorer) DocID() uint32 { return s.docIDs[s.pos] }

func (s *postingsScorer) Score() float32 {
	freq := uint32(1)
	if s.freqs != nil && s.pos < len(s.freqs) {
		freq = s.freqs[s.pos]
	}
	return s.weight(freq)
}

// constScorer gives every document of the wrapped scorer a fixed score.
type constScorer struct {
	inner Scorer
	score float32
}

func (s *constScorer) Next() bool                 { return s.inner.Next() }
func (s *constScorer) Advance(target uint32) bool { return s.inner.Advance(target) }
func (s *constScorer) DocID() uint32              { return s.inner.DocID() }
func (s *constScorer) Score() float32             { return s.score }

type boostScorer struct {
	inner Scorer
	boost float32
}

func (s *boostScorer) Next() bool                 { return s.inner.Next() }
func (s *boostScorer) Advance(target uint32) bool { return s.inner.Advance(target) }
func (s *boostScorer) DocID() uint32              { return s.inner.DocID() }
func (s *boostScorer) Score() float32             { return s.inner.Score() * s.boost }

// conjunctionScorer aligns all children on the same document; the score is
// the sum of the children's scores. The first child leads.
type conjunctionScorer struct {
	children []Scorer
	current  uint32
	started  bool
}

func newConjunctionScorer(children []Scorer) Scorer {
	if len(children) == 0 {
		return emptyScorer{}
	}
	if len(children) == 1 {
		return children[0]
	}
	return &conjunctionScorer{children: children}
}

func (s *conjunctionScorer) Next() bool {
	if !s.started {
		s.started = true
		for _, child := range s.children {
			if !child.Next() {
				return false
			}
		}
		return s.align()
	}
	if !s.children[0].Next() {
		return false
	}
	return s.align()
}

func (s *conjunctionScorer) Advance(target uint32) bool {
	if !s.started {
		s.started = true
		for _, child := range s.children {
			if !child.Next() {
				return false
			}
		}
	}
	if !s.children[0].Advance(target) {
		return false
	}
	return s.align()
}

func (s *conjunctionScorer) align() bool {
	target := s.children[0].DocID()
	for {
		aligned := true
		for _, child := range s.children {
			if child.DocID() == target {
				continue
			}
			if !child.Advance(target) {
				return false
			}
			if child.DocID() > target {
				target = child.DocID()
				aligned = false
			}
		}
		if aligned {
			s.current = target
			return true
		}
	}
}

func (s *conjunctionScorer) DocID() uint32 { return s.current }

func (s *conjunctionScorer) Score() float32 {
	var total float32
	for _, child := range s.children {
		total += child.Score()
	}
	return total
}

// disjunctionScorer merges children in doc-id order. combine turns the
// matching children's scores into the document score.
type disjunctionScorer struct {
	children []Scorer
	valid    []bool
	current  uint32
	started  bool
	combine  func(scores []float32) float32
	scratch  []float32
}

func sumScores(scores []float32) float32 {
	var total float32
	for _, s := range scores {
		total += s
	}
	return total
}

func newDisjunctionScorer(children []Scorer, combine func(scores []float32) float32) Scorer {
	if len(children) == 0 {
		return emptyScorer{}
	}
	if combine == nil {
		combine = sumScores
	}
	if len(children) == 1 {
		return children[0]
	}
	return &disjunctionScorer{children: children, valid: make([]bool, len(children)), combine: combine}
}

func (s *disjunctionScorer) start() {
	for i, child := range s.children {
		s.valid[i] = child.Next()
	}
	s.started = true
}

func (s *disjunctionScorer) Next() bool {
	if !s.started {
		s.start()
	} else {
		for i, child := range s.children {
			if s.valid[i] && child.DocID() == s.current {
				s.valid[i] = child.Next()
			}
		}
	}
	return s.settle()
}

func (s *disjunctionScorer) Advance(target uint32) bool {
	if !s.started {
		s.start()
	}
	for i, child := range s.children {
		if s.valid[i] && child.DocID() < target {
			s.valid[i] = child.Advance(target)
		}
	}
	return s.settle()
}

func (s *disjunctionScorer) settle() bool {
	found := false
	var minDoc uint32
	for i, child := range s.children {
		if !s.valid[i] {
			continue
		}
		if !found || child.DocID() < minDoc {
			minDoc = child.DocID()
			found = true
		}
	}
	if !found {
		return false
	}
	s.current = minDoc
	return true
}

func (s *disjunctionScorer) DocID() uint32 { return s.current }

func (s *disjunctionScorer) Score() float32 {
	s.scratch = s.scratch[:0]
	for i, child := range s.children {
		if s.valid[i] && child.DocID() == s.current {
			s.scratch = append(s.scratch, child.Score())
		}
	}
	return s.combine(s.scratch)
}

// exclusionScorer drops documents matched by the exclude scorer.
type exclusionScorer struct {
	include      Scorer
	exclude      Scorer
	excludeValid bool
	excludeMoved bool
}

func newExclusionScorer(include, exclude Scorer) Scorer {
	return &exclusionScorer{include: include, exclude: exclude}
}

func (s *exclusionScorer) Next() bool {
	for s.include.Next() {
		if !s.excluded(s.include.DocID()) {
			return true
		}
	}
	return false
}

func (s *exclusionScorer) Advance(target uint32) bool {
	if !s.include.Advance(target) {
		return false
	}
	if !s.excluded(s.include.DocID()) {
		return true
	}
	return s.Next()
}

func (s *exclusionScorer) excluded(docID uint32) bool {
	if !s.excludeMoved {
		s.excludeMoved = true
		s.excludeValid = s.exclude.Next()
	}
	if s.excludeValid && s.exclude.DocID() < docID {
		s.excludeValid = s.exclude.Advance(docID)
	}
	return s.excludeValid && s.exclude.DocID() == docID
}

func (s *exclusionScorer) DocID() uint32  { return s.include.DocID() }
func (s *exclusionScorer) Score() float32 { return s.include.Score() }

// phraseScorer aligns term scorers and verifies token positions.
type phraseScorer struct {
	conjunction Scorer
	positions   func() [][]uint32
	slop        uint32
	score       float32
}

func (s *phraseScorer) Next() bool {
	for s.conjunction.Next() {
		if phraseMatches(s.positions(), s.slop) {
			return true
		}
	}
	return false
}

func (s *phraseScorer) Advance(target uint32) bool {
	if !s.conjunction.Advance(target) {
		return false
	}
	if phraseMatches(s.positions(), s.slop) {
		return true
	}
	return s.Next()
}

func (s *phraseScorer) DocID() uint32  { return s.conjunction.DocID() }
func (s *phraseScorer) Score() float32 { return s.score * s.conjunction.Score() }

// phraseMatches reports whether there is an increasing assignment of
// positions whose total displacement stays within slop.
func phraseMatches(termPositions [][]uint32, slop uint32) bool {
	if len(termPositions) == 0 {
		return false
	}
	for _, positions := range termPositions {
		if len(positions) == 0 {
			return false
		}
	}
	for _, start := range termPositions[0] {
		previous := start
		ok := true
		for _, positions := range termPositions[1:] {
			i := sort.Search(len(positions), func(i int) bool { return positions[i] > previous })
			if i == len(positions) {
				ok = false
				break
			}
			previous = positions[i]
		}
		if !ok {
			continue
		}
		spread := previous - start
		if spread <= uint32(len(termPositions)-1)+slop {
			return true
		}
	}
	return false
}
