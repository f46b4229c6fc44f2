package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/summa-search/summa/internal/query"
)

// QueryDTO is the JSON form of the query AST: a tagged union with exactly
// one member set. A nil DTO means match-all.
type QueryDTO struct {
	All            *struct{}          `json:"all,omitempty"`
	Empty          *struct{}          `json:"empty,omitempty"`
	Boolean        *BooleanDTO        `json:"boolean,omitempty"`
	DisjunctionMax *DisjunctionMaxDTO `json:"disjunction_max,omitempty"`
	Match          *MatchDTO          `json:"match,omitempty"`
	Term           *TermDTO           `json:"term,omitempty"`
	Phrase         *PhraseDTO         `json:"phrase,omitempty"`
	Range          *RangeDTO          `json:"range,omitempty"`
	Regex          *TermDTO           `json:"regex,omitempty"`
	Boost          *BoostDTO          `json:"boost,omitempty"`
	Exists         *ExistsDTO         `json:"exists,omitempty"`
	MoreLikeThis   *MoreLikeThisDTO   `json:"more_like_this,omitempty"`
}

type SubqueryDTO struct {
	Occur string   `json:"occur"`
	Query QueryDTO `json:"query"`
}

type BooleanDTO struct {
	Subqueries []SubqueryDTO `json:"subqueries"`
}

type DisjunctionMaxDTO struct {
	Disjuncts  []QueryDTO `json:"disjuncts"`
	TieBreaker float32    `json:"tie_breaker,omitempty"`
}

type MatchDTO struct {
	Value string `json:"value"`
}

type TermDTO struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

type PhraseDTO struct {
	Field string `json:"field"`
	Value string `json:"value"`
	Slop  uint32 `json:"slop,omitempty"`
}

type RangeValueDTO struct {
	Left           string `json:"left"`
	Right          string `json:"right"`
	IncludingLeft  bool   `json:"including_left"`
	IncludingRight bool   `json:"including_right"`
}

type RangeDTO struct {
	Field string         `json:"field"`
	Value *RangeValueDTO `json:"value"`
}

type BoostDTO struct {
	Query QueryDTO `json:"query"`
	Score float32  `json:"score"`
}

type ExistsDTO struct {
	Field string `json:"field"`
}

type MoreLikeThisDTO struct {
	Document         string   `json:"document"`
	MinDocFrequency  *uint64  `json:"min_doc_frequency,omitempty"`
	MaxDocFrequency  *uint64  `json:"max_doc_frequency,omitempty"`
	MinTermFrequency *uint64  `json:"min_term_frequency,omitempty"`
	MaxQueryTerms    *uint64  `json:"max_query_terms,omitempty"`
	StopWords        []string `json:"stop_words,omitempty"`
	Boost            *float32 `json:"boost,omitempty"`
}

// ToQuery converts the DTO into the AST.
func (d *QueryDTO) ToQuery() (query.Query, error) {
	if d == nil {
		return &query.AllQuery{}, nil
	}
	switch {
	case d.All != nil:
		return &query.AllQuery{}, nil
	case d.Empty != nil:
		return &query.EmptyQuery{}, nil
	case d.Boolean != nil:
		out := &query.BooleanQuery{}
		for _, sub := range d.Boolean.Subqueries {
			occur, err := parseOccur(sub.Occur)
			if err != nil {
				return nil, err
			}
			inner, err := sub.Query.ToQuery()
			if err != nil {
				return nil, err
			}
			out.Subqueries = append(out.Subqueries, query.BooleanClause{Occur: occur, Query: inner})
		}
		return out, nil
	case d.DisjunctionMax != nil:
		out := &query.DisjunctionMaxQuery{TieBreaker: d.DisjunctionMax.TieBreaker}
		for _, disjunct := range d.DisjunctionMax.Disjuncts {
			disjunctCopy := disjunct
			inner, err := disjunctCopy.ToQuery()
			if err != nil {
				return nil, err
			}
			out.Disjuncts = append(out.Disjuncts, inner)
		}
		return out, nil
	case d.Match != nil:
		return &query.MatchQuery{Value: d.Match.Value}, nil
	case d.Term != nil:
		return &query.TermQuery{Field: d.Term.Field, Value: d.Term.Value}, nil
	case d.Phrase != nil:
		return &query.PhraseQuery{Field: d.Phrase.Field, Value: d.Phrase.Value, Slop: d.Phrase.Slop}, nil
	case d.Range != nil:
		if d.Range.Value == nil {
			return nil, query.ErrMissingRange
		}
		return &query.RangeQuery{
			Field:          d.Range.Field,
			Left:           d.Range.Value.Left,
			Right:          d.Range.Value.Right,
			IncludingLeft:  d.Range.Value.IncludingLeft,
			IncludingRight: d.Range.Value.IncludingRight,
		}, nil
	case d.Regex != nil:
		return &query.RegexQuery{Field: d.Regex.Field, Value: d.Regex.Value}, nil
	case d.Boost != nil:
		inner, err := d.Boost.Query.ToQuery()
		if err != nil {
			return nil, err
		}
		return &query.BoostQuery{Query: inner, Score: d.Boost.Score}, nil
	case d.Exists != nil:
		return &query.ExistsQuery{Field: d.Exists.Field}, nil
	case d.MoreLikeThis != nil:
		return &query.MoreLikeThisQuery{
			Document:         d.MoreLikeThis.Document,
			MinDocFrequency:  d.MoreLikeThis.MinDocFrequency,
			MaxDocFrequency:  d.MoreLikeThis.MaxDocFrequency,
			MinTermFrequency: d.MoreLikeThis.MinTermFrequency,
			MaxQueryTerms:    d.MoreLikeThis.MaxQueryTerms,
			StopWords:        d.MoreLikeThis.StopWords,
			Boost:            d.MoreLikeThis.Boost,
		}, nil
	default:
		return &query.AllQuery{}, nil
	}
}

func parseOccur(raw string) (query.Occur, error) {
	switch strings.ToLower(raw) {
	case "", "should":
		return query.Should, nil
	case "must":
		return query.Must, nil
	case "must_not", "mustnot":
		return query.MustNot, nil
	default:
		return query.Should, fmt.Errorf("unknown occur %q", raw)
	}
}

// DecodeQuery parses the JSON query body.
func DecodeQuery(raw json.RawMessage) (query.Query, error) {
	if len(raw) == 0 {
		return &query.AllQuery{}, nil
	}
	var dto QueryDTO
	if err := json.Unmarshal(raw, &dto); err != nil {
		return nil, fmt.Errorf("invalid query body: %w", err)
	}
	return dto.ToQuery()
}
