package collectors

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/summa-search/summa/internal/errkind"
	"github.com/summa-search/summa/internal/index"
	"github.com/summa-search/summa/internal/scoring"
)

// aggregationCollector evaluates a tree of bucket and metric aggregations
// over the fast-field values of matching documents.
type aggregationCollector struct {
	searcher *index.Searcher
	roots    map[string]*aggregator

	segment *index.SegmentReader
	columns map[string][]uint64
}

func newAggregationCollector(searcher *index.Searcher, request *AggregationRequest) (*aggregationCollector, error) {
	c := &aggregationCollector{searcher: searcher, roots: make(map[string]*aggregator, len(request.Aggregations))}
	for name, aggregation := range request.Aggregations {
		built, err := buildAggregator(searcher, aggregation)
		if err != nil {
			return nil, fmt.Errorf("aggregation %q: %w", name, err)
		}
		c.roots[name] = built
	}
	return c, nil
}

// fieldsOf collects every fast field referenced in the aggregation tree.
func fieldsOf(a Aggregation, into map[string]bool) {
	switch {
	case a.Histogram != nil:
		into[a.Histogram.Field] = true
	case a.Range != nil:
		into[a.Range.Field] = true
	case a.Terms != nil:
		into[a.Terms.Field] = true
	case a.Average != nil:
		into[a.Average.Field] = true
	case a.Stats != nil:
		into[a.Stats.Field] = true
	}
	for _, sub := range a.Aggregations {
		fieldsOf(sub, into)
	}
}

func (c *aggregationCollector) beginSegment(_ int, segment *index.SegmentReader) error {
	c.segment = segment
	c.columns = make(map[string][]uint64)
	fields := make(map[string]bool)
	for _, root := range c.roots {
		root.referencedFields(fields)
	}
	for field := range fields {
		column, err := segment.FastColumn(field)
		if err != nil {
			return err
		}
		c.columns[field] = column
	}
	return nil
}

func (c *aggregationCollector) collect(docID uint32, _ float32) error {
	values := func(field string) (float64, bool) {
		column, ok := c.columns[field]
		if !ok || int(docID) >= len(column) {
			return 0, false
		}
		def, ok := c.searcher.Schema.Field(field)
		if !ok {
			return 0, false
		}
		return scoring.FastValueAsFloat(def.Type, column[docID]), true
	}
	for _, root := range c.roots {
		root.feed(values)
	}
	return nil
}

func (c *aggregationCollector) fruit() (IntermediateResult, error) {
	results := make(map[string]AggregationResult, len(c.roots))
	for name, root := range c.roots {
		results[name] = root.result()
	}
	return IntermediateResult{Ready: &Output{Aggregation: &AggregationOutput{AggregationResults: results}}}, nil
}

// aggregator is one node of the aggregation tree.
type aggregator struct {
	spec Aggregation

	// metric state
	count uint64
	sum   float64
	min   float64
	max   float64

	// bucket state: key → bucket
	buckets map[string]*bucketState
}

type bucketState struct {
	key      string
	sortKey  float64
	docCount uint64
	subs     map[string]*aggregator
}

func buildAggregator(searcher *index.Searcher, spec Aggregation) (*aggregator, error) {
	kinds := 0
	for _, set := range []bool{spec.Histogram != nil, spec.Range != nil, spec.Terms != nil, spec.Average != nil, spec.Stats != nil} {
		if set {
			kinds++
		}
	}
	if kinds != 1 {
		return nil, ErrInvalidAggregation
	}
	fields := make(map[string]bool)
	fieldsOf(spec, fields)
	for field := range fields {
		def, ok := searcher.Schema.Field(field)
		if !ok {
			return nil, fieldError(field)
		}
		if !def.Fast {
			return nil, errkind.Tag(errkind.InvalidArgument, fmt.Errorf("aggregation field %q is not a fast field", field))
		}
	}
	if (spec.Average != nil || spec.Stats != nil) && len(spec.Aggregations) > 0 {
		return nil, fmt.Errorf("%w: metric aggregations cannot nest", ErrInvalidAggregation)
	}
	for name, sub := range spec.Aggregations {
		if _, err := buildAggregator(searcher, sub); err != nil {
			return nil, fmt.Errorf("aggregation %q: %w", name, err)
		}
	}
	return &aggregator{
		spec:    spec,
		min:     math.Inf(1),
		max:     math.Inf(-1),
		buckets: make(map[string]*bucketState),
	}, nil
}

func (a *aggregator) referencedFields(into map[string]bool) {
	fieldsOf(a.spec, into)
}

func (a *aggregator) feed(values func(field string) (float64, bool)) {
	switch {
	case a.spec.Average != nil:
		if v, ok := values(a.spec.Average.Field); ok {
			a.count++
			a.sum += v
		}
	case a.spec.Stats != nil:
		if v, ok := values(a.spec.Stats.Field); ok {
			a.count++
			a.sum += v
			a.min = math.Min(a.min, v)
			a.max = math.Max(a.max, v)
		}
	case a.spec.Histogram != nil:
		v, ok := values(a.spec.Histogram.Field)
		if !ok || a.spec.Histogram.Interval <= 0 {
			return
		}
		bucketStart := math.Floor((v-a.spec.Histogram.Offset)/a.spec.Histogram.Interval)*a.spec.Histogram.Interval + a.spec.Histogram.Offset
		a.feedBucket(strconv.FormatFloat(bucketStart, 'g', -1, 64), bucketStart, values)
	case a.spec.Range != nil:
		v, ok := values(a.spec.Range.Field)
		if !ok {
			return
		}
		for i, bound := range a.spec.Range.Ranges {
			if bound.From != nil && v < *bound.From {
				continue
			}
			if bound.To != nil && v >= *bound.To {
				continue
			}
			key := bound.Key
			if key == "" {
				key = rangeKey(bound)
			}
			a.feedBucket(key, float64(i), values)
		}
	case a.spec.Terms != nil:
		v, ok := values(a.spec.Terms.Field)
		if !ok {
			return
		}
		a.feedBucket(strconv.FormatFloat(v, 'g', -1, 64), v, values)
	}
}

func (a *aggregator) feedBucket(key string, sortKey float64, values func(field string) (float64, bool)) {
	bucket, ok := a.buckets[key]
	if !ok {
		bucket = &bucketState{key: key, sortKey: sortKey, subs: make(map[string]*aggregator)}
		for name, sub := range a.spec.Aggregations {
			// Sub-aggregators were validated when the root was built.
			child := &aggregator{
				spec:    sub,
				min:     math.Inf(1),
				max:     math.Inf(-1),
				buckets: make(map[string]*bucketState),
			}
			bucket.subs[name] = child
		}
		a.buckets[key] = bucket
	}
	bucket.docCount++
	for _, sub := range bucket.subs {
		sub.feed(values)
	}
}

func rangeKey(bound RangeBound) string {
	from, to := "*", "*"
	if bound.From != nil {
		from = strconv.FormatFloat(*bound.From, 'g', -1, 64)
	}
	if bound.To != nil {
		to = strconv.FormatFloat(*bound.To, 'g', -1, 64)
	}
	return from + "-" + to
}

func (a *aggregator) result() AggregationResult {
	switch {
	case a.spec.Average != nil:
		value := 0.0
		if a.count > 0 {
			value = a.sum / float64(a.count)
		}
		return AggregationResult{Value: &value}
	case a.spec.Stats != nil:
		stats := &StatsValue{Count: a.count, Sum: a.sum}
		if a.count > 0 {
			stats.Min = a.min
			stats.Max = a.max
			stats.Avg = a.sum / float64(a.count)
		}
		return AggregationResult{Stats: stats}
	default:
		states := make([]*bucketState, 0, len(a.buckets))
		for _, bucket := range a.buckets {
			states = append(states, bucket)
		}
		if a.spec.Terms != nil {
			sort.Slice(states, func(i, j int) bool {
				if states[i].docCount != states[j].docCount {
					return states[i].docCount > states[j].docCount
				}
				return states[i].sortKey < states[j].sortKey
			})
			if size := a.spec.Terms.Size; size > 0 && uint32(len(states)) > size {
				states = states[:size]
			}
		} else {
			sort.Slice(states, func(i, j int) bool { return states[i].sortKey < states[j].sortKey })
		}

		buckets := make([]Bucket, 0, len(states))
		for _, state := range states {
			bucket := Bucket{Key: state.key, DocCount: state.docCount}
			if len(state.subs) > 0 {
				bucket.Aggregations = make(map[string]AggregationResult, len(state.subs))
				for name, sub := range state.subs {
					bucket.Aggregations[name] = sub.result()
				}
			}
			buckets = append(buckets, bucket)
		}
		return AggregationResult{Buckets: buckets}
	}
}
