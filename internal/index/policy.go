package index

import "math"

// MergePolicy picks groups of segments worth merging after a commit.
type MergePolicy interface {
	ComputeMergeCandidates(segments []SegmentMeta) [][]string
}

// FrozenLogMergePolicy is a log-layered merge policy that never touches
// frozen segments. Segments are bucketed by the logarithm of their live doc
// count; a bucket with at least MinNumSegments members becomes one merge.
type FrozenLogMergePolicy struct {
	MinNumSegments  int
	MinLayerSize    uint32
	LevelLogSize    float64
	MaxDocsPerMerge uint32
}

func NewFrozenLogMergePolicy() *FrozenLogMergePolicy {
	return &FrozenLogMergePolicy{
		MinNumSegments:  8,
		MinLayerSize:    10_000,
		LevelLogSize:    0.75,
		MaxDocsPerMerge: 10_000_000,
	}
}

func (p *FrozenLogMergePolicy) ComputeMergeCandidates(segments []SegmentMeta) [][]string {
	levels := make(map[int][]SegmentMeta)
	for _, segment := range segments {
		if segment.IsFrozen() {
			continue
		}
		if segment.Alive() == 0 || segment.Alive() > p.MaxDocsPerMerge {
			continue
		}
		levels[p.level(segment.Alive())] = append(levels[p.level(segment.Alive())], segment)
	}

	var candidates [][]string
	for _, bucket := range levels {
		if len(bucket) < p.MinNumSegments {
			continue
		}
		ids := make([]string, 0, len(bucket))
		for _, segment := range bucket {
			ids = append(ids, segment.ID)
		}
		candidates = append(candidates, ids)
	}
	return candidates
}

func (p *FrozenLogMergePolicy) level(aliveDocs uint32) int {
	clamped := aliveDocs
	if clamped < p.MinLayerSize {
		clamped = p.MinLayerSize
	}
	return int(math.Floor(math.Log(float64(clamped)) / p.LevelLogSize))
}
