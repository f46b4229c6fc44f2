// Package registry is the named handle table over index holders and the
// cross-index fan-out search with k-way merge of ranked results.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/summa-search/summa/internal/collectors"
	"github.com/summa-search/summa/internal/errkind"
	"github.com/summa-search/summa/internal/holder"
	"github.com/summa-search/summa/internal/query"
)

var (
	ErrMissingIndex     = errkind.New(errkind.NotFound, "missing index")
	ErrExistingIndex    = errkind.New(errkind.AlreadyExists, "index already registered")
	ErrUnsupportedMerge = errkind.New(errkind.InvalidArgument, "cross-index merge is not supported for this collector")
)

// Registry maps index names to holders. Add and delete take the write
// lock; searches only read.
type Registry struct {
	logger *zap.Logger

	mu      sync.RWMutex
	holders map[string]*holder.Holder
	aliases map[string]string
}

func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:  logger,
		holders: make(map[string]*holder.Holder),
		aliases: make(map[string]string),
	}
}

// Add registers a holder under its name.
func (r *Registry) Add(h *holder.Holder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.holders[h.Name()]; ok {
		return fmt.Errorf("%w: %q", ErrExistingIndex, h.Name())
	}
	r.holders[h.Name()] = h
	return nil
}

// Delete removes and returns the holder; the caller owns its teardown.
func (r *Registry) Delete(name string) (*holder.Holder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.holders[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingIndex, name)
	}
	delete(r.holders, name)
	for alias, target := range r.aliases {
		if target == name {
			delete(r.aliases, alias)
		}
	}
	return h, nil
}

// SetAlias points an alias at an index.
func (r *Registry) SetAlias(alias, indexName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.holders[indexName]; !ok {
		return fmt.Errorf("%w: %q", ErrMissingIndex, indexName)
	}
	r.aliases[alias] = indexName
	return nil
}

// Get resolves a name or alias to its holder.
func (r *Registry) Get(name string) (*holder.Holder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(name)
}

func (r *Registry) getLocked(name string) (*holder.Holder, error) {
	if target, ok := r.aliases[name]; ok {
		name = target
	}
	h, ok := r.holders[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingIndex, name)
	}
	return h, nil
}

// Names lists the registered index names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.holders))
	for name := range r.holders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Search fans the query out to every named index concurrently, fails fast
// on the first error, and merges the per-index outputs.
func (r *Registry) Search(ctx context.Context, indexNames []string, q query.Query, requests []collectors.Request, fingerprint string) ([]collectors.Output, error) {
	r.mu.RLock()
	targets := make([]*holder.Holder, 0, len(indexNames))
	aliasOf := make([]string, 0, len(indexNames))
	for _, name := range indexNames {
		h, err := r.getLocked(name)
		if err != nil {
			r.mu.RUnlock()
			return nil, err
		}
		targets = append(targets, h)
		aliasOf = append(aliasOf, name)
	}
	r.mu.RUnlock()

	if len(targets) == 1 {
		return targets[0].Search(ctx, aliasOf[0], q, requests, fingerprint)
	}

	searchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	perIndex := make([][]collectors.Output, len(targets))
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target *holder.Holder, alias string) {
			defer wg.Done()
			outputs, err := target.Search(searchCtx, alias, q, requests, fingerprint)
			if err != nil {
				errs[i] = fmt.Errorf("index %q: %w", alias, err)
				cancel()
				return
			}
			perIndex[i] = outputs
		}(i, target, aliasOf[i])
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return mergeOutputs(perIndex, requests)
}

// mergeOutputs k-way merges the per-index collector outputs.
func mergeOutputs(perIndex [][]collectors.Output, requests []collectors.Request) ([]collectors.Output, error) {
	merged := make([]collectors.Output, len(requests))
	for i, request := range requests {
		switch {
		case request.Count != nil:
			var total uint64
			for _, outputs := range perIndex {
				total += outputs[i].Count.Count
			}
			merged[i] = collectors.Output{Count: &collectors.CountOutput{Count: total}}
		case request.TopDocs != nil:
			merged[i] = mergeTopDocs(perIndex, i)
		default:
			return nil, ErrUnsupportedMerge
		}
	}
	return merged, nil
}

// mergeTopDocs merges ranked lists by score descending; ties fall back to
// the per-shard ordering. has_next is the conservative OR.
func mergeTopDocs(perIndex [][]collectors.Output, request int) collectors.Output {
	type cursor struct {
		docs []collectors.ScoredDocument
		pos  int
	}
	cursors := make([]*cursor, 0, len(perIndex))
	hasNext := false
	total := 0
	for _, outputs := range perIndex {
		topDocs := outputs[request].TopDocs
		if topDocs == nil {
			continue
		}
		hasNext = hasNext || topDocs.HasNext
		total += len(topDocs.ScoredDocuments)
		cursors = append(cursors, &cursor{docs: topDocs.ScoredDocuments})
	}

	mergedDocs := make([]collectors.ScoredDocument, 0, total)
	for {
		var best *cursor
		for _, c := range cursors {
			if c.pos >= len(c.docs) {
				continue
			}
			if best == nil || c.docs[c.pos].Score > best.docs[best.pos].Score {
				best = c
			}
		}
		if best == nil {
			break
		}
		doc := best.docs[best.pos]
		doc.Position = uint32(len(mergedDocs))
		mergedDocs = append(mergedDocs, doc)
		best.pos++
	}
	return collectors.Output{TopDocs: &collectors.TopDocsOutput{
		ScoredDocuments: mergedDocs,
		HasNext:         hasNext,
	}}
}
