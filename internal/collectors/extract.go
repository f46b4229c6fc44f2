package collectors

import (
	"github.com/summa-search/summa/internal/schema"
)

// Materialize converts intermediate results into terminal outputs, fetching
// stored documents and generating snippets for document-reference results.
func Materialize(results []IntermediateResult, requests []Request) ([]Output, error) {
	outputs := make([]Output, 0, len(results))
	for i, result := range results {
		if result.Ready != nil {
			outputs = append(outputs, *result.Ready)
			continue
		}
		refs := result.References
		documents, err := materializeDocuments(refs)
		if err != nil {
			return nil, err
		}
		if i < len(requests) && requests[i].ReservoirSampling != nil {
			outputs = append(outputs, Output{ReservoirSampling: &ReservoirSamplingOutput{Documents: documents}})
			continue
		}
		outputs = append(outputs, Output{TopDocs: &TopDocsOutput{
			ScoredDocuments: documents,
			HasNext:         refs.HasNext,
		}})
	}
	return outputs, nil
}

// materializeDocuments fetches stored fields for each address, applies the
// field filters and generates snippets. The offset is applied here: the
// collector keeps offset+limit entries so caching can re-slice them.
func materializeDocuments(refs *PreparedDocumentReferences) ([]ScoredDocument, error) {
	addresses := refs.ScoredDocAddresses
	if int(refs.Offset) < len(addresses) {
		addresses = addresses[refs.Offset:]
	} else {
		addresses = nil
	}
	if uint32(len(addresses)) > refs.Limit {
		addresses = addresses[:refs.Limit]
	}

	include := make(map[string]bool, len(refs.Fields))
	for _, field := range refs.Fields {
		include[field] = true
	}
	exclude := make(map[string]bool, len(refs.ExcludedFields))
	for _, field := range refs.ExcludedFields {
		exclude[field] = true
	}
	multiFields := make(map[string]bool, len(refs.Searcher.Attributes.MultiFields))
	for _, field := range refs.Searcher.Attributes.MultiFields {
		multiFields[field] = true
	}

	documents := make([]ScoredDocument, 0, len(addresses))
	for position, address := range addresses {
		segment := refs.Searcher.Segments[address.Address.Segment]
		doc, err := segment.StoredDocument(address.Address.DocID)
		if err != nil {
			return nil, err
		}

		filtered := doc
		if len(include) > 0 || len(exclude) > 0 {
			filtered = &schema.Document{}
			for _, fv := range doc.Fields {
				if len(include) > 0 && !include[fv.Field] {
					continue
				}
				if exclude[fv.Field] {
					continue
				}
				filtered.Add(fv.Field, fv.Value)
			}
		}
		rendered, err := schema.SerializeDocument(refs.Searcher.Schema, filtered, multiFields)
		if err != nil {
			return nil, err
		}

		scored := ScoredDocument{
			IndexAlias: refs.IndexAlias,
			Document:   rendered,
			Score:      address.Score,
			Position:   uint32(position),
		}
		if refs.SnippetConfig != nil {
			scored.Snippets = refs.SnippetConfig.Generate(doc)
		}
		documents = append(documents, scored)
	}
	return documents, nil
}
