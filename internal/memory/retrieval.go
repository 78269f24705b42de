package memory

import (
	"context"
	"fmt"
	"sort"
)

// RetrievalEngine surfaces ranked historical summaries and turns from the
// persistent store for prompt augmentation. Results are deduplicated against
// the live window so retrieval only returns material not already visible in
// short-term memory.
type RetrievalEngine struct {
	store    Store
	embedder Embedder
	reranker Reranker // optional
	overscan int
}

// NewRetrievalEngine wires a retrieval engine. reranker may be nil, in which
// case the store's ranking is used directly.
func NewRetrievalEngine(store Store, embedder Embedder, reranker Reranker, overscan int) *RetrievalEngine {
	return &RetrievalEngine{
		store:    store,
		embedder: embedder,
		reranker: reranker,
		overscan: overscan,
	}
}

// Retrieve embeds the sanitized query, over-fetches candidates from the
// store, optionally reranks them against the raw query, drops any candidate
// excluded by the caller, and returns the first topK survivors. Ties on
// score are broken by recency, newer first.
//
// exclude may be nil. It typically reports membership in the live window's
// turn buffer and summary ring.
func (e *RetrievalEngine) Retrieve(ctx context.Context, query string, topK int, exclude func(id string) bool) ([]SearchHit, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("%w: top-k %d", ErrInvalidCount, topK)
	}

	embedding, err := e.embedder.Embed(ctx, StripAnnotations(query))
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	fetch := e.overscan
	if fetch < topK {
		fetch = topK
	}
	hits, err := e.store.VectorSearch(ctx, embedding, fetch)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].CreatedAt.After(hits[j].CreatedAt)
	})

	// Reranking is a pure reordering over the raw query text; it never
	// introduces or drops candidates. Its order is final.
	if e.reranker != nil {
		reranked, err := e.reranker.Rerank(ctx, query, hits)
		if err != nil {
			return nil, fmt.Errorf("rerank: %w", err)
		}
		if len(reranked) != len(hits) {
			return nil, fmt.Errorf("reranker changed candidate count: %d -> %d", len(hits), len(reranked))
		}
		hits = reranked
	}

	out := make([]SearchHit, 0, topK)
	for _, h := range hits {
		if exclude != nil && exclude(h.ID) {
			continue
		}
		out = append(out, h)
		if len(out) == topK {
			break
		}
	}
	return out, nil
}
