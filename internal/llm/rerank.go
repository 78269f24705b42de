package llm

import (
	"context"
	"sort"
	"strings"

	"github.com/antoniostano/mnemosyne/internal/memory"
)

// KeywordReranker nudges vector-search candidates by lexical overlap with
// the query. It reorders only; the candidate set is returned unchanged in
// membership and length.
type KeywordReranker struct{}

var _ memory.Reranker = (*KeywordReranker)(nil)

func (KeywordReranker) Rerank(ctx context.Context, query string, hits []memory.SearchHit) ([]memory.SearchHit, error) {
	terms := queryTerms(query)
	if len(terms) == 0 || len(hits) < 2 {
		return hits, nil
	}

	type scored struct {
		hit     memory.SearchHit
		overlap int
	}
	out := make([]scored, len(hits))
	for i, h := range hits {
		out[i] = scored{hit: h, overlap: overlapCount(terms, h.Text)}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].overlap > out[j].overlap
	})

	reordered := make([]memory.SearchHit, len(out))
	for i, s := range out {
		reordered[i] = s.hit
	}
	return reordered, nil
}

func queryTerms(query string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,!?;:\"'")
		if len(w) > 3 {
			terms[w] = struct{}{}
		}
	}
	return terms
}

func overlapCount(terms map[string]struct{}, text string) int {
	n := 0
	seen := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:\"'")
		if _, dup := seen[w]; dup {
			continue
		}
		if _, ok := terms[w]; ok {
			n++
			seen[w] = struct{}{}
		}
	}
	return n
}
