package llm

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/antoniostano/mnemosyne/internal/memory"
)

// CachedEmbedder memoizes embeddings by exact text. The same sanitized text
// is embedded twice on the common path (once at ingress, once when it shows
// up in a retrieval query), so a small cache saves real API calls.
type CachedEmbedder struct {
	inner memory.Embedder
	cache *ristretto.Cache
}

var _ memory.Embedder = (*CachedEmbedder)(nil)

// NewCachedEmbedder wraps inner with a cache bounded to roughly maxBytes of
// vector data.
func NewCachedEmbedder(inner memory.Embedder, maxBytes int64) (*CachedEmbedder, error) {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		if emb, ok := v.([]float32); ok {
			return emb, nil
		}
	}
	emb, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, emb, int64(len(emb))*4)
	return emb, nil
}

func (c *CachedEmbedder) Dimension() int {
	return c.inner.Dimension()
}

// Wait blocks until buffered cache writes are applied. Tests use it to make
// hit checks deterministic.
func (c *CachedEmbedder) Wait() {
	c.cache.Wait()
}
