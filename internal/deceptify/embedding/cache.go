package embedding

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedEmbedder memoizes embeddings of recently seen texts.
// It is safe for concurrent use.
type CachedEmbedder struct {
	next  Provider
	cache *lru.Cache[string, []float32]
}

// NewCachedEmbedder wraps next with an LRU cache holding up to size vectors.
func NewCachedEmbedder(next Provider, size int) (*CachedEmbedder, error) {
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &CachedEmbedder{next: next, cache: cache}, nil
}

// Embed returns the cached vector for text or computes and stores it.
// Returned slices are shared and must not be modified.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.cache.Get(text); ok {
		return vec, nil
	}
	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(text, vec)
	return vec, nil
}

// Dimension returns the wrapped provider's dimension.
func (c *CachedEmbedder) Dimension() int {
	return c.next.Dimension()
}
