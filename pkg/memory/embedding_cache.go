package memory

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedEmbeddingProvider memoizes embeddings by provider, model and text.
type CachedEmbeddingProvider struct {
	inner    EmbeddingProvider
	provider string
	model    string
	cache    *lru.Cache[string, []float32]
	hits     atomic.Int64
	misses   atomic.Int64
}

// NewCachedEmbeddingProvider wraps inner with an LRU cache holding size entries.
func NewCachedEmbeddingProvider(inner EmbeddingProvider, provider, model string, size int) (*CachedEmbeddingProvider, error) {
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &CachedEmbeddingProvider{
		inner:    inner,
		provider: provider,
		model:    model,
		cache:    cache,
	}, nil
}

func (c *CachedEmbeddingProvider) key(text string) string {
	sum := md5.Sum([]byte(c.provider + ":" + c.model + ":" + text))
	return hex.EncodeToString(sum[:])
}

func (c *CachedEmbeddingProvider) Dimension() int {
	return c.inner.Dimension()
}

// Model returns the model of the wrapped provider.
func (c *CachedEmbeddingProvider) Model() string {
	return c.model
}

func (c *CachedEmbeddingProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)
	if v, ok := c.cache.Get(key); ok {
		c.hits.Add(1)
		return v, nil
	}
	c.misses.Add(1)

	v, err := c.inner.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, v)
	return v, nil
}

// GenerateEmbeddings only sends cache misses to the wrapped provider.
func (c *CachedEmbeddingProvider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	for i, text := range texts {
		if v, ok := c.cache.Get(c.key(text)); ok {
			c.hits.Add(1)
			out[i] = v
			continue
		}
		c.misses.Add(1)
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 {
		return out, nil
	}

	fresh, err := c.inner.GenerateEmbeddings(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missing) {
		return nil, unavailable(fmt.Errorf("provider returned %d embeddings for %d inputs", len(fresh), len(missing)))
	}

	for j, v := range fresh {
		out[missingIdx[j]] = v
		c.cache.Add(c.key(missing[j]), v)
	}
	return out, nil
}

// HitRate returns the fraction of lookups served from the cache, or -1 before
// the first lookup.
func (c *CachedEmbeddingProvider) HitRate() float64 {
	hits, misses := c.hits.Load(), c.misses.Load()
	if hits+misses == 0 {
		return -1
	}
	return float64(hits) / float64(hits+misses)
}
