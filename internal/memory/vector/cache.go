package vector

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/ent0n29/voicememory/internal/memory"
)

// EmbeddingCache memoizes embeddings by normalized content hash, so
// re-adding a fact or repeating a query skips the provider call.
type EmbeddingCache struct {
	cache *ristretto.Cache[string, []float32]
	next  EmbeddingFunc
}

// NewEmbeddingCache wraps next with a cache holding roughly maxEntries
// vectors.
func NewEmbeddingCache(next EmbeddingFunc, maxEntries int64) (*EmbeddingCache, error) {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &EmbeddingCache{cache: c, next: next}, nil
}

// Func returns the cached embedding function.
func (c *EmbeddingCache) Func() EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		key := memory.ContentHash(text)
		if v, ok := c.cache.Get(key); ok {
			return v, nil
		}
		v, err := c.next(ctx, text)
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, v, 1)
		return v, nil
	}
}

// Wait blocks until pending sets are visible to Get.
func (c *EmbeddingCache) Wait() { c.cache.Wait() }

func (c *EmbeddingCache) Close() { c.cache.Close() }
