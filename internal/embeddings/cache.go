package embeddings

import (
	"context"
	"time"

	"github.com/agentoven/triage/pkg/models"
	"github.com/patrickmn/go-cache"
)

// CachedEmbedder memoizes vectors by normalized text in front of another
// embedder. Only the texts missing from the cache reach the backend.
type CachedEmbedder struct {
	next  Embedder
	cache *cache.Cache
}

// NewCachedEmbedder wraps next with a TTL cache.
func NewCachedEmbedder(next Embedder, ttl time.Duration) *CachedEmbedder {
	return &CachedEmbedder{
		next:  next,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (c *CachedEmbedder) Kind() string    { return c.next.Kind() }
func (c *CachedEmbedder) Dimensions() int { return c.next.Dimensions() }

func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	var missing []string
	var missingIdx []int
	for i, t := range texts {
		if v, ok := c.cache.Get(key(t)); ok {
			out[i] = v.([]float64)
			continue
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vectors, err := c.next.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, v := range vectors {
		out[missingIdx[j]] = v
		c.cache.SetDefault(key(missing[j]), v)
	}
	return out, nil
}

func (c *CachedEmbedder) HealthCheck(ctx context.Context) error {
	return c.next.HealthCheck(ctx)
}

// Len reports how many vectors are cached.
func (c *CachedEmbedder) Len() int { return c.cache.ItemCount() }

func key(text string) string { return models.NormalizeText(text) }
