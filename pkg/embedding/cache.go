package embedding

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// CachedModel wraps a Model with a process-scope embedding cache keyed by
// the hash of the input text, so repeated embeds of the same searchable
// text (common across update() calls that did not change it, and across
// repeated entity names) skip the round-trip.
type CachedModel struct {
	inner Model
	cache *ristretto.Cache
}

// NewCachedModel wraps inner with an in-memory cache sized for
// maxEntries-ish items (ristretto sizes by cost, here 1 per entry).
func NewCachedModel(inner Model, maxEntries int64) (*CachedModel, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: new cache: %w", err)
	}
	return &CachedModel{inner: inner, cache: cache}, nil
}

// Embed returns a cached embedding if present, otherwise computes and
// caches one.
func (m *CachedModel) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)
	if v, ok := m.cache.Get(key); ok {
		return v.([]float32), nil
	}
	vec, err := m.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	m.cache.Set(key, vec, 1)
	return vec, nil
}

// Dimension delegates to the wrapped model.
func (m *CachedModel) Dimension() int {
	return m.inner.Dimension()
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return string(sum[:])
}
