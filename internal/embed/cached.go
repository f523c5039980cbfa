package embed

import (
	"context"
	"crypto/sha256"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Embedder matches semcache.Embedder; declared locally so this package does
// not depend on the cache engine.
type Embedder interface {
	Embed(ctx context.Context, text, model string) ([]float32, error)
}

// Cached wraps an Embedder with an in-memory LRU so the same prompt is not
// embedded twice (a Lookup miss followed by a Store would otherwise pay for
// the identical embedding call back to back). Cached vectors are shared;
// callers must treat them as read-only.
type Cached struct {
	inner Embedder
	lru   *lru.Cache[string, []float32]
}

// NewCached wraps inner with an LRU of the given size.
func NewCached(inner Embedder, size int) (*Cached, error) {
	if size <= 0 {
		size = 1000
	}
	c, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("embed: creating LRU: %w", err)
	}
	return &Cached{inner: inner, lru: c}, nil
}

// Embed returns the memoized vector when available, otherwise delegates to
// the wrapped embedder and caches the result. Failures are never cached.
func (c *Cached) Embed(ctx context.Context, text, model string) ([]float32, error) {
	key := cacheKey(text, model)
	if vec, ok := c.lru.Get(key); ok {
		return vec, nil
	}

	vec, err := c.inner.Embed(ctx, text, model)
	if err != nil {
		return nil, err
	}
	c.lru.Add(key, vec)
	return vec, nil
}

// cacheKey hashes model and text together so distinct models never share a
// memoized vector.
func cacheKey(text, model string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum(nil))
}
