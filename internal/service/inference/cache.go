package inference

import (
	"context"
	"errors"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pgvector/pgvector-go"

	"github.com/fmaa-ecosystem/fmaa/internal/storage"
)

// CachedEmbedder memoises embeddings in an in-process LRU, optionally backed
// by a persistent store shared between replicas. Items re-scored across
// recommendation requests are only embedded once.
type CachedEmbedder struct {
	next   Embedder
	cache  *lru.Cache[string, pgvector.Vector]
	store  storage.EmbeddingStore
	logger *slog.Logger
}

// NewCachedEmbedder wraps next. store may be nil.
func NewCachedEmbedder(next Embedder, size int, store storage.EmbeddingStore, logger *slog.Logger) (*CachedEmbedder, error) {
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[string, pgvector.Vector](size)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedEmbedder{next: next, cache: cache, store: store, logger: logger}, nil
}

// Embed returns a cached vector or computes and stores a new one.
func (c *CachedEmbedder) Embed(ctx context.Context, text, model string) (pgvector.Vector, error) {
	key := model + "\x00" + storage.ContentHash(text)
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}

	if c.store != nil {
		vec, err := c.store.GetEmbedding(ctx, model, text)
		switch {
		case err == nil:
			c.cache.Add(key, vec)
			return vec, nil
		case !errors.Is(err, storage.ErrNotFound):
			c.logger.Warn("inference: embedding cache lookup failed", "error", err)
		}
	}

	vec, err := c.next.Embed(ctx, text, model)
	if err != nil {
		return pgvector.Vector{}, err
	}
	c.cache.Add(key, vec)
	if c.store != nil {
		if err := c.store.PutEmbedding(ctx, model, text, vec); err != nil {
			c.logger.Warn("inference: embedding cache write failed", "error", err)
		}
	}
	return vec, nil
}

// Len returns the number of in-memory entries.
func (c *CachedEmbedder) Len() int { return c.cache.Len() }

// Ready delegates to the wrapped embedder when it has a readiness check.
func (c *CachedEmbedder) Ready(ctx context.Context) error {
	if r, ok := c.next.(interface{ Ready(context.Context) error }); ok {
		return r.Ready(ctx)
	}
	return nil
}
