package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultCacheTTL is the lifetime of a cached embedding.
const DefaultCacheTTL = 6 * time.Hour

// Backend is a string key/value store with TTL. Get reports a miss as
// ok=false with a nil error.
type Backend interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// CacheKey builds the persisted key for a chunk identified by suffix:
// the chunk index, the chunk id, or a text hash.
func CacheKey(documentID, modelName, chunkSuffix string) string {
	if modelName == "" {
		modelName = "default"
	}
	return fmt.Sprintf("embedding:doc:%s:%s:%s", documentID, modelName, chunkSuffix)
}

// ChunkIndexKey builds the cache key for a chunk by its ordinal.
func ChunkIndexKey(documentID, modelName string, chunkIndex int) string {
	return CacheKey(documentID, modelName, fmt.Sprintf("%d", chunkIndex))
}

// ChunkIDKey builds the cache key for a chunk by its id.
func ChunkIDKey(documentID, modelName, chunkID string) string {
	return CacheKey(documentID, modelName, chunkID)
}

// TextHashKey builds the cache key for a chunk with neither index nor
// id, addressing it by content hash.
func TextHashKey(documentID, modelName, text string) string {
	sum := sha256.Sum256([]byte(text))
	return CacheKey(documentID, modelName, hex.EncodeToString(sum[:16]))
}

// WindowKey builds the cache key for a chunk window.
func WindowKey(documentID, modelName string, startIndex, endIndex int) string {
	return CacheKey(documentID, modelName, fmt.Sprintf("window:%d-%d", startIndex, endIndex))
}

// Cache resolves embeddings through a backend before falling back to
// the provider. The cache is advisory: backend failures and corrupt
// entries only force recomputation, never fail the caller.
type Cache struct {
	backend  Backend
	provider Provider
	ttl      time.Duration
	logger   *zap.Logger
	metrics  *Metrics
}

// NewCache creates an embedding cache in front of provider.
func NewCache(backend Backend, provider Provider, ttl time.Duration, logger *zap.Logger, metrics *Metrics) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		backend:  backend,
		provider: provider,
		ttl:      ttl,
		logger:   logger.Named("embedding_cache"),
		metrics:  metrics,
	}
}

// GetOrCompute returns the cached vector for key, or computes it via
// the provider and writes it through best-effort.
func (c *Cache) GetOrCompute(ctx context.Context, key, text, modelCategory, modelName, teamID string) ([]float32, error) {
	if vector, ok := c.lookup(ctx, key, modelName); ok {
		return vector, nil
	}
	c.metrics.RecordCacheMiss(ctx, modelName)

	vector, err := c.provider.Embed(ctx, text, modelCategory, modelName, teamID)
	if err != nil {
		return nil, err
	}

	c.store(ctx, key, vector)
	return vector, nil
}

func (c *Cache) lookup(ctx context.Context, key, modelName string) ([]float32, bool) {
	raw, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Debug("cache get failed, treating as miss",
			zap.String("key", key),
			zap.Error(err),
		)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var vector []float32
	if err := json.Unmarshal([]byte(raw), &vector); err != nil || len(vector) == 0 {
		c.logger.Warn("corrupt cache entry, treating as miss",
			zap.String("key", key),
			zap.Error(err),
		)
		return nil, false
	}

	c.metrics.RecordCacheHit(ctx, modelName)
	return vector, true
}

func (c *Cache) store(ctx context.Context, key string, vector []float32) {
	raw, err := json.Marshal(vector)
	if err != nil {
		c.logger.Warn("cache serialization failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.backend.Set(ctx, key, string(raw), c.ttl); err != nil {
		c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}
