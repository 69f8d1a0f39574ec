package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/cache"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
)

// resultCache memoizes hybrid retrieval responses per tenant. Keys hash the
// canonical request JSON, so two requests differing in any filter or flag
// never share an entry. Cache problems are logged and ignored; retrieval
// never fails because the cache did.
type resultCache struct {
	logger *observability.Logger
	client cache.Client
	ttl    time.Duration
}

// newResultCache returns nil when caching is disabled or no client is
// configured; callers treat a nil cache as a permanent miss.
func newResultCache(logger *observability.Logger, client cache.Client, enabled bool, ttl time.Duration) *resultCache {
	if !enabled || client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &resultCache{logger: logger, client: client, ttl: ttl}
}

// cacheRequest is the canonical form hashed into the key. encoding/json
// sorts map keys, so equal filters always hash equally.
type cacheRequest struct {
	Request            Request `json:"request"`
	SkipPlanner        bool    `json:"skip_planner"`
	SkipExternalRerank bool    `json:"skip_external_rerank"`
}

func (c *resultCache) key(tenantID string, req Request, skipPlanner, skipExternalRerank bool) (string, error) {
	blob, err := json.Marshal(cacheRequest{
		Request:            req,
		SkipPlanner:        skipPlanner,
		SkipExternalRerank: skipExternalRerank,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(blob)
	return cache.TenantCacheKey(tenantID, "retrieval", "hybrid", hex.EncodeToString(sum[:])), nil
}

func (c *resultCache) get(ctx context.Context, tenantID string, req Request, skipPlanner, skipExternalRerank bool) (*HybridResult, bool) {
	if c == nil {
		return nil, false
	}
	key, err := c.key(tenantID, req, skipPlanner, skipExternalRerank)
	if err != nil {
		return nil, false
	}
	blob, err := c.client.Get(ctx, key)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, false
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("result cache read failed")
		return nil, false
	}
	var out HybridResult
	if err := json.Unmarshal(blob, &out); err != nil {
		c.logger.Warn().Err(err).Msg("result cache entry corrupt, ignoring")
		return nil, false
	}
	return &out, true
}

func (c *resultCache) put(ctx context.Context, tenantID string, req Request, skipPlanner, skipExternalRerank bool, result *HybridResult) {
	if c == nil {
		return
	}
	key, err := c.key(tenantID, req, skipPlanner, skipExternalRerank)
	if err != nil {
		return
	}
	blob, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, blob, c.ttl); err != nil {
		c.logger.Warn().Err(err).Msg("result cache write failed")
	}
}

// invalidateTenant clears a tenant's cached retrievals. Ingestion calls this
// after a document changes the corpus.
func (c *resultCache) invalidateTenant(ctx context.Context, tenantID string) {
	if c == nil {
		return
	}
	prefix := cache.TenantCacheKey(tenantID, "retrieval") + ":"
	if err := c.client.DeleteByPrefix(ctx, prefix); err != nil {
		c.logger.Warn().Err(err).Msg("result cache invalidation failed")
	}
}
