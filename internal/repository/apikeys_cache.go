package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmehdipour/ingest-gateway/internal/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCache is the subset of the go-redis client used for caching.
type RedisCache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// CachedAPIKeysRepository is a read-through Redis cache in front of an
// APIKeysRepository. Only GetByID is cached; Revoke drops the entry.
// Cache failures never fail the call.
type CachedAPIKeysRepository struct {
	APIKeysRepository
	cache RedisCache
	ttl   time.Duration
	log   *zap.Logger
}

func NewCachedAPIKeysRepository(repo APIKeysRepository, cache RedisCache, ttl time.Duration, log *zap.Logger) *CachedAPIKeysRepository {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CachedAPIKeysRepository{APIKeysRepository: repo, cache: cache, ttl: ttl, log: log}
}

func apiKeyCacheKey(id string) string { return "ingw:apikey:" + id }

func (c *CachedAPIKeysRepository) GetByID(ctx context.Context, id string) (*model.APIKey, error) {
	ck := apiKeyCacheKey(id)

	if raw, err := c.cache.Get(ctx, ck).Bytes(); err == nil {
		var k model.APIKey
		if err := json.Unmarshal(raw, &k); err == nil {
			return &k, nil
		}
		c.log.Debug("drop undecodable api key cache entry", zap.String("key_id", id))
	} else if err != redis.Nil {
		c.log.Warn("api key cache get failed", zap.String("key_id", id), zap.Error(err))
	}

	k, err := c.APIKeysRepository.GetByID(ctx, id)
	if err != nil || k == nil {
		// misses are not cached so a key created right after a failed lookup is visible
		return k, err
	}

	raw, err := json.Marshal(k)
	if err != nil {
		return k, nil
	}
	if err := c.cache.Set(ctx, ck, raw, c.ttl).Err(); err != nil {
		c.log.Warn("api key cache set failed", zap.String("key_id", id), zap.Error(err))
	}
	return k, nil
}

func (c *CachedAPIKeysRepository) Revoke(ctx context.Context, id string, at time.Time) (bool, error) {
	ok, err := c.APIKeysRepository.Revoke(ctx, id, at)
	if err != nil {
		return false, err
	}
	if err := c.cache.Del(ctx, apiKeyCacheKey(id)).Err(); err != nil {
		c.log.Warn("api key cache invalidation failed", zap.String("key_id", id), zap.Error(err))
	}
	return ok, nil
}
