package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentgate/agentgate/internal/service"
)

const credentialAuthCachePrefix = "ag:auth:credential:"

type credentialCache struct {
	rdb *redis.Client
}

// NewCredentialCache is the redis L2 tier behind the credential auth cache.
// A nil client disables the tier; the service falls through to the store.
func NewCredentialCache(rdb *redis.Client) service.CredentialCache {
	if rdb == nil {
		return nil
	}
	return &credentialCache{rdb: rdb}
}

func credentialAuthCacheKey(cacheKey string) string {
	return credentialAuthCachePrefix + cacheKey
}

func (c *credentialCache) GetAuthEntry(ctx context.Context, cacheKey string) (*service.CredentialAuthCacheEntry, error) {
	raw, err := c.rdb.Get(ctx, credentialAuthCacheKey(cacheKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, service.ErrAuthCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get auth cache: %w", err)
	}
	entry := &service.CredentialAuthCacheEntry{}
	if err := json.Unmarshal(raw, entry); err != nil {
		return nil, fmt.Errorf("decode auth cache entry: %w", err)
	}
	return entry, nil
}

func (c *credentialCache) SetAuthEntry(ctx context.Context, cacheKey string, entry *service.CredentialAuthCacheEntry, ttl time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode auth cache entry: %w", err)
	}
	return c.rdb.Set(ctx, credentialAuthCacheKey(cacheKey), raw, ttl).Err()
}

func (c *credentialCache) DeleteAuthEntry(ctx context.Context, cacheKey string) error {
	return c.rdb.Del(ctx, credentialAuthCacheKey(cacheKey)).Err()
}
