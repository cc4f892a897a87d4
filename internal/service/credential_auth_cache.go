package service

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/agentgate/agentgate/internal/config"
)

// ErrAuthCacheMiss is returned by CredentialCache implementations when the
// entry is absent; any other error means the cache tier is unhealthy.
var ErrAuthCacheMiss = errors.New("auth cache miss")

// CredentialAuthSnapshot carries the minimal fields the request auth path
// needs, so a cache hit never touches the database.
type CredentialAuthSnapshot struct {
	CredentialID string                   `json:"credential_id"`
	TenantID     string                   `json:"tenant_id"`
	Name         string                   `json:"name"`
	Status       string                   `json:"status"`
	Tenant       CredentialTenantSnapshot `json:"tenant"`
}

type CredentialTenantSnapshot struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// CredentialAuthCacheEntry is the cached unit; NotFound entries implement
// negative caching for unknown keys.
type CredentialAuthCacheEntry struct {
	NotFound bool                    `json:"not_found"`
	Snapshot *CredentialAuthSnapshot `json:"snapshot,omitempty"`
}

type credentialAuthCacheConfig struct {
	l1Size        int
	l1TTL         time.Duration
	l2TTL         time.Duration
	negativeTTL   time.Duration
	jitterPercent int
	singleflight  bool
	touchDebounce time.Duration
}

var (
	authJitterMu sync.Mutex
	// Independent source so cache jitter never depends on the global seed.
	authJitterRand = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func newCredentialAuthCacheConfig(cfg *config.Config) credentialAuthCacheConfig {
	if cfg == nil {
		return credentialAuthCacheConfig{}
	}
	auth := cfg.Auth
	return credentialAuthCacheConfig{
		l1Size:        auth.CacheL1Size,
		l1TTL:         time.Duration(auth.CacheL1TTLSeconds) * time.Second,
		l2TTL:         time.Duration(auth.CacheL2TTLSeconds) * time.Second,
		negativeTTL:   time.Duration(auth.NegativeTTLSeconds) * time.Second,
		jitterPercent: auth.JitterPercent,
		singleflight:  auth.Singleflight,
		touchDebounce: time.Duration(auth.TouchDebounceSeconds) * time.Second,
	}
}

func (c credentialAuthCacheConfig) l1Enabled() bool {
	return c.l1Size > 0 && c.l1TTL > 0
}

func (c credentialAuthCacheConfig) l2Enabled() bool {
	return c.l2TTL > 0
}

func (c credentialAuthCacheConfig) negativeEnabled() bool {
	return c.negativeTTL > 0
}

// jitterTTL spreads expirations so a burst of cached credentials does not
// stampede the database when they all age out together.
func (c credentialAuthCacheConfig) jitterTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 || c.jitterPercent <= 0 {
		return ttl
	}
	percent := c.jitterPercent
	if percent > 100 {
		percent = 100
	}
	delta := float64(percent) / 100
	authJitterMu.Lock()
	randVal := authJitterRand.Float64()
	authJitterMu.Unlock()
	factor := 1 - delta + randVal*(2*delta)
	if factor <= 0 {
		return ttl
	}
	return time.Duration(float64(ttl) * factor)
}
