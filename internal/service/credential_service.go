package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/domain"
	infraerrors "github.com/agentgate/agentgate/internal/pkg/errors"
)

// ErrInvalidAPIKey covers every auth failure: unknown key, disabled
// credential, suspended tenant. Callers never learn which.
var ErrInvalidAPIKey = infraerrors.Unauthorized("INVALID_API_KEY", "invalid api key")

const credentialLastUsedMinTouch = 60 * time.Second

// CredentialCache is the L2 tier of the auth cache.
type CredentialCache interface {
	GetAuthEntry(ctx context.Context, cacheKey string) (*CredentialAuthCacheEntry, error)
	SetAuthEntry(ctx context.Context, cacheKey string, entry *CredentialAuthCacheEntry, ttl time.Duration) error
	DeleteAuthEntry(ctx context.Context, cacheKey string) error
}

// Identity is what authentication hands to the rest of the request.
type Identity struct {
	TenantID       string
	TenantName     string
	CredentialID   string
	CredentialName string
}

// CredentialService authenticates API keys and manages credential records.
type CredentialService struct {
	credentialRepo CredentialRepository
	cache          CredentialCache
	cfg            *config.Config

	authCacheL1 *ristretto.Cache
	authCfg     credentialAuthCacheConfig
	authGroup   singleflight.Group

	lastUsedTouchL1 sync.Map // credential id -> last touch time
}

func NewCredentialService(credentialRepo CredentialRepository, cache CredentialCache, cfg *config.Config) *CredentialService {
	svc := &CredentialService{
		credentialRepo: credentialRepo,
		cache:          cache,
		cfg:            cfg,
	}
	svc.initAuthCache(cfg)
	return svc
}

func (s *CredentialService) initAuthCache(cfg *config.Config) {
	s.authCfg = newCredentialAuthCacheConfig(cfg)
	if !s.authCfg.l1Enabled() {
		return
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(s.authCfg.l1Size) * 10,
		MaxCost:     int64(s.authCfg.l1Size),
		BufferItems: 64,
	})
	if err != nil {
		return
	}
	s.authCacheL1 = cache
}

// HashKey maps a plaintext API key to the stored hash. The hash doubles as
// the cache key, so plaintext never reaches either cache tier.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// GenerateKey mints a new plaintext API key. The caller shows it exactly
// once; only the hash is persisted.
func (s *CredentialService) GenerateKey() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return "ag-" + hex.EncodeToString(bytes), nil
}

// Authenticate resolves an API key to a tenant identity.
func (s *CredentialService) Authenticate(ctx context.Context, apiKey string) (*Identity, error) {
	if apiKey == "" {
		return nil, ErrInvalidAPIKey
	}
	cacheKey := HashKey(apiKey)

	if entry, ok := s.getAuthCacheEntry(ctx, cacheKey); ok {
		if identity, used, err := s.applyAuthCacheEntry(entry); used {
			return identity, err
		}
	}

	if s.authCfg.singleflight {
		value, err, _ := s.authGroup.Do(cacheKey, func() (any, error) {
			return s.loadAuthCacheEntry(ctx, cacheKey)
		})
		if err != nil {
			return nil, err
		}
		entry, _ := value.(*CredentialAuthCacheEntry)
		if identity, used, err := s.applyAuthCacheEntry(entry); used {
			return identity, err
		}
	} else {
		entry, err := s.loadAuthCacheEntry(ctx, cacheKey)
		if err != nil {
			return nil, err
		}
		if identity, used, err := s.applyAuthCacheEntry(entry); used {
			return identity, err
		}
	}

	credential, err := s.credentialRepo.GetByKeyHashForAuth(ctx, cacheKey)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return nil, ErrInvalidAPIKey
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return s.identityFromCredential(credential)
}

// CreateCredential mints a key for the tenant and returns the plaintext
// alongside the stored record.
func (s *CredentialService) CreateCredential(ctx context.Context, tenantID, name string) (*Credential, string, error) {
	key, err := s.GenerateKey()
	if err != nil {
		return nil, "", err
	}
	now := time.Now()
	credential := &Credential{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		KeyHash:   HashKey(key),
		Name:      name,
		Status:    domain.StatusActive,
		CreatedAt: now,
	}
	if err := s.credentialRepo.Create(ctx, credential); err != nil {
		return nil, "", fmt.Errorf("create credential: %w", err)
	}
	s.invalidateAuthCache(ctx, credential.KeyHash)
	return credential, key, nil
}

// TouchLastUsed records credential activity, debounced so the hot path
// writes at most once per window per credential.
func (s *CredentialService) TouchLastUsed(ctx context.Context, credentialID string) error {
	if credentialID == "" {
		return nil
	}
	window := s.authCfg.touchDebounce
	if window <= 0 {
		window = credentialLastUsedMinTouch
	}
	now := time.Now()
	if cached, ok := s.lastUsedTouchL1.Load(credentialID); ok {
		if last, ok := cached.(time.Time); ok && now.Sub(last) < window {
			return nil
		}
	}
	if err := s.credentialRepo.UpdateLastUsed(ctx, credentialID, now); err != nil {
		return fmt.Errorf("touch credential last used: %w", err)
	}
	s.lastUsedTouchL1.Store(credentialID, now)
	return nil
}

func (s *CredentialService) getAuthCacheEntry(ctx context.Context, cacheKey string) (*CredentialAuthCacheEntry, bool) {
	if s.authCacheL1 != nil {
		if val, ok := s.authCacheL1.Get(cacheKey); ok {
			if entry, ok := val.(*CredentialAuthCacheEntry); ok {
				return entry, true
			}
		}
	}
	if s.cache == nil || !s.authCfg.l2Enabled() {
		return nil, false
	}
	entry, err := s.cache.GetAuthEntry(ctx, cacheKey)
	if err != nil {
		return nil, false
	}
	s.setAuthCacheL1(cacheKey, entry)
	return entry, true
}

func (s *CredentialService) setAuthCacheL1(cacheKey string, entry *CredentialAuthCacheEntry) {
	if s.authCacheL1 == nil || entry == nil {
		return
	}
	ttl := s.authCfg.l1TTL
	if entry.NotFound && s.authCfg.negativeTTL > 0 && s.authCfg.negativeTTL < ttl {
		ttl = s.authCfg.negativeTTL
	}
	ttl = s.authCfg.jitterTTL(ttl)
	_ = s.authCacheL1.SetWithTTL(cacheKey, entry, 1, ttl)
}

func (s *CredentialService) setAuthCacheEntry(ctx context.Context, cacheKey string, entry *CredentialAuthCacheEntry, ttl time.Duration) {
	if entry == nil {
		return
	}
	s.setAuthCacheL1(cacheKey, entry)
	if s.cache == nil || !s.authCfg.l2Enabled() {
		return
	}
	_ = s.cache.SetAuthEntry(ctx, cacheKey, entry, s.authCfg.jitterTTL(ttl))
}

func (s *CredentialService) invalidateAuthCache(ctx context.Context, cacheKey string) {
	if s.authCacheL1 != nil {
		s.authCacheL1.Del(cacheKey)
	}
	if s.cache == nil {
		return
	}
	_ = s.cache.DeleteAuthEntry(ctx, cacheKey)
}

func (s *CredentialService) loadAuthCacheEntry(ctx context.Context, cacheKey string) (*CredentialAuthCacheEntry, error) {
	credential, err := s.credentialRepo.GetByKeyHashForAuth(ctx, cacheKey)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return s.negativeAuthCacheEntry(ctx, cacheKey), nil
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}
	snapshot := snapshotFromCredential(credential)
	if snapshot == nil {
		// A credential without its tenant preloaded cannot authorize
		// anything; cache it as a miss rather than erroring the request.
		return s.negativeAuthCacheEntry(ctx, cacheKey), nil
	}
	entry := &CredentialAuthCacheEntry{Snapshot: snapshot}
	s.setAuthCacheEntry(ctx, cacheKey, entry, s.authCfg.l2TTL)
	return entry, nil
}

func (s *CredentialService) negativeAuthCacheEntry(ctx context.Context, cacheKey string) *CredentialAuthCacheEntry {
	entry := &CredentialAuthCacheEntry{NotFound: true}
	if s.authCfg.negativeEnabled() {
		s.setAuthCacheEntry(ctx, cacheKey, entry, s.authCfg.negativeTTL)
	}
	return entry
}

// applyAuthCacheEntry turns a cache entry into an identity. The second
// return reports whether the entry was usable at all.
func (s *CredentialService) applyAuthCacheEntry(entry *CredentialAuthCacheEntry) (*Identity, bool, error) {
	if entry == nil {
		return nil, false, nil
	}
	if entry.NotFound {
		return nil, true, ErrInvalidAPIKey
	}
	if entry.Snapshot == nil {
		return nil, false, nil
	}
	snapshot := entry.Snapshot
	if snapshot.Status != domain.StatusActive || snapshot.Tenant.Status != domain.StatusActive {
		return nil, true, ErrInvalidAPIKey
	}
	return &Identity{
		TenantID:       snapshot.TenantID,
		TenantName:     snapshot.Tenant.Name,
		CredentialID:   snapshot.CredentialID,
		CredentialName: snapshot.Name,
	}, true, nil
}

func (s *CredentialService) identityFromCredential(credential *Credential) (*Identity, error) {
	if credential == nil || credential.Tenant == nil {
		return nil, ErrInvalidAPIKey
	}
	if !credential.IsActive() || !credential.Tenant.IsActive() {
		return nil, ErrInvalidAPIKey
	}
	return &Identity{
		TenantID:       credential.TenantID,
		TenantName:     credential.Tenant.Name,
		CredentialID:   credential.ID,
		CredentialName: credential.Name,
	}, nil
}

func snapshotFromCredential(credential *Credential) *CredentialAuthSnapshot {
	if credential == nil || credential.Tenant == nil {
		return nil
	}
	return &CredentialAuthSnapshot{
		CredentialID: credential.ID,
		TenantID:     credential.TenantID,
		Name:         credential.Name,
		Status:       credential.Status,
		Tenant: CredentialTenantSnapshot{
			ID:     credential.Tenant.ID,
			Name:   credential.Tenant.Name,
			Status: credential.Tenant.Status,
		},
	}
}
