//go:build unit

package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/domain"
)

type stubCredentialRepo struct {
	getByKeyHashForAuth func(ctx context.Context, keyHash string) (*Credential, error)
	create              func(ctx context.Context, credential *Credential) error
	updateLastUsed      func(ctx context.Context, id string, usedAt time.Time) error
}

func (r *stubCredentialRepo) GetByKeyHashForAuth(ctx context.Context, keyHash string) (*Credential, error) {
	if r.getByKeyHashForAuth == nil {
		return nil, ErrCredentialNotFound
	}
	return r.getByKeyHashForAuth(ctx, keyHash)
}

func (r *stubCredentialRepo) Create(ctx context.Context, credential *Credential) error {
	if r.create == nil {
		return nil
	}
	return r.create(ctx, credential)
}

func (r *stubCredentialRepo) UpdateLastUsed(ctx context.Context, id string, usedAt time.Time) error {
	if r.updateLastUsed == nil {
		return nil
	}
	return r.updateLastUsed(ctx, id, usedAt)
}

// memCredentialCache is an in-process stand-in for the redis L2 tier.
type memCredentialCache struct {
	mu      sync.Mutex
	entries map[string]*CredentialAuthCacheEntry
	sets    int
	deletes int
}

func newMemCredentialCache() *memCredentialCache {
	return &memCredentialCache{entries: make(map[string]*CredentialAuthCacheEntry)}
}

func (c *memCredentialCache) GetAuthEntry(_ context.Context, cacheKey string) (*CredentialAuthCacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[cacheKey]
	if !ok {
		return nil, ErrAuthCacheMiss
	}
	return entry, nil
}

func (c *memCredentialCache) SetAuthEntry(_ context.Context, cacheKey string, entry *CredentialAuthCacheEntry, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey] = entry
	c.sets++
	return nil
}

func (c *memCredentialCache) DeleteAuthEntry(_ context.Context, cacheKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey)
	c.deletes++
	return nil
}

// authTestConfig disables L1 so cache behavior is deterministic; ristretto
// admits asynchronously and would make hit assertions racy.
func authTestConfig() *config.Config {
	return &config.Config{Auth: config.AuthConfig{
		CacheL2TTLSeconds:  300,
		NegativeTTLSeconds: 30,
	}}
}

func activeCredential(keyHash string) *Credential {
	return &Credential{
		ID:       "cred-1",
		TenantID: "t1",
		KeyHash:  keyHash,
		Name:     "prod key",
		Status:   domain.StatusActive,
		Tenant:   &Tenant{ID: "t1", Name: "acme", Status: domain.StatusActive},
	}
}

func TestHashKey(t *testing.T) {
	h := HashKey("ag-secret")
	require.Len(t, h, 64)
	require.Equal(t, h, HashKey("ag-secret"))
	require.NotEqual(t, h, HashKey("ag-secret2"))
}

func TestGenerateKey(t *testing.T) {
	svc := NewCredentialService(&stubCredentialRepo{}, nil, authTestConfig())
	k1, err := svc.GenerateKey()
	require.NoError(t, err)
	k2, err := svc.GenerateKey()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(k1, "ag-"))
	require.Len(t, k1, 3+64)
	require.NotEqual(t, k1, k2)
}

func TestAuthenticate_EmptyKey(t *testing.T) {
	var repoCalls int32
	repo := &stubCredentialRepo{
		getByKeyHashForAuth: func(context.Context, string) (*Credential, error) {
			atomic.AddInt32(&repoCalls, 1)
			return nil, ErrCredentialNotFound
		},
	}
	svc := NewCredentialService(repo, nil, authTestConfig())

	_, err := svc.Authenticate(context.Background(), "")
	require.ErrorIs(t, err, ErrInvalidAPIKey)
	require.Zero(t, atomic.LoadInt32(&repoCalls))
}

func TestAuthenticate_LoadsAndCachesIdentity(t *testing.T) {
	const apiKey = "ag-valid"
	keyHash := HashKey(apiKey)
	var repoCalls int32
	repo := &stubCredentialRepo{
		getByKeyHashForAuth: func(_ context.Context, gotHash string) (*Credential, error) {
			atomic.AddInt32(&repoCalls, 1)
			require.Equal(t, keyHash, gotHash)
			return activeCredential(keyHash), nil
		},
	}
	cache := newMemCredentialCache()
	svc := NewCredentialService(repo, cache, authTestConfig())

	identity, err := svc.Authenticate(context.Background(), apiKey)
	require.NoError(t, err)
	require.Equal(t, &Identity{
		TenantID:       "t1",
		TenantName:     "acme",
		CredentialID:   "cred-1",
		CredentialName: "prod key",
	}, identity)

	// Second lookup is served from L2 without touching the repo.
	identity2, err := svc.Authenticate(context.Background(), apiKey)
	require.NoError(t, err)
	require.Equal(t, identity, identity2)
	require.Equal(t, int32(1), atomic.LoadInt32(&repoCalls))
	require.Equal(t, 1, cache.sets)
}

func TestAuthenticate_UnknownKeyIsNegativelyCached(t *testing.T) {
	var repoCalls int32
	repo := &stubCredentialRepo{
		getByKeyHashForAuth: func(context.Context, string) (*Credential, error) {
			atomic.AddInt32(&repoCalls, 1)
			return nil, ErrCredentialNotFound
		},
	}
	cache := newMemCredentialCache()
	svc := NewCredentialService(repo, cache, authTestConfig())

	_, err := svc.Authenticate(context.Background(), "ag-nope")
	require.ErrorIs(t, err, ErrInvalidAPIKey)

	// The miss is cached: retrying the same bogus key does not hit the
	// repo again.
	_, err = svc.Authenticate(context.Background(), "ag-nope")
	require.ErrorIs(t, err, ErrInvalidAPIKey)
	require.Equal(t, int32(1), atomic.LoadInt32(&repoCalls))

	entry, cacheErr := cache.GetAuthEntry(context.Background(), HashKey("ag-nope"))
	require.NoError(t, cacheErr)
	require.True(t, entry.NotFound)
}

func TestAuthenticate_InactiveFunnelsToInvalidKey(t *testing.T) {
	cases := map[string]func(c *Credential){
		"disabled credential": func(c *Credential) { c.Status = domain.StatusDisabled },
		"suspended tenant":    func(c *Credential) { c.Tenant.Status = domain.StatusDisabled },
		"missing tenant":      func(c *Credential) { c.Tenant = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			const apiKey = "ag-blocked"
			cred := activeCredential(HashKey(apiKey))
			mutate(cred)
			repo := &stubCredentialRepo{
				getByKeyHashForAuth: func(context.Context, string) (*Credential, error) {
					return cred, nil
				},
			}
			svc := NewCredentialService(repo, nil, authTestConfig())

			_, err := svc.Authenticate(context.Background(), apiKey)
			require.ErrorIs(t, err, ErrInvalidAPIKey)
		})
	}
}

func TestAuthenticate_RepoErrorIsNotInvalidKey(t *testing.T) {
	repoErr := errors.New("connection refused")
	repo := &stubCredentialRepo{
		getByKeyHashForAuth: func(context.Context, string) (*Credential, error) {
			return nil, repoErr
		},
	}
	svc := NewCredentialService(repo, nil, authTestConfig())

	_, err := svc.Authenticate(context.Background(), "ag-any")
	require.ErrorIs(t, err, repoErr)
	require.NotErrorIs(t, err, ErrInvalidAPIKey)
}

func TestAuthenticate_SingleflightCollapsesConcurrentMisses(t *testing.T) {
	const apiKey = "ag-hot"
	keyHash := HashKey(apiKey)
	var repoCalls int32
	release := make(chan struct{})
	repo := &stubCredentialRepo{
		getByKeyHashForAuth: func(context.Context, string) (*Credential, error) {
			atomic.AddInt32(&repoCalls, 1)
			<-release
			return activeCredential(keyHash), nil
		},
	}
	cfg := authTestConfig()
	cfg.Auth.Singleflight = true
	cfg.Auth.CacheL2TTLSeconds = 0 // no cache tiers, pure singleflight
	svc := NewCredentialService(repo, nil, cfg)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Authenticate(context.Background(), apiKey)
		}(i)
	}
	// Let the goroutines pile up on the in-flight load before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&repoCalls))
}

func TestCreateCredential(t *testing.T) {
	var stored *Credential
	repo := &stubCredentialRepo{
		create: func(_ context.Context, credential *Credential) error {
			stored = credential
			return nil
		},
	}
	cache := newMemCredentialCache()
	svc := NewCredentialService(repo, cache, authTestConfig())

	credential, plaintext, err := svc.CreateCredential(context.Background(), "t1", "ci key")
	require.NoError(t, err)
	require.Same(t, stored, credential)
	require.True(t, strings.HasPrefix(plaintext, "ag-"))
	require.Equal(t, HashKey(plaintext), credential.KeyHash)
	require.Equal(t, "t1", credential.TenantID)
	require.Equal(t, domain.StatusActive, credential.Status)
	// Any stale auth entry for the hash is evicted.
	require.Equal(t, 1, cache.deletes)
}

func TestTouchLastUsed_Debounce(t *testing.T) {
	var updates int32
	repo := &stubCredentialRepo{
		updateLastUsed: func(context.Context, string, time.Time) error {
			atomic.AddInt32(&updates, 1)
			return nil
		},
	}
	cfg := authTestConfig()
	cfg.Auth.TouchDebounceSeconds = 60
	svc := NewCredentialService(repo, nil, cfg)

	require.NoError(t, svc.TouchLastUsed(context.Background(), "cred-1"))
	require.NoError(t, svc.TouchLastUsed(context.Background(), "cred-1"))
	require.NoError(t, svc.TouchLastUsed(context.Background(), "cred-1"))
	require.Equal(t, int32(1), atomic.LoadInt32(&updates))

	// A different credential gets its own window.
	require.NoError(t, svc.TouchLastUsed(context.Background(), "cred-2"))
	require.Equal(t, int32(2), atomic.LoadInt32(&updates))

	// Empty id is a no-op, not an error.
	require.NoError(t, svc.TouchLastUsed(context.Background(), ""))
	require.Equal(t, int32(2), atomic.LoadInt32(&updates))
}

func TestTouchLastUsed_WriteFailureDoesNotSwallow(t *testing.T) {
	repoErr := errors.New("deadlock detected")
	repo := &stubCredentialRepo{
		updateLastUsed: func(context.Context, string, time.Time) error {
			return repoErr
		},
	}
	svc := NewCredentialService(repo, nil, authTestConfig())

	err := svc.TouchLastUsed(context.Background(), "cred-1")
	require.ErrorIs(t, err, repoErr)
	require.Contains(t, err.Error(), "touch credential last used")
}
