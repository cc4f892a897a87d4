//go:build integration

package repository

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	redisclient "github.com/redis/go-redis/v9"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/domain"
	"github.com/agentgate/agentgate/internal/service"
)

const (
	redisImageTag    = "redis:8.4-alpine"
	postgresImageTag = "postgres:18.1-alpine3.23"
)

var (
	integrationDB    *DB
	integrationRedis *redisclient.Client

	tenantSeq uint64
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	if !dockerIsAvailable(ctx) {
		// In CI docker is expected, so its absence fails loudly there.
		if os.Getenv("CI") != "" {
			log.Printf("docker is not available (CI=true); failing integration tests")
			os.Exit(1)
		}
		log.Printf("docker is not available; skipping integration tests (start Docker to enable)")
		os.Exit(0)
	}

	pgContainer, err := tcpostgres.Run(
		ctx,
		postgresImageTag,
		tcpostgres.WithDatabase("agentgate_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		log.Printf("failed to start postgres container: %v", err)
		os.Exit(1)
	}
	defer func() { _ = pgContainer.Terminate(ctx) }()

	redisContainer, err := tcredis.Run(ctx, redisImageTag)
	if err != nil {
		log.Printf("failed to start redis container: %v", err)
		os.Exit(1)
	}
	defer func() { _ = redisContainer.Terminate(ctx) }()

	pgHost, err := pgContainer.Host(ctx)
	if err != nil {
		log.Printf("failed to get postgres host: %v", err)
		os.Exit(1)
	}
	pgPort, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Printf("failed to get postgres port: %v", err)
		os.Exit(1)
	}

	cfg := &config.Config{}
	cfg.Database.Driver = config.DatabaseDriverPostgres
	cfg.Database.Host = pgHost
	cfg.Database.Port = pgPort.Int()
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.DBName = "agentgate_test"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxOpenConns = 10
	cfg.Database.MaxIdleConns = 5
	cfg.Database.AutoMigrate = true

	integrationDB, err = openWithRetry(cfg, 30*time.Second)
	if err != nil {
		log.Printf("failed to open postgres: %v", err)
		os.Exit(1)
	}

	redisHost, err := redisContainer.Host(ctx)
	if err != nil {
		log.Printf("failed to get redis host: %v", err)
		os.Exit(1)
	}
	redisPort, err := redisContainer.MappedPort(ctx, "6379/tcp")
	if err != nil {
		log.Printf("failed to get redis port: %v", err)
		os.Exit(1)
	}
	integrationRedis = redisclient.NewClient(&redisclient.Options{
		Addr: fmt.Sprintf("%s:%d", redisHost, redisPort.Int()),
	})
	if err := integrationRedis.Ping(ctx).Err(); err != nil {
		log.Printf("failed to ping redis: %v", err)
		os.Exit(1)
	}

	code := m.Run()

	_ = integrationRedis.Close()
	_ = integrationDB.Close()

	os.Exit(code)
}

func dockerIsAvailable(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "docker", "info")
	cmd.Env = os.Environ()
	return cmd.Run() == nil
}

func openWithRetry(cfg *config.Config, timeout time.Duration) (*DB, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		db, err := Open(cfg)
		if err == nil {
			return db, nil
		}
		lastErr = err
		time.Sleep(250 * time.Millisecond)
	}
	return nil, fmt.Errorf("postgres not ready after %s: %w", timeout, lastErr)
}

// newIntegrationTenant inserts a tenant unique to the calling test so tests
// sharing the database never see each other's rows.
func newIntegrationTenant(t *testing.T) string {
	t.Helper()
	id := fmt.Sprintf("it-%d-%d", atomic.AddUint64(&tenantSeq, 1), time.Now().UnixNano())
	now := time.Now().UTC()
	require.NoError(t, NewTenantRepository(integrationDB).Create(context.Background(), &service.Tenant{
		ID: id, Name: id, Status: domain.StatusActive, CreatedAt: now, UpdatedAt: now,
	}))
	return id
}

func TestIntegration_IdempotencyClaimIsExclusiveUnderContention(t *testing.T) {
	tenantID := newIntegrationTenant(t)
	repo := NewIdempotencyRepository(integrationDB)
	ctx := context.Background()

	const contenders = 8
	var (
		wg   sync.WaitGroup
		wins atomic.Int64
		errs = make(chan error, contenders)
	)
	lease := time.Now().UTC().Add(time.Minute)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, err := repo.Insert(ctx, &service.IdempotencyRecord{
				TenantID: tenantID, Scope: "send_message", IdempotencyKey: "contended",
				RequestFingerprint: fmt.Sprintf("fp-%d", n), LockedUntil: &lease,
			})
			if err != nil {
				errs <- err
				return
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, wins.Load())

	record, err := repo.Get(ctx, tenantID, "send_message", "contended")
	require.NoError(t, err)
	require.NotNil(t, record)
}

func TestIntegration_UsageDuplicateRequestIDMapsUniqueViolation(t *testing.T) {
	tenantID := newIntegrationTenant(t)
	repo := NewUsageRepository(integrationDB)
	ctx := context.Background()

	event := service.UsageEvent{
		TenantID: tenantID, SessionID: "s1", AgentID: "a1",
		RequestID: "req-" + tenantID, Provider: domain.ProviderVendorA,
		TokensIn: 10, TokensOut: 20, CostUsd: 0.00006, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.Record(ctx, &event))

	dup := event
	require.ErrorIs(t, repo.Record(ctx, &dup), service.ErrDuplicateUsageEvent)
}

func TestIntegration_IdempotencyReclaimRaceHasOneWinner(t *testing.T) {
	tenantID := newIntegrationTenant(t)
	repo := NewIdempotencyRepository(integrationDB)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	record := &service.IdempotencyRecord{
		TenantID: tenantID, Scope: "send_message", IdempotencyKey: "stale",
		RequestFingerprint: "fp", LockedUntil: &past, LeaseOwner: "crashed-owner",
	}
	ok, err := repo.Insert(ctx, record)
	require.NoError(t, err)
	require.True(t, ok)

	const contenders = 8
	var (
		wg   sync.WaitGroup
		wins atomic.Int64
		errs = make(chan error, contenders)
	)
	now := time.Now().UTC()
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		owner := fmt.Sprintf("owner-%d", i)
		go func() {
			defer wg.Done()
			won, err := repo.TryReclaim(ctx, record.ID, owner, now, now.Add(time.Minute))
			if err != nil {
				errs <- err
				return
			}
			if won {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, wins.Load())
}

func TestIntegration_CredentialCacheRoundTrip(t *testing.T) {
	cache := NewCredentialCache(integrationRedis)
	ctx := context.Background()
	cacheKey := fmt.Sprintf("it-cache-%d", time.Now().UnixNano())

	_, err := cache.GetAuthEntry(ctx, cacheKey)
	require.ErrorIs(t, err, service.ErrAuthCacheMiss)

	entry := &service.CredentialAuthCacheEntry{
		Snapshot: &service.CredentialAuthSnapshot{
			CredentialID: "c1", TenantID: "t1", Name: "ci", Status: domain.StatusActive,
			Tenant: service.CredentialTenantSnapshot{ID: "t1", Name: "Acme", Status: domain.StatusActive},
		},
	}
	require.NoError(t, cache.SetAuthEntry(ctx, cacheKey, entry, time.Minute))

	got, err := cache.GetAuthEntry(ctx, cacheKey)
	require.NoError(t, err)
	require.Equal(t, entry, got)

	ttl, err := integrationRedis.TTL(ctx, "ag:auth:credential:"+cacheKey).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, 50*time.Second)
	require.LessOrEqual(t, ttl, time.Minute)

	require.NoError(t, cache.DeleteAuthEntry(ctx, cacheKey))
	_, err = cache.GetAuthEntry(ctx, cacheKey)
	require.ErrorIs(t, err, service.ErrAuthCacheMiss)
}

func TestIntegration_NegativeCacheEntryRoundTrip(t *testing.T) {
	cache := NewCredentialCache(integrationRedis)
	ctx := context.Background()
	cacheKey := fmt.Sprintf("it-negative-%d", time.Now().UnixNano())

	entry := &service.CredentialAuthCacheEntry{NotFound: true}
	require.NoError(t, cache.SetAuthEntry(ctx, cacheKey, entry, 30*time.Second))

	got, err := cache.GetAuthEntry(ctx, cacheKey)
	require.NoError(t, err)
	require.True(t, got.NotFound)
	require.Nil(t, got.Snapshot)
}
