//go:build unit

package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/agentgate/agentgate/internal/domain"
	"github.com/agentgate/agentgate/internal/pkg/pagination"
	"github.com/agentgate/agentgate/internal/provider"
)

type sendScriptOutcome struct {
	resp *provider.Response
	err  error
}

// sendScriptAdapter plays back a fixed outcome sequence; past the script it
// keeps failing with a 500.
type sendScriptAdapter struct {
	mu       sync.Mutex
	name     string
	outcomes []sendScriptOutcome
	calls    int
}

func (a *sendScriptAdapter) Name() string { return a.name }

func (a *sendScriptAdapter) Invoke(_ context.Context, _ *provider.Request) (*provider.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.calls
	a.calls++
	if idx < len(a.outcomes) {
		o := a.outcomes[idx]
		return o.resp, o.err
	}
	return nil, &provider.Failure{StatusCode: 500, ErrorCode: provider.ErrorCodeServerError, Message: "scripted exhaustion"}
}

type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*Session
	touches  int
}

func (m *memSessionRepo) GetByID(_ context.Context, tenantID, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.TenantID != tenantID {
		return nil, ErrSessionNotFound
	}
	c := *s
	return &c, nil
}

func (m *memSessionRepo) Create(_ context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = session
	return nil
}

func (m *memSessionRepo) UpdateStatus(_ context.Context, tenantID, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && s.TenantID == tenantID {
		s.Status = status
	}
	return nil
}

func (m *memSessionRepo) TouchLastActivity(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touches++
	if s, ok := m.sessions[id]; ok && at.After(s.LastActivityAt) {
		s.LastActivityAt = at
	}
	return nil
}

func (m *memSessionRepo) List(_ context.Context, _ string, _ pagination.PaginationParams) ([]Session, int64, error) {
	return nil, 0, nil
}

type memMessageRepo struct {
	mu       sync.Mutex
	messages []Message
}

func (m *memMessageRepo) ListBySessionAscending(_ context.Context, tenantID, sessionID string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.messages {
		if msg.TenantID == tenantID && msg.SessionID == sessionID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memMessageRepo) Append(_ context.Context, message *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, *message)
	return nil
}

func (m *memMessageRepo) byRole(role string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.messages {
		if msg.Role == role {
			out = append(out, msg)
		}
	}
	return out
}

type memAttemptRepo struct {
	mu       sync.Mutex
	attempts []AttemptRecord
}

func (m *memAttemptRepo) Record(_ context.Context, attempt *AttemptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, *attempt)
	return nil
}

func (m *memAttemptRepo) ListByRequestID(_ context.Context, tenantID, requestID string) ([]AttemptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AttemptRecord
	for _, a := range m.attempts {
		if a.TenantID == tenantID && a.RequestID == requestID {
			out = append(out, a)
		}
	}
	return out, nil
}

type memUsageRepo struct {
	mu     sync.Mutex
	events []UsageEvent
}

func (m *memUsageRepo) Record(_ context.Context, event *UsageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.RequestID == event.RequestID {
			return ErrDuplicateUsageEvent
		}
	}
	m.events = append(m.events, *event)
	return nil
}

func (m *memUsageRepo) List(_ context.Context, _ string, _ pagination.PaginationParams) ([]UsageEvent, int64, error) {
	return nil, 0, nil
}

func (m *memUsageRepo) SumRange(_ context.Context, _ string, _, _ time.Time) (UsageTotals, error) {
	return UsageTotals{}, nil
}

func (m *memUsageRepo) SummaryByProvider(_ context.Context, _ string, _, _ time.Time) ([]ProviderTotals, error) {
	return nil, nil
}

func (m *memUsageRepo) DailySeries(_ context.Context, _ string, _, _ time.Time) ([]DailyUsage, error) {
	return nil, nil
}

type stubAgentRepo struct {
	agent *Agent
}

func (r *stubAgentRepo) GetByID(_ context.Context, tenantID, id string) (*Agent, error) {
	if r.agent == nil || r.agent.TenantID != tenantID || r.agent.ID != id {
		return nil, ErrAgentNotFound
	}
	c := *r.agent
	return &c, nil
}
func (r *stubAgentRepo) Create(context.Context, *Agent) error { return nil }
func (r *stubAgentRepo) Update(context.Context, *Agent) error { return nil }
func (r *stubAgentRepo) Delete(context.Context, string, string) error {
	return nil
}
func (r *stubAgentRepo) List(context.Context, string, pagination.PaginationParams) ([]Agent, int64, error) {
	return nil, 0, nil
}

type sendFixture struct {
	svc      *ConversationService
	sessions *memSessionRepo
	messages *memMessageRepo
	attempts *memAttemptRepo
	usage    *memUsageRepo
	idemRepo *inMemoryIdempotencyRepo
}

func fastSendPolicy() provider.Policy {
	return provider.Policy{
		MaxAttempts:       3,
		PerAttemptTimeout: time.Second,
		BaseBackoff:       time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
		JitterFraction:    0,
	}
}

func newSendFixture(t *testing.T, agent *Agent, adapters ...provider.Adapter) *sendFixture {
	t.Helper()
	return newSendFixtureWithLease(t, agent, time.Minute, adapters...)
}

func newSendFixtureWithLease(t *testing.T, agent *Agent, leaseTTL time.Duration, adapters ...provider.Adapter) *sendFixture {
	t.Helper()
	registry := provider.NewRegistry()
	for _, a := range adapters {
		require.NoError(t, registry.Register(a))
	}
	orch := provider.NewOrchestrator(registry, provider.NewCaller(fastSendPolicy()))

	sessions := &memSessionRepo{sessions: map[string]*Session{
		"s1": {
			ID:             "s1",
			TenantID:       "t1",
			AgentID:        agent.ID,
			Status:         SessionStatusActive,
			CreatedAt:      time.Now().UTC(),
			LastActivityAt: time.Now().UTC(),
		},
	}}
	messages := &memMessageRepo{}
	attempts := &memAttemptRepo{}
	usage := &memUsageRepo{}
	idemRepo := newInMemoryIdempotencyRepo()

	svc := NewConversationService(
		sessions, messages, attempts, usage,
		NewAgentService(&stubAgentRepo{agent: agent}, 0),
		NewIdempotencyService(idemRepo, IdempotencyOptions{LeaseTTL: leaseTTL}),
		orch, nil, 0,
	)
	return &sendFixture{
		svc:      svc,
		sessions: sessions,
		messages: messages,
		attempts: attempts,
		usage:    usage,
		idemRepo: idemRepo,
	}
}

func testAgent() *Agent {
	return &Agent{
		ID:               "a1",
		TenantID:         "t1",
		Name:             "support",
		PrimaryProvider:  domain.ProviderVendorA,
		FallbackProvider: domain.ProviderVendorB,
		SystemPrompt:     "be helpful",
		EnabledTools:     []string{"search"},
		Status:           domain.StatusActive,
	}
}

func TestConversationSend_SuccessEnvelope(t *testing.T) {
	primary := &sendScriptAdapter{
		name: domain.ProviderVendorA,
		outcomes: []sendScriptOutcome{
			{resp: &provider.Response{Text: "hello back", TokensIn: 700, TokensOut: 300, LatencyMs: 12}},
		},
	}
	fallback := &sendScriptAdapter{name: domain.ProviderVendorB}
	fx := newSendFixture(t, testAgent(), primary, fallback)

	result, err := fx.svc.Send(context.Background(), "t1", "s1", "key-1", "hi there", "req-1")
	require.NoError(t, err)
	require.False(t, result.Replayed)

	body := result.Body
	require.Equal(t, "assistant", gjson.GetBytes(body, "message.role").String())
	require.Equal(t, "hello back", gjson.GetBytes(body, "message.content").String())
	require.Equal(t, "s1", gjson.GetBytes(body, "message.sessionId").String())
	require.Equal(t, "a1", gjson.GetBytes(body, "metadata.agentId").String())
	require.Equal(t, domain.ProviderVendorA, gjson.GetBytes(body, "metadata.providerUsed").String())
	require.True(t, gjson.GetBytes(body, "metadata.primaryAttempted").Bool())
	require.False(t, gjson.GetBytes(body, "metadata.fallbackAttempted").Bool())
	require.False(t, gjson.GetBytes(body, "metadata.fallbackUsed").Bool())
	require.Equal(t, int64(1), gjson.GetBytes(body, "metadata.attempts.#").Int())
	require.Equal(t, "success", gjson.GetBytes(body, "metadata.attempts.0.status").String())
	require.Equal(t, int64(700), gjson.GetBytes(body, "metadata.usage.tokensIn").Int())
	require.Equal(t, int64(300), gjson.GetBytes(body, "metadata.usage.tokensOut").Int())
	// 1000 tokens at 0.002 USD/1k.
	require.InDelta(t, 0.002, gjson.GetBytes(body, "metadata.usage.costUsd").Float(), 1e-9)
	require.InDelta(t, 0.002, gjson.GetBytes(body, "metadata.usage.pricing.usdPer1kTokens").Float(), 1e-9)
	require.Equal(t, "key-1", gjson.GetBytes(body, "metadata.idempotency.key").String())
	require.False(t, gjson.GetBytes(body, "metadata.idempotency.replayed").Bool())
	require.Equal(t, "req-1", gjson.GetBytes(body, "metadata.requestId").String())

	// Both turns persisted, in order.
	require.Len(t, fx.messages.byRole(domain.RoleUser), 1)
	require.Len(t, fx.messages.byRole(domain.RoleAssistant), 1)

	// One usage event, one attempt row, no fallback call.
	require.Len(t, fx.usage.events, 1)
	require.Len(t, fx.attempts.attempts, 1)
	require.Equal(t, 0, fallback.calls)

	// Synchronous touch path (no timer wired in tests).
	require.Equal(t, 2, fx.sessions.touches)
}

func TestConversationSend_ReplayDoesNotReexecute(t *testing.T) {
	primary := &sendScriptAdapter{
		name: domain.ProviderVendorA,
		outcomes: []sendScriptOutcome{
			{resp: &provider.Response{Text: "answer", TokensIn: 10, TokensOut: 5}},
		},
	}
	fx := newSendFixture(t, testAgent(), primary, &sendScriptAdapter{name: domain.ProviderVendorB})

	first, err := fx.svc.Send(context.Background(), "t1", "s1", "key-1", "hi", "req-1")
	require.NoError(t, err)

	second, err := fx.svc.Send(context.Background(), "t1", "s1", "key-1", "hi", "req-2")
	require.NoError(t, err)
	require.True(t, second.Replayed)

	// Same envelope except the flipped replay flag.
	require.True(t, gjson.GetBytes(second.Body, "metadata.idempotency.replayed").Bool())
	require.Equal(t,
		gjson.GetBytes(first.Body, "message.id").String(),
		gjson.GetBytes(second.Body, "message.id").String())
	require.Equal(t,
		gjson.GetBytes(first.Body, "metadata.requestId").String(),
		gjson.GetBytes(second.Body, "metadata.requestId").String())

	// No second vendor call, no duplicate persistence.
	require.Equal(t, 1, primary.calls)
	require.Len(t, fx.usage.events, 1)
	require.Len(t, fx.messages.byRole(domain.RoleUser), 1)
	require.Len(t, fx.messages.byRole(domain.RoleAssistant), 1)
}

func TestConversationSend_FallbackUsed(t *testing.T) {
	serverErr := &provider.Failure{StatusCode: 503, ErrorCode: provider.ErrorCodeServerError}
	primary := &sendScriptAdapter{
		name:     domain.ProviderVendorA,
		outcomes: []sendScriptOutcome{{err: serverErr}, {err: serverErr}, {err: serverErr}},
	}
	fallback := &sendScriptAdapter{
		name: domain.ProviderVendorB,
		outcomes: []sendScriptOutcome{
			{resp: &provider.Response{Text: "rescued", TokensIn: 500, TokensOut: 500}},
		},
	}
	fx := newSendFixture(t, testAgent(), primary, fallback)

	result, err := fx.svc.Send(context.Background(), "t1", "s1", "key-1", "hi", "req-1")
	require.NoError(t, err)

	body := result.Body
	require.Equal(t, domain.ProviderVendorB, gjson.GetBytes(body, "metadata.providerUsed").String())
	require.True(t, gjson.GetBytes(body, "metadata.fallbackAttempted").Bool())
	require.True(t, gjson.GetBytes(body, "metadata.fallbackUsed").Bool())
	require.Equal(t, int64(4), gjson.GetBytes(body, "metadata.attempts.#").Int())
	// Retry indices stay dense per vendor across the combined audit.
	require.Equal(t, int64(2), gjson.GetBytes(body, "metadata.attempts.2.retries").Int())
	require.Equal(t, int64(0), gjson.GetBytes(body, "metadata.attempts.3.retries").Int())
	// Billed at the fallback vendor's rate: 1000 tokens at 0.003.
	require.InDelta(t, 0.003, gjson.GetBytes(body, "metadata.usage.costUsd").Float(), 1e-9)
	require.Len(t, fx.attempts.attempts, 4)
}

func TestConversationSend_AllProvidersFailed(t *testing.T) {
	serverErr := &provider.Failure{StatusCode: 500, ErrorCode: provider.ErrorCodeServerError}
	primary := &sendScriptAdapter{
		name:     domain.ProviderVendorA,
		outcomes: []sendScriptOutcome{{err: serverErr}, {err: serverErr}, {err: serverErr}},
	}
	fallback := &sendScriptAdapter{
		name:     domain.ProviderVendorB,
		outcomes: []sendScriptOutcome{{err: serverErr}, {err: serverErr}, {err: serverErr}},
	}
	fx := newSendFixture(t, testAgent(), primary, fallback)

	_, err := fx.svc.Send(context.Background(), "t1", "s1", "key-1", "hi", "req-1")
	require.ErrorIs(t, err, ErrAllProvidersFailed)

	// The attempt audit travels with the error.
	var exhausted *provider.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Attempts, 6)

	// User message survives; nothing assistant-side happened.
	require.Len(t, fx.messages.byRole(domain.RoleUser), 1)
	require.Empty(t, fx.messages.byRole(domain.RoleAssistant))
	require.Empty(t, fx.usage.events)
	require.Len(t, fx.attempts.attempts, 6)

	// The lease was released: an immediate retry with the same key executes
	// again instead of conflicting.
	primary.mu.Lock()
	primary.outcomes = []sendScriptOutcome{
		{resp: &provider.Response{Text: "second try", TokensIn: 1, TokensOut: 1}},
	}
	primary.calls = 0
	primary.mu.Unlock()

	result, err := fx.svc.Send(context.Background(), "t1", "s1", "key-1", "hi", "req-1b")
	require.NoError(t, err)
	require.False(t, result.Replayed)
}

func TestConversationSend_SessionAndAgentGates(t *testing.T) {
	fx := newSendFixture(t, testAgent(), &sendScriptAdapter{name: domain.ProviderVendorA}, &sendScriptAdapter{name: domain.ProviderVendorB})

	_, err := fx.svc.Send(context.Background(), "t1", "missing", "key-1", "hi", "req-1")
	require.ErrorIs(t, err, ErrSessionNotFound)

	// Session under another tenant is invisible, not forbidden.
	_, err = fx.svc.Send(context.Background(), "t2", "s1", "key-2", "hi", "req-2")
	require.ErrorIs(t, err, ErrSessionNotFound)

	// Session pointing at a vanished agent.
	fx.sessions.mu.Lock()
	fx.sessions.sessions["s1"].AgentID = "gone"
	fx.sessions.mu.Unlock()
	_, err = fx.svc.Send(context.Background(), "t1", "s1", "key-3", "hi", "req-3")
	require.ErrorIs(t, err, ErrAgentNotFound)

	// No partial writes from gated sends.
	require.Empty(t, fx.messages.messages)
	require.Empty(t, fx.usage.events)
}

func TestConversationSend_KeyGate(t *testing.T) {
	fx := newSendFixture(t, testAgent(), &sendScriptAdapter{name: domain.ProviderVendorA}, &sendScriptAdapter{name: domain.ProviderVendorB})

	_, err := fx.svc.Send(context.Background(), "t1", "s1", "", "hi", "req-1")
	require.ErrorIs(t, err, ErrIdempotencyKeyRequired)

	_, err = fx.svc.Send(context.Background(), "t1", "s1", "bad key", "hi", "req-2")
	require.ErrorIs(t, err, ErrIdempotencyKeyInvalid)
}

func TestConversationSend_HistoryIncludesNewUserTurn(t *testing.T) {
	var seen *provider.Request
	adapter := &captureAdapter{name: domain.ProviderVendorA, seen: &seen}
	fx := newSendFixture(t, testAgent(), adapter, &sendScriptAdapter{name: domain.ProviderVendorB})

	// Seed an earlier exchange.
	now := time.Now().UTC()
	require.NoError(t, fx.messages.Append(context.Background(), newMessage("t1", "s1", domain.RoleUser, "first question", now.Add(-2*time.Minute))))
	require.NoError(t, fx.messages.Append(context.Background(), newMessage("t1", "s1", domain.RoleAssistant, "first answer", now.Add(-time.Minute))))

	_, err := fx.svc.Send(context.Background(), "t1", "s1", "key-1", "second question", "req-1")
	require.NoError(t, err)

	require.NotNil(t, seen)
	require.Equal(t, "be helpful", seen.SystemPrompt)
	require.Equal(t, []string{"search"}, seen.EnabledTools)
	require.Len(t, seen.Messages, 3)
	require.Equal(t, "second question", seen.Messages[2].Content)
	require.Equal(t, domain.RoleUser, seen.Messages[2].Role)
}

type captureAdapter struct {
	name string
	seen **provider.Request
}

func (a *captureAdapter) Name() string { return a.name }

func (a *captureAdapter) Invoke(_ context.Context, req *provider.Request) (*provider.Response, error) {
	*a.seen = req
	return &provider.Response{Text: "ok", TokensIn: 1, TokensOut: 1}, nil
}

// slowAdapter answers after a fixed delay, long enough to outlive a short
// lease without renewal.
type slowAdapter struct {
	mu    sync.Mutex
	name  string
	delay time.Duration
	calls int
}

func (a *slowAdapter) Name() string { return a.name }

func (a *slowAdapter) Invoke(ctx context.Context, _ *provider.Request) (*provider.Response, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	select {
	case <-time.After(a.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &provider.Response{Text: "slow answer", TokensIn: 10, TokensOut: 10}, nil
}

func TestConversationSend_ConcurrentDuplicatesBillOnce(t *testing.T) {
	// Lease far shorter than the vendor latency: without renewal the second
	// request would reclaim the key mid-flight and both would bill.
	primary := &slowAdapter{name: domain.ProviderVendorA, delay: 300 * time.Millisecond}
	fx := newSendFixtureWithLease(t, testAgent(), 50*time.Millisecond, primary, &sendScriptAdapter{name: domain.ProviderVendorB})

	type outcome struct {
		result *SendResult
		err    error
	}
	outcomes := make(chan outcome, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		reqID := "req-slow-" + string(rune('a'+i))
		go func() {
			defer wg.Done()
			r, err := fx.svc.Send(context.Background(), "t1", "s1", "key-slow", "hi", reqID)
			outcomes <- outcome{result: r, err: err}
		}()
	}
	wg.Wait()
	close(outcomes)

	var succeeded, conflicted int
	for o := range outcomes {
		if o.err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, o.err, ErrIdempotencyInProgress)
		conflicted++
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, conflicted)

	// One execution end to end: one usage event, one assistant turn, one
	// user turn, one vendor call.
	require.Len(t, fx.usage.events, 1)
	require.Len(t, fx.messages.byRole(domain.RoleAssistant), 1)
	require.Len(t, fx.messages.byRole(domain.RoleUser), 1)
	require.Equal(t, 1, primary.calls)
}

// reclaimDuringCallAdapter succeeds, but first hands the lease to another
// owner, as a parallel process reclaiming an expired lease would.
type reclaimDuringCallAdapter struct {
	name string
	repo *inMemoryIdempotencyRepo
}

func (a *reclaimDuringCallAdapter) Name() string { return a.name }

func (a *reclaimDuringCallAdapter) Invoke(_ context.Context, _ *provider.Request) (*provider.Response, error) {
	a.repo.mu.Lock()
	for _, r := range a.repo.data {
		r.LeaseOwner = "another-owner"
	}
	a.repo.mu.Unlock()
	return &provider.Response{Text: "too late", TokensIn: 10, TokensOut: 10}, nil
}

func TestConversationSend_LostLeaseAbortsBeforeBilling(t *testing.T) {
	primary := &reclaimDuringCallAdapter{name: domain.ProviderVendorA}
	fx := newSendFixture(t, testAgent(), primary, &sendScriptAdapter{name: domain.ProviderVendorB})
	primary.repo = fx.idemRepo

	_, err := fx.svc.Send(context.Background(), "t1", "s1", "key-1", "hi", "req-1")
	require.ErrorIs(t, err, ErrIdempotencyInProgress)

	// The revoked request stands down after the vendor call: the user turn
	// stays, but no assistant message and no usage event landed.
	require.Len(t, fx.messages.byRole(domain.RoleUser), 1)
	require.Empty(t, fx.messages.byRole(domain.RoleAssistant))
	require.Empty(t, fx.usage.events)
}

func TestConversationSend_DuplicateUsageSurfacesLoudly(t *testing.T) {
	primary := &sendScriptAdapter{
		name: domain.ProviderVendorA,
		outcomes: []sendScriptOutcome{
			{resp: &provider.Response{Text: "a", TokensIn: 1, TokensOut: 1}},
			{resp: &provider.Response{Text: "b", TokensIn: 1, TokensOut: 1}},
		},
	}
	fx := newSendFixture(t, testAgent(), primary, &sendScriptAdapter{name: domain.ProviderVendorB})

	_, err := fx.svc.Send(context.Background(), "t1", "s1", "key-1", "hi", "req-dup")
	require.NoError(t, err)

	// A different key with a recycled request id trips the unique billing
	// constraint instead of double-charging.
	_, err = fx.svc.Send(context.Background(), "t1", "s1", "key-2", "hi again", "req-dup")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrDuplicateUsageEvent)
	require.Len(t, fx.usage.events, 1)
}
