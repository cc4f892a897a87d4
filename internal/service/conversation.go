package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/domain"
	infraerrors "github.com/agentgate/agentgate/internal/pkg/errors"
	"github.com/agentgate/agentgate/internal/pkg/logger"
	"github.com/agentgate/agentgate/internal/provider"
)

// ErrAllProvidersFailed is the terminal send failure: primary and fallback
// both exhausted. The attempt audit travels in the wrapped cause.
var ErrAllProvidersFailed = infraerrors.BadGateway("ALL_PROVIDERS_FAILED", "all providers failed")

// SendEnvelope is the wire shape of a successful send. It is serialized
// exactly once; replays return the stored bytes with only the replayed flag
// flipped.
type SendEnvelope struct {
	Message  EnvelopeMessage  `json:"message"`
	Metadata EnvelopeMetadata `json:"metadata"`
}

type EnvelopeMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type EnvelopeMetadata struct {
	AgentID           string              `json:"agentId"`
	ProviderUsed      string              `json:"providerUsed"`
	PrimaryAttempted  bool                `json:"primaryAttempted"`
	FallbackAttempted bool                `json:"fallbackAttempted"`
	FallbackUsed      bool                `json:"fallbackUsed"`
	Attempts          []EnvelopeAttempt   `json:"attempts"`
	Usage             EnvelopeUsage       `json:"usage"`
	Idempotency       EnvelopeIdempotency `json:"idempotency"`
	RequestID         string              `json:"requestId"`
}

type EnvelopeAttempt struct {
	Provider   string `json:"provider"`
	Status     string `json:"status"`
	HTTPStatus int    `json:"httpStatus"`
	LatencyMs  int64  `json:"latencyMs"`
	Retries    int    `json:"retries"`
	ErrorCode  string `json:"errorCode,omitempty"`
}

type EnvelopeUsage struct {
	TokensIn  int             `json:"tokensIn"`
	TokensOut int             `json:"tokensOut"`
	CostUsd   float64         `json:"costUsd"`
	Pricing   EnvelopePricing `json:"pricing"`
}

type EnvelopePricing struct {
	UsdPer1kTokens float64 `json:"usdPer1kTokens"`
}

type EnvelopeIdempotency struct {
	Key      string `json:"key"`
	Replayed bool   `json:"replayed"`
}

// SendResult carries the envelope bytes plus the replay verdict the
// transport surfaces as a header.
type SendResult struct {
	Body     []byte
	Replayed bool
}

// ConversationService drives the send pipeline: idempotency claim, message
// persistence, vendor orchestration, billing, envelope completion.
type ConversationService struct {
	sessionRepo    SessionRepository
	messageRepo    MessageRepository
	attemptRepo    AttemptRepository
	usageRepo      UsageRepository
	agentSvc       *AgentService
	idempotencySvc *IdempotencyService
	orchestrator   *provider.Orchestrator
	timer          *TimerService
	touchDelay     time.Duration
}

func NewConversationService(
	sessionRepo SessionRepository,
	messageRepo MessageRepository,
	attemptRepo AttemptRepository,
	usageRepo UsageRepository,
	agentSvc *AgentService,
	idempotencySvc *IdempotencyService,
	orchestrator *provider.Orchestrator,
	timer *TimerService,
	touchDelay time.Duration,
) *ConversationService {
	if touchDelay <= 0 {
		touchDelay = 500 * time.Millisecond
	}
	return &ConversationService{
		sessionRepo:    sessionRepo,
		messageRepo:    messageRepo,
		attemptRepo:    attemptRepo,
		usageRepo:      usageRepo,
		agentSvc:       agentSvc,
		idempotencySvc: idempotencySvc,
		orchestrator:   orchestrator,
		timer:          timer,
		touchDelay:     touchDelay,
	}
}

// Send runs one message through the pipeline and returns the envelope
// bytes. Client retries with the same idempotency key replay the stored
// envelope instead of re-invoking a vendor or billing twice.
func (s *ConversationService) Send(ctx context.Context, tenantID, sessionID, idempotencyKey, content, requestID string) (*SendResult, error) {
	key, err := NormalizeIdempotencyKey(idempotencyKey)
	if err != nil {
		return nil, err
	}

	fingerprint := SendFingerprint(tenantID, sessionID, content)
	claim, err := s.idempotencySvc.Claim(ctx, tenantID, domain.IdempotencyScopeSendMessage, key, sessionID, fingerprint)
	if err != nil {
		return nil, err
	}
	if claim.Replayed {
		return &SendResult{Body: claim.Response, Replayed: true}, nil
	}

	result, err := s.execute(ctx, claim.Record, tenantID, sessionID, key, content, requestID)
	if err != nil {
		// Terminal failure: clear the lease so the same key is immediately
		// retriable. A canceled request keeps its lease; the in-flight work
		// may still be racing and the lease is what holds replays off.
		if ctx.Err() == nil {
			s.idempotencySvc.Release(context.WithoutCancel(ctx), claim.Record)
		}
		return nil, err
	}
	return result, nil
}

func (s *ConversationService) execute(ctx context.Context, record *IdempotencyRecord, tenantID, sessionID, key, content, requestID string) (*SendResult, error) {
	session, err := s.sessionRepo.GetByID(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	agent, err := s.agentSvc.GetForSend(ctx, tenantID, session.AgentID)
	if err != nil {
		return nil, err
	}

	history, err := s.messageRepo.ListBySessionAscending(ctx, tenantID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session messages: %w", err)
	}

	// The user turn is persisted before the vendor call and survives total
	// failure: the transcript records what the customer said, not what the
	// vendor managed to answer.
	now := time.Now().UTC()
	userMsg := newMessage(tenantID, sessionID, domain.RoleUser, content, now)
	if err := s.messageRepo.Append(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}
	history = append(history, *userMsg)
	s.touchSessionActivity(sessionID, now)

	req := &provider.Request{
		SystemPrompt: agent.SystemPrompt,
		Messages:     toProviderMessages(history),
		EnabledTools: agent.EnabledTools,
	}

	// The vendor call can outlast the lease TTL; renew it while we wait so
	// a healthy request is never reclaimed out from under itself.
	stopRenewal := s.idempotencySvc.KeepLeaseAlive(ctx, record)
	observe := s.persistAttempts(tenantID, sessionID, agent.ID, requestID)
	result, err := s.orchestrator.Send(ctx, agent.PrimaryProvider, agent.FallbackProvider, req, observe)
	stopRenewal()
	if err != nil {
		var exhausted *provider.ExhaustedError
		if errors.As(err, &exhausted) {
			return nil, ErrAllProvidersFailed.WithCause(exhausted)
		}
		return nil, err
	}

	// Re-verify lease ownership before anything that must not happen twice.
	// If the lease lapsed and another request reclaimed the key, that owner
	// now speaks for it; this one stands down without billing or writing.
	if err := s.idempotencySvc.ConfirmOwnership(ctx, record); err != nil {
		return nil, err
	}

	assistantAt := time.Now().UTC()
	assistantMsg := newMessage(tenantID, sessionID, domain.RoleAssistant, result.Response.Text, assistantAt)
	if err := s.messageRepo.Append(ctx, assistantMsg); err != nil {
		return nil, fmt.Errorf("append assistant message: %w", err)
	}
	s.touchSessionActivity(sessionID, assistantAt)

	cost, err := CostUSD(result.Provider, result.Response.TokensIn, result.Response.TokensOut)
	if err != nil {
		return nil, err
	}
	rate, err := ProviderRate(result.Provider)
	if err != nil {
		return nil, err
	}
	usage := &UsageEvent{
		TenantID:  tenantID,
		SessionID: sessionID,
		AgentID:   agent.ID,
		RequestID: requestID,
		Provider:  result.Provider,
		TokensIn:  result.Response.TokensIn,
		TokensOut: result.Response.TokensOut,
		CostUsd:   cost,
		CreatedAt: assistantAt,
	}
	if err := s.usageRepo.Record(ctx, usage); err != nil {
		return nil, fmt.Errorf("record usage: %w", err)
	}

	envelope := &SendEnvelope{
		Message: EnvelopeMessage{
			ID:        assistantMsg.ID,
			SessionID: sessionID,
			Role:      domain.RoleAssistant,
			Content:   assistantMsg.Content,
			CreatedAt: assistantMsg.CreatedAt,
		},
		Metadata: EnvelopeMetadata{
			AgentID:           agent.ID,
			ProviderUsed:      result.Provider,
			PrimaryAttempted:  result.PrimaryAttempted != "",
			FallbackAttempted: result.FallbackAttempted != "",
			FallbackUsed:      result.FallbackUsed,
			Attempts:          toEnvelopeAttempts(result.Attempts),
			Usage: EnvelopeUsage{
				TokensIn:  result.Response.TokensIn,
				TokensOut: result.Response.TokensOut,
				CostUsd:   cost,
				Pricing:   EnvelopePricing{UsdPer1kTokens: rate},
			},
			Idempotency: EnvelopeIdempotency{Key: key, Replayed: false},
			RequestID:   requestID,
		},
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	// Completion is the visibility point: after this, retries with the same
	// key replay these bytes instead of executing.
	if err := s.idempotencySvc.Complete(ctx, record, body); err != nil {
		return nil, err
	}
	return &SendResult{Body: body, Replayed: false}, nil
}

// persistAttempts returns the observer that writes each vendor attempt as
// it finishes, so a crash mid-send leaves a truthful partial audit.
func (s *ConversationService) persistAttempts(tenantID, sessionID, agentID, requestID string) provider.AttemptObserver {
	return func(ctx context.Context, attempt provider.Attempt) {
		rec := &AttemptRecord{
			TenantID:     tenantID,
			SessionID:    sessionID,
			AgentID:      agentID,
			RequestID:    requestID,
			Provider:     attempt.Provider,
			Status:       attempt.Status,
			HTTPStatus:   attempt.HTTPStatus,
			LatencyMs:    attempt.LatencyMs,
			RetryIndex:   attempt.RetryIndex,
			ErrorCode:    attempt.ErrorCode,
			ErrorMessage: attempt.ErrorMessage,
			CreatedAt:    time.Now().UTC(),
		}
		if err := s.attemptRepo.Record(context.WithoutCancel(ctx), rec); err != nil {
			logger.FromContext(ctx).Warn("attempt record write failed",
				zap.String("request_id", requestID),
				zap.String("provider", attempt.Provider),
				zap.Error(err))
		}
	}
}

// touchSessionActivity coalesces last-activity writes through the timing
// wheel: bursts of messages in one session collapse to one UPDATE.
func (s *ConversationService) touchSessionActivity(sessionID string, at time.Time) {
	if s.timer == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.sessionRepo.TouchLastActivity(ctx, sessionID, at)
		return
	}
	s.timer.Schedule("session_touch:"+sessionID, s.touchDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.sessionRepo.TouchLastActivity(ctx, sessionID, at); err != nil {
			logger.L().Warn("session activity touch failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	})
}

func toProviderMessages(history []Message) []provider.Message {
	out := make([]provider.Message, 0, len(history))
	for _, m := range history {
		out = append(out, provider.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func toEnvelopeAttempts(attempts []provider.Attempt) []EnvelopeAttempt {
	out := make([]EnvelopeAttempt, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, EnvelopeAttempt{
			Provider:   a.Provider,
			Status:     a.Status,
			HTTPStatus: a.HTTPStatus,
			LatencyMs:  a.LatencyMs,
			Retries:    a.RetryIndex,
			ErrorCode:  a.ErrorCode,
		})
	}
	return out
}
