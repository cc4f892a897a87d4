package service

import (
	"time"

	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/provider"

	"github.com/google/wire"
)

func ProvideAgentService(agentRepo AgentRepository, cfg *config.Config) *AgentService {
	ttl := 30 * time.Second
	if cfg != nil {
		ttl = time.Duration(cfg.Gateway.AgentCacheTTLSeconds) * time.Second
	}
	return NewAgentService(agentRepo, ttl)
}

func ProvideIdempotencyService(repo IdempotencyRepository, cfg *config.Config) *IdempotencyService {
	opts := IdempotencyOptions{}
	if cfg != nil {
		opts.LeaseTTL = time.Duration(cfg.Idempotency.LeaseSeconds) * time.Second
		opts.StrictFingerprint = cfg.Idempotency.StrictFingerprint
	}
	return NewIdempotencyService(repo, opts)
}

func ProvideConversationService(
	sessionRepo SessionRepository,
	messageRepo MessageRepository,
	attemptRepo AttemptRepository,
	usageRepo UsageRepository,
	agentSvc *AgentService,
	idempotencySvc *IdempotencyService,
	orchestrator *provider.Orchestrator,
	timer *TimerService,
	cfg *config.Config,
) *ConversationService {
	touchDelay := time.Duration(0)
	if cfg != nil {
		touchDelay = time.Duration(cfg.Gateway.SessionTouchDelayMS) * time.Millisecond
	}
	return NewConversationService(
		sessionRepo, messageRepo, attemptRepo, usageRepo,
		agentSvc, idempotencySvc, orchestrator, timer, touchDelay,
	)
}

// ProviderSet provides the service layer for wire.
var ProviderSet = wire.NewSet(
	NewPricingService,
	NewTimerService,
	NewSessionService,
	NewUsageService,
	NewCredentialService,
	NewUsageRollupService,
	NewIdempotencyCleanupService,
	ProvideAgentService,
	ProvideIdempotencyService,
	ProvideConversationService,
)
