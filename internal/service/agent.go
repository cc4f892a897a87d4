package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/agentgate/agentgate/internal/domain"
	infraerrors "github.com/agentgate/agentgate/internal/pkg/errors"
	"github.com/agentgate/agentgate/internal/pkg/pagination"
)

var (
	ErrAgentNotFound        = infraerrors.NotFound("AGENT_NOT_FOUND", "agent not found")
	ErrAgentInvalidProvider = infraerrors.BadRequest("AGENT_INVALID_PROVIDER", "unknown provider name")
	ErrAgentFallbackEqualsPrimary = infraerrors.BadRequest(
		"AGENT_FALLBACK_EQUALS_PRIMARY", "fallback provider must differ from primary")
)

// Agent is a tenant-owned configuration that parameterizes a session:
// which vendor to call first, where to fail over, which prompt and tools
// frame the conversation.
type Agent struct {
	ID              string
	TenantID        string
	Name            string
	PrimaryProvider string
	// FallbackProvider is empty when the agent has no fallback.
	FallbackProvider string
	SystemPrompt     string
	EnabledTools     []string
	Status           string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (a *Agent) IsActive() bool {
	return a.Status == domain.StatusActive
}

// Validate enforces the provider invariants on create and update.
func (a *Agent) Validate() error {
	if !domain.IsKnownProvider(a.PrimaryProvider) {
		return ErrAgentInvalidProvider
	}
	if a.FallbackProvider != "" {
		if !domain.IsKnownProvider(a.FallbackProvider) {
			return ErrAgentInvalidProvider
		}
		if a.FallbackProvider == a.PrimaryProvider {
			return ErrAgentFallbackEqualsPrimary
		}
	}
	return nil
}

type AgentRepository interface {
	GetByID(ctx context.Context, tenantID, id string) (*Agent, error)
	Create(ctx context.Context, agent *Agent) error
	Update(ctx context.Context, agent *Agent) error
	Delete(ctx context.Context, tenantID, id string) error
	List(ctx context.Context, tenantID string, params pagination.PaginationParams) ([]Agent, int64, error)
}

// AgentService owns agent CRUD for the management plane and a short-TTL
// snapshot cache for the send hot path.
type AgentService struct {
	agentRepo AgentRepository

	// sendCache holds agent snapshots keyed by tenant+agent; the send path
	// reads agents on every message and agents change rarely.
	sendCache *gocache.Cache
}

func NewAgentService(agentRepo AgentRepository, cacheTTL time.Duration) *AgentService {
	var sendCache *gocache.Cache
	if cacheTTL > 0 {
		sendCache = gocache.New(cacheTTL, time.Minute)
	}
	return &AgentService{
		agentRepo: agentRepo,
		sendCache: sendCache,
	}
}

func agentCacheKey(tenantID, agentID string) string {
	return tenantID + ":" + agentID
}

// GetForSend returns the agent for the send path, via the snapshot cache
// when enabled. Cached values are never mutated by callers.
func (s *AgentService) GetForSend(ctx context.Context, tenantID, agentID string) (*Agent, error) {
	if s.sendCache != nil {
		if cached, ok := s.sendCache.Get(agentCacheKey(tenantID, agentID)); ok {
			if agent, ok := cached.(*Agent); ok {
				return agent, nil
			}
		}
	}
	agent, err := s.agentRepo.GetByID(ctx, tenantID, agentID)
	if err != nil {
		return nil, err
	}
	if s.sendCache != nil {
		s.sendCache.SetDefault(agentCacheKey(tenantID, agentID), agent)
	}
	return agent, nil
}

func (s *AgentService) Get(ctx context.Context, tenantID, agentID string) (*Agent, error) {
	return s.agentRepo.GetByID(ctx, tenantID, agentID)
}

type CreateAgentRequest struct {
	Name             string
	PrimaryProvider  string
	FallbackProvider string
	SystemPrompt     string
	EnabledTools     []string
}

func (s *AgentService) Create(ctx context.Context, tenantID string, req CreateAgentRequest) (*Agent, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, infraerrors.BadRequest("AGENT_NAME_REQUIRED", "agent name is required")
	}
	now := time.Now().UTC()
	agent := &Agent{
		ID:               uuid.NewString(),
		TenantID:         tenantID,
		Name:             name,
		PrimaryProvider:  req.PrimaryProvider,
		FallbackProvider: req.FallbackProvider,
		SystemPrompt:     req.SystemPrompt,
		EnabledTools:     req.EnabledTools,
		Status:           domain.StatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := agent.Validate(); err != nil {
		return nil, err
	}
	if err := s.agentRepo.Create(ctx, agent); err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	return agent, nil
}

type UpdateAgentRequest struct {
	Name             *string
	PrimaryProvider  *string
	FallbackProvider *string
	SystemPrompt     *string
	EnabledTools     []string
	Status           *string
}

func (s *AgentService) Update(ctx context.Context, tenantID, agentID string, req UpdateAgentRequest) (*Agent, error) {
	agent, err := s.agentRepo.GetByID(ctx, tenantID, agentID)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, infraerrors.BadRequest("AGENT_NAME_REQUIRED", "agent name is required")
		}
		agent.Name = name
	}
	if req.PrimaryProvider != nil {
		agent.PrimaryProvider = *req.PrimaryProvider
	}
	if req.FallbackProvider != nil {
		agent.FallbackProvider = *req.FallbackProvider
	}
	if req.SystemPrompt != nil {
		agent.SystemPrompt = *req.SystemPrompt
	}
	if req.EnabledTools != nil {
		agent.EnabledTools = req.EnabledTools
	}
	if req.Status != nil {
		switch *req.Status {
		case domain.StatusActive, domain.StatusDisabled:
			agent.Status = *req.Status
		default:
			return nil, infraerrors.BadRequest("AGENT_INVALID_STATUS", "status must be active or disabled")
		}
	}
	if err := agent.Validate(); err != nil {
		return nil, err
	}
	agent.UpdatedAt = time.Now().UTC()
	if err := s.agentRepo.Update(ctx, agent); err != nil {
		return nil, fmt.Errorf("update agent: %w", err)
	}
	s.InvalidateSendCache(tenantID, agentID)
	return agent, nil
}

func (s *AgentService) Delete(ctx context.Context, tenantID, agentID string) error {
	if err := s.agentRepo.Delete(ctx, tenantID, agentID); err != nil {
		return err
	}
	s.InvalidateSendCache(tenantID, agentID)
	return nil
}

func (s *AgentService) List(ctx context.Context, tenantID string, params pagination.PaginationParams) ([]Agent, int64, error) {
	return s.agentRepo.List(ctx, tenantID, params)
}

func (s *AgentService) InvalidateSendCache(tenantID, agentID string) {
	if s.sendCache != nil {
		s.sendCache.Delete(agentCacheKey(tenantID, agentID))
	}
}
