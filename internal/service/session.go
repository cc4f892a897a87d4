package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	infraerrors "github.com/agentgate/agentgate/internal/pkg/errors"
	"github.com/agentgate/agentgate/internal/pkg/pagination"
)

// Session status constants
const (
	SessionStatusActive = "active"
	SessionStatusClosed = "closed"
)

var ErrSessionNotFound = infraerrors.NotFound("SESSION_NOT_FOUND", "session not found")

// Session is one conversation thread between an agent and an end customer.
type Session struct {
	ID             string
	TenantID       string
	AgentID        string
	CustomerID     string
	Status         string
	Metadata       map[string]string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

func (s *Session) IsActive() bool {
	return s.Status == SessionStatusActive
}

// Message is one turn in a session. Messages form a total order by
// (CreatedAt, ID); the id tie-break keeps the order stable when two turns
// land on the same timestamp.
type Message struct {
	ID        string
	TenantID  string
	SessionID string
	Role      string
	Content   string
	CreatedAt time.Time
}

type SessionRepository interface {
	GetByID(ctx context.Context, tenantID, id string) (*Session, error)
	Create(ctx context.Context, session *Session) error
	UpdateStatus(ctx context.Context, tenantID, id, status string) error
	TouchLastActivity(ctx context.Context, id string, at time.Time) error
	List(ctx context.Context, tenantID string, params pagination.PaginationParams) ([]Session, int64, error)
}

type MessageRepository interface {
	ListBySessionAscending(ctx context.Context, tenantID, sessionID string) ([]Message, error)
	Append(ctx context.Context, message *Message) error
}

// SessionService owns session lifecycle for the management plane and the
// message reads used by transcripts.
type SessionService struct {
	sessionRepo SessionRepository
	messageRepo MessageRepository
	agentRepo   AgentRepository
}

func NewSessionService(sessionRepo SessionRepository, messageRepo MessageRepository, agentRepo AgentRepository) *SessionService {
	return &SessionService{
		sessionRepo: sessionRepo,
		messageRepo: messageRepo,
		agentRepo:   agentRepo,
	}
}

type CreateSessionRequest struct {
	AgentID    string
	CustomerID string
	Metadata   map[string]string
}

func (s *SessionService) Create(ctx context.Context, tenantID string, req CreateSessionRequest) (*Session, error) {
	if strings.TrimSpace(req.AgentID) == "" {
		return nil, infraerrors.BadRequest("AGENT_ID_REQUIRED", "agent id is required")
	}
	// The agent must exist within the same tenant before a session can
	// reference it.
	if _, err := s.agentRepo.GetByID(ctx, tenantID, req.AgentID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	session := &Session{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		AgentID:        req.AgentID,
		CustomerID:     strings.TrimSpace(req.CustomerID),
		Status:         SessionStatusActive,
		Metadata:       req.Metadata,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

func (s *SessionService) Get(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	return s.sessionRepo.GetByID(ctx, tenantID, sessionID)
}

func (s *SessionService) List(ctx context.Context, tenantID string, params pagination.PaginationParams) ([]Session, int64, error) {
	return s.sessionRepo.List(ctx, tenantID, params)
}

func (s *SessionService) Close(ctx context.Context, tenantID, sessionID string) error {
	return s.sessionRepo.UpdateStatus(ctx, tenantID, sessionID, SessionStatusClosed)
}

// Messages returns the full ascending transcript of a session.
func (s *SessionService) Messages(ctx context.Context, tenantID, sessionID string) ([]Message, error) {
	if _, err := s.sessionRepo.GetByID(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	return s.messageRepo.ListBySessionAscending(ctx, tenantID, sessionID)
}

func newMessage(tenantID, sessionID, role, content string, at time.Time) *Message {
	return &Message{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: at,
	}
}
