// Package dto provides data transfer objects for HTTP handlers.
package dto

import (
	"github.com/agentgate/agentgate/internal/service"
)

func AgentFromService(a *service.Agent) *Agent {
	if a == nil {
		return nil
	}
	return &Agent{
		ID:               a.ID,
		Name:             a.Name,
		PrimaryProvider:  a.PrimaryProvider,
		FallbackProvider: a.FallbackProvider,
		SystemPrompt:     a.SystemPrompt,
		EnabledTools:     a.EnabledTools,
		Status:           a.Status,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
}

func AgentsFromService(agents []service.Agent) []Agent {
	out := make([]Agent, 0, len(agents))
	for i := range agents {
		out = append(out, *AgentFromService(&agents[i]))
	}
	return out
}

func SessionFromService(s *service.Session) *Session {
	if s == nil {
		return nil
	}
	return &Session{
		ID:             s.ID,
		AgentID:        s.AgentID,
		CustomerID:     s.CustomerID,
		Status:         s.Status,
		Metadata:       s.Metadata,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
	}
}

func SessionsFromService(sessions []service.Session) []Session {
	out := make([]Session, 0, len(sessions))
	for i := range sessions {
		out = append(out, *SessionFromService(&sessions[i]))
	}
	return out
}

func MessageFromService(m *service.Message) *Message {
	if m == nil {
		return nil
	}
	return &Message{
		ID:        m.ID,
		SessionID: m.SessionID,
		Role:      m.Role,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

func MessagesFromService(messages []service.Message) []Message {
	out := make([]Message, 0, len(messages))
	for i := range messages {
		out = append(out, *MessageFromService(&messages[i]))
	}
	return out
}

func UsageEventFromService(e *service.UsageEvent) *UsageEvent {
	if e == nil {
		return nil
	}
	return &UsageEvent{
		ID:        e.ID,
		SessionID: e.SessionID,
		AgentID:   e.AgentID,
		RequestID: e.RequestID,
		Provider:  e.Provider,
		TokensIn:  e.TokensIn,
		TokensOut: e.TokensOut,
		CostUsd:   e.CostUsd,
		CreatedAt: e.CreatedAt,
	}
}

func UsageEventsFromService(events []service.UsageEvent) []UsageEvent {
	out := make([]UsageEvent, 0, len(events))
	for i := range events {
		out = append(out, *UsageEventFromService(&events[i]))
	}
	return out
}

func (r CreateAgentRequest) ToService() service.CreateAgentRequest {
	return service.CreateAgentRequest{
		Name:             r.Name,
		PrimaryProvider:  r.PrimaryProvider,
		FallbackProvider: r.FallbackProvider,
		SystemPrompt:     r.SystemPrompt,
		EnabledTools:     r.EnabledTools,
	}
}

func (r UpdateAgentRequest) ToService() service.UpdateAgentRequest {
	return service.UpdateAgentRequest{
		Name:             r.Name,
		PrimaryProvider:  r.PrimaryProvider,
		FallbackProvider: r.FallbackProvider,
		SystemPrompt:     r.SystemPrompt,
		EnabledTools:     r.EnabledTools,
		Status:           r.Status,
	}
}

func (r CreateSessionRequest) ToService() service.CreateSessionRequest {
	return service.CreateSessionRequest{
		AgentID:    r.AgentID,
		CustomerID: r.CustomerID,
		Metadata:   r.Metadata,
	}
}
