package dto

import "time"

type Agent struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	PrimaryProvider  string    `json:"primary_provider"`
	FallbackProvider string    `json:"fallback_provider,omitempty"`
	SystemPrompt     string    `json:"system_prompt"`
	EnabledTools     []string  `json:"enabled_tools"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type Session struct {
	ID             string            `json:"id"`
	AgentID        string            `json:"agent_id"`
	CustomerID     string            `json:"customer_id,omitempty"`
	Status         string            `json:"status"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
}

type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type UsageEvent struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	AgentID   string    `json:"agent_id"`
	RequestID string    `json:"request_id"`
	Provider  string    `json:"provider"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	CostUsd   float64   `json:"cost_usd"`
	CreatedAt time.Time `json:"created_at"`
}

type CreateAgentRequest struct {
	Name             string   `json:"name" binding:"required"`
	PrimaryProvider  string   `json:"primary_provider" binding:"required"`
	FallbackProvider string   `json:"fallback_provider"`
	SystemPrompt     string   `json:"system_prompt"`
	EnabledTools     []string `json:"enabled_tools"`
}

type UpdateAgentRequest struct {
	Name             *string  `json:"name"`
	PrimaryProvider  *string  `json:"primary_provider"`
	FallbackProvider *string  `json:"fallback_provider"`
	SystemPrompt     *string  `json:"system_prompt"`
	EnabledTools     []string `json:"enabled_tools"`
	Status           *string  `json:"status"`
}

type CreateSessionRequest struct {
	AgentID    string            `json:"agent_id" binding:"required"`
	CustomerID string            `json:"customer_id"`
	Metadata   map[string]string `json:"metadata"`
}

type SendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}
