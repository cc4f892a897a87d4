package service

import (
	"context"
	"time"

	"github.com/agentgate/agentgate/internal/domain"
	infraerrors "github.com/agentgate/agentgate/internal/pkg/errors"
)

var (
	ErrTenantNotFound     = infraerrors.NotFound("TENANT_NOT_FOUND", "tenant not found")
	ErrCredentialNotFound = infraerrors.NotFound("CREDENTIAL_NOT_FOUND", "credential not found")
)

// Tenant is an isolated customer namespace; everything else is owned by one.
type Tenant struct {
	ID        string
	Name      string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (t *Tenant) IsActive() bool {
	return t.Status == domain.StatusActive
}

// Credential maps a hashed API key to a tenant. The plaintext key is never
// stored; only its hash is ever compared.
type Credential struct {
	ID         string
	TenantID   string
	KeyHash    string
	Name       string
	Status     string
	LastUsedAt *time.Time
	CreatedAt  time.Time

	Tenant *Tenant
}

func (c *Credential) IsActive() bool {
	return c.Status == domain.StatusActive
}

type TenantRepository interface {
	GetByID(ctx context.Context, id string) (*Tenant, error)
	Create(ctx context.Context, tenant *Tenant) error
}

type CredentialRepository interface {
	// GetByKeyHashForAuth loads the credential with its tenant preloaded.
	GetByKeyHashForAuth(ctx context.Context, keyHash string) (*Credential, error)
	Create(ctx context.Context, credential *Credential) error
	UpdateLastUsed(ctx context.Context, id string, usedAt time.Time) error
}
