package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/agentgate/agentgate/internal/service"
)

type tenantRepository struct {
	db  *DB
	sql sqlExecutor
}

func NewTenantRepository(db *DB) service.TenantRepository {
	return &tenantRepository{db: db, sql: db.DB}
}

func (r *tenantRepository) GetByID(ctx context.Context, id string) (*service.Tenant, error) {
	query := r.db.rebind(`
		SELECT id, name, status, created_at, updated_at
		FROM tenants
		WHERE id = $1
	`)
	tenant := &service.Tenant{}
	err := scanSingleRow(ctx, r.sql, query, []any{id},
		&tenant.ID, &tenant.Name, &tenant.Status, &tenant.CreatedAt, &tenant.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, service.ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	return tenant, nil
}

func (r *tenantRepository) Create(ctx context.Context, tenant *service.Tenant) error {
	query := r.db.rebind(`
		INSERT INTO tenants (id, name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`)
	_, err := r.sql.ExecContext(ctx, query,
		tenant.ID, tenant.Name, tenant.Status, tenant.CreatedAt, tenant.UpdatedAt)
	return err
}

type credentialRepository struct {
	db  *DB
	sql sqlExecutor
}

func NewCredentialRepository(db *DB) service.CredentialRepository {
	return &credentialRepository{db: db, sql: db.DB}
}

// GetByKeyHashForAuth is the auth hot path: one join pulls the credential
// and its tenant snapshot together.
func (r *credentialRepository) GetByKeyHashForAuth(ctx context.Context, keyHash string) (*service.Credential, error) {
	query := r.db.rebind(`
		SELECT
			c.id, c.tenant_id, c.key_hash, c.name, c.status, c.last_used_at, c.created_at,
			t.id, t.name, t.status, t.created_at, t.updated_at
		FROM credentials c
		JOIN tenants t ON t.id = c.tenant_id
		WHERE c.key_hash = $1
	`)
	cred := &service.Credential{Tenant: &service.Tenant{}}
	var lastUsedAt sql.NullTime
	err := scanSingleRow(ctx, r.sql, query, []any{keyHash},
		&cred.ID, &cred.TenantID, &cred.KeyHash, &cred.Name, &cred.Status, &lastUsedAt, &cred.CreatedAt,
		&cred.Tenant.ID, &cred.Tenant.Name, &cred.Tenant.Status, &cred.Tenant.CreatedAt, &cred.Tenant.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, service.ErrCredentialNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastUsedAt.Valid {
		v := lastUsedAt.Time
		cred.LastUsedAt = &v
	}
	return cred, nil
}

func (r *credentialRepository) Create(ctx context.Context, credential *service.Credential) error {
	query := r.db.rebind(`
		INSERT INTO credentials (id, tenant_id, key_hash, name, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)
	_, err := r.sql.ExecContext(ctx, query,
		credential.ID, credential.TenantID, credential.KeyHash,
		credential.Name, credential.Status, credential.CreatedAt)
	return err
}

func (r *credentialRepository) UpdateLastUsed(ctx context.Context, id string, usedAt time.Time) error {
	query := r.db.rebind(`
		UPDATE credentials SET last_used_at = $1 WHERE id = $2
	`)
	_, err := r.sql.ExecContext(ctx, query, usedAt, id)
	return err
}
