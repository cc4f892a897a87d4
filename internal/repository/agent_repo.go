package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agentgate/agentgate/internal/pkg/pagination"
	"github.com/agentgate/agentgate/internal/service"
)

type agentRepository struct {
	db  *DB
	sql sqlExecutor
}

func NewAgentRepository(db *DB) service.AgentRepository {
	return &agentRepository{db: db, sql: db.DB}
}

const agentColumns = `id, tenant_id, name, primary_provider, fallback_provider,
	system_prompt, enabled_tools, status, created_at, updated_at`

func (r *agentRepository) GetByID(ctx context.Context, tenantID, id string) (*service.Agent, error) {
	query := r.db.rebind(`
		SELECT ` + agentColumns + `
		FROM agents
		WHERE tenant_id = $1 AND id = $2
	`)
	return r.scanAgent(r.sql.QueryRowContext(ctx, query, tenantID, id))
}

func (r *agentRepository) scanAgent(row *sql.Row) (*service.Agent, error) {
	agent := &service.Agent{}
	var tools string
	err := row.Scan(
		&agent.ID, &agent.TenantID, &agent.Name,
		&agent.PrimaryProvider, &agent.FallbackProvider,
		&agent.SystemPrompt, &tools, &agent.Status,
		&agent.CreatedAt, &agent.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, service.ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tools), &agent.EnabledTools); err != nil {
		return nil, fmt.Errorf("decode enabled_tools for agent %s: %w", agent.ID, err)
	}
	return agent, nil
}

func (r *agentRepository) Create(ctx context.Context, agent *service.Agent) error {
	tools, err := encodeTools(agent.EnabledTools)
	if err != nil {
		return err
	}
	query := r.db.rebind(`
		INSERT INTO agents (` + agentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`)
	_, err = r.sql.ExecContext(ctx, query,
		agent.ID, agent.TenantID, agent.Name,
		agent.PrimaryProvider, agent.FallbackProvider,
		agent.SystemPrompt, tools, agent.Status,
		agent.CreatedAt, agent.UpdatedAt)
	return err
}

func (r *agentRepository) Update(ctx context.Context, agent *service.Agent) error {
	tools, err := encodeTools(agent.EnabledTools)
	if err != nil {
		return err
	}
	query := r.db.rebind(`
		UPDATE agents
		SET name = $1,
			primary_provider = $2,
			fallback_provider = $3,
			system_prompt = $4,
			enabled_tools = $5,
			status = $6,
			updated_at = $7
		WHERE tenant_id = $8 AND id = $9
	`)
	res, err := r.sql.ExecContext(ctx, query,
		agent.Name, agent.PrimaryProvider, agent.FallbackProvider,
		agent.SystemPrompt, tools, agent.Status, agent.UpdatedAt,
		agent.TenantID, agent.ID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return service.ErrAgentNotFound
	}
	return nil
}

func (r *agentRepository) Delete(ctx context.Context, tenantID, id string) error {
	query := r.db.rebind(`DELETE FROM agents WHERE tenant_id = $1 AND id = $2`)
	res, err := r.sql.ExecContext(ctx, query, tenantID, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return service.ErrAgentNotFound
	}
	return nil
}

func (r *agentRepository) List(ctx context.Context, tenantID string, params pagination.PaginationParams) ([]service.Agent, int64, error) {
	var total int64
	countQuery := r.db.rebind(`SELECT COUNT(*) FROM agents WHERE tenant_id = $1`)
	if err := scanSingleRow(ctx, r.sql, countQuery, []any{tenantID}, &total); err != nil {
		return nil, 0, err
	}

	query := r.db.rebind(`
		SELECT ` + agentColumns + `
		FROM agents
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`)
	rows, err := r.sql.QueryContext(ctx, query, tenantID, params.Limit(), params.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	agents := make([]service.Agent, 0, params.Limit())
	for rows.Next() {
		var agent service.Agent
		var tools string
		if err := rows.Scan(
			&agent.ID, &agent.TenantID, &agent.Name,
			&agent.PrimaryProvider, &agent.FallbackProvider,
			&agent.SystemPrompt, &tools, &agent.Status,
			&agent.CreatedAt, &agent.UpdatedAt); err != nil {
			return nil, 0, err
		}
		if err := json.Unmarshal([]byte(tools), &agent.EnabledTools); err != nil {
			return nil, 0, fmt.Errorf("decode enabled_tools for agent %s: %w", agent.ID, err)
		}
		agents = append(agents, agent)
	}
	return agents, total, rows.Err()
}

func encodeTools(tools []string) (string, error) {
	if tools == nil {
		tools = []string{}
	}
	raw, err := json.Marshal(tools)
	if err != nil {
		return "", fmt.Errorf("encode enabled_tools: %w", err)
	}
	return string(raw), nil
}
