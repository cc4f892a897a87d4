package repository

import (
	"context"
	"time"

	"github.com/agentgate/agentgate/internal/pkg/pagination"
	"github.com/agentgate/agentgate/internal/service"
)

type attemptRepository struct {
	db  *DB
	sql sqlExecutor
}

func NewAttemptRepository(db *DB) service.AttemptRepository {
	return &attemptRepository{db: db, sql: db.DB}
}

// Record appends one attempt row as it happens, so a crash mid-send leaves
// a truthful partial audit.
func (r *attemptRepository) Record(ctx context.Context, attempt *service.AttemptRecord) error {
	query := r.db.rebind(`
		INSERT INTO attempt_logs (
			tenant_id, session_id, agent_id, request_id, provider, status,
			http_status, latency_ms, retry_index, error_code, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`)
	_, err := r.sql.ExecContext(ctx, query,
		attempt.TenantID, attempt.SessionID, attempt.AgentID, attempt.RequestID,
		attempt.Provider, attempt.Status, attempt.HTTPStatus, attempt.LatencyMs,
		attempt.RetryIndex, attempt.ErrorCode, attempt.ErrorMessage, attempt.CreatedAt)
	return err
}

func (r *attemptRepository) ListByRequestID(ctx context.Context, tenantID, requestID string) ([]service.AttemptRecord, error) {
	query := r.db.rebind(`
		SELECT id, tenant_id, session_id, agent_id, request_id, provider, status,
			http_status, latency_ms, retry_index, error_code, error_message, created_at
		FROM attempt_logs
		WHERE tenant_id = $1 AND request_id = $2
		ORDER BY id ASC
	`)
	rows, err := r.sql.QueryContext(ctx, query, tenantID, requestID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var attempts []service.AttemptRecord
	for rows.Next() {
		var a service.AttemptRecord
		if err := rows.Scan(
			&a.ID, &a.TenantID, &a.SessionID, &a.AgentID, &a.RequestID,
			&a.Provider, &a.Status, &a.HTTPStatus, &a.LatencyMs,
			&a.RetryIndex, &a.ErrorCode, &a.ErrorMessage, &a.CreatedAt); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

type usageRepository struct {
	db  *DB
	sql sqlExecutor
}

func NewUsageRepository(db *DB) service.UsageRepository {
	return &usageRepository{db: db, sql: db.DB}
}

// Record appends the billing row for one successful send. The unique index
// on request_id backs the at-most-once billing invariant; a duplicate is
// surfaced loudly, never swallowed.
func (r *usageRepository) Record(ctx context.Context, event *service.UsageEvent) error {
	query := r.db.rebind(`
		INSERT INTO usage_events (
			tenant_id, session_id, agent_id, request_id, provider,
			tokens_in, tokens_out, cost_usd, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	_, err := r.sql.ExecContext(ctx, query,
		event.TenantID, event.SessionID, event.AgentID, event.RequestID,
		event.Provider, event.TokensIn, event.TokensOut, event.CostUsd, event.CreatedAt)
	if isUniqueViolation(err) {
		return service.ErrDuplicateUsageEvent.WithCause(err)
	}
	return err
}

func (r *usageRepository) List(ctx context.Context, tenantID string, params pagination.PaginationParams) ([]service.UsageEvent, int64, error) {
	var total int64
	countQuery := r.db.rebind(`SELECT COUNT(*) FROM usage_events WHERE tenant_id = $1`)
	if err := scanSingleRow(ctx, r.sql, countQuery, []any{tenantID}, &total); err != nil {
		return nil, 0, err
	}

	query := r.db.rebind(`
		SELECT id, tenant_id, session_id, agent_id, request_id, provider,
			tokens_in, tokens_out, cost_usd, created_at
		FROM usage_events
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`)
	rows, err := r.sql.QueryContext(ctx, query, tenantID, params.Limit(), params.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	events := make([]service.UsageEvent, 0, params.Limit())
	for rows.Next() {
		var e service.UsageEvent
		if err := rows.Scan(
			&e.ID, &e.TenantID, &e.SessionID, &e.AgentID, &e.RequestID,
			&e.Provider, &e.TokensIn, &e.TokensOut, &e.CostUsd, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		events = append(events, e)
	}
	return events, total, rows.Err()
}

func (r *usageRepository) SumRange(ctx context.Context, tenantID string, from, to time.Time) (service.UsageTotals, error) {
	query := r.db.rebind(`
		SELECT COUNT(*), COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0), COALESCE(SUM(cost_usd), 0)
		FROM usage_events
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
	`)
	var totals service.UsageTotals
	err := scanSingleRow(ctx, r.sql, query, []any{tenantID, from, to},
		&totals.Requests, &totals.TokensIn, &totals.TokensOut, &totals.CostUsd)
	return totals, err
}

func (r *usageRepository) SummaryByProvider(ctx context.Context, tenantID string, from, to time.Time) ([]service.ProviderTotals, error) {
	query := r.db.rebind(`
		SELECT provider, COUNT(*), COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0), COALESCE(SUM(cost_usd), 0)
		FROM usage_events
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY provider
		ORDER BY provider ASC
	`)
	rows, err := r.sql.QueryContext(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var summary []service.ProviderTotals
	for rows.Next() {
		var p service.ProviderTotals
		if err := rows.Scan(&p.Provider, &p.Requests, &p.TokensIn, &p.TokensOut, &p.CostUsd); err != nil {
			return nil, err
		}
		summary = append(summary, p)
	}
	return summary, rows.Err()
}

func (r *usageRepository) DailySeries(ctx context.Context, tenantID string, from, to time.Time) ([]service.DailyUsage, error) {
	day := r.db.dayExpr("created_at")
	query := r.db.rebind(`
		SELECT ` + day + `, COUNT(*), COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0), COALESCE(SUM(cost_usd), 0)
		FROM usage_events
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY ` + day + `
		ORDER BY ` + day + ` ASC
	`)
	rows, err := r.sql.QueryContext(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var series []service.DailyUsage
	for rows.Next() {
		var d service.DailyUsage
		if err := rows.Scan(&d.Day, &d.Requests, &d.TokensIn, &d.TokensOut, &d.CostUsd); err != nil {
			return nil, err
		}
		series = append(series, d)
	}
	return series, rows.Err()
}
