package repository

import (
	"context"
	"time"

	"github.com/agentgate/agentgate/internal/service"
)

type usageRollupRepository struct {
	db  *DB
	sql sqlExecutor
}

func NewUsageRollupRepository(db *DB) service.UsageRollupRepository {
	return &usageRollupRepository{db: db, sql: db.DB}
}

// RollupPeriod aggregates each tenant's usage for [periodStart, periodEnd)
// into one row per tenant. Re-running the same period overwrites, so the
// job is safe to repeat after a missed schedule.
func (r *usageRollupRepository) RollupPeriod(ctx context.Context, periodStart, periodEnd time.Time) (int64, error) {
	query := r.db.rebind(`
		INSERT INTO usage_rollups (tenant_id, period_start, requests, tokens_in, tokens_out, cost_usd, updated_at)
		SELECT tenant_id, $1, COUNT(*), COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0), COALESCE(SUM(cost_usd), 0), $2
		FROM usage_events
		WHERE created_at >= $3 AND created_at < $4
		GROUP BY tenant_id
		ON CONFLICT (tenant_id, period_start) DO UPDATE SET
			requests = excluded.requests,
			tokens_in = excluded.tokens_in,
			tokens_out = excluded.tokens_out,
			cost_usd = excluded.cost_usd,
			updated_at = excluded.updated_at
	`)
	res, err := r.sql.ExecContext(ctx, query, periodStart, time.Now().UTC(), periodStart, periodEnd)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *usageRollupRepository) GetByPeriod(ctx context.Context, tenantID string, periodStart time.Time) (*service.UsageRollup, error) {
	query := r.db.rebind(`
		SELECT id, tenant_id, period_start, requests, tokens_in, tokens_out, cost_usd, updated_at
		FROM usage_rollups
		WHERE tenant_id = $1 AND period_start = $2
	`)
	rollup := &service.UsageRollup{}
	err := scanSingleRow(ctx, r.sql, query, []any{tenantID, periodStart},
		&rollup.ID, &rollup.TenantID, &rollup.PeriodStart,
		&rollup.Requests, &rollup.TokensIn, &rollup.TokensOut,
		&rollup.CostUsd, &rollup.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return rollup, nil
}
