package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/agentgate/agentgate/internal/service"
)

type idempotencyRepository struct {
	db  *DB
	sql sqlExecutor
}

func NewIdempotencyRepository(db *DB) service.IdempotencyRepository {
	return &idempotencyRepository{db: db, sql: db.DB}
}

// Insert claims the key through the unique (tenant_id, scope, key) index.
// ON CONFLICT DO NOTHING RETURNING yields no row for the loser, which both
// drivers report as sql.ErrNoRows.
func (r *idempotencyRepository) Insert(ctx context.Context, record *service.IdempotencyRecord) (bool, error) {
	now := time.Now().UTC()
	query := r.db.rebind(`
		INSERT INTO idempotency_records (
			tenant_id, scope, idempotency_key, session_id, request_fingerprint,
			locked_until, lease_owner, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, scope, idempotency_key) DO NOTHING
		RETURNING id, created_at, updated_at
	`)
	err := scanSingleRow(ctx, r.sql, query, []any{
		record.TenantID,
		record.Scope,
		record.IdempotencyKey,
		record.SessionID,
		record.RequestFingerprint,
		record.LockedUntil,
		record.LeaseOwner,
		now,
		now,
	}, &record.ID, &record.CreatedAt, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *idempotencyRepository) Get(ctx context.Context, tenantID, scope, key string) (*service.IdempotencyRecord, error) {
	query := r.db.rebind(`
		SELECT id, tenant_id, scope, idempotency_key, session_id, request_fingerprint,
			response_body, locked_until, lease_owner, created_at, updated_at
		FROM idempotency_records
		WHERE tenant_id = $1 AND scope = $2 AND idempotency_key = $3
	`)
	record := &service.IdempotencyRecord{}
	var sessionID sql.NullString
	var responseBody sql.NullString
	var lockedUntil sql.NullTime
	err := scanSingleRow(ctx, r.sql, query, []any{tenantID, scope, key},
		&record.ID,
		&record.TenantID,
		&record.Scope,
		&record.IdempotencyKey,
		&sessionID,
		&record.RequestFingerprint,
		&responseBody,
		&lockedUntil,
		&record.LeaseOwner,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if sessionID.Valid {
		v := sessionID.String
		record.SessionID = &v
	}
	if responseBody.Valid {
		v := responseBody.String
		record.ResponseBody = &v
	}
	if lockedUntil.Valid {
		v := lockedUntil.Time
		record.LockedUntil = &v
	}
	return record, nil
}

// TryReclaim takes over a pending record whose lease lapsed, installing the
// reclaimer as the new lease owner. The WHERE clause is the arbiter: it only
// matches an uncompleted row with no live lease, so concurrent reclaimers
// cannot both win.
func (r *idempotencyRepository) TryReclaim(ctx context.Context, id int64, owner string, now, newLockedUntil time.Time) (bool, error) {
	query := r.db.rebind(`
		UPDATE idempotency_records
		SET locked_until = $1,
			lease_owner = $2,
			updated_at = $3
		WHERE id = $4
			AND response_body IS NULL
			AND (locked_until IS NULL OR locked_until <= $5)
	`)
	res, err := r.sql.ExecContext(ctx, query, newLockedUntil, owner, now, id, now)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ExtendLease renews the lease of the record's current owner. The owner
// guard makes it double as an ownership check: a request that lost the key
// to a reclaim gets false and must stop before any billable write.
func (r *idempotencyRepository) ExtendLease(ctx context.Context, id int64, owner string, newLockedUntil time.Time) (bool, error) {
	query := r.db.rebind(`
		UPDATE idempotency_records
		SET locked_until = $1,
			updated_at = $2
		WHERE id = $3 AND response_body IS NULL AND lease_owner = $4
	`)
	res, err := r.sql.ExecContext(ctx, query, newLockedUntil, newLockedUntil, id, owner)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Complete sets the response exactly once: the response_body IS NULL guard
// makes a second completion a no-op reported to the caller, and the owner
// guard keeps a request that lost its lease from publishing at all.
func (r *idempotencyRepository) Complete(ctx context.Context, id int64, owner, responseBody string, completedAt time.Time) (bool, error) {
	query := r.db.rebind(`
		UPDATE idempotency_records
		SET response_body = $1,
			locked_until = NULL,
			updated_at = $2
		WHERE id = $3 AND response_body IS NULL AND lease_owner = $4
	`)
	res, err := r.sql.ExecContext(ctx, query, responseBody, completedAt, id, owner)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *idempotencyRepository) ReleaseLease(ctx context.Context, id int64, owner string, releasedAt time.Time) error {
	query := r.db.rebind(`
		UPDATE idempotency_records
		SET locked_until = NULL,
			updated_at = $1
		WHERE id = $2 AND response_body IS NULL AND lease_owner = $3
	`)
	_, err := r.sql.ExecContext(ctx, query, releasedAt, id, owner)
	return err
}

func (r *idempotencyRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	query := r.db.rebind(`
		DELETE FROM idempotency_records
		WHERE id IN (
			SELECT id
			FROM idempotency_records
			WHERE created_at <= $1
			ORDER BY created_at ASC
			LIMIT $2
		)
	`)
	res, err := r.sql.ExecContext(ctx, query, cutoff, limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
