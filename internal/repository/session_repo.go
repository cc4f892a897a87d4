package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentgate/agentgate/internal/pkg/pagination"
	"github.com/agentgate/agentgate/internal/service"
)

type sessionRepository struct {
	db  *DB
	sql sqlExecutor
}

func NewSessionRepository(db *DB) service.SessionRepository {
	return &sessionRepository{db: db, sql: db.DB}
}

const sessionColumns = `id, tenant_id, agent_id, customer_id, status, metadata, created_at, last_activity_at`

func (r *sessionRepository) GetByID(ctx context.Context, tenantID, id string) (*service.Session, error) {
	query := r.db.rebind(`
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE tenant_id = $1 AND id = $2
	`)
	session := &service.Session{}
	var metadata string
	err := scanSingleRow(ctx, r.sql, query, []any{tenantID, id},
		&session.ID, &session.TenantID, &session.AgentID, &session.CustomerID,
		&session.Status, &metadata, &session.CreatedAt, &session.LastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, service.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metadata), &session.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata for session %s: %w", session.ID, err)
	}
	return session, nil
}

func (r *sessionRepository) Create(ctx context.Context, session *service.Session) error {
	metadata, err := encodeMetadata(session.Metadata)
	if err != nil {
		return err
	}
	query := r.db.rebind(`
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	_, err = r.sql.ExecContext(ctx, query,
		session.ID, session.TenantID, session.AgentID, session.CustomerID,
		session.Status, metadata, session.CreatedAt, session.LastActivityAt)
	return err
}

func (r *sessionRepository) UpdateStatus(ctx context.Context, tenantID, id, status string) error {
	query := r.db.rebind(`
		UPDATE sessions SET status = $1 WHERE tenant_id = $2 AND id = $3
	`)
	res, err := r.sql.ExecContext(ctx, query, status, tenantID, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return service.ErrSessionNotFound
	}
	return nil
}

// TouchLastActivity is best-effort bookkeeping on the send path and never
// carries the tenant filter forward to its callers: it is only reachable
// after a tenant-scoped session load.
func (r *sessionRepository) TouchLastActivity(ctx context.Context, id string, at time.Time) error {
	query := r.db.rebind(`
		UPDATE sessions SET last_activity_at = $1 WHERE id = $2 AND last_activity_at < $3
	`)
	_, err := r.sql.ExecContext(ctx, query, at, id, at)
	return err
}

func (r *sessionRepository) List(ctx context.Context, tenantID string, params pagination.PaginationParams) ([]service.Session, int64, error) {
	var total int64
	countQuery := r.db.rebind(`SELECT COUNT(*) FROM sessions WHERE tenant_id = $1`)
	if err := scanSingleRow(ctx, r.sql, countQuery, []any{tenantID}, &total); err != nil {
		return nil, 0, err
	}

	query := r.db.rebind(`
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE tenant_id = $1
		ORDER BY last_activity_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`)
	rows, err := r.sql.QueryContext(ctx, query, tenantID, params.Limit(), params.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	sessions := make([]service.Session, 0, params.Limit())
	for rows.Next() {
		var session service.Session
		var metadata string
		if err := rows.Scan(
			&session.ID, &session.TenantID, &session.AgentID, &session.CustomerID,
			&session.Status, &metadata, &session.CreatedAt, &session.LastActivityAt); err != nil {
			return nil, 0, err
		}
		if err := json.Unmarshal([]byte(metadata), &session.Metadata); err != nil {
			return nil, 0, fmt.Errorf("decode metadata for session %s: %w", session.ID, err)
		}
		sessions = append(sessions, session)
	}
	return sessions, total, rows.Err()
}

func encodeMetadata(metadata map[string]string) (string, error) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode session metadata: %w", err)
	}
	return string(raw), nil
}

type messageRepository struct {
	db  *DB
	sql sqlExecutor
}

func NewMessageRepository(db *DB) service.MessageRepository {
	return &messageRepository{db: db, sql: db.DB}
}

// ListBySessionAscending returns the transcript in (created_at, id) order,
// the total order every send assembles its vendor request from.
func (r *messageRepository) ListBySessionAscending(ctx context.Context, tenantID, sessionID string) ([]service.Message, error) {
	query := r.db.rebind(`
		SELECT id, tenant_id, session_id, role, content, created_at
		FROM messages
		WHERE tenant_id = $1 AND session_id = $2
		ORDER BY created_at ASC, id ASC
	`)
	rows, err := r.sql.QueryContext(ctx, query, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var messages []service.Message
	for rows.Next() {
		var m service.Message
		if err := rows.Scan(&m.ID, &m.TenantID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Append inserts one turn. The stored created_at is clamped to the session's
// current maximum so transcript time never runs backwards even when caller
// clocks collide or skew; the clamped value is scanned back into message.
func (r *messageRepository) Append(ctx context.Context, message *service.Message) error {
	clamped := r.db.greatestExpr("$6",
		`(SELECT COALESCE(MAX(created_at), $7) FROM messages WHERE session_id = $8)`)
	query := r.db.rebind(`
		INSERT INTO messages (id, tenant_id, session_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5, ` + clamped + `)
		RETURNING created_at
	`)
	return scanSingleRow(ctx, r.sql, query, []any{
		message.ID, message.TenantID, message.SessionID,
		message.Role, message.Content,
		message.CreatedAt, message.CreatedAt, message.SessionID,
	}, &message.CreatedAt)
}
