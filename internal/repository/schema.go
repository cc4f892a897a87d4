package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentgate/agentgate/internal/config"
)

// schemaDDL is the canonical store layout, written for postgres. Migrate
// rewrites the handful of postgres-only types for sqlite. Statements are
// idempotent so startup migration is safe to repeat.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS tenants (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'active',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	key_hash      TEXT NOT NULL,
	name          TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'active',
	last_used_at  TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_credentials_key_hash ON credentials (key_hash);
CREATE INDEX IF NOT EXISTS idx_credentials_tenant ON credentials (tenant_id);

CREATE TABLE IF NOT EXISTS agents (
	id                 TEXT PRIMARY KEY,
	tenant_id          TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	name               TEXT NOT NULL,
	primary_provider   TEXT NOT NULL,
	fallback_provider  TEXT NOT NULL DEFAULT '',
	system_prompt      TEXT NOT NULL DEFAULT '',
	enabled_tools      TEXT NOT NULL DEFAULT '[]',
	status             TEXT NOT NULL DEFAULT 'active',
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_tenant ON agents (tenant_id);

CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	agent_id          TEXT NOT NULL REFERENCES agents(id),
	customer_id       TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'active',
	metadata          TEXT NOT NULL DEFAULT '{}',
	created_at        TIMESTAMPTZ NOT NULL,
	last_activity_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions (tenant_id);

CREATE TABLE IF NOT EXISTS messages (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	session_id  TEXT NOT NULL REFERENCES sessions(id),
	role        TEXT NOT NULL,
	content     TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session_order ON messages (session_id, created_at, id);

CREATE TABLE IF NOT EXISTS attempt_logs (
	id             BIGSERIAL PRIMARY KEY,
	tenant_id      TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	session_id     TEXT NOT NULL,
	agent_id       TEXT NOT NULL,
	request_id     TEXT NOT NULL,
	provider       TEXT NOT NULL,
	status         TEXT NOT NULL,
	http_status    INTEGER NOT NULL DEFAULT 0,
	latency_ms     BIGINT NOT NULL DEFAULT 0,
	retry_index    INTEGER NOT NULL DEFAULT 0,
	error_code     TEXT NOT NULL DEFAULT '',
	error_message  TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempt_logs_request ON attempt_logs (tenant_id, request_id);

CREATE TABLE IF NOT EXISTS usage_events (
	id          BIGSERIAL PRIMARY KEY,
	tenant_id   TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	session_id  TEXT NOT NULL,
	agent_id    TEXT NOT NULL,
	request_id  TEXT NOT NULL,
	provider    TEXT NOT NULL,
	tokens_in   INTEGER NOT NULL DEFAULT 0,
	tokens_out  INTEGER NOT NULL DEFAULT 0,
	cost_usd    DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_usage_events_request ON usage_events (request_id);
CREATE INDEX IF NOT EXISTS idx_usage_events_tenant_time ON usage_events (tenant_id, created_at);

CREATE TABLE IF NOT EXISTS idempotency_records (
	id                   BIGSERIAL PRIMARY KEY,
	tenant_id            TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	scope                TEXT NOT NULL,
	idempotency_key      TEXT NOT NULL,
	session_id           TEXT,
	request_fingerprint  TEXT NOT NULL,
	response_body        TEXT,
	locked_until         TIMESTAMPTZ,
	lease_owner          TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_idempotency_tenant_scope_key
	ON idempotency_records (tenant_id, scope, idempotency_key);
CREATE INDEX IF NOT EXISTS idx_idempotency_created ON idempotency_records (created_at);

CREATE TABLE IF NOT EXISTS usage_rollups (
	id            BIGSERIAL PRIMARY KEY,
	tenant_id     TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	period_start  TIMESTAMPTZ NOT NULL,
	requests      BIGINT NOT NULL DEFAULT 0,
	tokens_in     BIGINT NOT NULL DEFAULT 0,
	tokens_out    BIGINT NOT NULL DEFAULT 0,
	cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_usage_rollups_tenant_period ON usage_rollups (tenant_id, period_start);
`

var sqliteTypeReplacer = strings.NewReplacer(
	"BIGSERIAL PRIMARY KEY", "INTEGER PRIMARY KEY AUTOINCREMENT",
	"TIMESTAMPTZ", "TIMESTAMP",
	"DOUBLE PRECISION", "REAL",
	"BIGINT", "INTEGER",
)

// Migrate applies the embedded schema, statement by statement so a failure
// names the statement that broke.
func Migrate(ctx context.Context, db *DB) error {
	ddl := schemaDDL
	if db.Driver() == config.DatabaseDriverSQLite {
		ddl = sqliteTypeReplacer.Replace(ddl)
	}
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
