// Package repository implements the tenant-scoped store over database/sql.
// Postgres (lib/pq) backs deployments; the embedded sqlite driver backs the
// dev/test mode. Every query that touches tenant-owned rows carries the
// tenant id in its WHERE clause; a query without one is a defect, not a
// runtime check.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/agentgate/agentgate/internal/config"
)

// sqlExecutor is the subset of *sql.DB the repositories use, so tests can
// substitute transactions or mocks.
type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps the sql handle with the dialect it speaks. Queries are written
// against postgres and rebound for sqlite.
type DB struct {
	*sql.DB
	driver string
}

func (d *DB) Driver() string { return d.driver }

// dayExpr renders column's calendar day as YYYY-MM-DD in the active
// dialect, for GROUP BY series queries. The sqlite driver stores timestamps
// in a text layout sqlite's own date functions do not parse, so the date is
// taken as the leading YYYY-MM-DD prefix instead.
func (d *DB) dayExpr(column string) string {
	if d.driver == config.DatabaseDriverSQLite {
		return fmt.Sprintf("substr(%s, 1, 10)", column)
	}
	return fmt.Sprintf("to_char(%s, 'YYYY-MM-DD')", column)
}

// greatestExpr is the two-argument maximum in the active dialect: GREATEST
// on postgres, the scalar MAX on sqlite.
func (d *DB) greatestExpr(a, b string) string {
	if d.driver == config.DatabaseDriverSQLite {
		return fmt.Sprintf("MAX(%s, %s)", a, b)
	}
	return fmt.Sprintf("GREATEST(%s, %s)", a, b)
}

// Open connects per the configured driver, tunes the pool, and verifies the
// connection. With AutoMigrate set it also applies the embedded schema.
func Open(cfg *config.Config) (*DB, error) {
	var (
		sqlDB *sql.DB
		err   error
	)
	switch cfg.Database.Driver {
	case config.DatabaseDriverPostgres:
		sqlDB, err = sql.Open("postgres", cfg.Database.DSN())
	case config.DatabaseDriverSQLite:
		sqlDB, err = sql.Open("sqlite", cfg.Database.Path)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.Database.Driver == config.DatabaseDriverSQLite {
		// sqlite serializes writers; a wide pool only produces SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetimeMinutes) * time.Minute)
		sqlDB.SetConnMaxIdleTime(time.Duration(cfg.Database.ConnMaxIdleTimeMinutes) * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &DB{DB: sqlDB, driver: cfg.Database.Driver}
	if cfg.Database.AutoMigrate {
		if err := Migrate(ctx, db); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}
	return db, nil
}

// rebind converts $N placeholders to ? for sqlite. Queries keep their
// placeholders in argument order and never reference the same ordinal twice,
// so positional rebinding is safe.
func (d *DB) rebind(query string) string {
	if d.driver != config.DatabaseDriverSQLite {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func scanSingleRow(ctx context.Context, q sqlExecutor, query string, args []any, dest ...any) error {
	return q.QueryRowContext(ctx, query, args...).Scan(dest...)
}

// isUniqueViolation recognizes duplicate-key failures from both drivers.
// The unique index is the synchronization primitive for idempotency, so
// this check is load-bearing, not cosmetic.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE")
}
