package service

import (
	"context"
	"time"

	infraerrors "github.com/agentgate/agentgate/internal/pkg/errors"
	"github.com/agentgate/agentgate/internal/pkg/pagination"
)

var ErrDuplicateUsageEvent = infraerrors.Conflict(
	"DUPLICATE_USAGE_EVENT", "usage event already recorded for this request")

// AttemptRecord is one vendor invocation in the audit trail of a send.
// Rows are append-only; RetryIndex is dense per provider within a send.
type AttemptRecord struct {
	ID           int64
	TenantID     string
	SessionID    string
	AgentID      string
	RequestID    string
	Provider     string
	Status       string
	HTTPStatus   int
	LatencyMs    int64
	RetryIndex   int
	ErrorCode    string
	ErrorMessage string
	CreatedAt    time.Time
}

// UsageEvent is the billing row produced once per successful send.
// Immutable once created; the store enforces at most one per request id.
type UsageEvent struct {
	ID        int64
	TenantID  string
	SessionID string
	AgentID   string
	RequestID string
	Provider  string
	TokensIn  int
	TokensOut int
	CostUsd   float64
	CreatedAt time.Time
}

type AttemptRepository interface {
	// Record appends one attempt row; ordering across calls follows call
	// order.
	Record(ctx context.Context, attempt *AttemptRecord) error
	ListByRequestID(ctx context.Context, tenantID, requestID string) ([]AttemptRecord, error)
}

type UsageRepository interface {
	// Record appends a usage event. A duplicate request id fails with
	// ErrDuplicateUsageEvent.
	Record(ctx context.Context, event *UsageEvent) error
	List(ctx context.Context, tenantID string, params pagination.PaginationParams) ([]UsageEvent, int64, error)
	SumRange(ctx context.Context, tenantID string, from, to time.Time) (UsageTotals, error)
	SummaryByProvider(ctx context.Context, tenantID string, from, to time.Time) ([]ProviderTotals, error)
	DailySeries(ctx context.Context, tenantID string, from, to time.Time) ([]DailyUsage, error)
}

// UsageTotals aggregates usage over a window.
type UsageTotals struct {
	Requests  int64   `json:"requests"`
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
	CostUsd   float64 `json:"cost_usd"`
}

// ProviderTotals is a tenant's usage for one vendor over a window.
type ProviderTotals struct {
	Provider string `json:"provider"`
	UsageTotals
}

// DailyUsage is one day of a tenant's usage series; Day is YYYY-MM-DD UTC.
type DailyUsage struct {
	Day string `json:"day"`
	UsageTotals
}

// UsageRollup is one tenant's pre-aggregated usage for a calendar period.
type UsageRollup struct {
	ID          int64
	TenantID    string
	PeriodStart time.Time
	Requests    int64
	TokensIn    int64
	TokensOut   int64
	CostUsd     float64
	UpdatedAt   time.Time
}

type UsageRollupRepository interface {
	// RollupPeriod aggregates [periodStart, periodEnd) into one row per
	// tenant; repeating a period overwrites it.
	RollupPeriod(ctx context.Context, periodStart, periodEnd time.Time) (int64, error)
	GetByPeriod(ctx context.Context, tenantID string, periodStart time.Time) (*UsageRollup, error)
}

// UsageService serves usage reports to the management plane.
type UsageService struct {
	usageRepo UsageRepository
}

func NewUsageService(usageRepo UsageRepository) *UsageService {
	return &UsageService{usageRepo: usageRepo}
}

func (s *UsageService) List(ctx context.Context, tenantID string, params pagination.PaginationParams) ([]UsageEvent, int64, error) {
	return s.usageRepo.List(ctx, tenantID, params)
}

// Totals aggregates a tenant's usage between from and to.
func (s *UsageService) Totals(ctx context.Context, tenantID string, from, to time.Time) (UsageTotals, error) {
	return s.usageRepo.SumRange(ctx, tenantID, from, to)
}

// SummaryByProvider breaks a tenant's usage down per vendor.
func (s *UsageService) SummaryByProvider(ctx context.Context, tenantID string, from, to time.Time) ([]ProviderTotals, error) {
	return s.usageRepo.SummaryByProvider(ctx, tenantID, from, to)
}

// DailySeries returns a tenant's per-day usage between from and to.
func (s *UsageService) DailySeries(ctx context.Context, tenantID string, from, to time.Time) ([]DailyUsage, error) {
	return s.usageRepo.DailySeries(ctx, tenantID, from, to)
}

// MonthTotals aggregates the calendar month containing at.
func (s *UsageService) MonthTotals(ctx context.Context, tenantID string, at time.Time) (UsageTotals, error) {
	at = at.UTC()
	from := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	return s.usageRepo.SumRange(ctx, tenantID, from, to)
}
