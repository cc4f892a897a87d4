package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/pkg/logger"
)

// UsageRollupService aggregates each tenant's usage_events into one
// usage_rollups row per calendar month. The default schedule runs shortly
// after month start and aggregates the month that just closed; the rollup
// is idempotent, so a missed or repeated run is harmless.
type UsageRollupService struct {
	rollupRepo UsageRollupRepository
	schedule   string
	enabled    bool

	cron      *cron.Cron
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewUsageRollupService(rollupRepo UsageRollupRepository, cfg *config.Config) *UsageRollupService {
	schedule := "10 2 1 * *"
	enabled := true
	if cfg != nil {
		if s := strings.TrimSpace(cfg.Usage.Rollup.Cron); s != "" {
			schedule = s
		}
		enabled = cfg.Usage.Rollup.Enabled
	}
	return &UsageRollupService{
		rollupRepo: rollupRepo,
		schedule:   schedule,
		enabled:    enabled,
	}
}

func (s *UsageRollupService) Start() {
	if s == nil || s.rollupRepo == nil {
		return
	}
	if !s.enabled {
		logger.L().Info("usage rollup not started (disabled)")
		return
	}
	s.startOnce.Do(func() {
		c := cron.New()
		if _, err := c.AddFunc(s.schedule, func() { s.runScheduled() }); err != nil {
			logger.L().Error("usage rollup not started",
				zap.String("schedule", s.schedule), zap.Error(err))
			return
		}
		s.cron = c
		s.cron.Start()
		logger.L().Info("usage rollup started", zap.String("schedule", s.schedule))
	})
}

func (s *UsageRollupService) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		if s.cron == nil {
			return
		}
		ctx := s.cron.Stop()
		select {
		case <-ctx.Done():
		case <-time.After(3 * time.Second):
		}
		logger.L().Info("usage rollup stopped")
	})
}

func (s *UsageRollupService) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	// Aggregate the month that just closed.
	now := time.Now().UTC()
	firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	if _, err := s.RollupMonth(ctx, firstOfMonth.Add(-time.Hour)); err != nil {
		logger.L().Warn("usage rollup failed", zap.Error(err))
	}
}

// RollupMonth aggregates the calendar month containing at.
func (s *UsageRollupService) RollupMonth(ctx context.Context, at time.Time) (int64, error) {
	at = at.UTC()
	periodStart := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)
	rows, err := s.rollupRepo.RollupPeriod(ctx, periodStart, periodEnd)
	if err != nil {
		return 0, err
	}
	logger.L().Info("usage rollup completed",
		zap.Time("period_start", periodStart), zap.Int64("tenants", rows))
	return rows, nil
}
