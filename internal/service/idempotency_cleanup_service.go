package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/pkg/logger"
)

// IdempotencyCleanupService deletes idempotency records past the retention
// horizon so the table does not grow without bound. Completion correctness
// never depends on the sweep; a replay of a swept key simply executes anew.
type IdempotencyCleanupService struct {
	idempotencySvc *IdempotencyService
	retention      time.Duration
	interval       time.Duration
	batch          int
	enabled        bool

	cron      *cron.Cron
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewIdempotencyCleanupService(idempotencySvc *IdempotencyService, cfg *config.Config) *IdempotencyCleanupService {
	retention := 24 * time.Hour
	interval := 15 * time.Minute
	batch := 500
	enabled := true
	if cfg != nil {
		if cfg.Idempotency.RetentionHours > 0 {
			retention = time.Duration(cfg.Idempotency.RetentionHours) * time.Hour
		}
		if cfg.Idempotency.Sweep.IntervalMinutes > 0 {
			interval = time.Duration(cfg.Idempotency.Sweep.IntervalMinutes) * time.Minute
		}
		if cfg.Idempotency.Sweep.BatchSize > 0 {
			batch = cfg.Idempotency.Sweep.BatchSize
		}
		enabled = cfg.Idempotency.Sweep.Enabled
	}
	return &IdempotencyCleanupService{
		idempotencySvc: idempotencySvc,
		retention:      retention,
		interval:       interval,
		batch:          batch,
		enabled:        enabled,
	}
}

func (s *IdempotencyCleanupService) Start() {
	if s == nil || s.idempotencySvc == nil {
		return
	}
	if !s.enabled {
		logger.L().Info("idempotency sweep not started (disabled)")
		return
	}
	s.startOnce.Do(func() {
		c := cron.New()
		spec := fmt.Sprintf("@every %s", s.interval)
		if _, err := c.AddFunc(spec, func() { s.sweepOnce() }); err != nil {
			logger.L().Error("idempotency sweep not started",
				zap.String("schedule", spec), zap.Error(err))
			return
		}
		s.cron = c
		s.cron.Start()
		logger.L().Info("idempotency sweep started",
			zap.Duration("interval", s.interval),
			zap.Duration("retention", s.retention),
			zap.Int("batch", s.batch))
	})
}

func (s *IdempotencyCleanupService) Stop() {
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
		logger.L().Info("idempotency sweep stopped")
	})
}

func (s *IdempotencyCleanupService) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Drain in batches until a short batch, so a backlog after downtime
	// clears within one tick without one giant delete.
	var total int64
	for {
		deleted, err := s.idempotencySvc.SweepExpired(ctx, s.retention, s.batch)
		if err != nil {
			logger.L().Warn("idempotency sweep failed", zap.Error(err))
			return
		}
		total += deleted
		if deleted < int64(s.batch) {
			break
		}
	}
	if total > 0 {
		logger.L().Info("idempotency sweep completed", zap.Int64("deleted", total))
	}
}
