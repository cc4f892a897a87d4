package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/collection"

	"github.com/agentgate/agentgate/internal/pkg/logger"
)

var newTimingWheel = collection.NewTimingWheel

// TimerService wraps go-zero's timing wheel for cheap deferred work: the
// send pipeline coalesces session activity touches through it and the auth
// middleware defers credential last-used flushes off the hot path.
type TimerService struct {
	tw       *collection.TimingWheel
	stopOnce sync.Once
}

func NewTimerService() (*TimerService, error) {
	// 100ms tick, 36000 slots: up to one hour of delay at sub-second
	// granularity.
	tw, err := newTimingWheel(100*time.Millisecond, 36000, func(key, value any) {
		if fn, ok := value.(func()); ok {
			fn()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create timing wheel: %w", err)
	}
	return &TimerService{tw: tw}, nil
}

func (s *TimerService) Start() {
	// go-zero starts the wheel on construction; nothing to do.
	logger.L().Info("timer service started")
}

func (s *TimerService) Stop() {
	s.stopOnce.Do(func() {
		s.tw.Stop()
		logger.L().Info("timer service stopped")
	})
}

// Schedule runs fn once after delay. Scheduling again under the same key
// before it fires replaces the pending run, which is what coalesced
// best-effort work wants: the last call wins, earlier ones fold into it.
func (s *TimerService) Schedule(key string, delay time.Duration, fn func()) {
	_ = s.tw.SetTimer(key, fn, delay)
}

// Cancel drops a pending run; all scheduled work is best-effort.
func (s *TimerService) Cancel(key string) {
	_ = s.tw.RemoveTimer(key)
}
