package sync

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/cboydstun/bounce-v3-sub002/internal/config"
	"github.com/cboydstun/bounce-v3-sub002/internal/logger"
)

// Scheduler periodically kicks a drain so actions that were requeued after a
// retryable failure get another attempt even without a new enqueue or an
// online transition.
type Scheduler struct {
	cfg     config.SchedulerConfig
	engine  *Engine
	cron    *cron.Cron
	entryID cron.EntryID
}

func NewScheduler(cfg config.SchedulerConfig, engine *Engine) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		engine: engine,
		cron:   cron.New(),
	}
}

func (s *Scheduler) Start() {
	if !s.cfg.Enabled {
		logger.Log.Info("Drain scheduler is disabled")
		return
	}

	logger.Log.Info("Starting drain scheduler", zap.String("interval", s.cfg.Interval))

	id, err := s.cron.AddFunc(s.cfg.Interval, func() {
		// The engine guards against overlapping drains and offline runs.
		s.engine.ProcessQueue(context.Background())
	})
	if err != nil {
		logger.Log.Error("Failed to schedule drain", zap.Error(err))
		return
	}

	s.entryID = id
	s.cron.Start()
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	logger.Log.Info("Stopped drain scheduler")
}
