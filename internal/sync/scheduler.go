package sync

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"b2chat-sync-service/internal/config"
	"b2chat-sync-service/internal/logger"
)

// Scheduler triggers incremental syncs on a cron cadence. Runs that would
// overlap an in-flight extract of the same entity type are skipped by the
// manager, not queued.
type Scheduler struct {
	cfg     config.SchedulerConfig
	manager *Manager
	cron    *cron.Cron
	entryID cron.EntryID
}

func NewScheduler(cfg config.SchedulerConfig, manager *Manager) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		manager: manager,
		cron:    cron.New(),
	}
}

func (s *Scheduler) Start() {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		return
	}

	logger.Log.Info("Starting scheduler", zap.String("cron", s.cfg.Cron))

	id, err := s.cron.AddFunc(s.cfg.Cron, func() {
		s.triggerSync()
	})

	if err != nil {
		logger.Log.Error("Failed to schedule job", zap.Error(err))
		return
	}

	s.entryID = id
	s.cron.Start()
	logger.Log.Info("Scheduler started", zap.Time("nextRun", s.cron.Entry(s.entryID).Next))
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
	logger.Log.Info("Stopped scheduler")
}

func (s *Scheduler) triggerSync() {
	logger.Log.Info("Triggering scheduled sync")
	s.manager.RunScheduledSync(context.Background())
}
