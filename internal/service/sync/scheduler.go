package sync

import (
	"context"
	"time"
)

// =============================================================================
// Scheduler - Periodic Sync
// =============================================================================

// SchedulerConfig configures the sync scheduler intervals. A zero interval
// disables that job.
type SchedulerConfig struct {
	SyncInterval    time.Duration
	ConsentInterval time.Duration
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		SyncInterval:    30 * time.Minute,
		ConsentInterval: 1 * time.Hour,
	}
}

// StartScheduler starts the periodic sync scheduler.
func (s *SyncService) StartScheduler(cfg SchedulerConfig) {
	if s.schedulerCancel != nil {
		s.log.Warnf("Scheduler already running")
		return
	}

	s.schedulerCtx, s.schedulerCancel = context.WithCancel(context.Background())
	s.log.Infof("Starting sync scheduler...")

	if cfg.SyncInterval > 0 {
		s.schedulerWg.Add(1)
		go s.runPeriodic("full", cfg.SyncInterval, s.SyncAll)
	}
	if cfg.ConsentInterval > 0 {
		s.schedulerWg.Add(1)
		go s.runPeriodic("consent", cfg.ConsentInterval, func(ctx context.Context) error {
			_, err := s.LoadConsent(ctx)
			return err
		})
	}
}

// StopScheduler stops the periodic sync scheduler.
func (s *SyncService) StopScheduler() {
	if s.schedulerCancel != nil {
		s.log.Infof("Stopping sync scheduler...")
		s.schedulerCancel()
		s.schedulerWg.Wait()
		s.schedulerCancel = nil
		s.log.Infof("Sync scheduler stopped")
	}
}

// runPeriodic runs a sync function periodically.
func (s *SyncService) runPeriodic(name string, interval time.Duration, syncFn func(context.Context) error) {
	defer s.schedulerWg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.schedulerCtx.Done():
			return
		case <-ticker.C:
			s.log.Debugf("Running periodic sync: %s", name)
			if err := syncFn(s.schedulerCtx); err != nil {
				s.log.Warnf("Periodic sync %s failed: %v", name, err)
			}
		}
	}
}
