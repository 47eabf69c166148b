package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"redress/config"
	"redress/core/store"
	"redress/core/utils"
)

const AuditSweep = "retention.sweep"

// Scheduler prunes aged incident events and audit entries on a cron
// schedule. Incidents, evidence and runs are never touched; only the
// append-only histories age out.
type Scheduler struct {
	cfg       config.RetentionConfig
	incidents store.IncidentsStore
	audits    store.AuditStore
	logger    *utils.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

func NewScheduler(cfg config.RetentionConfig, incidents store.IncidentsStore, audits store.AuditStore, logger *utils.Logger) *Scheduler {
	return &Scheduler{cfg: cfg, incidents: incidents, audits: audits, logger: logger}
}

func (s *Scheduler) StartWithContext(ctx context.Context) error {
	if s == nil || !s.cfg.Enabled {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)

	spec := s.cfg.CronSpec
	if spec == "" {
		spec = "@hourly"
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if err := s.RunOnce(runCtx, time.Now().UTC()); err != nil && s.logger != nil {
			s.logger.Errorf("retention sweep: %v", err)
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("retention cron spec %q: %w", spec, err)
	}
	c.Start()

	s.cron = c
	s.cancel = cancel
	s.running = true
	return nil
}

func (s *Scheduler) StopWithContext(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	s.cron = nil
	s.cancel = nil
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()
	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	if c == nil {
		return nil
	}
	stopped := c.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs a single sweep. A zero or negative day count disables
// that dimension of pruning.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) error {
	if s == nil {
		return nil
	}
	now = now.UTC()
	var events, audits int64
	if s.cfg.EventDays > 0 && s.incidents != nil {
		cutoff := now.AddDate(0, 0, -s.cfg.EventDays)
		n, err := s.incidents.DeleteEventsBefore(ctx, cutoff)
		if err != nil {
			return err
		}
		events = n
	}
	if s.cfg.AuditDays > 0 && s.audits != nil {
		cutoff := now.AddDate(0, 0, -s.cfg.AuditDays)
		n, err := s.audits.DeleteBefore(ctx, cutoff)
		if err != nil {
			return err
		}
		audits = n
	}
	if s.audits != nil && (events > 0 || audits > 0) {
		_ = s.audits.Log(ctx, "system", AuditSweep, fmt.Sprintf("events_deleted=%d audits_deleted=%d", events, audits))
	}
	if s.logger != nil {
		s.logger.Printf("retention sweep done: events=%d audits=%d", events, audits)
	}
	return nil
}
