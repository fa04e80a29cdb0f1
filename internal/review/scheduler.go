package review

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler sweeps all open review requests at a fixed interval and applies
// CheckSLA to each. Sweeps may overlap a manual check without
// double-escalating; idempotency lives in the manager, not here.
type Scheduler struct {
	mgr      *Manager
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewScheduler creates a sweep scheduler. Interval defaults to one minute.
func NewScheduler(mgr *Manager, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		mgr:      mgr,
		interval: interval,
		logger:   logger,
	}
}

// Start launches the background sweep loop. Calling Start on a running
// scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})

	go s.loop(ctx)

	s.logger.Info("SLA scheduler started", zap.Duration("interval", s.interval))
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.stopped)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one SLA pass over all open requests. Exported so callers (and
// tests) can force a pass without waiting for the ticker.
func (s *Scheduler) Sweep(ctx context.Context) {
	for _, id := range s.mgr.OpenIDs() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.mgr.CheckSLA(ctx, id); err != nil {
			s.logger.Error("SLA check failed",
				zap.String("review_id", id),
				zap.Error(err),
			)
		}
	}
}

// Stop halts the sweep loop and waits for it to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopped := s.stopped
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
	s.logger.Info("SLA scheduler stopped")
}
