package recon

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Scheduler executes reconciliation cycles on a fixed cadence.
type Scheduler struct {
	reconciler *Reconciler
	interval   time.Duration
	logger     *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(reconciler *Reconciler, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{reconciler: reconciler, interval: interval, logger: logger}
}

// Start runs the polling loop until the context is cancelled. Source outages
// are logged and retried next tick; the persisted cursor guarantees the
// failed range is picked up again.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.reconciler == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.reconciler.Run(ctx); err != nil {
				if errors.Is(err, ErrSourceUnavailable) {
					s.logger.Warn("event source unavailable, retrying next cycle", "err", err)
					continue
				}
				s.logger.Error("reconciliation cycle failed", "err", err)
			}
		}
	}
}
