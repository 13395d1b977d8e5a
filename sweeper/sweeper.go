// Package sweeper enforces the time-based forced transitions of the order
// lifecycle: created orders the seller never confirmed expire after 24h, and
// seller-confirmed orders the buyer never acknowledged auto-release after
// 72h. Because several instances may run on the same schedule, a cycle first
// takes a short-lived exclusive job lock; losing the race is a benign skip.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"p2pescrow/lifecycle"
	"p2pescrow/models"
	"p2pescrow/observability/metrics"
	"p2pescrow/store"
)

// ErrLockHeld reports that another instance holds the job lock this cycle.
var ErrLockHeld = errors.New("sweeper: job lock held by another instance")

const (
	lockKey        = "lock:timeout_sweeper"
	defaultLockTTL = 2 * time.Minute
)

// Publisher receives committed order updates for realtime fan-out.
type Publisher interface {
	PublishOrderUpdate(ctx context.Context, orderID uuid.UUID, status models.OrderStatus)
}

// Config captures the dependencies required to construct a Sweeper.
type Config struct {
	Store     *store.Store
	Locker    Locker
	LockTTL   time.Duration
	Publisher Publisher
	Logger    *slog.Logger
}

// Sweeper drives expire and auto-release transitions.
type Sweeper struct {
	store     *store.Store
	locker    Locker
	lockTTL   time.Duration
	publisher Publisher
	logger    *slog.Logger
	nowFn     func() time.Time
}

// New constructs a sweeper with sane defaults.
func New(cfg Config) *Sweeper {
	s := &Sweeper{
		store:     cfg.Store,
		locker:    cfg.Locker,
		lockTTL:   cfg.LockTTL,
		publisher: cfg.Publisher,
		logger:    cfg.Logger,
	}
	if s.lockTTL <= 0 {
		s.lockTTL = defaultLockTTL
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.nowFn = time.Now
	return s
}

// SetNowFunc overrides the time source, primarily used in tests.
func (s *Sweeper) SetNowFunc(now func() time.Time) {
	if now != nil {
		s.nowFn = now
	}
}

// Run executes one sweep cycle under the job lock. Each order transitions
// independently: a failure on one is logged and does not abort the others.
// Successful transitions commit together and publish after commit.
func (s *Sweeper) Run(ctx context.Context) (int, error) {
	acquired, err := s.locker.Acquire(ctx, lockKey, s.lockTTL)
	if err != nil {
		return 0, fmt.Errorf("acquire job lock: %w", err)
	}
	if !acquired {
		metrics.SweepLockContention.Inc()
		return 0, ErrLockHeld
	}
	defer func() {
		if relErr := s.locker.Release(context.WithoutCancel(ctx), lockKey); relErr != nil {
			s.logger.Warn("release job lock failed, ttl will expire it", "err", relErr)
		}
	}()

	now := s.nowFn().UTC()
	windows := s.store.Windows()

	expired, err := s.store.ExpiredCreated(ctx, now.Add(-windows.SellerResponse))
	if err != nil {
		return 0, fmt.Errorf("select expired orders: %w", err)
	}
	overdue, err := s.store.OverdueConfirmed(ctx, now.Add(-windows.BuyerConfirm))
	if err != nil {
		return 0, fmt.Errorf("select overdue orders: %w", err)
	}
	if len(expired) == 0 && len(overdue) == 0 {
		return 0, nil
	}

	swept := 0
	var updates []update
	err = s.store.Tx(ctx, func(tx *gorm.DB) error {
		for _, id := range expired {
			s.sweepOne(tx, id, lifecycle.ActionExpire, &swept, &updates)
		}
		for _, id := range overdue {
			s.sweepOne(tx, id, lifecycle.ActionAutoRelease, &swept, &updates)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("commit sweep: %w", err)
	}

	for _, u := range updates {
		s.publish(ctx, u)
	}
	if swept > 0 {
		s.logger.Info("sweep completed", "expired_candidates", len(expired),
			"release_candidates", len(overdue), "swept", swept)
	}
	return swept, nil
}

type update struct {
	id     uuid.UUID
	status models.OrderStatus
}

// sweepOne forces a single transition inside a savepoint so a failure rolls
// back only that order, never its siblings.
func (s *Sweeper) sweepOne(tx *gorm.DB, id uuid.UUID, action lifecycle.Action, swept *int, updates *[]update) {
	var status models.OrderStatus
	err := tx.Transaction(func(stx *gorm.DB) error {
		order, txErr := s.store.TransitionInTx(stx, id, action, lifecycle.SystemActor, lifecycle.Params{})
		if txErr != nil {
			return txErr
		}
		status = order.Status
		return nil
	})
	if err != nil {
		// The candidate was selected without its lock; a racing client
		// action may have moved it already. That is a no-op, not a fault.
		if errors.Is(err, lifecycle.ErrInvalidTransition) || errors.Is(err, lifecycle.ErrNotFound) {
			metrics.SweepTransitions.WithLabelValues(string(action), "skipped").Inc()
			return
		}
		metrics.SweepTransitions.WithLabelValues(string(action), "failed").Inc()
		s.logger.Error("sweep transition failed", "order", id, "action", action, "err", err)
		return
	}
	metrics.SweepTransitions.WithLabelValues(string(action), "ok").Inc()
	s.logger.Info("order swept", "order", id, "action", action, "status", status)
	*swept++
	*updates = append(*updates, update{id: id, status: status})
}

func (s *Sweeper) publish(ctx context.Context, u update) {
	if s.publisher == nil {
		return
	}
	s.publisher.PublishOrderUpdate(ctx, u.id, u.status)
}

// Scheduler executes sweep cycles on a fixed cadence.
type Scheduler struct {
	sweeper  *Sweeper
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(sweeper *Sweeper, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{sweeper: sweeper, interval: interval, logger: logger}
}

// Start runs the sweep loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.sweeper == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.sweeper.Run(ctx); err != nil {
				if errors.Is(err, ErrLockHeld) {
					s.logger.Debug("sweep skipped, lock held elsewhere")
					continue
				}
				s.logger.Error("sweep cycle failed", "err", err)
			}
		}
	}
}
