// Package recon merges the escrow contract's append-only event log into the
// order store exactly once per event. A persisted cursor marks the last fully
// applied block; cursor advancement commits in the same transaction as the
// order mutations it covers, so a crash mid-batch is always safe to retry.
package recon

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

// ErrSourceUnavailable indicates the external event source could not be
// reached. The scheduler logs it and retries next cycle; it is never
// surfaced to end users.
var ErrSourceUnavailable = errors.New("recon: event source unavailable")

const (
	defaultBatchCap    = 2000
	defaultDepth       = 15
	defaultCallTimeout = 10 * time.Second
)

// Publisher receives committed order updates for realtime fan-out.
type Publisher interface {
	PublishOrderUpdate(ctx context.Context, orderID uuid.UUID, status models.OrderStatus)
}

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Store    *store.Store
	Source   Source
	Chain    models.Chain
	Contract string
	// BatchCap bounds the block span of a single cycle.
	BatchCap uint64
	// ConfirmationDepth is the distance behind head a block must be before
	// its events are treated as final.
	ConfirmationDepth uint64
	// CallTimeout bounds each individual source call.
	CallTimeout time.Duration
	Publisher   Publisher
	Logger      *slog.Logger
}

// Reconciler applies confirmed on-chain events to local orders.
type Reconciler struct {
	store       *store.Store
	source      Source
	chain       models.Chain
	contract    string
	batchCap    uint64
	depth       uint64
	callTimeout time.Duration
	publisher   Publisher
	logger      *slog.Logger
	nowFn       func() time.Time
}

// New constructs a reconciler with sane defaults.
func New(cfg Config) *Reconciler {
	r := &Reconciler{
		store:       cfg.Store,
		source:      cfg.Source,
		chain:       cfg.Chain,
		contract:    cfg.Contract,
		batchCap:    cfg.BatchCap,
		depth:       cfg.ConfirmationDepth,
		callTimeout: cfg.CallTimeout,
		publisher:   cfg.Publisher,
		logger:      cfg.Logger,
		nowFn:       time.Now,
	}
	if r.chain == "" {
		r.chain = models.ChainBSC
	}
	if r.batchCap == 0 {
		r.batchCap = defaultBatchCap
	}
	if r.depth == 0 {
		r.depth = defaultDepth
	}
	if r.callTimeout <= 0 {
		r.callTimeout = defaultCallTimeout
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// SetNowFunc overrides the time source, primarily used in tests.
func (r *Reconciler) SetNowFunc(now func() time.Time) {
	if now != nil {
		r.nowFn = now
	}
}

type update struct {
	id     uuid.UUID
	status models.OrderStatus
}

// Run executes one reconciliation cycle and reports how many events caused a
// transition. A batch either commits fully, cursor included, or rolls back
// leaving the cursor unchanged for a clean retry.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	head, err := r.head(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	if head < r.depth {
		return 0, nil
	}
	confirmed := head - r.depth

	cursor, err := r.store.Cursor(ctx, r.chain, r.contract)
	if errors.Is(err, lifecycle.ErrNotFound) {
		// First sight of this source: start at the confirmed head rather
		// than backfilling history created under stale semantics.
		bootErr := r.store.Tx(ctx, func(tx *gorm.DB) error {
			return r.store.SaveCursorInTx(tx, &models.EventSyncCursor{
				Chain:     r.chain,
				Contract:  r.contract,
				LastBlock: int64(confirmed),
			})
		})
		if bootErr != nil {
			return 0, fmt.Errorf("bootstrap cursor: %w", bootErr)
		}
		r.logger.Info("event cursor bootstrapped", "chain", r.chain, "contract", r.contract, "block", confirmed)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}

	from := uint64(cursor.LastBlock) + 1
	to := confirmed
	if max := from + r.batchCap - 1; to > max {
		to = max
	}
	if from > to {
		return 0, nil
	}

	events, err := r.events(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	applied := 0
	var updates []update
	err = r.store.Tx(ctx, func(tx *gorm.DB) error {
		current, curErr := r.store.CursorInTx(tx, r.chain, r.contract)
		if curErr != nil {
			return curErr
		}
		if current.LastBlock >= int64(to) {
			// Another instance already applied this range.
			return nil
		}
		for _, evt := range events {
			if applyErr := r.apply(tx, evt, &applied, &updates); applyErr != nil {
				return applyErr
			}
		}
		return r.store.SaveCursorInTx(tx, &models.EventSyncCursor{
			Chain:     r.chain,
			Contract:  r.contract,
			LastBlock: int64(to),
		})
	})
	if err != nil {
		return 0, fmt.Errorf("apply batch [%d,%d]: %w", from, to, err)
	}

	metrics.ReconBlocksProcessed.Add(float64(to - from + 1))
	for _, u := range updates {
		r.publish(ctx, u)
	}
	if applied > 0 || len(events) > 0 {
		r.logger.Info("reconciled events", "from", from, "to", to, "events", len(events), "applied", applied)
	}
	return applied, nil
}

// apply processes one event inside the batch transaction. Events for orders
// unknown locally, or whose state no longer accepts the transition, are
// skipped without error. Only unexpected database failures abort the batch.
func (r *Reconciler) apply(tx *gorm.DB, evt Event, applied *int, updates *[]update) error {
	if evt.Kind == KindOrderCreated {
		if err := r.store.LinkOnchainOrder(tx, r.chain, evt.TxHash, evt.OrderID); err != nil {
			return fmt.Errorf("link order %d: %w", evt.OrderID, err)
		}
		metrics.ReconEventsApplied.WithLabelValues(string(evt.Kind), "linked").Inc()
		return nil
	}

	order, err := r.store.ByOnchainID(tx, r.chain, evt.OrderID)
	if errors.Is(err, lifecycle.ErrNotFound) {
		metrics.ReconEventsApplied.WithLabelValues(string(evt.Kind), "unknown_order").Inc()
		r.logger.Debug("event for unknown order skipped", "kind", evt.Kind, "onchain_id", evt.OrderID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("locate order %d: %w", evt.OrderID, err)
	}

	action, params := actionFor(evt)
	if !lifecycle.Accepts(order.Status, action) {
		// The order moved past this event via a client action or an earlier
		// batch; re-applying would regress it.
		metrics.ReconEventsApplied.WithLabelValues(string(evt.Kind), "already_satisfied").Inc()
		r.logger.Debug("event skipped, state already satisfied",
			"kind", evt.Kind, "order", order.ID, "status", order.Status)
		return nil
	}
	if err := lifecycle.Transition(order, action, lifecycle.SystemActor, r.nowFn().UTC(), r.store.Windows(), params); err != nil {
		metrics.ReconEventsApplied.WithLabelValues(string(evt.Kind), "rejected").Inc()
		r.logger.Warn("event transition rejected", "kind", evt.Kind, "order", order.ID, "err", err)
		return nil
	}
	if err := tx.Save(order).Error; err != nil {
		return fmt.Errorf("save order %s: %w", order.ID, err)
	}
	metrics.ReconEventsApplied.WithLabelValues(string(evt.Kind), "applied").Inc()
	*applied++
	*updates = append(*updates, update{id: order.ID, status: order.Status})
	return nil
}

func actionFor(evt Event) (lifecycle.Action, lifecycle.Params) {
	switch evt.Kind {
	case KindSellerConfirmed:
		return lifecycle.ActionSellerConfirm, lifecycle.Params{}
	case KindOrderCompleted:
		return lifecycle.ActionBuyerConfirm, lifecycle.Params{TxHashComplete: evt.TxHash}
	case KindDisputeOpened:
		return lifecycle.ActionOpenDispute, lifecycle.Params{}
	case KindDisputeResolved:
		return lifecycle.ActionResolveDispute, lifecycle.Params{FavorBuyer: evt.FavorBuyer, TxHashComplete: evt.TxHash}
	default:
		return "", lifecycle.Params{}
	}
}

func (r *Reconciler) publish(ctx context.Context, u update) {
	if r.publisher == nil {
		return
	}
	r.publisher.PublishOrderUpdate(ctx, u.id, u.status)
}

func (r *Reconciler) head(ctx context.Context) (uint64, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	return r.source.Head(callCtx)
}

func (r *Reconciler) events(ctx context.Context, from, to uint64) ([]Event, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	return r.source.Events(callCtx, from, to)
}
