// Package store is the Order Store: the gorm-backed source of truth for
// order state. Every transition producer (request path, reconciler, sweeper)
// mutates orders through this package so the per-row locking discipline is
// applied in exactly one place.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"p2pescrow/lifecycle"
	"p2pescrow/models"
	"p2pescrow/observability/metrics"
)

// Store wraps the relational database holding order aggregates.
type Store struct {
	db      *gorm.DB
	windows lifecycle.Windows
	now     func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithWindows overrides the lifecycle timing thresholds.
func WithWindows(w lifecycle.Windows) Option {
	return func(s *Store) { s.windows = w }
}

// WithNowFunc overrides the time source, primarily used in tests.
func WithNowFunc(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a Store bound to the supplied database handle.
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{
		db:      db,
		windows: lifecycle.DefaultWindows(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Windows exposes the configured lifecycle thresholds.
func (s *Store) Windows() lifecycle.Windows { return s.windows }

// Tx runs fn inside a database transaction. Background producers use it to
// commit a batch of transitions atomically with their own bookkeeping.
func (s *Store) Tx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// lockForUpdate acquires an exclusive row lock before the read. The sqlite
// dialect used in tests has no row locks; its writes serialize on the
// database lock instead, so the clause is elided there.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// CreateParams supplies the initial order fields.
type CreateParams struct {
	BuyerWallet  string
	ProductID    uuid.UUID
	Chain        models.Chain
	Token        models.Token
	Amount       decimal.Decimal
	TxHashCreate string
}

// Create persists a new order against an active product, freezing the
// platform fee and debiting one unit of inventory in the same transaction.
func (s *Store) Create(ctx context.Context, params CreateParams) (*models.Order, error) {
	var order *models.Order
	err := s.Tx(ctx, func(tx *gorm.DB) error {
		var product models.Product
		if err := lockForUpdate(tx).First(&product, "id = ?", params.ProductID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return lifecycle.ErrNotFound
			}
			return err
		}
		if product.SellerWallet == params.BuyerWallet {
			return lifecycle.ErrUnauthorized
		}
		if product.Inventory <= 0 || !product.Active {
			return lifecycle.ErrInvalidTransition
		}
		if err := tx.Model(&models.Product{}).Where("id = ?", product.ID).
			UpdateColumn("inventory", gorm.Expr("inventory - 1")).Error; err != nil {
			return err
		}
		chain := params.Chain
		if chain == "" {
			chain = models.ChainBSC
		}
		order = &models.Order{
			ID:           uuid.New(),
			Chain:        chain,
			BuyerWallet:  params.BuyerWallet,
			SellerWallet: product.SellerWallet,
			ProductID:    product.ID,
			Token:        params.Token,
			Amount:       params.Amount,
			PlatformFee:  lifecycle.PlatformFee(params.Amount),
			Status:       models.StatusCreated,
			TxHashCreate: params.TxHashCreate,
			CreatedAt:    s.now().UTC(),
		}
		return tx.Create(order).Error
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// Get fetches a single order by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := s.db.WithContext(ctx).First(&order, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, lifecycle.ErrNotFound
		}
		return nil, err
	}
	return &order, nil
}

// ListParams filters and paginates an order listing for one wallet.
type ListParams struct {
	Role     string // "buyer", "seller", or empty for both
	Status   models.OrderStatus
	Page     int
	PageSize int
}

// List returns the wallet's orders newest first along with the total count.
func (s *Store) List(ctx context.Context, wallet string, params ListParams) ([]models.Order, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Order{})
	switch params.Role {
	case "buyer":
		query = query.Where("buyer_wallet = ?", wallet)
	case "seller":
		query = query.Where("seller_wallet = ?", wallet)
	default:
		query = query.Where("buyer_wallet = ? OR seller_wallet = ?", wallet, wallet)
	}
	if params.Status != "" {
		query = query.Where("status = ?", params.Status)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	page := params.Page
	if page < 1 {
		page = 1
	}
	size := params.PageSize
	if size < 1 {
		size = 20
	}
	var orders []models.Order
	if err := query.Order("created_at DESC").Offset((page - 1) * size).Limit(size).Find(&orders).Error; err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// Transition applies a state machine action to the order inside its own
// transaction. Request-path callers surface the returned error directly;
// there is no hidden retry.
func (s *Store) Transition(ctx context.Context, id uuid.UUID, action lifecycle.Action, actor string, params lifecycle.Params) (*models.Order, error) {
	var order *models.Order
	err := s.Tx(ctx, func(tx *gorm.DB) error {
		var txErr error
		order, txErr = s.TransitionInTx(tx, id, action, actor, params)
		return txErr
	})
	if err != nil {
		metrics.TransitionsTotal.WithLabelValues(string(action), "rejected").Inc()
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues(string(action), "ok").Inc()
	return order, nil
}

// TransitionInTx applies a transition to the exclusively locked order row
// inside an existing transaction. Cancelling restores one unit of product
// inventory in the same unit of work.
func (s *Store) TransitionInTx(tx *gorm.DB, id uuid.UUID, action lifecycle.Action, actor string, params lifecycle.Params) (*models.Order, error) {
	var order models.Order
	if err := lockForUpdate(tx).First(&order, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, lifecycle.ErrNotFound
		}
		return nil, fmt.Errorf("load order %s: %w", id, err)
	}
	if err := lifecycle.Transition(&order, action, actor, s.now().UTC(), s.windows, params); err != nil {
		return nil, err
	}
	if err := tx.Save(&order).Error; err != nil {
		return nil, fmt.Errorf("save order %s: %w", id, err)
	}
	if action == lifecycle.ActionCancel {
		if err := tx.Model(&models.Product{}).Where("id = ?", order.ProductID).
			UpdateColumn("inventory", gorm.Expr("inventory + 1")).Error; err != nil {
			return nil, fmt.Errorf("restore inventory for product %s: %w", order.ProductID, err)
		}
	}
	return &order, nil
}

// LinkOnchainOrder records the on-chain order id for the order originated by
// txHash, if one exists locally and is not yet linked. The unique
// (chain, onchain_order_id) index guarantees an on-chain event is never
// attributed to two local orders.
func (s *Store) LinkOnchainOrder(tx *gorm.DB, chain models.Chain, txHash string, onchainID int64) error {
	result := tx.Model(&models.Order{}).
		Where("chain = ? AND tx_hash_create = ? AND onchain_order_id IS NULL", chain, txHash).
		UpdateColumn("onchain_order_id", onchainID)
	return result.Error
}

// ByOnchainID locates the local order matching an on-chain settlement id
// inside an existing transaction, holding the row lock on return.
func (s *Store) ByOnchainID(tx *gorm.DB, chain models.Chain, onchainID int64) (*models.Order, error) {
	var order models.Order
	err := lockForUpdate(tx).First(&order, "chain = ? AND onchain_order_id = ?", chain, onchainID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, lifecycle.ErrNotFound
		}
		return nil, err
	}
	return &order, nil
}

// ExpiredCreated lists orders still awaiting seller confirmation past the
// cutoff. Results are candidates only; the sweep re-checks each order under
// its row lock before transitioning.
func (s *Store) ExpiredCreated(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	return s.selectIDs(ctx, "status = ? AND created_at < ?", models.StatusCreated, cutoff)
}

// OverdueConfirmed lists seller-confirmed orders whose buyer confirmation
// window elapsed before the cutoff.
func (s *Store) OverdueConfirmed(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	return s.selectIDs(ctx, "status = ? AND seller_confirmed_at < ?", models.StatusSellerConfirmed, cutoff)
}

func (s *Store) selectIDs(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Model(&models.Order{}).Where(query, args...).Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
