package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Chain identifies the settlement network an order escrows on.
type Chain string

// Supported settlement chains.
const (
	ChainBSC Chain = "bsc"
)

// Token enumerates the stablecoins accepted for escrow payment.
type Token string

// Supported payment tokens.
const (
	TokenUSDT Token = "USDT"
	TokenUSDC Token = "USDC"
)

// OrderStatus represents a state in the escrow order lifecycle.
type OrderStatus string

// All lifecycle states.
const (
	StatusCreated         OrderStatus = "created"
	StatusSellerConfirmed OrderStatus = "seller_confirmed"
	StatusCompleted       OrderStatus = "completed"
	StatusDisputed        OrderStatus = "disputed"
	StatusResolvedBuyer   OrderStatus = "resolved_buyer"
	StatusResolvedSeller  OrderStatus = "resolved_seller"
	StatusCancelled       OrderStatus = "cancelled"
	StatusExpired         OrderStatus = "expired"
)

// Order is the escrow aggregate tracking one buyer/seller trade. Status is
// only ever mutated through the lifecycle transition function; terminal
// orders are retained for audit, never deleted.
type Order struct {
	ID                  uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	OnchainOrderID      *int64          `gorm:"uniqueIndex:uq_orders_chain_onchain" json:"onchain_order_id"`
	Chain               Chain           `gorm:"size:16;uniqueIndex:uq_orders_chain_onchain;index:ix_orders_chain_status" json:"chain"`
	BuyerWallet         string          `gorm:"size:42;index" json:"buyer_wallet"`
	SellerWallet        string          `gorm:"size:42;index" json:"seller_wallet"`
	ArbitratorWallet    *string         `gorm:"size:42;index" json:"arbitrator_wallet"`
	ProductID           uuid.UUID       `gorm:"type:uuid;index" json:"product_id"`
	Token               Token           `gorm:"size:16" json:"token"`
	Amount              decimal.Decimal `gorm:"type:numeric(18,6)" json:"amount"`
	PlatformFee         decimal.Decimal `gorm:"type:numeric(18,6)" json:"platform_fee"`
	Status              OrderStatus     `gorm:"size:32;index;index:ix_orders_chain_status" json:"status"`
	ProductKeyEncrypted *string         `gorm:"type:text" json:"product_key_encrypted,omitempty"`
	TxHashCreate        string          `gorm:"size:66" json:"tx_hash_create"`
	TxHashComplete      *string         `gorm:"size:66" json:"tx_hash_complete"`
	SellerConfirmedAt   *time.Time      `json:"seller_confirmed_at"`
	DisputeOpenedAt     *time.Time      `json:"dispute_opened_at"`
	DisputeDeadline     *time.Time      `json:"dispute_deadline"`
	CompletedAt         *time.Time      `json:"completed_at"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Product carries the subset of catalog data the order lifecycle touches:
// the seller identity at creation and the inventory counter credited back
// when a buyer cancels.
type Product struct {
	ID           uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	SellerWallet string          `gorm:"size:42;index" json:"seller_wallet"`
	Price        decimal.Decimal `gorm:"type:numeric(18,6)" json:"price"`
	Inventory    int             `gorm:"not null" json:"inventory"`
	Active       bool            `gorm:"not null;default:true" json:"active"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// EventSyncCursor marks the last block fully applied for one chain+contract
// event source. Advanced only in the same transaction as the order mutations
// derived from the range it covers.
type EventSyncCursor struct {
	Chain     Chain     `gorm:"size:16;primaryKey"`
	Contract  string    `gorm:"size:42;primaryKey"`
	LastBlock int64     `gorm:"not null"`
	UpdatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Product{},
		&Order{},
		&EventSyncCursor{},
	)
}
