// Package lifecycle holds the pure order state machine: given an order, an
// action, and the acting wallet, it either mutates the order to its next
// status or rejects the attempt. Every transition producer in the system
// (client requests, the event reconciler, the timeout sweeper) funnels
// through Transition so the same legality and authorization rules apply
// regardless of who is driving.
package lifecycle

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"p2pescrow/models"
)

// Action identifies a state machine transition trigger.
type Action string

// Client-driven and system-driven actions.
const (
	ActionSellerConfirm  Action = "seller_confirm"
	ActionBuyerConfirm   Action = "buyer_confirm"
	ActionCancel         Action = "cancel"
	ActionOpenDispute    Action = "open_dispute"
	ActionResolveDispute Action = "resolve_dispute"
	ActionExpire         Action = "expire"
	ActionAutoRelease    Action = "auto_release"
)

// SystemActor is passed for transitions driven by elapsed time or on-chain
// events rather than a human caller.
const SystemActor = ""

var (
	// ErrNotFound indicates the referenced order (or cursor) does not exist.
	ErrNotFound = errors.New("lifecycle: order not found")
	// ErrInvalidTransition indicates the action is illegal from the order's
	// current status.
	ErrInvalidTransition = errors.New("lifecycle: status transition not allowed")
	// ErrUnauthorized indicates the actor is not entitled to the action.
	ErrUnauthorized = errors.New("lifecycle: actor not authorized for action")
)

// Fee basis points applied to the order amount at creation.
const (
	PlatformFeeBps = 200
	bpsDenominator = 10_000
)

// PlatformFee computes the platform fee frozen into an order at creation.
func PlatformFee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(PlatformFeeBps)).Div(decimal.NewFromInt(bpsDenominator))
}

// Windows bundles the elapsed-time thresholds for system-driven transitions.
type Windows struct {
	SellerResponse time.Duration
	BuyerConfirm   time.Duration
	Dispute        time.Duration
}

// DefaultWindows returns the production thresholds: sellers have 24h to
// confirm delivery, buyers 72h to confirm receipt, disputes stay open 7 days.
func DefaultWindows() Windows {
	return Windows{
		SellerResponse: 24 * time.Hour,
		BuyerConfirm:   72 * time.Hour,
		Dispute:        7 * 24 * time.Hour,
	}
}

// Params carries action-specific payload for a transition.
type Params struct {
	// ProductKeyEncrypted is the delivery artifact set by seller_confirm.
	ProductKeyEncrypted string
	// FavorBuyer selects the terminal state for resolve_dispute.
	FavorBuyer bool
	// Arbitrator records the externally assigned arbitrator at dispute open.
	Arbitrator string
	// TxHashComplete records the settlement transaction when known.
	TxHashComplete string
}

// Terminal reports whether the status has no outgoing transitions.
func Terminal(s models.OrderStatus) bool {
	switch s {
	case models.StatusCompleted, models.StatusCancelled, models.StatusExpired,
		models.StatusResolvedBuyer, models.StatusResolvedSeller:
		return true
	default:
		return false
	}
}

// Accepts reports whether the action is legal from the given status,
// ignoring actor and timing constraints. The reconciler uses it to decide
// whether an on-chain event still applies to the order's current state.
func Accepts(s models.OrderStatus, a Action) bool {
	switch a {
	case ActionSellerConfirm, ActionCancel, ActionExpire:
		return s == models.StatusCreated
	case ActionBuyerConfirm, ActionAutoRelease:
		return s == models.StatusSellerConfirmed
	case ActionOpenDispute:
		return s == models.StatusCreated || s == models.StatusSellerConfirmed
	case ActionResolveDispute:
		return s == models.StatusDisputed
	default:
		return false
	}
}

func sameWallet(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Transition applies the action to the order in place. It returns
// ErrInvalidTransition when the action is illegal from the current status
// (or too early, for time-gated system actions) and ErrUnauthorized when the
// actor does not hold the required role. The order is not modified on error.
func Transition(order *models.Order, action Action, actor string, now time.Time, windows Windows, params Params) error {
	if order == nil {
		return ErrNotFound
	}
	if !Accepts(order.Status, action) {
		return ErrInvalidTransition
	}
	// The reconciler drives client-shaped actions as SystemActor: an observed
	// on-chain event is settlement proof and bypasses wallet checks.
	system := actor == SystemActor
	switch action {
	case ActionSellerConfirm:
		if !system && !sameWallet(actor, order.SellerWallet) {
			return ErrUnauthorized
		}
		order.Status = models.StatusSellerConfirmed
		ts := now
		order.SellerConfirmedAt = &ts
		if params.ProductKeyEncrypted != "" {
			key := params.ProductKeyEncrypted
			order.ProductKeyEncrypted = &key
		}
	case ActionBuyerConfirm:
		if !system && !sameWallet(actor, order.BuyerWallet) {
			return ErrUnauthorized
		}
		order.Status = models.StatusCompleted
		ts := now
		order.CompletedAt = &ts
		setTxHashComplete(order, params.TxHashComplete)
	case ActionCancel:
		if !system && !sameWallet(actor, order.BuyerWallet) {
			return ErrUnauthorized
		}
		order.Status = models.StatusCancelled
	case ActionOpenDispute:
		if !system && !sameWallet(actor, order.BuyerWallet) && !sameWallet(actor, order.SellerWallet) {
			return ErrUnauthorized
		}
		order.Status = models.StatusDisputed
		ts := now
		order.DisputeOpenedAt = &ts
		if order.DisputeDeadline == nil {
			deadline := now.Add(windows.Dispute)
			order.DisputeDeadline = &deadline
		}
		if params.Arbitrator != "" && order.ArbitratorWallet == nil {
			arb := params.Arbitrator
			order.ArbitratorWallet = &arb
		}
	case ActionResolveDispute:
		if !system {
			if order.ArbitratorWallet == nil || !sameWallet(actor, *order.ArbitratorWallet) {
				return ErrUnauthorized
			}
		}
		if params.FavorBuyer {
			order.Status = models.StatusResolvedBuyer
		} else {
			order.Status = models.StatusResolvedSeller
		}
		setTxHashComplete(order, params.TxHashComplete)
	case ActionExpire:
		if !system {
			return ErrUnauthorized
		}
		if now.Sub(order.CreatedAt) < windows.SellerResponse {
			return ErrInvalidTransition
		}
		order.Status = models.StatusExpired
	case ActionAutoRelease:
		if !system {
			return ErrUnauthorized
		}
		if order.SellerConfirmedAt == nil || now.Sub(*order.SellerConfirmedAt) < windows.BuyerConfirm {
			return ErrInvalidTransition
		}
		order.Status = models.StatusCompleted
		ts := now
		order.CompletedAt = &ts
	default:
		return ErrInvalidTransition
	}
	return nil
}

func setTxHashComplete(order *models.Order, txHash string) {
	if txHash == "" || order.TxHashComplete != nil {
		return
	}
	hash := txHash
	order.TxHashComplete = &hash
}
