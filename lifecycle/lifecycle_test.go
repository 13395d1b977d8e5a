package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"p2pescrow/models"
)

const (
	buyer      = "0xb000000000000000000000000000000000000001"
	seller     = "0xs000000000000000000000000000000000000002"
	arbitrator = "0xa000000000000000000000000000000000000003"
	stranger   = "0xc000000000000000000000000000000000000004"
)

func testOrder(status models.OrderStatus) *models.Order {
	arb := arbitrator
	return &models.Order{
		BuyerWallet:      buyer,
		SellerWallet:     seller,
		ArbitratorWallet: &arb,
		Status:           status,
		CreatedAt:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestTransitionGraph(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	windows := DefaultWindows()
	cases := []struct {
		name   string
		from   models.OrderStatus
		action Action
		actor  string
		want   models.OrderStatus
		errIs  error
	}{
		{"seller confirms created", models.StatusCreated, ActionSellerConfirm, seller, models.StatusSellerConfirmed, nil},
		{"buyer confirms delivered", models.StatusSellerConfirmed, ActionBuyerConfirm, buyer, models.StatusCompleted, nil},
		{"buyer cancels created", models.StatusCreated, ActionCancel, buyer, models.StatusCancelled, nil},
		{"buyer disputes created", models.StatusCreated, ActionOpenDispute, buyer, models.StatusDisputed, nil},
		{"seller disputes delivered", models.StatusSellerConfirmed, ActionOpenDispute, seller, models.StatusDisputed, nil},
		{"arbitrator resolves", models.StatusDisputed, ActionResolveDispute, arbitrator, models.StatusResolvedSeller, nil},
		{"system expires created", models.StatusCreated, ActionExpire, SystemActor, models.StatusExpired, nil},

		{"seller confirm after delivery", models.StatusSellerConfirmed, ActionSellerConfirm, seller, "", ErrInvalidTransition},
		{"cancel after delivery", models.StatusSellerConfirmed, ActionCancel, buyer, "", ErrInvalidTransition},
		{"buyer confirm from created", models.StatusCreated, ActionBuyerConfirm, buyer, "", ErrInvalidTransition},
		{"dispute a dispute", models.StatusDisputed, ActionOpenDispute, buyer, "", ErrInvalidTransition},
		{"resolve without dispute", models.StatusSellerConfirmed, ActionResolveDispute, arbitrator, "", ErrInvalidTransition},
		{"expire delivered order", models.StatusSellerConfirmed, ActionExpire, SystemActor, "", ErrInvalidTransition},

		{"buyer cannot seller-confirm", models.StatusCreated, ActionSellerConfirm, buyer, "", ErrUnauthorized},
		{"seller cannot buyer-confirm", models.StatusSellerConfirmed, ActionBuyerConfirm, seller, "", ErrUnauthorized},
		{"seller cannot cancel", models.StatusCreated, ActionCancel, seller, "", ErrUnauthorized},
		{"stranger cannot dispute", models.StatusCreated, ActionOpenDispute, stranger, "", ErrUnauthorized},
		{"party cannot resolve", models.StatusDisputed, ActionResolveDispute, buyer, "", ErrUnauthorized},
		{"human cannot expire", models.StatusCreated, ActionExpire, buyer, "", ErrUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := testOrder(tc.from)
			err := Transition(order, tc.action, tc.actor, now, windows, Params{})
			if tc.errIs != nil {
				if !errors.Is(err, tc.errIs) {
					t.Fatalf("expected %v, got %v", tc.errIs, err)
				}
				if order.Status != tc.from {
					t.Fatalf("failed transition mutated status to %s", order.Status)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if order.Status != tc.want {
				t.Fatalf("expected status %s, got %s", tc.want, order.Status)
			}
		})
	}
}

func TestTerminalStatesRejectEverything(t *testing.T) {
	now := time.Now().UTC()
	terminals := []models.OrderStatus{
		models.StatusCompleted, models.StatusCancelled, models.StatusExpired,
		models.StatusResolvedBuyer, models.StatusResolvedSeller,
	}
	actions := []Action{
		ActionSellerConfirm, ActionBuyerConfirm, ActionCancel,
		ActionOpenDispute, ActionResolveDispute, ActionExpire, ActionAutoRelease,
	}
	for _, status := range terminals {
		if !Terminal(status) {
			t.Fatalf("%s not reported terminal", status)
		}
		for _, action := range actions {
			order := testOrder(status)
			if err := Transition(order, action, SystemActor, now, DefaultWindows(), Params{}); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("%s from %s: expected ErrInvalidTransition, got %v", action, status, err)
			}
		}
	}
}

func TestSellerConfirmSetsArtifacts(t *testing.T) {
	order := testOrder(models.StatusCreated)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	err := Transition(order, ActionSellerConfirm, seller, now, DefaultWindows(), Params{ProductKeyEncrypted: "ciphertext"})
	if err != nil {
		t.Fatalf("Transition error: %v", err)
	}
	if order.SellerConfirmedAt == nil || !order.SellerConfirmedAt.Equal(now) {
		t.Fatalf("seller_confirmed_at not set to transition time")
	}
	if order.ProductKeyEncrypted == nil || *order.ProductKeyEncrypted != "ciphertext" {
		t.Fatalf("delivery artifact not recorded")
	}
}

func TestDisputeDeadlineSetOnce(t *testing.T) {
	order := testOrder(models.StatusCreated)
	existing := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	order.DisputeDeadline = &existing

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if err := Transition(order, ActionOpenDispute, buyer, now, DefaultWindows(), Params{}); err != nil {
		t.Fatalf("Transition error: %v", err)
	}
	if !order.DisputeDeadline.Equal(existing) {
		t.Fatalf("dispute deadline recomputed: %v", order.DisputeDeadline)
	}
}

func TestDisputeRecordsArbitratorOnce(t *testing.T) {
	order := testOrder(models.StatusCreated)
	order.ArbitratorWallet = nil
	now := time.Now().UTC()
	if err := Transition(order, ActionOpenDispute, seller, now, DefaultWindows(), Params{Arbitrator: arbitrator}); err != nil {
		t.Fatalf("Transition error: %v", err)
	}
	if order.ArbitratorWallet == nil || *order.ArbitratorWallet != arbitrator {
		t.Fatalf("arbitrator not recorded")
	}
	if order.DisputeDeadline == nil || !order.DisputeDeadline.Equal(now.Add(DefaultWindows().Dispute)) {
		t.Fatalf("dispute deadline not opened_at + window")
	}
}

func TestResolveDisputeFavorsBuyer(t *testing.T) {
	order := testOrder(models.StatusDisputed)
	err := Transition(order, ActionResolveDispute, arbitrator, time.Now().UTC(), DefaultWindows(), Params{FavorBuyer: true})
	if err != nil {
		t.Fatalf("Transition error: %v", err)
	}
	if order.Status != models.StatusResolvedBuyer {
		t.Fatalf("expected resolved_buyer, got %s", order.Status)
	}
}

func TestExpireRespectsWindow(t *testing.T) {
	order := testOrder(models.StatusCreated)
	windows := DefaultWindows()

	early := order.CreatedAt.Add(time.Hour)
	if err := Transition(order, ActionExpire, SystemActor, early, windows, Params{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition before window, got %v", err)
	}

	late := order.CreatedAt.Add(25 * time.Hour)
	if err := Transition(order, ActionExpire, SystemActor, late, windows, Params{}); err != nil {
		t.Fatalf("Transition error: %v", err)
	}
	if order.Status != models.StatusExpired {
		t.Fatalf("expected expired, got %s", order.Status)
	}
}

func TestAutoReleaseRespectsWindow(t *testing.T) {
	order := testOrder(models.StatusSellerConfirmed)
	confirmedAt := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	order.SellerConfirmedAt = &confirmedAt
	windows := DefaultWindows()

	early := confirmedAt.Add(time.Hour)
	if err := Transition(order, ActionAutoRelease, SystemActor, early, windows, Params{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition before window, got %v", err)
	}

	late := confirmedAt.Add(73 * time.Hour)
	if err := Transition(order, ActionAutoRelease, SystemActor, late, windows, Params{}); err != nil {
		t.Fatalf("Transition error: %v", err)
	}
	if order.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", order.Status)
	}
	if order.CompletedAt == nil || !order.CompletedAt.Equal(late) {
		t.Fatalf("completed_at not set on auto release")
	}
}

func TestSystemActorBypassesWalletChecks(t *testing.T) {
	order := testOrder(models.StatusCreated)
	if err := Transition(order, ActionSellerConfirm, SystemActor, time.Now().UTC(), DefaultWindows(), Params{}); err != nil {
		t.Fatalf("system seller_confirm rejected: %v", err)
	}
	if order.Status != models.StatusSellerConfirmed {
		t.Fatalf("expected seller_confirmed, got %s", order.Status)
	}
}

func TestPlatformFee(t *testing.T) {
	amount := decimal.RequireFromString("150.000000")
	fee := PlatformFee(amount)
	if !fee.Equal(decimal.RequireFromString("3")) {
		t.Fatalf("expected 2%% fee of 3, got %s", fee)
	}
}
