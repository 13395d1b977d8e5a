package recon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"p2pescrow/lifecycle"
	"p2pescrow/models"
	"p2pescrow/store"
)

const (
	testContract = "0x00000000000000000000000000000000000000ee"
	buyerWallet  = "0x1111111111111111111111111111111111111111"
	sellerWallet = "0x2222222222222222222222222222222222222222"
)

type mockSource struct {
	head     uint64
	headErr  error
	all      []Event
	eventErr error
	calls    [][2]uint64
}

func (m *mockSource) Head(ctx context.Context) (uint64, error) {
	return m.head, m.headErr
}

func (m *mockSource) Events(ctx context.Context, from, to uint64) ([]Event, error) {
	m.calls = append(m.calls, [2]uint64{from, to})
	if m.eventErr != nil {
		return nil, m.eventErr
	}
	var out []Event
	for _, evt := range m.all {
		if evt.Block >= from && evt.Block <= to {
			out = append(out, evt)
		}
	}
	return out, nil
}

type capturingPublisher struct {
	mu      sync.Mutex
	updates []models.OrderStatus
}

func (p *capturingPublisher) PublishOrderUpdate(_ context.Context, _ uuid.UUID, status models.OrderStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, status)
}

func setupStore(t *testing.T) (*store.Store, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return store.New(db), db
}

func seedOrder(t *testing.T, s *store.Store, db *gorm.DB, txHash string) *models.Order {
	t.Helper()
	product := models.Product{
		ID:           uuid.New(),
		SellerWallet: sellerWallet,
		Price:        decimal.RequireFromString("50"),
		Inventory:    10,
		Active:       true,
	}
	if err := db.Create(&product).Error; err != nil {
		t.Fatalf("create product: %v", err)
	}
	order, err := s.Create(context.Background(), store.CreateParams{
		BuyerWallet:  buyerWallet,
		ProductID:    product.ID,
		Token:        models.TokenUSDT,
		Amount:       decimal.RequireFromString("50"),
		TxHashCreate: txHash,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func setCursor(t *testing.T, s *store.Store, block int64) {
	t.Helper()
	err := s.Tx(context.Background(), func(tx *gorm.DB) error {
		return s.SaveCursorInTx(tx, &models.EventSyncCursor{
			Chain:     models.ChainBSC,
			Contract:  testContract,
			LastBlock: block,
		})
	})
	if err != nil {
		t.Fatalf("set cursor: %v", err)
	}
}

func newReconciler(s *store.Store, source Source, pub Publisher) *Reconciler {
	return New(Config{
		Store:             s,
		Source:            source,
		Chain:             models.ChainBSC,
		Contract:          testContract,
		ConfirmationDepth: 15,
		Publisher:         pub,
	})
}

func TestBootstrapStartsAtConfirmedHead(t *testing.T) {
	s, _ := setupStore(t)
	source := &mockSource{head: 100}
	r := newReconciler(s, source, nil)

	applied, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if applied != 0 {
		t.Fatalf("bootstrap applied %d events", applied)
	}
	if len(source.calls) != 0 {
		t.Fatalf("bootstrap fetched events: %v", source.calls)
	}
	cursor, err := s.Cursor(context.Background(), models.ChainBSC, testContract)
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor.LastBlock != 85 {
		t.Fatalf("expected cursor at 85 (head - depth), got %d", cursor.LastBlock)
	}
}

func TestAppliesEventsAndAdvancesCursor(t *testing.T) {
	s, db := setupStore(t)
	order := seedOrder(t, s, db, "0xcafe")
	setCursor(t, s, 85)
	pub := &capturingPublisher{}
	source := &mockSource{
		head: 120,
		all: []Event{
			{Kind: KindOrderCreated, Block: 90, LogIndex: 0, TxHash: "0xcafe", OrderID: 7},
			{Kind: KindSellerConfirmed, Block: 91, LogIndex: 0, TxHash: "0xbeef", OrderID: 7},
		},
	}
	r := newReconciler(s, source, pub)

	applied, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if applied != 1 {
		t.Fatalf("expected 1 applied transition, got %d", applied)
	}
	if len(source.calls) != 1 || source.calls[0] != [2]uint64{86, 105} {
		t.Fatalf("unexpected fetch window: %v", source.calls)
	}

	fetched, err := s.Get(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fetched.OnchainOrderID == nil || *fetched.OnchainOrderID != 7 {
		t.Fatalf("onchain id not linked: %v", fetched.OnchainOrderID)
	}
	if fetched.Status != models.StatusSellerConfirmed {
		t.Fatalf("expected seller_confirmed, got %s", fetched.Status)
	}

	cursor, _ := s.Cursor(context.Background(), models.ChainBSC, testContract)
	if cursor.LastBlock != 105 {
		t.Fatalf("expected cursor at confirmed head 105, got %d", cursor.LastBlock)
	}
	if len(pub.updates) != 1 || pub.updates[0] != models.StatusSellerConfirmed {
		t.Fatalf("expected one status_update publish, got %v", pub.updates)
	}
}

func TestReapplyingBatchIsIdempotent(t *testing.T) {
	s, db := setupStore(t)
	order := seedOrder(t, s, db, "0xcafe")
	setCursor(t, s, 85)
	source := &mockSource{
		head: 120,
		all: []Event{
			{Kind: KindOrderCreated, Block: 90, TxHash: "0xcafe", OrderID: 7},
			{Kind: KindSellerConfirmed, Block: 91, OrderID: 7},
		},
	}
	r := newReconciler(s, source, nil)

	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, _ := s.Get(context.Background(), order.ID)

	// Simulate a crash after applying events but before the operator
	// noticed: rewind the cursor and replay the same range.
	setCursor(t, s, 85)
	applied, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("replay run: %v", err)
	}
	if applied != 0 {
		t.Fatalf("replay applied %d transitions", applied)
	}

	second, _ := s.Get(context.Background(), order.ID)
	if first.Status != second.Status || !second.SellerConfirmedAt.Equal(*first.SellerConfirmedAt) {
		t.Fatalf("replay changed order state")
	}
}

func TestUnknownOrderEventsAreBenign(t *testing.T) {
	s, _ := setupStore(t)
	setCursor(t, s, 85)
	source := &mockSource{
		head: 120,
		all:  []Event{{Kind: KindSellerConfirmed, Block: 92, OrderID: 99}},
	}
	r := newReconciler(s, source, nil)

	applied, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if applied != 0 {
		t.Fatalf("expected no transitions, got %d", applied)
	}
	cursor, _ := s.Cursor(context.Background(), models.ChainBSC, testContract)
	if cursor.LastBlock != 105 {
		t.Fatalf("cursor did not advance past benign events: %d", cursor.LastBlock)
	}
}

func TestAlreadySatisfiedStateSkippedSilently(t *testing.T) {
	s, db := setupStore(t)
	order := seedOrder(t, s, db, "0xcafe")
	ctx := context.Background()
	if _, err := s.Transition(ctx, order.ID, lifecycle.ActionSellerConfirm, sellerWallet, lifecycle.Params{}); err != nil {
		t.Fatalf("seller confirm: %v", err)
	}
	setCursor(t, s, 85)
	source := &mockSource{
		head: 120,
		all: []Event{
			{Kind: KindOrderCreated, Block: 90, TxHash: "0xcafe", OrderID: 7},
			{Kind: KindSellerConfirmed, Block: 91, OrderID: 7},
		},
	}
	r := newReconciler(s, source, nil)

	applied, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if applied != 0 {
		t.Fatalf("conflicting event should be skipped, applied=%d", applied)
	}
	fetched, _ := s.Get(ctx, order.ID)
	if fetched.Status != models.StatusSellerConfirmed {
		t.Fatalf("status regressed to %s", fetched.Status)
	}
}

func TestDisputeResolvedMapsToTerminalState(t *testing.T) {
	s, db := setupStore(t)
	order := seedOrder(t, s, db, "0xcafe")
	ctx := context.Background()
	if _, err := s.Transition(ctx, order.ID, lifecycle.ActionOpenDispute, buyerWallet, lifecycle.Params{}); err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	onchain := int64(7)
	if err := s.Tx(ctx, func(tx *gorm.DB) error {
		return s.LinkOnchainOrder(tx, models.ChainBSC, "0xcafe", onchain)
	}); err != nil {
		t.Fatalf("link: %v", err)
	}

	setCursor(t, s, 85)
	source := &mockSource{
		head: 120,
		all:  []Event{{Kind: KindDisputeResolved, Block: 95, TxHash: "0xd00d", OrderID: 7, FavorBuyer: true}},
	}
	r := newReconciler(s, source, nil)

	if _, err := r.Run(ctx); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	fetched, _ := s.Get(ctx, order.ID)
	if fetched.Status != models.StatusResolvedBuyer {
		t.Fatalf("expected resolved_buyer, got %s", fetched.Status)
	}
	if fetched.TxHashComplete == nil || *fetched.TxHashComplete != "0xd00d" {
		t.Fatalf("completion tx hash not recorded")
	}
}

func TestBatchCapBoundsTheWindow(t *testing.T) {
	s, _ := setupStore(t)
	setCursor(t, s, 0)
	source := &mockSource{head: 5000}
	r := New(Config{
		Store:             s,
		Source:            source,
		Chain:             models.ChainBSC,
		Contract:          testContract,
		BatchCap:          100,
		ConfirmationDepth: 15,
	})

	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(source.calls) != 1 || source.calls[0] != [2]uint64{1, 100} {
		t.Fatalf("expected capped window [1,100], got %v", source.calls)
	}
	cursor, _ := s.Cursor(context.Background(), models.ChainBSC, testContract)
	if cursor.LastBlock != 100 {
		t.Fatalf("expected cursor at 100, got %d", cursor.LastBlock)
	}
}

func TestNoNewConfirmedBlocksIsNoOp(t *testing.T) {
	s, _ := setupStore(t)
	setCursor(t, s, 105)
	source := &mockSource{head: 120}
	r := newReconciler(s, source, nil)

	applied, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if applied != 0 || len(source.calls) != 0 {
		t.Fatalf("expected no-op cycle, applied=%d calls=%v", applied, source.calls)
	}
}

func TestSourceOutageLeavesCursorUnchanged(t *testing.T) {
	s, _ := setupStore(t)
	setCursor(t, s, 85)
	source := &mockSource{headErr: errors.New("connection refused")}
	r := newReconciler(s, source, nil)

	_, err := r.Run(context.Background())
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
	cursor, _ := s.Cursor(context.Background(), models.ChainBSC, testContract)
	if cursor.LastBlock != 85 {
		t.Fatalf("cursor moved during outage: %d", cursor.LastBlock)
	}

	source = &mockSource{head: 120, eventErr: errors.New("timeout")}
	r = newReconciler(s, source, nil)
	if _, err := r.Run(context.Background()); !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable on fetch failure, got %v", err)
	}
	cursor, _ = s.Cursor(context.Background(), models.ChainBSC, testContract)
	if cursor.LastBlock != 85 {
		t.Fatalf("cursor moved after failed fetch: %d", cursor.LastBlock)
	}
}
