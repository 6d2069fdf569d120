package signal

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"trailguard/internal/config"
	"trailguard/internal/exchange"
	"trailguard/internal/trailing"
	"trailguard/internal/types"
)

func testConfig() *config.Config {
	offset := 0.005
	return &config.Config{
		Symbol:       "BTCUSD",
		ProductID:    27,
		OrderQty:     1,
		EntryOffset:  50,
		StopOffset:   500,
		TargetOffset: 3000,
		SettleDelay:  0,
		Trailing: config.Trailing{
			StartTrailingProfitPct: 0.01,
			FixedStopLossPct:       0.005,
			Levels: []config.RuleLevel{
				{MinProfitPct: 0.02, TrailingStopOffset: &offset},
			},
		},
	}
}

// memSideStore is an in-memory SideStore for tests.
type memSideStore struct {
	side types.Side
}

func (m *memSideStore) LastClosedSide(ctx context.Context) (types.Side, error) {
	return m.side, nil
}

func (m *memSideStore) SetLastClosedSide(ctx context.Context, side types.Side) error {
	m.side = side
	return nil
}

func (m *memSideStore) ClearLastClosedSide(ctx context.Context) error {
	m.side = ""
	return nil
}

func newTestController(gw exchange.Gateway, feed exchange.PriceFeed, store SideStore) (*Controller, *trailing.Engine) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	cfg := testConfig()
	eng := trailing.NewEngine(cfg.Trailing)
	return NewController(gw, feed, eng, store, cfg, logger), eng
}

func floatPtr(v float64) *float64 { return &v }

func signalWith(text string, price *float64) *types.Signal {
	return &types.Signal{
		LastSignal: types.SignalBody{Text: text, Price: price},
		SupplyZone: types.Zone{Min: floatPtr(51000)},
		DemandZone: types.Zone{Min: floatPtr(49000)},
	}
}

func TestProcess_ShortSignalPlacesOffsetOrder(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	gw := exchange.NewMockGateway(logger)
	feed := exchange.NewStaticPriceFeed(50000)
	ctrl, _ := newTestController(gw, feed, nil)

	order, err := ctrl.Process(context.Background(), signalWith("short setup", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order == nil {
		t.Fatal("expected an order to be placed")
	}

	placed := gw.PlacedOrders()
	if len(placed) != 1 {
		t.Fatalf("expected 1 order, got %d", len(placed))
	}
	entry := placed[0]
	if entry.Side != types.SideSell {
		t.Errorf("expected sell, got %v", entry.Side)
	}
	if entry.Price != 50050 {
		t.Errorf("expected entry 50050, got %v", entry.Price)
	}
	if entry.TimeInForce != types.TIFGoodTillCancelled {
		t.Errorf("expected GTC, got %q", entry.TimeInForce)
	}

	brackets := gw.BracketCalls()
	if len(brackets) != 1 {
		t.Fatalf("expected 1 bracket attach, got %d", len(brackets))
	}
	params := brackets[0].Params
	if params.StopLossPrice != 50500 {
		t.Errorf("expected stop 50500, got %v", params.StopLossPrice)
	}
	if params.TakeProfitPrice != 47000 {
		t.Errorf("expected target 47000, got %v", params.TakeProfitPrice)
	}
	if params.TriggerMethod != types.TriggerLastTradedPrice {
		t.Errorf("expected last-traded-price trigger, got %q", params.TriggerMethod)
	}
}

func TestProcess_BuySignalUsesExplicitPrice(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	gw := exchange.NewMockGateway(logger)
	feed := exchange.NewEmptyPriceFeed() // explicit price, feed not needed
	ctrl, _ := newTestController(gw, feed, nil)

	order, err := ctrl.Process(context.Background(), signalWith("buy breakout", floatPtr(60000)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order == nil {
		t.Fatal("expected an order to be placed")
	}

	entry := gw.PlacedOrders()[0]
	if entry.Side != types.SideBuy {
		t.Errorf("expected buy, got %v", entry.Side)
	}
	if entry.Price != 59950 {
		t.Errorf("expected entry 59950, got %v", entry.Price)
	}

	params := gw.BracketCalls()[0].Params
	if params.StopLossPrice != 59500 {
		t.Errorf("expected stop 59500, got %v", params.StopLossPrice)
	}
	if params.TakeProfitPrice != 63000 {
		t.Errorf("expected target 63000, got %v", params.TakeProfitPrice)
	}
}

func TestProcess_SameSideAfterCloseGuard(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	gw := exchange.NewMockGateway(logger)
	feed := exchange.NewStaticPriceFeed(50000)
	store := &memSideStore{side: types.SideBuy}
	ctrl, _ := newTestController(gw, feed, store)
	ctx := context.Background()
	ctrl.Restore(ctx)

	order, err := ctrl.Process(ctx, signalWith("buy breakout", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order != nil {
		t.Fatal("expected no order while guard is armed")
	}
	if len(gw.PlacedOrders()) != 0 {
		t.Errorf("expected no orders, got %d", len(gw.PlacedOrders()))
	}

	// A differently-sided signal clears the guard via a successful entry.
	order, err = ctrl.Process(ctx, signalWith("short setup", nil))
	if err != nil || order == nil {
		t.Fatalf("expected short entry, got order=%v err=%v", order, err)
	}
	if store.side != "" {
		t.Errorf("expected persisted guard cleared, got %q", store.side)
	}
	if ctrl.LastClosedSide() != "" {
		t.Errorf("expected in-memory guard cleared, got %q", ctrl.LastClosedSide())
	}
}

func TestProcess_IndeterminateSideCancelsAllPending(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	gw := exchange.NewMockGateway(logger, exchange.WithOpenOrders(
		types.Order{ID: "1", Symbol: "BTCUSD", Side: types.SideBuy, Status: "open"},
		types.Order{ID: "2", Symbol: "BTCUSD", Side: types.SideSell, Status: "open"},
	))
	feed := exchange.NewStaticPriceFeed(50000)
	ctrl, _ := newTestController(gw, feed, nil)

	order, err := ctrl.Process(context.Background(), signalWith("hold and wait", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order != nil {
		t.Fatal("expected no order for indeterminate side")
	}
	if got := len(gw.CancelledOrders()); got != 2 {
		t.Errorf("expected both pending orders cancelled, got %d", got)
	}
	if len(gw.PlacedOrders()) != 0 {
		t.Errorf("expected no orders placed, got %d", len(gw.PlacedOrders()))
	}
}

func TestProcess_CancelsConflictingPendingOrders(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	gw := exchange.NewMockGateway(logger, exchange.WithOpenOrders(
		types.Order{ID: "stale-buy", Symbol: "BTCUSD", Side: types.SideBuy, Status: "open"},
	))
	feed := exchange.NewStaticPriceFeed(50000)
	ctrl, _ := newTestController(gw, feed, nil)

	order, err := ctrl.Process(context.Background(), signalWith("short setup", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order == nil {
		t.Fatal("expected the short entry to be placed")
	}

	cancelled := gw.CancelledOrders()
	if len(cancelled) != 1 || cancelled[0] != "stale-buy" {
		t.Errorf("expected stale-buy cancelled, got %v", cancelled)
	}
}

func TestProcess_AbortsWhenSameSidePendingPersists(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	// Cancellation fails, so the same-side pending order survives the re-check.
	gw := exchange.NewMockGateway(logger,
		exchange.WithOpenOrders(
			types.Order{ID: "existing-short", Symbol: "BTCUSD", Side: types.SideSell, Status: "open"},
		),
		exchange.WithCancelFailure("exchange rejected cancel"),
	)
	feed := exchange.NewStaticPriceFeed(50000)
	ctrl, _ := newTestController(gw, feed, nil)

	order, err := ctrl.Process(context.Background(), signalWith("short setup", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order != nil {
		t.Fatal("expected abort while a same-side pending order exists")
	}
	if len(gw.PlacedOrders()) != 0 {
		t.Errorf("expected no orders placed, got %d", len(gw.PlacedOrders()))
	}
}

func TestProcess_MissingZoneAborts(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	gw := exchange.NewMockGateway(logger)
	feed := exchange.NewStaticPriceFeed(50000)
	ctrl, _ := newTestController(gw, feed, nil)

	sig := signalWith("buy breakout", nil)
	sig.DemandZone.Min = nil

	if _, err := ctrl.Process(context.Background(), sig); err == nil {
		t.Fatal("expected error for missing demand zone")
	}
	if len(gw.PlacedOrders()) != 0 {
		t.Errorf("expected no orders, got %d", len(gw.PlacedOrders()))
	}
}

func TestProcess_NetsOppositePositionFirst(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	gw := exchange.NewMockGateway(logger, exchange.WithPositions(
		types.Position{ID: "BTCUSD-short", Symbol: "BTCUSD", Size: -2, EntryPrice: 51000},
	))
	feed := exchange.NewStaticPriceFeed(50000)
	store := &memSideStore{}
	ctrl, _ := newTestController(gw, feed, store)

	order, err := ctrl.Process(context.Background(), signalWith("buy breakout", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order == nil {
		t.Fatal("expected the buy entry to be placed after netting")
	}

	placed := gw.PlacedOrders()
	if len(placed) != 2 {
		t.Fatalf("expected close + entry, got %d orders", len(placed))
	}
	closeOrder := placed[0]
	if closeOrder.Side != types.SideBuy || closeOrder.Qty != 2 {
		t.Errorf("expected offsetting buy of 2, got %+v", closeOrder)
	}
	if closeOrder.TimeInForce != types.TIFImmediateOrCancel {
		t.Errorf("expected IOC close, got %q", closeOrder.TimeInForce)
	}
	if closeOrder.Price != 0 {
		t.Errorf("expected market close, got price %v", closeOrder.Price)
	}

	// The successful entry supersedes the close record.
	if ctrl.LastClosedSide() != "" {
		t.Errorf("expected closed-side cleared, got %q", ctrl.LastClosedSide())
	}
	if ctrl.LastExecutedSide() != types.SideBuy {
		t.Errorf("expected executed side buy, got %q", ctrl.LastExecutedSide())
	}
}

func TestProcess_ExistingSameSidePositionAborts(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	gw := exchange.NewMockGateway(logger, exchange.WithPositions(
		types.Position{ID: "BTCUSD-long", Symbol: "BTCUSD", Size: 1, EntryPrice: 49000},
	))
	feed := exchange.NewStaticPriceFeed(50000)
	ctrl, _ := newTestController(gw, feed, nil)

	order, err := ctrl.Process(context.Background(), signalWith("buy breakout", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order != nil {
		t.Fatal("expected no pyramiding onto an existing position")
	}
	if len(gw.PlacedOrders()) != 0 {
		t.Errorf("expected no orders, got %d", len(gw.PlacedOrders()))
	}
}

func TestProcess_PlaceFailureAborts(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	gw := exchange.NewMockGateway(logger, exchange.WithPlaceFailure("insufficient margin"))
	feed := exchange.NewStaticPriceFeed(50000)
	ctrl, _ := newTestController(gw, feed, nil)

	if _, err := ctrl.Process(context.Background(), signalWith("buy breakout", nil)); err == nil {
		t.Fatal("expected error when placement fails")
	}
	if len(gw.BracketCalls()) != 0 {
		t.Errorf("expected no bracket attach after failed placement, got %d", len(gw.BracketCalls()))
	}
}

func TestProcess_BracketFailureKeepsOrder(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	gw := exchange.NewMockGateway(logger, exchange.WithBracketFailure("bracket rejected"))
	feed := exchange.NewStaticPriceFeed(50000)
	ctrl, _ := newTestController(gw, feed, nil)

	order, err := ctrl.Process(context.Background(), signalWith("buy breakout", nil))
	if err != nil {
		t.Fatalf("bracket failure must not fail the signal: %v", err)
	}
	if order == nil {
		t.Fatal("expected the placed order returned despite bracket failure")
	}
	if len(gw.PlacedOrders()) != 1 {
		t.Errorf("expected the entry order to stand, got %d", len(gw.PlacedOrders()))
	}
}

func TestProcess_TakeProfitLocksStops(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	pos := types.Position{ID: "BTCUSD-long", Symbol: "BTCUSD", Size: 1, EntryPrice: 100000}
	gw := exchange.NewMockGateway(logger, exchange.WithPositions(pos))
	feed := exchange.NewStaticPriceFeed(102000)
	ctrl, eng := newTestController(gw, feed, nil)

	order, err := ctrl.Process(context.Background(), signalWith("take profit here", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order != nil {
		t.Fatal("take-profit directive must not place orders")
	}
	if len(gw.PlacedOrders()) != 0 || len(gw.CancelledOrders()) != 0 {
		t.Error("take-profit directive must not touch orders")
	}

	// 50% of the 2000 unrealized profit locked onto the shared engine.
	stop, ok := eng.CommittedStop(pos.ID)
	if !ok || stop != 101000 {
		t.Errorf("expected committed stop 101000, got %v (ok=%v)", stop, ok)
	}
}

func TestProcess_TakeProfitKeepsTighterStop(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	pos := types.Position{ID: "BTCUSD-long", Symbol: "BTCUSD", Size: 1, EntryPrice: 100000}
	gw := exchange.NewMockGateway(logger, exchange.WithPositions(pos))
	feed := exchange.NewStaticPriceFeed(102000)
	ctrl, eng := newTestController(gw, feed, nil)

	eng.LockStop(pos.ID, types.SideBuy, 101500)

	if _, err := ctrl.Process(context.Background(), signalWith("tp now", nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stop, _ := eng.CommittedStop(pos.ID); stop != 101500 {
		t.Errorf("tighter existing stop must stand, got %v", stop)
	}
}
