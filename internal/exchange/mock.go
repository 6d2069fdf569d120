package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"trailguard/internal/types"
)

// MockGateway implements Gateway for testing without real trades. It keeps a
// small in-memory book: cancels remove pending orders, and market orders that
// offset an existing position remove that position.
type MockGateway struct {
	logger *slog.Logger

	mu        sync.RWMutex
	positions []types.Position
	orders    []types.Order

	placed    []types.OrderRequest
	cancelled []string
	brackets  []BracketCall

	orderIDSeq atomic.Int64

	failPlace     error
	failBracket   error
	failPositions error
	failOrders    error
	failCancel    error
}

// BracketCall records one AttachBracket invocation for assertions.
type BracketCall struct {
	OrderID string
	Symbol  string
	Params  types.BracketParams
}

// MockGatewayOption configures the mock gateway
type MockGatewayOption func(*MockGateway)

// WithPositions seeds the open position set
func WithPositions(positions ...types.Position) MockGatewayOption {
	return func(m *MockGateway) {
		m.positions = positions
	}
}

// WithOpenOrders seeds the pending order set
func WithOpenOrders(orders ...types.Order) MockGatewayOption {
	return func(m *MockGateway) {
		m.orders = orders
	}
}

// WithPlaceFailure makes PlaceOrder fail
func WithPlaceFailure(msg string) MockGatewayOption {
	return func(m *MockGateway) {
		m.failPlace = fmt.Errorf("%s", msg)
	}
}

// WithBracketFailure makes AttachBracket fail
func WithBracketFailure(msg string) MockGatewayOption {
	return func(m *MockGateway) {
		m.failBracket = fmt.Errorf("%s", msg)
	}
}

// WithCancelFailure makes CancelOrder fail
func WithCancelFailure(msg string) MockGatewayOption {
	return func(m *MockGateway) {
		m.failCancel = fmt.Errorf("%s", msg)
	}
}

// WithPositionFetchFailure makes FetchPositions fail
func WithPositionFetchFailure(msg string) MockGatewayOption {
	return func(m *MockGateway) {
		m.failPositions = fmt.Errorf("%s", msg)
	}
}

// NewMockGateway creates a new mock gateway for testing
func NewMockGateway(logger *slog.Logger, opts ...MockGatewayOption) *MockGateway {
	m := &MockGateway{logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FetchPositions returns the seeded position set
func (m *MockGateway) FetchPositions(ctx context.Context) ([]types.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failPositions != nil {
		return nil, m.failPositions
	}
	positions := make([]types.Position, len(m.positions))
	copy(positions, m.positions)
	return positions, nil
}

// FetchOpenOrders returns pending orders for the symbol
func (m *MockGateway) FetchOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failOrders != nil {
		return nil, m.failOrders
	}
	var out []types.Order
	for _, o := range m.orders {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

// PlaceOrder records the request and simulates the book update
func (m *MockGateway) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failPlace != nil {
		m.logger.Error("[MOCK] Order failed (configured)",
			"symbol", req.Symbol,
			"side", req.Side,
			"error", m.failPlace,
		)
		return nil, m.failPlace
	}

	orderID := fmt.Sprintf("MOCK-%d", m.orderIDSeq.Add(1))
	m.placed = append(m.placed, req)

	if req.Price == 0 {
		// Market order: treat as an immediate fill that offsets any position
		// on the opposite side.
		m.settleMarketOrder(req)
	} else {
		m.orders = append(m.orders, types.Order{
			ID:     orderID,
			Symbol: req.Symbol,
			Side:   req.Side,
			Status: "open",
			Price:  req.Price,
			Qty:    req.Qty,
		})
	}

	m.logger.Info("[MOCK] Order placed",
		"order_id", orderID,
		"symbol", req.Symbol,
		"side", req.Side,
		"qty", req.Qty,
		"price", req.Price,
	)

	return &types.Order{
		ID:     orderID,
		Symbol: req.Symbol,
		Side:   req.Side,
		Status: "open",
		Price:  req.Price,
		Qty:    req.Qty,
	}, nil
}

// settleMarketOrder removes a position fully offset by a market order.
func (m *MockGateway) settleMarketOrder(req types.OrderRequest) {
	for i, pos := range m.positions {
		if pos.Symbol != req.Symbol {
			continue
		}
		if pos.Side() == req.Side.Opposite() && absFloat(pos.Size) == req.Qty {
			m.positions = append(m.positions[:i], m.positions[i+1:]...)
			return
		}
	}
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// CancelOrder removes a pending order from the book
func (m *MockGateway) CancelOrder(ctx context.Context, orderID, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failCancel != nil {
		return m.failCancel
	}
	m.cancelled = append(m.cancelled, orderID)
	for i, o := range m.orders {
		if o.ID == orderID {
			m.orders = append(m.orders[:i], m.orders[i+1:]...)
			break
		}
	}
	m.logger.Info("[MOCK] Order cancelled", "order_id", orderID)
	return nil
}

// AttachBracket records the bracket parameters
func (m *MockGateway) AttachBracket(ctx context.Context, orderID string, productID int, symbol string, params types.BracketParams) (*types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failBracket != nil {
		return nil, m.failBracket
	}
	m.brackets = append(m.brackets, BracketCall{OrderID: orderID, Symbol: symbol, Params: params})
	m.logger.Info("[MOCK] Bracket attached",
		"order_id", orderID,
		"stop", params.StopLossPrice,
		"take_profit", params.TakeProfitPrice,
	)
	return &types.Order{ID: orderID, Symbol: symbol, Status: "open"}, nil
}

// Close is a no-op for the mock gateway
func (m *MockGateway) Close() error {
	return nil
}

// PlacedOrders returns all recorded order requests (for testing)
func (m *MockGateway) PlacedOrders() []types.OrderRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.OrderRequest, len(m.placed))
	copy(out, m.placed)
	return out
}

// CancelledOrders returns IDs of cancelled orders (for testing)
func (m *MockGateway) CancelledOrders() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, len(m.cancelled))
	copy(out, m.cancelled)
	return out
}

// BracketCalls returns recorded AttachBracket calls (for testing)
func (m *MockGateway) BracketCalls() []BracketCall {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]BracketCall, len(m.brackets))
	copy(out, m.brackets)
	return out
}

// SetPositions replaces the position set (for testing)
func (m *MockGateway) SetPositions(positions ...types.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = positions
}

// StaticPriceFeed is a PriceFeed with a directly settable value, for tests.
type StaticPriceFeed struct {
	mu    sync.RWMutex
	price float64
	ok    bool
}

// NewStaticPriceFeed creates a feed pre-loaded with a price
func NewStaticPriceFeed(price float64) *StaticPriceFeed {
	return &StaticPriceFeed{price: price, ok: true}
}

// NewEmptyPriceFeed creates a feed with no price yet available
func NewEmptyPriceFeed() *StaticPriceFeed {
	return &StaticPriceFeed{}
}

// Set updates the feed value
func (s *StaticPriceFeed) Set(price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = price
	s.ok = true
}

// Latest returns the current value
func (s *StaticPriceFeed) Latest() (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.price, s.ok
}
