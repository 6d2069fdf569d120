package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"

	"trailguard/internal/types"
)

// BinanceGateway implements Gateway against Binance USD-M futures.
type BinanceGateway struct {
	client *futures.Client
	logger *slog.Logger
}

// NewBinanceGateway creates a new Binance futures gateway
func NewBinanceGateway(apiKey, secretKey string, logger *slog.Logger) *BinanceGateway {
	return &BinanceGateway{
		client: futures.NewClient(apiKey, secretKey),
		logger: logger,
	}
}

// FetchPositions returns all non-flat positions on the account
func (b *BinanceGateway) FetchPositions(ctx context.Context) ([]types.Position, error) {
	risks, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}

	var positions []types.Position
	for _, r := range risks {
		size, err := strconv.ParseFloat(r.PositionAmt, 64)
		if err != nil || size == 0 {
			continue
		}
		entry, err := strconv.ParseFloat(r.EntryPrice, 64)
		if err != nil {
			b.logger.Warn("[BINANCE] Unparseable entry price",
				"symbol", r.Symbol,
				"entry", r.EntryPrice,
			)
			entry = 0
		}
		positions = append(positions, types.Position{
			ID:         positionID(r.Symbol, size),
			Symbol:     r.Symbol,
			Size:       size,
			EntryPrice: entry,
		})
	}
	return positions, nil
}

// positionID keys a one-way position by symbol and direction. Binance does not
// assign position identifiers, and the engine manages one instrument at a time.
func positionID(symbol string, size float64) string {
	if size < 0 {
		return symbol + "-short"
	}
	return symbol + "-long"
}

// FetchOpenOrders returns pending orders for a symbol
func (b *BinanceGateway) FetchOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	raw, err := b.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch open orders: %w", err)
	}

	orders := make([]types.Order, 0, len(raw))
	for _, o := range raw {
		price, _ := strconv.ParseFloat(o.Price, 64)
		qty, _ := strconv.ParseFloat(o.OrigQuantity, 64)
		orders = append(orders, types.Order{
			ID:     strconv.FormatInt(o.OrderID, 10),
			Symbol: o.Symbol,
			Side:   fromBinanceSide(o.Side),
			Status: fromBinanceStatus(o.Status),
			Price:  price,
			Qty:    qty,
		})
	}
	return orders, nil
}

// PlaceOrder places a limit or market order
func (b *BinanceGateway) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(toBinanceSide(req.Side)).
		Quantity(strconv.FormatFloat(req.Qty, 'f', -1, 64)).
		NewClientOrderID("tg-" + uuid.NewString())

	if req.Price > 0 {
		tif := futures.TimeInForceTypeGTC
		if req.TimeInForce == types.TIFImmediateOrCancel {
			tif = futures.TimeInForceTypeIOC
		}
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(tif).
			Price(strconv.FormatFloat(req.Price, 'f', -1, 64))
	} else {
		// Market orders fill immediately or not at all, matching IOC intent.
		svc = svc.Type(futures.OrderTypeMarket)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		b.logger.Error("[BINANCE] Order failed",
			"symbol", req.Symbol,
			"side", req.Side,
			"error", err,
		)
		return nil, err
	}

	b.logger.Info("[BINANCE] Order placed",
		"order_id", res.OrderID,
		"symbol", req.Symbol,
		"side", req.Side,
		"status", res.Status,
	)

	price, _ := strconv.ParseFloat(res.Price, 64)
	return &types.Order{
		ID:     strconv.FormatInt(res.OrderID, 10),
		Symbol: res.Symbol,
		Side:   req.Side,
		Status: fromBinanceStatus(res.Status),
		Price:  price,
		Qty:    req.Qty,
	}, nil
}

// CancelOrder cancels a pending order
func (b *BinanceGateway) CancelOrder(ctx context.Context, orderID, symbol string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %q: %w", orderID, err)
	}
	if _, err := b.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

// AttachBracket expresses bracket legs as close-position conditional orders:
// a stop-market leg and, when a take-profit price is given, a take-profit
// leg, both triggered on last traded price. Existing protective legs for the
// symbol are cancelled first so repeated calls refresh rather than stack.
func (b *BinanceGateway) AttachBracket(ctx context.Context, orderID string, productID int, symbol string, params types.BracketParams) (*types.Order, error) {
	result := &types.Order{ID: orderID, Symbol: symbol, Status: "open"}

	// A numeric ID names an exchange order; anything else keys a position
	// (partial-booking refresh), where the legs protect the open position.
	var closeSide futures.SideType
	if id, err := strconv.ParseInt(orderID, 10, 64); err == nil {
		parent, err := b.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("lookup order %s: %w", orderID, err)
		}
		closeSide = toBinanceSide(fromBinanceSide(parent.Side).Opposite())
		price, _ := strconv.ParseFloat(parent.Price, 64)
		qty, _ := strconv.ParseFloat(parent.OrigQuantity, 64)
		result.Side = fromBinanceSide(parent.Side)
		result.Status = fromBinanceStatus(parent.Status)
		result.Price = price
		result.Qty = qty
	} else {
		side, err := b.positionSide(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("resolve position side for %s: %w", symbol, err)
		}
		closeSide = toBinanceSide(side.Opposite())
		result.Side = side
	}

	if err := b.cancelProtectiveLegs(ctx, symbol); err != nil {
		b.logger.Warn("[BINANCE] Failed to clear old protective legs",
			"symbol", symbol,
			"error", err,
		)
	}

	if params.StopLossPrice > 0 {
		_, err := b.client.NewCreateOrderService().
			Symbol(symbol).
			Side(closeSide).
			Type(futures.OrderTypeStopMarket).
			StopPrice(strconv.FormatFloat(params.StopLossPrice, 'f', -1, 64)).
			WorkingType(futures.WorkingTypeContractPrice).
			ClosePosition(true).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("attach stop leg: %w", err)
		}
	}

	if params.TakeProfitPrice > 0 {
		_, err := b.client.NewCreateOrderService().
			Symbol(symbol).
			Side(closeSide).
			Type(futures.OrderTypeTakeProfitMarket).
			StopPrice(strconv.FormatFloat(params.TakeProfitPrice, 'f', -1, 64)).
			WorkingType(futures.WorkingTypeContractPrice).
			ClosePosition(true).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("attach take-profit leg: %w", err)
		}
	}

	b.logger.Info("[BINANCE] Bracket attached",
		"order_id", orderID,
		"symbol", symbol,
		"stop", params.StopLossPrice,
		"take_profit", params.TakeProfitPrice,
	)

	return result, nil
}

// positionSide returns the side of the open position on a symbol.
func (b *BinanceGateway) positionSide(ctx context.Context, symbol string) (types.Side, error) {
	positions, err := b.FetchPositions(ctx)
	if err != nil {
		return "", err
	}
	for _, pos := range positions {
		if pos.Symbol == symbol {
			return pos.Side(), nil
		}
	}
	return "", fmt.Errorf("no open position on %s", symbol)
}

// cancelProtectiveLegs removes outstanding close-position stop/take-profit
// orders for the symbol.
func (b *BinanceGateway) cancelProtectiveLegs(ctx context.Context, symbol string) error {
	open, err := b.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return err
	}
	for _, o := range open {
		if o.Type != futures.OrderTypeStopMarket && o.Type != futures.OrderTypeTakeProfitMarket {
			continue
		}
		if !o.ClosePosition {
			continue
		}
		if _, err := b.client.NewCancelOrderService().Symbol(symbol).OrderID(o.OrderID).Do(ctx); err != nil {
			b.logger.Error("[BINANCE] Failed to cancel protective leg",
				"order_id", o.OrderID,
				"error", err,
			)
		}
	}
	return nil
}

// Close is a no-op for the REST client
func (b *BinanceGateway) Close() error {
	return nil
}

func toBinanceSide(s types.Side) futures.SideType {
	if s == types.SideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func fromBinanceSide(s futures.SideType) types.Side {
	if s == futures.SideTypeSell {
		return types.SideSell
	}
	return types.SideBuy
}

func fromBinanceStatus(s futures.OrderStatusType) string {
	switch s {
	case futures.OrderStatusTypeNew, futures.OrderStatusTypePartiallyFilled:
		return "open"
	default:
		return strings.ToLower(string(s))
	}
}
