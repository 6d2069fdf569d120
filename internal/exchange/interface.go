package exchange

import (
	"context"
	"strings"

	"trailguard/internal/types"
)

// Gateway defines the trading operations the engine needs from the exchange.
// Every call may fail with a transport or auth error; callers log and carry on
// rather than crashing their loop.
type Gateway interface {
	// FetchPositions returns all open positions on the account.
	FetchPositions(ctx context.Context) ([]types.Position, error)

	// FetchOpenOrders returns pending orders for a symbol.
	FetchOpenOrders(ctx context.Context, symbol string) ([]types.Order, error)

	// PlaceOrder places a limit or market order and returns the resulting order.
	PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error)

	// CancelOrder cancels a pending order.
	CancelOrder(ctx context.Context, orderID, symbol string) error

	// AttachBracket attaches or refreshes stop-loss/take-profit parameters on
	// an existing order.
	AttachBracket(ctx context.Context, orderID string, productID int, symbol string, params types.BracketParams) (*types.Order, error)

	// Close cleans up resources
	Close() error
}

// PriceFeed exposes the latest traded price of the reference instrument.
// The value is pushed asynchronously from outside the core; Latest reports
// ok=false until the first update arrives.
type PriceFeed interface {
	Latest() (price float64, ok bool)
}

// IsAuthError reports whether an exchange error is an authorization or
// IP-whitelisting failure, which gets its own notification category.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "ip_not_whitelisted") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api") ||
		strings.Contains(msg, "signature")
}
