package types

// Side represents buy or sell
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// RuleKind identifies which stop rule governs a position
type RuleKind string

const (
	RuleFixedStop      RuleKind = "fixed_stop"
	RuleDynamic        RuleKind = "dynamic"
	RulePartialBooking RuleKind = "partial_booking"
)

// TimeInForce values used for order placement
const (
	TIFGoodTillCancelled = "gtc"
	TIFImmediateOrCancel = "ioc"
)

// TriggerLastTradedPrice is the bracket trigger method the exchange supports
// for stop-loss/take-profit legs.
const TriggerLastTradedPrice = "last_traded_price"

// Position is a read-only snapshot of an exchange position.
// Size is signed: positive = long, negative = short.
type Position struct {
	ID         string  `json:"id"`
	Symbol     string  `json:"symbol"`
	Size       float64 `json:"size"`
	EntryPrice float64 `json:"entry_price"`
}

// Side derives the position side from the signed size.
func (p Position) Side() Side {
	if p.Size < 0 {
		return SideSell
	}
	return SideBuy
}

// Order is a snapshot of an exchange order.
type Order struct {
	ID     string  `json:"id"`
	Symbol string  `json:"symbol"`
	Side   Side    `json:"side"`
	Status string  `json:"status"`
	Price  float64 `json:"price"`
	Qty    float64 `json:"qty"`
}

// IsOpen reports whether the order is still pending on the book.
func (o Order) IsOpen() bool {
	return o.Status == "open"
}

// OrderRequest describes an order to be placed on the exchange.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Qty         float64
	Price       float64 // 0 for market orders
	TimeInForce string
}

// BracketParams carries the stop-loss/take-profit legs attached to an order.
// Zero-valued take-profit fields mean "stop-loss only" (partial-booking refresh).
type BracketParams struct {
	StopLossPrice        float64
	StopLossLimitPrice   float64
	TakeProfitPrice      float64
	TakeProfitLimitPrice float64
	TriggerMethod        string
}

// Signal is the structured directive published by the external signal writer.
// The zone bounds use pointers so "absent" is distinguishable from zero.
type Signal struct {
	LastSignal SignalBody `json:"last_signal"`
	SupplyZone Zone       `json:"supply_zone"`
	DemandZone Zone       `json:"demand_zone"`
}

// SignalBody holds the free-text directive and an optional explicit price.
type SignalBody struct {
	Text  string   `json:"text"`
	Price *float64 `json:"price,omitempty"`
}

// Zone is a supply/demand zone bound from the signal payload.
type Zone struct {
	Min *float64 `json:"min,omitempty"`
}
