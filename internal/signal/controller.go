package signal

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"trailguard/internal/config"
	"trailguard/internal/exchange"
	"trailguard/internal/metrics"
	"trailguard/internal/trailing"
	"trailguard/internal/types"
)

// Controller resolves each incoming signal against the current exchange state
// and emits order-management actions. It owns the side memory (which side was
// last opened and last closed) explicitly, rather than as process globals,
// and routes stop-lock actions through the trailing engine the risk loop owns.
type Controller struct {
	gw     exchange.Gateway
	feed   exchange.PriceFeed
	engine *trailing.Engine
	store  SideStore // optional write-through persistence for the closed side
	cfg    *config.Config
	logger *slog.Logger

	mu           sync.Mutex
	lastExecuted types.Side
	lastClosed   types.Side

	// sleep is swappable so tests do not pay the settlement waits.
	sleep func(time.Duration)
}

// NewController creates a signal controller sharing the risk loop's engine.
func NewController(gw exchange.Gateway, feed exchange.PriceFeed, engine *trailing.Engine, store SideStore, cfg *config.Config, logger *slog.Logger) *Controller {
	return &Controller{
		gw:     gw,
		feed:   feed,
		engine: engine,
		store:  store,
		cfg:    cfg,
		logger: logger,
		sleep:  time.Sleep,
	}
}

// Restore hydrates the same-side-after-close guard from the side store, so a
// restart does not immediately re-enter a side that was just stopped out.
func (c *Controller) Restore(ctx context.Context) {
	if c.store == nil {
		return
	}
	side, err := c.store.LastClosedSide(ctx)
	if err != nil {
		c.logger.Warn("[SIGNAL] Could not restore closed-side memory", "error", err)
		return
	}
	if side != "" {
		c.mu.Lock()
		c.lastClosed = side
		c.mu.Unlock()
		c.logger.Info("[SIGNAL] Restored closed-side guard", "side", side)
	}
}

// Process applies one signal. The returned order is non-nil only when a new
// entry order was placed; a nil, nil return means the signal resolved to a
// no-op. Settlement waits inside are blocking by design.
func (c *Controller) Process(ctx context.Context, sig *types.Signal) (*types.Order, error) {
	if sig == nil {
		return nil, nil
	}
	text := strings.ToLower(sig.LastSignal.Text)

	// Take-profit directives only tighten stops; they never touch orders.
	if strings.Contains(text, "take profit") || strings.Contains(text, "tp") {
		c.lockProfit(ctx)
		metrics.IncSignal("locked")
		return nil, nil
	}

	side := resolveSide(text)
	if side == "" {
		// No tradable direction: clear the book of stale intent and stop.
		c.cancelPendingOrders(ctx, "")
		c.logger.Warn("[SIGNAL] Unable to determine side", "text", sig.LastSignal.Text)
		metrics.IncSignal("skipped")
		return nil, nil
	}

	c.mu.Lock()
	lastClosed := c.lastClosed
	c.mu.Unlock()
	if lastClosed == side {
		c.logger.Info("[SIGNAL] Side was just closed, ignoring same-side signal", "side", side)
		metrics.IncSignal("skipped")
		return nil, nil
	}

	// Cancel conflicting then same-side pending orders, best effort, and give
	// the exchange a moment to reflect the cancellations.
	c.cancelPendingOrders(ctx, side.Opposite())
	c.cancelPendingOrders(ctx, side)
	c.sleep(c.cfg.SettleDelay)

	if c.pendingOrderExists(ctx, side) {
		c.logger.Info("[SIGNAL] Pending order still exists, skipping new order", "side", side)
		metrics.IncSignal("skipped")
		return nil, nil
	}

	if sig.SupplyZone.Min == nil || sig.DemandZone.Min == nil {
		metrics.IncSignal("failed")
		return nil, fmt.Errorf("incomplete signal: supply/demand zone missing")
	}

	if err := c.closeOppositePosition(ctx, side); err != nil {
		c.logger.Error("[SIGNAL] Error checking or closing opposite position", "error", err)
	}

	if c.hasOpenPosition(ctx, side) {
		c.logger.Info("[SIGNAL] Open position already exists, skipping new order", "side", side)
		metrics.IncSignal("skipped")
		return nil, nil
	}

	price, err := c.signalPrice(sig)
	if err != nil {
		metrics.IncSignal("failed")
		return nil, err
	}
	entry, stop, target := entryLevels(side, price, c.cfg)

	c.logger.Info("[SIGNAL] Placing entry order",
		"text", sig.LastSignal.Text,
		"side", side,
		"entry", entry,
		"stop", stop,
		"target", target,
	)

	order, err := c.gw.PlaceOrder(ctx, types.OrderRequest{
		Symbol:      c.cfg.Symbol,
		Side:        side,
		Qty:         c.cfg.OrderQty,
		Price:       entry,
		TimeInForce: types.TIFGoodTillCancelled,
	})
	if err != nil {
		metrics.IncSignal("failed")
		return nil, fmt.Errorf("place limit order: %w", err)
	}
	metrics.IncOrder(string(side), "limit")
	c.recordExecuted(ctx, side)

	// A bracket failure leaves the order in place; the position runs naked
	// until the risk loop picks it up, which is preferable to unwinding a
	// live entry.
	params := types.BracketParams{
		StopLossPrice:        stop,
		StopLossLimitPrice:   stop,
		TakeProfitPrice:      target,
		TakeProfitLimitPrice: target,
		TriggerMethod:        types.TriggerLastTradedPrice,
	}
	if _, err := c.gw.AttachBracket(ctx, order.ID, c.cfg.ProductID, c.cfg.Symbol, params); err != nil {
		c.logger.Error("[SIGNAL] Failed to attach bracket",
			"order_id", order.ID,
			"error", err,
		)
		metrics.IncSignal("placed")
		return order, nil
	}

	c.logger.Info("[SIGNAL] Bracket attached", "order_id", order.ID)
	metrics.IncSignal("placed")
	return order, nil
}

// resolveSide classifies the directive text. "short" is checked first so a
// text mentioning both resolves to the sell side.
func resolveSide(text string) types.Side {
	switch {
	case strings.Contains(text, "short"):
		return types.SideSell
	case strings.Contains(text, "buy"):
		return types.SideBuy
	default:
		return ""
	}
}

// entryLevels offsets entry/stop/target from the signal price by the fixed
// configured amounts, mirrored for shorts.
func entryLevels(side types.Side, price float64, cfg *config.Config) (entry, stop, target float64) {
	if side == types.SideSell {
		return price + cfg.EntryOffset, price + cfg.StopOffset, price - cfg.TargetOffset
	}
	return price - cfg.EntryOffset, price - cfg.StopOffset, price + cfg.TargetOffset
}

// signalPrice returns the signal's explicit price, falling back to the live
// feed when absent.
func (c *Controller) signalPrice(sig *types.Signal) (float64, error) {
	if sig.LastSignal.Price != nil {
		return *sig.LastSignal.Price, nil
	}
	live, ok := c.feed.Latest()
	if !ok {
		return 0, fmt.Errorf("no price in signal and live price unavailable")
	}
	c.logger.Info("[SIGNAL] Using live price as fallback", "price", live)
	return live, nil
}

// lockProfit tightens the trailing stop of every open position to the 50%
// profit level, through the shared engine so the ratchet history is kept.
// Only favorable moves are applied.
func (c *Controller) lockProfit(ctx context.Context) {
	live, ok := c.feed.Latest()
	if !ok {
		c.logger.Warn("[SIGNAL] Take-profit signal but live price unavailable")
		return
	}
	positions, err := c.gw.FetchPositions(ctx)
	if err != nil {
		c.logger.Error("[SIGNAL] Error fetching positions for profit lock", "error", err)
		return
	}

	for _, pos := range positions {
		if pos.Size == 0 || !strings.Contains(pos.Symbol, c.cfg.Symbol) {
			continue
		}
		if pos.EntryPrice <= 0 {
			continue
		}

		var lock float64
		if pos.Side() == types.SideSell {
			lock = pos.EntryPrice - (pos.EntryPrice-live)*0.5
		} else {
			lock = pos.EntryPrice + (live-pos.EntryPrice)*0.5
		}

		if c.engine.LockStop(pos.ID, pos.Side(), lock) {
			c.logger.Info("[SIGNAL] Locked trailing stop at 50% profit level",
				"position", pos.ID,
				"stop", lock,
			)
		} else {
			c.logger.Info("[SIGNAL] Existing trailing stop is tighter, no update",
				"position", pos.ID,
			)
		}
	}
}

// cancelPendingOrders cancels open pending orders on the instrument. With a
// side it cancels that side only; with an empty side it cancels everything.
// Best effort: individual failures are logged and skipped.
func (c *Controller) cancelPendingOrders(ctx context.Context, side types.Side) {
	orders, err := c.gw.FetchOpenOrders(ctx, c.cfg.Symbol)
	if err != nil {
		c.logger.Error("[SIGNAL] Error fetching pending orders", "error", err)
		return
	}
	for _, order := range orders {
		if !order.IsOpen() {
			continue
		}
		if side != "" && order.Side != side {
			continue
		}
		if err := c.gw.CancelOrder(ctx, order.ID, c.cfg.Symbol); err != nil {
			c.logger.Error("[SIGNAL] Error cancelling order",
				"order_id", order.ID,
				"error", err,
			)
			continue
		}
		c.logger.Info("[SIGNAL] Cancelled pending order",
			"order_id", order.ID,
			"side", order.Side,
		)
	}
}

// pendingOrderExists reports whether an open order of the side is still on
// the book. A fetch failure counts as "none" so the signal can proceed.
func (c *Controller) pendingOrderExists(ctx context.Context, side types.Side) bool {
	orders, err := c.gw.FetchOpenOrders(ctx, c.cfg.Symbol)
	if err != nil {
		c.logger.Error("[SIGNAL] Error checking for pending orders", "error", err)
		return false
	}
	for _, order := range orders {
		if order.IsOpen() && order.Side == side {
			return true
		}
	}
	return false
}

// closeOppositePosition nets out an open position on the other side with a
// full offsetting market order, records the closed side, and waits for
// settlement.
func (c *Controller) closeOppositePosition(ctx context.Context, side types.Side) error {
	positions, err := c.gw.FetchPositions(ctx)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		if pos.Size == 0 || !strings.Contains(pos.Symbol, c.cfg.Symbol) {
			continue
		}
		if pos.Side() != side.Opposite() {
			continue
		}

		c.logger.Info("[SIGNAL] Opposite position exists, closing it first",
			"position", pos.ID,
			"side", pos.Side(),
		)
		_, err := c.gw.PlaceOrder(ctx, types.OrderRequest{
			Symbol:      c.cfg.Symbol,
			Side:        side,
			Qty:         math.Abs(pos.Size),
			TimeInForce: types.TIFImmediateOrCancel,
		})
		if err != nil {
			return fmt.Errorf("close opposite position: %w", err)
		}
		metrics.IncOrder(string(side), "market")
		c.recordClosed(ctx, pos.Side())
		c.sleep(c.cfg.SettleDelay)
	}
	return nil
}

// hasOpenPosition reports whether an open position on the side exists.
func (c *Controller) hasOpenPosition(ctx context.Context, side types.Side) bool {
	positions, err := c.gw.FetchPositions(ctx)
	if err != nil {
		c.logger.Error("[SIGNAL] Error fetching positions", "error", err)
		return false
	}
	for _, pos := range positions {
		if pos.Size == 0 || !strings.Contains(pos.Symbol, c.cfg.Symbol) {
			continue
		}
		if pos.Side() == side {
			return true
		}
	}
	return false
}

// recordClosed notes which side was netted out, persisting it when a store
// is configured.
func (c *Controller) recordClosed(ctx context.Context, side types.Side) {
	c.mu.Lock()
	c.lastClosed = side
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SetLastClosedSide(ctx, side); err != nil {
			c.logger.Warn("[SIGNAL] Could not persist closed side", "error", err)
		}
	}
}

// recordExecuted notes a successful entry; a new position supersedes any
// earlier close record.
func (c *Controller) recordExecuted(ctx context.Context, side types.Side) {
	c.mu.Lock()
	c.lastExecuted = side
	c.lastClosed = ""
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.ClearLastClosedSide(ctx); err != nil {
			c.logger.Warn("[SIGNAL] Could not clear closed side", "error", err)
		}
	}
}

// LastExecutedSide returns the side of the most recent successful entry.
func (c *Controller) LastExecutedSide() types.Side {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastExecuted
}

// LastClosedSide returns the side most recently netted out, if the guard is
// still armed.
func (c *Controller) LastClosedSide() types.Side {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastClosed
}
