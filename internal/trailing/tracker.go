package trailing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"trailguard/internal/config"
	"trailguard/internal/exchange"
	"trailguard/internal/metrics"
	"trailguard/internal/notify"
	"trailguard/internal/types"
)

// Tracker drives the position-risk loop: it polls the exchange for open
// positions, evaluates each against the live price through the shared Engine,
// and actuates the resulting decision (full close or bracket refresh).
type Tracker struct {
	gw       exchange.Gateway
	feed     exchange.PriceFeed
	engine   *Engine
	notifier *notify.Notifier
	cfg      *config.Config
	logger   *slog.Logger

	cached           []types.Position
	lastFetch        time.Time
	lastHadPositions bool
	lastDisplay      map[string]display
}

// display is the rendered per-position status line; a cycle only logs when
// it changes.
type display struct {
	Entry     float64
	Live      float64
	ProfitPct float64
	Raw       float64
	Rule      types.RuleKind
	Stop      float64
}

// NewTracker creates the risk loop around the shared trailing engine.
func NewTracker(gw exchange.Gateway, feed exchange.PriceFeed, engine *Engine, notifier *notify.Notifier, cfg *config.Config, logger *slog.Logger) *Tracker {
	return &Tracker{
		gw:               gw,
		feed:             feed,
		engine:           engine,
		notifier:         notifier,
		cfg:              cfg,
		logger:           logger,
		lastHadPositions: true,
		lastDisplay:      make(map[string]display),
	}
}

// Track runs the loop until ctx is cancelled. It returns an error when the
// live price never becomes available within the grace period; the loop cannot
// operate without a price, so it ends rather than spinning on a missing input.
func (t *Tracker) Track(ctx context.Context) error {
	if _, ok := exchange.WaitForPrice(ctx, t.feed, t.cfg.PriceGracePeriod, t.logger); !ok {
		t.logger.Warn("[TRAILING] Live price still not available, exiting tracker")
		return fmt.Errorf("live price unavailable after %s", t.cfg.PriceGracePeriod)
	}

	t.logger.Info("[TRAILING] Tracker started",
		"symbol", t.cfg.Symbol,
		"check_interval", t.cfg.CheckInterval,
	)

	ticker := time.NewTicker(t.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("[TRAILING] Tracker stopped")
			return nil
		case <-ticker.C:
			t.RunCycle(ctx)
		}
	}
}

// RunCycle executes one evaluation tick. Positions are re-fetched at most
// every PositionFetchEvery to bound gateway load.
func (t *Tracker) RunCycle(ctx context.Context) {
	now := time.Now()
	if now.Sub(t.lastFetch) >= t.cfg.PositionFetchEvery {
		t.cached = t.fetchOpenPositions(ctx)
		t.lastFetch = now
	}

	live, ok := t.feed.Latest()
	if !ok {
		return
	}

	if len(t.cached) == 0 {
		if t.lastHadPositions {
			t.logger.Info("[TRAILING] No open positions, profit trailing paused")
			t.lastHadPositions = false
		}
		t.engine.Clear()
		clear(t.lastDisplay)
		return
	}
	if !t.lastHadPositions {
		t.logger.Info("[TRAILING] Positions found, profit trailing resumed")
		t.lastHadPositions = true
	}

	var remaining []types.Position
	for _, pos := range t.cached {
		closed := t.evaluatePosition(ctx, pos, live)
		if !closed {
			remaining = append(remaining, pos)
		}
	}
	t.cached = remaining
}

// evaluatePosition runs the engine for one position and actuates the
// decision. Reports whether the position was fully closed. Actuation is the
// single side-effecting call site per cycle; the engine itself never touches
// the network.
func (t *Tracker) evaluatePosition(ctx context.Context, pos types.Position, live float64) bool {
	eval, err := t.engine.Evaluate(pos, live)
	if err != nil {
		// Malformed snapshot; skip this position, not the cycle.
		t.logger.Warn("[TRAILING] Skipping position",
			"position", pos.ID,
			"error", err,
		)
		return false
	}

	metrics.SetProfitPct(eval.ProfitPct)
	metrics.SetCommittedStop(eval.Stop)

	raw, _ := t.engine.ComputeRawProfit(pos, live)
	t.logStatus(pos, live, raw, eval)

	if eval.Rule == types.RulePartialBooking {
		t.refreshBracket(ctx, pos, eval.Stop)
		return false
	}

	if ShouldClose(eval.Rule, pos.Side(), live, eval.Stop) {
		return t.closePosition(ctx, pos, live, eval)
	}
	return false
}

// logStatus emits the per-position status line when it changed since the
// previous cycle.
func (t *Tracker) logStatus(pos types.Position, live, raw float64, eval Evaluation) {
	d := display{
		Entry:     round2(pos.EntryPrice),
		Live:      round2(live),
		ProfitPct: round2(eval.ProfitPct * 100),
		Raw:       round2(raw),
		Rule:      eval.Rule,
		Stop:      round2(eval.Stop),
	}
	if t.lastDisplay[pos.ID] == d {
		return
	}
	t.lastDisplay[pos.ID] = d

	t.logger.Info("[TRAILING] Position status",
		"position", pos.ID,
		"entry", d.Entry,
		"live", d.Live,
		"pnl_pct", d.ProfitPct,
		"pnl", d.Raw,
		"rule", eval.Rule,
		"stop", d.Stop,
	)
}

// refreshBracket re-attaches the stop leg at the current committed stop.
// Fire-and-forget: a failure is logged and retried naturally on the next tick.
func (t *Tracker) refreshBracket(ctx context.Context, pos types.Position, stop float64) {
	params := types.BracketParams{
		StopLossPrice:      stop,
		StopLossLimitPrice: stop,
		TriggerMethod:      types.TriggerLastTradedPrice,
	}
	if _, err := t.gw.AttachBracket(ctx, pos.ID, t.cfg.ProductID, t.cfg.Symbol, params); err != nil {
		t.logger.Error("[TRAILING] Bracket refresh failed",
			"position", pos.ID,
			"stop", stop,
			"error", err,
		)
		return
	}
	metrics.IncBracketRefresh()
}

// closePosition books full profit with an immediate-or-cancel market order
// sized to fully offset the position.
func (t *Tracker) closePosition(ctx context.Context, pos types.Position, live float64, eval Evaluation) bool {
	req := types.OrderRequest{
		Symbol:      t.cfg.Symbol,
		Side:        pos.Side().Opposite(),
		Qty:         math.Abs(pos.Size),
		TimeInForce: types.TIFImmediateOrCancel,
	}
	order, err := t.gw.PlaceOrder(ctx, req)
	if err != nil {
		t.logger.Error("[TRAILING] Close order failed",
			"position", pos.ID,
			"error", err,
		)
		return false
	}

	metrics.IncOrder(string(req.Side), "market")
	metrics.IncClose(string(eval.Rule), string(pos.Side()))
	delete(t.lastDisplay, pos.ID)

	t.logger.Info("[TRAILING] Stop triggered, booking full profit",
		"position", pos.ID,
		"rule", eval.Rule,
		"live", live,
		"stop", eval.Stop,
		"close_order", order.ID,
	)
	return true
}

// fetchOpenPositions lists non-flat positions on the managed instrument.
// A fetch failure yields an empty set for this cycle plus a rate-limited
// alert, with authorization failures called out separately.
func (t *Tracker) fetchOpenPositions(ctx context.Context) []types.Position {
	positions, err := t.gw.FetchPositions(ctx)
	if err != nil {
		t.logger.Error("[TRAILING] Error fetching open positions", "error", err)
		if exchange.IsAuthError(err) {
			t.notifier.Alert("API authorization failure",
				fmt.Sprintf("The exchange rejected position fetches as unauthorized: %v", err))
		} else {
			t.notifier.Alert("Position fetch error",
				fmt.Sprintf("Unhandled error while fetching positions: %v", err))
		}
		return nil
	}

	var open []types.Position
	for _, pos := range positions {
		if pos.Size == 0 {
			continue
		}
		if strings.Contains(pos.Symbol, t.cfg.Symbol) {
			open = append(open, pos)
		}
	}
	return open
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
