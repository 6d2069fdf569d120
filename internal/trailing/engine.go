package trailing

import (
	"errors"
	"sync"

	"trailguard/internal/config"
	"trailguard/internal/types"
)

// ErrNoEntryPrice is returned when a position snapshot carries no usable
// entry price; the position is skipped for that cycle.
var ErrNoEntryPrice = errors.New("position entry price unavailable")

// Engine owns the trailing-stop state for all open positions: the committed
// stop per position and the rule each position has escalated to. There must
// be exactly one Engine instance shared by the risk loop and any stop-lock
// action from the signal path; a second instance would discard the ratchet
// history.
type Engine struct {
	cfg config.Trailing

	mu    sync.Mutex
	stops map[string]float64
	rules map[string]types.RuleKind
}

// Evaluation is the outcome of one cycle for one position.
type Evaluation struct {
	Stop      float64
	ProfitPct float64
	Rule      types.RuleKind
}

// NewEngine creates an engine with the given trailing configuration.
func NewEngine(cfg config.Trailing) *Engine {
	return &Engine{
		cfg:   cfg,
		stops: make(map[string]float64),
		rules: make(map[string]types.RuleKind),
	}
}

// ComputeProfitPct returns the signed fractional profit of a position at the
// live price: (live-entry)/entry for longs, (entry-live)/entry for shorts.
func (e *Engine) ComputeProfitPct(pos types.Position, live float64) (float64, error) {
	if pos.EntryPrice <= 0 {
		return 0, ErrNoEntryPrice
	}
	if pos.Size < 0 {
		return (pos.EntryPrice - live) / pos.EntryPrice, nil
	}
	return (live - pos.EntryPrice) / pos.EntryPrice, nil
}

// ComputeRawProfit returns the unrealized profit in price units times size.
func (e *Engine) ComputeRawProfit(pos types.Position, live float64) (float64, error) {
	if pos.EntryPrice <= 0 {
		return 0, ErrNoEntryPrice
	}
	if pos.Size < 0 {
		return (pos.EntryPrice - live) * -pos.Size, nil
	}
	return (live - pos.EntryPrice) * pos.Size, nil
}

// Evaluate runs one trailing cycle for a position: computes profit, selects
// the governing rule, derives the candidate stop and ratchets it against the
// committed value. Must be called once per evaluation cycle per position.
func (e *Engine) Evaluate(pos types.Position, live float64) (Evaluation, error) {
	profitPct, err := e.ComputeProfitPct(pos, live)
	if err != nil {
		return Evaluation{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rule, level := e.selectRule(pos.ID, profitPct)
	candidate := e.stopPrice(rule, level, pos.EntryPrice, profitPct, pos.Side())
	stop := e.ratchet(pos.ID, candidate, pos.Side())
	e.rules[pos.ID] = rule

	return Evaluation{Stop: stop, ProfitPct: profitPct, Rule: rule}, nil
}

// selectRule picks the rule governing a position at the given profit level.
// Once a position has escalated to dynamic or partial_booking the rule sticks,
// so profit oscillating across level boundaries cannot flip it back.
// Caller holds e.mu.
func (e *Engine) selectRule(posID string, profitPct float64) (types.RuleKind, *config.RuleLevel) {
	level := e.cfg.SelectLevel(profitPct)

	if prev, ok := e.rules[posID]; ok && (prev == types.RuleDynamic || prev == types.RulePartialBooking) {
		return prev, level
	}
	if profitPct < e.cfg.StartTrailingProfitPct || level == nil {
		return types.RuleFixedStop, nil
	}
	return level.Kind(), level
}

// stopPrice derives the candidate stop for a rule. Anything that cannot be
// resolved falls back to the fixed-stop formula.
func (e *Engine) stopPrice(rule types.RuleKind, level *config.RuleLevel, entry, profitPct float64, side types.Side) float64 {
	switch rule {
	case types.RuleDynamic:
		if level != nil && level.TrailingStopOffset != nil {
			if side == types.SideSell {
				return entry * (1 - *level.TrailingStopOffset)
			}
			return entry * (1 + *level.TrailingStopOffset)
		}
	case types.RulePartialBooking:
		if level != nil {
			fraction := 1.0
			if level.BookFraction != nil {
				fraction = *level.BookFraction
			}
			if side == types.SideSell {
				return entry * (1 - profitPct*fraction)
			}
			return entry * (1 + profitPct*fraction)
		}
	}
	if side == types.SideSell {
		return entry * (1 + e.cfg.FixedStopLossPct)
	}
	return entry * (1 - e.cfg.FixedStopLossPct)
}

// ratchet commits max(previous, candidate) for longs and min for shorts, so
// the stop only ever moves in the profit-favorable direction.
// Caller holds e.mu.
func (e *Engine) ratchet(posID string, candidate float64, side types.Side) float64 {
	prev, ok := e.stops[posID]
	if ok {
		if side == types.SideSell {
			candidate = min(prev, candidate)
		} else {
			candidate = max(prev, candidate)
		}
	}
	e.stops[posID] = candidate
	return candidate
}

// LockStop tightens the committed stop to lockPrice if that is favorable for
// the side; an existing tighter stop is left alone. Reports whether the stop
// moved. This is the narrow entry point for take-profit directives and shares
// the ratchet state with Evaluate.
func (e *Engine) LockStop(posID string, side types.Side, lockPrice float64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev, ok := e.stops[posID]
	if !ok {
		e.stops[posID] = lockPrice
		return true
	}
	if (side == types.SideBuy && lockPrice > prev) || (side == types.SideSell && lockPrice < prev) {
		e.stops[posID] = lockPrice
		return true
	}
	return false
}

// CommittedStop returns the current committed stop for a position, if any.
func (e *Engine) CommittedStop(posID string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	stop, ok := e.stops[posID]
	return stop, ok
}

// Clear drops all trailing state. Called when the instrument has no open
// positions: a flat book is a regime boundary, not a per-position expiry.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	clear(e.stops)
	clear(e.rules)
}

// ShouldClose reports whether the live price has crossed the stop adversely.
// Partial-booking positions are never closed directly; their bracket is
// refreshed instead.
func ShouldClose(rule types.RuleKind, side types.Side, live, stop float64) bool {
	if rule == types.RulePartialBooking {
		return false
	}
	if side == types.SideSell {
		return live > stop
	}
	return live < stop
}
