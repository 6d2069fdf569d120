// Package metrics registers the Prometheus instruments the loops update:
//
//   - trailguard_orders_total{side,kind}      – orders placed (limit|market)
//   - trailguard_closes_total{rule,side}      – full closes by governing rule
//   - trailguard_bracket_refreshes_total      – partial-booking bracket updates
//   - trailguard_signals_total{outcome}       – signal processing outcomes
//   - trailguard_profit_pct                   – latest evaluated profit fraction
//   - trailguard_committed_stop               – latest committed stop price
//
// Served by the promhttp handler mounted in cmd/trader.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trailguard_orders_total",
			Help: "Orders placed",
		},
		[]string{"side", "kind"}, // kind: limit|market
	)

	closes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trailguard_closes_total",
			Help: "Full position closes by governing rule and side",
		},
		[]string{"rule", "side"},
	)

	bracketRefreshes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trailguard_bracket_refreshes_total",
			Help: "Bracket attach/refresh calls from partial booking",
		},
	)

	signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trailguard_signals_total",
			Help: "Signal processing outcomes (placed|skipped|failed|locked)",
		},
		[]string{"outcome"},
	)

	profitPct = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trailguard_profit_pct",
			Help: "Latest evaluated unrealized profit fraction",
		},
	)

	committedStop = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trailguard_committed_stop",
			Help: "Latest committed trailing stop price",
		},
	)
)

func init() {
	prometheus.MustRegister(orders, closes, bracketRefreshes, signals)
	prometheus.MustRegister(profitPct, committedStop)
}

func IncOrder(side, kind string) { orders.WithLabelValues(side, kind).Inc() }
func IncClose(rule, side string) { closes.WithLabelValues(rule, side).Inc() }
func IncBracketRefresh()         { bracketRefreshes.Inc() }
func IncSignal(outcome string)   { signals.WithLabelValues(outcome).Inc() }
func SetProfitPct(v float64)     { profitPct.Set(v) }
func SetCommittedStop(v float64) { committedStop.Set(v) }
