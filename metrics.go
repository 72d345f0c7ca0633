// FILE: metrics.go
// Package main – Prometheus metrics for observability.
//
// Exposes the orchestrator's operating state the way the teacher exposed
// its trading loop: counters for actions the reducer emits, gauges for the
// rebalancer/HMM/daily-loss state the control surface also reports.
// Registered in init() and served at /metrics (Prometheus text exposition).
package main

import "github.com/prometheus/client_golang/prometheus"

var (
	mtxCyclesBooked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairbot_cycles_booked_total",
			Help: "Cycles booked by BookCycle, by leg and outcome (win|loss)",
		},
		[]string{"leg", "outcome"},
	)

	mtxOrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairbot_orders_placed_total",
			Help: "PlaceOrder actions emitted by the reducer, by side and role",
		},
		[]string{"side", "role"},
	)

	mtxOrphans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairbot_orphans_total",
			Help: "Orders moved into recovery, by reason",
		},
		[]string{"reason"},
	)

	mtxRecoveryEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pairbot_recovery_evictions_total",
			Help: "Recoveries evicted when over max_recovery_slots",
		},
	)

	mtxNetProfitUSD = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pairbot_net_profit_usd",
			Help: "Cumulative net profit per slot",
		},
		[]string{"slot"},
	)

	mtxIdleRatio = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pairbot_idle_ratio",
			Help: "Current idle_USD / total_portfolio_value",
		},
	)

	mtxRebalSkew = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pairbot_rebalancer_skew",
			Help: "PD rebalancer output skew, signed",
		},
	)

	mtxDynamicIdleTarget = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pairbot_dynamic_idle_target",
			Help: "Current hysteresis-smoothed dynamic idle target",
		},
	)

	mtxHMMConfidence = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pairbot_hmm_confidence",
			Help: "HMM detector effective confidence, by detector",
		},
		[]string{"detector"}, // primary|secondary|tertiary|consensus
	)

	mtxHMMRegime = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pairbot_hmm_regime",
			Help: "HMM detector regime as an ordinal (0=bearish,1=ranging,2=bullish), by detector",
		},
		[]string{"detector"},
	)

	mtxDailyLossLocked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pairbot_daily_loss_locked",
			Help: "1 if the daily-loss circuit breaker is engaged, else 0",
		},
	)

	mtxConsecutiveErrors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pairbot_consecutive_errors",
			Help: "Current consecutive exchange/persistence error count",
		},
	)

	mtxPrivateAPIBudgetRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pairbot_private_api_budget_remaining",
			Help: "Remaining private-API call budget for the current loop",
		},
	)
)

func init() {
	prometheus.MustRegister(
		mtxCyclesBooked, mtxOrdersPlaced, mtxOrphans, mtxRecoveryEvictions,
		mtxNetProfitUSD, mtxIdleRatio, mtxRebalSkew, mtxDynamicIdleTarget,
		mtxHMMConfidence, mtxHMMRegime, mtxDailyLossLocked,
		mtxConsecutiveErrors, mtxPrivateAPIBudgetRemaining,
	)
}

func observeCycle(leg TradeLeg, netProfit float64) {
	outcome := "win"
	if netProfit < 0 {
		outcome = "loss"
	}
	mtxCyclesBooked.WithLabelValues(string(leg), outcome).Inc()
}

func observeOrphan(reason OrphanReason) {
	mtxOrphans.WithLabelValues(string(reason)).Inc()
}

func observeHMM(detector string, out DetectorOutput) {
	mtxHMMConfidence.WithLabelValues(detector).Set(out.EffectiveConfidence)
	mtxHMMRegime.WithLabelValues(detector).Set(float64(out.Regime))
}

func setDailyLossLocked(locked bool) {
	if locked {
		mtxDailyLossLocked.Set(1)
	} else {
		mtxDailyLossLocked.Set(0)
	}
}
