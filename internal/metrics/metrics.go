// Package metrics exposes the Prometheus instrumentation shared across the
// daemon. Collectors are registered once at init on the default registry.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CyclesTotal counts generation cycles per symbol and result.
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_generation_cycles_total",
		Help: "Signal generation cycles, by symbol and result",
	}, []string{"symbol", "result"})

	// CycleDuration observes end-to-end cycle latency.
	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pulse_generation_cycle_seconds",
		Help:    "Generation cycle duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"symbol"})

	// SignalsEmitted counts stored signals by symbol and action.
	SignalsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_signals_emitted_total",
		Help: "Signals persisted to the store",
	}, []string{"symbol", "action"})

	// SignalsDropped counts cycles that produced no signal, by reason.
	SignalsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_signals_dropped_total",
		Help: "Consensus evaluations that emitted nothing",
	}, []string{"symbol", "reason"})

	// AdapterFailures counts source fetches that came back unusable.
	AdapterFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_adapter_failures_total",
		Help: "Adapter fetches returning STALE or UNAVAILABLE",
	}, []string{"source", "validity"})

	// OrdersSubmitted counts executor order submissions.
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_orders_submitted_total",
		Help: "Orders recorded by executors",
	}, []string{"executor", "status", "simulated"})

	// SignalsAdmitted counts distributor admissions per executor.
	SignalsAdmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_signals_admitted_total",
		Help: "Signals passed to an executor by the distributor",
	}, []string{"executor", "decision"})

	// RiskPauses counts risk guard pause events by executor and reason.
	RiskPauses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_risk_pauses_total",
		Help: "Executor pauses triggered by the risk guard",
	}, []string{"executor", "reason"})

	// ExecutorPaused reflects the current pause flag per executor.
	ExecutorPaused = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pulse_executor_paused",
		Help: "1 when the executor is paused by risk, else 0",
	}, []string{"executor"})

	// RegimeState reports the active regime per symbol as a one-hot gauge.
	RegimeState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pulse_regime_state",
		Help: "Active market regime, one-hot by symbol and state",
	}, []string{"symbol", "state"})
)

// Handler returns the gin handler serving the default registry.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
