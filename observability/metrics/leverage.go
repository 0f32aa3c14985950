// Package metrics exposes the prometheus instruments for the position
// tracking daemon. Registries are process-wide singletons guarded by
// sync.Once so repeated wiring never double-registers.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type LeverageMetrics struct {
	positionsCreated   prometheus.Counter
	positionsClosed    *prometheus.CounterVec
	liquidations       prometheus.Counter
	borrowFallbacks    prometheus.Counter
	orphanedCollateral prometheus.Counter
	activeSupplies     prometheus.Gauge
	poolCalls          *prometheus.CounterVec
	poolLatency        *prometheus.HistogramVec
}

var (
	leverageOnce     sync.Once
	leverageRegistry *LeverageMetrics
)

// Leverage returns the lazily-initialised position metrics registry.
func Leverage() *LeverageMetrics {
	leverageOnce.Do(func() {
		leverageRegistry = &LeverageMetrics{
			positionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "levman_positions_created_total",
				Help: "Count of leveraged positions opened.",
			}),
			positionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "levman_positions_closed_total",
				Help: "Count of positions retired, segmented by cause.",
			}, []string{"cause"}),
			liquidations: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "levman_liquidations_total",
				Help: "Count of third-party liquidation settlements.",
			}),
			borrowFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "levman_borrow_fallbacks_total",
				Help: "Count of borrows that succeeded only at the halved amount.",
			}),
			orphanedCollateral: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "levman_orphaned_collateral_total",
				Help: "Count of aborted creations leaving collateral awaiting reconciliation.",
			}),
			activeSupplies: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "levman_active_supply_positions",
				Help: "Number of open deposit-only positions.",
			}),
			poolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "levman_pool_calls_total",
				Help: "Count of lending pool RPC calls by method and outcome.",
			}, []string{"method", "outcome"}),
			poolLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "levman_pool_call_seconds",
				Help:    "Latency of lending pool RPC calls.",
				Buckets: prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(
			leverageRegistry.positionsCreated,
			leverageRegistry.positionsClosed,
			leverageRegistry.liquidations,
			leverageRegistry.borrowFallbacks,
			leverageRegistry.orphanedCollateral,
			leverageRegistry.activeSupplies,
			leverageRegistry.poolCalls,
			leverageRegistry.poolLatency,
		)
	})
	return leverageRegistry
}

func (m *LeverageMetrics) ObservePositionCreated() {
	if m == nil {
		return
	}
	m.positionsCreated.Inc()
}

// ObservePositionClosed records a retirement; cause is one of "closed",
// "liquidated", or "forced".
func (m *LeverageMetrics) ObservePositionClosed(cause string) {
	if m == nil {
		return
	}
	if cause == "" {
		cause = "unknown"
	}
	m.positionsClosed.WithLabelValues(cause).Inc()
}

func (m *LeverageMetrics) ObserveLiquidation() {
	if m == nil {
		return
	}
	m.liquidations.Inc()
}

func (m *LeverageMetrics) ObserveBorrowFallback() {
	if m == nil {
		return
	}
	m.borrowFallbacks.Inc()
}

func (m *LeverageMetrics) ObserveOrphanedCollateral() {
	if m == nil {
		return
	}
	m.orphanedCollateral.Inc()
}

func (m *LeverageMetrics) SetActiveSupplies(count uint64) {
	if m == nil {
		return
	}
	m.activeSupplies.Set(float64(count))
}

// ObservePoolCall records one pool RPC round trip.
func (m *LeverageMetrics) ObservePoolCall(method string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.poolCalls.WithLabelValues(method, outcome).Inc()
	m.poolLatency.WithLabelValues(method).Observe(elapsed.Seconds())
}
