// Package observability hosts the process-wide metric registries shared by
// the risk engine and its service surfaces.
package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type riskMetrics struct {
	accruals         *prometheus.CounterVec
	liquidations     *prometheus.CounterVec
	oracleRejections *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	badDebt          *prometheus.GaugeVec
}

var (
	riskMetricsOnce sync.Once
	riskRegistry    *riskMetrics
)

// Risk returns the metrics registry tracking engine activity.
func Risk() *riskMetrics {
	riskMetricsOnce.Do(func() {
		riskRegistry = &riskMetrics{
			accruals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dualis",
				Subsystem: "risk",
				Name:      "accruals_total",
				Help:      "Count of pool index accruals segmented by pool.",
			}, []string{"pool"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dualis",
				Subsystem: "risk",
				Name:      "liquidations_total",
				Help:      "Count of liquidation cascade actions segmented by pool and tier.",
			}, []string{"pool", "tier"}),
			oracleRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dualis",
				Subsystem: "oracle",
				Name:      "rejections_total",
				Help:      "Count of rejected price observations segmented by asset and reason.",
			}, []string{"asset", "reason"}),
			breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "dualis",
				Subsystem: "oracle",
				Name:      "breaker_state",
				Help:      "Circuit breaker state per asset (0 closed, 1 open, 2 half-open).",
			}, []string{"asset"}),
			badDebt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "dualis",
				Subsystem: "risk",
				Name:      "bad_debt_units",
				Help:      "Unrecovered bad debt per pool in the pool asset's smallest unit.",
			}, []string{"pool"}),
		}
		prometheus.MustRegister(
			riskRegistry.accruals,
			riskRegistry.liquidations,
			riskRegistry.oracleRejections,
			riskRegistry.breakerState,
			riskRegistry.badDebt,
		)
	})
	return riskRegistry
}

// RecordAccrual increments the accrual counter for a pool.
func (m *riskMetrics) RecordAccrual(pool string) {
	if m == nil {
		return
	}
	m.accruals.WithLabelValues(normalizeLabel(pool)).Inc()
}

// RecordLiquidation increments the liquidation counter for a pool and tier.
func (m *riskMetrics) RecordLiquidation(pool, tier string) {
	if m == nil {
		return
	}
	m.liquidations.WithLabelValues(normalizeLabel(pool), strings.TrimSpace(tier)).Inc()
}

// RecordOracleRejection counts a rejected observation by reason.
func (m *riskMetrics) RecordOracleRejection(asset, reason string) {
	if m == nil {
		return
	}
	m.oracleRejections.WithLabelValues(normalizeLabel(asset), strings.TrimSpace(reason)).Inc()
}

// SetBreakerState records the breaker state gauge for an asset.
func (m *riskMetrics) SetBreakerState(asset string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(normalizeLabel(asset)).Set(float64(state))
}

// SetBadDebt records the outstanding bad-debt figure for a pool.
func (m *riskMetrics) SetBadDebt(pool string, units float64) {
	if m == nil {
		return
	}
	m.badDebt.WithLabelValues(normalizeLabel(pool)).Set(units)
}

func normalizeLabel(value string) string {
	normalized := strings.TrimSpace(strings.ToUpper(value))
	if normalized == "" {
		return "UNKNOWN"
	}
	return normalized
}
