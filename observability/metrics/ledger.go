package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics exposes the operational counters and gauges for the lending
// ledger.
type LedgerMetrics struct {
	operations        *prometheus.CounterVec
	poolDeposits      prometheus.Gauge
	poolBorrowed      prometheus.Gauge
	poolUtilization   prometheus.Gauge
	loansActive       prometheus.Gauge
	liquidationsTotal *prometheus.CounterVec
}

var (
	ledgerOnce     sync.Once
	ledgerRegistry *LedgerMetrics
)

// Ledger returns the process-wide ledger metrics, registering them on first
// use.
func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "onloan_operations_total",
				Help: "Count of ledger operations by name and outcome.",
			}, []string{"op", "outcome"}),
			poolDeposits: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "onloan_pool_deposits",
				Help: "Total principal deposited in the pool, in stable base units.",
			}),
			poolBorrowed: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "onloan_pool_borrowed",
				Help: "Total principal currently lent out, in stable base units.",
			}),
			poolUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "onloan_pool_utilization_bps",
				Help: "Pool utilization in basis points.",
			}),
			loansActive: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "onloan_loans_active",
				Help: "Number of currently active loans.",
			}),
			liquidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "onloan_liquidations_total",
				Help: "Count of collateral seizures by trigger.",
			}, []string{"trigger"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.operations,
			ledgerRegistry.poolDeposits,
			ledgerRegistry.poolBorrowed,
			ledgerRegistry.poolUtilization,
			ledgerRegistry.loansActive,
			ledgerRegistry.liquidationsTotal,
		)
	})
	return ledgerRegistry
}

// ObserveOperation records one completed ledger operation.
func (m *LedgerMetrics) ObserveOperation(op, outcome string) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

// SetPoolDeposits updates the deposits gauge.
func (m *LedgerMetrics) SetPoolDeposits(v float64) {
	if m == nil {
		return
	}
	m.poolDeposits.Set(v)
}

// SetPoolBorrowed updates the borrowed gauge.
func (m *LedgerMetrics) SetPoolBorrowed(v float64) {
	if m == nil {
		return
	}
	m.poolBorrowed.Set(v)
}

// SetPoolUtilization updates the utilization gauge.
func (m *LedgerMetrics) SetPoolUtilization(bps float64) {
	if m == nil {
		return
	}
	m.poolUtilization.Set(bps)
}

// LoanOpened bumps the active loan gauge on origination.
func (m *LedgerMetrics) LoanOpened() {
	if m == nil {
		return
	}
	m.loansActive.Inc()
}

// LoanClosed decrements the active loan gauge when a loan reaches a
// terminal state.
func (m *LedgerMetrics) LoanClosed() {
	if m == nil {
		return
	}
	m.loansActive.Dec()
}

// ObserveLiquidation records a collateral seizure. Trigger is "health" for
// undercollateralisation and "default" for grace-period defaults.
func (m *LedgerMetrics) ObserveLiquidation(trigger string) {
	if m == nil {
		return
	}
	if trigger == "" {
		trigger = "unknown"
	}
	m.liquidationsTotal.WithLabelValues(trigger).Inc()
}
