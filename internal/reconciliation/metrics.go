package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "errandly",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Wallets whose cached balance or escrow differs from the transaction log in the last run.",
	})

	reconcileEscrowMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "errandly",
		Subsystem: "reconciliation",
		Name:      "escrow_mismatches",
		Help:      "Clients whose wallet escrow differs from their held bookings in the last run.",
	})

	reconcileStaleWithdrawals = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "errandly",
		Subsystem: "reconciliation",
		Name:      "stale_withdrawals",
		Help:      "Withdrawals stuck in pending found in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "errandly",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "errandly",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileEscrowMismatches,
		reconcileStaleWithdrawals,
		reconcileDuration,
		reconcileErrors,
	)
}
