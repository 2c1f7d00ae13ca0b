package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

var (
	// ledgerTxTotal counts postings by type and outcome (applied, replayed, rejected).
	ledgerTxTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "errandly",
			Subsystem: "ledger",
			Name:      "transactions_total",
			Help:      "Ledger postings by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	ledgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "errandly",
			Subsystem: "ledger",
			Name:      "apply_duration_seconds",
			Help:      "Ledger Apply duration in seconds, by first posting type.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	ledgerConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "errandly",
		Subsystem: "ledger",
		Name:      "version_conflicts_total",
		Help:      "Wallet version conflicts that forced a retry.",
	})

	// BalanceTotal tracks the sum of all wallet balances.
	BalanceTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "errandly",
		Subsystem: "ledger",
		Name:      "balance_total_naira",
		Help:      "Sum of all wallet balances.",
	})

	// EscrowTotal tracks the sum of all held funds.
	EscrowTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "errandly",
		Subsystem: "ledger",
		Name:      "escrow_total_naira",
		Help:      "Sum of all wallet escrow.",
	})
)

func init() {
	prometheus.MustRegister(
		ledgerTxTotal,
		ledgerOpDuration,
		ledgerConflicts,
		BalanceTotal,
		EscrowTotal,
	)
}

// observeOp returns a function that records Apply duration.
func observeOp(txType string) func() {
	start := time.Now()
	return func() {
		ledgerOpDuration.WithLabelValues(txType).Observe(time.Since(start).Seconds())
	}
}

func countTx(postings []Posting, outcome string) {
	for _, p := range postings {
		ledgerTxTotal.WithLabelValues(string(p.Type), outcome).Inc()
	}
}

// RecordTotals sets the balance and escrow gauges from a wallet snapshot.
func RecordTotals(wallets []*Wallet) {
	balance, escrow := decimal.Zero, decimal.Zero
	for _, w := range wallets {
		balance = balance.Add(w.Balance)
		escrow = escrow.Add(w.Escrow)
	}
	BalanceTotal.Set(balance.InexactFloat64())
	EscrowTotal.Set(escrow.InexactFloat64())
}
