package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transfersStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_transfers_started_total",
		Help: "Journal records created for new transfer attempts.",
	})
	transfersCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_transfers_committed_total",
		Help: "Transfers that reached the committed state.",
	})
	transfersFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_transfers_failed_total",
		Help: "Transfers that reached the failed state.",
	})
	casConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_balance_cas_conflicts_total",
		Help: "Compare-and-set losses on balance mutations, retried internally.",
	})
	compensationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_debit_reversals_total",
		Help: "Compensating reversals issued after an irrecoverable credit failure.",
	})
	transfersRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_transfers_recovered_total",
		Help: "In-flight transfers driven to a terminal state by the recovery sweep.",
	})
)
