package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the settlement core.
type Metrics struct {
	SettlementsExecuted *prometheus.CounterVec // outcome: computed|idempotent_hit|error
	SettlementDuration  prometheus.Histogram

	JobsProcessed    *prometheus.CounterVec // outcome: completed|in_progress|noop|error
	JobDuration      prometheus.Histogram
	TransfersDrained *prometheus.CounterVec // result: completed|failed_retryable|failed_terminal|executor_error

	LedgerAppends  *prometheus.CounterVec // outcome: inserted|replayed|conflict
	BalanceQueries *prometheus.CounterVec // source: cache|ledger
	JoinAttempts   *prometheus.CounterVec // outcome: joined|already_joined|rejected|error
}

// NewMetrics registers all collectors on the given registerer. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry so
// parallel packages don't collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SettlementsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "settlements_executed_total",
			Help: "Settlement executions by outcome.",
		}, []string{"outcome"}),
		SettlementDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "settlement_duration_seconds",
			Help:    "Wall time of a settlement execution transaction.",
			Buckets: prometheus.DefBuckets,
		}),

		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payout_jobs_processed_total",
			Help: "Payout job processing runs by outcome.",
		}, []string{"outcome"}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "payout_job_duration_seconds",
			Help:    "Wall time of one ProcessJob invocation.",
			Buckets: prometheus.DefBuckets,
		}),
		TransfersDrained: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payout_transfers_drained_total",
			Help: "Transfer attempts by executor result.",
		}, []string{"result"}),

		LedgerAppends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_appends_total",
			Help: "Ledger append attempts by outcome.",
		}, []string{"outcome"}),
		BalanceQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_balance_queries_total",
			Help: "Balance reads by serving source.",
		}, []string{"source"}),
		JoinAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "contest_join_attempts_total",
			Help: "Contest join attempts by outcome.",
		}, []string{"outcome"}),
	}
}
