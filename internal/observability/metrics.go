package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for FolioLedger.
// Every component accepts a nil *Metrics and skips recording.
type Metrics struct {
	// --- Trades ---
	TradesTotal   *prometheus.CounterVec
	TradeAborts   *prometheus.CounterVec
	TradeDuration *prometheus.HistogramVec

	// --- Ledger ---
	LedgerDeltas  *prometheus.CounterVec
	CashOps       *prometheus.CounterVec
	UnitOfWorkDur prometheus.Histogram
	StorageErrors *prometheus.CounterVec

	// --- Premium scheduler ---
	PremiumRuns        *prometheus.CounterVec
	PremiumDebits      *prometheus.CounterVec
	PremiumRunDuration prometheus.Histogram
	PremiumLastPeriod  prometheus.Gauge

	// --- Outbox ---
	OutboxPublished prometheus.Counter
	OutboxFailures  *prometheus.CounterVec
	OutboxPending   prometheus.Gauge
	OutboxBatchDur  prometheus.Histogram

	// --- Underwriting ---
	UnderwritingDecisions *prometheus.CounterVec
	RiskScoreDuration     prometheus.Histogram
	BreakerState          *prometheus.GaugeVec

	// --- API ---
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on reg. Pass
// prometheus.DefaultRegisterer in the binary and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	storageBuckets := []float64{
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025,
		0.05, 0.1, 0.25, 0.5, 1, 2.5,
	}

	return &Metrics{
		TradesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "folio_trades_total",
			Help: "Trade requests by side and outcome",
		}, []string{"side", "outcome"}),

		TradeAborts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "folio_trade_aborts_total",
			Help: "Aborted trades by the last stage reached and error kind",
		}, []string{"side", "stage", "reason"}),

		TradeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "folio_trade_duration_seconds",
			Help:    "Validation to commit latency of a trade",
			Buckets: storageBuckets,
		}, []string{"side"}),

		LedgerDeltas: f.NewCounterVec(prometheus.CounterOpts{
			Name: "folio_ledger_deltas_total",
			Help: "Balance snapshots written by direction",
		}, []string{"direction"}),

		CashOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "folio_cash_operations_total",
			Help: "Deposits and withdrawals by outcome",
		}, []string{"op", "outcome"}),

		UnitOfWorkDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "folio_unit_of_work_duration_seconds",
			Help:    "Begin to commit/rollback duration of a unit of work",
			Buckets: storageBuckets,
		}),

		StorageErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "folio_storage_errors_total",
			Help: "Storage failures by operation",
		}, []string{"op"}),

		PremiumRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "folio_premium_runs_total",
			Help: "Premium scheduler runs by outcome",
		}, []string{"outcome"}),

		PremiumDebits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "folio_premium_debits_total",
			Help: "Per-obligation premium debit attempts by outcome",
		}, []string{"outcome"}),

		PremiumRunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "folio_premium_run_duration_seconds",
			Help:    "Duration of one premium scheduler run",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),

		PremiumLastPeriod: f.NewGauge(prometheus.GaugeOpts{
			Name: "folio_premium_last_period_timestamp_seconds",
			Help: "Start of the billing period processed by the last run",
		}),

		OutboxPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "folio_outbox_published_total",
			Help: "Outbox messages published to NATS",
		}),

		OutboxFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "folio_outbox_failures_total",
			Help: "Outbox failures by stage",
		}, []string{"stage"}),

		OutboxPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "folio_outbox_pending",
			Help: "Unpublished outbox messages seen by the last poll",
		}),

		OutboxBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "folio_outbox_batch_duration_seconds",
			Help:    "Time to publish and acknowledge one outbox batch",
			Buckets: storageBuckets,
		}),

		UnderwritingDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "folio_underwriting_decisions_total",
			Help: "Insurance applications by decision and reason",
		}, []string{"decision", "reason"}),

		RiskScoreDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "folio_risk_score_duration_seconds",
			Help:    "Latency of the external risk-scoring call",
			Buckets: storageBuckets,
		}),

		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "folio_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "folio_api_requests_total",
			Help: "API requests by method and code",
		}, []string{"method", "code"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "folio_api_request_duration_seconds",
			Help:    "API request latency by method",
			Buckets: storageBuckets,
		}, []string{"method"}),
	}
}
