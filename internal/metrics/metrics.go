package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// Swap lifecycle metrics
	// ============================================
	SwapsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_swaps_created_total",
			Help: "Total number of swap transactions accepted",
		},
		[]string{"chain", "token"},
	)

	SwapsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backend_swaps_by_status",
			Help: "Current number of swap transactions per status",
		},
		[]string{"status"},
	)

	SwapsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backend_swaps_completed_total",
		Help: "Total number of swaps settled end to end",
	})

	SwapsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_swaps_failed_total",
			Help: "Total number of swaps entering a failure state",
		},
		[]string{"stage"},
	)

	// ============================================
	// Settlement worker metrics
	// ============================================
	WorkerTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backend_worker_ticks_total",
		Help: "Total number of worker scheduling passes",
	})

	WorkerClaims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backend_worker_claims_total",
		Help: "Total number of transactions claimed for processing",
	})

	WorkerRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_worker_retries_total",
			Help: "Total number of retry attempts recorded",
		},
		[]string{"stage"},
	)

	WorkerProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backend_worker_processing_duration_seconds",
			Help:    "Per-transaction processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	StuckTransfersRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backend_stuck_transfers_recovered_total",
		Help: "Total number of stuck transfers reset for reprocessing",
	})

	// ============================================
	// Payment verification metrics
	// ============================================
	PaymentVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_payment_verifications_total",
			Help: "Payment verification attempts by outcome",
		},
		[]string{"chain", "outcome"},
	)

	// ============================================
	// CIRX transfer metrics
	// ============================================
	CirxTransfersSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backend_cirx_transfers_submitted_total",
		Help: "Total number of CIRX transfers submitted to the NAG",
	})

	CirxDispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_cirx_dispatch_outcomes_total",
			Help: "CIRX transfer dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)

	TreasuryBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backend_treasury_balance",
			Help: "Treasury wallet CIRX balance",
		},
		[]string{"address"},
	)

	// ============================================
	// NATS metrics
	// ============================================
	NATSConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_nats_connection_status",
		Help: "NATS connection status (1=connected, 0=disconnected)",
	})

	NATSEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_nats_events_published_total",
			Help: "Total number of swap events published",
		},
		[]string{"event_type"},
	)

	NATSPublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_nats_publish_failures_total",
			Help: "Total number of failed event publishes",
		},
		[]string{"event_type"},
	)

	// ============================================
	// Monitoring metrics
	// ============================================
	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_alerts_raised_total",
			Help: "Monitoring alerts raised by type and severity",
		},
		[]string{"type", "severity"},
	)

	FailureRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_failure_rate_percent",
		Help: "Failure rate over the configured monitoring window",
	})

	StuckTransactions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_stuck_transactions",
		Help: "Number of transactions stalled beyond the stuck threshold",
	})
)
