package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PredictCore.
// Every component takes a *Metrics and treats nil as "metrics disabled".
type Metrics struct {
	// --- Execution ---
	BatchesExecuted *prometheus.CounterVec
	BatchesAborted  *prometheus.CounterVec
	BatchDuration   *prometheus.HistogramVec
	BatchSize       prometheus.Histogram
	TradesExecuted  *prometheus.CounterVec
	TradesRejected  *prometheus.CounterVec
	LastBatchID     *prometheus.GaugeVec
	StateHashDur    prometheus.Histogram

	// --- Pricing ---
	SolverIterations     *prometheus.HistogramVec
	SolverNonConvergence *prometheus.CounterVec

	// --- Intake ---
	CommitsTotal       *prometheus.CounterVec
	RevealsTotal       *prometheus.CounterVec
	CommitmentsExpired *prometheus.CounterVec
	PendingCommitments *prometheus.GaugeVec
	DedupLRUSize       prometheus.Gauge
	DedupLRUEvictions  prometheus.Counter
	DedupTier2Duration prometheus.Histogram

	// --- Risk ---
	BreakerTrips         *prometheus.CounterVec
	BreakerPhase         *prometheus.GaugeVec
	LiquidationQueueSize *prometheus.GaugeVec
	DetectorFindings     *prometheus.CounterVec
	TierCacheHits        prometheus.Counter
	TierCacheMisses      prometheus.Counter

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	PublishDrops       prometheus.Counter
	Published          prometheus.Counter
	IngestMessages     *prometheus.CounterVec
	ProjectionDrops    prometheus.Counter
	ProjectionErrors   prometheus.Counter
	ProjectionSeq      prometheus.Gauge

	// --- Persistence ---
	PersistResultsWritten prometheus.Counter
	PersistBatchSize      prometheus.Histogram
	PersistBatchDur       prometheus.Histogram
	PersistErrors         *prometheus.CounterVec
	PersistRetry          prometheus.Counter
	SnapshotTaken         prometheus.Counter
	SnapshotDuration      prometheus.Histogram

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in the service and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Execution
		BatchesExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_core_batches_executed_total",
			Help: "Batches run to completion",
		}, []string{"market"}),

		BatchesAborted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_core_batches_aborted_total",
			Help: "Batches aborted by an invariant violation",
		}, []string{"market"}),

		BatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "predict_core_batch_duration_seconds",
			Help:    "Time to execute one batch",
			Buckets: latencyBuckets,
		}, []string{"market"}),

		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "predict_core_batch_size",
			Help:    "Intents per released batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),

		TradesExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_core_trades_executed_total",
			Help: "Trades committed",
		}, []string{"market", "curve"}),

		TradesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_core_trades_rejected_total",
			Help: "Trades rejected, by reason",
		}, []string{"market", "reason"}),

		LastBatchID: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "predict_core_last_batch_id",
			Help: "Last executed batch id",
		}, []string{"market"}),

		StateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "predict_core_state_hash_duration_seconds",
			Help:    "Time to compute a batch state hash",
			Buckets: latencyBuckets,
		}),

		// Pricing
		SolverIterations: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "predict_amm_solver_iterations",
			Help:    "Newton-Raphson iterations per solve",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16, 24, 32},
		}, []string{"curve", "kind"}),

		SolverNonConvergence: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_amm_solver_nonconvergence_total",
			Help: "Solves that exhausted the iteration budget",
		}, []string{"market", "curve"}),

		// Intake
		CommitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_intake_commits_total",
			Help: "Commitments submitted, by result",
		}, []string{"market", "result"}),

		RevealsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_intake_reveals_total",
			Help: "Reveals submitted, by result",
		}, []string{"market", "result"}),

		CommitmentsExpired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_intake_commitments_expired_total",
			Help: "Commitments expired without a reveal",
		}, []string{"market"}),

		PendingCommitments: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "predict_intake_pending_commitments",
			Help: "Commitments holding a queue slot",
		}, []string{"market"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "predict_intake_dedup_lru_size",
			Help: "Consumed commitment hashes held in memory",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_intake_dedup_lru_evictions_total",
			Help: "Consumed hashes evicted from the LRU",
		}),

		DedupTier2Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "predict_intake_dedup_tier2_duration_seconds",
			Help:    "Postgres commitment lookup latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),

		// Risk
		BreakerTrips: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_risk_breaker_trips_total",
			Help: "Circuit breaker trips, by reason",
		}, []string{"market", "reason"}),

		BreakerPhase: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "predict_risk_breaker_phase",
			Help: "Breaker phase (0=inactive 1=tripped 2=cooling)",
		}, []string{"market"}),

		LiquidationQueueSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "predict_risk_liquidation_queue_size",
			Help: "Accounts below maintenance margin",
		}, []string{"market"}),

		DetectorFindings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_risk_detector_findings_total",
			Help: "Manipulation patterns flagged",
		}, []string{"market", "pattern"}),

		TierCacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_risk_tier_cache_hits_total",
			Help: "Leverage tier cache hits",
		}),

		TierCacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_risk_tier_cache_misses_total",
			Help: "Leverage tier cache misses",
		}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "predict_channel_size",
			Help: "Current channel occupancy",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "predict_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "predict_channel_utilization_ratio",
			Help: "Channel size / capacity",
		}, []string{"channel"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_publish_drops_total",
			Help: "Batch results dropped by the outbound publisher",
		}),

		Published: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_published_total",
			Help: "Batch results published to NATS",
		}),

		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_projection_drops_total",
			Help: "Results dropped before reaching the projection worker",
		}),

		ProjectionErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_projection_errors_total",
			Help: "Projection updates that failed",
		}),

		ProjectionSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "predict_projection_last_sequence",
			Help: "Last result sequence applied to the projections",
		}),

		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_ingest_messages_total",
			Help: "Inbound NATS messages, by kind and result",
		}, []string{"kind", "result"}),

		// Persistence
		PersistResultsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_persist_results_written_total",
			Help: "Trade results written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "predict_persist_batch_size",
			Help:    "Batch results per Postgres flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "predict_persist_batch_duration_seconds",
			Help:    "Postgres flush duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_persist_errors_total",
			Help: "Persistence failures",
		}, []string{"op"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_persist_retry_total",
			Help: "Flush retries",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_snapshot_taken_total",
			Help: "Market snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "predict_snapshot_duration_seconds",
			Help:    "Snapshot write duration",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "predict_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
