package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ledger service.
// A nil *Metrics is valid everywhere it is accepted and records nothing.
type Metrics struct {
	// --- Settlement engine ---
	BatchesApplied     *prometheus.CounterVec
	Settlements        *prometheus.CounterVec
	SettlementDuration *prometheus.HistogramVec
	ReentrancyRejected *prometheus.CounterVec
	PendingOperations  prometheus.Gauge
	LedgerSequence     prometheus.Gauge
	SharePrice         prometheus.Gauge
	TransferDuration   prometheus.Histogram
	TransferFailures   *prometheus.CounterVec
	RecoveryRollbacks  prometheus.Counter
	StateHashDuration  prometheus.Histogram

	// --- Request queue ---
	QueueLength   prometheus.Gauge
	QueueIndex    prometheus.Gauge
	QueueOutcomes *prometheus.CounterVec

	// --- Oracle ---
	OracleReadings    *prometheus.CounterVec
	OracleBreakerOpen prometheus.Gauge

	// --- Channels & backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    *prometheus.CounterVec
	PublishDrops       prometheus.Counter

	// --- Ingestion & idempotency ---
	DepositsIngested      *prometheus.CounterVec
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Duration    prometheus.Histogram

	// --- Persistence ---
	PersistBatchesWritten prometheus.Counter
	PersistBatchSize      prometheus.Histogram
	PersistBatchDur       prometheus.Histogram
	PersistErrors         *prometheus.CounterVec
	PersistRetry          prometheus.Counter
	PersistLastSequence   prometheus.Gauge

	// --- Snapshot & replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayBatches     prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in binaries and prometheus.NewRegistry() in
// tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	transferBuckets := []float64{
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
	}

	return &Metrics{
		// Settlement engine
		BatchesApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "safe_ledger_batches_applied_total",
			Help: "Ledger batches applied",
		}, []string{"kind"}),

		Settlements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "safe_ledger_settlements_total",
			Help: "Settlements by terminal outcome",
		}, []string{"outcome"}),

		SettlementDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "safe_ledger_settlement_duration_seconds",
			Help:    "Time from request to terminal state",
			Buckets: transferBuckets,
		}, []string{"outcome"}),

		ReentrancyRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "safe_ledger_reentrancy_rejected_total",
			Help: "Nested calls rejected by the reentrancy guard",
		}, []string{"operation"}),

		PendingOperations: f.NewGauge(prometheus.GaugeOpts{
			Name: "safe_ledger_pending_operations",
			Help: "Operations currently Reserved",
		}),

		LedgerSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "safe_ledger_sequence",
			Help: "Last applied batch sequence",
		}),

		SharePrice: f.NewGauge(prometheus.GaugeOpts{
			Name: "safe_ledger_share_price",
			Help: "Current share price (1.0 when empty)",
		}),

		TransferDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "safe_ledger_transfer_duration_seconds",
			Help:    "Transfer sink call duration",
			Buckets: transferBuckets,
		}),

		TransferFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "safe_ledger_transfer_failures_total",
			Help: "Transfer sink failures",
		}, []string{"reason"}),

		RecoveryRollbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "safe_ledger_recovery_rollbacks_total",
			Help: "Reserved operations rolled back during recovery",
		}),

		StateHashDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "safe_ledger_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		// Request queue
		QueueLength: f.NewGauge(prometheus.GaugeOpts{
			Name: "safe_ledger_queue_length",
			Help: "Entries ever enqueued",
		}),

		QueueIndex: f.NewGauge(prometheus.GaugeOpts{
			Name: "safe_ledger_queue_current_index",
			Help: "Sequence of the queue head",
		}),

		QueueOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "safe_ledger_queue_outcomes_total",
			Help: "Queue entry transitions",
		}, []string{"outcome"}),

		// Oracle
		OracleReadings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "safe_ledger_oracle_readings_total",
			Help: "Oracle readings by status",
		}, []string{"status"}),

		OracleBreakerOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "safe_ledger_oracle_breaker_open",
			Help: "1 while the oracle breaker is open",
		}),

		// Channels
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "safe_ledger_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "safe_ledger_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "safe_ledger_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "safe_ledger_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "safe_ledger_publish_drops_total",
			Help: "Events that failed to publish",
		}),

		// Ingestion
		DepositsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "safe_ledger_deposits_ingested_total",
			Help: "Deposit messages by result",
		}, []string{"result"}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "safe_ledger_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/store)",
		}, []string{"tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "safe_ledger_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "safe_ledger_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "safe_ledger_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: latencyBuckets,
		}),

		// Persistence
		PersistBatchesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "safe_ledger_persist_batches_written_total",
			Help: "Ledger batches written to the journal store",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "safe_ledger_persist_batch_size",
			Help:    "Outputs per persisted write",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "safe_ledger_persist_batch_duration_seconds",
			Help:    "Journal store write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "safe_ledger_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "safe_ledger_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "safe_ledger_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "safe_ledger_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "safe_ledger_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "safe_ledger_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "safe_ledger_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayBatches: f.NewCounter(prometheus.CounterOpts{
			Name: "safe_ledger_replay_batches_total",
			Help: "Batches replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "safe_ledger_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "safe_ledger_api_requests_total",
			Help: "API requests by method and result code",
		}, []string{"method", "code"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "safe_ledger_api_duration_seconds",
			Help:    "API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	if m == nil {
		return
	}
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
