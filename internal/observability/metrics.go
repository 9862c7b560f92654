package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the withdrawal queue.
type Metrics struct {
	// --- Engine operations ---
	OpsAccepted    *prometheus.CounterVec
	OpsRejected    *prometheus.CounterVec
	OpDuration     *prometheus.HistogramVec
	EngineSequence prometheus.Gauge

	// --- Queue state ---
	SharesQueued     prometheus.Counter
	SharesCancelled  prometheus.Counter
	SharesRolledOver prometheus.Counter
	SharesRetired    prometheus.Counter
	EpochsClosed     prometheus.Counter
	EpochsProcessed  prometheus.Counter
	ProcessFailures  *prometheus.CounterVec
	ClaimsSettled    prometheus.Counter
	ValueReserved    prometheus.Gauge
	ValuePaidOut     prometheus.Counter
	CurrentEpoch     prometheus.Gauge

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     prometheus.Counter
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Snapshot & replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Projections ---
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		OpsAccepted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "redeem_ops_accepted_total",
			Help: "Operations accepted by the engine",
		}, []string{"op"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "redeem_ops_rejected_total",
			Help: "Operations rejected (validation, state, liquidity)",
		}, []string{"op", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "redeem_op_duration_seconds",
			Help:    "Time to execute a single engine operation",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "redeem_engine_sequence",
			Help: "Current global event sequence number",
		}),

		SharesQueued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "redeem_shares_queued_total",
			Help: "Shares submitted into withdrawal requests",
		}),

		SharesCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "redeem_shares_cancelled_total",
			Help: "Shares cancelled out of unprocessed requests",
		}),

		SharesRolledOver: promauto.NewCounter(prometheus.CounterOpts{
			Name: "redeem_shares_rolled_over_total",
			Help: "Shares moved from the current epoch into the next",
		}),

		SharesRetired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "redeem_shares_retired_total",
			Help: "Shares destroyed at epoch processing",
		}),

		EpochsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "redeem_epochs_closed_total",
			Help: "Epochs closed",
		}),

		EpochsProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "redeem_epochs_processed_total",
			Help: "Epochs processed (price locked, value reserved)",
		}),

		ProcessFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "redeem_process_failures_total",
			Help: "Epoch processing attempts that failed",
		}, []string{"reason"}),

		ClaimsSettled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "redeem_claims_settled_total",
			Help: "Claims settled and paid out",
		}),

		ValueReserved: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "redeem_value_reserved",
			Help: "Value reserved for processed epochs, not yet claimed",
		}),

		ValuePaidOut: promauto.NewCounter(prometheus.CounterOpts{
			Name: "redeem_value_paid_out_total",
			Help: "Value transferred to receivers via claims",
		}),

		CurrentEpoch: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "redeem_current_epoch",
			Help: "Identifier of the active epoch",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "redeem_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "redeem_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "redeem_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "redeem_projection_drops_total",
			Help: "Events dropped due to full projection channel",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "redeem_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "redeem_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "redeem_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "redeem_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "redeem_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "redeem_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "redeem_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "redeem_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "redeem_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "redeem_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "redeem_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "redeem_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "redeem_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "redeem_replay_duration_seconds",
			Help: "Total replay time",
		}),

		ProjectionUpdateDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "redeem_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "redeem_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "redeem_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "redeem_query_errors_total",
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
