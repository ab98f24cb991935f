package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the curve pool service.
type Metrics struct {
	// --- Core ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreJournals         *prometheus.CounterVec
	CoreSequence         prometheus.Gauge

	// --- Pools ---
	PoolSupply      *prometheus.GaugeVec
	PoolReserve     *prometheus.GaugeVec
	TradeVolume     *prometheus.CounterVec
	FeesCharged     prometheus.Counter
	FeesWithdrawn   prometheus.Counter
	SlippageRejects *prometheus.CounterVec

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	ApplyToPersist      prometheus.Histogram
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channels ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    *prometheus.CounterVec
	PublishDrops       prometheus.Counter

	// --- Ingestion ---
	IngestCommands  *prometheus.CounterVec
	PublishedEvents *prometheus.CounterVec

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Errors      prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// uses the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CoreCommandsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "curve_core_commands_applied_total",
			Help: "Commands successfully applied by the engine",
		}, []string{"op"}),

		CoreCommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "curve_core_commands_rejected_total",
			Help: "Commands rejected, by failure kind",
		}, []string{"op", "kind"}),

		CoreCommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "curve_core_command_duration_seconds",
			Help:    "Time to apply a single command in the engine",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "curve_core_journals_generated_total",
			Help: "Custody journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "curve_core_sequence",
			Help: "Next event log sequence",
		}),

		PoolSupply: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "curve_pool_supply",
			Help: "Tokens held by a pool, in base units",
		}, []string{"asset"}),

		PoolReserve: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "curve_pool_quote_reserve",
			Help: "Quote reserve backing a pool, in base units",
		}, []string{"asset"}),

		TradeVolume: f.NewCounterVec(prometheus.CounterOpts{
			Name: "curve_trade_quote_volume_total",
			Help: "Gross quote traded, in base units",
		}, []string{"side"}),

		FeesCharged: f.NewCounter(prometheus.CounterOpts{
			Name: "curve_fees_charged_total",
			Help: "Trade fees retained by the engine, in quote base units",
		}),

		FeesWithdrawn: f.NewCounter(prometheus.CounterOpts{
			Name: "curve_fees_withdrawn_total",
			Help: "Quote withdrawn by the fee collector, in base units",
		}),

		SlippageRejects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "curve_slippage_rejects_total",
			Help: "Trades refused because the quoted output was below the caller's minimum",
		}, []string{"side"}),

		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "curve_ingest_to_apply_seconds",
			Help:    "Command receive to engine apply complete",
			Buckets: ingestBuckets,
		}, []string{"command"}),

		ApplyToPersist: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "curve_apply_to_persist_seconds",
			Help:    "Engine emit to Postgres commit",
			Buckets: latencyBuckets,
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "curve_persist_batch_duration_seconds",
			Help:    "Time to write one persistence batch",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "curve_projection_update_duration_seconds",
			Help:    "Time to apply one event to a projection",
			Buckets: latencyBuckets,
		}, []string{"projection"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "curve_channel_size",
			Help: "Current buffered items per channel",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "curve_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "curve_channel_utilization",
			Help: "Channel size over capacity",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "curve_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}, []string{"channel"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "curve_publish_drops_total",
			Help: "Outbound events dropped because the publish buffer was full",
		}),

		IngestCommands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "curve_ingest_commands_total",
			Help: "Commands received from NATS, by outcome",
		}, []string{"command", "outcome"}),

		PublishedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "curve_published_events_total",
			Help: "Outbound events published, by result",
		}, []string{"result"}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "curve_idempotency_duplicates_total",
			Help: "Duplicate commands detected, by tier",
		}, []string{"tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "curve_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "curve_dedup_tier2_errors_total",
			Help: "Postgres idempotency lookups that failed",
		}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "curve_persist_events_written_total",
			Help: "Events written to the event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "curve_persist_journals_written_total",
			Help: "Journals written to the event log",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "curve_persist_batch_size",
			Help:    "Events per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "curve_persist_errors_total",
			Help: "Persistence failures",
		}, []string{"operation"}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "curve_persist_last_sequence",
			Help: "Last sequence committed to Postgres",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "curve_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "curve_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "curve_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "curve_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "curve_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "curve_replay_duration_seconds",
			Help: "Total replay time",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "curve_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "curve_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "curve_query_errors_total",
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
