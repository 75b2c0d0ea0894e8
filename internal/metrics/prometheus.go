package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "misty"

// Metrics holds all Prometheus metrics for an index node
type Metrics struct {
	// Shard metrics
	AcceptsTotal            *prometheus.CounterVec
	ChildSeedsTotal         *prometheus.CounterVec
	QueriesTotal            *prometheus.CounterVec
	QueryDuration           prometheus.Histogram
	CompactionsTotal        prometheus.Counter
	CompactionDuration      prometheus.Histogram
	SplitsTotal             *prometheus.CounterVec
	SplitResidualSegments   prometheus.Counter
	SplitFailedChildren     prometheus.Counter
	TerminalResolutionTotal prometheus.Counter
	PersistFailuresTotal    prometheus.Counter
	ActiveShards            prometheus.Gauge
	ShardEvictionsTotal     prometheus.Counter
	ShardActivationsTotal   prometheus.Counter
	ShardMergedSegments     prometheus.Counter

	// Directory metrics
	DirectoryEntries        prometheus.Gauge
	DirectoryResolvesTotal  *prometheus.CounterVec
	TerritoryCreationsTotal prometheus.Counter
	DirectorySplitsTotal    *prometheus.CounterVec

	// Protocol metrics
	WidenRoundsTotal      *prometheus.CounterVec
	TransportRetriesTotal *prometheus.CounterVec
	ProtocolFailuresTotal *prometheus.CounterVec
	ProtocolDuration      *prometheus.HistogramVec

	// Collaborator metrics
	PointsTotal            *prometheus.CounterVec
	SimilarityQueriesTotal prometheus.Counter
	SimilarityCandidates   prometheus.Histogram

	// Gossip metrics
	GossipMembersTotal  prometheus.Gauge
	GossipMessagesTotal *prometheus.CounterVec

	// System metrics
	MemoryUsageBytes prometheus.Gauge
	Goroutines       prometheus.Gauge
}

// NewMetrics creates and registers all metrics on reg
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		// Shard metrics
		AcceptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "shard",
			Name:        "accepts_total",
			Help:        "Total number of segment deliveries by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		ChildSeedsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "shard",
			Name:        "child_seeds_total",
			Help:        "Total number of initializeAsChild calls received by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		QueriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "shard",
			Name:        "queries_total",
			Help:        "Total number of shard queries by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		QueryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "shard",
			Name:        "query_duration_seconds",
			Help:        "Histogram of shard query durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 14), // 100us to ~1.6s
		}),
		CompactionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "shard",
			Name:        "compactions_total",
			Help:        "Total number of buffer compactions",
			ConstLabels: labels,
		}),
		CompactionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "shard",
			Name:        "compaction_duration_seconds",
			Help:        "Histogram of compaction durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		SplitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "shard",
			Name:        "splits_total",
			Help:        "Total number of split attempts by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		SplitResidualSegments: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "shard",
			Name:        "split_residual_segments_total",
			Help:        "Segments that mapped to no child of the covering during a split",
			ConstLabels: labels,
		}),
		SplitFailedChildren: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "shard",
			Name:        "split_failed_children_total",
			Help:        "Child shards that could not be seeded during a split",
			ConstLabels: labels,
		}),
		TerminalResolutionTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "shard",
			Name:        "terminal_resolution_total",
			Help:        "Shards over the split threshold at the finest resolution",
			ConstLabels: labels,
		}),
		PersistFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "shard",
			Name:        "persist_failures_total",
			Help:        "Total number of failed state flushes",
			ConstLabels: labels,
		}),
		ActiveShards: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "shard",
			Name:        "active",
			Help:        "Number of shards currently activated on this node",
			ConstLabels: labels,
		}),
		ShardEvictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "shard",
			Name:        "evictions_total",
			Help:        "Total number of shard deactivations",
			ConstLabels: labels,
		}),
		ShardActivationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "shard",
			Name:        "activations_total",
			Help:        "Total number of shard activations",
			ConstLabels: labels,
		}),
		ShardMergedSegments: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "shard",
			Name:        "merged_segments_total",
			Help:        "Segments adopted from state persisted by another activation of the same cell",
			ConstLabels: labels,
		}),

		// Directory metrics
		DirectoryEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "directory",
			Name:        "entries",
			Help:        "Number of in-service cells",
			ConstLabels: labels,
		}),
		DirectoryResolvesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "directory",
			Name:        "resolves_total",
			Help:        "Total number of directory lookups by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		TerritoryCreationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "directory",
			Name:        "territory_creations_total",
			Help:        "Cells lazily created for points outside every entry",
			ConstLabels: labels,
		}),
		DirectorySplitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "directory",
			Name:        "splits_total",
			Help:        "Split notifications by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),

		// Protocol metrics
		WidenRoundsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "protocol",
			Name:        "widen_rounds_total",
			Help:        "Expansion-retry rounds after a rejection",
			ConstLabels: labels,
		}, []string{"protocol"}),
		TransportRetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "protocol",
			Name:        "transport_retries_total",
			Help:        "Retries of the same target after a transient failure",
			ConstLabels: labels,
		}, []string{"protocol"}),
		ProtocolFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "protocol",
			Name:        "failures_total",
			Help:        "Writes or reads that failed to complete",
			ConstLabels: labels,
		}, []string{"protocol"}),
		ProtocolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "protocol",
			Name:        "duration_seconds",
			Help:        "Histogram of end-to-end write and read durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"protocol"}),

		// Collaborator metrics
		PointsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "assembler",
			Name:        "points_total",
			Help:        "Trajectory points received by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		SimilarityQueriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "query_agent",
			Name:        "similarity_queries_total",
			Help:        "Total number of similarity queries",
			ConstLabels: labels,
		}),
		SimilarityCandidates: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "query_agent",
			Name:        "candidates",
			Help:        "Candidate trajectories per similarity query",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 12),
		}),

		// Gossip metrics
		GossipMembersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "gossip",
			Name:        "members_total",
			Help:        "Number of live cluster members",
			ConstLabels: labels,
		}),
		GossipMessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "gossip",
			Name:        "messages_total",
			Help:        "Membership events by type",
			ConstLabels: labels,
		}, []string{"type"}),

		// System metrics
		MemoryUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Heap memory in use",
			ConstLabels: labels,
		}),
		Goroutines: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "goroutines",
			Help:        "Number of goroutines",
			ConstLabels: labels,
		}),
	}
}

// NewNopMetrics returns metrics registered on a private registry
func NewNopMetrics() *Metrics {
	return NewMetrics("test", prometheus.NewRegistry())
}

// RecordAccept records the outcome of a delivery
func (m *Metrics) RecordAccept(accepted bool) {
	if accepted {
		m.AcceptsTotal.WithLabelValues("accepted").Inc()
		return
	}
	m.AcceptsTotal.WithLabelValues("rejected").Inc()
}

// RecordQuery records a shard query
func (m *Metrics) RecordQuery(ok bool, duration float64) {
	if ok {
		m.QueriesTotal.WithLabelValues("ok").Inc()
	} else {
		m.QueriesTotal.WithLabelValues("rejected").Inc()
	}
	m.QueryDuration.Observe(duration)
}

// RecordCompaction records one compaction
func (m *Metrics) RecordCompaction(duration float64) {
	m.CompactionsTotal.Inc()
	m.CompactionDuration.Observe(duration)
}

// RecordSplit records a split attempt with its residual and failed children
func (m *Metrics) RecordSplit(outcome string, residual, failedChildren int) {
	m.SplitsTotal.WithLabelValues(outcome).Inc()
	m.SplitResidualSegments.Add(float64(residual))
	m.SplitFailedChildren.Add(float64(failedChildren))
}

// RecordProtocol records the end of a write or read
func (m *Metrics) RecordProtocol(protocol string, duration float64, err error) {
	m.ProtocolDuration.WithLabelValues(protocol).Observe(duration)
	if err != nil {
		m.ProtocolFailuresTotal.WithLabelValues(protocol).Inc()
	}
}

// UpdateSystemStats updates runtime gauges
func (m *Metrics) UpdateSystemStats(memoryUsage int64, goroutines int) {
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.Goroutines.Set(float64(goroutines))
}
