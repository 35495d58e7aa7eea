package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	EntriesAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "journal_entries_appended_total",
		Help: "Total number of entries appended to the journal",
	})

	BytesAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "journal_bytes_appended_total",
		Help: "Total number of serialized entry bytes appended to the journal",
	})

	EntriesTruncated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "journal_entries_truncated_total",
		Help: "Total number of entries discarded by suffix truncation",
	})

	FlushLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "journal_flush_latency_seconds",
		Help:    "Histogram of journal flush latency",
		Buckets: prometheus.DefBuckets,
	})

	Indexes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "journal_index",
			Help: "Current journal index boundaries",
		},
		[]string{"kind"}, // min, max, commit
	)
)

var (
	SegmentRolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journal_segment_rolls_total",
			Help: "Total number of segment files created by rolling",
		},
		[]string{"store"},
	)

	SegmentsCompacted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journal_segments_compacted_total",
			Help: "Total number of segment files deleted by compaction",
		},
		[]string{"store"},
	)

	Repairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journal_recovery_repairs_total",
			Help: "Total number of repairs applied while recovering",
		},
		[]string{"kind"}, // segment_gap, partial_record, index_dropped, index_rebuilt, data_tail
	)

	SnapshotBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journal_snapshot_bytes_total",
			Help: "Total number of serialized snapshot bytes read or installed",
		},
		[]string{"direction"}, // read, install
	)
)

var (
	ReplicationApplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journal_replication_applies_total",
			Help: "Total number of raft applies by result",
		},
		[]string{"result"}, // success, failure
	)

	IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "journal_replication_is_leader",
		Help: "1 if this node is the raft leader, 0 otherwise",
	})
)
