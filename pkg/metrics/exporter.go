package metrics

import (
	"fmt"
	"net/http"

	"github.com/downfa11-org/go-journal/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func init() {
	prometheus.MustRegister(EntriesAppended, BytesAppended, EntriesTruncated, FlushLatency, Indexes)
	prometheus.MustRegister(SegmentRolls, SegmentsCompacted, Repairs, SnapshotBytes)
	prometheus.MustRegister(ReplicationApplies, IsLeader)
}

func StartMetricsServer(port int) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", port)
		util.Info("Prometheus exporter listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			util.Error("failed to start metrics server: %v", err)
		}
	}()
}

// PushAppend records one append call of n entries totalling size bytes.
func PushAppend(n int, size int) {
	EntriesAppended.Add(float64(n))
	BytesAppended.Add(float64(size))
}

// SetIndexes publishes the journal boundaries.
func SetIndexes(min, max, commit uint64) {
	Indexes.WithLabelValues("min").Set(float64(min))
	Indexes.WithLabelValues("max").Set(float64(max))
	Indexes.WithLabelValues("commit").Set(float64(commit))
}
