// Package metrics exposes store gateway observability. Byte counts are
// advisory (UI transparency about transfer volume); nothing reads them back
// for correctness decisions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opdesk_store_bytes_transferred_total",
		Help: "Serialized bytes transferred from the document store, by operation",
	}, []string{"op"})

	subtreeReads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opdesk_store_subtree_reads_total",
		Help: "Total whole-subtree reads issued against the store",
	})

	subtreeReadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opdesk_store_subtree_read_failures_total",
		Help: "Total whole-subtree reads that failed",
	})

	atomicWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opdesk_store_atomic_writes_total",
		Help: "Total atomic multi-path writes, by result",
	}, []string{"result"})
)

// ObserveRead records one subtree read and its transferred bytes.
func ObserveRead(bytes int) {
	subtreeReads.Inc()
	bytesTransferred.WithLabelValues("read_subtree").Add(float64(bytes))
}

// ObserveReadFailure records one failed subtree read.
func ObserveReadFailure() {
	subtreeReads.Inc()
	subtreeReadFailures.Inc()
}

// ObserveSubscribeBytes records bytes delivered over a child subscription.
func ObserveSubscribeBytes(bytes int) {
	bytesTransferred.WithLabelValues("subscribe").Add(float64(bytes))
}

// ObserveWrite records one atomic write attempt.
func ObserveWrite(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	atomicWrites.WithLabelValues(result).Inc()
}
