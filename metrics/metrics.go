// Package metrics defines prometheus metric types and provides convenience
// methods to add accounting to various parts of the pipeline.
//
// When defining new operations or metrics, these are helpful values to track:
//  - things coming into or go out of the system: events, snapshots, lookups.
//  - the success or error status of any of the above.
//  - the distribution of processing latency.
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventCount counts probe records ingested, labelled by the ring
	// buffer they arrived on (tcp4, tcp6, udp4, udp6).
	//
	// Example usage:
	//   metrics.EventCount.WithLabelValues("tcp4").Inc()
	EventCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netw_events_total",
			Help: "The total number of probe records ingested.",
		}, []string{"buffer"})

	// LostSampleCount counts ring-buffer records the kernel dropped
	// because user space was not draining fast enough.  Aggregate
	// counters are a lower bound whenever this is nonzero.
	LostSampleCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netw_lost_samples_total",
			Help: "The total number of ring-buffer samples dropped by the kernel.",
		}, []string{"buffer"})

	// DecodeErrorCount counts samples the decoder rejected.  This should
	// stay at zero with a matched probe/decoder pair.
	DecodeErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netw_decode_errors_total",
			Help: "The total number of undecodable ring-buffer samples.",
		}, []string{"buffer"})

	// BatchSizeHistogram tracks how many records each poll pass drained.
	BatchSizeHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "netw_poll_batch_size_histogram",
			Help: "records drained per polling pass",
			Buckets: []float64{
				1, 2, 3, 4, 5, 6, 8,
				10, 12.5, 16, 20, 25, 32, 40, 50, 63, 79,
				100, 125, 160, 200, 250, 320, 400, 500, 630, 790,
				1000, 10000,
			},
		})

	// SnapshotCount counts snapshotter ticks that committed.
	SnapshotCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netw_snapshot_total",
			Help: "Number of snapshots committed to the store.",
		})

	// SnapshotErrorCount counts snapshotter ticks that rolled back.
	SnapshotErrorCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netw_snapshot_error_total",
			Help: "Number of snapshot transactions rolled back.",
		})

	// SnapshotTimeHistogram tracks the latency of one snapshot
	// transaction, from clone to commit.
	SnapshotTimeHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "netw_snapshot_time_histogram",
			Help: "snapshot transaction latency distribution (seconds)",
			Buckets: []float64{
				0.001, 0.0025, 0.0063,
				0.01, 0.025, 0.063,
				0.1, 0.25, 0.63,
				1, 2.5, 6.3, 10,
			},
		})

	// DNSLookupCount counts reverse lookups, labelled by outcome
	// (ok, error, dropped).
	DNSLookupCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netw_dns_lookup_total",
			Help: "The total number of reverse DNS lookups attempted.",
		}, []string{"status"})

	// CommErrorCount counts failed /proc/<pid>/comm reads.  These are
	// expected for short-lived processes that exit before we look.
	CommErrorCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netw_comm_error_total",
			Help: "Number of failed process name reads.",
		})

	// ProcessCountHistogram tracks the table size observed at each
	// snapshot tick.
	ProcessCountHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "netw_process_count_histogram",
			Help: "process table size at snapshot time",
			Buckets: []float64{
				1, 2, 3, 4, 5, 6, 8,
				10, 12.5, 16, 20, 25, 32, 40, 50, 63, 79,
				100, 125, 160, 200, 250, 320, 400, 500, 630, 790,
				1000, 10000,
			},
		})
)

// init() prints a log message to let the user know that the package has been
// loaded and the metrics registered. The metrics are auto-registered, which
// means they are registered as soon as this package is loaded, and the exact
// time this occurs (and whether this occurs at all in a given context) can be
// opaque.
func init() {
	log.Println("Prometheus metrics in netw.metrics are registered.")
}
