// Package metrics exposes the archiver's Prometheus metrics. The fallback
// queue gauges make the "store unreachable, backlog waiting forever" state
// observable.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	SourceDirect   = "direct"
	SourceFallback = "fallback"

	ResultSuccess = "success"
	ResultFailure = "failure"
)

var (
	// uploadsTotal counts archive outcomes by source and result.
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rainwal_uploads_total",
		Help: "Total number of segment uploads by source (direct, fallback) and result",
	}, []string{"source", "result"})

	// uploadAttemptsTotal counts individual PUT attempts.
	uploadAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rainwal_upload_attempts_total",
		Help: "Total number of object store PUT attempts",
	})

	// fallbackEnqueuedTotal counts segments placed in the fallback queue.
	fallbackEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rainwal_fallback_enqueued_total",
		Help: "Total number of segments placed in the local fallback queue",
	})

	// fallbackEnqueueFailures counts segments that could not be queued.
	fallbackEnqueueFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rainwal_fallback_enqueue_failures_total",
		Help: "Total number of segments that could be neither uploaded nor queued",
	})

	// fallbackQueueDepth is the current number of queued segments.
	fallbackQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rainwal_fallback_queue_depth",
		Help: "Current number of segments waiting in the local fallback queue",
	})

	// fallbackOldestAge is the age of the oldest queued segment.
	fallbackOldestAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rainwal_fallback_oldest_age_seconds",
		Help: "Age in seconds of the oldest segment in the fallback queue (0 when empty)",
	})

	// lastUploadSuccess is the unix time of the last confirmed upload.
	lastUploadSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rainwal_last_upload_success_timestamp_seconds",
		Help: "Unix timestamp of the last confirmed segment upload",
	})

	// prunedPartitionsTotal counts deleted date partitions.
	prunedPartitionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rainwal_pruned_partitions_total",
		Help: "Total number of remote date partitions removed by retention",
	})

	// prunedObjectsTotal counts deleted objects.
	prunedObjectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rainwal_pruned_objects_total",
		Help: "Total number of remote objects removed by retention",
	})

	// partitionParseErrors counts partitions skipped because the token is not a date.
	partitionParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rainwal_partition_parse_errors_total",
		Help: "Total number of remote partitions skipped because the name is not a date",
	})

	// cycleErrorsTotal counts daemon cycles that ended with an error or panic.
	cycleErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rainwal_cycle_errors_total",
		Help: "Total number of daemon cycles that reported an error",
	})

	// cycleDuration measures daemon cycle latency.
	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rainwal_cycle_duration_seconds",
		Help:    "Daemon cycle duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~200s
	})
)

// RecordUpload records the outcome of one archive call.
func RecordUpload(source string, ok bool, attempts int, at time.Time) {
	result := ResultFailure
	if ok {
		result = ResultSuccess
		lastUploadSuccess.Set(float64(at.Unix()))
	}
	uploadsTotal.WithLabelValues(source, result).Inc()
	uploadAttemptsTotal.Add(float64(attempts))
}

// RecordEnqueue records a fallback hand-off.
func RecordEnqueue(ok bool) {
	if ok {
		fallbackEnqueuedTotal.Inc()
		return
	}
	fallbackEnqueueFailures.Inc()
}

// UpdateQueue sets the fallback queue gauges.
func UpdateQueue(depth int, oldest, now time.Time) {
	fallbackQueueDepth.Set(float64(depth))
	if depth == 0 || oldest.IsZero() {
		fallbackOldestAge.Set(0)
		return
	}
	fallbackOldestAge.Set(now.Sub(oldest).Seconds())
}

// RecordPrune adds retention results.
func RecordPrune(partitions, objects, skipped int) {
	prunedPartitionsTotal.Add(float64(partitions))
	prunedObjectsTotal.Add(float64(objects))
	partitionParseErrors.Add(float64(skipped))
}

// RecordCycle records one daemon cycle.
func RecordCycle(d time.Duration, failed bool) {
	cycleDuration.Observe(d.Seconds())
	if failed {
		cycleErrorsTotal.Inc()
	}
}
