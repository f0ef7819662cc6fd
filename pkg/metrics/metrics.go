package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncFolderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_folder_duration_seconds",
			Help:    "Wall-clock time spent syncing one folder",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"outcome"},
	)

	MessagesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_persisted_total",
			Help: "Raw messages persisted, by upsert outcome",
		},
		[]string{"outcome"}, // outcome: inserted, updated, skipped
	)

	FolderInvalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "folder_invalidations_total",
			Help: "Folders whose validity epoch changed and whose records were invalidated",
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Processing pipeline stage duration",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"stage", "outcome"}, // outcome: done, warned, skipped, failed
	)

	ExternalCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "external_call_latency_ms",
			Help:    "External service call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10ms to ~40s
		},
		[]string{"service", "status"},
	)

	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_runs_total",
			Help: "Account sync runs, by terminal status",
		},
		[]string{"status"}, // status: done, retrying, error
	)

	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)
)

func RecordSyncFolderDuration(outcome string, d time.Duration) {
	SyncFolderDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func IncMessagesPersisted(outcome string) {
	MessagesPersisted.WithLabelValues(outcome).Inc()
}

func RecordStageDuration(stage, outcome string, d time.Duration) {
	StageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

func RecordExternalCallLatency(service, status string, d time.Duration) {
	ExternalCallLatency.WithLabelValues(service, status).Observe(float64(d.Milliseconds()))
}

func IncSyncRun(status string) {
	SyncRuns.WithLabelValues(status).Inc()
}

func RecordMQConsumeLatency(routingKey, queue string, d time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(d.Milliseconds()))
}
