// Package metrics exposes the agent's Prometheus instrumentation. All
// collectors are package-level and registered once; components record
// through the helper functions so label sets stay consistent.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RowsIngestedTotal counts rows accepted from producers.
	RowsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdsagent_rows_ingested_total",
			Help: "Total number of rows accepted from producers",
		},
		[]string{"source", "protocol"},
	)

	// RowsDroppedTotal counts rows rejected or discarded before batching.
	RowsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdsagent_rows_dropped_total",
			Help: "Total number of rows dropped, by reason",
		},
		[]string{"source", "reason"},
	)

	// BatchFlushesTotal counts batch flushes per destination type.
	BatchFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdsagent_batch_flushes_total",
			Help: "Total number of batch flushes",
		},
		[]string{"store_type", "trigger"},
	)

	// UploadsTotal counts upload attempts by outcome class.
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdsagent_uploads_total",
			Help: "Total number of upload attempts by outcome",
		},
		[]string{"store_type", "outcome"},
	)

	// UploadRowsTotal counts rows uploaded successfully.
	UploadRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdsagent_upload_rows_total",
			Help: "Total number of rows uploaded",
		},
		[]string{"store_type"},
	)

	// UploadDuration observes end-to-end upload latency.
	UploadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mdsagent_upload_duration_seconds",
			Help:    "Time spent uploading a batch",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"store_type"},
	)

	// TableCreatesTotal counts create-if-not-exists calls issued after 404s.
	TableCreatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdsagent_table_creates_total",
		Help: "Total number of table create-if-not-exists calls",
	})

	// RetriesTotal counts upload retries.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdsagent_upload_retries_total",
			Help: "Total number of upload retries",
		},
		[]string{"store_type"},
	)

	// PersistQueueDepth gauges files waiting in each retry directory.
	PersistQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mdsagent_persist_queue_depth",
			Help: "Files currently waiting in the on-disk retry queue",
		},
		[]string{"queue"},
	)

	// PersistedEventsTotal counts events written to a retry queue.
	PersistedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdsagent_persisted_events_total",
			Help: "Total number of events persisted for retry",
		},
		[]string{"queue"},
	)

	// EventHubQueueDepth gauges the in-memory uploader FIFO per moniker.
	EventHubQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mdsagent_eventhub_queue_depth",
			Help: "In-memory event hub uploader queue depth",
		},
		[]string{"moniker"},
	)

	// EventHubPublishTotal counts publish attempts by outcome.
	EventHubPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdsagent_eventhub_publish_total",
			Help: "Total number of event hub publish attempts",
		},
		[]string{"moniker", "outcome"},
	)

	// TaskFiringsTotal counts scheduler task executions.
	TaskFiringsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdsagent_task_firings_total",
			Help: "Total number of scheduled task firings",
		},
		[]string{"task"},
	)

	// LocalSinkRows gauges rows retained per local sink.
	LocalSinkRows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mdsagent_local_sink_rows",
			Help: "Rows currently retained in each local sink",
		},
		[]string{"source"},
	)

	// IngestConnections gauges live listener connections.
	IngestConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mdsagent_ingest_connections",
			Help: "Currently open ingest connections",
		},
		[]string{"protocol"},
	)

	// ConfigReloadsTotal counts configuration activations by result.
	ConfigReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdsagent_config_reloads_total",
			Help: "Total number of configuration activations",
		},
		[]string{"result"},
	)

	// ErrorsTotal counts errors by component.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdsagent_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// RecordRowIngested increments the ingest counter.
func RecordRowIngested(source, protocol string) {
	RowsIngestedTotal.WithLabelValues(source, protocol).Inc()
}

// RecordRowDropped increments the drop counter.
func RecordRowDropped(source, reason string) {
	RowsDroppedTotal.WithLabelValues(source, reason).Inc()
}

// RecordFlush increments the flush counter.
func RecordFlush(storeType, trigger string) {
	BatchFlushesTotal.WithLabelValues(storeType, trigger).Inc()
}

// RecordUpload records one upload attempt and its latency.
func RecordUpload(storeType, outcome string, rows int, duration time.Duration) {
	UploadsTotal.WithLabelValues(storeType, outcome).Inc()
	UploadDuration.WithLabelValues(storeType).Observe(duration.Seconds())
	if outcome == "success" {
		UploadRowsTotal.WithLabelValues(storeType).Add(float64(rows))
	}
}

// RecordError increments the error counter.
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordTaskFiring increments the task-firing counter.
func RecordTaskFiring(task string) {
	TaskFiringsTotal.WithLabelValues(task).Inc()
}
