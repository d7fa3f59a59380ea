package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "fleet_"

	resultSuccess   = "success"
	resultError     = "error"
	resultRejected  = "rejected"
	resultStale     = "stale"
	resultDuplicate = "duplicate"
	resultBackfill  = "backfill"

	commandResultAcked     = "acknowledged"
	commandResultFailed    = "failed"
	commandResultCancelled = "cancelled"
	commandResultRetried   = "retried"
	commandResultLateAck   = "late_ack"
	commandResultUnknown   = "unknown_ack"
)

var (
	registerOnce sync.Once

	ingestRequests *prometheus.CounterVec
	ingestErrors   *prometheus.CounterVec
	ingestLatency  *prometheus.HistogramVec

	consumerLag *prometheus.GaugeVec

	commandRequests *prometheus.CounterVec
	commandResults  *prometheus.CounterVec
	commandPublish  *prometheus.CounterVec
	commandsPending prometheus.Gauge

	alertEventsTotal  *prometheus.CounterVec
	sweepLatency      prometheus.Histogram
	evaluationFaults  prometheus.Counter
	collectionChanges *prometheus.CounterVec
	queueDrops        *prometheus.CounterVec
	exportTotal       *prometheus.CounterVec
)

// Init registers fleet metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		ingestRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_samples_total",
				Help: "Total telemetry samples by result",
			},
			[]string{"result"},
		)
		ingestErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_errors_total",
				Help: "Total ingest errors by reason",
			},
			[]string{"reason"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Ingest latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		consumerLag = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "event_consumer_lag_seconds",
				Help: "Consumer processing lag in seconds",
			},
			[]string{"consumer"},
		)

		commandRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_requests_total",
				Help: "Total issued commands by type",
			},
			[]string{"type"},
		)
		commandResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_results_total",
				Help: "Total command outcomes by status",
			},
			[]string{"status"},
		)
		commandPublish = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_publish_total",
				Help: "Total command publishes by result",
			},
			[]string{"result"},
		)
		commandsPending = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "commands_pending",
				Help: "Commands awaiting acknowledgment",
			},
		)

		alertEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alert_events_total",
				Help: "Total alert lifecycle events by kind and event",
			},
			[]string{"kind", "event"},
		)
		sweepLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "health_sweep_latency_seconds",
				Help:    "Health sweep latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
		)
		evaluationFaults = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "health_evaluation_faults_total",
				Help: "Total per-device evaluation faults",
			},
		)
		collectionChanges = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "collection_transitions_total",
				Help: "Total collection window transitions by state",
			},
			[]string{"state"},
		)
		queueDrops = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "queue_drops_total",
				Help: "Total items dropped because an internal queue was full",
			},
			[]string{"queue"},
		)
		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "export_total",
				Help: "Total operator exports by format and result",
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			ingestRequests,
			ingestErrors,
			ingestLatency,
			consumerLag,
			commandRequests,
			commandResults,
			commandPublish,
			commandsPending,
			alertEventsTotal,
			sweepLatency,
			evaluationFaults,
			collectionChanges,
			queueDrops,
			exportTotal,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveIngest records ingest duration and result.
func ObserveIngest(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if ingestRequests != nil {
		ingestRequests.WithLabelValues(result).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncIngestError increments ingest error counter.
func IncIngestError(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if ingestErrors != nil {
		ingestErrors.WithLabelValues(reason).Inc()
	}
}

// ObserveConsumerLag sets consumer lag in seconds.
func ObserveConsumerLag(consumer string, lag time.Duration) {
	if consumer == "" {
		consumer = "unknown"
	}
	if lag < 0 {
		lag = 0
	}
	if consumerLag != nil {
		consumerLag.WithLabelValues(consumer).Set(lag.Seconds())
	}
}

// IncCommandIssued increments issued command counter.
func IncCommandIssued(commandType string) {
	if commandType == "" {
		commandType = "unknown"
	}
	if commandRequests != nil {
		commandRequests.WithLabelValues(commandType).Inc()
	}
}

// IncCommandResult increments command result counter.
func IncCommandResult(status string) {
	if status == "" {
		status = "unknown"
	}
	if commandResults != nil {
		commandResults.WithLabelValues(status).Inc()
	}
}

// IncCommandPublish counts transport publishes.
func IncCommandPublish(result string) {
	if result == "" {
		result = resultSuccess
	}
	if commandPublish != nil {
		commandPublish.WithLabelValues(result).Inc()
	}
}

// SetCommandsPending sets the pending command gauge.
func SetCommandsPending(count int) {
	if commandsPending != nil {
		commandsPending.Set(float64(count))
	}
}

// IncAlertEvent increments alert lifecycle counters.
func IncAlertEvent(kind, event string) {
	if kind == "" {
		kind = "unknown"
	}
	if event == "" {
		event = "unknown"
	}
	if alertEventsTotal != nil {
		alertEventsTotal.WithLabelValues(kind, event).Inc()
	}
}

// ObserveSweep records a health sweep duration.
func ObserveSweep(duration time.Duration) {
	if sweepLatency != nil {
		sweepLatency.Observe(duration.Seconds())
	}
}

// IncEvaluationFault counts a failed per-device evaluation.
func IncEvaluationFault() {
	if evaluationFaults != nil {
		evaluationFaults.Inc()
	}
}

// IncCollectionTransition counts a collection window state change.
func IncCollectionTransition(state string) {
	if state == "" {
		state = "unknown"
	}
	if collectionChanges != nil {
		collectionChanges.WithLabelValues(state).Inc()
	}
}

// IncQueueDrop counts an item dropped from a full queue.
func IncQueueDrop(queue string) {
	if queue == "" {
		queue = "unknown"
	}
	if queueDrops != nil {
		queueDrops.WithLabelValues(queue).Inc()
	}
}

// IncExport counts an operator export.
func IncExport(format, result string) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
}

// Exported constants for callers.
const (
	IngestResultSuccess   = resultSuccess
	IngestResultError     = resultError
	IngestResultRejected  = resultRejected
	IngestResultStale     = resultStale
	IngestResultDuplicate = resultDuplicate
	IngestResultBackfill  = resultBackfill

	ResultSuccess = resultSuccess
	ResultError   = resultError

	CommandResultAcked     = commandResultAcked
	CommandResultFailed    = commandResultFailed
	CommandResultCancelled = commandResultCancelled
	CommandResultRetried   = commandResultRetried
	CommandResultLateAck   = commandResultLateAck
	CommandResultUnknown   = commandResultUnknown
)
