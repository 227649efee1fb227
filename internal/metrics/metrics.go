package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalwatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vitalwatch_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vitalwatch_http_request_size_bytes",
			Help:    "HTTP request size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "endpoint"},
	)

	// Ingest metrics
	MeasurementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalwatch_measurements_total",
			Help: "Total number of measurements received",
		},
		[]string{"source", "status"}, // status: accepted, malformed, stale, rejected
	)

	IngestBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vitalwatch_ingest_batch_size",
			Help:    "Number of measurements per ingest request",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vitalwatch_processing_duration_seconds",
			Help:    "Time from admission to alert events enqueued for one measurement",
			Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	TrackedPatients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vitalwatch_tracked_patients",
			Help: "Number of patients held in the state store",
		},
	)

	// Alert lifecycle metrics
	AlertTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalwatch_alert_transitions_total",
			Help: "Total number of alert lifecycle transitions emitted",
		},
		[]string{"kind", "transition"},
	)

	DisconnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vitalwatch_disconnections_total",
			Help: "Total number of sensor disconnections detected",
		},
	)

	LivenessSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vitalwatch_liveness_sweep_duration_seconds",
			Help:    "Time taken by one liveness sweep",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)

	InvariantViolationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vitalwatch_invariant_violations_total",
			Help: "Total number of alert ledger invariant violations",
		},
	)

	RuleReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalwatch_rule_reloads_total",
			Help: "Total number of rule set reloads",
		},
		[]string{"status"}, // status: applied, rejected
	)

	// Publisher metrics
	PublishQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vitalwatch_publish_queue_size",
			Help: "Current number of alert events waiting to be published",
		},
	)

	PublishQueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vitalwatch_publish_queue_capacity",
			Help: "Capacity of the publish queue",
		},
	)

	PublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalwatch_publish_total",
			Help: "Total number of alert events published per sink",
		},
		[]string{"sink", "status"}, // status: success, failed
	)

	PublishRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalwatch_publish_retries_total",
			Help: "Total number of sink publish retries",
		},
		[]string{"sink"},
	)

	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalwatch_publish_failures_total",
			Help: "Total number of alert events a sink could not accept after retries",
		},
		[]string{"sink"},
	)

	PublishBatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vitalwatch_publish_batch_duration_seconds",
			Help:    "Time taken to publish a batch to a sink",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"sink"},
	)

	OverflowEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalwatch_overflow_events_total",
			Help: "Total number of alert events written to the overflow log",
		},
		[]string{"reason"}, // reason: queue_full, closed, sink_failed, shutdown
	)

	// Kafka producer metrics
	KafkaBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vitalwatch_kafka_bytes_written_total",
			Help: "Total bytes written to Kafka",
		},
	)

	// Live feed metrics
	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vitalwatch_websocket_clients",
			Help: "Number of connected live alert feed clients",
		},
	)

	WebSocketDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vitalwatch_websocket_slow_clients_dropped_total",
			Help: "Total number of live feed clients disconnected for falling behind",
		},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalwatch_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
