// Package metrics provides Prometheus metrics for the tutor risk service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	constLabels      prometheus.Labels
	registry         prometheus.Registerer

	// Ingestion
	eventsIngested  *prometheus.CounterVec
	eventsDuplicate prometheus.Counter
	eventsRejected  *prometheus.CounterVec

	// Queue
	queueSize        prometheus.Gauge
	queueCapacity    prometheus.Gauge
	queueUtilization prometheus.Gauge
	queueEnqueued    prometheus.Counter
	queueDequeued    prometheus.Counter
	queueRejected    prometheus.Counter

	// Workers
	workerCount             prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrors            prometheus.Counter
	workerRetries           prometheus.Counter

	// Aggregation
	windowRecomputeLatency prometheus.Histogram
	riskScoreUpdates       prometheus.Counter
	highRiskEntities       prometheus.Gauge
	rankedEntities         prometheus.Gauge

	// Prediction
	predictions       *prometheus.CounterVec
	predictionLatency *prometheus.HistogramVec
	modelLoads        *prometheus.CounterVec
	modelInfo         *prometheus.GaugeVec
	batchResults      *prometheus.CounterVec

	// Storage and cache
	persistenceRetries *prometheus.CounterVec
	cacheLookups       *prometheus.CounterVec
	storeLatency       *prometheus.HistogramVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Errors
	errorsByComponent *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // metrics registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "tutorrisk",
		subsystem:        "engine",
		histogramBuckets: []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) histogram(name, help string) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
		Buckets: m.histogramBuckets,
	})
}

func (m *Manager) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
		Buckets: m.histogramBuckets,
	}, labels)
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every metric
	m.eventsIngested = m.counterVec("events_ingested_total", "Events accepted for processing by source", "source")
	m.eventsDuplicate = m.counter("events_duplicate_total", "Events dropped because their event id was already seen")
	m.eventsRejected = m.counterVec("events_rejected_total", "Events rejected at ingestion by reason", "reason")

	m.queueSize = m.gauge("queue_size", "Current size of the event queue")
	m.queueCapacity = m.gauge("queue_capacity", "Configured capacity of the event queue")
	m.queueUtilization = m.gauge("queue_utilization_ratio", "Queue size divided by capacity")
	m.queueEnqueued = m.counter("queue_enqueued_total", "Events enqueued")
	m.queueDequeued = m.counter("queue_dequeued_total", "Events dequeued")
	m.queueRejected = m.counter("queue_rejected_total", "Enqueue attempts rejected (full or closed)")

	m.workerCount = m.gauge("worker_count", "Number of event workers")
	m.workerProcessingLatency = m.histogram("worker_processing_latency_milliseconds", "End-to-end processing latency per event")
	m.workerErrors = m.counter("worker_errors_total", "Events that failed processing after retries")
	m.workerRetries = m.counter("worker_retries_total", "Event processing retries")

	m.windowRecomputeLatency = m.histogram("window_recompute_latency_milliseconds", "Latency of recomputing all windows for one entity")
	m.riskScoreUpdates = m.counter("risk_score_updates_total", "Risk score recomputations persisted")
	m.highRiskEntities = m.gauge("high_risk_entities", "Entities currently flagged high risk")
	m.rankedEntities = m.gauge("ranked_entities", "Entities tracked by the risk ranking index")

	m.predictions = m.counterVec("predictions_total", "Predictions computed by kind and source (model or fallback)", "kind", "source")
	m.predictionLatency = m.histogramVec("prediction_latency_milliseconds", "Full recompute latency per prediction", "kind")
	m.modelLoads = m.counterVec("model_loads_total", "Model artifact load attempts by kind and outcome", "kind", "outcome")
	m.modelInfo = m.gaugeVec("model_info", "Currently loaded model version (value is always 1)", "kind", "version")
	m.batchResults = m.counterVec("batch_items_total", "Batch items by operation and outcome", "operation", "outcome")

	m.persistenceRetries = m.counterVec("persistence_retries_total", "Store write retries by operation", "operation")
	m.cacheLookups = m.counterVec("cache_lookups_total", "Cache lookups by cache and result", "cache", "result")
	m.storeLatency = m.histogramVec("store_latency_milliseconds", "Store operation latency", "operation")

	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests by route, method and status", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration", "endpoint", "method", "status_code")

	m.errorsByComponent = m.counterVec("errors_total", "Errors by component and type", "component", "error_type")

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "Heap bytes allocated")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
	m.systemGCPauseTime = promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: m.constLabels,
		Name:    "system_gc_pause_time_milliseconds",
		Help:    "Average GC pause time in milliseconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
	})
}

func (m *Manager) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return promauto.With(m.registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	}, labels)
}

// RecordEventIngested counts an accepted event from source (http, kafka).
func RecordEventIngested(source string) { globalManager.eventsIngested.WithLabelValues(source).Inc() }

// RecordEventDuplicate counts a duplicate event.
func RecordEventDuplicate() { globalManager.eventsDuplicate.Inc() }

// RecordEventRejected counts an event rejected at ingestion.
func RecordEventRejected(reason string) { globalManager.eventsRejected.WithLabelValues(reason).Inc() }

// UpdateQueueSize sets the queue size and utilization gauges.
func UpdateQueueSize(size, capacity int) {
	globalManager.queueSize.Set(float64(size))
	if capacity > 0 {
		globalManager.queueUtilization.Set(float64(size) / float64(capacity))
	}
}

// UpdateQueueCapacity sets the queue capacity gauge.
func UpdateQueueCapacity(capacity int) { globalManager.queueCapacity.Set(float64(capacity)) }

// RecordQueueEnqueue counts an enqueue.
func RecordQueueEnqueue() { globalManager.queueEnqueued.Inc() }

// RecordQueueDequeue counts a dequeue.
func RecordQueueDequeue() { globalManager.queueDequeued.Inc() }

// RecordQueueRejected counts a rejected enqueue.
func RecordQueueRejected() { globalManager.queueRejected.Inc() }

// UpdateWorkerCount sets the worker gauge.
func UpdateWorkerCount(n int) { globalManager.workerCount.Set(float64(n)) }

// RecordWorkerProcessingLatency observes per-event processing latency.
func RecordWorkerProcessingLatency(ms float64) { globalManager.workerProcessingLatency.Observe(ms) }

// RecordWorkerError counts an event that failed for good.
func RecordWorkerError() { globalManager.workerErrors.Inc() }

// RecordWorkerRetry counts a processing retry.
func RecordWorkerRetry() { globalManager.workerRetries.Inc() }

// RecordWindowRecomputeLatency observes one entity's window recompute.
func RecordWindowRecomputeLatency(ms float64) { globalManager.windowRecomputeLatency.Observe(ms) }

// RecordRiskScoreUpdate counts a persisted risk score.
func RecordRiskScoreUpdate() { globalManager.riskScoreUpdates.Inc() }

// UpdateHighRiskEntities sets the high risk gauge.
func UpdateHighRiskEntities(n int) { globalManager.highRiskEntities.Set(float64(n)) }

// UpdateRankedEntities sets the ranking index size gauge.
func UpdateRankedEntities(n int) { globalManager.rankedEntities.Set(float64(n)) }

// RecordPrediction counts a prediction; source is "model" or "fallback".
func RecordPrediction(kind, source string) { globalManager.predictions.WithLabelValues(kind, source).Inc() }

// RecordPredictionLatency observes a full recompute.
func RecordPredictionLatency(kind string, ms float64) {
	globalManager.predictionLatency.WithLabelValues(kind).Observe(ms)
}

// RecordModelLoad counts a model load attempt; outcome is "ok" or "failed".
func RecordModelLoad(kind, outcome string) { globalManager.modelLoads.WithLabelValues(kind, outcome).Inc() }

// SetModelVersion publishes the loaded version for kind, clearing the previous one.
func SetModelVersion(kind, version string) {
	globalManager.modelInfo.DeletePartialMatch(prometheus.Labels{"kind": kind})
	if version != "" {
		globalManager.modelInfo.WithLabelValues(kind, version).Set(1)
	}
}

// RecordBatchItem counts one batch item outcome ("ok", "failed", "cancelled").
func RecordBatchItem(operation, outcome string) {
	globalManager.batchResults.WithLabelValues(operation, outcome).Inc()
}

// RecordPersistenceRetry counts a store write retry.
func RecordPersistenceRetry(operation string) {
	globalManager.persistenceRetries.WithLabelValues(operation).Inc()
}

// RecordCacheLookup counts a cache lookup; result is "hit", "miss" or "error".
func RecordCacheLookup(cache, result string) {
	globalManager.cacheLookups.WithLabelValues(cache, result).Inc()
}

// RecordStoreLatency observes a store operation.
func RecordStoreLatency(operation string, ms float64) {
	globalManager.storeLatency.WithLabelValues(operation).Observe(ms)
}

// RecordHTTPRequest counts an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration observes HTTP latency in milliseconds.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, ms float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(ms)
}

// RecordErrorByComponent counts an error by component and type.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorsByComponent.WithLabelValues(component, errorType).Inc()
}

// UpdateSystemMemoryUsage sets the heap gauge.
func UpdateSystemMemoryUsage(bytes uint64) { globalManager.systemMemoryUsage.Set(float64(bytes)) }

// UpdateSystemGoroutineCount sets the goroutine gauge.
func UpdateSystemGoroutineCount(n int) { globalManager.systemGoroutineCount.Set(float64(n)) }

// RecordSystemGCPauseTime observes average GC pause.
func RecordSystemGCPauseTime(ms float64) { globalManager.systemGCPauseTime.Observe(ms) }

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry { return customRegistry }
