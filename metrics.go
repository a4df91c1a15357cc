package reqflow

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the request lifecycle,
// the cache, the registry and the mutation and batch layers. All recorders
// are no-ops on a nil collector.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	circuitBreakerState *prometheus.GaugeVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	cacheStale  *prometheus.CounterVec
	cacheSize   prometheus.Gauge

	deduplicationHits *prometheus.CounterVec
	supersedes        *prometheus.CounterVec
	cancellations     *prometheus.CounterVec
	throttled         *prometheus.CounterVec

	tokenRefreshes *prometheus.CounterVec

	mutations *prometheus.CounterVec

	batches            prometheus.Counter
	batchSlotsFailures prometheus.Counter

	errorsTotal *prometheus.CounterVec

	registry prometheus.Registerer
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registry)
	return &MetricsCollector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqflow_requests_total",
				Help: "Total number of backend requests made",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reqflow_request_duration_seconds",
				Help:    "Duration of backend requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "reqflow_requests_in_flight",
				Help: "Number of backend requests currently in flight",
			},
			[]string{"method", "endpoint"},
		),
		circuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "reqflow_circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqflow_cache_hits_total",
				Help: "Fetches served from a fresh cache entry",
			},
			[]string{"family"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqflow_cache_misses_total",
				Help: "Fetches with no cache entry",
			},
			[]string{"family"},
		),
		cacheStale: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqflow_cache_stale_total",
				Help: "Fetches that found only a stale cache entry",
			},
			[]string{"family"},
		),
		cacheSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "reqflow_cache_size",
				Help: "Current number of entries in cache",
			},
		),
		deduplicationHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqflow_deduplication_hits_total",
				Help: "Fetches that joined an already pending call",
			},
			[]string{"family"},
		),
		supersedes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqflow_supersedes_total",
				Help: "Pending calls replaced by a forced fetch",
			},
			[]string{"family"},
		),
		cancellations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqflow_cancellations_total",
				Help: "Fetches that ended cancelled",
			},
			[]string{"family"},
		),
		throttled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqflow_throttled_total",
				Help: "Fetches answered from cache because the throttle window was open",
			},
			[]string{"family"},
		),
		tokenRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqflow_token_refreshes_total",
				Help: "Token refresh attempts by result",
			},
			[]string{"result"},
		),
		mutations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqflow_mutations_total",
				Help: "Optimistic mutations by outcome",
			},
			[]string{"outcome"},
		),
		batches: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "reqflow_batches_total",
				Help: "Batches started",
			},
		),
		batchSlotsFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "reqflow_batch_slot_failures_total",
				Help: "Batch slots that settled with an error",
			},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqflow_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type", "method", "endpoint"},
		),
		registry: registry,
	}
}

// RecordRequest records request count and duration.
func (mc *MetricsCollector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}

	statusCodeStr := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(method, statusCodeStr, endpoint).Inc()
	mc.requestDuration.WithLabelValues(method, statusCodeStr, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method, endpoint).Inc()
}

// RecordRequestEnd decrements in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method, endpoint).Dec()
}

// RecordCircuitBreakerState sets gauge to breaker state.
func (mc *MetricsCollector) RecordCircuitBreakerState(name string, state CircuitState) {
	if mc == nil {
		return
	}

	var stateValue float64
	switch state {
	case StateClosed:
		stateValue = 0
	case StateOpen:
		stateValue = 1
	case StateHalfOpen:
		stateValue = 2
	}

	mc.circuitBreakerState.WithLabelValues(name).Set(stateValue)
}

// RecordCacheHit counts a fetch answered by a fresh entry.
func (mc *MetricsCollector) RecordCacheHit(family string) {
	if mc == nil {
		return
	}
	mc.cacheHits.WithLabelValues(family).Inc()
}

// RecordCacheMiss counts a fetch with no entry.
func (mc *MetricsCollector) RecordCacheMiss(family string) {
	if mc == nil {
		return
	}
	mc.cacheMisses.WithLabelValues(family).Inc()
}

// RecordCacheStale counts a fetch that found only a stale entry.
func (mc *MetricsCollector) RecordCacheStale(family string) {
	if mc == nil {
		return
	}
	mc.cacheStale.WithLabelValues(family).Inc()
}

// RecordCacheSize sets cache size gauge.
func (mc *MetricsCollector) RecordCacheSize(size int) {
	if mc == nil {
		return
	}
	mc.cacheSize.Set(float64(size))
}

// RecordDeduplicationHit counts a fetch that joined a pending call.
func (mc *MetricsCollector) RecordDeduplicationHit(family string) {
	if mc == nil {
		return
	}
	mc.deduplicationHits.WithLabelValues(family).Inc()
}

// RecordSupersede counts a pending call replaced by a forced fetch.
func (mc *MetricsCollector) RecordSupersede(family string) {
	if mc == nil {
		return
	}
	mc.supersedes.WithLabelValues(family).Inc()
}

// RecordCancellation counts a fetch that ended cancelled.
func (mc *MetricsCollector) RecordCancellation(family string) {
	if mc == nil {
		return
	}
	mc.cancellations.WithLabelValues(family).Inc()
}

// RecordThrottled counts a fetch suppressed by the throttle window.
func (mc *MetricsCollector) RecordThrottled(family string) {
	if mc == nil {
		return
	}
	mc.throttled.WithLabelValues(family).Inc()
}

// RecordTokenRefresh counts a refresh attempt by result.
func (mc *MetricsCollector) RecordTokenRefresh(result string) {
	if mc == nil {
		return
	}
	mc.tokenRefreshes.WithLabelValues(result).Inc()
}

// RecordMutation counts a mutation by outcome (committed, rolled_back).
func (mc *MetricsCollector) RecordMutation(outcome string) {
	if mc == nil {
		return
	}
	mc.mutations.WithLabelValues(outcome).Inc()
}

// RecordBatch counts a started batch.
func (mc *MetricsCollector) RecordBatch() {
	if mc == nil {
		return
	}
	mc.batches.Inc()
}

// RecordBatchSlotFailure counts a failed batch slot.
func (mc *MetricsCollector) RecordBatchSlotFailure() {
	if mc == nil {
		return
	}
	mc.batchSlotsFailures.Inc()
}

// RecordError increments error counter by type.
func (mc *MetricsCollector) RecordError(errorType, method, endpoint string) {
	if mc == nil {
		return
	}
	mc.errorsTotal.WithLabelValues(errorType, method, endpoint).Inc()
}

// GetRegistry exposes the underlying registerer.
func (mc *MetricsCollector) GetRegistry() prometheus.Registerer {
	if mc == nil {
		return nil
	}
	return mc.registry
}
