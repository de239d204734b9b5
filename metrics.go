package pipedrive

import (
	"regexp"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the request lifecycle and
// the governance layers around it. A nil *MetricsCollector is a no-op, so
// the client records unconditionally.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal *prometheus.CounterVec
	errorsTotal  *prometheus.CounterVec

	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
	cacheSize          prometheus.Gauge
	cacheInvalidations *prometheus.CounterVec

	limiterTasks     *prometheus.GaugeVec
	limiterReservoir prometheus.Gauge

	providerQuota *prometheus.GaugeVec

	circuitBreakerState prometheus.Gauge
	deduplicationHits   *prometheus.CounterVec

	registerer prometheus.Registerer
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using supplied registerer.
func NewMetricsCollectorWithRegistry(registerer prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registerer)
	return &MetricsCollector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipedrive_requests_total",
				Help: "Total number of API calls, cache hits included",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipedrive_request_duration_seconds",
				Help:    "Duration of API calls in seconds, queueing and retries included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint", "outcome"},
		),
		requestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipedrive_requests_in_flight",
				Help: "Number of API calls currently in progress",
			},
			[]string{"method", "endpoint"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipedrive_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"method", "endpoint", "attempt"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipedrive_errors_total",
				Help: "Total number of failed API calls by error type",
			},
			[]string{"type", "method", "endpoint"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipedrive_cache_hits_total",
				Help: "Total number of response cache hits",
			},
			[]string{"endpoint"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipedrive_cache_misses_total",
				Help: "Total number of response cache misses",
			},
			[]string{"endpoint"},
		),
		cacheSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipedrive_cache_size",
				Help: "Current number of entries in the response cache",
			},
		),
		cacheInvalidations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipedrive_cache_invalidated_entries_total",
				Help: "Total number of cache entries dropped after writes",
			},
			[]string{"resource"},
		),
		limiterTasks: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipedrive_rate_limiter_tasks",
				Help: "Rate limiter tasks per lifecycle stage (received and done are cumulative)",
			},
			[]string{"stage"},
		),
		limiterReservoir: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipedrive_rate_limiter_reservoir",
				Help: "Permits left in the rate limiter reservoir",
			},
		),
		providerQuota: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipedrive_provider_rate_limit",
				Help: "Rate limit quota reported by the provider response headers",
			},
			[]string{"kind"},
		),
		circuitBreakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipedrive_circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
			},
		),
		deduplicationHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipedrive_deduplication_hits_total",
				Help: "Total number of GETs served by a shared in-flight call",
			},
			[]string{"endpoint"},
		),
		registerer: registerer,
	}
}

// RecordRequest records one finished call. statusCode is 0 when no response arrived.
func (mc *MetricsCollector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration, err error) {
	if mc == nil {
		return
	}
	endpoint = metricEndpoint(endpoint)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	mc.requestsTotal.WithLabelValues(method, strconv.Itoa(statusCode), endpoint).Inc()
	mc.requestDuration.WithLabelValues(method, endpoint, outcome).Observe(duration.Seconds())
}

// RecordRequestStart increments in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method, metricEndpoint(endpoint)).Inc()
}

// RecordRequestEnd decrements in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method, metricEndpoint(endpoint)).Dec()
}

// RecordRetry increments retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(method, endpoint string, attempt int) {
	if mc == nil {
		return
	}
	mc.retriesTotal.WithLabelValues(method, metricEndpoint(endpoint), strconv.Itoa(attempt)).Inc()
}

// RecordError increments error counter by type.
func (mc *MetricsCollector) RecordError(errorType, method, endpoint string) {
	if mc == nil {
		return
	}
	mc.errorsTotal.WithLabelValues(errorType, method, metricEndpoint(endpoint)).Inc()
}

// RecordCacheHit increments cache hit counter.
func (mc *MetricsCollector) RecordCacheHit(endpoint string) {
	if mc == nil {
		return
	}
	mc.cacheHits.WithLabelValues(metricEndpoint(endpoint)).Inc()
}

// RecordCacheMiss increments cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss(endpoint string) {
	if mc == nil {
		return
	}
	mc.cacheMisses.WithLabelValues(metricEndpoint(endpoint)).Inc()
}

// RecordCacheSize sets cache size gauge.
func (mc *MetricsCollector) RecordCacheSize(size int) {
	if mc == nil {
		return
	}
	mc.cacheSize.Set(float64(size))
}

// RecordCacheInvalidation counts entries dropped for a resource family.
func (mc *MetricsCollector) RecordCacheInvalidation(resource string, removed int) {
	if mc == nil {
		return
	}
	mc.cacheInvalidations.WithLabelValues(resource).Add(float64(removed))
}

// RecordLimiterStages mirrors the limiter stage counters and reservoir.
func (mc *MetricsCollector) RecordLimiterStages(counts StageCounts, reservoir int) {
	if mc == nil {
		return
	}
	mc.limiterTasks.WithLabelValues("received").Set(float64(counts.Received))
	mc.limiterTasks.WithLabelValues("queued").Set(float64(counts.Queued))
	mc.limiterTasks.WithLabelValues("running").Set(float64(counts.Running))
	mc.limiterTasks.WithLabelValues("executing").Set(float64(counts.Executing))
	mc.limiterTasks.WithLabelValues("done").Set(float64(counts.Done))
	mc.limiterReservoir.Set(float64(reservoir))
}

// RecordProviderQuota stores the x-ratelimit-* hints of the last response.
func (mc *MetricsCollector) RecordProviderQuota(info RateLimitInfo) {
	if mc == nil {
		return
	}
	if info.Limit >= 0 {
		mc.providerQuota.WithLabelValues("limit").Set(float64(info.Limit))
	}
	if info.Remaining >= 0 {
		mc.providerQuota.WithLabelValues("remaining").Set(float64(info.Remaining))
	}
	if info.Reset >= 0 {
		mc.providerQuota.WithLabelValues("reset_seconds").Set(info.Reset.Seconds())
	}
}

// RecordCircuitBreakerState sets gauge to breaker state.
func (mc *MetricsCollector) RecordCircuitBreakerState(state CircuitState) {
	if mc == nil {
		return
	}
	mc.circuitBreakerState.Set(float64(state))
}

// RecordDeduplicationHit increments de-dup hit counter.
func (mc *MetricsCollector) RecordDeduplicationHit(endpoint string) {
	if mc == nil {
		return
	}
	mc.deduplicationHits.WithLabelValues(metricEndpoint(endpoint)).Inc()
}

// Registerer exposes the registerer the collector was built on.
func (mc *MetricsCollector) Registerer() prometheus.Registerer {
	return mc.registerer
}

var numericSegment = regexp.MustCompile(`/[0-9]+(/|$)`)

// metricEndpoint collapses numeric ids so /deals/5 and /deals/6 share a label.
func metricEndpoint(endpoint string) string {
	endpoint = normalizeEndpoint(endpoint)
	for numericSegment.MatchString(endpoint) {
		endpoint = numericSegment.ReplaceAllString(endpoint, "/:id$1")
	}
	return endpoint
}
