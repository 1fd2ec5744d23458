package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Exporter bridges the in-process Registry to a Prometheus scrape endpoint.
// It reads a snapshot on every Collect, so the two surfaces can never drift.
type Exporter struct {
	registry *Registry

	requests       *prometheus.Desc
	errors         *prometheus.Desc
	timeouts       *prometheus.Desc
	cacheHits      *prometheus.Desc
	cacheMisses    *prometheus.Desc
	staleFallbacks *prometheus.Desc
	breakerOpens   *prometheus.Desc
	retryAttempts  *prometheus.Desc
	errorsByType   *prometheus.Desc
	cacheHitRate   *prometheus.Desc
	errorRate      *prometheus.Desc
	responseTime   *prometheus.Desc
}

// NewExporter creates a Prometheus collector over the given registry.
func NewExporter(r *Registry) *Exporter {
	ns := "weathergate"
	return &Exporter{
		registry: r,
		requests: prometheus.NewDesc(
			ns+"_api_requests_total", "Total inbound weather requests.", nil, nil),
		errors: prometheus.NewDesc(
			ns+"_api_errors_total", "Total errors observed by the gateway.", nil, nil),
		timeouts: prometheus.NewDesc(
			ns+"_api_timeouts_total", "Total upstream timeouts.", nil, nil),
		cacheHits: prometheus.NewDesc(
			ns+"_cache_hits_total", "Total fresh cache hits.", nil, nil),
		cacheMisses: prometheus.NewDesc(
			ns+"_cache_misses_total", "Total fresh cache misses.", nil, nil),
		staleFallbacks: prometheus.NewDesc(
			ns+"_stale_cache_fallbacks_total", "Total responses served from stale cache.", nil, nil),
		breakerOpens: prometheus.NewDesc(
			ns+"_circuit_breaker_opens_total", "Total circuit breaker open transitions.", nil, nil),
		retryAttempts: prometheus.NewDesc(
			ns+"_retry_attempts_total", "Total upstream retry attempts.", nil, nil),
		errorsByType: prometheus.NewDesc(
			ns+"_errors_by_type_total", "Errors partitioned by kind.", []string{"type"}, nil),
		cacheHitRate: prometheus.NewDesc(
			ns+"_cache_hit_rate", "Fresh cache hit ratio.", nil, nil),
		errorRate: prometheus.NewDesc(
			ns+"_error_rate", "Errors per request.", nil, nil),
		responseTime: prometheus.NewDesc(
			ns+"_response_time_seconds", "Response time percentiles.", []string{"quantile"}, nil),
	}
}

func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.requests
	ch <- e.errors
	ch <- e.timeouts
	ch <- e.cacheHits
	ch <- e.cacheMisses
	ch <- e.staleFallbacks
	ch <- e.breakerOpens
	ch <- e.retryAttempts
	ch <- e.errorsByType
	ch <- e.cacheHitRate
	ch <- e.errorRate
	ch <- e.responseTime
}

func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	snap := e.registry.Snapshot()

	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(e.requests, snap.Counters.Requests)
	counter(e.errors, snap.Counters.Errors)
	counter(e.timeouts, snap.Counters.Timeouts)
	counter(e.cacheHits, snap.Counters.CacheHits)
	counter(e.cacheMisses, snap.Counters.CacheMisses)
	counter(e.staleFallbacks, snap.Counters.StaleFallbacks)
	counter(e.breakerOpens, snap.Counters.BreakerOpens)
	counter(e.retryAttempts, snap.Counters.RetryAttempts)

	for errType, count := range snap.ErrorsByType {
		ch <- prometheus.MustNewConstMetric(
			e.errorsByType, prometheus.CounterValue, float64(count), errType)
	}

	ch <- prometheus.MustNewConstMetric(e.cacheHitRate, prometheus.GaugeValue, snap.Rates.CacheHitRate)
	ch <- prometheus.MustNewConstMetric(e.errorRate, prometheus.GaugeValue, snap.Rates.ErrorRate)

	ch <- prometheus.MustNewConstMetric(e.responseTime, prometheus.GaugeValue, snap.ResponseTimes.P50, "0.5")
	ch <- prometheus.MustNewConstMetric(e.responseTime, prometheus.GaugeValue, snap.ResponseTimes.P95, "0.95")
	ch <- prometheus.MustNewConstMetric(e.responseTime, prometheus.GaugeValue, snap.ResponseTimes.P99, "0.99")
}
