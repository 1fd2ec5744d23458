package metrics

import (
	"sort"
	"sync"
)

// maxResponseTimes bounds the sliding response-time sample buffer.
const maxResponseTimes = 1000

// Registry is the process-scoped metrics collector. All record methods are
// safe for concurrent use from request handlers; Snapshot returns a
// point-in-time copy.
type Registry struct {
	mu sync.RWMutex

	requests       int64
	errors         int64
	timeouts       int64
	cacheHits      int64
	cacheMisses    int64
	staleFallbacks int64
	breakerOpens   int64
	retryAttempts  int64

	errorsByType map[string]int64

	// FIFO of the last maxResponseTimes samples, in seconds.
	responseTimes []float64
}

// NewRegistry creates an empty metrics registry.
func NewRegistry() *Registry {
	return &Registry{
		errorsByType:  make(map[string]int64),
		responseTimes: make([]float64, 0, maxResponseTimes),
	}
}

// RecordRequest counts an inbound weather request.
func (r *Registry) RecordRequest() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests++
}

// RecordError counts an error of the given type.
func (r *Registry) RecordError(errorType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors++
	r.errorsByType[errorType]++
}

// RecordTimeout counts an upstream timeout. Timeouts also count as errors of
// type "timeout".
func (r *Registry) RecordTimeout() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeouts++
	r.errors++
	r.errorsByType["timeout"]++
}

func (r *Registry) RecordCacheHit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cacheHits++
}

func (r *Registry) RecordCacheMiss() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cacheMisses++
}

func (r *Registry) RecordStaleFallback() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staleFallbacks++
}

func (r *Registry) RecordBreakerOpen() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakerOpens++
}

func (r *Registry) RecordRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryAttempts++
}

// RecordResponseTime appends a response-time sample in seconds, discarding
// the oldest sample once the buffer is full.
func (r *Registry) RecordResponseTime(seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responseTimes = append(r.responseTimes, seconds)
	if len(r.responseTimes) > maxResponseTimes {
		r.responseTimes = r.responseTimes[1:]
	}
}

// CacheHitRate returns hits/(hits+misses), or 0 with no samples.
func (r *Registry) CacheHitRate() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := r.cacheHits + r.cacheMisses
	if total == 0 {
		return 0
	}
	return float64(r.cacheHits) / float64(total)
}

// ErrorRate returns errors/requests, or 0 with no requests.
func (r *Registry) ErrorRate() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.requests == 0 {
		return 0
	}
	return float64(r.errors) / float64(r.requests)
}

// Percentile returns the response time at percentile p in [0,1], or 0 on an
// empty buffer. Index is floor(p*n) clamped to the sample range.
func (r *Registry) Percentile(p float64) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return percentileLocked(r.responseTimes, p)
}

func percentileLocked(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	idx := int(float64(len(sorted)) * p)
	if idx < 0 {
		idx = 0
	}
	if idx > len(sorted)-1 {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Counters holds the monotonic counters of the registry.
type Counters struct {
	Requests       int64 `json:"api_requests_total"`
	Errors         int64 `json:"api_errors_total"`
	Timeouts       int64 `json:"api_timeouts_total"`
	CacheHits      int64 `json:"cache_hits_total"`
	CacheMisses    int64 `json:"cache_misses_total"`
	StaleFallbacks int64 `json:"stale_cache_fallbacks_total"`
	BreakerOpens   int64 `json:"circuit_breaker_opens_total"`
	RetryAttempts  int64 `json:"retry_attempts_total"`
}

// Rates holds derived ratios.
type Rates struct {
	CacheHitRate float64 `json:"cache_hit_rate"`
	ErrorRate    float64 `json:"error_rate"`
}

// ResponseTimes holds response-time percentiles over the sample buffer.
type ResponseTimes struct {
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Snapshot is a point-in-time view of the registry. Counters are
// individually consistent; the snapshot is not atomic across counters.
type Snapshot struct {
	Counters      Counters         `json:"counters"`
	ErrorsByType  map[string]int64 `json:"errors_by_type"`
	Rates         Rates            `json:"rates"`
	ResponseTimes ResponseTimes    `json:"response_times"`
}

// Snapshot returns a copy of all metrics.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byType := make(map[string]int64, len(r.errorsByType))
	for k, v := range r.errorsByType {
		byType[k] = v
	}

	var hitRate, errRate float64
	if total := r.cacheHits + r.cacheMisses; total > 0 {
		hitRate = float64(r.cacheHits) / float64(total)
	}
	if r.requests > 0 {
		errRate = float64(r.errors) / float64(r.requests)
	}

	return Snapshot{
		Counters: Counters{
			Requests:       r.requests,
			Errors:         r.errors,
			Timeouts:       r.timeouts,
			CacheHits:      r.cacheHits,
			CacheMisses:    r.cacheMisses,
			StaleFallbacks: r.staleFallbacks,
			BreakerOpens:   r.breakerOpens,
			RetryAttempts:  r.retryAttempts,
		},
		ErrorsByType: byType,
		Rates: Rates{
			CacheHitRate: hitRate,
			ErrorRate:    errRate,
		},
		ResponseTimes: ResponseTimes{
			P50:   percentileLocked(r.responseTimes, 0.50),
			P95:   percentileLocked(r.responseTimes, 0.95),
			P99:   percentileLocked(r.responseTimes, 0.99),
			Count: len(r.responseTimes),
		},
	}
}
