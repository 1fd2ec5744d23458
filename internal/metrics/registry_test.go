package metrics

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Counters(t *testing.T) {
	r := NewRegistry()

	r.RecordRequest()
	r.RecordRequest()
	r.RecordCacheHit()
	r.RecordCacheMiss()
	r.RecordError("transport")
	r.RecordTimeout()
	r.RecordStaleFallback()
	r.RecordBreakerOpen()
	r.RecordRetry()
	r.RecordRetry()

	snap := r.Snapshot()
	assert.Equal(t, int64(2), snap.Counters.Requests)
	assert.Equal(t, int64(2), snap.Counters.Errors) // transport + timeout
	assert.Equal(t, int64(1), snap.Counters.Timeouts)
	assert.Equal(t, int64(1), snap.Counters.CacheHits)
	assert.Equal(t, int64(1), snap.Counters.CacheMisses)
	assert.Equal(t, int64(1), snap.Counters.StaleFallbacks)
	assert.Equal(t, int64(1), snap.Counters.BreakerOpens)
	assert.Equal(t, int64(2), snap.Counters.RetryAttempts)

	assert.Equal(t, int64(1), snap.ErrorsByType["transport"])
	assert.Equal(t, int64(1), snap.ErrorsByType["timeout"])
}

func TestRegistry_RatesZeroDenominator(t *testing.T) {
	r := NewRegistry()
	assert.Zero(t, r.CacheHitRate())
	assert.Zero(t, r.ErrorRate())

	snap := r.Snapshot()
	assert.Zero(t, snap.Rates.CacheHitRate)
	assert.Zero(t, snap.Rates.ErrorRate)
}

func TestRegistry_Rates(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 4; i++ {
		r.RecordRequest()
	}
	r.RecordError("server_error")
	for i := 0; i < 3; i++ {
		r.RecordCacheHit()
	}
	r.RecordCacheMiss()

	assert.InDelta(t, 0.25, r.ErrorRate(), 1e-9)
	assert.InDelta(t, 0.75, r.CacheHitRate(), 1e-9)
}

func TestRegistry_PercentileEmpty(t *testing.T) {
	r := NewRegistry()
	assert.Zero(t, r.Percentile(0.95))
}

func TestRegistry_Percentiles(t *testing.T) {
	r := NewRegistry()
	// Insert out of order; percentile computation sorts a copy.
	for _, v := range []float64{0.9, 0.1, 0.5, 0.3, 0.7} {
		r.RecordResponseTime(v)
	}

	// n=5: floor(0.5*5)=2 -> 0.5, floor(0.95*5)=4 -> 0.9
	assert.InDelta(t, 0.5, r.Percentile(0.50), 1e-9)
	assert.InDelta(t, 0.9, r.Percentile(0.95), 1e-9)
	// p=1.0 clamps to the last element.
	assert.InDelta(t, 0.9, r.Percentile(1.0), 1e-9)
}

func TestRegistry_ResponseTimeBufferBounded(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < maxResponseTimes+50; i++ {
		r.RecordResponseTime(float64(i))
	}

	snap := r.Snapshot()
	require.Equal(t, maxResponseTimes, snap.ResponseTimes.Count)
	// The 50 oldest samples were discarded, so the minimum survivor is 50.
	assert.InDelta(t, 50.0, r.Percentile(0), 1e-9)
}

func TestRegistry_SnapshotIsolation(t *testing.T) {
	r := NewRegistry()
	r.RecordError("auth")
	snap := r.Snapshot()
	snap.ErrorsByType["auth"] = 99

	assert.Equal(t, int64(1), r.Snapshot().ErrorsByType["auth"])
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				r.RecordRequest()
				r.RecordCacheHit()
				r.RecordError("transport")
				r.RecordResponseTime(0.01)
				_ = r.Snapshot()
			}
		}()
	}
	wg.Wait()

	snap := r.Snapshot()
	assert.Equal(t, int64(1600), snap.Counters.Requests)
	assert.Equal(t, int64(1600), snap.Counters.Errors)
	assert.Equal(t, maxResponseTimes, snap.ResponseTimes.Count)
}

func TestExporter_Gather(t *testing.T) {
	r := NewRegistry()
	r.RecordRequest()
	r.RecordError("not_found")
	r.RecordResponseTime(0.2)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewExporter(r)))

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := make(map[string]bool, len(families))
	for _, f := range families {
		byName[f.GetName()] = true
	}
	assert.True(t, byName["weathergate_api_requests_total"])
	assert.True(t, byName["weathergate_errors_by_type_total"])
	assert.True(t, byName["weathergate_response_time_seconds"])
}
