package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyfetch/weathergate/internal/breaker"
	"github.com/skyfetch/weathergate/internal/cache"
	"github.com/skyfetch/weathergate/internal/clock"
	"github.com/skyfetch/weathergate/internal/metrics"
	"github.com/skyfetch/weathergate/internal/upstream"
)

type fetchFunc func(ctx context.Context, city string) (json.RawMessage, error)

func (f fetchFunc) Fetch(ctx context.Context, city string) (json.RawMessage, error) {
	return f(ctx, city)
}

type gatewayEnv struct {
	orc   *Orchestrator
	fake  *clock.Fake
	reg   *metrics.Registry
	cache *cache.Cache
	brk   *breaker.Breaker
	calls int
}

// newGatewayEnv wires a full resilience stack around a scripted fetch
// function, with three attempts per lookup and a five-failure breaker.
func newGatewayEnv(t *testing.T, fetch fetchFunc) *gatewayEnv {
	t.Helper()

	env := &gatewayEnv{
		fake: clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)),
		reg:  metrics.NewRegistry(),
	}
	env.cache = cache.New(cache.Config{
		TTL:         300 * time.Second,
		StaleMaxAge: 3600 * time.Second,
		MaxEntries:  1000,
	}, env.fake)
	env.brk = breaker.New(breaker.Config{
		FailureThreshold:     5,
		RecoveryTimeout:      60 * time.Second,
		FailureRateThreshold: 0.5,
	}, env.fake, env.reg, ClassifyVerdict)

	counted := fetchFunc(func(ctx context.Context, city string) (json.RawMessage, error) {
		env.calls++
		return fetch(ctx, city)
	})
	retrier := upstream.NewRetrier(counted, upstream.RetryConfig{
		MaxAttempts: 3,
		BackoffBase: time.Second,
	}, env.fake, env.reg)

	env.orc = New(env.cache, env.brk, retrier, env.reg, env.fake)
	return env
}

func alwaysSucceed(payload string) fetchFunc {
	return func(ctx context.Context, city string) (json.RawMessage, error) {
		return json.RawMessage(payload), nil
	}
}

func alwaysFail(kind upstream.Kind) fetchFunc {
	return func(ctx context.Context, city string) (json.RawMessage, error) {
		return nil, &upstream.Error{Kind: kind, Message: "scripted failure"}
	}
}

func TestLookup_EmptyCity(t *testing.T) {
	env := newGatewayEnv(t, alwaysSucceed(`{}`))

	_, err := env.orc.Lookup(context.Background(), "   ")
	require.ErrorIs(t, err, ErrEmptyCity)

	snap := env.reg.Snapshot()
	assert.Equal(t, int64(1), snap.Counters.Requests, "rejected requests still count")
	assert.Zero(t, snap.ResponseTimes.Count, "no response time for rejected requests")
	assert.Zero(t, env.calls, "upstream must not be contacted")
}

func TestLookup_FetchSuccess(t *testing.T) {
	env := newGatewayEnv(t, alwaysSucceed(`{"current":{"temperature":18}}`))

	res, err := env.orc.Lookup(context.Background(), "Paris")
	require.NoError(t, err)

	assert.JSONEq(t, `{"current":{"temperature":18}}`, string(res.Data))
	assert.False(t, res.Metadata.Cached)
	assert.False(t, res.Metadata.Stale)
	assert.Equal(t, SourceAPI, res.Metadata.Source)
	assert.Zero(t, res.Metadata.RetryAttempts)
	assert.Equal(t, "closed", res.Metadata.BreakerState)

	_, _, ok := env.cache.GetFresh(cache.Key("Paris"))
	assert.True(t, ok, "successful fetch must populate the cache")

	snap := env.reg.Snapshot()
	assert.Equal(t, int64(1), snap.Counters.Requests)
	assert.Equal(t, int64(1), snap.Counters.CacheMisses)
	assert.Equal(t, 1, snap.ResponseTimes.Count)
}

func TestLookup_FreshCacheHitSkipsUpstream(t *testing.T) {
	env := newGatewayEnv(t, alwaysSucceed(`{"v":1}`))

	_, err := env.orc.Lookup(context.Background(), "Paris")
	require.NoError(t, err)
	require.Equal(t, 1, env.calls)

	res, err := env.orc.Lookup(context.Background(), "  PARIS ")
	require.NoError(t, err)

	assert.Equal(t, 1, env.calls, "fresh hit must not contact upstream")
	assert.True(t, res.Metadata.Cached)
	assert.False(t, res.Metadata.Stale)
	assert.Equal(t, cache.SourceCache, res.Metadata.Source)

	snap := env.reg.Snapshot()
	assert.Equal(t, int64(1), snap.Counters.CacheHits)
	assert.Equal(t, int64(1), snap.Counters.CacheMisses)
	assert.Equal(t, 2, snap.ResponseTimes.Count)
}

func TestLookup_RetriesThenSucceeds(t *testing.T) {
	failures := 2
	env := newGatewayEnv(t, func(ctx context.Context, city string) (json.RawMessage, error) {
		if failures > 0 {
			failures--
			return nil, &upstream.Error{Kind: upstream.KindServerError, Message: "flaky"}
		}
		return json.RawMessage(`{"v":1}`), nil
	})

	res, err := env.orc.Lookup(context.Background(), "Paris")
	require.NoError(t, err)

	assert.Equal(t, 2, res.Metadata.RetryAttempts)
	assert.Equal(t, SourceAPI, res.Metadata.Source)
	assert.Equal(t, int64(2), env.reg.Snapshot().Counters.RetryAttempts)
	assert.Equal(t, 3, env.calls)
}

func TestLookup_StaleFallbackOnUpstreamFailure(t *testing.T) {
	healthy := true
	env := newGatewayEnv(t, func(ctx context.Context, city string) (json.RawMessage, error) {
		if healthy {
			return json.RawMessage(`{"v":"old"}`), nil
		}
		return nil, &upstream.Error{Kind: upstream.KindServerError, Message: "down"}
	})

	_, err := env.orc.Lookup(context.Background(), "Paris")
	require.NoError(t, err)

	healthy = false
	env.fake.Advance(301 * time.Second) // past TTL, within stale horizon

	res, err := env.orc.Lookup(context.Background(), "Paris")
	require.NoError(t, err)

	assert.JSONEq(t, `{"v":"old"}`, string(res.Data))
	assert.True(t, res.Metadata.Stale)
	assert.Equal(t, cache.SourceCacheFallback, res.Metadata.Source)
	assert.Equal(t, 2, res.Metadata.RetryAttempts, "all attempts exhausted before fallback")

	snap := env.reg.Snapshot()
	assert.Equal(t, int64(1), snap.Counters.StaleFallbacks)
	assert.Equal(t, int64(1), snap.ErrorsByType["server_error"])
}

func TestLookup_NotFoundNeverMaskedByStale(t *testing.T) {
	prime := true
	env := newGatewayEnv(t, func(ctx context.Context, city string) (json.RawMessage, error) {
		if prime {
			return json.RawMessage(`{"v":"old"}`), nil
		}
		return nil, &upstream.Error{Kind: upstream.KindNotFound, Message: "no such city"}
	})

	_, err := env.orc.Lookup(context.Background(), "Paris")
	require.NoError(t, err)

	prime = false
	env.fake.Advance(301 * time.Second)

	_, err = env.orc.Lookup(context.Background(), "Paris")
	kind, ok := upstream.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, upstream.KindNotFound, kind)

	snap := env.reg.Snapshot()
	assert.Zero(t, snap.Counters.StaleFallbacks, "stale data must not answer a not-found")
	assert.Equal(t, int64(1), snap.ErrorsByType["not_found"])
	assert.Zero(t, env.brk.Stats().ConsecutiveFailures, "not-found is a healthy-upstream verdict")
}

func TestLookup_TimeoutRecordsTimeoutCounter(t *testing.T) {
	env := newGatewayEnv(t, alwaysFail(upstream.KindTimeout))

	_, err := env.orc.Lookup(context.Background(), "Paris")
	require.Error(t, err)

	snap := env.reg.Snapshot()
	assert.Equal(t, int64(1), snap.Counters.Timeouts)
	assert.Equal(t, int64(1), snap.ErrorsByType["timeout"])
}

func TestLookup_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	env := newGatewayEnv(t, alwaysFail(upstream.KindServerError))

	// One verdict per lookup: retries happen inside the guarded call.
	for i := 0; i < 5; i++ {
		_, err := env.orc.Lookup(context.Background(), "Paris")
		require.Error(t, err)
	}
	require.Equal(t, breaker.StateOpen, env.brk.State())
	callsWhileClosed := env.calls

	_, err := env.orc.Lookup(context.Background(), "Paris")
	require.ErrorIs(t, err, breaker.ErrOpen)
	assert.Equal(t, callsWhileClosed, env.calls, "open breaker must not contact upstream")

	snap := env.reg.Snapshot()
	assert.Equal(t, int64(1), snap.Counters.BreakerOpens)
	assert.Equal(t, int64(1), snap.ErrorsByType["breaker_open"])
}

func TestLookup_BreakerOpenServesStale(t *testing.T) {
	healthy := true
	env := newGatewayEnv(t, func(ctx context.Context, city string) (json.RawMessage, error) {
		if healthy {
			return json.RawMessage(`{"v":"old"}`), nil
		}
		return nil, &upstream.Error{Kind: upstream.KindServerError, Message: "down"}
	})

	_, err := env.orc.Lookup(context.Background(), "Paris")
	require.NoError(t, err)

	healthy = false
	env.fake.Advance(301 * time.Second)
	for i := 0; i < 5; i++ {
		res, err := env.orc.Lookup(context.Background(), "Paris")
		require.NoError(t, err, "stale fallback should mask the outage")
		require.True(t, res.Metadata.Stale)
	}
	require.Equal(t, breaker.StateOpen, env.brk.State())

	res, err := env.orc.Lookup(context.Background(), "Paris")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"old"}`, string(res.Data))
	assert.Equal(t, cache.SourceCacheFallback, res.Metadata.Source)
	assert.Equal(t, "open", res.Metadata.BreakerState)
}

func TestLookup_BreakerOpenWithoutStaleFails(t *testing.T) {
	env := newGatewayEnv(t, alwaysFail(upstream.KindServerError))

	for i := 0; i < 5; i++ {
		env.orc.Lookup(context.Background(), "Paris")
	}
	require.Equal(t, breaker.StateOpen, env.brk.State())

	_, err := env.orc.Lookup(context.Background(), "Oslo")
	assert.ErrorIs(t, err, breaker.ErrOpen)
}

func TestLookup_ResponseTimeOncePerServedRequest(t *testing.T) {
	env := newGatewayEnv(t, alwaysFail(upstream.KindNotFound))

	env.orc.Lookup(context.Background(), "")      // rejected, no sample
	env.orc.Lookup(context.Background(), "Paris") // not found, sampled
	env.orc.Lookup(context.Background(), "Paris") // not found, sampled

	snap := env.reg.Snapshot()
	assert.Equal(t, int64(3), snap.Counters.Requests)
	assert.Equal(t, 2, snap.ResponseTimes.Count)
}

func TestClassifyVerdict(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want breaker.Verdict
	}{
		{"not found", &upstream.Error{Kind: upstream.KindNotFound}, breaker.VerdictSuccess},
		{"auth", &upstream.Error{Kind: upstream.KindAuth}, breaker.VerdictSuccess},
		{"rate limited", &upstream.Error{Kind: upstream.KindRateLimited}, breaker.VerdictFailure},
		{"timeout", &upstream.Error{Kind: upstream.KindTimeout}, breaker.VerdictFailure},
		{"server error", &upstream.Error{Kind: upstream.KindServerError}, breaker.VerdictFailure},
		{"caller cancel", context.Canceled, breaker.VerdictNone},
		{"caller deadline", context.DeadlineExceeded, breaker.VerdictNone},
		{"unclassified", errors.New("boom"), breaker.VerdictFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyVerdict(tc.err))
		})
	}
}
