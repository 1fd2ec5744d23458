package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/skyfetch/weathergate/internal/breaker"
	"github.com/skyfetch/weathergate/internal/cache"
	"github.com/skyfetch/weathergate/internal/clock"
	"github.com/skyfetch/weathergate/internal/metrics"
	"github.com/skyfetch/weathergate/internal/upstream"
)

// ErrEmptyCity rejects requests whose city is empty after trimming.
var ErrEmptyCity = errors.New("city parameter is required")

// SourceAPI marks payloads fetched live from the upstream.
const SourceAPI = "api"

// Metadata accompanies every weather payload and tells the client where the
// data came from and how degraded it is.
type Metadata struct {
	Cached        bool    `json:"cached"`
	Stale         bool    `json:"stale"`
	AgeSeconds    float64 `json:"age_seconds"`
	Source        string  `json:"source"`
	RetryAttempts int     `json:"retry_attempts"`
	BreakerState  string  `json:"circuit_breaker_state"`
}

// Result is the gateway's answer for one city lookup.
type Result struct {
	Data     json.RawMessage `json:"data"`
	Metadata Metadata        `json:"metadata"`
}

// Orchestrator composes the cache, breaker, and retrying upstream client
// into the per-request decision tree: fresh cache, then guarded fetch, then
// stale fallback.
type Orchestrator struct {
	cache   *cache.Cache
	breaker *breaker.Breaker
	retrier *upstream.Retrier
	metrics *metrics.Registry
	clk     clock.Clock
}

// New wires the resilience core together.
func New(c *cache.Cache, b *breaker.Breaker, r *upstream.Retrier, reg *metrics.Registry, clk clock.Clock) *Orchestrator {
	return &Orchestrator{cache: c, breaker: b, retrier: r, metrics: reg, clk: clk}
}

// ClassifyVerdict maps call errors to breaker verdicts. Client-side kinds
// (NotFound, Auth) prove a responsive upstream and count as successes;
// cancellation never reached a verdict.
func ClassifyVerdict(err error) breaker.Verdict {
	if kind, ok := upstream.KindOf(err); ok {
		if kind.BreakerFailure() {
			return breaker.VerdictFailure
		}
		return breaker.VerdictSuccess
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return breaker.VerdictNone
	}
	return breaker.VerdictFailure
}

// Lookup returns current weather for the city, applying the fallback policy.
// Errors are ErrEmptyCity, breaker.ErrOpen (no stale data available), a
// *upstream.Error, or the caller's context error.
func (o *Orchestrator) Lookup(ctx context.Context, city string) (*Result, error) {
	o.metrics.RecordRequest()

	city = strings.TrimSpace(city)
	if city == "" {
		log.Warn().Msg("Empty city parameter")
		return nil, ErrEmptyCity
	}

	key := cache.Key(city)
	start := o.clk.Now()
	finish := func() {
		o.metrics.RecordResponseTime(o.clk.Now().Sub(start).Seconds())
	}

	if payload, meta, ok := o.cache.GetFresh(key); ok {
		log.Debug().Str("city", city).Msg("Fresh cache hit")
		o.metrics.RecordCacheHit()
		finish()
		return o.result(payload, meta.Cached, meta.Stale, meta.AgeSeconds, meta.Source, 0), nil
	}
	o.metrics.RecordCacheMiss()

	var payload json.RawMessage
	var retries int
	err := o.breaker.Call(ctx, func(ctx context.Context) error {
		var fetchErr error
		payload, retries, fetchErr = o.retrier.Fetch(ctx, city)
		return fetchErr
	})

	if err == nil {
		o.cache.Put(key, payload)
		log.Info().Str("city", city).Int("retries", retries).Msg("Fetched and cached weather")
		finish()
		return o.result(payload, false, false, 0, SourceAPI, retries), nil
	}

	if errors.Is(err, breaker.ErrOpen) {
		o.metrics.RecordError("breaker_open")
		if stale, meta, ok := o.cache.GetAny(key); ok {
			log.Info().Str("city", city).Msg("Serving stale cache while breaker is open")
			o.metrics.RecordStaleFallback()
			finish()
			return o.result(stale, meta.Cached, meta.Stale, meta.AgeSeconds, meta.Source, retries), nil
		}
		log.Error().Str("city", city).Msg("Breaker open and no stale cache available")
		finish()
		return nil, err
	}

	kind, ok := upstream.KindOf(err)
	if !ok {
		// Caller cancellation or an unclassified failure; nothing to mask.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			finish()
			return nil, err
		}
		log.Error().Err(err).Str("city", city).Msg("Unexpected fetch error")
		o.metrics.RecordError("unexpected_error")
		finish()
		return nil, err
	}

	if kind == upstream.KindTimeout {
		o.metrics.RecordTimeout()
	} else {
		o.metrics.RecordError(kind.String())
	}

	if !kind.StaleEligible() {
		// NotFound and Auth are answers, not outages.
		finish()
		return nil, err
	}

	if stale, meta, ok := o.cache.GetAny(key); ok {
		log.Info().
			Str("city", city).
			Str("kind", kind.String()).
			Msg("Serving stale cache after upstream failure")
		o.metrics.RecordStaleFallback()
		finish()
		return o.result(stale, meta.Cached, meta.Stale, meta.AgeSeconds, meta.Source, retries), nil
	}

	log.Error().Err(err).Str("city", city).Msg("Upstream failed with no stale cache")
	finish()
	return nil, err
}

func (o *Orchestrator) result(data json.RawMessage, cached, stale bool, age float64, source string, retries int) *Result {
	return &Result{
		Data: data,
		Metadata: Metadata{
			Cached:        cached,
			Stale:         stale,
			AgeSeconds:    age,
			Source:        source,
			RetryAttempts: retries,
			BreakerState:  o.breaker.State().String(),
		},
	}
}
