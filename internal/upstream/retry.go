package upstream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skyfetch/weathergate/internal/clock"
	"github.com/skyfetch/weathergate/internal/metrics"
)

// Fetcher is the single-attempt fetch the retrier wraps.
type Fetcher interface {
	Fetch(ctx context.Context, city string) (json.RawMessage, error)
}

// RetryConfig bounds the retry schedule.
type RetryConfig struct {
	MaxAttempts int           // total attempts, including the first
	BackoffBase time.Duration // delay before attempt 2; doubles per attempt
}

// Retrier re-issues transient upstream failures with exponential backoff.
// Non-retryable kinds and caller cancellation are surfaced immediately; after
// exhaustion the last error is surfaced verbatim.
type Retrier struct {
	fetcher Fetcher
	cfg     RetryConfig
	clk     clock.Clock
	metrics *metrics.Registry
}

// NewRetrier wraps a fetcher with the given retry policy.
func NewRetrier(fetcher Fetcher, cfg RetryConfig, clk clock.Clock, reg *metrics.Registry) *Retrier {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Retrier{fetcher: fetcher, cfg: cfg, clk: clk, metrics: reg}
}

// Fetch attempts the fetch up to MaxAttempts times. It returns the payload,
// the number of retries performed (attempts beyond the first), and the last
// error when all attempts fail.
func (r *Retrier) Fetch(ctx context.Context, city string) (json.RawMessage, int, error) {
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.backoff(attempt)
			log.Info().
				Str("city", city).
				Int("attempt", attempt).
				Int("max_attempts", r.cfg.MaxAttempts).
				Dur("backoff", delay).
				Msg("Retrying upstream fetch")

			if err := r.clk.Sleep(ctx, delay); err != nil {
				return nil, attempt - 1, err
			}
			r.metrics.RecordRetry()
		}

		payload, err := r.fetcher.Fetch(ctx, city)
		if err == nil {
			return payload, attempt - 1, nil
		}

		// Caller cancellation: abandon without further attempts.
		if ctx.Err() != nil {
			return nil, attempt - 1, ctx.Err()
		}

		kind, ok := KindOf(err)
		if !ok || !kind.Retryable() {
			return nil, attempt - 1, err
		}

		log.Warn().
			Err(err).
			Str("city", city).
			Int("attempt", attempt).
			Msg("Retryable upstream failure")
		lastErr = err
	}

	return nil, r.cfg.MaxAttempts - 1, lastErr
}

// backoff returns base * 2^(k-1) for the wait preceding attempt k+1.
func (r *Retrier) backoff(attempt int) time.Duration {
	return r.cfg.BackoffBase << uint(attempt-2)
}
