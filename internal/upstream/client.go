package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

// ClientConfig holds the upstream connection settings.
type ClientConfig struct {
	BaseURL        string
	APIKey         string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	TotalTimeout   time.Duration
}

// Client issues single-shot requests against the Weatherstack current-weather
// endpoint. It never retries; retry policy lives in Retrier.
type Client struct {
	baseURL      string
	apiKey       string
	totalTimeout time.Duration
	httpClient   *http.Client
}

// NewClient creates an upstream client with a pooled transport.
func NewClient(cfg ClientConfig) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
	}

	return &Client{
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		totalTimeout: cfg.TotalTimeout,
		httpClient:   &http.Client{Transport: transport},
	}
}

// apiError is the in-body error envelope Weatherstack returns with HTTP 200.
type apiError struct {
	Code int    `json:"code"`
	Type string `json:"type"`
	Info string `json:"info"`
}

// Fetch performs one request for the given city and returns the raw payload
// verbatim. Failures carry a Kind; caller cancellation surfaces ctx.Err()
// unmapped so the breaker can skip the verdict.
func (c *Client) Fetch(ctx context.Context, city string) (json.RawMessage, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.totalTimeout)
	defer cancel()

	u := fmt.Sprintf("%s/current?%s", c.baseURL, url.Values{
		"access_key": {c.apiKey},
		"query":      {city},
	}.Encode())

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		return nil, newError(KindTransport, "building request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.mapTransportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.mapTransportError(ctx, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, mapStatus(resp.StatusCode, city)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(body, &decoded); err != nil {
		log.Warn().Err(err).Str("city", city).Msg("Malformed upstream payload")
		return nil, newError(KindMalformed, "decoding response body", err)
	}

	if rawErr, ok := decoded["error"]; ok {
		var ae apiError
		if err := json.Unmarshal(rawErr, &ae); err != nil {
			return nil, newError(KindMalformed, "decoding error envelope", err)
		}
		return nil, mapAPIError(ae, city)
	}

	return json.RawMessage(body), nil
}

// Close releases pooled upstream connections. Called on shutdown.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// mapTransportError distinguishes caller cancellation, deadline expiry, and
// connection failures.
func (c *Client) mapTransportError(ctx context.Context, err error) error {
	// The caller's cancellation is not an upstream verdict.
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return newError(KindTimeout, "deadline exceeded", err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return newError(KindTimeout, "network timeout", err)
	default:
		return newError(KindTransport, "connection failure", err)
	}
}

func mapStatus(status int, city string) error {
	switch {
	case status == http.StatusUnauthorized:
		log.Error().Msg("Upstream rejected API key")
		return newError(KindAuth, "invalid API key", nil)
	case status == http.StatusNotFound:
		log.Warn().Str("city", city).Msg("City not found")
		return newError(KindNotFound, fmt.Sprintf("city %q not found", city), nil)
	case status == http.StatusTooManyRequests:
		log.Warn().Msg("Upstream rate limit exceeded")
		return newError(KindRateLimited, "rate limit exceeded", nil)
	default:
		return newError(KindServerError, fmt.Sprintf("HTTP %d", status), nil)
	}
}

func mapAPIError(ae apiError, city string) error {
	switch ae.Code {
	case http.StatusUnauthorized:
		log.Error().Str("type", ae.Type).Msg("Upstream rejected API key")
		return newError(KindAuth, "invalid API key", nil)
	case http.StatusNotFound:
		log.Warn().Str("city", city).Msg("City not found")
		return newError(KindNotFound, fmt.Sprintf("city %q not found", city), nil)
	case http.StatusTooManyRequests:
		log.Warn().Msg("Upstream rate limit exceeded")
		return newError(KindRateLimited, "rate limit exceeded", nil)
	default:
		return newError(KindServerError, ae.Info, nil)
	}
}
