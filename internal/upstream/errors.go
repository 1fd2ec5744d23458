package upstream

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies upstream failures. Every error surfaced by the client
// carries exactly one kind; the policy table below drives HTTP mapping,
// retry eligibility, breaker verdicts, and stale-cache consultation.
type Kind int

const (
	KindNotFound Kind = iota
	KindAuth
	KindRateLimited
	KindTransport
	KindTimeout
	KindServerError
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindServerError:
		return "server_error"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

type policy struct {
	httpStatus     int
	retryable      bool
	breakerFailure bool // NotFound and Auth are healthy-upstream verdicts
	staleEligible  bool
}

// One row per kind. Keeping the whole table in one place prevents the
// handler, retrier, and breaker from drifting apart on policy.
var policies = map[Kind]policy{
	KindNotFound:    {httpStatus: http.StatusNotFound, retryable: false, breakerFailure: false, staleEligible: false},
	KindAuth:        {httpStatus: http.StatusUnauthorized, retryable: false, breakerFailure: false, staleEligible: false},
	KindRateLimited: {httpStatus: http.StatusTooManyRequests, retryable: false, breakerFailure: true, staleEligible: true},
	KindTransport:   {httpStatus: http.StatusBadGateway, retryable: true, breakerFailure: true, staleEligible: true},
	KindTimeout:     {httpStatus: http.StatusGatewayTimeout, retryable: true, breakerFailure: true, staleEligible: true},
	KindServerError: {httpStatus: http.StatusBadGateway, retryable: true, breakerFailure: true, staleEligible: true},
	KindMalformed:   {httpStatus: http.StatusBadGateway, retryable: true, breakerFailure: true, staleEligible: true},
}

// HTTPStatus returns the canonical status code surfaced to clients.
func (k Kind) HTTPStatus() int {
	if p, ok := policies[k]; ok {
		return p.httpStatus
	}
	return http.StatusInternalServerError
}

// Retryable reports whether the retry executor may attempt the call again.
func (k Kind) Retryable() bool {
	return policies[k].retryable
}

// BreakerFailure reports whether the kind counts as a failure verdict for
// the circuit breaker. NotFound and Auth indicate a responsive upstream and
// must not trip the breaker.
func (k Kind) BreakerFailure() bool {
	return policies[k].breakerFailure
}

// StaleEligible reports whether the orchestrator may fall back to stale
// cache when this kind is surfaced. NotFound and Auth are answers, not
// outages, and are never masked by stale data.
func (k Kind) StaleEligible() bool {
	return policies[k].staleEligible
}

// Error is the typed failure returned by the upstream client.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("weatherstack %s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("weatherstack %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("weatherstack %s", e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from an error, reporting false for errors that
// did not originate in this package (context cancellation, breaker-open).
func KindOf(err error) (Kind, bool) {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind, true
	}
	return 0, false
}
