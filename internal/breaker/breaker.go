package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skyfetch/weathergate/internal/clock"
	"github.com/skyfetch/weathergate/internal/metrics"
)

// ErrOpen is returned when admission is denied without calling upstream.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker's position in the Closed/Open/HalfOpen machine.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Verdict classifies one upstream attempt for the state machine.
type Verdict int

const (
	VerdictSuccess Verdict = iota
	VerdictFailure
	// VerdictNone marks attempts that never reached the upstream's answer
	// (caller cancellation); the ring buffer and counters are untouched.
	VerdictNone
)

// Classifier maps a call result to a verdict. A nil error is always a
// success regardless of the classifier.
type Classifier func(error) Verdict

// Config holds the breaker's trigger settings.
type Config struct {
	FailureThreshold     int           // consecutive failures that open the circuit
	RecoveryTimeout      time.Duration // Open -> HalfOpen gap
	FailureRateThreshold float64       // failure fraction over the recent ring
}

const (
	ringCapacity      = 20
	minSamplesForRate = 5
)

// Breaker guards the upstream with a dual-trigger three-state machine:
// consecutive failures or a failure rate over the last ringCapacity
// outcomes open the circuit. The Open -> HalfOpen transition is lazy,
// evaluated on admission; HalfOpen admits exactly one in-flight probe.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	clk      clock.Clock
	metrics  *metrics.Registry
	classify Classifier

	state               State
	openedAt            time.Time
	consecutiveFailures int
	recent              []bool // FIFO of outcome verdicts, true = success
	probing             bool   // one probe admitted while half-open

	successes    int64
	failures     int64
	stateChanges int64
}

// New creates a closed breaker. The classifier decides which errors count
// as upstream failures; metrics may be nil in tests.
func New(cfg Config, clk clock.Clock, reg *metrics.Registry, classify Classifier) *Breaker {
	return &Breaker{
		cfg:      cfg,
		clk:      clk,
		metrics:  reg,
		classify: classify,
		state:    StateClosed,
		recent:   make([]bool, 0, ringCapacity),
	}
}

// Call runs fn if admission allows it. It returns ErrOpen when the circuit
// short-circuits, otherwise fn's error after recording the verdict.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	callErr := fn(ctx)
	b.record(callErr, probe)
	return callErr
}

// admit evaluates the admission check, performing the lazy Open -> HalfOpen
// transition. The returned flag marks the call as the half-open probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if b.clk.Now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
			b.setState(StateHalfOpen)
			b.probing = true
			log.Info().Msg("Circuit breaker half-open, admitting probe")
			return true, nil
		}
		return false, ErrOpen
	case StateHalfOpen:
		if b.probing {
			return false, ErrOpen
		}
		b.probing = true
		return true, nil
	default:
		return false, ErrOpen
	}
}

// record applies the verdict for one admitted call.
func (b *Breaker) record(callErr error, probe bool) {
	verdict := VerdictSuccess
	if callErr != nil {
		verdict = b.classify(callErr)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}

	switch verdict {
	case VerdictNone:
		// Never reached an upstream answer; nothing to count.
	case VerdictSuccess:
		b.onSuccess()
	case VerdictFailure:
		b.onFailure()
	}
}

func (b *Breaker) onSuccess() {
	b.successes++
	b.pushOutcome(true)

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		log.Info().Msg("Circuit breaker closed (recovered)")
		b.setState(StateClosed)
		b.consecutiveFailures = 0
		b.openedAt = time.Time{}
	}
}

func (b *Breaker) onFailure() {
	b.failures++
	b.pushOutcome(false)

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		rate := b.failureRate()
		if b.consecutiveFailures >= b.cfg.FailureThreshold ||
			(len(b.recent) >= minSamplesForRate && rate >= b.cfg.FailureRateThreshold) {
			log.Warn().
				Int("consecutive_failures", b.consecutiveFailures).
				Float64("failure_rate", rate).
				Msg("Circuit breaker opening")
			b.setState(StateOpen)
			b.openedAt = b.clk.Now()
			if b.metrics != nil {
				b.metrics.RecordBreakerOpen()
			}
		}
	case StateHalfOpen:
		log.Warn().Msg("Circuit breaker reopening after failed probe")
		b.setState(StateOpen)
		b.openedAt = b.clk.Now() // recovery window restarts
	}
}

func (b *Breaker) pushOutcome(success bool) {
	b.recent = append(b.recent, success)
	if len(b.recent) > ringCapacity {
		b.recent = b.recent[1:]
	}
}

func (b *Breaker) failureRate() float64 {
	if len(b.recent) == 0 {
		return 0
	}
	failed := 0
	for _, ok := range b.recent {
		if !ok {
			failed++
		}
	}
	return float64(failed) / float64(len(b.recent))
}

func (b *Breaker) setState(s State) {
	if b.state != s {
		b.state = s
		b.stateChanges++
	}
}

// State returns the current state without evaluating the lazy transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a read-consistent view of the breaker for the metrics surface.
type Stats struct {
	State               string  `json:"state"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	Failures            int64   `json:"failures"`
	Successes           int64   `json:"successes"`
	FailureRate         float64 `json:"failure_rate"`
	OpenedAt            float64 `json:"opened_at,omitempty"` // unix seconds, 0 while closed
	StateChanges        int64   `json:"state_changes"`
}

// Stats returns the breaker's counters and state together under one lock.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	var openedAt float64
	if !b.openedAt.IsZero() {
		openedAt = float64(b.openedAt.UnixNano()) / float64(time.Second)
	}

	return Stats{
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		Failures:            b.failures,
		Successes:           b.successes,
		FailureRate:         b.failureRate(),
		OpenedAt:            openedAt,
		StateChanges:        b.stateChanges,
	}
}
