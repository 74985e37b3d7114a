package datasource

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/tabula/internal/clock"
	"github.com/pitabwire/tabula/internal/config"
)

// ErrBreakerOpen is returned by Acquire while a backend is considered down.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerState is exported as a gauge, so the values are stable.
type BreakerState int

const (
	BreakerClosed   BreakerState = 0
	BreakerHalfOpen BreakerState = 1
	BreakerOpen     BreakerState = 2
)

var breakerStateNames = map[BreakerState]string{
	BreakerClosed:   "closed",
	BreakerHalfOpen: "half-open",
	BreakerOpen:     "open",
}

func (s BreakerState) String() string {
	if name, ok := breakerStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Outcome classifies a finished backend call for the breaker.
type Outcome int

const (
	// Success proves the backend is serving, including 4xx answers.
	Success Outcome = iota
	// Failure counts toward tripping: timeouts, refused connections, 5xx.
	Failure
	// Abandoned calls were cancelled by the caller and prove nothing.
	Abandoned
)

// CircuitBreaker stops calls to a backend after consecutive failures. Once
// the cool-down has passed it admits a limited number of probe calls; the
// circuit closes when enough probes succeed and reopens on the first
// failing probe. It is safe for concurrent use.
type CircuitBreaker struct {
	clock     clock.Clock
	threshold int
	probes    int
	cooldown  time.Duration

	mu        sync.Mutex
	state     BreakerState
	failures  int
	succeeded int
	inFlight  int
	openedAt  time.Time
	onChange  func(BreakerState)
}

// NewCircuitBreaker builds a breaker from cfg. Zero values default to five
// failures, two probes and a thirty second cool-down.
func NewCircuitBreaker(cfg config.CircuitBreakerConfig, clk clock.Clock) *CircuitBreaker {
	cb := &CircuitBreaker{
		clock:     clk,
		threshold: cfg.FailureThreshold,
		probes:    cfg.SuccessThreshold,
		cooldown:  cfg.Timeout,
	}
	if cb.clock == nil {
		cb.clock = clock.Real()
	}
	if cb.threshold < 1 {
		cb.threshold = 5
	}
	if cb.probes < 1 {
		cb.probes = 2
	}
	if cb.cooldown <= 0 {
		cb.cooldown = 30 * time.Second
	}
	return cb
}

// OnStateChange registers fn to observe transitions. fn runs with the
// breaker locked and must not call back into it.
func (cb *CircuitBreaker) OnStateChange(fn func(BreakerState)) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

// Acquire admits one call. The returned func must be called exactly once
// with the call's outcome.
func (cb *CircuitBreaker) Acquire() (func(Outcome), error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.expireCooldown()
	switch cb.state {
	case BreakerOpen:
		return nil, ErrBreakerOpen
	case BreakerHalfOpen:
		if cb.inFlight >= cb.probes-cb.succeeded {
			return nil, ErrBreakerOpen
		}
		cb.inFlight++
		return cb.settleProbe, nil
	}
	return cb.settle, nil
}

func (cb *CircuitBreaker) settle(o Outcome) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != BreakerClosed {
		// Admitted before the circuit opened.
		return
	}
	switch o {
	case Success:
		cb.failures = 0
	case Failure:
		if cb.failures++; cb.failures >= cb.threshold {
			cb.trip()
		}
	}
}

func (cb *CircuitBreaker) settleProbe(o Outcome) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.inFlight > 0 {
		cb.inFlight--
	}
	if cb.state != BreakerHalfOpen {
		return
	}
	switch o {
	case Success:
		if cb.succeeded++; cb.succeeded >= cb.probes {
			cb.failures = 0
			cb.transition(BreakerClosed)
		}
	case Failure:
		cb.trip()
	}
}

// State returns the current state, moving an expired open circuit to
// half-open.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.expireCooldown()
	return cb.state
}

func (cb *CircuitBreaker) trip() {
	cb.openedAt = cb.clock.Now()
	cb.transition(BreakerOpen)
}

func (cb *CircuitBreaker) expireCooldown() {
	if cb.state == BreakerOpen && cb.clock.Now().Sub(cb.openedAt) >= cb.cooldown {
		cb.succeeded = 0
		cb.inFlight = 0
		cb.transition(BreakerHalfOpen)
	}
}

func (cb *CircuitBreaker) transition(to BreakerState) {
	if cb.state == to {
		return
	}
	cb.state = to
	if cb.onChange != nil {
		cb.onChange(to)
	}
}
