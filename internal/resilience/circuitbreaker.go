// Package resilience provides circuit breakers and provider failover.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open).
// [FallbackGroup] orders a primary and fallback instances of one provider
// type, each behind its own breaker. [AIFallback], [STTFallback] and
// [TTSFallback] apply it to the session's backends.
//
// Cancellation is not failure: calls ending in [context.Canceled] never
// count against a breaker, so barge-ins and stops do not trip it.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards all calls.
	StateClosed State = iota

	// StateOpen rejects calls until the reset timeout elapsed.
	StateOpen

	// StateHalfOpen lets a few probe calls through. Enough successes close
	// the breaker; one failure re-opens it.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields get defaults.
type CircuitBreakerConfig struct {
	// Name labels log lines and state change callbacks.
	Name string

	// MaxFailures consecutive failures open the breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probes in half-open. Default: 3.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition, outside the
	// breaker's lock.
	OnStateChange func(name string, from, to State)

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probes      int
	probeOKs    int
	transitions []transition
}

type transition struct{ from, to State }

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Name returns the configured name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Allow asks to make one call. On success it returns done, which must be
// called exactly once with the call's outcome.
func (cb *CircuitBreaker) Allow() (done func(err error), err error) {
	cb.mu.Lock()
	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		cb.setLocked(StateHalfOpen)
		cb.probes, cb.probeOKs = 0, 0
	}
	probe := cb.state == StateHalfOpen
	if probe {
		if cb.probes >= cb.cfg.HalfOpenMax {
			cb.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		cb.probes++
	}
	cb.mu.Unlock()
	cb.notify()

	var once sync.Once
	return func(err error) {
		once.Do(func() { cb.record(err, probe) })
	}, nil
}

// Execute runs fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	done, err := cb.Allow()
	if err != nil {
		return err
	}
	err = fn()
	done(err)
	return err
}

func (cb *CircuitBreaker) record(err error, probe bool) {
	cb.mu.Lock()
	switch {
	case errors.Is(err, context.Canceled):
		// Neither success nor failure; give the probe slot back.
		if probe && cb.state == StateHalfOpen {
			cb.probes--
		}
	case err != nil:
		cb.failures++
		if probe || cb.failures >= cb.cfg.MaxFailures {
			if cb.state != StateOpen {
				slog.Warn("circuit breaker opened",
					"name", cb.cfg.Name,
					"consecutive_failures", cb.failures,
					"err", err,
				)
			}
			cb.openedAt = cb.cfg.Now()
			cb.setLocked(StateOpen)
		}
	default:
		cb.failures = 0
		if probe && cb.state == StateHalfOpen {
			cb.probeOKs++
			if cb.probeOKs >= cb.cfg.HalfOpenMax {
				slog.Info("circuit breaker closed after successful probes", "name", cb.cfg.Name)
				cb.setLocked(StateClosed)
			}
		}
	}
	cb.mu.Unlock()
	cb.notify()
}

// setLocked changes state and queues the callback. cb.mu must be held.
func (cb *CircuitBreaker) setLocked(to State) {
	if cb.state == to {
		return
	}
	cb.transitions = append(cb.transitions, transition{cb.state, to})
	cb.state = to
}

func (cb *CircuitBreaker) notify() {
	cb.mu.Lock()
	pending := cb.transitions
	cb.transitions = nil
	cb.mu.Unlock()
	if cb.cfg.OnStateChange == nil {
		return
	}
	for _, t := range pending {
		cb.cfg.OnStateChange(cb.cfg.Name, t.from, t.to)
	}
}

// State returns the current state. An open breaker whose reset timeout
// elapsed reports half-open; the transition happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures, cb.probes, cb.probeOKs = 0, 0, 0
	cb.setLocked(StateClosed)
	cb.mu.Unlock()
	cb.notify()
	slog.Info("circuit breaker manually reset", "name", cb.cfg.Name)
}
