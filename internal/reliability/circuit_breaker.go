// Package reliability isolates failing providers: per-provider circuit breakers, bounded
// retry with backoff, and call gates that bound concurrency and call rate.
package reliability

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject calls
	StateHalfOpen              // One probe allowed
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

// BreakerConfig holds configuration for creating a circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           // Consecutive failures before opening
	Cooldown         time.Duration // Time spent open before a probe is allowed
	MaxCooldown      time.Duration // Upper bound when a failed probe doubles the cooldown
}

// DefaultBreakerConfig returns the defaults used when nothing is configured.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		MaxCooldown:      10 * time.Minute,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = c.Cooldown
	}
	return c
}

// BreakerSnapshot is a point-in-time copy of a breaker's state.
type BreakerSnapshot struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	Cooldown            string    `json:"cooldown"`
	ProbeInFlight       bool      `json:"probe_in_flight"`
}

// CircuitBreaker is a closed / open / half-open failure tracker for one provider.
// Thread-safe for concurrent use.
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time
	log  zerolog.Logger

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	cooldown            time.Duration
	probeInFlight       bool
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(name string, cfg BreakerConfig, log zerolog.Logger) *CircuitBreaker {
	cfg = cfg.withDefaults()
	return &CircuitBreaker{
		name:     name,
		cfg:      cfg,
		now:      time.Now,
		log:      log.With().Str("component", "circuit_breaker").Str("provider", name).Logger(),
		state:    StateClosed,
		cooldown: cfg.Cooldown,
	}
}

// Allow reports whether a call may proceed. An open breaker whose cooldown has elapsed
// moves to half-open and admits exactly one probe; further calls are rejected until
// the probe is recorded.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			return false
		}
		cb.state = StateHalfOpen
		cb.probeInFlight = true
		cb.log.Info().Msg("Circuit breaker half-open, probing")
		return true

	case StateHalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	}
	return false
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.consecutiveFailures = 0

	case StateHalfOpen:
		cb.state = StateClosed
		cb.consecutiveFailures = 0
		cb.probeInFlight = false
		cb.cooldown = cb.cfg.Cooldown
		cb.log.Info().Msg("Circuit breaker closed, provider recovered")
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++

	switch cb.state {
	case StateClosed:
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.state = StateOpen
			cb.openedAt = cb.now()
			cb.log.Warn().
				Int("failures", cb.consecutiveFailures).
				Dur("cooldown", cb.cooldown).
				Msg("Circuit breaker opened")
		}

	case StateHalfOpen:
		cb.state = StateOpen
		cb.openedAt = cb.now()
		cb.probeInFlight = false
		cb.cooldown *= 2
		if cb.cooldown > cb.cfg.MaxCooldown {
			cb.cooldown = cb.cfg.MaxCooldown
		}
		cb.log.Warn().
			Dur("cooldown", cb.cooldown).
			Msg("Circuit breaker probe failed, reopened")
	}
}

// ReleaseProbe gives back a half-open probe slot whose call ended without an outcome,
// e.g. because it was cancelled before reaching the provider.
func (cb *CircuitBreaker) ReleaseProbe() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.probeInFlight = false
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// IsOpen reports whether calls are currently being rejected without a probe being due.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		return cb.now().Sub(cb.openedAt) < cb.cooldown
	case StateHalfOpen:
		return cb.probeInFlight
	}
	return false
}

// Snapshot returns a copy of the breaker state for monitoring.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return BreakerSnapshot{
		Name:                cb.name,
		State:               cb.state.String(),
		ConsecutiveFailures: cb.consecutiveFailures,
		OpenedAt:            cb.openedAt,
		Cooldown:            cb.cooldown.String(),
		ProbeInFlight:       cb.probeInFlight,
	}
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.probeInFlight = false
	cb.cooldown = cb.cfg.Cooldown
	cb.openedAt = time.Time{}
}
