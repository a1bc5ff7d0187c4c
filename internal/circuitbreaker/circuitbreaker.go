// Package circuitbreaker shields the SMS provider from sustained retries
// while it is down. Repeated provider failures open the circuit; while
// open, sends fail fast and stay on the queue for later redelivery instead
// of burning provider calls.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of the breaker.
//
// State transitions:
//
//	Closed -> Open:      when consecutive failures reach the threshold
//	Open -> HalfOpen:    after the recovery timeout expires
//	HalfOpen -> Closed:  when a probe request succeeds
//	HalfOpen -> Open:    when a probe request fails
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // failing fast
	StateHalfOpen              // probing for recovery
)

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

// ErrCircuitOpen is returned when the circuit is open and calls are being
// rejected without reaching the provider.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the configuration for a CircuitBreaker.
type Config struct {
	// Name identifies this breaker in logs, e.g. "twilio" or "sns".
	Name string

	// MaxFailures is the number of consecutive failures before the
	// circuit opens.
	MaxFailures int

	// RecoveryTimeout is how long to stay open before probing.
	RecoveryTimeout time.Duration

	// HalfOpenMaxRequests caps in-flight probes while half-open.
	HalfOpenMaxRequests int
}

// DefaultConfig returns the defaults used for provider breakers.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreaker tracks consecutive provider failures and gates calls.
type CircuitBreaker struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu          sync.RWMutex
	state       State
	failures    int
	lastFailure time.Time
	changedAt   time.Time
	probes      int

	requests  int64
	successes int64
	failed    int64
	rejected  int64
}

// New creates a CircuitBreaker with the given configuration. Zero or
// negative config values fall back to the defaults.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}

	cb := &CircuitBreaker{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
	cb.changedAt = cb.now()

	logger.Info("circuit breaker created",
		zap.String("name", cfg.Name),
		zap.Int("max_failures", cfg.MaxFailures),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout),
	)

	return cb
}

// Allow reports whether a call may proceed right now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.requests++

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.cfg.RecoveryTimeout {
			cb.rejected++
			return false
		}
		cb.setState(StateHalfOpen)
		cb.probes = 1
		cb.logger.Info("circuit breaker allowing probe request",
			zap.String("name", cb.cfg.Name),
		)
		return true

	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMaxRequests {
			cb.rejected++
			return false
		}
		cb.probes++
		return true

	default:
		return true
	}
}

// RecordSuccess notes a successful call. While half-open this closes the
// circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successes++
	cb.failures = 0

	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
		cb.logger.Info("circuit breaker closed, provider recovered",
			zap.String("name", cb.cfg.Name),
		)
	}
}

// RecordFailure notes a failed call. While closed this opens the circuit
// once the threshold is reached; while half-open it reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failed++
	cb.failures++
	cb.lastFailure = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.cfg.MaxFailures {
			cb.setState(StateOpen)
			cb.logger.Warn("circuit breaker opened",
				zap.String("name", cb.cfg.Name),
				zap.Int("failures", cb.failures),
				zap.Int("threshold", cb.cfg.MaxFailures),
			)
		}

	case StateHalfOpen:
		cb.setState(StateOpen)
		cb.logger.Warn("circuit breaker re-opened, probe failed",
			zap.String("name", cb.cfg.Name),
		)
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forces the breaker closed. Operator override.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed)
	cb.failures = 0
	cb.probes = 0

	cb.logger.Info("circuit breaker manually reset",
		zap.String("name", cb.cfg.Name),
	)
}

// Stats is a snapshot for the worker's ops endpoint.
type Stats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	TotalRequests   int64  `json:"total_requests"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalRejected   int64  `json:"total_rejected"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
}

// Stats returns current counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	s := Stats{
		Name:            cb.cfg.Name,
		State:           cb.state.String(),
		FailureCount:    cb.failures,
		TotalRequests:   cb.requests,
		TotalFailures:   cb.failed,
		TotalSuccesses:  cb.successes,
		TotalRejected:   cb.rejected,
		LastStateChange: cb.changedAt.Format(time.RFC3339),
	}
	if !cb.lastFailure.IsZero() {
		s.LastFailure = cb.lastFailure.Format(time.RFC3339)
	}
	return s
}

func (cb *CircuitBreaker) String() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return fmt.Sprintf("CircuitBreaker[%s] state=%s failures=%d/%d",
		cb.cfg.Name, cb.state, cb.failures, cb.cfg.MaxFailures)
}

// setState changes state. Caller holds the lock.
func (cb *CircuitBreaker) setState(next State) {
	if cb.state == next {
		return
	}

	prev := cb.state
	cb.state = next
	cb.changedAt = cb.now()
	cb.probes = 0

	cb.logger.Debug("circuit breaker state transition",
		zap.String("name", cb.cfg.Name),
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
	)
}
