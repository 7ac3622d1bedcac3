package proxycore

import (
	"sync"
	"time"

	"github.com/dotsetlabs/overwatch/internal/metrics"
)

// BreakerState is one of the three circuit breaker states from spec §4.8.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the circuit breaker's thresholds.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	SuccessThreshold int
}

// CircuitBreaker implements the closed/open/half_open state machine from
// spec §4.8 (scenario S7): closed allows execution and resets the failure
// count on success; failures accumulate and trip the breaker open at the
// threshold; open forbids execution until reset_timeout has elapsed since
// the last failure, at which point the next CanExecute call transitions to
// half_open and allows exactly one probe; half_open counts successes
// toward success_threshold to close again, and any failure sends it
// straight back to open.
type CircuitBreaker struct {
	mu     sync.Mutex
	cfg    BreakerConfig
	server string

	state           BreakerState
	failureCount    int
	successCount    int
	lastFailureTime time.Time

	metrics *metrics.Metrics
}

// NewCircuitBreaker creates a breaker starting in the closed state.
func NewCircuitBreaker(server string, cfg BreakerConfig, m *metrics.Metrics) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	return &CircuitBreaker{server: server, cfg: cfg, metrics: m}
}

// CanExecute reports whether a request may proceed, performing the
// open->half_open transition as a side effect when reset_timeout has
// elapsed.
func (b *CircuitBreaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if time.Since(b.lastFailureTime) >= b.cfg.ResetTimeout {
			b.setState(BreakerHalfOpen)
			b.successCount = 0
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess reports a successful upstream round trip.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failureCount = 0
	case BreakerHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.setState(BreakerClosed)
			b.failureCount = 0
			b.successCount = 0
		}
	}
}

// RecordFailure reports a failed or timed-out upstream round trip.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureTime = time.Now()

	switch b.state {
	case BreakerClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.setState(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.setState(BreakerOpen)
		b.successCount = 0
	}
}

// Reset unconditionally returns the breaker to closed with zeroed counters.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(BreakerClosed)
	b.failureCount = 0
	b.successCount = 0
}

// State returns the current state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *CircuitBreaker) setState(s BreakerState) {
	b.state = s
	if b.metrics != nil {
		gauge := metrics.BreakerClosed
		switch s {
		case BreakerOpen:
			gauge = metrics.BreakerOpen
		case BreakerHalfOpen:
			gauge = metrics.BreakerHalfOpen
		}
		b.metrics.SetCircuitBreakerState(b.server, gauge)
	}
}
