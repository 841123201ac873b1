package device

import (
	"sync"
	"time"

	"github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
)

type CircuitState string

const (
	CircuitStateClosed   CircuitState = "closed"
	CircuitStateOpen     CircuitState = "open"
	CircuitStateHalfOpen CircuitState = "half-open"
)

// CircuitBreaker guards one server. After threshold consecutive unreachable
// sessions it refuses new sessions for cooldown, then lets a single trial
// through. Only device_unreachable counts as a failure.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration
	log       *logger.Logger
	now       func() time.Time

	mu        sync.Mutex
	failures  int
	openUntil time.Time
	tripped   bool
	trial     bool
}

// NewCircuitBreaker returns a breaker; threshold < 1 never trips.
func NewCircuitBreaker(threshold int, cooldown time.Duration, log *logger.Logger) *CircuitBreaker {
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, log: log, now: time.Now}
}

func (cb *CircuitBreaker) stateLocked() CircuitState {
	switch {
	case !cb.tripped:
		return CircuitStateClosed
	case cb.trial:
		return CircuitStateHalfOpen
	default:
		return CircuitStateOpen
	}
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

// Allow reports whether a session may start. The first caller after the
// cooldown becomes the trial session.
func (cb *CircuitBreaker) Allow() bool {
	if cb.threshold < 1 {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.tripped {
		return true
	}
	if cb.trial || cb.now().Before(cb.openUntil) {
		return false
	}
	cb.trial = true
	cb.log.Info("device breaker half-open, trying one session")
	return true
}

// RetryIn is how long until the next trial is allowed. Zero when closed.
func (cb *CircuitBreaker) RetryIn() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.tripped {
		return 0
	}
	return max(cb.openUntil.Sub(cb.now()), 0)
}

func (cb *CircuitBreaker) OnSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.tripped {
		cb.log.Info("device breaker closed")
	}
	cb.failures, cb.tripped, cb.trial = 0, false, false
}

func (cb *CircuitBreaker) OnFailure() {
	if cb.threshold < 1 {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	if !cb.trial && cb.failures < cb.threshold {
		return
	}
	cb.tripped, cb.trial = true, false
	cb.openUntil = cb.now().Add(cb.cooldown)
	cb.log.Warn("device breaker open",
		"consecutive_failures", cb.failures,
		"cooldown", cb.cooldown)
}
