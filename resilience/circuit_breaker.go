package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/core"
)

// CircuitState represents the breaker state machine
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the breaker in logs, typically the remote agent ID.
	Name string

	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int

	// SleepWindow is how long to wait before entering half-open state.
	SleepWindow time.Duration

	// HalfOpenRequests is the number of probe requests allowed in half-open.
	HalfOpenRequests int

	// ErrorClassifier decides which errors count as failures. Context
	// cancellation, for example, should not trip the breaker.
	ErrorClassifier func(error) bool

	Logger core.Logger
}

// DefaultCircuitBreakerConfig returns a production-ready default configuration
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 2,
		ErrorClassifier:  core.IsRetryable,
		Logger:           &core.NoOpLogger{},
	}
}

// CircuitBreaker protects calls to a single remote peer. The cross-agent
// resolver keeps one breaker per owner agent so a dead peer cannot stall
// every remote input resolution.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	mu               sync.Mutex
	state            CircuitState
	consecutiveFails int
	openedAt         time.Time
	halfOpenInFlight int
	halfOpenOK       int
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig("default")
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SleepWindow <= 0 {
		config.SleepWindow = 30 * time.Second
	}
	if config.HalfOpenRequests <= 0 {
		config.HalfOpenRequests = 2
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	return &CircuitBreaker{config: config, state: StateClosed}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeTransitionLocked()
	return cb.state
}

// Execute runs fn under the breaker. Returns core.ErrCircuitBreakerOpen
// without calling fn when the circuit is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.acquire(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeTransitionLocked()

	switch cb.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.config.HalfOpenRequests {
			return fmt.Errorf("%s: probe limit reached: %w", cb.config.Name, core.ErrCircuitBreakerOpen)
		}
		cb.halfOpenInFlight++
		return nil
	default:
		return fmt.Errorf("%s: %w", cb.config.Name, core.ErrCircuitBreakerOpen)
	}
}

func (cb *CircuitBreaker) record(err error) {
	failure := err != nil
	if failure && cb.config.ErrorClassifier != nil && !cb.config.ErrorClassifier(err) {
		// Errors the classifier rejects do not count either way.
		failure = false
		err = nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		if err != nil {
			cb.consecutiveFails++
			if cb.consecutiveFails >= cb.config.FailureThreshold {
				cb.transitionLocked(StateOpen)
			}
		} else if !failure {
			cb.consecutiveFails = 0
		}
	case StateHalfOpen:
		cb.halfOpenInFlight--
		if err != nil {
			cb.transitionLocked(StateOpen)
			return
		}
		cb.halfOpenOK++
		if cb.halfOpenOK >= cb.config.HalfOpenRequests {
			cb.transitionLocked(StateClosed)
		}
	}
}

// maybeTransitionLocked moves open to half-open once the sleep window passes.
func (cb *CircuitBreaker) maybeTransitionLocked() {
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.config.SleepWindow {
		cb.transitionLocked(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	switch to {
	case StateOpen:
		cb.openedAt = time.Now()
	case StateHalfOpen:
		cb.halfOpenInFlight = 0
		cb.halfOpenOK = 0
	case StateClosed:
		cb.consecutiveFails = 0
	}
	cb.config.Logger.Info("Circuit breaker state change", map[string]interface{}{
		"name": cb.config.Name,
		"from": from.String(),
		"to":   to.String(),
	})
}
