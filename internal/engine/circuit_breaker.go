package engine

import (
	"sync"
	"time"

	"github.com/rendis/imagechain/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Backend skipped
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive quota exhaustions before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 3,
		Cooldown:         5 * time.Minute,
		HalfOpenMax:      1,
	}
}

// StateChangeFunc is called after a backend's circuit changes state.
type StateChangeFunc func(backend string, from, to CircuitState)

// circuitBreaker tracks failure state for a single backend.
type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// CircuitBreakerRegistry manages per-backend circuit breakers.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
	onChange StateChangeFunc
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// OnStateChange registers fn to observe state changes. Not safe to call
// concurrently with requests.
func (r *CircuitBreakerRegistry) OnStateChange(fn StateChangeFunc) {
	r.onChange = fn
}

// AllowRequest checks whether a request to the given backend is allowed.
// Returns nil if allowed, or a CIRCUIT_OPEN ChainError if not.
func (r *CircuitBreakerRegistry) AllowRequest(backendName string) error {
	from, to, err := r.allow(backendName)
	r.notify(backendName, from, to)
	return err
}

func (r *CircuitBreakerRegistry) allow(backendName string) (from, to CircuitState, err error) {
	cb := r.getOrCreate(backendName)
	cb.mu.Lock()

	from = cb.state
	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailureTime)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this request counts as the first test request
			break
		}
		err = schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open after %d consecutive quota exhaustions", cb.consecutiveFailures).
			WithBackend(backendName).
			WithDetails(map[string]any{
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			err = schema.NewError(schema.ErrCodeCircuitOpen, "circuit half-open: max test requests reached").
				WithBackend(backendName)
			break
		}
		cb.halfOpenAttempts++
	}
	to = cb.state
	cb.mu.Unlock()
	return from, to, err
}

// RecordSuccess records a successful call for the backend.
func (r *CircuitBreakerRegistry) RecordSuccess(backendName string) {
	from, to := r.success(backendName)
	r.notify(backendName, from, to)
}

func (r *CircuitBreakerRegistry) success(backendName string) (from, to CircuitState) {
	cb := r.getOrCreate(backendName)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	from = cb.state
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
	return from, CircuitClosed
}

// RecordFailure records a quota exhaustion for the backend.
// Returns the new circuit state.
func (r *CircuitBreakerRegistry) RecordFailure(backendName string) CircuitState {
	from, to := r.failure(backendName)
	r.notify(backendName, from, to)
	return to
}

func (r *CircuitBreakerRegistry) failure(backendName string) (from, to CircuitState) {
	cb := r.getOrCreate(backendName)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	from = cb.state
	cb.consecutiveFailures++
	cb.lastFailureTime = r.now()

	// Any failure in half-open reopens the circuit.
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return from, cb.state
}

// release returns an unused half-open probe slot.
func (r *CircuitBreakerRegistry) release(backendName string) {
	cb := r.getOrCreate(backendName)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen && cb.halfOpenAttempts > 0 {
		cb.halfOpenAttempts--
	}
}

// GetState returns the current state of the circuit for a backend.
func (r *CircuitBreakerRegistry) GetState(backendName string) CircuitState {
	cb := r.getOrCreate(backendName)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailureTime) >= r.config.Cooldown {
		return CircuitHalfOpen
	}
	return cb.state
}

// GetStats returns diagnostic information about a circuit breaker.
func (r *CircuitBreakerRegistry) GetStats(backendName string) map[string]any {
	state := r.GetState(backendName)
	cb := r.getOrCreate(backendName)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"backend":              backendName,
		"state":                state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    r.config.FailureThreshold,
		"cooldown":             r.config.Cooldown.String(),
	}
}

func (r *CircuitBreakerRegistry) notify(backendName string, from, to CircuitState) {
	if from != to && r.onChange != nil {
		r.onChange(backendName, from, to)
	}
}

func (r *CircuitBreakerRegistry) getOrCreate(backendName string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[backendName]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[backendName] = cb
	}
	return cb
}
