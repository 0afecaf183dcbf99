package governance

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is in the open state.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed indicates the circuit is closed and calls are allowed.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen indicates the circuit is open and calls are rejected.
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen lets a single trial call through.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the
	// circuit. 0 disables the breaker.
	MaxFailures int
	// Timeout is how long the circuit stays open before a trial call.
	Timeout time.Duration
}

// DefaultCircuitBreakerConfig returns the push client defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures: 5,
		Timeout:     5 * time.Minute,
	}
}

// CircuitBreaker guards calls to one receiver.
type CircuitBreaker struct {
	mu     sync.Mutex
	config CircuitBreakerConfig
	now    func() time.Time

	state               CircuitBreakerState
	consecutiveFailures int
	totalFailures       int
	totalSuccesses      int
	trialInFlight       bool
	openUntil           time.Time
	lastStateChange     time.Time
}

// NewCircuitBreaker creates a circuit breaker with the provided configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures < 0 {
		config.MaxFailures = 0
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultCircuitBreakerConfig().Timeout
	}
	return &CircuitBreaker{
		config:          config,
		now:             time.Now,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// ExecuteContext runs fn unless the circuit is open.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.beforeCall(); err != nil {
		return err
	}

	err := fn(ctx)
	// A cancelled call says nothing about the receiver.
	if err != nil && ctx.Err() != nil {
		cb.mu.Lock()
		cb.trialInFlight = false
		cb.mu.Unlock()
		return err
	}
	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Before(cb.openUntil) {
			return ErrCircuitOpen
		}
		cb.transitionToLocked(StateHalfOpen)
		cb.trialInFlight = true
		return nil
	case StateHalfOpen:
		if cb.trialInFlight {
			return ErrCircuitOpen
		}
		cb.trialInFlight = true
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.trialInFlight = false
	if err == nil {
		cb.totalSuccesses++
		cb.consecutiveFailures = 0
		cb.transitionToLocked(StateClosed)
		return
	}

	cb.totalFailures++
	cb.consecutiveFailures++
	switch {
	case cb.state == StateHalfOpen:
		cb.transitionToLocked(StateOpen)
	case cb.config.MaxFailures > 0 && cb.consecutiveFailures >= cb.config.MaxFailures:
		cb.transitionToLocked(StateOpen)
	}
}

func (cb *CircuitBreaker) transitionToLocked(newState CircuitBreakerState) {
	if cb.state == newState {
		return
	}
	now := cb.now()
	cb.state = newState
	cb.lastStateChange = now

	switch newState {
	case StateOpen:
		cb.openUntil = now.Add(cb.config.Timeout)
	case StateClosed:
		cb.openUntil = time.Time{}
		cb.consecutiveFailures = 0
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CircuitBreakerStats exposes circuit breaker status information.
type CircuitBreakerStats struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Failures            int       `json:"failures"`
	Successes           int       `json:"successes"`
	LastStateChange     time.Time `json:"last_state_change"`
	OpenUntil           time.Time `json:"open_until,omitzero"`
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:               string(cb.state),
		ConsecutiveFailures: cb.consecutiveFailures,
		Failures:            cb.totalFailures,
		Successes:           cb.totalSuccesses,
		LastStateChange:     cb.lastStateChange,
		OpenUntil:           cb.openUntil,
	}
}

// Reset manually closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionToLocked(StateClosed)
	cb.trialInFlight = false
}

// CircuitBreakerManager keeps one breaker per site.
type CircuitBreakerManager struct {
	mu       sync.RWMutex
	config   CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
}

// NewCircuitBreakerManager creates breakers on demand with config.
func NewCircuitBreakerManager(config CircuitBreakerConfig) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get retrieves the circuit breaker for id, creating one if needed.
func (m *CircuitBreakerManager) Get(id string) *CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[id]
	m.mu.RUnlock()
	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, exists := m.breakers[id]; exists {
		return cb
	}
	cb = NewCircuitBreaker(m.config)
	m.breakers[id] = cb
	return cb
}

// Retain drops the breakers of ids not in keep, so that removed sites do
// not accumulate.
func (m *CircuitBreakerManager) Retain(keep map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.breakers {
		if !keep[id] {
			delete(m.breakers, id)
		}
	}
}

// Stats returns statistics for all circuit breakers.
func (m *CircuitBreakerManager) Stats() map[string]CircuitBreakerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]CircuitBreakerStats, len(m.breakers))
	for id, cb := range m.breakers {
		stats[id] = cb.Stats()
	}
	return stats
}
