// Package circuitbreaker excludes failing providers from candidate
// selection until they recover.
//
// States:
//   - Closed: normal operation, requests pass through
//   - Open: provider unhealthy, excluded from selection
//   - Half-Open: cooldown elapsed, one probe attempt decides
//
// The breaker trips on consecutive failures since the last success; a
// single success in any state resets the count and closes the circuit.
//
// Implementations:
//   - InMemoryCircuitBreaker: single instance, sync.RWMutex
//   - RedisCircuitBreaker: distributed, Redis with Lua scripts
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/domain"
)

// CircuitBreaker is the interface both backends satisfy.
type CircuitBreaker interface {
	// Allow returns nil if an attempt may proceed, or
	// domain.ErrCircuitBreakerOpen while the circuit is open.
	Allow(ctx context.Context) error

	// RecordSuccess resets the consecutive-failure count and closes
	// the circuit.
	RecordSuccess(ctx context.Context)

	// RecordFailure increments the consecutive-failure count; at the
	// threshold the circuit opens. A half-open probe failure re-opens.
	RecordFailure(ctx context.Context)

	State(ctx context.Context) State
}

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
		return "half-open"
	default:
		return "unknown"
	}
}

// Config defines circuit breaker behavior.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	Cooldown         time.Duration // time in open before a half-open probe
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
	}
}

// InMemoryCircuitBreaker is suitable for single-instance deployments.
type InMemoryCircuitBreaker struct {
	mu        sync.RWMutex
	state     State
	failures  int
	trippedAt time.Time
	config    Config
}

func NewInMemory(cfg Config) *InMemoryCircuitBreaker {
	return &InMemoryCircuitBreaker{
		state:  StateClosed,
		config: cfg,
	}
}

func (cb *InMemoryCircuitBreaker) Allow(ctx context.Context) error {
	cb.mu.RLock()
	state := cb.state
	trippedAt := cb.trippedAt
	cb.mu.RUnlock()

	switch state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if time.Since(trippedAt) >= cb.config.Cooldown {
			cb.mu.Lock()
			if cb.state == StateOpen {
				cb.state = StateHalfOpen
			}
			cb.mu.Unlock()
			return nil
		}
		return domain.ErrCircuitBreakerOpen
	}

	return nil
}

func (cb *InMemoryCircuitBreaker) RecordSuccess(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.state = StateClosed
}

func (cb *InMemoryCircuitBreaker) RecordFailure(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = StateOpen
			cb.trippedAt = time.Now()
		}
	case StateHalfOpen:
		cb.failures++
		cb.state = StateOpen
		cb.trippedAt = time.Now()
	}
}

func (cb *InMemoryCircuitBreaker) State(ctx context.Context) State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

func (cb *InMemoryCircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Manager holds one breaker per provider.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]CircuitBreaker
	config   Config
	factory  func(providerID string) CircuitBreaker
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRedis switches the manager to Redis-backed breakers so multiple
// instances share breaker state.
func WithRedis(redisURL string) ManagerOption {
	return func(m *Manager) {
		m.factory = func(providerID string) CircuitBreaker {
			cb, err := NewRedis(redisURL, providerID, m.config)
			if err != nil {
				return NewInMemory(m.config)
			}
			return cb
		}
	}
}

func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers: make(map[string]CircuitBreaker),
		config:   cfg,
		factory: func(providerID string) CircuitBreaker {
			return NewInMemory(cfg)
		},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Get returns the breaker for a provider, creating one if needed.
func (m *Manager) Get(providerID string) CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[providerID]
	m.mu.RUnlock()

	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.breakers[providerID]; ok {
		return existing
	}

	cb = m.factory(providerID)
	m.breakers[providerID] = cb
	return cb
}

// States returns the current state of every breaker by provider id.
func (m *Manager) States() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ctx := context.Background()
	states := make(map[string]string)
	for id, cb := range m.breakers {
		states[id] = cb.State(ctx).String()
	}
	return states
}
