package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BreakerState represents the state of a circuit breaker.
type BreakerState string

const (
	// BreakerClosed passes calls through and counts failures.
	BreakerClosed BreakerState = "closed"

	// BreakerOpen rejects calls until the cool-down timeout elapses.
	BreakerOpen BreakerState = "open"

	// BreakerHalfOpen probes the dependency with live calls.
	BreakerHalfOpen BreakerState = "half_open"
)

// Validate checks if the breaker state is valid.
func (s BreakerState) Validate() error {
	switch s {
	case BreakerClosed, BreakerOpen, BreakerHalfOpen:
		return nil
	default:
		return fmt.Errorf("invalid breaker state: %s", s)
	}
}

// BreakerConfig holds the thresholds for a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the breaker.
	FailureThreshold int `json:"failure_threshold"`

	// SuccessThreshold is the half-open success count that closes the breaker.
	SuccessThreshold int `json:"success_threshold"`

	// Timeout is the open-state cool-down before the next probe is allowed.
	Timeout time.Duration `json:"timeout"`
}

// DefaultBreakerConfig returns the thresholds used when configuration is silent.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
	}
}

// BreakerMetrics is a point-in-time snapshot of one breaker.
type BreakerMetrics struct {
	// Name is the breaker name.
	Name string `json:"name"`

	// State is the current breaker state.
	State BreakerState `json:"state"`

	// FailureCount is the current consecutive-failure counter.
	FailureCount int `json:"failure_count"`

	// SuccessCount is the current half-open success counter.
	SuccessCount int `json:"success_count"`

	// TotalCalls counts calls that were allowed through.
	TotalCalls int64 `json:"total_calls"`

	// TotalFailures counts allowed calls that failed.
	TotalFailures int64 `json:"total_failures"`

	// TotalRejections counts calls rejected while open.
	TotalRejections int64 `json:"total_rejections"`

	// LastFailure is when the most recent failure was recorded.
	LastFailure time.Time `json:"last_failure,omitempty"`

	// FailureRate is TotalFailures over TotalCalls.
	FailureRate float64 `json:"failure_rate"`
}

// CircuitBreaker protects one external-dependency class ("apt", "github"...)
// from repeated failures. The protected operation runs outside the lock;
// lifecycle stages may block on external processes for a long time.
type CircuitBreaker struct {
	// name identifies the protected dependency class
	name string

	// config holds the thresholds
	config BreakerConfig

	// now is the clock; injectable for tests
	now func() time.Time

	// onStateChange is invoked after every state transition
	onStateChange func(name string, from, to BreakerState)

	// logger records transitions and rejections
	logger zerolog.Logger

	// mu protects the mutable state below
	mu sync.Mutex

	// state is the current breaker state
	state BreakerState

	// failureCount counts consecutive failures while closed
	failureCount int

	// successCount counts successes while half-open
	successCount int

	// lastFailure is the timestamp of the most recent failure
	lastFailure time.Time

	// totalCalls, totalFailures, totalRejections feed metrics
	totalCalls      int64
	totalFailures   int64
	totalRejections int64
}

// NewCircuitBreaker creates a closed breaker for the named dependency class.
func NewCircuitBreaker(name string, config BreakerConfig, logger zerolog.Logger) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultBreakerConfig().SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultBreakerConfig().Timeout
	}

	return &CircuitBreaker{
		name:   name,
		config: config,
		now:    time.Now,
		state:  BreakerClosed,
		logger: logger.With().Str("breaker", name).Logger(),
	}
}

// WithClock replaces the breaker's clock. Tests advance time manually.
func (b *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	return b
}

// WithOnStateChange sets a hook invoked after every state transition.
func (b *CircuitBreaker) WithOnStateChange(fn func(name string, from, to BreakerState)) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
	return b
}

// Name returns the breaker name.
func (b *CircuitBreaker) Name() string {
	return b.name
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn under breaker protection. While open it rejects with a
// circuit-open error carrying the remaining cool-down; once the cool-down
// has elapsed the next call probes in half-open state.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	b.record(err)
	return err
}

// allow decides whether a call may proceed, transitioning open -> half-open
// when the cool-down has elapsed.
func (b *CircuitBreaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		elapsed := b.now().Sub(b.lastFailure)
		if elapsed < b.config.Timeout {
			b.totalRejections++
			retryAfter := b.config.Timeout - elapsed
			if retryAfter < 0 {
				retryAfter = 0
			}
			b.logger.Debug().
				Dur("retry_after", retryAfter).
				Msg("Circuit breaker rejected call")
			return NewCircuitOpenError(b.name, retryAfter)
		}
		b.transition(BreakerHalfOpen)
	}

	b.totalCalls++
	return nil
}

// record applies a call outcome to the breaker state machine.
func (b *CircuitBreaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		switch b.state {
		case BreakerClosed:
			b.failureCount = 0
		case BreakerHalfOpen:
			b.successCount++
			if b.successCount >= b.config.SuccessThreshold {
				b.failureCount = 0
				b.successCount = 0
				b.transition(BreakerClosed)
			}
		}
		return
	}

	b.totalFailures++
	b.lastFailure = b.now()

	switch b.state {
	case BreakerClosed:
		b.failureCount++
		if b.failureCount >= b.config.FailureThreshold {
			b.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.successCount = 0
		b.transition(BreakerOpen)
	}
}

// transition switches state and fires logging plus the state-change hook.
// Callers must hold the lock.
func (b *CircuitBreaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	b.logger.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Int("failure_count", b.failureCount).
		Msg("Circuit breaker state changed")

	if b.onStateChange != nil {
		// Hook runs under the lock; implementations must not call back
		// into the breaker.
		b.onStateChange(b.name, from, to)
	}
}

// Reset forces the breaker back to closed with cleared counters.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.successCount = 0
	b.transition(BreakerClosed)
}

// Metrics returns a snapshot of the breaker's counters.
func (b *CircuitBreaker) Metrics() BreakerMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := BreakerMetrics{
		Name:            b.name,
		State:           b.state,
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		TotalCalls:      b.totalCalls,
		TotalFailures:   b.totalFailures,
		TotalRejections: b.totalRejections,
		LastFailure:     b.lastFailure,
	}
	if b.totalCalls > 0 {
		m.FailureRate = float64(b.totalFailures) / float64(b.totalCalls)
	}
	return m
}

// BreakerManager lazily creates and caches named circuit breakers.
// It owns its registry; construct a fresh manager per test or process
// rather than sharing a global.
type BreakerManager struct {
	// config is applied to every breaker the manager creates
	config BreakerConfig

	// now is the clock handed to created breakers
	now func() time.Time

	// onStateChange is propagated to created breakers
	onStateChange func(name string, from, to BreakerState)

	// logger is the parent logger for created breakers
	logger zerolog.Logger

	// mu protects breakers
	mu sync.RWMutex

	// breakers maps names to live breakers
	breakers map[string]*CircuitBreaker
}

// NewBreakerManager creates a manager applying config to every breaker.
func NewBreakerManager(config BreakerConfig, logger zerolog.Logger) *BreakerManager {
	return &BreakerManager{
		config:   config,
		now:      time.Now,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// WithClock replaces the clock handed to breakers created afterwards.
func (m *BreakerManager) WithClock(now func() time.Time) *BreakerManager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

// WithOnStateChange sets the state-change hook for breakers created afterwards.
func (m *BreakerManager) WithOnStateChange(fn func(name string, from, to BreakerState)) *BreakerManager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
	return m
}

// Get returns the named breaker, creating it on first use.
func (m *BreakerManager) Get(name string) *CircuitBreaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}

	b = NewCircuitBreaker(name, m.config, m.logger)
	b.now = m.now
	b.onStateChange = m.onStateChange
	m.breakers[name] = b
	return b
}

// Execute runs fn under the named breaker, creating it on first use.
func (m *BreakerManager) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return m.Get(name).Execute(ctx, fn)
}

// Reset forces the named breaker back to closed. Unknown names are a no-op.
func (m *BreakerManager) Reset(name string) {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		b.Reset()
	}
}

// Names returns the names of all created breakers.
func (m *BreakerManager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	return names
}

// Metrics returns snapshots for every created breaker.
func (m *BreakerManager) Metrics() map[string]BreakerMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metrics := make(map[string]BreakerMetrics, len(m.breakers))
	for name, b := range m.breakers {
		metrics[name] = b.Metrics()
	}
	return metrics
}
