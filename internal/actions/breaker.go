package actions

import (
	"sync"
	"time"

	"github.com/rendis/statum/pkg/schema"
)

// CircuitState is the state of one webhook target's breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // calls flow
	CircuitOpen                         // calls rejected until cooldown
	CircuitHalfOpen                     // probing recovery
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

// BreakerConfig configures every breaker in a Breakers set.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures that open the circuit
	Cooldown         time.Duration // time spent open before probing
	HalfOpenMax      int           // probes allowed while half-open
}

// DefaultBreakerConfig returns the configuration used for webhook hosts.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu          sync.Mutex
	state       CircuitState
	failures    int
	lastFailure time.Time
	probes      int
}

// Breakers holds one circuit breaker per target (a webhook host).
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakers creates an empty set.
func NewBreakers(config BreakerConfig) *Breakers {
	if config.HalfOpenMax < 1 {
		config.HalfOpenMax = 1
	}
	return &Breakers{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow returns nil when a call to target may proceed, or a CIRCUIT_OPEN error.
func (r *Breakers) Allow(target string) error {
	b := r.get(target)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		remaining := r.config.Cooldown - r.now().Sub(b.lastFailure)
		if remaining <= 0 {
			b.state = CircuitHalfOpen
			b.probes = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for %s after %d consecutive failures", target, b.failures).
			WithDetails(map[string]any{
				"target":               target,
				"consecutive_failures": b.failures,
				"cooldown_remaining":   remaining.String(),
			})
	case CircuitHalfOpen:
		if b.probes >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for %s: probe already in flight", target).
				WithDetails(map[string]any{"target": target})
		}
		b.probes++
	}
	return nil
}

// Success closes the circuit for target.
func (r *Breakers) Success(target string) {
	b := r.get(target)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probes = 0
	b.state = CircuitClosed
}

// Failure records a failed call and returns the resulting state.
func (r *Breakers) Failure(target string) CircuitState {
	b := r.get(target)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = r.now()
	if b.state == CircuitHalfOpen || b.failures >= r.config.FailureThreshold {
		b.state = CircuitOpen
	}
	return b.state
}

// State returns the current state for target.
func (r *Breakers) State(target string) CircuitState {
	b := r.get(target)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && r.now().Sub(b.lastFailure) >= r.config.Cooldown {
		return CircuitHalfOpen
	}
	return b.state
}

func (r *Breakers) get(target string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[target]
	if !ok {
		b = &breaker{}
		r.breakers[target] = b
	}
	return b
}
