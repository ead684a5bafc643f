package resilience

import (
	"sync"
	"time"

	"github.com/rendis/actseq/pkg/schema"
)

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

var circuitStateNames = [...]string{"closed", "open", "half_open"}

func (s CircuitState) String() string {
	if s < 0 || int(s) >= len(circuitStateNames) {
		return "unknown"
	}
	return circuitStateNames[s]
}

type CircuitBreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects calls before trying again.
	Cooldown time.Duration
	// HalfOpenMax trial calls are let through while half-open.
	HalfOpenMax int
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

// breaker is the state of one source. Guarded by the registry mutex.
type breaker struct {
	state    CircuitState
	failures int
	failedAt time.Time
	trials   int
}

// cooled moves an open breaker to half-open once the cooldown has passed.
func (b *breaker) cooled(now time.Time, cooldown time.Duration) {
	if b.state == CircuitOpen && now.Sub(b.failedAt) >= cooldown {
		b.state = CircuitHalfOpen
		b.trials = 0
	}
}

// CircuitBreakerRegistry keeps one breaker per fetch source, keyed by the
// fetched collection or URL.
type CircuitBreakerRegistry struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	breakers map[string]*breaker
}

func NewCircuitBreakerRegistry(cfg CircuitBreakerConfig) *CircuitBreakerRegistry {
	cfg.HalfOpenMax = max(cfg.HalfOpenMax, 1)
	return &CircuitBreakerRegistry{cfg: cfg, now: time.Now, breakers: make(map[string]*breaker)}
}

// lookup returns the breaker for source with r.mu held.
func (r *CircuitBreakerRegistry) lookup(source string) *breaker {
	b := r.breakers[source]
	if b == nil {
		b = &breaker{}
		r.breakers[source] = b
	}
	return b
}

// AllowRequest returns CIRCUIT_OPEN while source is open, or half-open with
// every trial slot taken.
func (r *CircuitBreakerRegistry) AllowRequest(source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	b := r.lookup(source)
	b.cooled(now, r.cfg.Cooldown)

	switch b.state {
	case CircuitOpen:
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for %q after %d consecutive failures", source, b.failures).
			WithDetails(map[string]any{
				"source":               source,
				"consecutive_failures": b.failures,
				"cooldown_remaining":   (r.cfg.Cooldown - now.Sub(b.failedAt)).String(),
			})
	case CircuitHalfOpen:
		if b.trials >= r.cfg.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit half-open for %q: trial call in flight", source)
		}
		b.trials++
	}
	return nil
}

func (r *CircuitBreakerRegistry) RecordSuccess(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.lookup(source) = breaker{}
}

// RecordFailure returns the state after counting the failure. A failed trial call
// reopens the circuit at once.
func (r *CircuitBreakerRegistry) RecordFailure(source string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.lookup(source)
	b.failures++
	b.failedAt = r.now()
	if b.state == CircuitHalfOpen || b.failures >= r.cfg.FailureThreshold {
		b.state = CircuitOpen
	}
	return b.state
}

func (r *CircuitBreakerRegistry) State(source string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.lookup(source)
	b.cooled(r.now(), r.cfg.Cooldown)
	return b.state
}
