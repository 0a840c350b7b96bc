package securefetch

import (
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

// String returns a human-readable state name.
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

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens an origin.
	FailureThreshold int `yaml:"failureThreshold" env:"FAILURE_THRESHOLD, default=10"`
	// CoolDown is how long an open origin rejects requests before a probe.
	CoolDown time.Duration `yaml:"coolDown" env:"COOL_DOWN, default=60s"`
	// IdleTTL is how long an untouched origin entry survives Sweep.
	IdleTTL time.Duration `yaml:"idleTTL" env:"IDLE_TTL, default=10m"`
}

// DefaultCircuitBreakerConfig returns the breaker defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 10,
		CoolDown:         60 * time.Second,
		IdleTTL:          10 * time.Minute,
	}
}

// circuitBreaker is the per-origin state.
type circuitBreaker struct {
	state         CircuitState
	failures      int
	lastFailure   time.Time
	lastActivity  time.Time
	probeInFlight bool
}

// BreakerRegistry tracks circuit breakers keyed by origin (scheme://host) so
// failures aggregate per backend.
type BreakerRegistry struct {
	mu       sync.Mutex
	config   CircuitBreakerConfig
	breakers map[string]*circuitBreaker
	now      func() time.Time
}

// NewBreakerRegistry creates a registry; zero config fields take defaults.
func NewBreakerRegistry(config CircuitBreakerConfig) *BreakerRegistry {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 10
	}
	if config.CoolDown == 0 {
		config.CoolDown = 60 * time.Second
	}
	if config.IdleTTL == 0 {
		config.IdleTTL = 10 * time.Minute
	}

	return &BreakerRegistry{
		config:   config,
		breakers: make(map[string]*circuitBreaker),
		now:      time.Now,
	}
}

func (r *BreakerRegistry) breaker(origin string, now time.Time) *circuitBreaker {
	cb, ok := r.breakers[origin]
	if !ok {
		cb = &circuitBreaker{state: StateClosed}
		r.breakers[origin] = cb
	}
	cb.lastActivity = now
	return cb
}

// Allow reports whether a request to origin may proceed. An open origin
// admits a single half-open probe once the cool-down has elapsed.
func (r *BreakerRegistry) Allow(origin string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[origin]
	if !ok {
		return true
	}
	now := r.now()
	cb.lastActivity = now

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(cb.lastFailure) > r.config.CoolDown {
			cb.state = StateHalfOpen
			cb.probeInFlight = true
			return true
		}
		return false
	case StateHalfOpen:
		if !cb.probeInFlight {
			cb.probeInFlight = true
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess resets origin's failure count and closes it.
func (r *BreakerRegistry) RecordSuccess(origin string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[origin]
	if !ok {
		return StateClosed
	}
	cb.lastActivity = r.now()
	cb.failures = 0
	cb.probeInFlight = false
	cb.state = StateClosed
	return cb.state
}

// RecordFailure counts a failure against origin, opening it at the
// threshold. A failed half-open probe reopens immediately.
func (r *BreakerRegistry) RecordFailure(origin string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cb := r.breaker(origin, now)
	cb.failures++
	cb.lastFailure = now
	cb.probeInFlight = false

	switch cb.state {
	case StateHalfOpen:
		cb.state = StateOpen
	case StateClosed:
		if cb.failures >= r.config.FailureThreshold {
			cb.state = StateOpen
		}
	}
	return cb.state
}

// Release frees origin's half-open probe slot without recording an outcome,
// so an abandoned probe does not keep the origin shut.
func (r *BreakerRegistry) Release(origin string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[origin]; ok && cb.state == StateHalfOpen {
		cb.probeInFlight = false
	}
}

// State returns origin's current state.
func (r *BreakerRegistry) State(origin string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[origin]; ok {
		return cb.state
	}
	return StateClosed
}

// Failures returns origin's consecutive failure count.
func (r *BreakerRegistry) Failures(origin string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[origin]; ok {
		return cb.failures
	}
	return 0
}

// Len returns the number of tracked origins.
func (r *BreakerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.breakers)
}

// Reset forgets every origin.
func (r *BreakerRegistry) Reset() {
	r.mu.Lock()
	r.breakers = make(map[string]*circuitBreaker)
	r.mu.Unlock()
}

// Sweep removes origins idle for longer than IdleTTL and returns how many
// were removed.
func (r *BreakerRegistry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.config.IdleTTL)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for origin, cb := range r.breakers {
		if cb.lastActivity.Before(cutoff) {
			delete(r.breakers, origin)
			removed++
		}
	}
	return removed
}
