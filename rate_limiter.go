package securefetch

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-origin token buckets. A zero RequestsPerSecond
// disables rate limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64       `yaml:"requestsPerSecond" env:"RPS, default=0"`
	Burst             int           `yaml:"burst" env:"BURST, default=1"`
	IdleTTL           time.Duration `yaml:"idleTTL" env:"IDLE_TTL, default=15m"`
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiterRegistry holds one token bucket per key (normally an origin)
// and forgets keys that stay idle past IdleTTL on Sweep.
type RateLimiterRegistry struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time
}

// NewRateLimiterRegistry creates a registry from config.
func NewRateLimiterRegistry(config RateLimitConfig) *RateLimiterRegistry {
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = 15 * time.Minute
	}
	return &RateLimiterRegistry{
		entries: make(map[string]*limiterEntry),
		limit:   rate.Limit(config.RequestsPerSecond),
		burst:   config.Burst,
		idleTTL: config.IdleTTL,
		now:     time.Now,
	}
}

func (r *RateLimiterRegistry) limiter(key string) *rate.Limiter {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if ent, ok := r.entries[key]; ok {
		ent.lastSeen = now
		return ent.lim
	}

	lim := rate.NewLimiter(r.limit, r.burst)
	r.entries[key] = &limiterEntry{lim: lim, lastSeen: now}
	return lim
}

// Allow reports whether a request for key may proceed now.
func (r *RateLimiterRegistry) Allow(key string) bool {
	return r.limiter(key).AllowN(r.now(), 1)
}

// Tokens returns the tokens currently available for key.
func (r *RateLimiterRegistry) Tokens(key string) float64 {
	return r.limiter(key).TokensAt(r.now())
}

// Len returns the number of tracked keys.
func (r *RateLimiterRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep removes keys idle since before now minus IdleTTL and returns how many
// were removed.
func (r *RateLimiterRegistry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.idleTTL)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for k, ent := range r.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(r.entries, k)
			removed++
		}
	}
	return removed
}
