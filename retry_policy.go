package securefetch

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ambiyansyah-risyal/securefetch/internal/backoff"
)

// RetryConfig controls retry-with-backoff. In YAML it may be written as a
// bare boolean or as an object.
type RetryConfig struct {
	Enabled             bool          `yaml:"enabled" env:"ENABLED, default=true"`
	MaxRetries          int           `yaml:"maxRetries" env:"MAX_RETRIES, default=3"`
	RetryDelay          time.Duration `yaml:"retryDelay" env:"DELAY, default=1s"`
	MaxDelay            time.Duration `yaml:"maxDelay" env:"MAX_DELAY, default=30s"`
	BackoffMultiplier   float64       `yaml:"backoffMultiplier" env:"BACKOFF_MULTIPLIER, default=2"`
	RetryOnStatus       []int         `yaml:"retryOnStatus" env:"ON_STATUS, default=408,429,500,502,503,504"`
	RetryOnNetworkError bool          `yaml:"retryOnNetworkError" env:"ON_NETWORK_ERROR, default=true"`
	// Backoff selects the delay curve: BackoffExponential or BackoffDecorrelated.
	Backoff string `yaml:"backoff" env:"BACKOFF, default=exponential"`
}

// Backoff strategies accepted by RetryConfig.Backoff.
const (
	BackoffExponential  = "exponential"
	BackoffDecorrelated = "decorrelated"
)

// DefaultRetryConfig returns the retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Enabled:             true,
		MaxRetries:          3,
		RetryDelay:          time.Second,
		MaxDelay:            30 * time.Second,
		BackoffMultiplier:   2,
		RetryOnStatus:       []int{408, 429, 500, 502, 503, 504},
		RetryOnNetworkError: true,
		Backoff:             BackoffExponential,
	}
}

// retryJitter is the fraction of the computed delay added as random spread.
const retryJitter = 0.1

// RetryPolicy decides whether a failed attempt is retried and how long to wait.
type RetryPolicy struct {
	config   RetryConfig
	strategy backoff.Strategy
}

// NewRetryPolicy creates a policy for config. The default curve is
// exponential with 10% jitter.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	var strategy backoff.Strategy = backoff.Exponential{}
	if config.Backoff == BackoffDecorrelated {
		strategy = backoff.Decorrelated{}
	}
	return &RetryPolicy{config: config, strategy: strategy}
}

// MaxRetries returns the configured retry bound, 0 when retries are disabled.
func (p *RetryPolicy) MaxRetries() int {
	if p == nil || !p.config.Enabled {
		return 0
	}
	return p.config.MaxRetries
}

// ShouldRetry reports whether err is eligible for another attempt: a network
// failure when network retries are enabled, or an HTTP status in the
// retryable set.
func (p *RetryPolicy) ShouldRetry(err error) bool {
	if p == nil || !p.config.Enabled || err == nil {
		return false
	}

	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		switch clientErr.Type {
		case ErrorTypeHTTP:
			return p.retryableStatus(clientErr.StatusCode)
		case ErrorTypeTransport, ErrorTypeTimeout:
			return p.config.RetryOnNetworkError
		case ErrorTypeCanceled, ErrorTypeCircuitOpen, ErrorTypeAuth, ErrorTypeConfiguration, ErrorTypeRateLimit:
			return false
		}
	}

	return p.config.RetryOnNetworkError && isNetworkError(err)
}

// Delay returns the wait before the retry that follows attempt (0-based).
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	return p.strategy.Delay(backoff.Params{
		Attempt:    attempt,
		Base:       p.config.RetryDelay,
		Max:        p.config.MaxDelay,
		Multiplier: p.config.BackoffMultiplier,
		Jitter:     retryJitter,
	})
}

func (p *RetryPolicy) retryableStatus(status int) bool {
	for _, s := range p.config.RetryOnStatus {
		if s == status {
			return true
		}
	}
	return false
}

var networkErrorHints = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"failed to fetch",
	"network error",
	"eof",
	"timeout",
}

// isNetworkError recognises transport level failures by type first and by
// message as a fallback.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range networkErrorHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryAttempt is the bookkeeping for one (method, url) key.
type RetryAttempt struct {
	Attempts  int
	LastDelay time.Duration
	LastSeen  time.Time
}

// RetryTracker counts attempts per (method, url). Entries are reset on
// success or exhaustion and removed by Sweep after inactivity.
type RetryTracker struct {
	mu      sync.Mutex
	entries map[string]*RetryAttempt
	idleTTL time.Duration
	now     func() time.Time
}

// NewRetryTracker creates a tracker whose entries expire after idleTTL.
func NewRetryTracker(idleTTL time.Duration, now func() time.Time) *RetryTracker {
	if now == nil {
		now = time.Now
	}
	return &RetryTracker{
		entries: make(map[string]*RetryAttempt),
		idleTTL: idleTTL,
		now:     now,
	}
}

func retryKey(method, rawURL string) string {
	return method + " " + rawURL
}

// Record notes a scheduled retry for key.
func (t *RetryTracker) Record(key string, delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	if !ok {
		entry = &RetryAttempt{}
		t.entries[key] = entry
	}
	entry.Attempts++
	entry.LastDelay = delay
	entry.LastSeen = t.now()
}

// Reset forgets key.
func (t *RetryTracker) Reset(key string) {
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
}

// Get returns a copy of the bookkeeping for key.
func (t *RetryTracker) Get(key string) (RetryAttempt, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	if !ok {
		return RetryAttempt{}, false
	}
	return *entry, true
}

// Len returns the number of tracked keys.
func (t *RetryTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Sweep removes entries idle for longer than the tracker's TTL and returns
// how many were removed.
func (t *RetryTracker) Sweep(now time.Time) int {
	cutoff := now.Add(-t.idleTTL)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, entry := range t.entries {
		if entry.LastSeen.Before(cutoff) {
			delete(t.entries, key)
			removed++
		}
	}
	return removed
}
