package securefetch

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// WithConfig replaces the whole configuration. Apply it before options that
// adjust individual settings.
func WithConfig(cfg Config) Option {
	return func(c *Client) {
		c.config = cfg
	}
}

// WithLogging enables or disables structured logging.
func WithLogging(enabled bool) Option {
	return func(c *Client) {
		c.config.Logging = enabled
	}
}

// WithLogger enables logging to logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.config.Logging = true
		c.baseLogger = &logger
	}
}

// WithLogLevel sets the minimum log level (debug, info, warn, error).
func WithLogLevel(level string) Option {
	return func(c *Client) {
		c.config.LogLevel = level
	}
}

// WithTimeout sets the per-attempt timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.config.Timeout = d
	}
}

// WithCredentialsMode controls whether cookies accompany requests.
func WithCredentialsMode(mode CredentialsMode) Option {
	return func(c *Client) {
		c.config.CredentialsMode = mode
	}
}

// WithBaseURL resolves relative request URLs against base. Its origin is the
// same origin for CredentialsSameOrigin.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		c.config.BaseURL = base
	}
}

// WithRetry sets the retry configuration.
func WithRetry(config RetryConfig) Option {
	return func(c *Client) {
		c.config.Retry = config
	}
}

// WithMaxRetries sets the maximum number of retry attempts
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.config.Retry.Enabled = true
		c.config.Retry.MaxRetries = n
	}
}

// WithRetryDelay sets the initial and maximum backoff.
func WithRetryDelay(initial, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.config.Retry.RetryDelay = initial
		c.config.Retry.MaxDelay = maxDelay
	}
}

// WithoutRetry disables retries.
func WithoutRetry() Option {
	return func(c *Client) {
		c.config.Retry.Enabled = false
	}
}

// WithCache enables caching with config.
func WithCache(config CacheConfig) Option {
	return func(c *Client) {
		config.Enabled = true
		c.config.Cache = config
	}
}

// WithCacheStorage sets a custom cache storage. It takes precedence over
// the configured storage kind.
func WithCacheStorage(storage Storage) Option {
	return func(c *Client) {
		c.storage = storage
	}
}

// WithCacheKeyValueStore sets the backing store for durable cache storage.
func WithCacheKeyValueStore(store KeyValueStore) Option {
	return func(c *Client) {
		c.cacheKV = store
	}
}

// WithCircuitBreaker sets the circuit breaker configuration
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.config.CircuitBreaker = config
	}
}

// WithRateLimit limits each origin to rps requests per second with the
// given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		c.config.RateLimit.RequestsPerSecond = rps
		c.config.RateLimit.Burst = burst
	}
}

// WithDeduplication enables request deduplication
func WithDeduplication() Option {
	return func(c *Client) {
		c.config.Deduplication = true
	}
}

// WithDeduplicationKeyFunc sets a custom deduplication key function
func WithDeduplicationKeyFunc(fn DeduplicationKeyFunc) Option {
	return func(c *Client) {
		c.config.Deduplication = true
		c.dedupKeyFunc = fn
	}
}

// WithDeduplicationCondition sets a custom deduplication condition function
func WithDeduplicationCondition(fn DeduplicationCondition) Option {
	return func(c *Client) {
		c.config.Deduplication = true
		c.dedupCondition = fn
	}
}

// WithMiddleware adds middleware around every transport call.
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithRequestHook registers a before hook.
func WithRequestHook(hook BeforeHook) Option {
	return func(c *Client) {
		c.interceptors.OnRequest(hook)
	}
}

// WithResponseHook registers an after hook.
func WithResponseHook(hook AfterHook) Option {
	return func(c *Client) {
		c.interceptors.OnResponse(hook)
	}
}

// WithErrorHook registers an error hook.
func WithErrorHook(hook ErrorHook) Option {
	return func(c *Client) {
		c.interceptors.OnError(hook)
	}
}

// WithHTTPClient sets the *http.Client used by the default transport.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTransport replaces the default HTTP transport.
func WithTransport(transport Transport) Option {
	return func(c *Client) {
		c.transport = transport
		c.customTransport = true
	}
}

// WithTracing traces the default transport with OpenTelemetry.
func WithTracing() Option {
	return func(c *Client) {
		c.config.Tracing = true
	}
}

// WithMetrics enables Prometheus metrics collection
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithRequestIDGenerator sets a custom function for generating request IDs
func WithRequestIDGenerator(gen func() string) Option {
	return func(c *Client) {
		c.idGen = gen
	}
}

// WithAuth enables bearer-token management over tokens.
func WithAuth(tokens *TokenStore, config AuthConfig) Option {
	return func(c *Client) {
		c.tokens = tokens
		c.config.Auth = config
	}
}

// WithRefresher replaces the default HTTP refresher.
func WithRefresher(refresher Refresher) Option {
	return func(c *Client) {
		c.refresher = refresher
	}
}

// WithOnAuthExpired subscribes fn to session-expiry events.
func WithOnAuthExpired(fn func(AuthExpiredEvent)) Option {
	return func(c *Client) {
		c.authSubscribers = append(c.authSubscribers, fn)
	}
}

// WithSharedState makes the client share breakers, cache storage and
// in-flight deduplication with every other client built with the same
// registry and key.
func WithSharedState(registry *Registry, key string) Option {
	return func(c *Client) {
		c.registry = registry
		c.sharedKey = key
	}
}

// WithClock injects the clock used by the breakers, retry tracker, rate
// limiter and cache.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// ValidateConfiguration validates the client configuration and returns an error if invalid
func (c *Client) ValidateConfiguration() error {
	var errs []string

	errs = append(errs, validateRetryConfig(c.config.Retry)...)
	errs = append(errs, validateCacheConfig(c.config.Cache)...)
	errs = append(errs, validateCircuitBreakerConfig(c.config.CircuitBreaker)...)
	errs = append(errs, validateRateLimitConfig(c.config.RateLimit)...)
	errs = append(errs, validateAuthConfig(c.config.Auth)...)
	errs = append(errs, c.validateClientConfig()...)
	errs = append(errs, c.validateOptionCombinations()...)

	if len(errs) > 0 {
		return newConfigurationError("configuration validation failed", fmt.Errorf("validation errors: %v", errs))
	}
	return nil
}

// validateRetryConfig validates retry-related configuration
func validateRetryConfig(cfg RetryConfig) []string {
	if !cfg.Enabled {
		return nil
	}

	var errs []string
	if cfg.MaxRetries < 0 {
		errs = append(errs, "retry maxRetries must be non-negative")
	}
	if cfg.MaxRetries > 100 {
		errs = append(errs, "retry maxRetries > 100 may cause excessive resource usage")
	}
	if cfg.RetryDelay < 0 {
		errs = append(errs, "retry retryDelay must be non-negative")
	}
	if cfg.MaxDelay > 0 && cfg.MaxDelay < cfg.RetryDelay {
		errs = append(errs, "retry maxDelay must be greater than or equal to retryDelay")
	}
	if cfg.BackoffMultiplier < 0 {
		errs = append(errs, "retry backoffMultiplier must be non-negative")
	}
	switch cfg.Backoff {
	case "", BackoffExponential, BackoffDecorrelated:
	default:
		errs = append(errs, fmt.Sprintf("unknown retry backoff %q", cfg.Backoff))
	}
	for _, status := range cfg.RetryOnStatus {
		if status < 100 || status > 599 {
			errs = append(errs, fmt.Sprintf("retry status %d is not an HTTP status", status))
		}
	}
	return errs
}

// validateCacheConfig validates cache configuration
func validateCacheConfig(cfg CacheConfig) []string {
	if !cfg.Enabled {
		return nil
	}

	var errs []string
	if cfg.MaxAge <= 0 {
		errs = append(errs, "cache maxAge must be positive when cache is enabled")
	}
	if cfg.MaxAge > 24*time.Hour {
		errs = append(errs, "cache maxAge > 24h may cause stale data issues")
	}
	if cfg.MaxSize < 0 {
		errs = append(errs, "cache maxSize must be non-negative")
	}
	switch cfg.StorageKind {
	case "", StorageMemory, StorageAdaptive, StorageDurable:
	default:
		errs = append(errs, fmt.Sprintf("unknown cache storage kind %q", cfg.StorageKind))
	}
	for _, method := range cfg.CacheableMethods {
		if strings.TrimSpace(method) == "" {
			errs = append(errs, "cache cacheableMethods cannot contain empty methods")
		}
	}
	return errs
}

// validateCircuitBreakerConfig validates circuit breaker configuration
func validateCircuitBreakerConfig(cfg CircuitBreakerConfig) []string {
	var errs []string
	if cfg.FailureThreshold < 0 {
		errs = append(errs, "circuitBreaker failureThreshold must be non-negative")
	}
	if cfg.CoolDown < 0 {
		errs = append(errs, "circuitBreaker coolDown must be non-negative")
	}
	return errs
}

// validateRateLimitConfig validates rate limiter configuration
func validateRateLimitConfig(cfg RateLimitConfig) []string {
	var errs []string
	if cfg.RequestsPerSecond < 0 {
		errs = append(errs, "rateLimit requestsPerSecond must be non-negative")
	}
	if cfg.RequestsPerSecond > 0 && cfg.Burst < 0 {
		errs = append(errs, "rateLimit burst must be non-negative")
	}
	return errs
}

func validateAuthConfig(cfg AuthConfig) []string {
	var errs []string
	for _, status := range cfg.FailureStatuses {
		if status < 400 || status > 499 {
			errs = append(errs, fmt.Sprintf("auth failure status %d must be a 4xx status", status))
		}
	}
	if cfg.AccessTTL < 0 || cfg.RefreshTTL < 0 {
		errs = append(errs, "auth token TTLs must be non-negative")
	}
	return errs
}

func (c *Client) validateClientConfig() []string {
	var errs []string

	if c.config.Timeout < 0 {
		errs = append(errs, "timeout must be non-negative")
	}
	if c.config.Timeout > 10*time.Minute {
		errs = append(errs, "timeout > 10m may cause requests to hang for too long")
	}
	if c.config.CredentialsMode != "" && !c.config.CredentialsMode.Valid() {
		errs = append(errs, fmt.Sprintf("unknown credentials mode %q", c.config.CredentialsMode))
	}
	if c.config.BaseURL != "" && !isAbsoluteURL(c.config.BaseURL) {
		errs = append(errs, fmt.Sprintf("baseURL %q must be absolute", c.config.BaseURL))
	}
	if c.customTransport && c.transport == nil {
		errs = append(errs, ErrMissingTransport.Error())
	}
	if !c.customTransport && c.httpClient == nil {
		errs = append(errs, "HTTP client cannot be nil")
	}
	if c.idGen == nil {
		errs = append(errs, "request ID generator cannot be nil")
	}
	for i, middleware := range c.middleware {
		if middleware == nil {
			errs = append(errs, fmt.Sprintf("middleware[%d] cannot be nil", i))
		}
	}
	return errs
}

// validateOptionCombinations validates that option combinations make sense together
func (c *Client) validateOptionCombinations() []string {
	var errs []string

	if c.config.Cache.Enabled && c.config.Cache.StorageKind == StorageDurable && c.storage == nil && c.cacheKV == nil {
		errs = append(errs, "durable cache storage requires a key-value store")
	}
	if c.tokens == nil && (c.refresher != nil || len(c.authSubscribers) > 0) {
		errs = append(errs, "auth options require a token store")
	}
	if c.tokens != nil && c.refresher == nil && c.config.Auth.RefreshURL == "" {
		errs = append(errs, "auth requires a refresh URL or a refresher")
	}
	if c.registry != nil && c.sharedKey == "" {
		errs = append(errs, "shared state requires a storage key")
	}
	return errs
}
