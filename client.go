package securefetch

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Client sends requests through deduplication, caching, authentication,
// interceptors, rate limiting, circuit breaking and retries. It is safe for
// concurrent use.
type Client struct {
	config     Config
	logger     zerolog.Logger
	baseLogger *zerolog.Logger

	httpClient      *http.Client
	transport       Transport
	customTransport bool
	middleware      []Middleware
	interceptors    *Interceptors
	metrics         *MetricsCollector
	idGen           func() string
	now             func() time.Time

	retries  *RetryTracker
	breakers *BreakerRegistry
	limiter  *RateLimiterRegistry
	cancels  *cancelRegistry

	storage        Storage
	cacheKV        KeyValueStore
	cache          *CacheLayer
	dedupKeyFunc   DeduplicationKeyFunc
	dedupCondition DeduplicationCondition

	tokens          *TokenStore
	refresher       Refresher
	auth            *Authenticator
	authSubscribers []func(AuthExpiredEvent)

	registry  *Registry
	sharedKey string

	executor Executor
}

// New constructs a Client from options. Invalid configuration is reported
// as a ConfigurationError.
func New(options ...Option) (*Client, error) {
	c := &Client{
		config:       DefaultConfig(),
		httpClient:   &http.Client{},
		idGen:        uuid.NewString,
		now:          time.Now,
		interceptors: newInterceptors(zerolog.Nop()),
		cancels:      newCancelRegistry(),
	}

	for _, option := range options {
		option(c)
	}

	if err := c.ValidateConfiguration(); err != nil {
		return nil, err
	}

	c.logger = newLogger(c.config.Logging, c.config.LogLevel, c.baseLogger)
	c.interceptors.logger = c.logger

	if !c.customTransport {
		ht := NewHTTPTransport(c.httpClient)
		if c.config.BaseURL != "" {
			ht.baseOrigin = originOf(c.config.BaseURL)
		}
		if c.config.Tracing {
			ht = ht.WithTracing()
		}
		c.transport = ht
	}
	transport := chainMiddleware(c.transport, c.middleware)

	shared := c.sharedState()
	c.breakers = shared.Breakers
	c.retries = NewRetryTracker(c.config.CircuitBreaker.IdleTTL, c.now)
	if c.config.RateLimit.RequestsPerSecond > 0 {
		c.limiter = NewRateLimiterRegistry(c.config.RateLimit)
		c.limiter.now = c.now
	}

	var exec Executor = &pipeline{
		transport:    transport,
		baseURL:      c.config.BaseURL,
		credentials:  c.config.CredentialsMode,
		timeout:      c.config.Timeout,
		interceptors: c.interceptors,
		retry:        NewRetryPolicy(c.config.Retry),
		retries:      c.retries,
		breakers:     c.breakers,
		limiter:      c.limiter,
		cancels:      c.cancels,
		metrics:      c.metrics,
		logger:       c.logger,
	}

	if c.tokens != nil {
		c.auth = c.newAuthenticator(transport)
		exec = newAuthLayer(exec, c.auth)
	}

	if c.config.Cache.Enabled {
		c.cache = NewCacheLayer(exec, shared.Cache, c.config.Cache, c.logger, c.metrics)
		c.cache.now = c.now
		exec = c.cache
	}

	if c.cache != nil && c.tokens != nil {
		cache, logger := c.cache, c.logger
		c.tokens.OnLogout(func(ctx context.Context) {
			if err := cache.Clear(ctx); err != nil {
				logger.Warn().Err(err).Msg("failed to clear cache on logout")
			}
		})
	}

	if c.config.Deduplication {
		exec = newDeduplicationLayer(exec, shared.Dedup, c.metrics)
	}

	c.executor = exec
	return c, nil
}

// sharedState returns the breakers, cache storage and deduplicator, taken
// from the registry when the client opted into sharing.
func (c *Client) sharedState() *SharedState {
	build := func() *SharedState {
		breakers := NewBreakerRegistry(c.config.CircuitBreaker)
		breakers.now = c.now
		state := &SharedState{
			Breakers: breakers,
			Dedup:    c.newDeduplicator(),
		}
		if c.config.Cache.Enabled {
			state.Cache = c.newStorage()
		}
		return state
	}
	if c.registry == nil {
		return build()
	}

	state := c.registry.Shared(c.sharedKey, build)
	if c.config.Cache.Enabled && state.Cache == nil {
		c.logger.Warn().Str("storage_key", c.sharedKey).Msg("shared state has no cache storage, using a private one")
		private := *state
		private.Cache = c.newStorage()
		return &private
	}
	return state
}

func (c *Client) newStorage() Storage {
	if c.storage != nil {
		return c.storage
	}
	switch c.config.Cache.StorageKind {
	case StorageAdaptive:
		return NewAdaptiveStorage(c.config.Cache.MaxSize, c.config.Cache.MaxAge)
	case StorageDurable:
		return NewDurableStorage(c.cacheKV, originOf(c.config.BaseURL), c.logger)
	default:
		return NewLRUStorage(c.config.Cache.MaxSize)
	}
}

func (c *Client) newDeduplicator() *Deduplicator {
	dedup := NewDeduplicator()
	if c.dedupKeyFunc != nil {
		dedup.keyFunc = c.dedupKeyFunc
	}
	if c.dedupCondition != nil {
		dedup.condition = c.dedupCondition
	}
	return dedup
}

func (c *Client) newAuthenticator(transport Transport) *Authenticator {
	refresher := c.refresher
	if refresher == nil {
		refreshURL, err := resolveURL(c.config.BaseURL, c.config.Auth.RefreshURL)
		if err != nil {
			refreshURL = c.config.Auth.RefreshURL
		}
		refresher = &HTTPRefresher{
			URL:         refreshURL,
			Transport:   transport,
			Credentials: c.config.CredentialsMode,
		}
	}

	auth := NewAuthenticator(c.tokens, refresher, c.config.Auth,
		WithAuthLogger(c.logger),
		WithAuthMetrics(c.metrics),
		WithAuthClock(c.now),
	)
	for _, fn := range c.authSubscribers {
		auth.OnAuthExpired(fn)
	}
	return auth
}

// Request executes req. Ordinary HTTP and transport failures are reported
// in the Response; the returned error is non-nil only for configuration
// errors and terminal authentication failures.
func (c *Client) Request(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, newConfigurationError("request is nil", nil)
	}
	prepared := req.Clone()
	prepared.Method = strings.ToUpper(prepared.Method)
	if prepared.Method == "" {
		prepared.Method = http.MethodGet
	}
	if prepared.id == "" {
		prepared.id = c.idGen()
	}
	target, err := resolveURL(c.config.BaseURL, prepared.URL)
	if err != nil {
		return nil, newConfigurationError("invalid request url", err)
	}
	prepared.URL = target
	prepared.ctx = ctx

	// Readers are drained once here; auth and error-hook replays reuse the bytes.
	prepared, err = bufferBody(prepared)
	if err != nil {
		cfgErr := newConfigurationError("cannot read request body", err)
		cfgErr.RequestID = prepared.ID()
		cfgErr.Method = prepared.Method
		cfgErr.URL = prepared.URL
		return failureResponse(0, nil, nil, cfgErr), cfgErr
	}

	c.logger.Debug().
		Str("request_id", prepared.ID()).
		Str("method", prepared.Method).
		Str("url", prepared.URL).
		Msg("starting request")

	resp := c.executor.Execute(ctx, prepared)

	logEvent := c.logger.Debug()
	if resp.Err != nil {
		logEvent = c.logger.Info().Err(resp.Err)
	}
	logEvent.
		Str("request_id", prepared.ID()).
		Str("method", prepared.Method).
		Str("url", prepared.URL).
		Int("status", resp.Status).
		Bool("cached", resp.Cached).
		Msg("request settled")

	if isTerminalError(resp.Err) {
		return resp, resp.Err
	}
	return resp, nil
}

func isTerminalError(err error) bool {
	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		return false
	}
	return clientErr.Type == ErrorTypeAuth || clientErr.Type == ErrorTypeConfiguration
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	return c.Request(ctx, NewRequest(http.MethodGet, url, nil))
}

// Post performs a POST request; body is encoded by content type detection.
func (c *Client) Post(ctx context.Context, url string, body any) (*Response, error) {
	return c.Request(ctx, NewRequest(http.MethodPost, url, body))
}

// Put performs a PUT request.
func (c *Client) Put(ctx context.Context, url string, body any) (*Response, error) {
	return c.Request(ctx, NewRequest(http.MethodPut, url, body))
}

// Patch performs a PATCH request.
func (c *Client) Patch(ctx context.Context, url string, body any) (*Response, error) {
	return c.Request(ctx, NewRequest(http.MethodPatch, url, body))
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, url string) (*Response, error) {
	return c.Request(ctx, NewRequest(http.MethodDelete, url, nil))
}

// GetJSON performs a GET request and decodes a successful JSON body into T.
func GetJSON[T any](ctx context.Context, c *Client, url string) (T, *Response, error) {
	var zero T
	resp, err := c.Get(ctx, url)
	if err != nil {
		return zero, resp, err
	}
	out, err := Decode[T](resp)
	return out, resp, err
}

// Interceptors returns the client's hook registry.
func (c *Client) Interceptors() *Interceptors {
	return c.interceptors
}

// Auth returns the authenticator, or nil when auth is not configured.
func (c *Client) Auth() *Authenticator {
	return c.auth
}

// Metrics returns the metrics collector, or nil.
func (c *Client) Metrics() *MetricsCollector {
	return c.metrics
}

// Breakers returns the per-origin circuit breakers.
func (c *Client) Breakers() *BreakerRegistry {
	return c.breakers
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.config
}

// CancelAllRequests aborts every outstanding request and returns how many
// were cancelled.
func (c *Client) CancelAllRequests() int {
	n := c.cancels.cancelAll()
	if n > 0 {
		c.logger.Info().Int("count", n).Msg("cancelled outstanding requests")
	}
	return n
}

// InvalidateCache removes the cached response for method and url.
func (c *Client) InvalidateCache(ctx context.Context, method, url string) error {
	if c.cache == nil {
		return nil
	}
	target, err := resolveURL(c.config.BaseURL, url)
	if err != nil {
		return newConfigurationError("invalid url", err)
	}
	return c.cache.Invalidate(ctx, strings.ToUpper(method), target)
}

// ClearCache removes every cached response.
func (c *Client) ClearCache(ctx context.Context) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Clear(ctx)
}

// SweepStats reports what Sweep removed.
type SweepStats struct {
	Breakers     int
	RetryEntries int
	RateLimiters int
	CacheEntries int
}

// Sweep removes idle breaker, retry and rate limiter entries and expired
// cache entries as of now.
func (c *Client) Sweep(ctx context.Context, now time.Time) (SweepStats, error) {
	stats := SweepStats{
		Breakers:     c.breakers.Sweep(now),
		RetryEntries: c.retries.Sweep(now),
	}
	if c.limiter != nil {
		stats.RateLimiters = c.limiter.Sweep(now)
	}
	if c.cache != nil {
		removed, err := c.cache.Sweep(ctx, now)
		stats.CacheEntries = removed
		if err != nil {
			return stats, err
		}
	}

	c.logger.Debug().
		Int("breakers", stats.Breakers).
		Int("retry_entries", stats.RetryEntries).
		Int("rate_limiters", stats.RateLimiters).
		Int("cache_entries", stats.CacheEntries).
		Msg("sweep complete")
	return stats, nil
}

// Close cancels outstanding requests.
func (c *Client) Close() error {
	c.CancelAllRequests()
	return nil
}
