package securefetch

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func mustNew(t *testing.T, opts ...Option) *Client {
	t.Helper()
	client, err := New(opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	return client
}

func TestDefaultValuesWithoutOptions(t *testing.T) {
	client := mustNew(t)
	cfg := client.Config()

	if cfg.Logging {
		t.Error("Expected logging disabled by default")
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Expected timeout=30s, got %v", cfg.Timeout)
	}
	if !cfg.Retry.Enabled || cfg.Retry.MaxRetries != 3 {
		t.Errorf("Expected retries enabled with 3 attempts, got %+v", cfg.Retry)
	}
	if cfg.Cache.Enabled || client.cache != nil {
		t.Error("Expected cache disabled by default")
	}
	if cfg.Deduplication {
		t.Error("Expected deduplication disabled by default")
	}
	if client.limiter != nil {
		t.Error("Expected no rate limiter by default")
	}
	if client.auth != nil {
		t.Error("Expected no authenticator by default")
	}
	if client.metrics != nil {
		t.Error("Expected no metrics by default")
	}
	if _, ok := client.transport.(*HTTPTransport); !ok {
		t.Errorf("Expected default HTTPTransport, got %T", client.transport)
	}
}

func TestWithMaxRetries(t *testing.T) {
	client := mustNew(t, WithoutRetry(), WithMaxRetries(5))

	if !client.config.Retry.Enabled || client.config.Retry.MaxRetries != 5 {
		t.Errorf("Expected retries enabled with maxRetries=5, got %+v", client.config.Retry)
	}
}

func TestWithRetryDelay(t *testing.T) {
	client := mustNew(t, WithRetryDelay(200*time.Millisecond, 2*time.Second))

	if client.config.Retry.RetryDelay != 200*time.Millisecond {
		t.Errorf("Expected retryDelay=200ms, got %v", client.config.Retry.RetryDelay)
	}
	if client.config.Retry.MaxDelay != 2*time.Second {
		t.Errorf("Expected maxDelay=2s, got %v", client.config.Retry.MaxDelay)
	}
}

func TestWithCache(t *testing.T) {
	cfg := DefaultCacheConfig()
	cfg.Enabled = false
	cfg.MaxSize = 7
	client := mustNew(t, WithCache(cfg))

	if !client.config.Cache.Enabled {
		t.Error("WithCache should enable caching")
	}
	if client.cache == nil {
		t.Fatal("Expected cache layer to be built")
	}
	if _, ok := client.cache.storage.(*LRUStorage); !ok {
		t.Errorf("Expected LRU storage, got %T", client.cache.storage)
	}
}

func TestWithCacheStorageKinds(t *testing.T) {
	adaptive := DefaultCacheConfig()
	adaptive.StorageKind = StorageAdaptive
	client := mustNew(t, WithCache(adaptive))
	if _, ok := client.cache.storage.(*AdaptiveStorage); !ok {
		t.Errorf("Expected adaptive storage, got %T", client.cache.storage)
	}

	durable := DefaultCacheConfig()
	durable.StorageKind = StorageDurable
	client = mustNew(t, WithCache(durable), WithCacheKeyValueStore(NewMemoryStore()), WithBaseURL("https://api.example.com"))
	if _, ok := client.cache.storage.(*DurableStorage); !ok {
		t.Errorf("Expected durable storage, got %T", client.cache.storage)
	}

	custom := NewLRUStorage(3)
	client = mustNew(t, WithCache(durable), WithCacheStorage(custom))
	if client.cache.storage != custom {
		t.Error("Custom storage should take precedence over the storage kind")
	}
}

func TestWithTimeout(t *testing.T) {
	client := mustNew(t, WithTimeout(5*time.Second))
	if client.config.Timeout != 5*time.Second {
		t.Errorf("Expected timeout=5s, got %v", client.config.Timeout)
	}
}

func TestWithRateLimit(t *testing.T) {
	client := mustNew(t, WithRateLimit(10, 5))
	if client.limiter == nil {
		t.Fatal("Expected rate limiter to be built")
	}
	if client.config.RateLimit.RequestsPerSecond != 10 || client.config.RateLimit.Burst != 5 {
		t.Errorf("Unexpected rate limit config %+v", client.config.RateLimit)
	}
}

func TestWithCircuitBreaker(t *testing.T) {
	cfg := CircuitBreakerConfig{FailureThreshold: 2, CoolDown: time.Second, IdleTTL: time.Minute}
	client := mustNew(t, WithCircuitBreaker(cfg))
	if client.Breakers().config != cfg {
		t.Errorf("Expected breaker config %+v, got %+v", cfg, client.Breakers().config)
	}
}

func TestWithMetrics(t *testing.T) {
	client := mustNew(t, WithMetrics())
	if client.Metrics() == nil || client.Metrics().GetRegistry() == nil {
		t.Error("Expected metrics collector with its own registry")
	}

	collector := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
	client = mustNew(t, WithMetricsCollector(collector))
	if client.Metrics() != collector {
		t.Error("Expected the supplied collector")
	}
}

func TestWithHooksRegisterInterceptors(t *testing.T) {
	client := mustNew(t,
		WithRequestHook(func(_ context.Context, r *Request) (*Request, error) { return r, nil }),
		WithResponseHook(func(_ context.Context, r *Response) (*Response, error) { return r, nil }),
		WithErrorHook(func(context.Context, *Request, error) (*Response, error) { return nil, nil }),
	)

	before, after, onError := client.Interceptors().snapshot()
	if len(before) != 1 || len(after) != 1 || len(onError) != 1 {
		t.Errorf("Expected one hook of each kind, got %d/%d/%d", len(before), len(after), len(onError))
	}
}

func TestWithTracingWrapsDefaultTransport(t *testing.T) {
	base := &http.Client{Timeout: time.Second}
	client := mustNew(t, WithHTTPClient(base), WithTracing())

	ht, ok := client.transport.(*HTTPTransport)
	if !ok {
		t.Fatalf("Expected HTTPTransport, got %T", client.transport)
	}
	if ht.client == base || ht.client.Transport == nil {
		t.Error("Tracing should wrap a copy of the http client")
	}
	if base.Transport != nil {
		t.Error("The caller's http client must not be modified")
	}
}

func TestOptionsOrderIndependence(t *testing.T) {
	a := mustNew(t, WithMaxRetries(2), WithTimeout(time.Second), WithDeduplication())
	b := mustNew(t, WithDeduplication(), WithTimeout(time.Second), WithMaxRetries(2))

	if a.config.Retry.MaxRetries != b.config.Retry.MaxRetries ||
		a.config.Timeout != b.config.Timeout ||
		a.config.Deduplication != b.config.Deduplication {
		t.Error("Independent options should not depend on order")
	}
}

func TestValidateConfigurationErrors(t *testing.T) {
	testCases := []struct {
		name string
		opts []Option
		want string
	}{
		{"negative retries", []Option{WithMaxRetries(-1)}, "maxRetries must be non-negative"},
		{"negative timeout", []Option{WithTimeout(-time.Second)}, "timeout must be non-negative"},
		{"relative base url", []Option{WithBaseURL("/api")}, "must be absolute"},
		{"bad credentials", []Option{WithCredentialsMode("sometimes")}, "unknown credentials mode"},
		{"durable without store", []Option{WithCache(CacheConfig{MaxAge: time.Minute, StorageKind: StorageDurable})}, "requires a key-value store"},
		{"refresher without tokens", []Option{WithRefresher(RefresherFunc(nil))}, "require a token store"},
		{"tokens without refresh", []Option{WithAuth(NewTokenStore(NewMemoryStore()), DefaultAuthConfig())}, "refresh URL or a refresher"},
		{"registry without key", []Option{WithSharedState(NewRegistry(), "")}, "requires a storage key"},
		{"negative rate", []Option{WithRateLimit(-1, 1)}, "rate"},
	}

	for _, tc := range testCases {
		_, err := New(tc.opts...)
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
			continue
		}
		if !errors.Is(err, &ClientError{Type: ErrorTypeConfiguration}) {
			t.Errorf("%s: expected configuration error, got %v", tc.name, err)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: expected %q in %q", tc.name, tc.want, err.Error())
		}
	}
}
