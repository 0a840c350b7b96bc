package securefetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRequestNormalizesDescriptor(t *testing.T) {
	rt := okTransport()
	client := newTestClient(t, WithTransport(rt), WithBaseURL("https://api.example.com/v1"))

	req := &Request{Method: "get", URL: "users/7"}
	resp, err := client.Request(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.Success)

	require.Equal(t, 1, rt.calls())
	assert.Equal(t, http.MethodGet, rt.requests[0].method)
	assert.Equal(t, "https://api.example.com/v1/users/7", rt.requests[0].path)
	assert.Equal(t, "get", req.Method, "caller's descriptor is not modified")
	assert.Empty(t, req.ID())
}

func TestClientRequestDefaultsToGet(t *testing.T) {
	rt := okTransport()
	client := newTestClient(t, WithTransport(rt))

	_, err := client.Request(context.Background(), &Request{URL: testOrigin + "/x"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, rt.requests[0].method)
}

func TestClientRequestNil(t *testing.T) {
	client := newTestClient(t, WithTransport(okTransport()))
	_, err := client.Request(context.Background(), nil)
	assert.ErrorIs(t, err, &ClientError{Type: ErrorTypeConfiguration})
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestClientRequestUnreadableBody(t *testing.T) {
	rt := okTransport()
	client := newTestClient(t, WithTransport(rt))

	resp, err := client.Post(context.Background(), testOrigin+"/upload", failingReader{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, &ClientError{Type: ErrorTypeConfiguration}))
	assert.Same(t, resp.Err, err)
	assert.Zero(t, rt.calls())
}

func TestClientVerbs(t *testing.T) {
	rt := okTransport()
	client := newTestClient(t, WithTransport(rt))
	ctx := context.Background()

	_, _ = client.Get(ctx, testOrigin+"/r")
	_, _ = client.Post(ctx, testOrigin+"/r", map[string]string{"a": "b"})
	_, _ = client.Put(ctx, testOrigin+"/r", "plain")
	_, _ = client.Patch(ctx, testOrigin+"/r", []byte{1})
	_, _ = client.Delete(ctx, testOrigin+"/r")

	require.Equal(t, 5, rt.calls())
	methods := make([]string, 0, 5)
	for _, r := range rt.requests {
		methods = append(methods, r.method)
	}
	assert.Equal(t, []string{"GET", "POST", "PUT", "PATCH", "DELETE"}, methods)
	assert.Equal(t, `{"a":"b"}`, rt.requests[1].body)
	assert.Equal(t, "application/json", rt.requests[1].contentType)
	assert.Equal(t, "text/plain", rt.requests[2].contentType)
	assert.Equal(t, "application/octet-stream", rt.requests[3].contentType)
}

func TestGetJSON(t *testing.T) {
	type item struct {
		N int `json:"n"`
	}
	client := newTestClient(t, WithTransport(okTransport()))

	out, resp, err := GetJSON[item](context.Background(), client, testOrigin+"/item")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, item{N: 1}, out)

	failing := &recordingTransport{respond: func(int, *TransportRequest) (*TransportResponse, error) {
		return textResponse(http.StatusNotFound, "missing"), nil
	}}
	client = newTestClient(t, WithTransport(failing))
	_, resp, err = GetJSON[item](context.Background(), client, testOrigin+"/item")
	assert.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestClientUserAgentAndRequestID(t *testing.T) {
	var userAgent atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent.Store(r.UserAgent())
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client, err := New(WithoutRetry())
	require.NoError(t, err)
	resp, err := client.Get(context.Background(), server.URL)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, UserAgent(), userAgent.Load())
}

func TestClientCachesSuccessfulGets(t *testing.T) {
	rt := okTransport()
	metrics := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
	client := newTestClient(t, WithTransport(rt), WithCache(DefaultCacheConfig()), WithMetricsCollector(metrics))
	ctx := context.Background()

	first, err := client.Get(ctx, testOrigin+"/items")
	require.NoError(t, err)
	second, err := client.Get(ctx, testOrigin+"/items")
	require.NoError(t, err)

	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, 1, rt.calls())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.cacheHits.WithLabelValues(http.MethodGet, "api.example.com/items")))

	require.NoError(t, client.InvalidateCache(ctx, "get", testOrigin+"/items"))
	third, err := client.Get(ctx, testOrigin+"/items")
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Equal(t, 2, rt.calls())

	require.NoError(t, client.ClearCache(ctx))
	_, _ = client.Get(ctx, testOrigin+"/items")
	assert.Equal(t, 3, rt.calls())
}

func TestClientCacheHelpersWithoutCache(t *testing.T) {
	client := newTestClient(t, WithTransport(okTransport()))
	assert.NoError(t, client.InvalidateCache(context.Background(), "GET", "/x"))
	assert.NoError(t, client.ClearCache(context.Background()))
}

func TestClientSharedStateAcrossClients(t *testing.T) {
	registry := NewRegistry()
	rt := &recordingTransport{respond: func(int, *TransportRequest) (*TransportResponse, error) {
		return textResponse(http.StatusInternalServerError, ""), nil
	}}
	breaker := WithCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, CoolDown: time.Hour, IdleTTL: time.Hour})

	a := newTestClient(t, WithTransport(rt), WithoutRetry(), breaker, WithSharedState(registry, "api"))
	b := newTestClient(t, WithTransport(rt), WithoutRetry(), breaker, WithSharedState(registry, "api"))
	other := newTestClient(t, WithTransport(rt), WithoutRetry(), breaker, WithSharedState(registry, "other"))

	require.Same(t, a.Breakers(), b.Breakers())
	require.NotSame(t, a.Breakers(), other.Breakers())
	assert.Equal(t, []string{"api", "other"}, registry.Keys())

	ctx := context.Background()
	_, _ = a.Get(ctx, testOrigin+"/x")
	_, _ = a.Get(ctx, testOrigin+"/x")

	resp, err := b.Get(ctx, testOrigin+"/x")
	require.NoError(t, err)
	assert.ErrorIs(t, resp.Err, ErrCircuitOpen)
	assert.Equal(t, 2, rt.calls())

	resp, _ = other.Get(ctx, testOrigin+"/x")
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Equal(t, 3, rt.calls())
}

func TestClientSharedCacheStorage(t *testing.T) {
	registry := NewRegistry()
	rt := okTransport()
	a := newTestClient(t, WithTransport(rt), WithCache(DefaultCacheConfig()), WithSharedState(registry, "api"))
	b := newTestClient(t, WithTransport(rt), WithCache(DefaultCacheConfig()), WithSharedState(registry, "api"))

	_, _ = a.Get(context.Background(), testOrigin+"/items")
	resp, err := b.Get(context.Background(), testOrigin+"/items")
	require.NoError(t, err)
	assert.True(t, resp.Cached)
	assert.Equal(t, 1, rt.calls())

	state, ok := registry.Lookup("api")
	require.True(t, ok)
	assert.NotNil(t, state.Cache)

	registry.Remove("api")
	_, ok = registry.Lookup("api")
	assert.False(t, ok)
}

func TestClientSweep(t *testing.T) {
	clock := newFakeClock()
	rt := &recordingTransport{respond: func(n int, _ *TransportRequest) (*TransportResponse, error) {
		return textResponse(http.StatusOK, "ok"), nil
	}}
	cacheConfig := DefaultCacheConfig()
	cacheConfig.MaxAge = time.Minute
	client := newTestClient(t,
		WithTransport(rt),
		WithClock(clock.Now),
		WithCache(cacheConfig),
		WithRateLimit(100, 10),
		WithCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 5, CoolDown: time.Minute, IdleTTL: 10 * time.Minute}),
	)
	ctx := context.Background()

	_, _ = client.Get(ctx, testOrigin+"/a")
	_, _ = client.Get(ctx, "https://other.example.com/b")

	stats, err := client.Sweep(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, SweepStats{}, stats)

	stats, err = client.Sweep(ctx, clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Breakers)
	assert.Equal(t, 2, stats.RateLimiters)
	assert.Equal(t, 2, stats.CacheEntries)
	assert.Zero(t, client.Breakers().Len())
}

func TestClientCloseCancelsOutstanding(t *testing.T) {
	started := make(chan struct{})
	rt := &recordingTransport{respond: func(_ int, _ *TransportRequest) (*TransportResponse, error) {
		close(started)
		time.Sleep(10 * time.Millisecond)
		return textResponse(http.StatusOK, ""), nil
	}}
	client := newTestClient(t, WithTransport(rt))

	done := make(chan *Response, 1)
	go func() {
		resp, _ := client.Get(context.Background(), testOrigin+"/x")
		done <- resp
	}()
	<-started
	require.NoError(t, client.Close())
	<-done
	assert.Zero(t, client.cancels.outstanding())
}
