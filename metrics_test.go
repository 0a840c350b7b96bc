package securefetch

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsCollectorWithRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewMetricsCollectorWithRegistry(registry)

	if collector == nil {
		t.Fatal("NewMetricsCollectorWithRegistry() returned nil")
	}
	if collector.GetRegistry() != registry {
		t.Error("Registry not set correctly")
	}
}

func TestMetricsCollectorNilSafe(t *testing.T) {
	var collector *MetricsCollector

	collector.RecordRequest("GET", "example.com/", 200, time.Second)
	collector.RecordRequestStart("GET", "example.com/")
	collector.RecordRequestEnd("GET", "example.com/")
	collector.RecordRetry("GET", "example.com/", 1)
	collector.RecordCircuitBreakerState("https://example.com", StateOpen)
	collector.RecordRateLimited("https://example.com")
	collector.RecordCacheHit("GET", "example.com/")
	collector.RecordCacheMiss("GET", "example.com/")
	collector.RecordCacheSize("default", 3)
	collector.RecordDeduplicationHit("GET", "example.com/")
	collector.RecordTokenRefresh("success")
	collector.RecordError(ErrorTypeTransport, "GET", "example.com/")

	if collector.GetRegistry() != nil {
		t.Error("Expected nil registry for nil collector")
	}
}

func TestRecordRequestAndRetry(t *testing.T) {
	collector := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())

	collector.RecordRequest("GET", "example.com/api", 200, 150*time.Millisecond)
	collector.RecordRequest("GET", "example.com/api", 200, 50*time.Millisecond)
	collector.RecordRetry("GET", "example.com/api", 1)

	if got := testutil.ToFloat64(collector.requestsTotal.WithLabelValues("GET", "200", "example.com/api")); got != 2 {
		t.Errorf("Expected 2 requests, got %v", got)
	}
	if got := testutil.ToFloat64(collector.retriesTotal.WithLabelValues("GET", "example.com/api", "1")); got != 1 {
		t.Errorf("Expected 1 retry, got %v", got)
	}
}

func TestRecordCircuitBreakerStatePerOrigin(t *testing.T) {
	collector := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())

	collector.RecordCircuitBreakerState("https://a.example.com", StateOpen)
	collector.RecordCircuitBreakerState("https://b.example.com", StateHalfOpen)

	if got := testutil.ToFloat64(collector.circuitBreakerState.WithLabelValues("https://a.example.com")); got != 1 {
		t.Errorf("Expected open (1), got %v", got)
	}
	if got := testutil.ToFloat64(collector.circuitBreakerState.WithLabelValues("https://b.example.com")); got != 2 {
		t.Errorf("Expected half-open (2), got %v", got)
	}
}

func TestRecordTokenRefresh(t *testing.T) {
	collector := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())

	collector.RecordTokenRefresh("success")
	collector.RecordTokenRefresh("failure")
	collector.RecordTokenRefresh("success")

	if got := testutil.ToFloat64(collector.tokenRefreshes.WithLabelValues("success")); got != 2 {
		t.Errorf("Expected 2 successful refreshes, got %v", got)
	}
	if got := testutil.ToFloat64(collector.tokenRefreshes.WithLabelValues("failure")); got != 1 {
		t.Errorf("Expected 1 failed refresh, got %v", got)
	}
}

func TestRecordInFlight(t *testing.T) {
	collector := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())

	collector.RecordRequestStart("POST", "example.com/orders")
	collector.RecordRequestStart("POST", "example.com/orders")
	collector.RecordRequestEnd("POST", "example.com/orders")

	if got := testutil.ToFloat64(collector.requestsInFlight.WithLabelValues("POST", "example.com/orders")); got != 1 {
		t.Errorf("Expected 1 in flight, got %v", got)
	}
}
