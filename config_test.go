package securefetch

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(context.Background(), envconfig.MapLookuper(map[string]string{}))
	require.NoError(t, err)

	assert.False(t, cfg.Logging)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, CredentialsSameOrigin, cfg.CredentialsMode)

	assert.True(t, cfg.Retry.Enabled)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, BackoffExponential, cfg.Retry.Backoff)
	assert.Equal(t, []int{408, 429, 500, 502, 503, 504}, cfg.Retry.RetryOnStatus)

	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Cache.MaxAge)
	assert.Equal(t, []string{http.MethodGet}, cfg.Cache.CacheableMethods)

	assert.Equal(t, 10, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.CircuitBreaker.CoolDown)
	assert.Equal(t, []int{401, 403}, cfg.Auth.FailureStatuses)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	lookup := envconfig.MapLookuper(map[string]string{
		"SECUREFETCH_LOGGING":                   "true",
		"SECUREFETCH_LOG_LEVEL":                 "debug",
		"SECUREFETCH_TIMEOUT":                   "5s",
		"SECUREFETCH_BASE_URL":                  "https://api.example.com/v1",
		"SECUREFETCH_CREDENTIALS_MODE":          "include",
		"SECUREFETCH_RETRY_MAX_RETRIES":         "5",
		"SECUREFETCH_RETRY_ON_STATUS":           "503",
		"SECUREFETCH_CACHE_ENABLED":             "true",
		"SECUREFETCH_CACHE_STORAGE_KIND":        "adaptive",
		"SECUREFETCH_BREAKER_FAILURE_THRESHOLD": "3",
		"SECUREFETCH_RATE_LIMIT_RPS":            "2.5",
		"SECUREFETCH_AUTH_REFRESH_URL":          "/auth/refresh",
		"SECUREFETCH_AUTH_FAILURE_STATUSES":     "401",
		"UNPREFIXED_TIMEOUT":                    "1s",
	})

	cfg, err := loadConfig(context.Background(), lookup)
	require.NoError(t, err)

	assert.True(t, cfg.Logging)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, "https://api.example.com/v1", cfg.BaseURL)
	assert.Equal(t, CredentialsInclude, cfg.CredentialsMode)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, []int{503}, cfg.Retry.RetryOnStatus)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, StorageAdaptive, cfg.Cache.StorageKind)
	assert.Equal(t, 3, cfg.CircuitBreaker.FailureThreshold)
	assert.InDelta(t, 2.5, cfg.RateLimit.RequestsPerSecond, 1e-9)
	assert.Equal(t, "/auth/refresh", cfg.Auth.RefreshURL)
	assert.Equal(t, []int{401}, cfg.Auth.FailureStatuses)
}

func TestLoadConfigRejectsInvalidEnvironment(t *testing.T) {
	_, err := loadConfig(context.Background(), envconfig.MapLookuper(map[string]string{
		"SECUREFETCH_BASE_URL":          "not-a-url",
		"SECUREFETCH_RETRY_MAX_RETRIES": "-1",
	}))
	require.Error(t, err)
	assert.ErrorIs(t, err, &ClientError{Type: ErrorTypeConfiguration})
	assert.Contains(t, err.Error(), "baseURL")
	assert.Contains(t, err.Error(), "maxRetries")

	_, err = loadConfig(context.Background(), envconfig.MapLookuper(map[string]string{
		"SECUREFETCH_TIMEOUT": "soon",
	}))
	assert.Error(t, err)
}

func TestParseConfigBooleanShorthand(t *testing.T) {
	cfg, err := ParseConfig([]byte("retry: false\ncache: true\n"))
	require.NoError(t, err)

	assert.False(t, cfg.Retry.Enabled)
	assert.Equal(t, DefaultRetryConfig().MaxRetries, cfg.Retry.MaxRetries)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, DefaultCacheConfig().MaxSize, cfg.Cache.MaxSize)
}

func TestParseConfigObjects(t *testing.T) {
	data := []byte(`
logging: true
timeout: 10s
baseURL: https://api.example.com
retry:
  maxRetries: 2
  retryDelay: 250ms
cache:
  maxSize: 10
  storageKind: durable
circuitBreaker:
  failureThreshold: 4
  coolDown: 5s
auth:
  refreshURL: /auth/refresh
  loginURL: /login
`)
	cfg, err := ParseConfig(data)
	require.NoError(t, err)

	assert.True(t, cfg.Logging)
	assert.Equal(t, 10*time.Second, cfg.Timeout)

	assert.True(t, cfg.Retry.Enabled, "an object enables retries")
	assert.Equal(t, 2, cfg.Retry.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.RetryDelay)
	assert.Equal(t, DefaultRetryConfig().MaxDelay, cfg.Retry.MaxDelay)

	assert.True(t, cfg.Cache.Enabled, "an object enables caching")
	assert.Equal(t, 10, cfg.Cache.MaxSize)
	assert.Equal(t, StorageDurable, cfg.Cache.StorageKind)
	assert.Equal(t, 5*time.Minute, cfg.Cache.MaxAge)

	assert.Equal(t, 4, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 5*time.Second, cfg.CircuitBreaker.CoolDown)
	assert.Equal(t, 10*time.Minute, cfg.CircuitBreaker.IdleTTL)

	assert.Equal(t, "/login", cfg.Auth.LoginURL)
	assert.Equal(t, []int{401, 403}, cfg.Auth.FailureStatuses)
}

func TestParseConfigEmptyKeepsDefaults(t *testing.T) {
	cfg, err := ParseConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestParseConfigErrors(t *testing.T) {
	_, err := ParseConfig([]byte("retry: [1, 2"))
	assert.Error(t, err)

	_, err = ParseConfig([]byte("cache:\n  maxSize: -1\n  storageKind: floppy\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, &ClientError{Type: ErrorTypeConfiguration})
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "securefetch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("deduplication: true\nrateLimit:\n  requestsPerSecond: 4\n  burst: 2\n"), 0o600))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.True(t, cfg.Deduplication)
	assert.InDelta(t, 4.0, cfg.RateLimit.RequestsPerSecond, 1e-9)
	assert.Equal(t, 2, cfg.RateLimit.Burst)

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfigValidateCollectsEveryError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = -time.Second
	cfg.CredentialsMode = "sometimes"
	cfg.Auth.FailureStatuses = []int{500}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "timeout must be non-negative")
	assert.Contains(t, msg, `unknown credentials mode "sometimes"`)
	assert.Contains(t, msg, "auth failure status 500")
}

func TestWithConfigAppliesLoadedConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte("retry:\n  maxRetries: 0\nbaseURL: https://api.example.com/v1\n"))
	require.NoError(t, err)

	rt := &recordingTransport{respond: func(int, *TransportRequest) (*TransportResponse, error) {
		return textResponse(http.StatusServiceUnavailable, ""), nil
	}}
	client, err := New(WithConfig(cfg), WithTransport(rt))
	require.NoError(t, err)

	resp, err := client.Get(context.Background(), "/users")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	require.Equal(t, 1, rt.calls())
	assert.Equal(t, "https://api.example.com/v1/users", rt.requests[0].path)
}
