package securefetch

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error types carried by ClientError.Type.
const (
	ErrorTypeConfiguration   = "ConfigurationError"
	ErrorTypeTransport       = "TransportError"
	ErrorTypeTimeout         = "TimeoutError"
	ErrorTypeCanceled        = "CanceledError"
	ErrorTypeHTTP            = "HTTPError"
	ErrorTypeAuth            = "AuthError"
	ErrorTypeCircuitOpen     = "CircuitOpenError"
	ErrorTypeRateLimit       = "RateLimitError"
	ErrorTypeCacheCorruption = "CacheCorruptionError"
	ErrorTypeInterceptor     = "InterceptorError"
)

// Sentinel errors for common failure scenarios
var (
	// ErrWeakKey is returned when the token encryption secret is shorter than MinSecretLength.
	ErrWeakKey = errors.New("securefetch: secret key must be at least 32 characters")

	// ErrKeyNotConfigured is returned when tokens are sealed or opened before ConfigureKey.
	ErrKeyNotConfigured = errors.New("securefetch: encryption key not configured")

	// ErrMissingTransport is returned when a client is built without a transport.
	ErrMissingTransport = errors.New("securefetch: transport is required")

	// ErrTokenNotFound is returned when no token record is stored.
	ErrTokenNotFound = errors.New("securefetch: token not found")

	// ErrTokenCorrupt is returned when a stored token record cannot be opened.
	ErrTokenCorrupt = errors.New("securefetch: token record is corrupt")

	// ErrAuthUnavailable is returned when neither an access nor a refresh token is usable.
	ErrAuthUnavailable = errors.New("securefetch: no usable credentials")

	// ErrRefreshFailed is returned when the refresh endpoint rejects the refresh token.
	ErrRefreshFailed = errors.New("securefetch: token refresh failed")

	// ErrRefreshExpired is returned when the stored refresh token has expired.
	ErrRefreshExpired = errors.New("securefetch: refresh token expired")

	// ErrSessionExpired is returned when a request is still rejected after one refresh.
	ErrSessionExpired = errors.New("securefetch: request rejected after token refresh")

	// ErrCircuitOpen is returned when the origin's circuit breaker rejects the request.
	ErrCircuitOpen = errors.New("securefetch: circuit open")

	// ErrRateLimited is returned when a request is denied due to rate limiting.
	ErrRateLimited = errors.New("securefetch: rate limited")

	// ErrRetry may be returned by an ErrorHook to ask the pipeline to replay the request once.
	ErrRetry = errors.New("securefetch: retry requested")
)

// ClientError is the error value carried by failed responses and returned
// for configuration and authentication failures.
type ClientError struct {
	Type       string
	Message    string
	Cause      error
	RequestID  string
	Method     string
	URL        string
	Endpoint   string
	Attempt    int
	MaxRetries int
	StatusCode int
	Timestamp  time.Time
	Duration   time.Duration
}

func newConfigurationError(message string, cause error) *ClientError {
	return &ClientError{
		Type:      ErrorTypeConfiguration,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

func newAuthError(message string, cause error) *ClientError {
	return &ClientError{
		Type:      ErrorTypeAuth,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// IsTransient determines if an error represents a transient failure that might succeed on retry.
// Returns true for network errors, timeouts, 5xx server responses, 408, 429 and open circuits.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrRateLimited) {
		return true
	}

	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		switch clientErr.Type {
		case ErrorTypeTransport, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeCircuitOpen:
			return true
		case ErrorTypeHTTP:
			return clientErr.StatusCode >= 500 ||
				clientErr.StatusCode == http.StatusTooManyRequests ||
				clientErr.StatusCode == http.StatusRequestTimeout
		default:
			return false
		}
	}

	return false
}

// IsAuthError reports whether err is a terminal authentication failure.
func IsAuthError(err error) bool {
	var clientErr *ClientError
	return errors.As(err, &clientErr) && clientErr.Type == ErrorTypeAuth
}

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.StatusCode
	}
	return 0
}

// Error implements error interface.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}

	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxRetries)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*ClientError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *ClientError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.RequestID != "" {
		info += fmt.Sprintf("Request ID: %s\n", e.RequestID)
	}
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.URL != "" {
		info += fmt.Sprintf("URL: %s\n", e.URL)
	}
	if e.Endpoint != "" {
		info += fmt.Sprintf("Endpoint: %s\n", e.Endpoint)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxRetries)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}
