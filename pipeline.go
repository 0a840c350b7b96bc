package securefetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// maxResponseBody bounds how much of a response body is read.
const maxResponseBody = 10 * 1024 * 1024

// pipeline runs one logical request through the before hooks, content type
// detection, rate limiter, circuit breaker and transport, retrying eligible
// failures before handing the outcome to the after or error hooks.
type pipeline struct {
	transport    Transport
	baseURL      string
	credentials  CredentialsMode
	timeout      time.Duration
	interceptors *Interceptors
	retry        *RetryPolicy
	retries      *RetryTracker
	breakers     *BreakerRegistry
	limiter      *RateLimiterRegistry
	cancels      *cancelRegistry
	metrics      *MetricsCollector
	logger       zerolog.Logger
}

// Execute implements Executor.
func (p *pipeline) Execute(ctx context.Context, req *Request) *Response {
	ctx, release := p.cancels.track(ctx)
	defer release()

	start := time.Now()
	endpoint := endpointOf(req.URL)
	p.metrics.RecordRequestStart(req.Method, endpoint)
	defer p.metrics.RecordRequestEnd(req.Method, endpoint)

	resp := p.run(ctx, req)

	p.metrics.RecordRequest(req.Method, endpoint, resp.Status, time.Since(start))
	if resp.Err != nil {
		var clientErr *ClientError
		if errors.As(resp.Err, &clientErr) {
			clientErr.Duration = time.Since(start)
			p.metrics.RecordError(clientErr.Type, req.Method, endpoint)
		}
	}
	return resp
}

func (p *pipeline) run(ctx context.Context, req *Request) *Response {
	before, after, onError := p.interceptors.snapshot()
	maxRetries := p.retry.MaxRetries()
	key := retryKey(req.Method, req.URL)

	req, err := bufferBody(req)
	if err != nil {
		return failureResponse(0, nil, nil, p.newError(ErrorTypeConfiguration, "cannot read request body", err, req, 0, maxRetries))
	}

	var (
		resp    *Response
		sent    *Request
		attempt int
	)
	for attempt = 0; ; attempt++ {
		resp, sent = p.attempt(ctx, req, before, attempt, maxRetries)
		if resp.Success {
			p.retries.Reset(key)
			return p.interceptors.runAfter(ctx, after, resp)
		}
		if attempt >= maxRetries || ctx.Err() != nil || !p.retry.ShouldRetry(resp.Err) {
			break
		}

		delay := p.retry.Delay(attempt)
		p.retries.Record(key, delay)
		p.metrics.RecordRetry(req.Method, endpointOf(req.URL), attempt+1)
		p.logger.Info().
			Str("request_id", req.ID()).
			Str("method", req.Method).
			Str("url", req.URL).
			Int("attempt", attempt+1).
			Int("max_retries", maxRetries).
			Dur("backoff", delay).
			Msg("scheduling retry")

		if err := sleepContext(ctx, delay); err != nil {
			resp = failureResponse(0, nil, nil, p.newError(ErrorTypeCanceled, "request canceled during backoff", err, sent, attempt, maxRetries))
			break
		}
	}
	p.retries.Reset(key)

	outcome := p.interceptors.runError(ctx, onError, sent, resp.Err)
	switch {
	case outcome.recovered != nil:
		return outcome.recovered
	case outcome.retry && ctx.Err() == nil:
		p.logger.Debug().Str("request_id", req.ID()).Msg("error hook requested replay")
		replay, _ := p.attempt(ctx, req, before, attempt+1, maxRetries)
		if replay.Success {
			return p.interceptors.runAfter(ctx, after, replay)
		}
		return replay
	}
	resp.Err = outcome.err
	return resp
}

// attempt performs a single transport call. A fresh descriptor is derived
// from req every time so that method, headers and body are reissued
// verbatim and hooks can attach fresh values.
func (p *pipeline) attempt(ctx context.Context, req *Request, before []BeforeHook, attempt, maxRetries int) (*Response, *Request) {
	base := req.WithContext(ctx)
	if p.timeout > 0 {
		base, _ = TimeoutHook(p.timeout)(ctx, base)
	}
	defer base.release()
	current := p.interceptors.runBefore(base.Context(), before, base)
	defer current.release()

	body, err := prepareBody(current)
	if err != nil {
		return failureResponse(0, nil, nil, p.newError(ErrorTypeConfiguration, "cannot encode request body", err, current, attempt, maxRetries)), current
	}

	target, err := resolveURL(p.baseURL, current.URL)
	if err != nil {
		return failureResponse(0, nil, nil, p.newError(ErrorTypeConfiguration, "invalid request url", err, current, attempt, maxRetries)), current
	}
	origin := originOf(target)

	if p.limiter != nil && !p.limiter.Allow(origin) {
		p.metrics.RecordRateLimited(origin)
		p.logger.Warn().Str("request_id", req.ID()).Str("origin", origin).Msg("rate limit exceeded")
		return failureResponse(0, nil, nil, p.newError(ErrorTypeRateLimit, "rate limit exceeded", ErrRateLimited, current, attempt, maxRetries)), current
	}

	if p.breakers != nil && !p.breakers.Allow(origin) {
		p.logger.Warn().Str("request_id", req.ID()).Str("origin", origin).Msg("circuit breaker open")
		return failureResponse(0, nil, nil, p.newError(ErrorTypeCircuitOpen, "circuit breaker is open", ErrCircuitOpen, current, attempt, maxRetries)), current
	}

	if attempt > 0 {
		p.logger.Debug().Str("request_id", req.ID()).Int("attempt", attempt).Str("url", target).Msg("retry attempt")
	}

	treq := &TransportRequest{
		Method:      current.Method,
		URL:         target,
		Header:      current.Header.Clone(),
		Body:        body,
		Credentials: p.credentials,
	}
	attemptCtx := current.Context()
	tresp, err := p.transport.Perform(attemptCtx, treq)
	if err != nil {
		errType, msg := classifyTransportError(attemptCtx, ctx, err)
		if errType == ErrorTypeCanceled {
			p.releaseBreaker(origin)
		} else {
			p.recordBreaker(origin, false)
		}
		p.logger.Warn().Err(err).Str("request_id", req.ID()).Str("url", target).Int("attempt", attempt).Msg(msg)
		return failureResponse(0, nil, nil, p.newError(errType, msg, err, current, attempt, maxRetries)), current
	}

	raw, err := io.ReadAll(io.LimitReader(tresp.Body, maxResponseBody))
	_ = tresp.Body.Close()
	if err != nil {
		errType, msg := classifyTransportError(attemptCtx, ctx, err)
		if errType == ErrorTypeCanceled {
			p.releaseBreaker(origin)
		} else {
			p.recordBreaker(origin, false)
		}
		return failureResponse(tresp.StatusCode, tresp.Header, nil, p.newError(errType, "read response body: "+msg, err, current, attempt, maxRetries)), current
	}

	p.recordBreaker(origin, tresp.StatusCode < 500)

	if tresp.StatusCode >= 200 && tresp.StatusCode < 300 {
		return successResponse(tresp.StatusCode, tresp.Header, raw), current
	}

	httpErr := p.newError(ErrorTypeHTTP, fmt.Sprintf("unexpected status %d", tresp.StatusCode), nil, current, attempt, maxRetries)
	httpErr.StatusCode = tresp.StatusCode
	return failureResponse(tresp.StatusCode, tresp.Header, raw, httpErr), current
}

func (p *pipeline) releaseBreaker(origin string) {
	if p.breakers != nil {
		p.breakers.Release(origin)
	}
}

func (p *pipeline) recordBreaker(origin string, success bool) {
	if p.breakers == nil {
		return
	}
	var state CircuitState
	if success {
		state = p.breakers.RecordSuccess(origin)
	} else {
		state = p.breakers.RecordFailure(origin)
	}
	p.metrics.RecordCircuitBreakerState(origin, state)
}

// classifyTransportError distinguishes attempt timeouts and caller
// cancellation from network failures.
func classifyTransportError(attemptCtx, requestCtx context.Context, err error) (string, string) {
	switch {
	case requestCtx.Err() != nil:
		return ErrorTypeCanceled, "request canceled"
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout, "request timed out"
	case errors.Is(attemptCtx.Err(), context.Canceled):
		return ErrorTypeCanceled, "request canceled"
	default:
		return ErrorTypeTransport, "network request failed"
	}
}

func (p *pipeline) newError(errorType, message string, cause error, req *Request, attempt, maxRetries int) *ClientError {
	return &ClientError{
		Type:       errorType,
		Message:    message,
		Cause:      cause,
		RequestID:  req.ID(),
		Method:     req.Method,
		URL:        req.URL,
		Endpoint:   endpointOf(req.URL),
		Attempt:    attempt,
		MaxRetries: maxRetries,
		Timestamp:  time.Now(),
	}
}

// endpointOf returns host+path for metrics labels.
func endpointOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "unknown"
	}

	var builder strings.Builder
	builder.WriteString(u.Host)
	if u.Path != "" && u.Path != "/" {
		builder.WriteString(u.Path)
	} else {
		builder.WriteByte('/')
	}
	return builder.String()
}
