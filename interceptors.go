package securefetch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Interceptors holds the before, after and error hooks. Hooks may be added
// while requests are running; each request iterates a snapshot in
// registration order.
type Interceptors struct {
	mu     sync.RWMutex
	before []BeforeHook
	after  []AfterHook
	errors []ErrorHook
	logger zerolog.Logger
}

func newInterceptors(logger zerolog.Logger) *Interceptors {
	return &Interceptors{logger: logger}
}

// OnRequest registers a before hook.
func (i *Interceptors) OnRequest(hook BeforeHook) {
	i.mu.Lock()
	i.before = append(i.before, hook)
	i.mu.Unlock()
}

// OnResponse registers an after hook.
func (i *Interceptors) OnResponse(hook AfterHook) {
	i.mu.Lock()
	i.after = append(i.after, hook)
	i.mu.Unlock()
}

// OnError registers an error hook.
func (i *Interceptors) OnError(hook ErrorHook) {
	i.mu.Lock()
	i.errors = append(i.errors, hook)
	i.mu.Unlock()
}

// Reset removes every hook.
func (i *Interceptors) Reset() {
	i.mu.Lock()
	i.before, i.after, i.errors = nil, nil, nil
	i.mu.Unlock()
}

func (i *Interceptors) snapshot() ([]BeforeHook, []AfterHook, []ErrorHook) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return append([]BeforeHook(nil), i.before...),
		append([]AfterHook(nil), i.after...),
		append([]ErrorHook(nil), i.errors...)
}

func interceptorError(stage string, index int, cause error) *ClientError {
	return &ClientError{
		Type:    ErrorTypeInterceptor,
		Message: fmt.Sprintf("%s hook %d failed", stage, index),
		Cause:   cause,
	}
}

// hookPanic marks an error recovered from a panicking hook.
type hookPanic struct{ error }

func isHookPanic(err error) bool {
	var p hookPanic
	return errors.As(err, &p)
}

// recoverHook turns a panic inside a hook into an error.
func recoverHook(err *error) {
	if r := recover(); r != nil {
		*err = hookPanic{fmt.Errorf("panic: %v", r)}
	}
}

func callBefore(hook BeforeHook, ctx context.Context, req *Request) (out *Request, err error) {
	defer recoverHook(&err)
	return hook(ctx, req)
}

func callAfter(hook AfterHook, ctx context.Context, resp *Response) (out *Response, err error) {
	defer recoverHook(&err)
	return hook(ctx, resp)
}

func callError(hook ErrorHook, ctx context.Context, req *Request, cause error) (out *Response, err error) {
	defer recoverHook(&err)
	return hook(ctx, req, cause)
}

// runBefore applies hooks in order. A hook that fails or returns nil is
// logged and skipped; the chain continues with the last good descriptor.
func (i *Interceptors) runBefore(ctx context.Context, hooks []BeforeHook, req *Request) *Request {
	current := req
	for idx, hook := range hooks {
		next, err := callBefore(hook, ctx, current)
		if err != nil || next == nil {
			if err == nil {
				err = errors.New("hook returned nil request")
			}
			i.logger.Warn().Err(interceptorError("before", idx, err)).Str("request_id", req.ID()).Msg("interceptor skipped")
			continue
		}
		current = next
	}
	return current
}

// runAfter applies hooks in order to a successful response, fail-open.
func (i *Interceptors) runAfter(ctx context.Context, hooks []AfterHook, resp *Response) *Response {
	current := resp
	for idx, hook := range hooks {
		next, err := callAfter(hook, ctx, current)
		if err != nil || next == nil {
			if err == nil {
				err = errors.New("hook returned nil response")
			}
			i.logger.Warn().Err(interceptorError("after", idx, err)).Msg("interceptor skipped")
			continue
		}
		current = next
	}
	return current
}

// errorOutcome is the result of the error hook chain.
type errorOutcome struct {
	recovered *Response
	err       error
	retry     bool
}

// runError applies hooks in order. A hook may replace the error, recover
// with a response (which ends the chain) or return ErrRetry to ask for a
// replay. A panicking hook is logged and skipped.
func (i *Interceptors) runError(ctx context.Context, hooks []ErrorHook, req *Request, cause error) errorOutcome {
	current := cause
	for idx, hook := range hooks {
		resp, err := callError(hook, ctx, req, current)
		switch {
		case err != nil && errors.Is(err, ErrRetry):
			return errorOutcome{err: current, retry: true}
		case resp != nil:
			return errorOutcome{recovered: resp}
		case err != nil && isHookPanic(err):
			i.logger.Warn().Err(interceptorError("error", idx, err)).Str("request_id", req.ID()).Msg("interceptor skipped")
		case err != nil:
			current = err
		}
	}
	return errorOutcome{err: current}
}
