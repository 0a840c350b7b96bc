package securefetch

import (
	"context"
	"io"
	"net/http"
)

// CredentialsMode controls whether cookies accompany outgoing requests.
type CredentialsMode string

const (
	CredentialsOmit       CredentialsMode = "omit"
	CredentialsSameOrigin CredentialsMode = "same-origin"
	CredentialsInclude    CredentialsMode = "include"
)

// Valid reports whether m is a known credentials mode.
func (m CredentialsMode) Valid() bool {
	switch m {
	case CredentialsOmit, CredentialsSameOrigin, CredentialsInclude:
		return true
	default:
		return false
	}
}

// TransportRequest is the fully resolved request handed to a Transport for
// a single attempt. A new value is built for every attempt.
type TransportRequest struct {
	Method      string
	URL         string
	Header      http.Header
	Body        []byte
	Credentials CredentialsMode
}

// TransportResponse is the raw result of a transport call. The caller owns
// and must close Body.
type TransportResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Transport performs a single HTTP exchange. Implementations must abort the
// exchange when ctx is done.
type Transport interface {
	Perform(ctx context.Context, req *TransportRequest) (*TransportResponse, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req *TransportRequest) (*TransportResponse, error)

func (f TransportFunc) Perform(ctx context.Context, req *TransportRequest) (*TransportResponse, error) {
	return f(ctx, req)
}

// Middleware wraps the transport call of every attempt.
type Middleware func(ctx context.Context, req *TransportRequest, next Transport) (*TransportResponse, error)

// Executor runs a request descriptor to a settled Response. The pipeline,
// the cache layer and the de-duplication layer all implement it so they can
// be composed as decorators.
type Executor interface {
	Execute(ctx context.Context, req *Request) *Response
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req *Request) *Response

func (f ExecutorFunc) Execute(ctx context.Context, req *Request) *Response {
	return f(ctx, req)
}

// BeforeHook receives the outgoing descriptor and returns the descriptor to
// continue with. Returning an error skips the hook.
type BeforeHook func(ctx context.Context, req *Request) (*Request, error)

// AfterHook receives a successful response and returns the response to
// continue with. Returning an error skips the hook.
type AfterHook func(ctx context.Context, resp *Response) (*Response, error)

// ErrorHook receives a failed request and its error. Returning a non-nil
// Response recovers the request; returning a non-nil error replaces the
// current error; returning ErrRetry asks for one replay.
type ErrorHook func(ctx context.Context, req *Request, err error) (*Response, error)

// Option represents a configuration option
type Option func(*Client)
