package securefetch

import (
	"context"
	"net/http"
	"strings"
)

// Request describes one logical request. Hooks treat it as immutable and
// derive new values with Clone, WithHeader and WithContext.
type Request struct {
	Method string
	URL    string
	Header http.Header
	// Body is encoded by content type detection: strings, []byte, io.Reader,
	// url.Values and JSON-marshalable values are accepted.
	Body any

	ctx      context.Context
	releases []context.CancelFunc
	id       string
}

// NewRequest builds a descriptor for method and url.
func NewRequest(method, url string, body any) *Request {
	return &Request{
		Method: strings.ToUpper(method),
		URL:    url,
		Header: make(http.Header),
		Body:   body,
	}
}

// Context returns the request context, never nil.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// ID returns the request ID assigned by the client.
func (r *Request) ID() string {
	return r.id
}

// Clone returns a deep copy of the descriptor's header map; Body is shared.
func (r *Request) Clone() *Request {
	clone := *r
	clone.Header = r.Header.Clone()
	if clone.Header == nil {
		clone.Header = make(http.Header)
	}
	clone.releases = append([]context.CancelFunc(nil), r.releases...)
	return &clone
}

// WithHeader returns a copy with key set to value.
func (r *Request) WithHeader(key, value string) *Request {
	clone := r.Clone()
	clone.Header.Set(key, value)
	return clone
}

// WithContext returns a copy bound to ctx. Any release funcs are invoked
// once the request settles, whatever the outcome.
func (r *Request) WithContext(ctx context.Context, release ...context.CancelFunc) *Request {
	clone := r.Clone()
	clone.ctx = ctx
	clone.releases = append(clone.releases, release...)
	return clone
}

func (r *Request) release() {
	for _, fn := range r.releases {
		if fn != nil {
			fn()
		}
	}
	r.releases = nil
}

func hasBody(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}
