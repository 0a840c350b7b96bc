package securefetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPTransport performs requests with a net/http client. The client's
// cookie jar is consulted according to the request's CredentialsMode.
type HTTPTransport struct {
	client *http.Client
	// baseOrigin is the origin treated as "same origin" for
	// CredentialsSameOrigin.
	baseOrigin string
}

// NewHTTPTransport wraps client; a nil client uses a fresh *http.Client.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{client: client}
}

// WithTracing returns a copy whose round trips are traced with otelhttp.
func (t *HTTPTransport) WithTracing() *HTTPTransport {
	base := t.client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client := *t.client
	client.Transport = otelhttp.NewTransport(base)
	return &HTTPTransport{client: &client, baseOrigin: t.baseOrigin}
}

// Perform implements Transport.
func (t *HTTPTransport) Perform(ctx context.Context, req *TransportRequest) (*TransportResponse, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build http request: %w", err)
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", UserAgent())
	}

	client := t.client
	if t.client.Jar != nil && !t.sendsCredentials(req) {
		noJar := *t.client
		noJar.Jar = nil
		client = &noJar
		httpReq.Header.Del("Cookie")
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	return &TransportResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

func (t *HTTPTransport) sendsCredentials(req *TransportRequest) bool {
	switch req.Credentials {
	case CredentialsInclude:
		return true
	case CredentialsSameOrigin:
		return t.baseOrigin != "" && originOf(req.URL) == t.baseOrigin
	default:
		return false
	}
}

// originOf returns scheme://host for rawURL, lowercased, or rawURL itself
// when it cannot be parsed.
func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// isAbsoluteURL reports whether rawURL has a scheme and host.
func isAbsoluteURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && u.IsAbs() && u.Host != ""
}

// resolveURL joins ref onto base when ref is relative.
func resolveURL(base, ref string) (string, error) {
	if base == "" {
		return ref, nil
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	if refURL.IsAbs() {
		return ref, nil
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(baseURL.Path, "/") {
		baseURL.Path += "/"
	}
	refURL.Path = strings.TrimPrefix(refURL.Path, "/")
	return baseURL.ResolveReference(refURL).String(), nil
}

// chainMiddleware applies middleware so that the first registered runs outermost.
func chainMiddleware(transport Transport, middleware []Middleware) Transport {
	current := transport
	for i := len(middleware) - 1; i >= 0; i-- {
		mw := middleware[i]
		next := current
		current = TransportFunc(func(ctx context.Context, req *TransportRequest) (*TransportResponse, error) {
			return mw(ctx, req, next)
		})
	}
	return current
}
