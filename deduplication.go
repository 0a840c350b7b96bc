package securefetch

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"
)

// DeduplicationKeyFunc builds a key identifying identical in-flight requests.
type DeduplicationKeyFunc func(*Request) string

// DeduplicationCondition decides whether a request is eligible for deduplication.
type DeduplicationCondition func(*Request) bool

// DefaultDeduplicationKeyFunc builds a key from method, URL and the sorted
// request headers.
func DefaultDeduplicationKeyFunc(req *Request) string {
	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteByte(' ')
	b.WriteString(req.URL)

	names := make([]string, 0, len(req.Header))
	for name := range req.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteByte('\n')
		b.WriteString(http.CanonicalHeaderKey(name))
		b.WriteByte(':')
		b.WriteString(strings.Join(req.Header[name], ","))
	}
	return b.String()
}

// DefaultDeduplicationCondition enables deduplication for GET and HEAD.
func DefaultDeduplicationCondition(req *Request) bool {
	return req.Method == http.MethodGet || req.Method == http.MethodHead
}

// Deduplicator collapses concurrent identical requests into one execution.
// Every caller receives its own copy of the shared response.
type Deduplicator struct {
	group     singleflight.Group
	keyFunc   DeduplicationKeyFunc
	condition DeduplicationCondition
}

// NewDeduplicator returns a deduplicator using the default key and condition.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{
		keyFunc:   DefaultDeduplicationKeyFunc,
		condition: DefaultDeduplicationCondition,
	}
}

// deduplicationLayer is the Executor decorator that consults a Deduplicator.
type deduplicationLayer struct {
	next    Executor
	dedup   *Deduplicator
	metrics *MetricsCollector
}

func newDeduplicationLayer(next Executor, dedup *Deduplicator, metrics *MetricsCollector) *deduplicationLayer {
	return &deduplicationLayer{next: next, dedup: dedup, metrics: metrics}
}

// Execute implements Executor. The shared execution runs detached from any
// single caller's cancellation; a caller whose context ends stops waiting.
func (l *deduplicationLayer) Execute(ctx context.Context, req *Request) *Response {
	if !l.dedup.condition(req) {
		return l.next.Execute(ctx, req)
	}

	key := l.dedup.keyFunc(req)
	executed := false
	ch := l.dedup.group.DoChan(key, func() (any, error) {
		executed = true
		return l.next.Execute(context.WithoutCancel(ctx), req), nil
	})

	select {
	case res := <-ch:
		resp := res.Val.(*Response)
		if res.Shared && !executed {
			l.metrics.RecordDeduplicationHit(req.Method, endpointOf(req.URL))
		}
		return resp.copy()
	case <-ctx.Done():
		return failureResponse(0, nil, nil, &ClientError{
			Type:      ErrorTypeCanceled,
			Message:   "request canceled while waiting for shared response",
			Cause:     ctx.Err(),
			RequestID: req.ID(),
			Method:    req.Method,
			URL:       req.URL,
			Endpoint:  endpointOf(req.URL),
		})
	}
}
