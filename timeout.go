package securefetch

import (
	"context"
	"sync"
	"time"
)

// TimeoutHook returns a before hook bounding each attempt by d. The derived
// context's cancel func is attached to the descriptor and released when the
// attempt settles, so no timer outlives its request.
func TimeoutHook(d time.Duration) BeforeHook {
	return func(_ context.Context, req *Request) (*Request, error) {
		if d <= 0 {
			return req, nil
		}
		ctx, cancel := context.WithTimeout(req.Context(), d)
		return req.WithContext(ctx, cancel), nil
	}
}

// cancelRegistry tracks the cancel funcs of outstanding requests so they
// can be aborted together.
type cancelRegistry struct {
	mu      sync.Mutex
	nextID  uint64
	cancels map[uint64]context.CancelFunc
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{cancels: make(map[uint64]context.CancelFunc)}
}

// track derives a cancellable context from parent. The returned release
// func cancels it and forgets the handle; it is safe to call more than once.
func (r *cancelRegistry) track(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.cancels[id] = cancel
	r.mu.Unlock()

	return ctx, func() {
		r.mu.Lock()
		delete(r.cancels, id)
		r.mu.Unlock()
		cancel()
	}
}

// cancelAll aborts every tracked request, clears the registry and returns
// how many were cancelled.
func (r *cancelRegistry) cancelAll() int {
	r.mu.Lock()
	cancels := r.cancels
	r.cancels = make(map[uint64]context.CancelFunc)
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// outstanding returns the number of tracked requests.
func (r *cancelRegistry) outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancels)
}
