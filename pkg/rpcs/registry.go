// Package rpcs tracks in-flight asynchronous calls so their owners can
// cancel them as a group, and provides the timer scheduler those calls use
// to re-arm themselves.
package rpcs

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Handle identifies one in-flight call inside a Registry. A zero Handle is
// valid and refers to nothing; Unregister and Abort on it are no-ops, which
// lets owners keep handle fields without tracking whether a call ever
// started.
type Handle struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

// Call is the body of an asynchronous call. It runs on its own goroutine and
// must honor ctx cancellation.
type Call func(ctx context.Context)

// Registry owns the context and goroutine of every registered call. Closing
// the registry cancels everything still in flight and waits for the call
// bodies to return.
type Registry struct {
	log *zap.Logger

	mu     sync.Mutex
	base   context.Context
	stop   context.CancelFunc
	closed bool

	wg sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	base, stop := context.WithCancel(context.Background())
	return &Registry{log: log, base: base, stop: stop}
}

// RegisterAndStart launches call on a new goroutine and records it under h.
// If h already tracks an in-flight call, that call is canceled first; a
// handle tracks at most one call at a time.
func (r *Registry) RegisterAndStart(h *Handle, call Call) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.log.Warn("registry closed, dropping call")
		return
	}
	ctx, cancel := context.WithCancel(r.base)
	r.wg.Add(1)
	r.mu.Unlock()

	h.mu.Lock()
	prev := h.cancel
	h.cancel = cancel
	h.mu.Unlock()
	if prev != nil {
		prev()
	}

	go func() {
		defer r.wg.Done()
		defer cancel()
		call(ctx)
	}()
}

// Unregister detaches the call tracked by h, if any. The call keeps running;
// it just can no longer be aborted through h. Called by the call itself once
// its response has been delivered.
func (r *Registry) Unregister(h *Handle) {
	h.mu.Lock()
	h.cancel = nil
	h.mu.Unlock()
}

// Abort cancels the calls tracked by the given handles. Handles with no
// in-flight call are skipped.
func (r *Registry) Abort(handles ...*Handle) {
	for _, h := range handles {
		h.mu.Lock()
		cancel := h.cancel
		h.cancel = nil
		h.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
}

// Close cancels every in-flight call and blocks until all call bodies have
// returned. Further RegisterAndStart calls are dropped.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.stop()
	r.wg.Wait()
}
