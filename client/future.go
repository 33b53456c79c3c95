package client

import (
	"sync"
	"time"

	"encore.app/pkg/wire"
)

// futureResult is what completes a Future exactly once: either a real
// response body, or a cancellation carrying a reason and a retry hint.
type futureResult struct {
	response    *wire.ResponseBody
	cancelled   bool
	reason      string
	shouldRetry bool
}

// Response returns the completed response body, or nil for a cancellation.
func (r futureResult) Response() *wire.ResponseBody { return r.response }

// IsCancelled reports whether the future completed with a cancellation
// marker instead of a response.
func (r futureResult) IsCancelled() bool { return r.cancelled }

// Reason returns the cancellation cause.
func (r futureResult) Reason() string { return r.reason }

// ShouldRetry reports whether the canceller advised retrying via HTTP.
func (r futureResult) ShouldRetry() bool { return r.shouldRetry }

// Future is the one-shot request/response primitive shared by both
// transports: the sender registers it at send time and awaits completion;
// the channel's receive loop completes it exactly once, or completes it with
// a cancellation marker on channel close.
type Future struct {
	ch   chan futureResult
	once sync.Once
}

func newFuture() *Future {
	return &Future{ch: make(chan futureResult, 1)}
}

// complete delivers resp to the waiter. Safe to call at most meaningfully
// once; subsequent calls are no-ops, matching "completed exactly once".
func (f *Future) complete(resp *wire.ResponseBody) {
	f.once.Do(func() {
		f.ch <- futureResult{response: resp}
	})
}

// cancel completes the future with a cancellation marker instead of a
// response, used on channel close or explicit cancellation.
func (f *Future) cancel(reason string, shouldRetry bool) {
	f.once.Do(func() {
		f.ch <- futureResult{cancelled: true, reason: reason, shouldRetry: shouldRetry}
	})
}

// Wait blocks on either the channel's receive loop completing this future or
// the caller's own done signal (e.g. a per-attempt timeout context).
func (f *Future) Wait(done <-chan time.Time) (futureResult, bool) {
	select {
	case r := <-f.ch:
		return r, true
	case <-done:
		return futureResult{}, false
	}
}

// futureTable is the per-channel correlation table keyed by request ID.
type futureTable struct {
	mu      sync.Mutex
	futures map[string]*Future
}

func newFutureTable() *futureTable {
	return &futureTable{futures: make(map[string]*Future)}
}

func (t *futureTable) register(requestID string) *Future {
	f := newFuture()
	t.mu.Lock()
	t.futures[requestID] = f
	t.mu.Unlock()
	return f
}

func (t *futureTable) complete(requestID string, resp *wire.ResponseBody) {
	t.mu.Lock()
	f, ok := t.futures[requestID]
	if ok {
		delete(t.futures, requestID)
	}
	t.mu.Unlock()
	if ok {
		f.complete(resp)
	}
}

// cancelAll completes every outstanding future with a cancellation marker,
// used when the owning channel closes.
func (t *futureTable) cancelAll(reason string, shouldRetry bool) {
	t.mu.Lock()
	futures := t.futures
	t.futures = make(map[string]*Future)
	t.mu.Unlock()

	for _, f := range futures {
		f.cancel(reason, shouldRetry)
	}
}

func (t *futureTable) forget(requestID string) {
	t.mu.Lock()
	delete(t.futures, requestID)
	t.mu.Unlock()
}
