// ABOUTME: Tracks in-flight tools/call requests keyed by session and request ID.
// ABOUTME: notifications/cancelled aborts the matching call's context.

package server

import (
	"context"
	"sync"
)

// inflightCall is one running tools/call.
type inflightCall struct {
	progressToken any
	cancel        context.CancelFunc
	cancelled     bool
}

type callTracker struct {
	mu    sync.Mutex
	calls map[string]*inflightCall
}

func newCallTracker() *callTracker {
	return &callTracker{calls: make(map[string]*inflightCall)}
}

// callKey scopes request IDs to their session so concurrent sessions
// reusing small numeric IDs cannot collide.
func callKey(sessionID, requestKey string) string {
	return sessionID + "\x00" + requestKey
}

// begin registers a running call under a derived cancellable context.
// The returned finish func must be called exactly once when the call
// ends; it reports whether the call was cancelled while running.
func (t *callTracker) begin(ctx context.Context, sessionID, requestKey string, progressToken any) (context.Context, func() bool) {
	ctx, cancel := context.WithCancel(ctx)
	key := callKey(sessionID, requestKey)
	call := &inflightCall{progressToken: progressToken, cancel: cancel}
	t.mu.Lock()
	t.calls[key] = call
	t.mu.Unlock()
	finish := func() bool {
		cancel()
		t.mu.Lock()
		cancelled := call.cancelled
		delete(t.calls, key)
		t.mu.Unlock()
		return cancelled
	}
	return ctx, finish
}

// cancelCall aborts the in-flight call for the given request ID and
// reports whether a running call was found. Cancelling a call that has
// already finished is a no-op.
func (t *callTracker) cancelCall(sessionID, requestKey string) bool {
	t.mu.Lock()
	call, ok := t.calls[callKey(sessionID, requestKey)]
	if ok {
		call.cancelled = true
	}
	t.mu.Unlock()
	if ok {
		call.cancel()
	}
	return ok
}

// progressToken returns the token the client attached to the request,
// if any. Calls without a token do not receive progress notifications.
func (t *callTracker) progressToken(sessionID, requestKey string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.calls[callKey(sessionID, requestKey)]
	if !ok || call.progressToken == nil {
		return nil, false
	}
	return call.progressToken, true
}

// count returns the number of in-flight calls.
func (t *callTracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
