// ABOUTME: Pending server-initiated requests awaiting client responses.
// ABOUTME: IDs count up from 9000; unanswered entries expire after a minute.

package server

import (
	"sync"
	"time"
)

// Pending-store bounds. The ID counter starts high so server-issued
// request IDs never collide with typical client request IDs.
const (
	pendingLimit   = 16
	pendingTimeout = 60 * time.Second
	pendingBaseID  = 9000
)

// pendingKind distinguishes which callback a stored entry carries.
type pendingKind int

const (
	pendingSampling pendingKind = iota
	pendingElicitation
)

// pendingRequest is one server-initiated request awaiting a response.
type pendingRequest struct {
	id       int64
	kind     pendingKind
	sentAt   time.Time
	sampling SamplingHandler
	elicit   ElicitHandler
}

// pendingStore correlates sampling and elicitation responses by
// numeric request ID.
type pendingStore struct {
	mu      sync.Mutex
	now     func() time.Time
	nextID  int64
	entries map[int64]*pendingRequest
}

func newPendingStore(now func() time.Time) *pendingStore {
	if now == nil {
		now = time.Now
	}
	return &pendingStore{
		now:     now,
		nextID:  pendingBaseID,
		entries: make(map[int64]*pendingRequest),
	}
}

// add stores a new entry and assigns it the next request ID. Expired
// entries are dropped first; a full store rejects the add.
func (p *pendingStore) add(req *pendingRequest) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked()
	if len(p.entries) >= pendingLimit {
		return 0, ErrTooManyPending
	}
	id := p.nextID
	p.nextID++
	req.id = id
	req.sentAt = p.now()
	p.entries[id] = req
	return id, nil
}

// take removes and returns the entry for a response ID.
func (p *pendingStore) take(id int64) (*pendingRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	return req, ok
}

// prune drops entries older than the timeout. Their callbacks are not
// invoked.
func (p *pendingStore) prune() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked()
}

func (p *pendingStore) pruneLocked() {
	cutoff := p.now().Add(-pendingTimeout)
	for id, req := range p.entries {
		if req.sentAt.Before(cutoff) {
			delete(p.entries, id)
		}
	}
}

func (p *pendingStore) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
