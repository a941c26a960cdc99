package upstream

import (
	"context"
	"sync"
)

// CancelRegistry tracks in-flight requests by id so they can be
// cancelled from outside the request goroutine. Owners register on
// entry and remove on exit, usually via defer.
type CancelRegistry struct {
	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{active: make(map[string]context.CancelFunc)}
}

func (r *CancelRegistry) Register(requestID string, cancel context.CancelFunc) {
	if requestID == "" {
		return
	}
	r.mu.Lock()
	r.active[requestID] = cancel
	r.mu.Unlock()
}

func (r *CancelRegistry) Remove(requestID string) {
	r.mu.Lock()
	delete(r.active, requestID)
	r.mu.Unlock()
}

// Cancel fires the registered cancel func and reports whether the
// request was still active.
func (r *CancelRegistry) Cancel(requestID string) bool {
	r.mu.Lock()
	cancel, ok := r.active[requestID]
	delete(r.active, requestID)
	r.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

func (r *CancelRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
