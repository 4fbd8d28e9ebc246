package provider

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Tracker keeps per-request cancellation state. A request is registered when
// its generation starts and removed on completion or cancellation.
type Tracker struct {
	mu     sync.Mutex
	active map[string]*trackedRequest
}

type trackedRequest struct {
	cancel context.CancelFunc
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{active: make(map[string]*trackedRequest)}
}

// Begin registers id (a random id when empty) and returns a context that is
// cancelled by Cancel(id). The returned done func deregisters the request and
// must be called when generation ends.
func (t *Tracker) Begin(parent context.Context, id string) (ctx context.Context, reqID string, done func()) {
	if id == "" {
		id = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(parent)
	tr := &trackedRequest{cancel: cancel}
	t.mu.Lock()
	t.active[id] = tr
	t.mu.Unlock()
	return ctx, id, func() {
		t.mu.Lock()
		if t.active[id] == tr {
			delete(t.active, id)
		}
		t.mu.Unlock()
		cancel()
	}
}

// Active reports whether id is still registered.
func (t *Tracker) Active(id string) bool {
	t.mu.Lock()
	_, ok := t.active[id]
	t.mu.Unlock()
	return ok
}

// Cancel deregisters id and aborts its context. It reports whether the
// request was in flight; a second call for the same id returns false.
func (t *Tracker) Cancel(id string) bool {
	t.mu.Lock()
	tr, ok := t.active[id]
	if ok {
		delete(t.active, id)
	}
	t.mu.Unlock()
	if ok {
		tr.cancel()
	}
	return ok
}

// Len returns the number of in-flight requests.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// IDs returns the in-flight request ids in no particular order.
func (t *Tracker) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.active))
	for id := range t.active {
		out = append(out, id)
	}
	return out
}
