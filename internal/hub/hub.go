// Package hub fans job snapshots out to live observers.
package hub

import (
	"sync"

	"github.com/example/permit-scheduler/internal/permit"
)

// Hub delivers every published snapshot to all current subscribers,
// best-effort. Delivery is synchronous, so publishers serialize ordering and
// subscribers that need slow I/O must buffer internally. A misbehaving
// subscriber never affects the others or the publisher.
type Hub struct {
	mu   sync.Mutex
	next int
	subs map[int]func(permit.Job)
}

func New() *Hub {
	return &Hub{subs: make(map[int]func(permit.Job))}
}

// Subscribe registers fn and returns its unsubscribe function. Unsubscribing
// twice is harmless.
func (h *Hub) Subscribe(fn func(permit.Job)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

// Publish delivers j to every subscriber. Each subscriber receives its own
// copy, so none can mutate what another sees.
func (h *Hub) Publish(j permit.Job) {
	h.mu.Lock()
	fns := make([]func(permit.Job), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		deliver(fn, j.Clone())
	}
}

func deliver(fn func(permit.Job), j permit.Job) {
	defer func() {
		_ = recover() // one bad subscriber must not sink the rest
	}()
	fn(j)
}
