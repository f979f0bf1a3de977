package kv

import (
	"slices"
	"sync"
)

// Hub fans change events out to subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[int]func(ChangeEvent)
	next int
}

// Subscribe registers fn; the returned func removes it and is safe to call twice.
func (h *Hub) Subscribe(fn func(ChangeEvent)) func() {
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[int]func(ChangeEvent))
	}
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Publish delivers evt to every subscriber in subscription order.
// Subscribers run on the caller's goroutine without the hub lock held.
func (h *Hub) Publish(evt ChangeEvent) {
	h.mu.RLock()
	ids := make([]int, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(ChangeEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.subs[id])
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(evt)
	}
}
