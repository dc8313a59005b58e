package notify

import (
	"context"
	"sync"
)

// room groups subscriptions to the same conversation.
type room struct {
	subs map[*Subscription]struct{}
}

func newRoom() *room {
	return &room{subs: make(map[*Subscription]struct{})}
}

func (r *room) add(s *Subscription) {
	r.subs[s] = struct{}{}
}

func (r *room) remove(s *Subscription) bool {
	if _, ok := r.subs[s]; !ok {
		return false
	}
	delete(r.subs, s)
	return true
}

func (r *room) broadcast() {
	for s := range r.subs {
		s.signal()
	}
}

func (r *room) empty() bool {
	return len(r.subs) == 0
}

// Hub is an in-process Bus.
type Hub struct {
	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
}

// NewHub creates an empty in-process bus.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]*room)}
}

// Publish signals every subscriber of key.
func (h *Hub) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	if r, ok := h.rooms[key]; ok {
		r.broadcast()
	}
	return nil
}

// Subscribe registers for signals on key.
func (h *Hub) Subscribe(key string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	r, ok := h.rooms[key]
	if !ok {
		r = newRoom()
		h.rooms[key] = r
	}

	sub := newSubscription(key)
	sub.cancel = func() { h.unsubscribe(sub) }
	r.add(sub)
	return sub, nil
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[sub.key]
	if !ok {
		return
	}
	if r.remove(sub) && r.empty() {
		delete(h.rooms, sub.key)
	}
}

// Subscribers returns the number of live subscriptions on key.
func (h *Hub) Subscribers(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[key]; ok {
		return len(r.subs)
	}
	return 0
}

// Close ends every subscription.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var subs []*Subscription
	for _, r := range h.rooms {
		for s := range r.subs {
			subs = append(subs, s)
		}
	}
	h.rooms = make(map[string]*room)
	h.mu.Unlock()

	// Close outside the lock: Subscription.Close calls back into unsubscribe.
	for _, s := range subs {
		s.Close()
	}
	return nil
}
