// Package notify signals that a conversation changed.
//
// Signals carry no payload: a subscriber that sees a signal re-reads the
// conversation. Pending signals coalesce, so a slow subscriber sees at least
// one signal after the latest change instead of one per change.
package notify

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when publishing or subscribing on a closed bus.
var ErrClosed = errors.New("notify: bus closed")

// Bus fans out change signals per conversation key.
type Bus interface {
	// Publish signals every subscriber of key.
	Publish(ctx context.Context, key string) error
	// Subscribe registers for signals on key.
	Subscribe(key string) (*Subscription, error)
	// Close releases the bus and its subscriptions.
	Close() error
}

// Subscription receives change signals for one conversation key.
type Subscription struct {
	key    string
	ch     chan struct{}
	once   sync.Once
	cancel func()

	mu     sync.Mutex
	closed bool
}

func newSubscription(key string) *Subscription {
	return &Subscription{
		key: key,
		ch:  make(chan struct{}, 1),
	}
}

// Key returns the conversation key the subscription listens on.
func (s *Subscription) Key() string {
	return s.key
}

// C returns the signal channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan struct{} {
	return s.ch
}

// signal never blocks; a pending signal already covers this change.
func (s *Subscription) signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Close stops delivery and closes the signal channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}
