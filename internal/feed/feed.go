package feed

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/duochat/internal/notify"
	"github.com/vovakirdan/duochat/internal/store"
)

// ErrSubscriptionFailed marks a snapshot that could not be produced.
// The subscription that delivered it has ended.
var ErrSubscriptionFailed = errors.New("conversation subscription failed")

// Snapshot is the full ordered state of a conversation.
type Snapshot struct {
	Key      string
	Messages []*store.Message
	Err      error
}

// Store is a MessageStore that announces every write on a notify.Bus
// and serves live ordered snapshots of conversations.
type Store struct {
	store.MessageStore
	bus notify.Bus
	log *zerolog.Logger
}

// New wraps ms so that writes are published on bus.
func New(ms store.MessageStore, bus notify.Bus, logger *zerolog.Logger) *Store {
	l := logger.With().Str("component", "feed").Logger()
	return &Store{MessageStore: ms, bus: bus, log: &l}
}

// CreateMessage persists msg and announces the change.
func (s *Store) CreateMessage(ctx context.Context, msg *store.Message) (bool, error) {
	created, err := s.MessageStore.CreateMessage(ctx, msg)
	if err != nil {
		return false, err
	}
	if created {
		s.publish(ctx, msg.ConversationKey)
	}
	return created, nil
}

// UpdateStatus updates one message and announces the change.
func (s *Store) UpdateStatus(ctx context.Context, conversationKey, id string, status store.Status) error {
	if err := s.MessageStore.UpdateStatus(ctx, conversationKey, id, status); err != nil {
		return err
	}
	s.publish(ctx, conversationKey)
	return nil
}

// BatchUpdateStatus updates ids atomically and announces the change once.
func (s *Store) BatchUpdateStatus(ctx context.Context, conversationKey string, ids []string, status store.Status) error {
	if err := s.MessageStore.BatchUpdateStatus(ctx, conversationKey, ids, status); err != nil {
		return err
	}
	if len(ids) > 0 {
		s.publish(ctx, conversationKey)
	}
	return nil
}

// The write is already durable; a lost signal only delays live views.
func (s *Store) publish(ctx context.Context, key string) {
	if err := s.bus.Publish(ctx, key); err != nil {
		s.log.Warn().Err(err).Str("conversation", key).Msg("failed to publish change")
	}
}

// Subscription delivers snapshots of one conversation in order.
type Subscription struct {
	key    string
	out    chan Snapshot
	cancel context.CancelFunc
	done   chan struct{}
}

// Subscribe starts a live view of key. The first snapshot is delivered
// immediately; later ones follow every change. When a snapshot carries an
// error the channel is closed after it.
func (s *Store) Subscribe(ctx context.Context, key string) (*Subscription, error) {
	// Register before the first read so no change slips between them.
	busSub, err := s.bus.Subscribe(key)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		key:    key,
		out:    make(chan Snapshot, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx, sub, busSub)
	return sub, nil
}

func (s *Store) run(ctx context.Context, sub *Subscription, busSub *notify.Subscription) {
	defer close(sub.done)
	defer close(sub.out)
	defer busSub.Close()

	if !s.deliver(ctx, sub) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-busSub.C():
			if !ok {
				sub.push(ctx, Snapshot{Key: sub.key, Err: fmt.Errorf("%w: %w", ErrSubscriptionFailed, notify.ErrClosed)})
				return
			}
			if !s.deliver(ctx, sub) {
				return
			}
		}
	}
}

// deliver reads the conversation and pushes it; false ends the subscription.
func (s *Store) deliver(ctx context.Context, sub *Subscription) bool {
	msgs, err := s.MessageStore.ListMessages(ctx, sub.key)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		s.log.Warn().Err(err).Str("conversation", sub.key).Msg("snapshot read failed")
		sub.push(ctx, Snapshot{Key: sub.key, Err: fmt.Errorf("%w: %w", ErrSubscriptionFailed, err)})
		return false
	}
	return sub.push(ctx, Snapshot{Key: sub.key, Messages: msgs})
}

// push replaces an unread snapshot with snap; it never blocks on a slow reader.
func (sub *Subscription) push(ctx context.Context, snap Snapshot) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case sub.out <- snap:
			return true
		default:
			select {
			case <-sub.out:
			default:
			}
		}
	}
}

// Key returns the conversation key.
func (sub *Subscription) Key() string {
	return sub.key
}

// Snapshots returns the snapshot channel. It is closed when the subscription ends.
func (sub *Subscription) Snapshots() <-chan Snapshot {
	return sub.out
}

// Close ends the subscription and waits for its goroutine.
func (sub *Subscription) Close() {
	sub.cancel()
	<-sub.done
}

// Done is closed once the subscription has fully stopped.
func (sub *Subscription) Done() <-chan struct{} {
	return sub.done
}
