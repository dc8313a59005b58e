package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vovakirdan/duochat/internal/conversation"
	"github.com/vovakirdan/duochat/internal/feed"
	"github.com/vovakirdan/duochat/internal/store"
)

var errSubscriptionEnded = errors.New("subscription ended")

// ViewState is what a view shows after an update.
type ViewState struct {
	Key      string
	Messages []*store.Message
	// Reconnecting is set while the view restores a lost subscription.
	// Messages then hold the last known list.
	Reconnecting bool
	Err          error
}

// View is one participant's live view of a conversation. Every snapshot
// replaces the message list and marks received messages as seen.
type View struct {
	svc      *Service
	key      string
	viewerID string
	peerID   string

	mu       sync.RWMutex
	messages []*store.Message

	updates chan ViewState
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// Open subscribes viewer to the conversation with peer. The view lives until
// Close is called or ctx is done.
func (s *Service) Open(ctx context.Context, viewerID, peerID string) (*View, error) {
	key, err := conversation.Key(viewerID, peerID)
	if err != nil {
		return nil, &ValidationError{Field: "participants", Err: err}
	}

	sub, err := s.feed.Subscribe(ctx, key)
	if err != nil {
		return nil, &SubscriptionError{Key: key, Err: err}
	}

	ctx, cancel := context.WithCancel(ctx)
	v := &View{
		svc:      s,
		key:      key,
		viewerID: viewerID,
		peerID:   peerID,
		updates:  make(chan ViewState, 1),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.metrics.activeViews.Inc()
	s.viewStarted()
	go v.run(ctx, sub)
	return v, nil
}

// Key returns the conversation key.
func (v *View) Key() string { return v.key }

// Peer returns the other participant.
func (v *View) Peer() string { return v.peerID }

// Updates delivers view states, latest first: an unread state is replaced by
// a newer one. The channel is closed when the view stops.
func (v *View) Updates() <-chan ViewState { return v.updates }

// Messages returns a copy of the current message list.
func (v *View) Messages() []*store.Message {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return cloneMessages(v.messages)
}

// Close stops the view and waits for it to release its subscription.
func (v *View) Close() {
	v.once.Do(func() {
		v.cancel()
		<-v.done
		v.svc.metrics.activeViews.Dec()
	})
}

// Done is closed once the view has stopped.
func (v *View) Done() <-chan struct{} { return v.done }

func (v *View) run(ctx context.Context, sub *feed.Subscription) {
	defer v.svc.viewStopped()
	defer close(v.done)
	defer close(v.updates)

	bo := backoff.WithContext(v.svc.newBackOff(), ctx)
	for {
		err := v.consume(ctx, sub, bo)
		sub.Close()
		if ctx.Err() != nil {
			return
		}

		v.svc.metrics.resubscribes.Inc()
		v.svc.log.Warn().Err(err).Str("conversation", v.key).Msg("view subscription lost, reconnecting")
		v.publish(ctx, ViewState{
			Key:          v.key,
			Messages:     v.Messages(),
			Reconnecting: true,
			Err:          &SubscriptionError{Key: v.key, Err: err},
		})

		sub = v.resubscribe(ctx, bo)
		if sub == nil {
			return
		}
	}
}

// consume applies snapshots until the subscription fails or ctx is done.
func (v *View) consume(ctx context.Context, sub *feed.Subscription, bo backoff.BackOff) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-sub.Snapshots():
			if !ok {
				return errSubscriptionEnded
			}
			if snap.Err != nil {
				return snap.Err
			}
			bo.Reset()
			v.apply(ctx, snap.Messages)
		}
	}
}

func (v *View) apply(ctx context.Context, msgs []*store.Message) {
	list := cloneMessages(msgs)
	if _, err := v.svc.MarkSeen(ctx, v.viewerID, v.key, list); err != nil {
		// The list stays as read; the next snapshot retries.
		v.svc.log.Debug().Err(err).Str("conversation", v.key).Msg("mark seen on view update failed")
	}

	v.mu.Lock()
	v.messages = list
	v.mu.Unlock()

	v.publish(ctx, ViewState{Key: v.key, Messages: cloneMessages(list)})
}

// resubscribe waits out the backoff between attempts; nil means the view is closing.
func (v *View) resubscribe(ctx context.Context, bo backoff.BackOff) *feed.Subscription {
	for {
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}

		sub, err := v.svc.feed.Subscribe(ctx, v.key)
		if err == nil {
			return sub
		}
		v.svc.log.Warn().Err(err).Str("conversation", v.key).Dur("retry_in", wait).Msg("resubscribe failed")
	}
}

func (v *View) publish(ctx context.Context, st ViewState) {
	for {
		select {
		case <-ctx.Done():
			return
		case v.updates <- st:
			return
		default:
			select {
			case <-v.updates:
			default:
			}
		}
	}
}

func (s *Service) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.ResubscribeInitial
	b.MaxInterval = s.opts.ResubscribeMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func cloneMessages(msgs []*store.Message) []*store.Message {
	if msgs == nil {
		return nil
	}
	out := make([]*store.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
