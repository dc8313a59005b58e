package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/duochat/internal/notify"
	"github.com/vovakirdan/duochat/internal/store"
	"github.com/vovakirdan/duochat/internal/store/sqlite"
)

func newTestFeed(t *testing.T) (*Store, *notify.Hub) {
	t.Helper()

	st, err := sqlite.NewWithSetup(":memory:", sqlite.Migrate)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	hub := notify.NewHub()
	t.Cleanup(func() { _ = hub.Close() })

	logger := zerolog.Nop()
	return New(st, hub, &logger), hub
}

func nextSnapshot(t *testing.T, sub *Subscription) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-sub.Snapshots():
		if !ok {
			t.Fatalf("snapshot channel closed")
		}
		return snap
	case <-time.After(2 * time.Second):
		t.Fatalf("no snapshot received")
	}
	return Snapshot{}
}

// waitFor reads snapshots until one satisfies pred; intermediate ones may be skipped.
func waitFor(t *testing.T, sub *Subscription, pred func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap, ok := <-sub.Snapshots():
			if !ok {
				t.Fatalf("snapshot channel closed")
			}
			if pred(snap) {
				return snap
			}
		case <-deadline:
			t.Fatalf("expected snapshot not received")
		}
	}
}

func TestSubscribeDeliversInitialAndUpdatedSnapshots(t *testing.T) {
	f, _ := newTestFeed(t)
	ctx := context.Background()

	first := &store.Message{ConversationKey: "u1-u2", SenderID: "u1", ReceiverID: "u2", Body: "hi", Status: store.StatusSent}
	if _, err := f.CreateMessage(ctx, first); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	sub, err := f.Subscribe(ctx, "u1-u2")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	snap := nextSnapshot(t, sub)
	if snap.Err != nil || len(snap.Messages) != 1 || snap.Messages[0].Body != "hi" {
		t.Fatalf("unexpected initial snapshot: %+v", snap)
	}

	second := &store.Message{ConversationKey: "u1-u2", SenderID: "u2", ReceiverID: "u1", Body: "hey", Status: store.StatusSent}
	if _, err := f.CreateMessage(ctx, second); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	snap = waitFor(t, sub, func(s Snapshot) bool { return len(s.Messages) == 2 })
	if snap.Messages[0].Body != "hi" || snap.Messages[1].Body != "hey" {
		t.Fatalf("snapshot not ordered: %q, %q", snap.Messages[0].Body, snap.Messages[1].Body)
	}

	if err := f.UpdateStatus(ctx, "u1-u2", second.ID, store.StatusDelivered); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	waitFor(t, sub, func(s Snapshot) bool {
		return len(s.Messages) == 2 && s.Messages[1].Status == store.StatusDelivered
	})

	if err := f.BatchUpdateStatus(ctx, "u1-u2", []string{second.ID}, store.StatusSeen); err != nil {
		t.Fatalf("BatchUpdateStatus: %v", err)
	}
	waitFor(t, sub, func(s Snapshot) bool {
		return len(s.Messages) == 2 && s.Messages[1].Status == store.StatusSeen
	})
}

func TestSubscriptionCloseReleasesBus(t *testing.T) {
	f, hub := newTestFeed(t)

	sub, err := f.Subscribe(context.Background(), "u1-u2")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	nextSnapshot(t, sub)

	if n := hub.Subscribers("u1-u2"); n != 1 {
		t.Fatalf("expected 1 bus subscriber, got %d", n)
	}

	sub.Close()

	if n := hub.Subscribers("u1-u2"); n != 0 {
		t.Fatalf("expected bus subscription to be released, got %d", n)
	}
	if _, ok := <-sub.Snapshots(); ok {
		t.Fatalf("expected closed snapshot channel")
	}
}

type failingLister struct {
	store.MessageStore
	mu    sync.Mutex
	fails int
}

func (f *failingLister) ListMessages(ctx context.Context, key string) ([]*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return nil, errors.New("disk on fire")
	}
	return f.MessageStore.ListMessages(ctx, key)
}

func TestSubscriptionEndsOnReadError(t *testing.T) {
	st, err := sqlite.NewWithSetup(":memory:", sqlite.Migrate)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer st.Close()

	hub := notify.NewHub()
	defer hub.Close()

	logger := zerolog.Nop()
	f := New(&failingLister{MessageStore: st, fails: 1}, hub, &logger)

	sub, err := f.Subscribe(context.Background(), "u1-u2")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	snap := nextSnapshot(t, sub)
	if !errors.Is(snap.Err, ErrSubscriptionFailed) {
		t.Fatalf("expected ErrSubscriptionFailed, got %v", snap.Err)
	}

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription did not stop after error")
	}
	if n := hub.Subscribers("u1-u2"); n != 0 {
		t.Fatalf("expected bus subscription to be released, got %d", n)
	}
}

func TestSubscriptionEndsWhenBusCloses(t *testing.T) {
	f, hub := newTestFeed(t)

	sub, err := f.Subscribe(context.Background(), "u1-u2")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()
	nextSnapshot(t, sub)

	if err := hub.Close(); err != nil {
		t.Fatalf("hub close: %v", err)
	}

	snap := nextSnapshot(t, sub)
	if !errors.Is(snap.Err, ErrSubscriptionFailed) || !errors.Is(snap.Err, notify.ErrClosed) {
		t.Fatalf("expected closed-bus error snapshot, got %v", snap.Err)
	}
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription did not stop after bus close")
	}
}
