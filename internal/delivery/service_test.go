package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/duochat/internal/feed"
	"github.com/vovakirdan/duochat/internal/notify"
	"github.com/vovakirdan/duochat/internal/store"
	"github.com/vovakirdan/duochat/internal/store/sqlite"
)

var errInjected = errors.New("injected failure")

// faultyStore wraps a real store and fails selected calls.
type faultyStore struct {
	store.MessageStore

	mu          sync.Mutex
	failCreates int
	lostAcks    int // creates that persist but report an error
	failUpdates int
	failBatches int
	failLists   int
	creates     int
	batches     int
}

func (f *faultyStore) CreateMessage(ctx context.Context, msg *store.Message) (bool, error) {
	f.mu.Lock()
	f.creates++
	if f.failCreates > 0 {
		f.failCreates--
		f.mu.Unlock()
		return false, errInjected
	}
	lost := f.lostAcks > 0
	if lost {
		f.lostAcks--
	}
	f.mu.Unlock()

	created, err := f.MessageStore.CreateMessage(ctx, msg)
	if lost && err == nil {
		return false, errInjected
	}
	return created, err
}

func (f *faultyStore) UpdateStatus(ctx context.Context, key, id string, status store.Status) error {
	f.mu.Lock()
	if f.failUpdates > 0 {
		f.failUpdates--
		f.mu.Unlock()
		return errInjected
	}
	f.mu.Unlock()
	return f.MessageStore.UpdateStatus(ctx, key, id, status)
}

func (f *faultyStore) BatchUpdateStatus(ctx context.Context, key string, ids []string, status store.Status) error {
	f.mu.Lock()
	f.batches++
	if f.failBatches > 0 {
		f.failBatches--
		f.mu.Unlock()
		return errInjected
	}
	f.mu.Unlock()
	return f.MessageStore.BatchUpdateStatus(ctx, key, ids, status)
}

func (f *faultyStore) ListMessages(ctx context.Context, key string) ([]*store.Message, error) {
	f.mu.Lock()
	if f.failLists > 0 {
		f.failLists--
		f.mu.Unlock()
		return nil, errInjected
	}
	f.mu.Unlock()
	return f.MessageStore.ListMessages(ctx, key)
}

func (f *faultyStore) set(fn func(f *faultyStore)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *faultyStore) counts() (creates, batches int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.batches
}

type testEnv struct {
	svc     *Service
	faults  *faultyStore
	raw     *sqlite.SQLiteStore
	hub     *notify.Hub
	metrics *Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	raw, err := sqlite.NewWithSetup(":memory:", sqlite.Migrate)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = raw.Close() })

	hub := notify.NewHub()
	t.Cleanup(func() { _ = hub.Close() })

	logger := zerolog.Nop()
	faults := &faultyStore{MessageStore: raw}
	metrics := NewMetrics(prometheus.NewRegistry())
	svc := New(feed.New(faults, hub, &logger), &logger, Options{
		MaxBodyBytes:       64,
		ResubscribeInitial: 10 * time.Millisecond,
		ResubscribeMax:     50 * time.Millisecond,
		Metrics:            metrics,
	})
	return &testEnv{svc: svc, faults: faults, raw: raw, hub: hub, metrics: metrics}
}

func (e *testEnv) stored(t *testing.T, key string) []*store.Message {
	t.Helper()
	msgs, err := e.raw.ListMessages(context.Background(), key)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	return msgs
}

func (e *testEnv) outcome(label string) float64 {
	return testutil.ToFloat64(e.metrics.submitted.WithLabelValues(label))
}

func TestSubmitDelivers(t *testing.T) {
	env := newTestEnv(t)

	msg, err := env.svc.Submit(context.Background(), "u1", "u2", "hi")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if msg.Status != store.StatusDelivered {
		t.Fatalf("expected DELIVERED, got %s", msg.Status)
	}
	if msg.ConversationKey != "u1-u2" || msg.SenderID != "u1" || msg.ReceiverID != "u2" || msg.Body != "hi" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	stored := env.stored(t, "u1-u2")
	if len(stored) != 1 || stored[0].ID != msg.ID || stored[0].Status != store.StatusDelivered {
		t.Fatalf("unexpected stored messages: %+v", stored)
	}
	if got := env.outcome(OutcomeDelivered); got != 1 {
		t.Fatalf("expected delivered counter 1, got %v", got)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name     string
		from, to string
		text     string
	}{
		{name: "empty", from: "u1", to: "u2", text: ""},
		{name: "whitespace", from: "u1", to: "u2", text: " \t\n"},
		{name: "too long", from: "u1", to: "u2", text: strings.Repeat("x", 65)},
		{name: "self", from: "u1", to: "u1", text: "hi"},
		{name: "separator", from: "u-1", to: "u2", text: "hi"},
		{name: "no receiver", from: "u1", to: "", text: "hi"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Submit(context.Background(), tt.from, tt.to, tt.text)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
		})
	}

	if creates, _ := env.faults.counts(); creates != 0 {
		t.Fatalf("validation failures must not reach the store, got %d creates", creates)
	}
}

func TestSubmitFallsBackToPending(t *testing.T) {
	env := newTestEnv(t)
	env.faults.set(func(f *faultyStore) { f.failCreates = 1 })

	msg, err := env.svc.Submit(context.Background(), "u1", "u2", "hi")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if msg.Status != store.StatusPending {
		t.Fatalf("expected PENDING, got %s", msg.Status)
	}

	stored := env.stored(t, "u1-u2")
	if len(stored) != 1 || stored[0].Status != store.StatusPending {
		t.Fatalf("expected one PENDING message, got %+v", stored)
	}
	if got := env.outcome(OutcomePending); got != 1 {
		t.Fatalf("expected pending counter 1, got %v", got)
	}
}

func TestSubmitDoubleFailure(t *testing.T) {
	env := newTestEnv(t)
	env.faults.set(func(f *faultyStore) { f.failCreates = 2 })

	type failure struct {
		sender, key string
		err         error
	}
	var failures []failure
	env.svc.opts.OnSubmitFailure = func(senderID, key string, err error) {
		failures = append(failures, failure{senderID, key, err})
	}

	msg, err := env.svc.Submit(context.Background(), "u1", "u2", "hi")
	if msg != nil {
		t.Fatalf("expected no message, got %+v", msg)
	}
	if !errors.Is(err, ErrStoreWrite) || !errors.Is(err, errInjected) {
		t.Fatalf("expected store write error, got %v", err)
	}
	if stored := env.stored(t, "u1-u2"); len(stored) != 0 {
		t.Fatalf("expected nothing stored, got %d messages", len(stored))
	}
	if creates, _ := env.faults.counts(); creates != 2 {
		t.Fatalf("expected exactly one retry, got %d creates", creates)
	}
	if got := env.outcome(OutcomeFailed); got != 1 {
		t.Fatalf("expected failed counter 1, got %v", got)
	}
	if len(failures) != 1 {
		t.Fatalf("expected one failure notification, got %d", len(failures))
	}
	if f := failures[0]; f.sender != "u1" || f.key != "u1-u2" || !errors.Is(f.err, ErrStoreWrite) {
		t.Fatalf("unexpected failure notification: %+v", f)
	}
}

func TestSubmitFailureHandlerNotCalledOnFallback(t *testing.T) {
	env := newTestEnv(t)
	env.faults.set(func(f *faultyStore) { f.failCreates = 1 })

	called := false
	env.svc.opts.OnSubmitFailure = func(string, string, error) { called = true }

	if _, err := env.svc.Submit(context.Background(), "u1", "u2", "hi"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if called {
		t.Fatalf("a stored PENDING message is not a failure")
	}
}

func TestSubmitKeepsSentWhenAcknowledgeFails(t *testing.T) {
	env := newTestEnv(t)
	env.faults.set(func(f *faultyStore) { f.failUpdates = 1 })

	msg, err := env.svc.Submit(context.Background(), "u1", "u2", "hi")
	if err != nil {
		t.Fatalf("Submit should not fail when only the follow-up update fails: %v", err)
	}
	if msg.Status != store.StatusSent {
		t.Fatalf("expected SENT, got %s", msg.Status)
	}
	if stored := env.stored(t, "u1-u2"); len(stored) != 1 || stored[0].Status != store.StatusSent {
		t.Fatalf("expected one SENT message, got %+v", stored)
	}
	if got := env.outcome(OutcomeSent); got != 1 {
		t.Fatalf("expected sent counter 1, got %v", got)
	}
}

func TestSubmitRetryAfterLostAcknowledgement(t *testing.T) {
	env := newTestEnv(t)
	env.faults.set(func(f *faultyStore) { f.lostAcks = 1 })

	msg, err := env.svc.Submit(context.Background(), "u1", "u2", "hi")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if msg.Status != store.StatusDelivered {
		t.Fatalf("expected the landed write to be delivered, got %s", msg.Status)
	}
	if stored := env.stored(t, "u1-u2"); len(stored) != 1 {
		t.Fatalf("retry must not duplicate the message, got %d", len(stored))
	}
}

func TestSubmitOrdering(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	want := []string{"one", "two", "three"}
	senders := []string{"u1", "u2", "u1"}
	for i, body := range want {
		peer := "u2"
		if senders[i] == "u2" {
			peer = "u1"
		}
		if _, err := env.svc.Submit(ctx, senders[i], peer, body); err != nil {
			t.Fatalf("Submit %q: %v", body, err)
		}
	}

	key, msgs, err := env.svc.History(ctx, "u2", "u1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if key != "u1-u2" || len(msgs) != len(want) {
		t.Fatalf("unexpected history %q with %d messages", key, len(msgs))
	}
	for i, m := range msgs {
		if m.Body != want[i] {
			t.Errorf("position %d: expected %q, got %q", i, want[i], m.Body)
		}
	}
}

func TestMarkSeen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, body := range []string{"a", "b"} {
		if _, err := env.svc.Submit(ctx, "u1", "u2", body); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if _, err := env.svc.Submit(ctx, "u2", "u1", "reply"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	msgs := env.stored(t, "u1-u2")
	n, err := env.svc.MarkSeen(ctx, "u2", "u1-u2", msgs)
	if err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 messages marked, got %d", n)
	}
	for _, m := range msgs {
		want := store.StatusSeen
		if m.SenderID == "u2" {
			want = store.StatusDelivered
		}
		if m.Status != want {
			t.Errorf("in-memory %q: expected %s, got %s", m.Body, want, m.Status)
		}
	}
	for _, m := range env.stored(t, "u1-u2") {
		if m.SenderID == "u1" && m.Status != store.StatusSeen {
			t.Errorf("stored %q: expected SEEN, got %s", m.Body, m.Status)
		}
		if m.SenderID == "u2" && m.Status != store.StatusDelivered {
			t.Errorf("outgoing message must not be marked: %q is %s", m.Body, m.Status)
		}
	}

	_, before := env.faults.counts()
	n, err = env.svc.MarkSeen(ctx, "u2", "u1-u2", msgs)
	if err != nil || n != 0 {
		t.Fatalf("expected nothing left to mark, got %d (%v)", n, err)
	}
	if _, after := env.faults.counts(); after != before {
		t.Fatalf("expected no store call when nothing is DELIVERED")
	}
	if got := testutil.ToFloat64(env.metrics.seen); got != 2 {
		t.Fatalf("expected seen counter 2, got %v", got)
	}
}

func TestMarkSeenSkipsStoreWithoutDeliveredMessages(t *testing.T) {
	env := newTestEnv(t)

	msgs := []*store.Message{
		{ID: "m1", ConversationKey: "u1-u2", SenderID: "u1", ReceiverID: "u2", Status: store.StatusSent},
		{ID: "m2", ConversationKey: "u1-u2", SenderID: "u1", ReceiverID: "u2", Status: store.StatusPending},
		{ID: "m3", ConversationKey: "u1-u2", SenderID: "u2", ReceiverID: "u1", Status: store.StatusDelivered},
	}
	n, err := env.svc.MarkSeen(context.Background(), "u2", "u1-u2", msgs)
	if err != nil || n != 0 {
		t.Fatalf("expected 0 marked, got %d (%v)", n, err)
	}
	if _, batches := env.faults.counts(); batches != 0 {
		t.Fatalf("expected no batch update, got %d", batches)
	}
}

func TestMarkSeenFailureLeavesMessagesDelivered(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.Submit(ctx, "u1", "u2", "a"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	env.faults.set(func(f *faultyStore) { f.failBatches = 1 })

	msgs := env.stored(t, "u1-u2")
	_, err := env.svc.MarkSeen(ctx, "u2", "u1-u2", msgs)
	if !errors.Is(err, ErrStoreWrite) {
		t.Fatalf("expected store write error, got %v", err)
	}
	if msgs[0].Status != store.StatusDelivered {
		t.Fatalf("failed mark must not patch messages, got %s", msgs[0].Status)
	}
	if stored := env.stored(t, "u1-u2"); stored[0].Status != store.StatusDelivered {
		t.Fatalf("failed mark must not change the store, got %s", stored[0].Status)
	}
}

func TestMarkSeenRejectsOutsider(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.MarkSeen(context.Background(), "u3", "u1-u2", nil)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMarkConversationSeen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.Submit(ctx, "u1", "u2", "a"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	n, err := env.svc.MarkConversationSeen(ctx, "u2", "u1")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 marked, got %d (%v)", n, err)
	}
	n, err = env.svc.MarkConversationSeen(ctx, "u1", "u2")
	if err != nil || n != 0 {
		t.Fatalf("sender has nothing to mark, got %d (%v)", n, err)
	}
}
