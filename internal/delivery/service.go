// Package delivery drives messages through their delivery stages and keeps
// live per-participant views of conversations.
package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/duochat/internal/conversation"
	"github.com/vovakirdan/duochat/internal/feed"
	"github.com/vovakirdan/duochat/internal/store"
)

// MessageFeed is the message store the service writes to and subscribes on.
// *feed.Store satisfies it.
type MessageFeed interface {
	CreateMessage(ctx context.Context, msg *store.Message) (bool, error)
	UpdateStatus(ctx context.Context, conversationKey, id string, status store.Status) error
	BatchUpdateStatus(ctx context.Context, conversationKey string, ids []string, status store.Status) error
	ListMessages(ctx context.Context, conversationKey string) ([]*store.Message, error)
	Subscribe(ctx context.Context, key string) (*feed.Subscription, error)
}

// Options tunes a Service. Zero values fall back to defaults.
type Options struct {
	// MaxBodyBytes caps the message text; 0 disables the check.
	MaxBodyBytes int
	// ResubscribeInitial and ResubscribeMax bound the wait between
	// attempts to restore a failed view subscription.
	ResubscribeInitial time.Duration
	ResubscribeMax     time.Duration
	// Metrics receives counters; nil creates an unregistered set.
	Metrics *Metrics
	// NewIdempotencyKey overrides the generator used for submit retries.
	NewIdempotencyKey func() string
	// OnSubmitFailure is called when a message could not be stored at all.
	// It runs on the submitting goroutine and must not block.
	OnSubmitFailure func(senderID, key string, err error)
}

const (
	defaultResubscribeInitial = 500 * time.Millisecond
	defaultResubscribeMax     = 30 * time.Second
)

// Service submits messages and maintains views.
type Service struct {
	feed    MessageFeed
	log     *zerolog.Logger
	metrics *Metrics
	opts    Options

	mu      sync.Mutex
	running int           // view goroutines still running
	idle    chan struct{} // closed when running drops to zero
}

// New creates a delivery service on top of f.
func New(f MessageFeed, logger *zerolog.Logger, opts Options) *Service {
	if opts.ResubscribeInitial <= 0 {
		opts.ResubscribeInitial = defaultResubscribeInitial
	}
	if opts.ResubscribeMax < opts.ResubscribeInitial {
		opts.ResubscribeMax = defaultResubscribeMax
		if opts.ResubscribeMax < opts.ResubscribeInitial {
			opts.ResubscribeMax = opts.ResubscribeInitial
		}
	}
	if opts.NewIdempotencyKey == nil {
		opts.NewIdempotencyKey = uuid.NewString
	}
	m := opts.Metrics
	if m == nil {
		m = NewMetrics(nil)
	}
	l := logger.With().Str("component", "delivery").Logger()
	return &Service{feed: f, log: &l, metrics: m, opts: opts}
}

// Submit persists text from sender to receiver and advances it as far as
// the store acknowledges.
//
// The message is written as SENT and then moved to DELIVERED. If the
// follow-up update fails the SENT message is returned without error. If the
// first write fails one PENDING write is attempted; when that fails too a
// StoreWriteError is returned and nothing is persisted.
func (s *Service) Submit(ctx context.Context, senderID, receiverID, text string) (*store.Message, error) {
	key, err := s.validateSubmit(senderID, receiverID, text)
	if err != nil {
		return nil, err
	}

	idem := s.opts.NewIdempotencyKey()
	msg := newMessage(key, senderID, receiverID, text, store.StatusSent, idem)
	_, firstErr := s.feed.CreateMessage(ctx, msg)
	if firstErr == nil {
		return s.acknowledge(ctx, msg), nil
	}

	s.log.Warn().Err(firstErr).Str("conversation", key).Msg("message write failed, retrying as pending")

	fallback := newMessage(key, senderID, receiverID, text, store.StatusPending, idem)
	created, err := s.feed.CreateMessage(ctx, fallback)
	if err != nil {
		s.metrics.submitted.WithLabelValues(OutcomeFailed).Inc()
		s.log.Error().
			Err(err).
			Str("conversation", key).
			Str("sender", senderID).
			Msg("message could not be stored")
		werr := &StoreWriteError{Op: "submit", Key: key, Err: errors.Join(firstErr, err)}
		if s.opts.OnSubmitFailure != nil {
			s.opts.OnSubmitFailure(senderID, key, werr)
		}
		return nil, werr
	}

	// The first write landed after all; finish its progression.
	if !created && fallback.Status == store.StatusSent {
		return s.acknowledge(ctx, fallback), nil
	}

	s.metrics.submitted.WithLabelValues(OutcomePending).Inc()
	return fallback, nil
}

// acknowledge advances a SENT message to DELIVERED.
func (s *Service) acknowledge(ctx context.Context, msg *store.Message) *store.Message {
	if err := s.feed.UpdateStatus(ctx, msg.ConversationKey, msg.ID, store.StatusDelivered); err != nil {
		s.log.Warn().
			Err(err).
			Str("conversation", msg.ConversationKey).
			Str("message_id", msg.ID).
			Msg("failed to mark message delivered")
		s.metrics.submitted.WithLabelValues(OutcomeSent).Inc()
		return msg
	}
	msg.Status = store.StatusDelivered
	s.metrics.submitted.WithLabelValues(OutcomeDelivered).Inc()
	return msg
}

func (s *Service) validateSubmit(senderID, receiverID, text string) (string, error) {
	key, err := conversation.Key(senderID, receiverID)
	if err != nil {
		return "", &ValidationError{Field: "participants", Err: err}
	}
	if strings.TrimSpace(text) == "" {
		return "", &ValidationError{Field: "text", Err: ErrEmptyBody}
	}
	if s.opts.MaxBodyBytes > 0 && len(text) > s.opts.MaxBodyBytes {
		return "", &ValidationError{Field: "text", Err: ErrBodyTooLong}
	}
	return key, nil
}

func newMessage(key, senderID, receiverID, text string, status store.Status, idem string) *store.Message {
	return &store.Message{
		ConversationKey: key,
		Body:            text,
		SenderID:        senderID,
		ReceiverID:      receiverID,
		Status:          status,
		IdempotencyKey:  idem,
	}
}

// SeenCandidates returns the ids of messages in key that viewer received
// and that are DELIVERED.
func SeenCandidates(viewerID, key string, msgs []*store.Message) []string {
	var ids []string
	for _, m := range msgs {
		if m.ConversationKey == key && m.ReceiverID == viewerID && m.Status == store.StatusDelivered {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// MarkSeen moves every DELIVERED message addressed to viewer in msgs to SEEN
// with one atomic store update, and patches msgs in place on success.
// It returns the number of messages marked. Nothing is written when there
// is nothing to mark.
func (s *Service) MarkSeen(ctx context.Context, viewerID, key string, msgs []*store.Message) (int, error) {
	if !conversation.Includes(key, viewerID) {
		return 0, &ValidationError{Field: "viewer", Err: conversation.ErrNotParticipant}
	}

	ids := SeenCandidates(viewerID, key, msgs)
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.feed.BatchUpdateStatus(ctx, key, ids, store.StatusSeen); err != nil {
		s.log.Warn().Err(err).Str("conversation", key).Int("count", len(ids)).Msg("failed to mark messages seen")
		return 0, &StoreWriteError{Op: "mark_seen", Key: key, Err: err}
	}

	for _, m := range msgs {
		if m.ConversationKey == key && m.ReceiverID == viewerID && m.Status == store.StatusDelivered {
			m.Status = store.StatusSeen
		}
	}
	s.metrics.seen.Add(float64(len(ids)))
	return len(ids), nil
}

// History returns the ordered messages between viewer and peer.
func (s *Service) History(ctx context.Context, viewerID, peerID string) (string, []*store.Message, error) {
	key, err := conversation.Key(viewerID, peerID)
	if err != nil {
		return "", nil, &ValidationError{Field: "participants", Err: err}
	}
	msgs, err := s.feed.ListMessages(ctx, key)
	if err != nil {
		return "", nil, err
	}
	return key, msgs, nil
}

// MarkConversationSeen loads the conversation between viewer and peer and
// marks what viewer has received as seen.
func (s *Service) MarkConversationSeen(ctx context.Context, viewerID, peerID string) (int, error) {
	key, msgs, err := s.History(ctx, viewerID, peerID)
	if err != nil {
		return 0, err
	}
	return s.MarkSeen(ctx, viewerID, key, msgs)
}

// Drain waits until every view has stopped. Views stop when their context is
// done or they are closed.
func (s *Service) Drain(ctx context.Context) error {
	s.mu.Lock()
	if s.running == 0 {
		s.mu.Unlock()
		return nil
	}
	if s.idle == nil {
		s.idle = make(chan struct{})
	}
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) viewStarted() {
	s.mu.Lock()
	s.running++
	s.mu.Unlock()
}

func (s *Service) viewStopped() {
	s.mu.Lock()
	s.running--
	if s.running == 0 && s.idle != nil {
		close(s.idle)
		s.idle = nil
	}
	s.mu.Unlock()
}
