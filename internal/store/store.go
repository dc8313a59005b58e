package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMessageNotFound is returned when a message does not exist in a conversation.
	ErrMessageNotFound = errors.New("message not found")
	// ErrParticipantNotFound is returned when a participant profile does not exist.
	ErrParticipantNotFound = errors.New("participant not found")
	// ErrInvalidTransition is returned when a status update would skip a stage
	// or move a message backwards.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Status is the delivery stage of a message.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusSeen      Status = "SEEN"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusSeen:      3,
}

// ParseStatus converts a stored value into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown message status %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

var statusOrder = []Status{StatusPending, StatusSent, StatusDelivered, StatusSeen}

// CanAdvance reports whether a message in status s may move to next.
// Statuses move forward one stage at a time: PENDING -> SENT -> DELIVERED -> SEEN.
func (s Status) CanAdvance(next Status) bool {
	prev, ok := next.Previous()
	return ok && prev == s
}

// Previous returns the only status a message may hold before moving to s.
// ok is false for PENDING and unknown statuses.
func (s Status) Previous() (Status, bool) {
	rank, ok := statusRank[s]
	if !ok || rank == 0 {
		return "", false
	}
	return statusOrder[rank-1], true
}

func (s Status) String() string {
	return string(s)
}

// Message is a persisted chat message between two participants.
type Message struct {
	ID              string
	ConversationKey string
	Body            string
	SenderID        string
	ReceiverID      string
	CreatedAt       time.Time // assigned by the store
	Status          Status
	IdempotencyKey  string
}

// Clone returns a copy of m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// Participant is a chat user profile.
type Participant struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MessageStore handles message persistence.
type MessageStore interface {
	// CreateMessage persists msg, assigning ID and CreatedAt.
	// When msg.IdempotencyKey matches an existing message, that message is
	// copied into msg and created is false.
	CreateMessage(ctx context.Context, msg *Message) (created bool, err error)

	// GetMessage retrieves a message of a conversation by ID.
	GetMessage(ctx context.Context, conversationKey, id string) (*Message, error)

	// UpdateStatus advances one message to status. It returns
	// ErrInvalidTransition unless the message currently holds status.Previous().
	UpdateStatus(ctx context.Context, conversationKey, id string, status Status) error

	// BatchUpdateStatus advances all ids to status atomically, under the same
	// transition rule as UpdateStatus. Either every message is updated or none is.
	BatchUpdateStatus(ctx context.Context, conversationKey string, ids []string, status Status) error

	// ListMessages returns all messages of a conversation ordered by CreatedAt ascending.
	ListMessages(ctx context.Context, conversationKey string) ([]*Message, error)
}

// ParticipantStore handles participant profiles.
type ParticipantStore interface {
	// UpsertParticipant creates or updates a profile.
	UpsertParticipant(ctx context.Context, p *Participant) error

	// GetParticipant retrieves a profile by ID.
	GetParticipant(ctx context.Context, id string) (*Participant, error)

	// ListParticipants lists every profile except excludeID, ordered by display name.
	ListParticipants(ctx context.Context, excludeID string) ([]*Participant, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	MessageStore
	ParticipantStore

	// Close closes the underlying database connection.
	Close() error
}
