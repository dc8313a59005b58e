// Package participants manages profiles and the participant directory.
package participants

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/vovakirdan/duochat/internal/conversation"
	"github.com/vovakirdan/duochat/internal/store"
)

const maxDisplayName = 64

// Common errors for profile operations.
var (
	ErrInvalidDisplayName = errors.New("display name must be 1-64 characters")
	ErrInvalidEmail       = errors.New("invalid email")
	ErrNotFound           = errors.New("participant not found")
)

// Service provides profile and directory operations.
type Service struct {
	store store.ParticipantStore
}

// New creates a participants service.
func New(st store.ParticipantStore) *Service {
	return &Service{store: st}
}

// Me returns the profile of id.
func (s *Service) Me(ctx context.Context, id string) (*store.Participant, error) {
	p, err := s.store.GetParticipant(ctx, id)
	if errors.Is(err, store.ErrParticipantNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get participant: %w", err)
	}
	return p, nil
}

// SaveProfile creates or updates the profile of id.
func (s *Service) SaveProfile(ctx context.Context, id, displayName, email string) (*store.Participant, error) {
	if err := conversation.ValidateID(id); err != nil {
		return nil, err
	}

	displayName = strings.TrimSpace(displayName)
	if n := utf8.RuneCountInString(displayName); n == 0 || n > maxDisplayName {
		return nil, ErrInvalidDisplayName
	}

	email = strings.TrimSpace(email)
	if email != "" && !strings.Contains(email, "@") {
		return nil, ErrInvalidEmail
	}

	p := &store.Participant{ID: id, DisplayName: displayName, Email: email}
	if err := s.store.UpsertParticipant(ctx, p); err != nil {
		return nil, fmt.Errorf("save participant: %w", err)
	}
	return p, nil
}

// Directory lists everyone id can talk to, ordered by display name.
func (s *Service) Directory(ctx context.Context, id string) ([]*store.Participant, error) {
	list, err := s.store.ListParticipants(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return list, nil
}
