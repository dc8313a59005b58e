package delivery

import (
	"context"
	"sync"

	"github.com/vovakirdan/duochat/internal/conversation"
)

// Session tracks the single conversation a participant has open.
// Opening another conversation releases the previous view.
type Session struct {
	svc      *Service
	ctx      context.Context
	viewerID string

	mu   sync.Mutex
	view *View
}

// NewSession starts a session for viewer. Views opened through it stop when
// ctx is done.
func (s *Service) NewSession(ctx context.Context, viewerID string) *Session {
	return &Session{svc: s, ctx: ctx, viewerID: viewerID}
}

// Viewer returns the participant owning the session.
func (se *Session) Viewer() string { return se.viewerID }

// Open shows the conversation with peer. Re-opening the current conversation
// returns the existing view. On failure the previous view stays open.
func (se *Session) Open(peerID string) (*View, bool, error) {
	key, err := conversation.Key(se.viewerID, peerID)
	if err != nil {
		return nil, false, &ValidationError{Field: "participants", Err: err}
	}

	se.mu.Lock()
	defer se.mu.Unlock()

	if se.view != nil && se.view.Key() == key {
		return se.view, false, nil
	}

	v, err := se.svc.Open(se.ctx, se.viewerID, peerID)
	if err != nil {
		return nil, false, err
	}
	prev := se.view
	se.view = v
	if prev != nil {
		prev.Close()
	}
	return v, true, nil
}

// Current returns the open view, or nil.
func (se *Session) Current() *View {
	se.mu.Lock()
	defer se.mu.Unlock()
	return se.view
}

// Release closes the open view, if any.
func (se *Session) Release() {
	se.mu.Lock()
	v := se.view
	se.view = nil
	se.mu.Unlock()
	if v != nil {
		v.Close()
	}
}
