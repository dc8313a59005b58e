package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/duochat/internal/conversation"
	"github.com/vovakirdan/duochat/internal/participants"
	"github.com/vovakirdan/duochat/internal/store"
)

// ProfileHandlers provides HTTP handlers for profiles and the directory.
type ProfileHandlers struct {
	participants *participants.Service
	log          *zerolog.Logger
}

// NewProfileHandlers creates a new profile handlers instance.
func NewProfileHandlers(svc *participants.Service, logger *zerolog.Logger) *ProfileHandlers {
	return &ProfileHandlers{
		participants: svc,
		log:          logger,
	}
}

// ProfileResponse represents a participant in API responses.
type ProfileResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
}

// SaveProfileRequest represents the profile update body.
type SaveProfileRequest struct {
	DisplayName string `json:"display_name" binding:"required"`
	Email       string `json:"email"`
}

// DirectoryResponse lists the participants the caller can talk to.
type DirectoryResponse struct {
	Participants []ProfileResponse `json:"participants"`
}

func toProfileResponse(p *store.Participant) ProfileResponse {
	return ProfileResponse{ID: p.ID, DisplayName: p.DisplayName, Email: p.Email}
}

// Me returns the caller's profile. Without a saved profile the token name is used.
// GET /api/me
func (h *ProfileHandlers) Me(c *gin.Context) {
	id := participantID(c)

	p, err := h.participants.Me(c.Request.Context(), id)
	if errors.Is(err, participants.ErrNotFound) {
		c.JSON(http.StatusOK, ProfileResponse{ID: id, DisplayName: c.GetString(ContextKeyName)})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("participant_id", id).Msg("failed to load profile")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	c.JSON(http.StatusOK, toProfileResponse(p))
}

// SaveMe creates or updates the caller's profile.
// PUT /api/me
func (h *ProfileHandlers) SaveMe(c *gin.Context) {
	var req SaveProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid profile request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	id := participantID(c)
	p, err := h.participants.SaveProfile(c.Request.Context(), id, req.DisplayName, req.Email)
	if err != nil {
		switch {
		case errors.Is(err, participants.ErrInvalidDisplayName),
			errors.Is(err, participants.ErrInvalidEmail),
			errors.Is(err, conversation.ErrInvalidKey):
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		default:
			h.log.Error().Err(err).Str("participant_id", id).Msg("failed to save profile")
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		}
		return
	}

	c.JSON(http.StatusOK, toProfileResponse(p))
}

// Directory lists every other participant.
// GET /api/participants
func (h *ProfileHandlers) Directory(c *gin.Context) {
	id := participantID(c)

	list, err := h.participants.Directory(c.Request.Context(), id)
	if err != nil {
		h.log.Error().Err(err).Str("participant_id", id).Msg("failed to list participants")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	resp := DirectoryResponse{Participants: make([]ProfileResponse, 0, len(list))}
	for _, p := range list {
		resp.Participants = append(resp.Participants, toProfileResponse(p))
	}
	c.JSON(http.StatusOK, resp)
}
