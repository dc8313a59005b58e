package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/duochat/internal/delivery"
	"github.com/vovakirdan/duochat/internal/proto"
)

// ConversationHandlers provides HTTP handlers for one-to-one conversations.
type ConversationHandlers struct {
	delivery *delivery.Service
	log      *zerolog.Logger
}

// NewConversationHandlers creates a new conversation handlers instance.
func NewConversationHandlers(svc *delivery.Service, logger *zerolog.Logger) *ConversationHandlers {
	return &ConversationHandlers{
		delivery: svc,
		log:      logger,
	}
}

// SendRequest represents the message submission body.
type SendRequest struct {
	Text string `json:"text"`
}

// HistoryResponse is the ordered conversation.
type HistoryResponse struct {
	Key      string          `json:"key"`
	Messages []proto.Message `json:"messages"`
}

// SeenResponse reports how many messages were marked.
type SeenResponse struct {
	Marked int `json:"marked"`
}

// History returns the conversation with :peer.
// GET /api/conversations/:peer
func (h *ConversationHandlers) History(c *gin.Context) {
	key, msgs, err := h.delivery.History(c.Request.Context(), participantID(c), c.Param("peer"))
	if err != nil {
		h.fail(c, err, "failed to load conversation")
		return
	}
	c.JSON(http.StatusOK, HistoryResponse{Key: key, Messages: toProtoMessages(msgs)})
}

// Send submits a message to :peer.
// POST /api/conversations/:peer/messages
func (h *ConversationHandlers) Send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid send request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	msg, err := h.delivery.Submit(c.Request.Context(), participantID(c), c.Param("peer"), req.Text)
	if err != nil {
		h.fail(c, err, "failed to submit message")
		return
	}
	c.JSON(http.StatusCreated, toProtoMessage(msg))
}

// MarkSeen marks messages received from :peer as seen.
// POST /api/conversations/:peer/seen
func (h *ConversationHandlers) MarkSeen(c *gin.Context) {
	n, err := h.delivery.MarkConversationSeen(c.Request.Context(), participantID(c), c.Param("peer"))
	if err != nil {
		h.fail(c, err, "failed to mark conversation seen")
		return
	}
	c.JSON(http.StatusOK, SeenResponse{Marked: n})
}

func (h *ConversationHandlers) fail(c *gin.Context, err error, msg string) {
	status := httpStatus(err)
	if status == http.StatusBadRequest {
		c.JSON(status, ErrorResponse{Error: err.Error()})
		return
	}
	h.log.Error().Err(err).Str("participant_id", participantID(c)).Msg(msg)
	c.JSON(status, ErrorResponse{Error: http.StatusText(status)})
}
