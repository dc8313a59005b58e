// Package proto defines the JSON frames exchanged over the WebSocket channel.
package proto

import "encoding/json"

// Inbound is the envelope for messages coming from the client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	ProtocolVersion = 1

	InboundTypeOpen  = "open"
	InboundTypeSend  = "send"
	InboundTypeClose = "close"

	OutboundTypeEvent = "event"
	OutboundTypeError = "error"

	EventSnapshot = "snapshot"
	EventSent     = "sent"
)

// Error codes carried in error frames.
const (
	ErrCodeBadRequest         = "bad_request"
	ErrCodeValidation         = "validation"
	ErrCodeSubmitFailed       = "submit_failed"
	ErrCodeRateLimited        = "rate_limited"
	ErrCodeNoConversation     = "no_conversation"
	ErrCodeSubscriptionFailed = "subscription_failed"
)

// OpenData asks to show the conversation with peer. It replaces any open one.
type OpenData struct {
	Peer string `json:"peer"`
}

// SendData submits text to the open conversation.
type SendData struct {
	Text string `json:"text"`
}

// Outbound is the envelope for messages sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// Message is a chat message as seen by clients.
type Message struct {
	ID         string `json:"id"`
	Key        string `json:"key"`
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Text       string `json:"text"`
	Status     string `json:"status"`
	TS         int64  `json:"ts"` // unix milliseconds
}

// EventSnapshotData is the full ordered state of the open conversation.
type EventSnapshotData struct {
	Key          string    `json:"key"`
	Messages     []Message `json:"messages"`
	Reconnecting bool      `json:"reconnecting,omitempty"`
}

// EventSentData acknowledges a send with the stored message.
type EventSentData struct {
	Message Message `json:"message"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}
