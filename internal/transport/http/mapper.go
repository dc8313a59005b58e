package http

import (
	"errors"
	"net/http"

	"github.com/vovakirdan/duochat/internal/delivery"
	"github.com/vovakirdan/duochat/internal/proto"
	"github.com/vovakirdan/duochat/internal/store"
)

func toProtoMessage(m *store.Message) proto.Message {
	return proto.Message{
		ID:         m.ID,
		Key:        m.ConversationKey,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Text:       m.Body,
		Status:     m.Status.String(),
		TS:         m.CreatedAt.UnixMilli(),
	}
}

func toProtoMessages(msgs []*store.Message) []proto.Message {
	out := make([]proto.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toProtoMessage(m))
	}
	return out
}

func outboundFromState(st delivery.ViewState) proto.Outbound {
	return proto.Outbound{
		Type:  proto.OutboundTypeEvent,
		Event: proto.EventSnapshot,
		Data: proto.EventSnapshotData{
			Key:          st.Key,
			Messages:     toProtoMessages(st.Messages),
			Reconnecting: st.Reconnecting,
		},
	}
}

func outboundSent(m *store.Message) proto.Outbound {
	return proto.Outbound{
		Type:  proto.OutboundTypeEvent,
		Event: proto.EventSent,
		Data:  proto.EventSentData{Message: toProtoMessage(m)},
	}
}

func outboundError(code, msg string) proto.Outbound {
	return proto.Outbound{
		Type:  proto.OutboundTypeError,
		Error: &proto.Error{Code: code, Msg: msg},
	}
}

// errorCode classifies delivery errors for WebSocket clients.
func errorCode(err error) string {
	switch {
	case errors.Is(err, delivery.ErrValidation):
		return proto.ErrCodeValidation
	case errors.Is(err, delivery.ErrSubscription):
		return proto.ErrCodeSubscriptionFailed
	default:
		return proto.ErrCodeSubmitFailed
	}
}

// httpStatus classifies delivery errors for REST clients.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, delivery.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, delivery.ErrStoreWrite):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
