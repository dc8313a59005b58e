package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	stdhttp "net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/duochat/internal/auth"
	"github.com/vovakirdan/duochat/internal/delivery"
	"github.com/vovakirdan/duochat/internal/proto"
)

const outboundBuffer = 16

// WSHandler upgrades HTTP connections and bridges them to a delivery session.
type WSHandler struct {
	delivery  *delivery.Service
	jwt       *auth.JWTConfig
	rateLimit int
	log       *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(svc *delivery.Service, jwtCfg *auth.JWTConfig, rateLimit int, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{delivery: svc, jwt: jwtCfg, rateLimit: rateLimit, log: logger}
}

// wsClient is the per-connection state shared by the read and write loops.
type wsClient struct {
	id      string
	session *delivery.Session
	limiter *rateLimiter
	out     chan proto.Outbound
	views   chan *delivery.View
	log     zerolog.Logger
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	claims, err := auth.ValidateToken(h.jwt, tokenFromRequest(r))
	if err != nil {
		h.log.Debug().Err(err).Msg("ws unauthorized")
		stdhttp.Error(w, "unauthorized", stdhttp.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := &wsClient{
		id:      claims.ParticipantID(),
		session: h.delivery.NewSession(ctx, claims.ParticipantID()),
		limiter: newRateLimiter(h.rateLimit),
		out:     make(chan proto.Outbound, outboundBuffer),
		views:   make(chan *delivery.View),
		log:     h.log.With().Str("participant_id", claims.ParticipantID()).Logger(),
	}
	defer client.session.Release()
	client.limiter.startReset(ctx.Done())

	client.log.Debug().Msg("ws connected")

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, client)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, client)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != -1 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			client.log.Warn().Err(err).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *wsClient) error {
	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			return err
		}
		if err := h.handleInbound(ctx, client, inbound); err != nil {
			return err
		}
	}
}

// handleInbound executes one client frame. Only a closed connection ends the loop.
func (h *WSHandler) handleInbound(ctx context.Context, client *wsClient, inbound proto.Inbound) error {
	switch inbound.Type {
	case proto.InboundTypeOpen:
		var open proto.OpenData
		if err := json.Unmarshal(inbound.Data, &open); err != nil || open.Peer == "" {
			return client.send(ctx, outboundError(proto.ErrCodeBadRequest, "peer is required"))
		}
		view, opened, err := client.session.Open(open.Peer)
		if err != nil {
			client.log.Debug().Err(err).Str("peer", open.Peer).Msg("open conversation failed")
			return client.send(ctx, outboundError(errorCode(err), err.Error()))
		}
		if !opened {
			return client.send(ctx, outboundFromState(delivery.ViewState{Key: view.Key(), Messages: view.Messages()}))
		}
		return client.switchView(ctx, view)

	case proto.InboundTypeSend:
		var send proto.SendData
		if err := json.Unmarshal(inbound.Data, &send); err != nil {
			return client.send(ctx, outboundError(proto.ErrCodeBadRequest, "invalid send payload"))
		}
		view := client.session.Current()
		if view == nil {
			return client.send(ctx, outboundError(proto.ErrCodeNoConversation, "open a conversation first"))
		}
		if !client.limiter.allow() {
			return client.send(ctx, outboundError(proto.ErrCodeRateLimited, "too many messages"))
		}
		msg, err := h.delivery.Submit(ctx, client.id, view.Peer(), send.Text)
		if err != nil {
			return client.send(ctx, outboundError(errorCode(err), err.Error()))
		}
		return client.send(ctx, outboundSent(msg))

	case proto.InboundTypeClose:
		client.session.Release()
		return client.switchView(ctx, nil)

	default:
		return client.send(ctx, outboundError(proto.ErrCodeBadRequest, "unknown message type"))
	}
}

// writeLoop is the only writer on conn. It interleaves replies with updates
// of the current view, keeping each stream in order.
func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *wsClient) error {
	var updates <-chan delivery.ViewState
	for {
		var out proto.Outbound
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v := <-client.views:
			updates = nil
			if v != nil {
				updates = v.Updates()
			}
			continue
		case st, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			out = outboundFromState(st)
		case out = <-client.out:
		}

		if err := wsjson.Write(ctx, conn, out); err != nil {
			client.log.Error().Err(err).Msg("write ws frame")
			return err
		}
	}
}

func (c *wsClient) send(ctx context.Context, out proto.Outbound) error {
	select {
	case c.out <- out:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsClient) switchView(ctx context.Context, v *delivery.View) error {
	select {
	case c.views <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
