package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSBus is a Bus backed by core NATS subjects, one per conversation.
// It lets several server processes share live conversation views.
type NATSBus struct {
	nc     *nats.Conn
	prefix string
	log    *zerolog.Logger

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewNATSBus connects to url and publishes on "<prefix>.<key>" subjects.
func NewNATSBus(url, prefix string, logger *zerolog.Logger) (*NATSBus, error) {
	nc, err := nats.Connect(url,
		nats.Name("duochat"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return NewNATSBusFromConn(nc, prefix, logger), nil
}

// NewNATSBusFromConn wraps an existing connection. Close closes nc.
func NewNATSBusFromConn(nc *nats.Conn, prefix string, logger *zerolog.Logger) *NATSBus {
	if prefix == "" {
		prefix = "duochat.chats"
	}
	return &NATSBus{
		nc:     nc,
		prefix: prefix,
		log:    logger,
		subs:   make(map[*Subscription]struct{}),
	}
}

func (b *NATSBus) subject(key string) string {
	return b.prefix + "." + key
}

// Publish signals every subscriber of key across all connected processes.
func (b *NATSBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed || b.nc.IsClosed() {
		return ErrClosed
	}
	if err := b.nc.Publish(b.subject(key), []byte(key)); err != nil {
		return fmt.Errorf("publish to %s: %w", b.subject(key), err)
	}
	return nil
}

// Subscribe registers for signals on key.
func (b *NATSBus) Subscribe(key string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.nc.IsClosed() {
		return nil, ErrClosed
	}

	sub := newSubscription(key)
	ns, err := b.nc.Subscribe(b.subject(key), func(_ *nats.Msg) {
		sub.signal()
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", b.subject(key), err)
	}
	sub.cancel = func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		if err := ns.Unsubscribe(); err != nil && !b.nc.IsClosed() {
			b.log.Debug().Err(err).Str("subject", ns.Subject).Msg("nats unsubscribe")
		}
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Close ends every subscription and drains the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	// Close outside the lock: Subscription.Close calls back into cancel.
	for _, s := range subs {
		s.Close()
	}

	if b.nc.IsClosed() {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}

// Subscribers returns the number of live subscriptions.
func (b *NATSBus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
