// Package messaging carries room frames between server nodes over NATS and
// decides how a frame accepted on one node reaches room members, either
// directly through the local registry or via a per-room NATS subject.
package messaging

import (
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// SubjectRoom is the NATS subject prefix for room fan-out. The full subject
// is SubjectRoom + "." + base64url(room key), so arbitrary room names never
// produce wildcard or separator tokens.
const SubjectRoom = "room"

// RoomSubject returns the NATS subject carrying frames for the given room.
func RoomSubject(key string) string {
	return SubjectRoom + "." + base64.RawURLEncoding.EncodeToString([]byte(key))
}

// NATSClient wraps the NATS connection with helper methods for per-room
// pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription // room key -> subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "secret-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Str("module", "nats").Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("module", "nats").Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Str("module", "nats").Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Info().Str("module", "nats").Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishRoom sends a frame to every node subscribed to the room.
func (c *NATSClient) PublishRoom(key string, data []byte) error {
	if err := c.conn.Publish(RoomSubject(key), data); err != nil {
		return fmt.Errorf("nats publish room %q: %w", key, err)
	}
	return nil
}

// SubscribeRoom registers handler for frames published to the room. NATS
// invokes one subscription's handler sequentially, in server order. A second
// subscription for the same room replaces the first.
func (c *NATSClient) SubscribeRoom(key string, handler func(data []byte)) error {
	subject := RoomSubject(key)
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	prev := c.subs[key]
	c.subs[key] = sub
	c.mu.Unlock()

	if prev != nil {
		_ = prev.Unsubscribe()
	}
	return nil
}

// UnsubscribeRoom drops this node's subscription for the room.
func (c *NATSClient) UnsubscribeRoom(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for room %q", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", sub.Subject, err)
	}
	return nil
}

// Flush round-trips to the server so that earlier subscriptions are active.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Warn().Str("module", "nats").Str("room", key).Err(err).Msg("drain subscription")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Warn().Str("module", "nats").Err(err).Msg("connection drain")
	}

	log.Info().Str("module", "nats").Msg("client closed")
}
