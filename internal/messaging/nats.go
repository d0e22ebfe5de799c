// Package messaging provides a NATS client wrapper used as the fan-out bus.
// Server events for a user group or for everyone are published once and
// delivered by the subscription to the connections the server holds.
// Presence is not shared through the bus.
package messaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/nats-io/nats.go"
)

// NATS subjects used by the fan-out bus.
const (
	SubjectFanoutUser = "messenger.fanout.user" // header HeaderUserID names the group
	SubjectFanoutAll  = "messenger.fanout.all"
)

// HeaderUserID carries the target user of a SubjectFanoutUser message. A
// header keeps arbitrary user ids out of the subject namespace.
const HeaderUserID = "Messenger-User-Id"

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
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
		URL:           "nats://localhost:4222",
		Name:          "messenger",
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
			if err != nil {
				glog.Warningf("[nats] disconnected: %v", err)
			} else {
				glog.Infof("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			glog.Infof("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			glog.Infof("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	glog.Infof("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishUser publishes a frame for every connection of userID.
func (c *NATSClient) PublishUser(userID string, data []byte) error {
	msg := nats.NewMsg(SubjectFanoutUser)
	msg.Header.Set(HeaderUserID, userID)
	msg.Data = data
	if err := c.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish user %s: %w", userID, err)
	}
	return nil
}

// PublishAll publishes a frame for every active connection.
func (c *NATSClient) PublishAll(data []byte) error {
	if err := c.Publish(SubjectFanoutAll, data); err != nil {
		return fmt.Errorf("nats publish all: %w", err)
	}
	return nil
}

// SubscribeUsers delivers user-group frames to handler. Messages without a
// user header are dropped.
func (c *NATSClient) SubscribeUsers(handler func(userID string, data []byte)) error {
	return c.Subscribe(SubjectFanoutUser, func(msg *nats.Msg) {
		userID := msg.Header.Get(HeaderUserID)
		if userID == "" {
			glog.Warningf("[nats] fanout message without %s header dropped", HeaderUserID)
			return
		}
		handler(userID, msg.Data)
	})
}

// SubscribeAll delivers broadcast frames to handler.
func (c *NATSClient) SubscribeAll(handler func(data []byte)) error {
	return c.Subscribe(SubjectFanoutAll, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			glog.Warningf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		glog.Warningf("[nats] connection drain: %v", err)
	}

	glog.Infof("[nats] client closed")
}
