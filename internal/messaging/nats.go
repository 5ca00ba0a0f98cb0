// Package messaging provides a NATS client wrapper for the events exchanged
// between the matcher and collab services. It handles connection lifecycle,
// subject-based subscriptions, and typed helpers for the match and session
// channels.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across pairup services.
const (
	SubjectMatchFound   = "match.found"   // + .<user_id>
	SubjectSessionEnded = "session.ended" // + .<session_id>
)

// MatchFound is published to match.found.<user_id> when a search resolves,
// either with a partner or by timing out.
type MatchFound struct {
	Timeout     bool   `json:"timeout,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	PartnerID   string `json:"partnerId,omitempty"`
	PartnerName string `json:"partnerName,omitempty"`
}

// SessionEnded is published to session.ended.<session_id> after a session
// record is torn down.
type SessionEnded struct {
	SessionID string `json:"sessionId"`
	EndedBy   string `json:"endedBy"`
}

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
		Name:          "pairup",
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
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

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

// PublishMatchFound publishes a match result to match.found.<userID>.
func (c *NATSClient) PublishMatchFound(userID string, ev MatchFound) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("messaging: marshal match.found: %w", err)
	}
	return c.Publish(SubjectMatchFound+"."+userID, data)
}

// PublishSessionEnded publishes to session.ended.<sessionID>.
func (c *NATSClient) PublishSessionEnded(ev SessionEnded) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("messaging: marshal session.ended: %w", err)
	}
	return c.Publish(SubjectSessionEnded+"."+ev.SessionID, data)
}

// SubscribeSessionEnded subscribes to every session.ended.* event. Payloads
// that fail to decode are logged and dropped.
func (c *NATSClient) SubscribeSessionEnded(handler func(ev SessionEnded)) error {
	return c.Subscribe(SubjectSessionEnded+".>", func(msg *nats.Msg) {
		var ev SessionEnded
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[nats] invalid %s payload: %v", msg.Subject, err)
			return
		}
		handler(ev)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
