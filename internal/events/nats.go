package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

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
		Name:          "duolink-relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATSPublisher emits lifecycle events to a NATS broker. It also
// carries the subscribe side used by monitoring tools.
type NATSPublisher struct {
	conn *nats.Conn

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSPublisher connects to NATS and returns a ready publisher.
// It returns an error if the initial connection fails.
func NewNATSPublisher(config NATSConfig) (*NATSPublisher, error) {
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
	return &NATSPublisher{conn: nc}, nil
}

// SessionCreated announces a freshly minted session on the global
// created subject.
func (p *NATSPublisher) SessionCreated(sessionID string) {
	p.publish(SubjectSessionCreated, sessionCreatedEvent{
		SessionID: sessionID,
		Timestamp: nowMillis(),
	})
}

// PeerJoined announces a successful bind on the session-scoped joined
// subject.
func (p *NATSPublisher) PeerJoined(sessionID, role, guestID string) {
	p.publish(SubjectPeerJoined+"."+sessionID, peerEvent{
		SessionID: sessionID,
		Role:      role,
		GuestID:   guestID,
		Timestamp: nowMillis(),
	})
}

// PeerLeft announces a detach on the session-scoped left subject.
func (p *NATSPublisher) PeerLeft(sessionID, role string) {
	p.publish(SubjectPeerLeft+"."+sessionID, peerEvent{
		SessionID: sessionID,
		Role:      role,
		Timestamp: nowMillis(),
	})
}

// SessionEnded announces a registry removal on the session-scoped
// ended subject.
func (p *NATSPublisher) SessionEnded(sessionID, reason string) {
	p.publish(SubjectSessionEnded+"."+sessionID, sessionEndedEvent{
		SessionID: sessionID,
		Reason:    reason,
		Timestamp: nowMillis(),
	})
}

// SubscribeLifecycle registers a handler for every relay lifecycle
// subject. The subscription is kept for drain on Close.
func (p *NATSPublisher) SubscribeLifecycle(handler func(subject string, data []byte)) error {
	sub, err := p.conn.Subscribe("relay.>", func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe relay.>: %w", err)
	}

	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()
	return nil
}

// Close drains active subscriptions and the NATS connection, flushing
// buffered publishes.
func (p *NATSPublisher) Close() {
	p.mu.Lock()
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", sub.Subject, err)
		}
	}
	if err := p.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] publisher closed")
}

func (p *NATSPublisher) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[nats] marshal %s: %v", subject, err)
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		log.Printf("[nats] publish %s: %v", subject, err)
	}
}
