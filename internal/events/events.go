// Package events publishes relay lifecycle notifications over NATS so
// application services layered on top of the relay (translation,
// transcription, analytics) can follow session state without sitting
// in the relay path. Publishing is fire-and-forget: a broker outage
// never affects relaying.
package events

import "time"

// NATS subject patterns for relay lifecycle events. Per-session
// subjects let a consumer follow one session or wildcard them all.
const (
	SubjectSessionCreated = "relay.session.created"
	SubjectPeerJoined     = "relay.peer.joined"   // + .<session_id>
	SubjectPeerLeft       = "relay.peer.left"     // + .<session_id>
	SubjectSessionEnded   = "relay.session.ended" // + .<session_id>
)

// Publisher emits lifecycle events. Implementations log and swallow
// publish failures; callers never see them.
type Publisher interface {
	SessionCreated(sessionID string)
	PeerJoined(sessionID, role, guestID string)
	PeerLeft(sessionID, role string)
	SessionEnded(sessionID, reason string)
	Close()
}

type sessionCreatedEvent struct {
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

type peerEvent struct {
	SessionID string `json:"sessionId"`
	Role      string `json:"role"`
	GuestID   string `json:"guestId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type sessionEndedEvent struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// Nop returns a Publisher that discards every event. Used when no
// broker is configured.
func Nop() Publisher { return nopPublisher{} }

type nopPublisher struct{}

func (nopPublisher) SessionCreated(string)             {}
func (nopPublisher) PeerJoined(string, string, string) {}
func (nopPublisher) PeerLeft(string, string)           {}
func (nopPublisher) SessionEnded(string, string)       {}
func (nopPublisher) Close()                            {}
