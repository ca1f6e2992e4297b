// Package protocol defines the wire format spoken over a relay
// transport. Every frame is a JSON object carrying a "type" field;
// beyond the control types below the relay treats payloads as opaque.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Control message types emitted by the relay itself. Peer payload
// types are application-defined and pass through untouched.
const (
	TypeConnected   = "connected"
	TypeGuestJoined = "guest_joined"
	TypeHostLeft    = "host_left"
	TypeGuestLeft   = "guest_left"
)

// Sender values stamped onto relayed frames.
const (
	SenderHost  = "host"
	SenderGuest = "guest"
)

// ---------------------------------------------------------------------------
// Control payloads
// ---------------------------------------------------------------------------

// ConnectedMsg acknowledges a successful attach to the connecting
// peer itself.
type ConnectedMsg struct {
	Type      string `json:"type"`
	Role      string `json:"role"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

// GuestJoinedMsg notifies the host that the guest side of the session
// came up for the first time.
type GuestJoinedMsg struct {
	Type      string `json:"type"`
	GuestID   string `json:"guestId"`
	Timestamp int64  `json:"timestamp"`
}

// PeerLeftMsg notifies the surviving peer that the other side
// detached. Sent as either TypeHostLeft or TypeGuestLeft.
type PeerLeftMsg struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Inbound parsing
// ---------------------------------------------------------------------------

// Envelope wraps an inbound frame so the relay can check it is a
// well-formed typed object without committing to a payload shape.
type Envelope struct {
	Type string `json:"type"`
	raw  json.RawMessage
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	type head struct {
		Type string `json:"type"`
	}
	var h head
	if err := json.Unmarshal(data, &h); err != nil {
		return fmt.Errorf("protocol: malformed frame: %w", err)
	}
	if h.Type == "" {
		return fmt.Errorf("protocol: frame missing type")
	}
	e.Type = h.Type
	e.raw = append(e.raw[:0], data...)
	return nil
}

// Raw returns the original bytes of the frame.
func (e *Envelope) Raw() []byte { return e.raw }

// ParseEnvelope decodes a single inbound frame.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// ---------------------------------------------------------------------------
// Outbound construction
// ---------------------------------------------------------------------------

// NewControlMessage builds an outbound control frame of the given
// type. The payload is marshalled first and the type injected, so
// payload structs do not need their own Type field populated.
func NewControlMessage(msgType string, payload any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", msgType, err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("protocol: %s payload must be an object: %w", msgType, err)
	}
	m["type"] = msgType
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s frame: %w", msgType, err)
	}
	return out, nil
}

// Stamp rewrites a relayed frame with the relay's own sender and
// timestamp fields, overwriting any values the peer supplied. All
// other fields survive unchanged.
func Stamp(raw []byte, sender string, timestamp int64) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: stamp non-object frame: %w", err)
	}
	m["sender"] = sender
	m["timestamp"] = timestamp
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal stamped frame: %w", err)
	}
	return out, nil
}
