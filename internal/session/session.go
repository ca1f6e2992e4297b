// Package session holds the in-memory pairing state for the relay: one
// host and at most one guest bound under a shared short id. The
// registry is the single shared structure in the process; every
// mutation of a session's bindings or timestamps is serialized through
// the session's own lock.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies which side of a session a transport speaks for.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// ParseRole validates a wire-supplied role value.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleHost, RoleGuest:
		return Role(s), nil
	}
	return "", fmt.Errorf("session: unknown role %q", s)
}

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == RoleHost {
		return RoleGuest
	}
	return RoleHost
}

// Transport is one live duplex connection attached to a session role.
// Implementations must tolerate concurrent writers.
type Transport interface {
	// WriteMessage sends one complete text frame.
	WriteMessage(data []byte) error
	// Alive reports whether the transport can still be written to.
	Alive() bool
	// Close tears the transport down with a close status and reason.
	Close(code int, reason string) error
	// RemoteAddr describes the far end for logs.
	RemoteAddr() string
}

// Binding is the attachment state of one role slot. The zero value is
// unbound.
type Binding struct {
	transport Transport
}

// Bound reports whether a transport occupies the slot.
func (b Binding) Bound() bool { return b.transport != nil }

// Live reports whether the slot holds a transport that is still up.
func (b Binding) Live() bool { return b.transport != nil && b.transport.Alive() }

// Session is the pairing record for one host/guest conversation.
// ID, HostSecret and CreatedAt never change after creation; everything
// else is guarded by mu.
type Session struct {
	ID         string
	HostSecret string
	CreatedAt  time.Time

	mu           sync.Mutex
	guestID      string
	host         Binding
	guest        Binding
	lastActivity time.Time
	relayed      int64
	reap         *time.Timer
}

func newSession(id, secret string, now time.Time) *Session {
	return &Session{
		ID:           id,
		HostSecret:   secret,
		CreatedAt:    now,
		lastActivity: now,
	}
}

// BindResult reports what a bind displaced and who should hear about
// it.
type BindResult struct {
	// Prev is the transport this bind superseded, nil on a fresh bind.
	Prev Transport
	// Peer is the live transport on the opposite role, nil if absent.
	Peer Transport
	// GuestID is the session's guest identifier after the bind.
	GuestID string
	// FirstGuest is true when this bind assigned the guest identifier.
	FirstGuest bool
}

// Bind attaches t to the slot for role, displacing any transport
// already there. The first guest bind assigns the session's guest id;
// it never changes afterwards. Any pending empty-session timer is
// cancelled and the activity timestamp refreshed.
func (s *Session) Bind(role Role, t Transport) BindResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res BindResult
	if role == RoleGuest && s.guestID == "" {
		s.guestID = uuid.NewString()
		res.FirstGuest = true
	}
	res.GuestID = s.guestID

	slot := s.slot(role)
	if slot.transport != nil && slot.transport != t {
		res.Prev = slot.transport
	}
	*slot = Binding{transport: t}

	if peer := s.slot(role.Peer()); peer.Live() {
		res.Peer = peer.transport
	}

	if s.reap != nil {
		s.reap.Stop()
		s.reap = nil
	}
	s.lastActivity = time.Now()
	return res
}

// Detach unbinds t from its role slot. It is a no-op when t is no
// longer the bound transport, which happens after a newer connection
// superseded it. peer is the surviving side's live transport (nil if
// none) and empty reports whether both slots are now unbound.
func (s *Session) Detach(role Role, t Transport) (peer Transport, empty, detached bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := s.slot(role)
	if slot.transport != t {
		return nil, false, false
	}
	*slot = Binding{}
	s.lastActivity = time.Now()

	if p := s.slot(role.Peer()); p.Live() {
		peer = p.transport
	}
	return peer, !s.host.Bound() && !s.guest.Bound(), true
}

// LivePeer returns the transport bound to the opposite role, or nil
// when that side is unbound or dead.
func (s *Session) LivePeer(role Role) Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.slot(role.Peer()); p.Live() {
		return p.transport
	}
	return nil
}

// Touch records activity on the session.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// IncRelayed bumps the count of frames forwarded within the session.
func (s *Session) IncRelayed() {
	s.mu.Lock()
	s.relayed++
	s.mu.Unlock()
}

// Relayed returns how many frames have been forwarded within the
// session.
func (s *Session) Relayed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relayed
}

// LastActivity returns the time of the most recent bind, detach,
// relayed message or probe response.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// GuestID returns the guest identifier, empty until a guest has bound.
func (s *Session) GuestID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guestID
}

// HasHost reports whether a host transport is bound.
func (s *Session) HasHost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host.Bound()
}

// HasGuest reports whether a guest transport is bound.
func (s *Session) HasGuest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guest.Bound()
}

// Empty reports whether both role slots are unbound.
func (s *Session) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.host.Bound() && !s.guest.Bound()
}

// ScheduleReap arms the empty-session timer, replacing any timer
// already pending. fn runs once after d unless a bind or CancelReap
// stops it first.
func (s *Session) ScheduleReap(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reap != nil {
		s.reap.Stop()
	}
	s.reap = time.AfterFunc(d, fn)
}

// CancelReap stops any pending empty-session timer.
func (s *Session) CancelReap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reap != nil {
		s.reap.Stop()
		s.reap = nil
	}
}

// CloseTransports unbinds both slots and closes whatever transports
// were attached. Detaching first keeps the transports' own close
// handling from firing leave notifications for a session that is
// being torn down.
func (s *Session) CloseTransports(code int, reason string) {
	s.mu.Lock()
	host := s.host.transport
	guest := s.guest.transport
	s.host = Binding{}
	s.guest = Binding{}
	s.mu.Unlock()

	if host != nil {
		_ = host.Close(code, reason)
	}
	if guest != nil {
		_ = guest.Close(code, reason)
	}
}

func (s *Session) slot(role Role) *Binding {
	if role == RoleHost {
		return &s.host
	}
	return &s.guest
}
