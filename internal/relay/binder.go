package relay

import (
	"errors"
	"log"
	"time"

	"github.com/duolink/relay-app/internal/metrics"
	"github.com/duolink/relay-app/internal/protocol"
	"github.com/duolink/relay-app/internal/session"
)

// Attach rejection causes. Each aborts the attach before any session
// mutation; the caller closes the transport with a policy-violation
// status.
var (
	ErrMissingParams  = errors.New("relay: missing session id or role")
	ErrBadRole        = errors.New("relay: invalid role")
	ErrUnknownSession = errors.New("relay: unknown session")
	ErrBadSecret      = errors.New("relay: host secret mismatch")
)

// AttachRequest carries the parameters a transport presents when
// asking to join a session.
type AttachRequest struct {
	SessionID string
	Role      string
	Secret    string
}

// Attachment is the bound context handed to the transport's read loop
// after a successful attach.
type Attachment struct {
	Session *session.Session
	Role    session.Role
}

// Attach validates req and binds t into the requested session role.
// A rejected attach leaves all session state untouched.
//
// On success the transport receives a connected acknowledgment, a
// bound host is told when a guest arrives, and a transport previously
// bound to the same role is closed as superseded.
func (s *Service) Attach(req AttachRequest, t session.Transport) (*Attachment, error) {
	if req.SessionID == "" || req.Role == "" {
		metrics.BindRejections.WithLabelValues("missing_params").Inc()
		return nil, ErrMissingParams
	}
	role, err := session.ParseRole(req.Role)
	if err != nil {
		metrics.BindRejections.WithLabelValues("bad_role").Inc()
		return nil, ErrBadRole
	}
	sess, ok := s.registry.Get(req.SessionID)
	if !ok {
		metrics.BindRejections.WithLabelValues("unknown_session").Inc()
		return nil, ErrUnknownSession
	}
	if role == session.RoleHost && req.Secret != sess.HostSecret {
		metrics.BindRejections.WithLabelValues("bad_secret").Inc()
		return nil, ErrBadSecret
	}

	res := sess.Bind(role, t)
	if res.Prev != nil {
		log.Printf("relay: session %s %s rebound, superseding %s", sess.ID, role, res.Prev.RemoteAddr())
		_ = res.Prev.Close(CloseGoingAway, "superseded by new connection")
	}

	s.sendConnected(sess, role, t)
	if role == session.RoleGuest && res.Peer != nil {
		s.sendGuestJoined(sess, res.Peer, res.GuestID)
	}

	metrics.BindsTotal.WithLabelValues(string(role)).Inc()
	s.events.PeerJoined(sess.ID, string(role), res.GuestID)
	log.Printf("relay: %s bound to session %s (%s)", role, sess.ID, t.RemoteAddr())

	return &Attachment{Session: sess, Role: role}, nil
}

// Detach unbinds t after its transport closed, notifies the surviving
// peer, and arms the empty-session timer when the session is left
// with no transports. Detaching a transport that was already
// superseded is a no-op.
func (s *Service) Detach(sess *session.Session, role session.Role, t session.Transport) {
	peer, empty, detached := sess.Detach(role, t)
	if !detached {
		return
	}
	log.Printf("relay: %s detached from session %s", role, sess.ID)

	if peer != nil {
		s.sendPeerLeft(sess, role, peer)
	}
	s.events.PeerLeft(sess.ID, string(role))

	if empty {
		s.scheduleReap(sess)
	}
}

// scheduleReap arms the one-shot empty-session timer. The timer only
// holds the session id; at fire time the session is looked up again
// and must still be empty, so a bind during the grace period keeps it
// alive even if timer cancellation lost a race.
func (s *Service) scheduleReap(sess *session.Session) {
	id := sess.ID
	sess.ScheduleReap(s.cfg.EmptyGrace, func() {
		s.reapIfEmpty(id)
	})
}

func (s *Service) reapIfEmpty(id string) {
	sess, ok := s.registry.Get(id)
	if !ok || !sess.Empty() {
		return
	}
	s.remove(sess, "empty")
}

func (s *Service) sendConnected(sess *session.Session, role session.Role, t session.Transport) {
	msg, err := protocol.NewControlMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		Role:      string(role),
		SessionID: sess.ID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		log.Printf("relay: build connected for session %s: %v", sess.ID, err)
		return
	}
	if err := t.WriteMessage(msg); err != nil {
		log.Printf("relay: session %s connected ack to %s: %v", sess.ID, role, err)
	}
}

func (s *Service) sendGuestJoined(sess *session.Session, host session.Transport, guestID string) {
	msg, err := protocol.NewControlMessage(protocol.TypeGuestJoined, protocol.GuestJoinedMsg{
		GuestID:   guestID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		log.Printf("relay: build guest_joined for session %s: %v", sess.ID, err)
		return
	}
	if err := host.WriteMessage(msg); err != nil {
		log.Printf("relay: session %s guest_joined to host: %v", sess.ID, err)
	}
}

func (s *Service) sendPeerLeft(sess *session.Session, left session.Role, peer session.Transport) {
	typ := protocol.TypeHostLeft
	if left == session.RoleGuest {
		typ = protocol.TypeGuestLeft
	}
	msg, err := protocol.NewControlMessage(typ, protocol.PeerLeftMsg{
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		log.Printf("relay: build %s for session %s: %v", typ, sess.ID, err)
		return
	}
	if err := peer.WriteMessage(msg); err != nil {
		log.Printf("relay: session %s %s notice: %v", sess.ID, typ, err)
	}
}
