package relay

import (
	"log"
	"time"

	"github.com/duolink/relay-app/internal/metrics"
	"github.com/duolink/relay-app/internal/protocol"
	"github.com/duolink/relay-app/internal/session"
)

// Relay forwards one inbound frame from role's transport to the peer
// bound opposite it, stamped with the sender role and a fresh
// timestamp. All other fields pass through untouched.
//
// Delivery is best effort and at most once: with no live peer the
// frame is dropped and the sender hears nothing. Malformed frames are
// dropped with a local log; they never tear down the connection.
func (s *Service) Relay(sess *session.Session, role session.Role, data []byte) {
	start := time.Now()
	sess.Touch()

	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		metrics.MessagesDropped.WithLabelValues("malformed").Inc()
		log.Printf("relay: session %s dropped malformed frame from %s: %v", sess.ID, role, err)
		return
	}

	target := sess.LivePeer(role)
	if target == nil {
		metrics.MessagesDropped.WithLabelValues("no_peer").Inc()
		return
	}

	stamped, err := protocol.Stamp(env.Raw(), string(role), start.UnixMilli())
	if err != nil {
		metrics.MessagesDropped.WithLabelValues("malformed").Inc()
		log.Printf("relay: session %s stamp frame from %s: %v", sess.ID, role, err)
		return
	}

	if err := target.WriteMessage(stamped); err != nil {
		metrics.MessagesDropped.WithLabelValues("write_error").Inc()
		log.Printf("relay: session %s forward %s to %s: %v", sess.ID, role, role.Peer(), err)
		return
	}

	sess.IncRelayed()
	metrics.MessagesRelayed.WithLabelValues(string(role)).Inc()
	metrics.RelayLatency.Observe(time.Since(start).Seconds())
}

// DropOversize records an inbound frame the transport refused to read
// because it exceeded the frame size limit.
func (s *Service) DropOversize(sess *session.Session, role session.Role, size int64) {
	metrics.MessagesDropped.WithLabelValues("oversize").Inc()
	log.Printf("relay: session %s dropped oversize frame from %s (%d bytes)", sess.ID, role, size)
}
