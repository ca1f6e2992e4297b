// Package relay implements the core of the pairing service: binding
// transports to session roles, forwarding frames between the two bound
// peers, and reclaiming sessions that are empty or idle. It never
// interprets forwarded payloads beyond the type field check.
package relay

import (
	"context"
	"log"
	"time"

	"github.com/duolink/relay-app/internal/audit"
	"github.com/duolink/relay-app/internal/events"
	"github.com/duolink/relay-app/internal/metrics"
	"github.com/duolink/relay-app/internal/session"
)

// WebSocket close codes the relay hands to transports.
const (
	ClosePolicyViolation = 1008
	CloseGoingAway       = 1001
)

// Config carries the relay's lifecycle tuning.
type Config struct {
	// EmptyGrace is how long a session with no bound transports
	// survives before the reaper deletes it.
	EmptyGrace time.Duration
	// IdleTimeout is the maximum age of a session's last activity
	// before the sweep evicts it, bound transports or not.
	IdleTimeout time.Duration
	// SweepInterval is how often the idle sweep scans the registry.
	SweepInterval time.Duration
}

// DefaultConfig returns the stock lifecycle timings.
func DefaultConfig() Config {
	return Config{
		EmptyGrace:    5 * time.Minute,
		IdleTimeout:   30 * time.Minute,
		SweepInterval: 10 * time.Minute,
	}
}

// Service owns the session registry and implements binding, relaying
// and sweeping on top of it.
type Service struct {
	registry *session.Registry
	events   events.Publisher
	audit    audit.Recorder
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc
}

// NewService wires a relay service over the given registry. Lifecycle
// events go to pub, audit rows to rec; pass events.Nop and audit.Nop
// to run without a broker or database.
func NewService(reg *session.Registry, pub events.Publisher, rec audit.Recorder, cfg Config) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		registry: reg,
		events:   pub,
		audit:    rec,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// CreateSession mints a session, announces it and arms the
// empty-session timer so a session nobody ever attaches to is still
// reclaimed after the grace period.
func (s *Service) CreateSession(ctx context.Context) (*session.Session, error) {
	sess, err := s.registry.Create()
	if err != nil {
		return nil, err
	}

	metrics.SessionsActive.Inc()
	s.scheduleReap(sess)
	s.events.SessionCreated(sess.ID)
	if err := s.audit.SessionCreated(ctx, sess.ID, sess.CreatedAt); err != nil {
		log.Printf("relay: audit create %s: %v", sess.ID, err)
	}

	log.Printf("relay: session %s created", sess.ID)
	return sess, nil
}

// Lookup resolves a session id without touching its activity
// timestamp.
func (s *Service) Lookup(id string) (*session.Session, bool) {
	return s.registry.Get(id)
}

// SessionCount reports the number of live sessions, for health
// reporting.
func (s *Service) SessionCount() int {
	return s.registry.Count()
}

// remove deletes a session from the registry and emits its
// end-of-life notifications. The registry delete is the once-only
// gate: timers and sweeps may race to remove the same session, only
// the winner announces it.
func (s *Service) remove(sess *session.Session, reason string) {
	if !s.registry.Delete(sess.ID) {
		return
	}

	metrics.SessionsActive.Dec()
	metrics.SessionsRemoved.WithLabelValues(reason).Inc()
	s.events.SessionEnded(sess.ID, reason)

	guestSeen := sess.GuestID() != ""
	if err := s.audit.SessionEnded(context.Background(), sess.ID, reason, guestSeen, sess.Relayed()); err != nil {
		log.Printf("relay: audit end %s: %v", sess.ID, err)
	}

	log.Printf("relay: session %s removed (%s)", sess.ID, reason)
}
