package relay

import (
	"log"
	"time"
)

// Start launches the idle sweep loop.
func (s *Service) Start() {
	go s.sweepLoop()
	log.Printf("relay: idle sweep every %s (timeout %s)", s.cfg.SweepInterval, s.cfg.IdleTimeout)
}

// Stop halts the sweep loop. Bound transports and pending reap timers
// are unaffected; use Shutdown to tear everything down.
func (s *Service) Stop() {
	s.cancel()
}

func (s *Service) sweepLoop() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			log.Println("relay: idle sweep stopped")
			return
		case <-ticker.C:
			s.sweepIdle()
		}
	}
}

// sweepIdle evicts every session whose last activity is older than the
// idle timeout, closing any bound transports first. Closing through
// CloseTransports unbinds both slots up front, so the transports'
// close handling cannot send leave notices for a session that is
// already gone.
func (s *Service) sweepIdle() {
	cutoff := time.Now().Add(-s.cfg.IdleTimeout)
	for _, sess := range s.registry.All() {
		if sess.LastActivity().After(cutoff) {
			continue
		}
		sess.CloseTransports(CloseGoingAway, "session idle timeout")
		s.remove(sess, "idle")
	}
}

// Shutdown closes every bound transport and drops all sessions.
// Called once the listener has stopped accepting new connections.
func (s *Service) Shutdown() {
	s.cancel()
	for _, sess := range s.registry.All() {
		sess.CloseTransports(CloseGoingAway, "server shutting down")
		s.remove(sess, "shutdown")
	}
}
