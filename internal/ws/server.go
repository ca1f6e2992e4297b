// Package ws exposes the relay over HTTP and WebSocket: session
// creation and lookup on the request/response surface, transport
// attachment on /ws, and one goroutine per live connection pumping
// frames into the relay.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/duolink/relay-app/internal/metrics"
	"github.com/duolink/relay-app/internal/ratelimit"
	"github.com/duolink/relay-app/internal/relay"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	PublicBaseURL  string        // base URL for guest join links
	MaxConnections int64         // hard cap on concurrent connections
	MaxFrameBytes  int64         // largest accepted data frame payload
	ProbeInterval  time.Duration // how often each connection is pinged
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		PublicBaseURL:  "http://localhost:8080",
		MaxConnections: 10000,
		MaxFrameBytes:  1 << 20, // 1 MiB
		ProbeInterval:  30 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server serves the relay's external surfaces. It upgrades attach
// requests with the gobwas/ws zero-copy upgrader and runs one read
// loop plus one probe loop per connection.
type Server struct {
	config     ServerConfig
	core       *relay.Service
	limiter    ratelimit.Checker
	httpServer *http.Server
	startedAt  time.Time
	connCount  int64 // atomic
}

// NewServer creates a Server driving the given relay core. The
// limiter throttles session creation and attach attempts per IP.
func NewServer(config ServerConfig, core *relay.Service, limiter ratelimit.Checker) *Server {
	return &Server{
		config:  config,
		core:    core,
		limiter: limiter,
	}
}

// Start configures routes and begins serving. It blocks until the
// listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.routes(),
	}

	log.Printf("ws: server listening on %s (max_conns=%d)", s.config.ListenAddr, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP listener. Bound connections are torn down by
// the relay core's shutdown, not here.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ws: http shutdown: %w", err)
	}
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions", s.handleCreateSession)
	mux.HandleFunc("/api/sessions/", s.handleSessionInfo)
	mux.HandleFunc("/ws", s.handleAttach)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

type createSessionResponse struct {
	SessionID  string `json:"sessionId"`
	HostSecret string `json:"hostSecret"`
	GuestURL   string `json:"guestUrl"`
}

// handleCreateSession mints a session and returns its id, the host
// secret and the templated guest join URL. The secret is disclosed
// only here.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ok, _ := s.limiter.Allow(r.Context(), clientIP(r), ratelimit.RuleCreateSession); !ok {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	sess, err := s.core.CreateSession(r.Context())
	if err != nil {
		log.Printf("ws: create session: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(createSessionResponse{
		SessionID:  sess.ID,
		HostSecret: sess.HostSecret,
		GuestURL:   s.config.PublicBaseURL + "/join/" + sess.ID,
	})
}

type sessionInfoResponse struct {
	SessionID string `json:"sessionId"`
	HasHost   bool   `json:"hasHost"`
	HasGuest  bool   `json:"hasGuest"`
	CreatedAt int64  `json:"createdAt"`
}

// handleSessionInfo reports a session's binding state without
// touching its activity timestamp. The host secret is never included.
func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	w.Header().Set("Content-Type", "application/json")

	sess, ok := s.core.Lookup(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "session not found"})
		return
	}

	_ = json.NewEncoder(w).Encode(sessionInfoResponse{
		SessionID: sess.ID,
		HasHost:   sess.HasHost(),
		HasGuest:  sess.HasGuest(),
		CreatedAt: sess.CreatedAt.UnixMilli(),
	})
}

// handleHealth responds with the server's health status as JSON,
// including the live session and connection counts and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status         string `json:"status"`
		ActiveSessions int    `json:"activeSessionCount"`
		Connections    int64  `json:"connections"`
		Uptime         string `json:"processUptime"`
	}{
		Status:         "ok",
		ActiveSessions: s.core.SessionCount(),
		Connections:    atomic.LoadInt64(&s.connCount),
		Uptime:         time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// handleAttach upgrades the request to a WebSocket and binds it into
// the session named by the query parameters. Rejections close the
// socket with a policy-violation status before any session mutation.
func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt64(&s.connCount) >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if ok, _ := s.limiter.Allow(r.Context(), clientIP(r), ratelimit.RuleAttach); !ok {
		metrics.BindRejections.WithLabelValues("rate_limited").Inc()
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	q := r.URL.Query()
	req := relay.AttachRequest{
		SessionID: q.Get("session"),
		Role:      q.Get("role"),
		Secret:    q.Get("secret"),
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed from %s: %v", clientIP(r), err)
		return
	}

	conn := newConn(netConn, s.config.WriteTimeout)
	att, err := s.core.Attach(req, conn)
	if err != nil {
		log.Printf("ws: attach rejected from %s: %v", conn.RemoteAddr(), err)
		_ = conn.Close(relay.ClosePolicyViolation, closeReason(err))
		return
	}

	total := atomic.AddInt64(&s.connCount, 1)
	metrics.ConnectionsActive.Inc()
	log.Printf("ws: new connection %s session=%s role=%s (total=%d)",
		conn.RemoteAddr(), att.Session.ID, att.Role, total)

	go s.probeLoop(conn, att)
	s.readLoop(conn, att)

	atomic.AddInt64(&s.connCount, -1)
	metrics.ConnectionsActive.Dec()
	log.Printf("ws: connection closed %s session=%s role=%s", conn.RemoteAddr(), att.Session.ID, att.Role)
}

var errPeerClosed = errors.New("ws: peer sent close frame")

// readLoop pumps data frames from the connection into the relay until
// the transport dies, then detaches it. Control frames are answered
// inline and never reach the relay.
func (s *Server) readLoop(conn *Conn, att *relay.Attachment) {
	defer func() {
		_ = conn.Close(relay.CloseGoingAway, "")
		s.core.Detach(att.Session, att.Role, conn)
	}()

	for {
		header, reader, err := wsutil.NextReader(conn.netConn, ws.StateServerSide)
		if err != nil {
			if conn.Alive() && !errors.Is(err, io.EOF) {
				log.Printf("ws: read session=%s role=%s: %v", att.Session.ID, att.Role, err)
			}
			return
		}

		if header.OpCode.IsControl() {
			if err := s.handleControl(conn, att, header, reader); err != nil {
				if !errors.Is(err, errPeerClosed) {
					log.Printf("ws: control session=%s role=%s: %v", att.Session.ID, att.Role, err)
				}
				return
			}
			continue
		}

		// The reader spans every fragment of the message, so the size
		// cap is enforced on what is actually buffered, not on the
		// first frame's declared length.
		data, err := io.ReadAll(io.LimitReader(reader, s.config.MaxFrameBytes+1))
		if err != nil {
			return
		}
		if int64(len(data)) > s.config.MaxFrameBytes {
			if _, err := io.Copy(io.Discard, reader); err != nil {
				return
			}
			s.core.DropOversize(att.Session, att.Role, header.Length)
			continue
		}
		if len(data) == 0 {
			continue
		}

		s.core.Relay(att.Session, att.Role, data)
	}
}

// handleControl answers ping and close frames inline. Any pong or
// ping from the peer proves it is alive, so session activity is
// refreshed.
func (s *Server) handleControl(conn *Conn, att *relay.Attachment, header ws.Header, reader io.Reader) error {
	payload, err := io.ReadAll(reader)
	if err != nil {
		return err
	}

	switch header.OpCode {
	case ws.OpPing:
		att.Session.Touch()
		return conn.writePong(payload)
	case ws.OpPong:
		att.Session.Touch()
		return nil
	case ws.OpClose:
		code := ws.StatusNormalClosure
		if len(payload) >= 2 {
			code, _ = ws.ParseCloseFrameData(payload)
		}
		_ = conn.Close(int(code), "")
		return errPeerClosed
	}
	return nil
}

// probeLoop pings the connection at the probe interval. A failed ping
// closes the connection, which ends the read loop; a closed
// connection ends the probe loop, so probing never outlives its
// transport.
func (s *Server) probeLoop(conn *Conn, att *relay.Attachment) {
	ticker := time.NewTicker(s.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.Done():
			return
		case <-ticker.C:
			if err := conn.WritePing(); err != nil {
				log.Printf("ws: probe session=%s role=%s: %v", att.Session.ID, att.Role, err)
				_ = conn.Close(relay.CloseGoingAway, "probe failed")
				return
			}
		}
	}
}

// closeReason maps an attach rejection to the close frame reason sent
// to the caller.
func closeReason(err error) string {
	switch {
	case errors.Is(err, relay.ErrMissingParams):
		return "missing session or role"
	case errors.Is(err, relay.ErrBadRole):
		return "invalid role"
	case errors.Is(err, relay.ErrUnknownSession):
		return "unknown session"
	case errors.Is(err, relay.ErrBadSecret):
		return "invalid host secret"
	}
	return "attach rejected"
}

// clientIP extracts the caller's address for rate limiting, honoring
// X-Forwarded-For from a fronting proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
