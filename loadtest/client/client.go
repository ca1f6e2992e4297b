// Package client provides a reusable WebSocket load test client for the
// Duolink relay server. It connects using gobwas/ws (the same library the
// server uses), provisions sessions through the HTTP API, waits for the
// connected acknowledgement, and tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Server -> Client control message types. Everything else on the wire is
// an opaque relayed payload.
const (
	TypeConnected   = "connected"
	TypeGuestJoined = "guest_joined"
	TypeHostLeft    = "host_left"
	TypeGuestLeft   = "guest_left"
)

// ---------------------------------------------------------------------------
// Session provisioning
// ---------------------------------------------------------------------------

// Session holds the credentials returned by the session creation API.
type Session struct {
	SessionID  string `json:"sessionId"`
	HostSecret string `json:"hostSecret"`
	GuestURL   string `json:"guestUrl"`
}

// CreateSession provisions a new relay session via POST /api/sessions and
// returns its credentials.
func CreateSession(ctx context.Context, apiBase string) (*Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/api/sessions", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST /api/sessions: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("POST /api/sessions: status %d", resp.StatusCode)
	}
	var sess Session
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	FirstMsgLatency  time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated peer connection to the relay server.
// It manages the WebSocket lifecycle, dispatches incoming messages to
// registered handlers, and records the connected acknowledgement.
type Client struct {
	conn      net.Conn
	role      string
	sessionID string
	dialStart time.Time

	mu          sync.Mutex
	metrics     Metrics
	handlers    map[string]func(json.RawMessage)
	acked       bool
	guestID     string
	closeCode   int
	closeReason string
	firstMsg    bool

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a client attached to the given session in the given role. The
// connection is established immediately and a background goroutine begins
// reading messages. Hosts must pass the session's secret; guests pass "".
func New(ctx context.Context, wsBase, sessionID, role, secret string) (*Client, error) {
	u := fmt.Sprintf("%s?session=%s&role=%s", wsBase, url.QueryEscape(sessionID), url.QueryEscape(role))
	if secret != "" {
		u += "&secret=" + url.QueryEscape(secret)
	}

	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:      conn,
		role:      role,
		sessionID: sessionID,
		dialStart: start,
		handlers:  make(map[string]func(json.RawMessage)),
		done:      make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	// Start reading messages in background.
	go c.readLoop()

	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// On registers a handler for a specific message type. The handler receives
// the full raw JSON of the message for flexible decoding. Handlers are
// invoked from the read loop goroutine so they should not block for extended
// periods. Only one handler per message type is supported; registering a
// second handler for the same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitForConnected blocks until the server has acknowledged the attachment
// or the context is cancelled. Connections the server rejects close without
// an acknowledgement, which surfaces here as an error.
func (c *Client) WaitForConnected(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			if code, reason, ok := c.CloseStatus(); ok {
				return fmt.Errorf("connection closed before acknowledgement (code=%d reason=%q)", code, reason)
			}
			return errors.New("connection closed before acknowledgement")
		case <-ticker.C:
			c.mu.Lock()
			acked := c.acked
			c.mu.Unlock()
			if acked {
				return nil
			}
		}
	}
}

// WaitForClose blocks until the server closes the connection or the context
// is cancelled, and returns the close frame's code and reason.
func (c *Client) WaitForClose(ctx context.Context) (int, string, error) {
	select {
	case <-ctx.Done():
		return 0, "", ctx.Err()
	case <-c.done:
		code, reason, _ := c.CloseStatus()
		return code, reason, nil
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// SessionID returns the session this client is attached to.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Role returns the role this client attached as.
func (c *Client) Role() string {
	return c.role
}

// GuestID returns the guest id observed in a guest_joined notice, or an
// empty string. Only hosts ever observe one.
func (c *Client) GuestID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.guestID
}

// CloseStatus reports the code and reason of the close frame the server
// sent, if any.
func (c *Client) CloseStatus() (code int, reason string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason, c.closeCode != 0
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and
// dispatches them to registered handlers. It runs until the connection is
// closed or an unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}

			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				c.mu.Lock()
				c.closeCode = int(closed.Code)
				c.closeReason = closed.Reason
				c.mu.Unlock()
			} else {
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			c.Close()
			return
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		if !c.firstMsg {
			c.firstMsg = true
			c.metrics.FirstMsgLatency = time.Since(c.dialStart)
		}
		c.mu.Unlock()

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		// Record the acknowledgement and guest arrival internally so callers
		// can poll for them without registering handlers.
		switch envelope.Type {
		case TypeConnected:
			c.mu.Lock()
			c.acked = true
			c.mu.Unlock()
		case TypeGuestJoined:
			var msg struct {
				GuestID string `json:"guestId"`
			}
			if err := json.Unmarshal(data, &msg); err == nil && msg.GuestID != "" {
				c.mu.Lock()
				c.guestID = msg.GuestID
				c.mu.Unlock()
			}
		}

		// Dispatch to registered handler if one exists.
		c.mu.Lock()
		handler, ok := c.handlers[envelope.Type]
		c.mu.Unlock()
		if ok {
			handler(json.RawMessage(data))
		}
	}
}
