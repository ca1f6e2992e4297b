package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn is one upgraded WebSocket connection serving as a session
// transport. A write mutex serializes outbound frames so the relay,
// the probe loop and control replies never interleave bytes.
type Conn struct {
	netConn      net.Conn
	remote       string
	writeTimeout time.Duration

	writeMu sync.Mutex
	done    chan struct{}
	closed  int32 // atomic: 1 once the connection is torn down
}

func newConn(netConn net.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{
		netConn:      netConn,
		remote:       netConn.RemoteAddr().String(),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

// WriteMessage sends a WebSocket text frame to the peer.
func (c *Conn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.netConn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.netConn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.netConn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame (opcode 0x9).
func (c *Conn) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.netConn, ws.NewPingFrame(nil))
}

// writePong answers a client ping, echoing its payload.
func (c *Conn) writePong(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.netConn, ws.NewPongFrame(payload))
}

// Alive reports whether the connection has not been torn down.
func (c *Conn) Alive() bool {
	return atomic.LoadInt32(&c.closed) == 0
}

// Close sends a close frame with the given status code and reason,
// then tears down the TCP connection. Only the first Close has any
// effect; later calls return nil.
func (c *Conn) Close(code int, reason string) error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	close(c.done)

	frame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusCode(code), reason))
	c.writeMu.Lock()
	if c.writeTimeout > 0 {
		_ = c.netConn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_ = ws.WriteFrame(c.netConn, frame)
	c.writeMu.Unlock()

	return c.netConn.Close()
}

// RemoteAddr describes the far end for logs.
func (c *Conn) RemoteAddr() string { return c.remote }

// Done is closed when the connection is torn down. The probe loop
// watches it so probing never outlives the connection.
func (c *Conn) Done() <-chan struct{} { return c.done }
