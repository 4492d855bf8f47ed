package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// writeDeadline bounds a single WebSocket write. A client that cannot drain a
// frame within this window is treated as dead.
const writeDeadline = 5 * time.Second

// readDeadline is the longest the read pump waits for any activity, pongs
// included, before the connection is considered dead (~3 missed pings).
const readDeadline = 90 * time.Second

// pingInterval is the keepalive ping cadence.
const pingInterval = 30 * time.Second

// maxReadMessageSize limits incoming messages. Input lines and control
// frames are tiny; anything larger is malformed.
const maxReadMessageSize = 64 * 1024

// conn adapts a gorilla connection to the session.Conn watcher contract.
// gorilla does not allow concurrent writes, so every write path (fan-out,
// control frames, pings) serialises on writeMu.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws}
}

// Open reports whether the stream has not failed or been closed yet.
func (c *conn) Open() bool {
	return !c.closed.Load()
}

// SendText delivers a JSON control frame.
func (c *conn) SendText(payload []byte) error {
	return c.write(websocket.TextMessage, payload)
}

// SendBinary delivers raw PTY output bytes.
func (c *conn) SendBinary(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

func (c *conn) write(messageType int, payload []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	err := c.ws.WriteMessage(messageType, payload)
	_ = c.ws.SetWriteDeadline(time.Time{})
	if err != nil {
		// One failed write condemns the stream; the owner evicts it.
		c.closed.Store(true)
	}
	return err
}

// ping sends a keepalive frame through the same serialised writer.
func (c *conn) ping() error {
	return c.write(websocket.PingMessage, nil)
}

// Close shuts the stream down gracefully: close handshake, then teardown.
func (c *conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.ws.Close()
}

// Terminate tears the stream down immediately, best effort.
func (c *conn) Terminate() {
	c.closed.Store(true)
	_ = c.ws.Close()
}

// pingLoop keeps the connection alive until done closes or a ping fails.
func (c *conn) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}
