// Package transport provides the duplex connection to the agent process.
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"agentdesk/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed for the opening handshake.
	handshakeTimeout = 10 * time.Second
)

// ErrClosed is returned when writing to a closed connection.
var ErrClosed = errors.New("transport closed")

// Handler receives inbound frames. OnMessage calls are strictly ordered and
// never concurrent. OnClose is called exactly once after the last OnMessage;
// err is nil when the close was requested locally.
type Handler interface {
	OnMessage(data []byte)
	OnClose(err error)
}

// Conn is an open transport.
type Conn interface {
	// Send writes one frame. It never waits on a reply.
	Send(data []byte) error
	// Close closes the connection. It is safe to call more than once.
	Close() error
}

// Dialer opens transports. Tests substitute their own.
type Dialer interface {
	Dial(ctx context.Context, url string, h Handler) (Conn, error)
}

// WebSocketDialer dials gorilla/websocket connections.
type WebSocketDialer struct {
	Header http.Header
}

// Dial opens a WebSocket connection and starts its read pump.
func (d *WebSocketDialer) Dial(ctx context.Context, url string, h Handler) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	c := &wsConn{conn: ws}
	go c.readPump(h)
	return c, nil
}

type wsConn struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closedMu  sync.Mutex
	closed    bool
}

func (c *wsConn) Send(data []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closedMu.Lock()
		c.closed = true
		c.closedMu.Unlock()

		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) isClosed() bool {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	return c.closed
}

// readPump delivers frames to h until the connection fails or is closed.
func (c *wsConn) readPump(h Handler) {
	c.conn.SetReadLimit(protocol.MaxMessageSize)

	var readErr error
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		h.OnMessage(message)
	}

	_ = c.conn.Close()
	if c.isClosed() {
		h.OnClose(nil)
		return
	}
	h.OnClose(readErr)
}
